//go:build linux

// Package uds exchanges Ethernet frames as datagrams over a Unix socket,
// e.g. with a hypervisor or a test harness on the other end.
package uds

import (
	"errors"
	"fmt"
	"net"

	"golang.org/x/sys/unix"

	"github.com/romshark/nmphy/ifreq"
	"github.com/romshark/nmphy/internal/fddev"
)

var ErrNoMTU = errors.New("either Parent or MTU must be set")

type Config struct {
	// Parent is the interface whose MTU sizes frames.
	Parent string
	// MTU overrides the MTU lookup of Parent when positive.
	MTU int
	// ReduceMTUBy is subtracted from the reported maximum frame size.
	ReduceMTUBy int
}

func (c *Config) mtu() (int, error) {
	if c.MTU > 0 {
		return c.MTU, nil
	}
	if c.Parent == "" {
		return 0, ErrNoMTU
	}
	return ifreq.MTU(c.Parent)
}

// Socket is a Unix datagram socket exposed as a phy.Device.
type Socket struct {
	*fddev.Device
}

// New duplicates the descriptor of conn. The caller keeps ownership of
// conn and may close it.
func New(conn *net.UnixConn, conf Config) (*Socket, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return nil, err
	}
	fd := -1
	var dupErr error
	err = raw.Control(func(s uintptr) {
		fd, dupErr = unix.FcntlInt(s, unix.F_DUPFD_CLOEXEC, 0)
	})
	if err == nil {
		err = dupErr
	}
	if err != nil {
		return nil, fmt.Errorf("duplicating socket: %w", err)
	}
	s, err := NewFromFD(fd, conf)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	return s, nil
}

// NewFromFD takes ownership of the datagram socket fd.
func NewFromFD(fd int, conf Config) (*Socket, error) {
	typ, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_TYPE)
	if err != nil {
		return nil, fmt.Errorf("querying socket type: %w", err)
	}
	if typ != unix.SOCK_DGRAM && typ != unix.SOCK_SEQPACKET {
		return nil, fmt.Errorf("socket type %d does not preserve frame boundaries", typ)
	}
	mtu, err := conf.mtu()
	if err != nil {
		return nil, err
	}
	dev, err := fddev.New(fd, mtu, conf.ReduceMTUBy)
	if err != nil {
		return nil, err
	}
	return &Socket{Device: dev}, nil
}
