//go:build linux

// Package rawsock exchanges frames through an AF_PACKET raw socket bound
// to one interface. The kernel stack keeps processing the same traffic.
package rawsock

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/asm"
	"golang.org/x/sys/unix"

	"github.com/romshark/nmphy/ifreq"
	"github.com/romshark/nmphy/internal/fddev"
)

var ErrNoEtherTypes = errors.New("no EtherTypes to filter on")

type Config struct {
	// ReduceMTUBy is subtracted from the reported maximum frame size.
	ReduceMTUBy int
	// EtherTypes, if set, restricts received frames to these EtherTypes
	// using an eBPF socket filter.
	EtherTypes []uint16
}

// Socket is a raw packet socket exposed as a phy.Device.
type Socket struct {
	*fddev.Device
	ifindex int
}

// Ifindex returns the index of the interface the socket is bound to.
func (s *Socket) Ifindex() int { return s.ifindex }

// htons converts v to network byte order as seen by a native load.
func htons(v uint16) uint16 {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	return binary.NativeEndian.Uint16(b[:])
}

// New opens a raw socket receiving all protocols on interface name.
func New(name string, conf Config) (*Socket, error) {
	idx, err := ifreq.Index(name)
	if err != nil {
		return nil, err
	}
	mtu, err := ifreq.MTU(name)
	if err != nil {
		return nil, err
	}

	proto := htons(unix.ETH_P_ALL)
	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_RAW|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, int(proto))
	if err != nil {
		return nil, fmt.Errorf("opening AF_PACKET socket: %w", err)
	}
	if len(conf.EtherTypes) > 0 {
		if err := AttachEtherTypeFilter(fd, conf.EtherTypes...); err != nil {
			unix.Close(fd)
			return nil, err
		}
	}
	if err := unix.Bind(fd, &unix.SockaddrLinklayer{Protocol: proto, Ifindex: idx}); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("binding to %q: %w", name, err)
	}

	dev, err := fddev.New(fd, mtu, conf.ReduceMTUBy)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	return &Socket{Device: dev, ifindex: idx}, nil
}

// etherTypeFilter builds a socket filter accepting frames whose
// skb->protocol is one of types.
func etherTypeFilter(types []uint16) asm.Instructions {
	const protocolOffset = 16 // offsetof(struct __sk_buff, protocol)

	insns := asm.Instructions{
		asm.LoadMem(asm.R2, asm.R1, protocolOffset, asm.Word),
	}
	for _, t := range types {
		insns = append(insns, asm.JEq.Imm(asm.R2, int32(htons(t)), "accept"))
	}
	return append(insns,
		asm.Mov.Imm(asm.R0, 0),
		asm.Return(),
		asm.Mov.Imm(asm.R0, -1).WithSymbol("accept"),
		asm.Return(),
	)
}

// AttachEtherTypeFilter loads an eBPF socket filter that drops every frame
// not carrying one of types and attaches it to the socket fd.
func AttachEtherTypeFilter(fd int, types ...uint16) error {
	if len(types) == 0 {
		return ErrNoEtherTypes
	}
	prog, err := ebpf.NewProgram(&ebpf.ProgramSpec{
		Name:         "ethertype_filter",
		Type:         ebpf.SocketFilter,
		Instructions: etherTypeFilter(types),
		License:      "GPL",
	})
	if err != nil {
		return fmt.Errorf("loading socket filter: %w", err)
	}
	// The socket holds its own reference once attached.
	defer prog.Close()

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ATTACH_BPF, prog.FD()); err != nil {
		return fmt.Errorf("SO_ATTACH_BPF: %w", err)
	}
	return nil
}
