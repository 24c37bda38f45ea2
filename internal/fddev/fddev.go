//go:build linux

// Package fddev implements phy.Device for file descriptors that exchange
// one frame per read/write, copying frames in and out of Go buffers.
package fddev

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/romshark/nmphy/phy"
)

// Device is a copying phy.Device over a non-blocking frame descriptor.
// It is safe for concurrent use.
type Device struct {
	mu     sync.RWMutex
	fd     int
	closed bool

	// bufLen is the receive buffer size, the link MTU plus header.
	bufLen int
	caps   phy.Capabilities
}

var (
	_ phy.Device = (*Device)(nil)
	_ phy.Waiter = (*Device)(nil)
)

// New takes ownership of fd, switches it to non-blocking mode and sizes
// frames from mtu. reduceMTUBy is subtracted from the advertised maximum.
func New(fd, mtu, reduceMTUBy int) (*Device, error) {
	if mtu <= 0 {
		return nil, fmt.Errorf("invalid MTU %d", mtu)
	}
	bufLen := mtu + phy.EthernetHeaderLen
	if reduceMTUBy < 0 || reduceMTUBy >= bufLen {
		return nil, fmt.Errorf("invalid MTU reduction %d for frame size %d", reduceMTUBy, bufLen)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		return nil, fmt.Errorf("setting non-blocking mode: %w", err)
	}
	return &Device{
		fd:     fd,
		bufLen: bufLen,
		caps:   phy.Capabilities{MaxFrameSize: bufLen - reduceMTUBy},
	}, nil
}

func (d *Device) FD() int { return d.fd }

func (d *Device) Capabilities() phy.Capabilities { return d.caps }

func wouldBlock(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK)
}

func (d *Device) Receive() (phy.RxToken, phy.TxToken, bool, error) {
	buf := make([]byte, d.bufLen)

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, nil, false, &phy.FatalError{Op: "receive", Err: phy.ErrClosed}
	}
	n, err := unix.Read(d.fd, buf)
	d.mu.Unlock()

	switch {
	case err == nil:
		return &rxToken{frame: buf[:n]}, &txToken{dev: d}, true, nil
	case wouldBlock(err), errors.Is(err, unix.EINTR):
		return nil, nil, false, nil
	}
	return nil, nil, false, &phy.FatalError{Op: "receive", Err: err}
}

func (d *Device) Transmit() (phy.TxToken, bool) {
	return &txToken{dev: d}, true
}

func (d *Device) send(frame []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return phy.ErrClosed
	}
	_, err := unix.Write(d.fd, frame)
	switch {
	case err == nil:
		return nil
	case wouldBlock(err), errors.Is(err, unix.ENOBUFS):
		return phy.ErrExhausted
	}
	return fmt.Errorf("writing frame: %w", err)
}

// Wait blocks until the descriptor is readable or timeout expires.
func (d *Device) Wait(timeout time.Duration) error {
	d.mu.RLock()
	fd, closed := d.fd, d.closed
	d.mu.RUnlock()
	if closed {
		return phy.ErrClosed
	}
	return phy.WaitReadable(fd, timeout)
}

// Close closes the descriptor. Calling Close more than once has no effect.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	if err := unix.Close(d.fd); err != nil {
		return fmt.Errorf("closing fd: %w", err)
	}
	return nil
}

type rxToken struct {
	frame []byte
	used  bool
}

func (t *rxToken) Consume(fn func(frame []byte) error) error {
	if t.used {
		return phy.ErrTokenUsed
	}
	t.used = true
	return fn(t.frame)
}

type txToken struct {
	dev  *Device
	used bool
}

func (t *txToken) Consume(n int, fn func(buf []byte) error) error {
	if t.used {
		return phy.ErrTokenUsed
	}
	t.used = true
	buf := make([]byte, n)
	if err := fn(buf); err != nil {
		return err
	}
	return t.dev.send(buf)
}
