// Package memdev provides connected in-memory phy.Devices, a virtual cable
// for exercising stacks and decorators without kernel resources.
package memdev

import (
	"sync"
	"time"

	"github.com/romshark/nmphy/phy"
)

// Device is one end of a Pair. Frames written to it arrive at its peer.
type Device struct {
	in     chan []byte
	notify chan struct{}
	peer   *Device
	caps   phy.Capabilities

	mu     sync.RWMutex
	closed bool
}

var (
	_ phy.Device = (*Device)(nil)
	_ phy.Waiter = (*Device)(nil)
)

// Pair returns two connected devices each queuing up to queueLen frames
// of at most maxFrameSize bytes. Frames beyond the queue are refused
// with phy.ErrExhausted.
func Pair(maxFrameSize, queueLen int) (a, b *Device) {
	mk := func() *Device {
		return &Device{
			in:     make(chan []byte, queueLen),
			notify: make(chan struct{}, 1),
			caps:   phy.Capabilities{MaxFrameSize: maxFrameSize},
		}
	}
	a, b = mk(), mk()
	a.peer, b.peer = b, a
	return a, b
}

func (d *Device) Capabilities() phy.Capabilities { return d.caps }

func (d *Device) isClosed() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.closed
}

func (d *Device) Receive() (phy.RxToken, phy.TxToken, bool, error) {
	if d.isClosed() {
		return nil, nil, false, &phy.FatalError{Op: "receive", Err: phy.ErrClosed}
	}
	select {
	case f := <-d.in:
		return &rxToken{frame: f}, &txToken{dev: d}, true, nil
	default:
		return nil, nil, false, nil
	}
}

func (d *Device) Transmit() (phy.TxToken, bool) {
	if d.isClosed() {
		return nil, false
	}
	return &txToken{dev: d}, true
}

// Inject queues frame as if the peer had sent it.
func (d *Device) Inject(frame []byte) error {
	return d.deliver(append([]byte(nil), frame...))
}

func (d *Device) deliver(frame []byte) error {
	select {
	case d.in <- frame:
	default:
		return phy.ErrExhausted
	}
	select {
	case d.notify <- struct{}{}:
	default:
	}
	return nil
}

func (d *Device) Wait(timeout time.Duration) error {
	if d.isClosed() {
		return phy.ErrClosed
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	// notify may hold a token for a frame that was already received.
	for len(d.in) == 0 {
		select {
		case <-d.notify:
		case <-t.C:
			return nil
		}
	}
	return nil
}

func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
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
	if t.dev.isClosed() {
		return phy.ErrClosed
	}
	buf := make([]byte, n)
	if err := fn(buf); err != nil {
		return err
	}
	return t.dev.peer.deliver(buf)
}
