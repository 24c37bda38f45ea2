//go:build linux

// Package netmap implements a phy.Device on top of netmap rings.
//
// A session maps the rings of one netmap port into the process and
// exchanges frames with the kernel through them:
//
//   - RX ring: the kernel publishes received frames up to tail,
//     userspace consumes them by advancing head/cur.
//   - TX ring: userspace fills free slots between cur and tail and
//     advances head/cur, NIOCTXSYNC hands them to the NIC.
//   - Slot: a buffer index and length; buffers live in a pool shared by
//     all ports of one memory allocator, which makes zero-copy
//     forwarding a matter of swapping buffer indices.
//
// Kernel reconciliation happens either explicitly (NIOCRXSYNC,
// NIOCTXSYNC) or implicitly through poll(2), see SyncMode.
package netmap

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/romshark/nmphy/phy"
)

var (
	ErrBadLayout     = errors.New("inconsistent netmap memory layout")
	ErrBufSize       = errors.New("reading netmap buf_size parameter")
	ErrNameTooLong   = errors.New("netmap port name too long")
	ErrInvalidName   = errors.New("invalid netmap port name")
	ErrInvalidConfig = errors.New("invalid netmap config")
)

// Config controls how a Netmap device is created.
type Config struct {
	// Parent is the kernel interface whose MTU sizes the device.
	Parent string
	// Sync is the kernel synchronization strategy.
	Sync SyncMode
	// ReduceMTUBy is subtracted from the reported maximum frame size,
	// e.g. to leave room for encapsulation.
	ReduceMTUBy int
}

func (c *Config) Validate() error {
	if c.Parent == "" {
		return fmt.Errorf("%w: missing parent interface", ErrInvalidConfig)
	}
	if c.ReduceMTUBy < 0 {
		return fmt.Errorf("%w: negative MTU reduction %d", ErrInvalidConfig, c.ReduceMTUBy)
	}
	switch c.Sync {
	case SyncPoll, SyncWait:
	default:
		return fmt.Errorf("%w: unknown sync mode %d", ErrInvalidConfig, int(c.Sync))
	}
	return nil
}

var sessionIDs atomic.Uint64

// session is a Desc shared by all clones of a Netmap.
type session struct {
	id   uint64
	mu   sync.RWMutex
	refs atomic.Int64
	desc *Desc

	// closing stops new Waits; waiters tracks polls running unlocked.
	closing bool
	waiters sync.WaitGroup
}

// Netmap is a netmap port exposed as a phy.Device.
// It is safe for concurrent use; all clones share one session and lock.
type Netmap struct {
	s      *session
	caps   phy.Capabilities
	closed atomic.Bool
}

var (
	_ phy.Device = (*Netmap)(nil)
	_ phy.Waiter = (*Netmap)(nil)
)

// New opens the netmap port name. The maximum frame size is derived
// from conf.Parent once and does not follow later MTU changes.
func New(name string, conf Config) (*Netmap, error) {
	return newNetmap(kernel{}, conf, func() (*Desc, error) {
		return openDesc(kernel{}, name, conf.Sync)
	})
}

// NewFromSharedFD attaches to a netmap fd registered elsewhere with req,
// e.g. one received from another process. On success the device owns fd.
func NewFromSharedFD(fd int, req Request, conf Config) (*Netmap, error) {
	return newNetmap(kernel{}, conf, func() (*Desc, error) {
		return adoptDesc(kernel{}, fd, req, conf.Sync)
	})
}

func newNetmap(sys system, conf Config, open func() (*Desc, error)) (*Netmap, error) {
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	mtu, err := sys.interfaceMTU(conf.Parent)
	if err != nil {
		return nil, fmt.Errorf("querying MTU of %q: %w", conf.Parent, err)
	}
	maxFrame := mtu + phy.EthernetHeaderLen - conf.ReduceMTUBy
	if maxFrame <= 0 {
		return nil, fmt.Errorf("%w: MTU reduction %d exceeds frame size %d",
			ErrInvalidConfig, conf.ReduceMTUBy, mtu+phy.EthernetHeaderLen)
	}

	desc, err := open()
	if err != nil {
		return nil, err
	}
	s := &session{id: sessionIDs.Add(1), desc: desc}
	s.refs.Store(1)
	return &Netmap{s: s, caps: phy.Capabilities{MaxFrameSize: maxFrame}}, nil
}

// Clone returns a new handle on the same session.
// The session is released when every handle has been closed.
func (n *Netmap) Clone() *Netmap {
	n.s.refs.Add(1)
	return &Netmap{s: n.s, caps: n.caps}
}

// Close releases this handle and, if it was the last one, the session.
func (n *Netmap) Close() error {
	if !n.closed.CompareAndSwap(false, true) {
		return nil
	}
	if n.s.refs.Add(-1) > 0 {
		return nil
	}
	n.s.mu.Lock()
	n.s.closing = true
	n.s.mu.Unlock()
	n.s.waiters.Wait()

	n.s.mu.Lock()
	defer n.s.mu.Unlock()
	return n.s.desc.Close()
}

func (n *Netmap) Capabilities() phy.Capabilities { return n.caps }

// Receive implements phy.Device.
// The frame of the returned RxToken points into the shared mapping and
// stays valid until the next Receive on this session.
func (n *Netmap) Receive() (phy.RxToken, phy.TxToken, bool, error) {
	if n.closed.Load() {
		return nil, nil, false, &phy.FatalError{Op: "receive", Err: phy.ErrClosed}
	}
	n.s.mu.Lock()
	frame, err := n.s.desc.Receive()
	n.s.mu.Unlock()

	switch {
	case err == nil:
		return &RxToken{frame: frame}, &TxToken{s: n.s}, true, nil
	case errors.Is(err, phy.ErrWouldBlock):
		return nil, nil, false, nil
	}
	return nil, nil, false, &phy.FatalError{Op: "receive", Err: err}
}

// Transmit implements phy.Device. A token is offered even when all TX
// rings are full: the kernel is kicked first so that rings stuck
// without a sync make progress.
func (n *Netmap) Transmit() (phy.TxToken, bool) {
	if n.closed.Load() {
		return nil, false
	}
	n.s.mu.Lock()
	if !n.s.desc.TxReady() {
		_ = n.s.desc.Flush()
	}
	n.s.mu.Unlock()
	return &TxToken{s: n.s}, true
}

// Flush hands all filled TX slots to the kernel.
func (n *Netmap) Flush() error {
	n.s.mu.Lock()
	defer n.s.mu.Unlock()
	return n.s.desc.Flush()
}

// ZeroCopyForward transmits the frame last received on src through n by
// swapping slot buffers. It fails with phy.ErrIllegal if src has no
// received frame pending, and with phy.ErrExhausted if n has no TX space.
// Both ports must share a netmap memory allocator.
func (n *Netmap) ZeroCopyForward(src *Netmap) error {
	unlock := lockPair(n.s, src.s)
	defer unlock()
	return n.s.desc.Forward(src.s.desc)
}

// lockPair locks both sessions in id order.
func lockPair(a, b *session) (unlock func()) {
	if a == b {
		a.mu.Lock()
		return a.mu.Unlock
	}
	if b.id < a.id {
		a, b = b, a
	}
	a.mu.Lock()
	b.mu.Lock()
	return func() {
		b.mu.Unlock()
		a.mu.Unlock()
	}
}

// Wait blocks until a frame is likely available or timeout expires.
// The session lock is not held while blocked so transmitters proceed.
// Closing the last handle waits for blocked Waits to return before the
// descriptor is released.
func (n *Netmap) Wait(timeout time.Duration) error {
	if n.closed.Load() {
		return phy.ErrClosed
	}
	n.s.mu.RLock()
	d := n.s.desc
	if n.s.closing || d.closed {
		n.s.mu.RUnlock()
		return phy.ErrClosed
	}
	fd, sys := d.fd, d.sys
	n.s.waiters.Add(1)
	n.s.mu.RUnlock()
	defer n.s.waiters.Done()

	err := sys.poll(fd, timeout)

	n.s.mu.Lock()
	d.pending = nil
	n.s.mu.Unlock()
	return err
}

func (n *Netmap) SyncMode() SyncMode {
	n.s.mu.RLock()
	defer n.s.mu.RUnlock()
	return n.s.desc.SyncMode()
}

func (n *Netmap) SetSyncMode(m SyncMode) {
	n.s.mu.Lock()
	defer n.s.mu.Unlock()
	n.s.desc.SetSyncMode(m)
}

func (n *Netmap) UsesWait() bool { return n.SyncMode() == SyncWait }

func (n *Netmap) SetUsesWait(v bool) {
	if v {
		n.SetSyncMode(SyncWait)
		return
	}
	n.SetSyncMode(SyncPoll)
}

// Request returns the registration record of the session.
func (n *Netmap) Request() Request {
	n.s.mu.RLock()
	defer n.s.mu.RUnlock()
	return n.s.desc.Request()
}

func (n *Netmap) FD() int {
	n.s.mu.RLock()
	defer n.s.mu.RUnlock()
	return n.s.desc.FD()
}

// RxToken carries one received frame.
type RxToken struct {
	frame []byte
	used  bool
}

func (t *RxToken) Consume(fn func(frame []byte) error) error {
	if t.used {
		return phy.ErrTokenUsed
	}
	t.used = true
	return fn(t.frame)
}

// TxToken grants one send on a session.
type TxToken struct {
	s    *session
	used bool
}

// Consume writes one frame of n bytes directly into a TX slot.
// It panics if n exceeds the slot buffer size.
func (t *TxToken) Consume(n int, fn func(buf []byte) error) error {
	if t.used {
		return phy.ErrTokenUsed
	}
	t.used = true
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	return t.s.desc.Send(n, fn)
}
