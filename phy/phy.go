// Package phy defines the contract between a user-space network stack and
// the packet devices it drives.
//
// A device hands out single-use tokens:
//
//   - RxToken: grants read access to exactly one received frame.
//   - TxToken: grants write access to exactly one outgoing frame buffer.
//
// The stack polls Receive for an (RxToken, TxToken) pair, consumes the RX
// token and, if a reply is due, consumes the TX token in the same step.
// Transmit offers a TX token when the stack wants to send unprompted.
package phy

import (
	"errors"
	"fmt"
	"time"
)

// EthernetHeaderLen is the size of an Ethernet II header without VLAN tags.
const EthernetHeaderLen = 14

var (
	ErrWouldBlock = errors.New("operation would block")
	ErrExhausted  = errors.New("device resources exhausted")
	ErrIllegal    = errors.New("illegal operation")
	ErrTokenUsed  = errors.New("token already consumed")
	ErrClosed     = errors.New("device closed")
)

// FatalError reports a receive-path failure after which the device
// must not be used anymore.
type FatalError struct {
	Op  string
	Err error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal device error during %s: %v", e.Op, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// Capabilities describes what a device can carry.
type Capabilities struct {
	// MaxFrameSize is the largest frame in bytes, link header included.
	MaxFrameSize int
}

// Device is a packet-level network device.
type Device interface {
	// Capabilities is pure and always returns the same value.
	Capabilities() Capabilities

	// Receive returns ok=false when no frame is available.
	// A non-nil error is a *FatalError.
	Receive() (rx RxToken, tx TxToken, ok bool, err error)

	// Transmit offers a token for sending one frame.
	Transmit() (tx TxToken, ok bool)
}

// RxToken grants access to one received frame.
type RxToken interface {
	// Consume passes the frame to fn and returns fn's error.
	// frame must not be retained after fn returns.
	Consume(fn func(frame []byte) error) error
}

// TxToken grants access to one transmit buffer.
type TxToken interface {
	// Consume passes a buffer of exactly n bytes to fn and returns fn's
	// error. Ring backends commit the buffer even when fn fails; the
	// others discard it.
	Consume(n int, fn func(buf []byte) error) error
}

// Waiter is implemented by devices that can block until traffic is
// likely available.
type Waiter interface {
	Wait(timeout time.Duration) error
}

// Wait blocks on dev if it implements Waiter and sleeps for timeout
// otherwise.
func Wait(dev Device, timeout time.Duration) error {
	if w, ok := dev.(Waiter); ok {
		return w.Wait(timeout)
	}
	time.Sleep(timeout)
	return nil
}
