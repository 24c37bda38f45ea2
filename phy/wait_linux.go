//go:build linux

package phy

import (
	"time"

	"golang.org/x/sys/unix"
)

// WaitReadable blocks until fd is readable or timeout expires.
// A negative timeout blocks indefinitely.
// Expiry is not an error.
func WaitReadable(fd int, timeout time.Duration) error {
	ms := -1
	if timeout >= 0 {
		ms = int(timeout.Milliseconds())
	}
	for {
		_, err := unix.Poll([]unix.PollFd{{
			Fd:     int32(fd),
			Events: unix.POLLIN,
		}}, ms)
		if err == nil {
			return nil
		}
		// Signals from profilers, timers and the Go runtime interrupt poll.
		if err == unix.EINTR {
			continue
		}
		return err
	}
}
