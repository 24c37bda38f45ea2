//go:build linux

// Package ifreq issues single interface-configuration requests
// (SIOCGIFMTU, SIOCGIFINDEX, TUNSETIFF) using the fixed-size ifreq record.
package ifreq

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

var ErrNameTooLong = errors.New("interface name exceeds IFNAMSIZ-1 bytes")

func newIfreq(name string) (*unix.Ifreq, error) {
	if len(name) >= unix.IFNAMSIZ {
		return nil, fmt.Errorf("%q: %w", name, ErrNameTooLong)
	}
	return unix.NewIfreq(name)
}

// withSocket runs fn on a throwaway AF_INET datagram socket.
func withSocket(fn func(fd int) error) error {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("opening control socket: %w", err)
	}
	defer unix.Close(fd)
	return fn(fd)
}

// MTU returns the MTU of the named interface.
func MTU(name string) (int, error) {
	ifr, err := newIfreq(name)
	if err != nil {
		return 0, err
	}
	err = withSocket(func(fd int) error {
		return unix.IoctlIfreq(fd, unix.SIOCGIFMTU, ifr)
	})
	if err != nil {
		return 0, fmt.Errorf("SIOCGIFMTU %q: %w", name, err)
	}
	return int(ifr.Uint32()), nil
}

// Index returns the kernel index of the named interface.
func Index(name string) (int, error) {
	ifr, err := newIfreq(name)
	if err != nil {
		return 0, err
	}
	err = withSocket(func(fd int) error {
		return unix.IoctlIfreq(fd, unix.SIOCGIFINDEX, ifr)
	})
	if err != nil {
		return 0, fmt.Errorf("SIOCGIFINDEX %q: %w", name, err)
	}
	return int(ifr.Uint32()), nil
}

// AttachTap binds the /dev/net/tun file descriptor fd to the named
// interface, creating it if needed. flags is a combination of
// unix.IFF_TAP, unix.IFF_TUN, unix.IFF_NO_PI and friends.
func AttachTap(fd int, name string, flags uint16) error {
	ifr, err := newIfreq(name)
	if err != nil {
		return err
	}
	ifr.SetUint16(flags)
	if err := unix.IoctlIfreq(fd, unix.TUNSETIFF, ifr); err != nil {
		return fmt.Errorf("TUNSETIFF %q: %w", name, err)
	}
	return nil
}
