//go:build linux

// Package tap attaches to TAP and MACVTAP interfaces.
//
// Attaching to a persistent TAP interface owned by the current user or to
// a MACVTAP character device readable by it needs no privileges.
// Creating interfaces, BringUp and SetMTU need CAP_NET_ADMIN.
//
// MACVTAP interfaces are created beforehand, e.g.
//
//	ip link add link eth0 name macvtap0 type macvtap mode bridge
//	ip link set macvtap0 address 76:02:3f:d0:af:f0 up
//
// and the stack on top must use the MACVTAP's MAC address.
package tap

import (
	"fmt"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"github.com/romshark/nmphy/ifreq"
	"github.com/romshark/nmphy/internal/fddev"
)

const tunPath = "/dev/net/tun"

type Config struct {
	// ReduceMTUBy is subtracted from the reported maximum frame size.
	ReduceMTUBy int
	// SetMTU, when positive, changes the interface MTU before attaching.
	SetMTU int
	// BringUp sets the interface administratively up after attaching.
	BringUp bool
}

// Interface is a TAP or MACVTAP interface exposed as a phy.Device.
type Interface struct {
	*fddev.Device
	name string
}

// Name returns the kernel name of the interface.
func (i *Interface) Name() string { return i.name }

// New attaches to the TAP interface name, creating it if it does not exist.
func New(name string, conf Config) (*Interface, error) {
	fd, err := unix.Open(tunPath, unix.O_RDWR|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", tunPath, err)
	}
	if err := ifreq.AttachTap(fd, name, unix.IFF_TAP|unix.IFF_NO_PI); err != nil {
		unix.Close(fd)
		return nil, err
	}
	return setup(fd, name, conf)
}

// NewMacvtap attaches to the character device of the MACVTAP interface name.
func NewMacvtap(name string, conf Config) (*Interface, error) {
	idx, err := ifreq.Index(name)
	if err != nil {
		return nil, err
	}
	path := fmt.Sprintf("/dev/tap%d", idx)
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	return setup(fd, name, conf)
}

func setup(fd int, name string, conf Config) (*Interface, error) {
	if err := configureLink(name, conf); err != nil {
		unix.Close(fd)
		return nil, err
	}
	mtu, err := ifreq.MTU(name)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	dev, err := fddev.New(fd, mtu, conf.ReduceMTUBy)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	return &Interface{Device: dev, name: name}, nil
}

func configureLink(name string, conf Config) error {
	if conf.SetMTU <= 0 && !conf.BringUp {
		return nil
	}
	link, err := netlink.LinkByName(name)
	if err != nil {
		return fmt.Errorf("looking up link %q: %w", name, err)
	}
	if conf.SetMTU > 0 {
		if err := netlink.LinkSetMTU(link, conf.SetMTU); err != nil {
			return fmt.Errorf("setting MTU of %q: %w", name, err)
		}
	}
	if conf.BringUp {
		if err := netlink.LinkSetUp(link); err != nil {
			return fmt.Errorf("setting %q up: %w", name, err)
		}
	}
	return nil
}
