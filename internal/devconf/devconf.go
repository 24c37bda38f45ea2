//go:build linux

// Package devconf selects and opens a phy.Device backend from a YAML
// description shared by the commands.
package devconf

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/romshark/nmphy/netmap"
	"github.com/romshark/nmphy/phy"
	"github.com/romshark/nmphy/rawsock"
	"github.com/romshark/nmphy/tap"
	"github.com/romshark/nmphy/uds"
)

type Backend string

const (
	BackendNetmap  Backend = "netmap"
	BackendTap     Backend = "tap"
	BackendMacvtap Backend = "macvtap"
	BackendRaw     Backend = "raw"
	BackendUDS     Backend = "uds"
)

var ErrInvalid = errors.New("invalid device config")

// Device is what every backend returns.
type Device interface {
	phy.Device
	phy.Waiter
	io.Closer
}

type Config struct {
	Backend Backend `yaml:"backend"`

	// Interface is the netmap port name (e.g. "netmap:eth0"), the TAP,
	// macvtap or raw socket interface name.
	Interface string `yaml:"interface"`

	// Parent sizes frames for the netmap and uds backends.
	Parent string `yaml:"parent,omitempty"`

	Sync        netmap.SyncMode `yaml:"sync,omitempty"`
	ReduceMTUBy int             `yaml:"reduce-mtu-by,omitempty"`

	// MTU sets the TAP MTU, or the uds frame MTU when Parent is empty.
	MTU int `yaml:"mtu,omitempty"`

	BringUp    bool     `yaml:"bring-up,omitempty"`
	EtherTypes []uint16 `yaml:"ether-types,omitempty"`

	// LocalPath and RemotePath are the unixgram socket addresses of
	// the uds backend.
	LocalPath  string `yaml:"local-path,omitempty"`
	RemotePath string `yaml:"remote-path,omitempty"`
}

// Load reads a YAML config file, rejecting unknown keys.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(b)
}

func Parse(b []byte) (*Config, error) {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	var conf Config
	if err := dec.Decode(&conf); err != nil {
		return nil, fmt.Errorf("parsing YAML: %w", err)
	}
	return &conf, nil
}

func (c *Config) Validate() error {
	if c.ReduceMTUBy < 0 {
		return fmt.Errorf("%w: reduce-mtu-by must be >= 0", ErrInvalid)
	}
	if c.MTU < 0 {
		return fmt.Errorf("%w: mtu must be >= 0", ErrInvalid)
	}
	switch c.Backend {
	case BackendNetmap:
		if c.Interface == "" {
			return fmt.Errorf("%w: netmap needs interface (port name)", ErrInvalid)
		}
		if _, err := netmap.ParseName(c.Interface); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalid, err)
		}
		if c.Parent == "" {
			return fmt.Errorf("%w: netmap needs parent", ErrInvalid)
		}
	case BackendTap, BackendMacvtap:
		if c.Interface == "" {
			return fmt.Errorf("%w: %s needs interface", ErrInvalid, c.Backend)
		}
	case BackendRaw:
		if c.Interface == "" {
			return fmt.Errorf("%w: raw needs interface", ErrInvalid)
		}
	case BackendUDS:
		if c.RemotePath == "" {
			return fmt.Errorf("%w: uds needs remote-path", ErrInvalid)
		}
		if c.Parent == "" && c.MTU == 0 {
			return fmt.Errorf("%w: uds needs parent or mtu", ErrInvalid)
		}
	case "":
		return fmt.Errorf("%w: backend must be set", ErrInvalid)
	default:
		return fmt.Errorf("%w: unknown backend %q", ErrInvalid, c.Backend)
	}
	return nil
}

// Name identifies the device in reports.
func (c *Config) Name() string {
	if c.Backend == BackendUDS {
		return "uds:" + c.RemotePath
	}
	return c.Interface
}

// Open validates c and opens the selected backend.
func (c *Config) Open() (Device, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	var (
		dev Device
		err error
	)
	switch c.Backend {
	case BackendNetmap:
		dev, err = asDevice(netmap.New(c.Interface, netmap.Config{
			Parent:      c.Parent,
			Sync:        c.Sync,
			ReduceMTUBy: c.ReduceMTUBy,
		}))
	case BackendTap:
		dev, err = asDevice(tap.New(c.Interface, c.tapConfig()))
	case BackendMacvtap:
		dev, err = asDevice(tap.NewMacvtap(c.Interface, c.tapConfig()))
	case BackendRaw:
		dev, err = asDevice(rawsock.New(c.Interface, rawsock.Config{
			ReduceMTUBy: c.ReduceMTUBy,
			EtherTypes:  c.EtherTypes,
		}))
	default:
		dev, err = c.openUDS()
	}
	if err != nil {
		return nil, fmt.Errorf("opening %s device %s: %w", c.Backend, c.Name(), err)
	}
	return dev, nil
}

// asDevice keeps typed nil pointers out of the Device interface.
func asDevice[D Device](d D, err error) (Device, error) {
	if err != nil {
		return nil, err
	}
	return d, nil
}

func (c *Config) tapConfig() tap.Config {
	return tap.Config{
		ReduceMTUBy: c.ReduceMTUBy,
		SetMTU:      c.MTU,
		BringUp:     c.BringUp,
	}
}

func (c *Config) openUDS() (Device, error) {
	raddr := &net.UnixAddr{Name: c.RemotePath, Net: "unixgram"}
	var laddr *net.UnixAddr
	if c.LocalPath != "" {
		laddr = &net.UnixAddr{Name: c.LocalPath, Net: "unixgram"}
	}
	conn, err := net.DialUnix("unixgram", laddr, raddr)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", c.RemotePath, err)
	}
	defer conn.Close()
	return asDevice(uds.New(conn, uds.Config{
		Parent:      c.Parent,
		MTU:         c.MTU,
		ReduceMTUBy: c.ReduceMTUBy,
	}))
}
