//go:build linux

package netmap

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

// RegMode selects which rings of a port a session is bound to.
type RegMode uint32

const (
	RegDefault    RegMode = 0 // NR_REG_DEFAULT, treated as RegAllNIC
	RegAllNIC     RegMode = 1 // NR_REG_ALL_NIC, all hardware rings
	RegSW         RegMode = 2 // NR_REG_SW, the host stack ring
	RegNICSW      RegMode = 3 // NR_REG_NIC_SW, hardware rings and host ring
	RegOneNIC     RegMode = 4 // NR_REG_ONE_NIC, a single hardware ring
	RegPipeMaster RegMode = 5 // NR_REG_PIPE_MASTER
	RegPipeSlave  RegMode = 6 // NR_REG_PIPE_SLAVE
)

func (m RegMode) String() string {
	switch m {
	case RegDefault:
		return "default"
	case RegAllNIC:
		return "all-nic"
	case RegSW:
		return "sw"
	case RegNICSW:
		return "nic-sw"
	case RegOneNIC:
		return "one-nic"
	case RegPipeMaster:
		return "pipe-master"
	case RegPipeSlave:
		return "pipe-slave"
	}
	return "RegMode(" + strconv.FormatUint(uint64(m), 10) + ")"
}

// Request mirrors the legacy struct nmreq used by NIOCREGIF.
// The kernel fills in the layout fields on registration.
type Request struct {
	Name    [16]byte
	Version uint32
	Offset  uint32 // offset of the netmap_if inside the mapping
	MemSize uint32 // size of the mapping
	TxSlots uint32
	RxSlots uint32
	TxRings uint16
	RxRings uint16
	RingID  uint16
	Cmd     uint16
	Arg1    uint16
	Arg2    uint16 // memory allocator id
	Arg3    uint32
	Flags   uint32
	Spare2  [1]uint32
}

// PortName returns the NUL-terminated port name.
func (r *Request) PortName() string {
	if i := bytes.IndexByte(r.Name[:], 0); i >= 0 {
		return string(r.Name[:i])
	}
	return string(r.Name[:])
}

func (r *Request) RegMode() RegMode { return RegMode(r.Flags & regMask) }

// ringRange holds the first and last ring index of one direction.
type ringRange struct{ first, last uint16 }

// ringRanges derives the TX and RX ring ranges a registered session covers.
// Index nr_tx_rings (nr_rx_rings) is the host ring.
func (r *Request) ringRanges() (tx, rx ringRange, err error) {
	switch r.RegMode() {
	case RegSW:
		return ringRange{r.TxRings, r.TxRings}, ringRange{r.RxRings, r.RxRings}, nil
	case RegDefault, RegAllNIC:
		if r.TxRings == 0 || r.RxRings == 0 {
			return tx, rx, fmt.Errorf("%w: %s with %d tx and %d rx rings",
				ErrBadLayout, r.RegMode(), r.TxRings, r.RxRings)
		}
		return ringRange{0, r.TxRings - 1}, ringRange{0, r.RxRings - 1}, nil
	case RegNICSW:
		return ringRange{0, r.TxRings}, ringRange{0, r.RxRings}, nil
	case RegOneNIC:
		t := r.RingID & ringMask
		return ringRange{t, t}, ringRange{t, t}, nil
	}
	// Pipes.
	return ringRange{0, 0}, ringRange{0, 0}, nil
}

// ParseName builds a registration request from a port name.
//
//	netmap:eth0     all hardware rings
//	netmap:eth0^    host stack ring
//	netmap:eth0*    hardware rings and host ring
//	netmap:eth0-2   hardware ring 2
//	netmap:eth0{3   master end of pipe 3
//	netmap:eth0}3   slave end of pipe 3
//	vale0:p         port p of VALE switch vale0
func ParseName(name string) (Request, error) {
	var req Request

	var port string
	switch {
	case strings.HasPrefix(name, "netmap:"):
		port = strings.TrimPrefix(name, "netmap:")
	case strings.HasPrefix(name, "vale"):
		port = name
	default:
		return req, fmt.Errorf("%w: %q: missing netmap: or vale prefix", ErrInvalidName, name)
	}

	end := strings.IndexAny(port, "^*-{}")
	suffix := ""
	if end >= 0 {
		port, suffix = port[:end], port[end:]
	}
	if port == "" {
		return req, fmt.Errorf("%w: %q: empty port", ErrInvalidName, name)
	}
	if len(port) >= len(req.Name) {
		return req, fmt.Errorf("%w: %q", ErrNameTooLong, port)
	}

	mode := RegAllNIC
	var ringID uint16
	if suffix != "" {
		switch suffix[0] {
		case '^':
			mode = RegSW
		case '*':
			mode = RegNICSW
		case '-':
			mode = RegOneNIC
		case '{':
			mode = RegPipeMaster
		case '}':
			mode = RegPipeSlave
		}
		rest := suffix[1:]
		switch mode {
		case RegSW, RegNICSW:
			if rest != "" {
				return req, fmt.Errorf("%w: %q: trailing %q", ErrInvalidName, name, rest)
			}
		default:
			id, err := strconv.ParseUint(rest, 10, 16)
			if err != nil || id > ringMask {
				return req, fmt.Errorf("%w: %q: bad ring id %q", ErrInvalidName, name, rest)
			}
			ringID = uint16(id)
		}
	}

	copy(req.Name[:], port)
	req.Version = apiVersion
	req.RingID = ringID
	req.Flags = uint32(mode)
	return req, nil
}
