// Package phystat counts frames and bytes passing through phy.Devices.
package phystat

import (
	"errors"
	"fmt"
	"io"
	"slices"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/romshark/nmphy/phy"
)

type Counter int

const (
	TxFrames Counter = iota
	TxBytes
	TxDropped
	RxFrames
	RxBytes

	numCounters
)

func (c Counter) String() string {
	switch c {
	case TxFrames:
		return "tx_frames"
	case TxBytes:
		return "tx_bytes"
	case TxDropped:
		return "tx_dropped"
	case RxFrames:
		return "rx_frames"
	case RxBytes:
		return "rx_bytes"
	}
	return ""
}

// Per-device values.
type DevStats map[Counter]uint64

// Multi-device stats.
type Stats map[string]DevStats

// Device wraps a phy.Device and counts what passes through it.
// Counters are safe for concurrent use.
type Device struct {
	inner    phy.Device
	name     string
	counters [numCounters]atomic.Uint64
}

var (
	_ phy.Device = (*Device)(nil)
	_ phy.Waiter = (*Device)(nil)
)

// Wrap starts counting on dev under name.
func Wrap(name string, dev phy.Device) *Device {
	return &Device{inner: dev, name: name}
}

func (d *Device) Name() string { return d.name }

// Unwrap returns the counted device.
func (d *Device) Unwrap() phy.Device { return d.inner }

func (d *Device) Load(c Counter) uint64 { return d.counters[c].Load() }

func (d *Device) Capabilities() phy.Capabilities { return d.inner.Capabilities() }

func (d *Device) Receive() (phy.RxToken, phy.TxToken, bool, error) {
	rx, tx, ok, err := d.inner.Receive()
	if !ok || err != nil {
		return nil, nil, ok, err
	}
	return &rxToken{d: d, inner: rx}, &txToken{d: d, inner: tx}, true, nil
}

func (d *Device) Transmit() (phy.TxToken, bool) {
	tx, ok := d.inner.Transmit()
	if !ok {
		return nil, false
	}
	return &txToken{d: d, inner: tx}, true
}

func (d *Device) Wait(timeout time.Duration) error { return phy.Wait(d.inner, timeout) }

type rxToken struct {
	d     *Device
	inner phy.RxToken
}

func (t *rxToken) Consume(fn func(frame []byte) error) error {
	return t.inner.Consume(func(frame []byte) error {
		t.d.counters[RxFrames].Add(1)
		t.d.counters[RxBytes].Add(uint64(len(frame)))
		return fn(frame)
	})
}

type txToken struct {
	d     *Device
	inner phy.TxToken
}

func (t *txToken) Consume(n int, fn func(buf []byte) error) error {
	err := t.inner.Consume(n, fn)
	switch {
	case err == nil:
		t.d.counters[TxFrames].Add(1)
		t.d.counters[TxBytes].Add(uint64(n))
	case errors.Is(err, phy.ErrExhausted):
		t.d.counters[TxDropped].Add(1)
	}
	return err
}

// Snapshot returns the current counters of d.
func (d *Device) Snapshot() DevStats {
	s := make(DevStats, numCounters)
	for c := range numCounters {
		s[c] = d.counters[c].Load()
	}
	return s
}

// Snapshot returns the current counters of all devs keyed by name.
func Snapshot(devs ...*Device) Stats {
	s := make(Stats, len(devs))
	for _, d := range devs {
		s[d.name] = d.Snapshot()
	}
	return s
}

// Since computes s(now) - old.
func (s Stats) Since(old Stats) Stats {
	out := make(Stats)
	for dev, now := range s {
		prev := old[dev]
		diff := make(DevStats, len(now))
		for ctr, v := range now {
			diff[ctr] = v - prev[ctr]
		}
		out[dev] = diff
	}
	return out
}

func Print(w io.Writer, s Stats, aliases map[string]string) error {
	devs := make([]string, 0, len(s))
	for dev := range s {
		devs = append(devs, dev)
	}
	slices.Sort(devs)

	for _, dev := range devs {
		stats := s[dev]

		txFrames := stats[TxFrames]
		txBytes := stats[TxBytes]
		rxFrames := stats[RxFrames]
		rxBytes := stats[RxBytes]

		var err error
		if alias, ok := aliases[dev]; ok {
			_, err = fmt.Fprintf(w, "%s (%s):\n", dev, alias)
		} else {
			_, err = fmt.Fprintf(w, "%s :\n", dev)
		}
		if err != nil {
			return err
		}

		if _, err := fmt.Fprintf(w, "  TX   %-12d  ≈ %-8s (%s)\n",
			txFrames, humanize.Bytes(txBytes), humanize.Comma(int64(txBytes)),
		); err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "  RX   %-12d  ≈ %-8s (%s)\n",
			rxFrames, humanize.Bytes(rxBytes), humanize.Comma(int64(rxBytes)),
		); err != nil {
			return err
		}
		if d := stats[TxDropped]; d > 0 {
			if _, err := fmt.Fprintf(w, "  DROP %s\n", humanize.Comma(int64(d))); err != nil {
				return err
			}
		}
	}

	return nil
}
