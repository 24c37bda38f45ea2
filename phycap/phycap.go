// Package phycap records frames crossing a phy.Device into a pcap file.
//
// Writing happens on a background goroutine fed by a bounded queue, so a
// slow writer costs dropped snapshots rather than stalled rings.
package phycap

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/romshark/nmphy/phy"
)

// DefaultQueueLen is the number of snapshots buffered ahead of the writer.
const DefaultQueueLen = 4096

type snapshot struct {
	data   []byte
	length int
	at     time.Time
}

// Trace is an open pcap trace.
type Trace struct {
	cancel   context.CancelFunc
	dropped  atomic.Uint64
	errch    chan error
	snaps    chan snapshot
	once     sync.Once
	snapLen  int
	wc       io.WriteCloser
	closeErr error
}

// Option configures a Trace.
type Option func(*Trace)

// WithQueueLen overrides DefaultQueueLen.
func WithQueueLen(n int) Option {
	return func(t *Trace) { t.snaps = make(chan snapshot, n) }
}

// NewTrace starts writing an Ethernet pcap stream to wc capturing at most
// snapLen bytes per frame.
func NewTrace(wc io.WriteCloser, snapLen int, opts ...Option) *Trace {
	ctx, cancel := context.WithCancel(context.Background())
	t := &Trace{
		cancel:  cancel,
		errch:   make(chan error, 1),
		snaps:   make(chan snapshot, DefaultQueueLen),
		snapLen: snapLen,
		wc:      wc,
	}
	for _, o := range opts {
		o(t)
	}
	go t.saveLoop(ctx)
	return t
}

// Dump queues a copy of frame. It never blocks.
func (t *Trace) Dump(frame []byte) { t.queue(t.snap(frame)) }

func (t *Trace) snap(frame []byte) snapshot {
	n := min(len(frame), t.snapLen)
	data := make([]byte, n)
	copy(data, frame)
	return snapshot{data: data, length: len(frame), at: time.Now()}
}

func (t *Trace) queue(s snapshot) {
	select {
	case t.snaps <- s:
	default:
		t.dropped.Add(1)
	}
}

// Dropped returns the number of frames lost to a full queue.
func (t *Trace) Dropped() uint64 { return t.dropped.Load() }

func (t *Trace) saveLoop(ctx context.Context) {
	w := pcapgo.NewWriter(t.wc)
	if err := w.WriteFileHeader(uint32(t.snapLen), layers.LinkTypeEthernet); err != nil {
		t.errch <- err
		return
	}
	for {
		s, ok := t.next(ctx)
		if !ok {
			t.errch <- nil
			return
		}
		ci := gopacket.CaptureInfo{
			Timestamp:     s.at,
			CaptureLength: len(s.data),
			Length:        s.length,
		}
		if err := w.WritePacket(ci, s.data); err != nil {
			t.errch <- err
			return
		}
	}
}

// next returns the next snapshot, draining the queue once ctx is done.
func (t *Trace) next(ctx context.Context) (snapshot, bool) {
	select {
	case s := <-t.snaps:
		return s, true
	case <-ctx.Done():
	}
	select {
	case s := <-t.snaps:
		return s, true
	default:
		return snapshot{}, false
	}
}

// Close flushes queued snapshots and closes the underlying writer.
func (t *Trace) Close() error {
	t.once.Do(func() {
		t.cancel()
		err := <-t.errch
		t.closeErr = errors.Join(err, t.wc.Close())
	})
	return t.closeErr
}

// Device mirrors every received frame and every successful transmission
// of the wrapped device into a Trace.
type Device struct {
	inner phy.Device
	trace *Trace
}

var (
	_ phy.Device = (*Device)(nil)
	_ phy.Waiter = (*Device)(nil)
)

// Wrap returns dev with its traffic recorded into trace.
func Wrap(dev phy.Device, trace *Trace) *Device {
	return &Device{inner: dev, trace: trace}
}

func (d *Device) Capabilities() phy.Capabilities { return d.inner.Capabilities() }

func (d *Device) Receive() (phy.RxToken, phy.TxToken, bool, error) {
	rx, tx, ok, err := d.inner.Receive()
	if !ok || err != nil {
		return nil, nil, ok, err
	}
	return &rxToken{inner: rx, trace: d.trace}, &txToken{inner: tx, trace: d.trace}, true, nil
}

func (d *Device) Transmit() (phy.TxToken, bool) {
	tx, ok := d.inner.Transmit()
	if !ok {
		return nil, false
	}
	return &txToken{inner: tx, trace: d.trace}, true
}

func (d *Device) Wait(timeout time.Duration) error { return phy.Wait(d.inner, timeout) }

type rxToken struct {
	inner phy.RxToken
	trace *Trace
}

func (t *rxToken) Consume(fn func(frame []byte) error) error {
	return t.inner.Consume(func(frame []byte) error {
		t.trace.Dump(frame)
		return fn(frame)
	})
}

type txToken struct {
	inner phy.TxToken
	trace *Trace
}

func (t *txToken) Consume(n int, fn func(buf []byte) error) error {
	// The buffer may be ring memory, so it is copied before it is handed
	// back but only queued once the device has accepted the frame.
	var s snapshot
	err := t.inner.Consume(n, func(buf []byte) error {
		if err := fn(buf); err != nil {
			return err
		}
		s = t.trace.snap(buf)
		return nil
	})
	if err != nil {
		return err
	}
	t.trace.queue(s)
	return nil
}
