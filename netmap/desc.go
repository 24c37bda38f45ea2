//go:build linux

package netmap

import (
	"errors"
	"fmt"
	"time"

	"github.com/bassosimone/runtimex"

	"github.com/romshark/nmphy/phy"
)

// slotRef points at the RX slot of the last received frame.
// It does not own the slot and is void after the next receive or RX sync.
type slotRef struct {
	ring *ring
	idx  uint32
}

// Desc is a netmap session: a registered file descriptor, the shared
// mapping and the rings the registration covers.
//
// WARNING: Desc is not safe for concurrent use; Netmap adds locking.
type Desc struct {
	sys  system
	fd   int
	mem  []byte
	req  Request
	nifp *netmapIf

	// tx[i] and rx[i] are rings txRange.first+i and rxRange.first+i.
	tx, rx           []*ring
	txRange, rxRange ringRange
	curRx            uint16

	bufSize int
	mode    SyncMode
	pending *slotRef
	closed  bool
}

// Open registers the named port on a new /dev/netmap descriptor.
// See ParseName for the accepted name forms.
func Open(name string, mode SyncMode) (*Desc, error) {
	return openDesc(kernel{}, name, mode)
}

// Adopt attaches to fd, which a cooperating party has already registered
// with req, without registering again. On success the Desc owns fd.
func Adopt(fd int, req Request, mode SyncMode) (*Desc, error) {
	return adoptDesc(kernel{}, fd, req, mode)
}

func openDesc(sys system, name string, mode SyncMode) (*Desc, error) {
	req, err := ParseName(name)
	if err != nil {
		return nil, err
	}
	fd, err := sys.open()
	if err != nil {
		return nil, err
	}
	if err := sys.register(fd, &req); err != nil {
		_ = sys.close(fd)
		return nil, err
	}
	d, err := attach(sys, fd, req, mode)
	if err != nil {
		_ = sys.close(fd)
		return nil, err
	}
	return d, nil
}

func adoptDesc(sys system, fd int, req Request, mode SyncMode) (*Desc, error) {
	if fd < 0 {
		return nil, fmt.Errorf("%w: negative file descriptor %d", ErrInvalidConfig, fd)
	}
	return attach(sys, fd, req, mode)
}

// attach maps the region of a registered fd and builds the ring views.
func attach(sys system, fd int, req Request, mode SyncMode) (*Desc, error) {
	txRange, rxRange, err := req.ringRanges()
	if err != nil {
		return nil, err
	}
	bufSize, err := sys.bufSize()
	if err != nil {
		return nil, err
	}
	mem, err := sys.mmap(fd, int(req.MemSize))
	if err != nil {
		return nil, err
	}

	d := &Desc{
		sys:     sys,
		fd:      fd,
		mem:     mem,
		req:     req,
		txRange: txRange,
		rxRange: rxRange,
		curRx:   rxRange.first,
		bufSize: bufSize,
		mode:    mode,
	}
	if err := d.mapRings(); err != nil {
		_ = sys.munmap(mem)
		return nil, err
	}
	return d, nil
}

func (d *Desc) mapRings() error {
	nifp, ofs, err := ringOffsets(d.mem, int64(d.req.Offset))
	if err != nil {
		return err
	}
	d.nifp = nifp
	if int(d.txRange.last) > int(nifp.TxRings) || int(d.rxRange.last) > int(nifp.RxRings) {
		return fmt.Errorf("%w: ring range tx %d..%d rx %d..%d beyond %d/%d rings",
			ErrBadLayout, d.txRange.first, d.txRange.last,
			d.rxRange.first, d.rxRange.last, nifp.TxRings, nifp.RxRings)
	}

	base := int64(d.req.Offset)
	for i := d.txRange.first; i <= d.txRange.last; i++ {
		r, err := mapRing(d.mem, base+ofs[i])
		if err != nil {
			return fmt.Errorf("tx ring %d: %w", i, err)
		}
		d.tx = append(d.tx, r)
	}
	for i := d.rxRange.first; i <= d.rxRange.last; i++ {
		r, err := mapRing(d.mem, base+ofs[int(i)+int(nifp.TxRings)+1])
		if err != nil {
			return fmt.Errorf("rx ring %d: %w", i, err)
		}
		d.rx = append(d.rx, r)
	}
	return nil
}

// FD returns the netmap file descriptor, e.g. for use with poll(2).
func (d *Desc) FD() int { return d.fd }

// Request returns the registration the session was attached with.
func (d *Desc) Request() Request { return d.req }

// BufSize returns the capacity of one slot buffer in bytes.
func (d *Desc) BufSize() int { return d.bufSize }

func (d *Desc) SyncMode() SyncMode { return d.mode }

func (d *Desc) SetSyncMode(m SyncMode) { d.mode = m }

// Receive returns the next frame as a view into the shared mapping.
// The view is valid until the next Receive or RX sync on this session.
// It returns phy.ErrWouldBlock when no frame is available.
func (d *Desc) Receive() ([]byte, error) {
	if d.closed {
		return nil, phy.ErrClosed
	}
	d.pending = nil

	frame, ok, err := d.scanRx()
	if ok || err != nil {
		return frame, err
	}
	if d.mode == SyncWait {
		return nil, phy.ErrWouldBlock
	}

	if err := d.sys.rxSync(d.fd); err != nil {
		return nil, err
	}
	frame, ok, err = d.scanRx()
	if ok || err != nil {
		return frame, err
	}
	return nil, phy.ErrWouldBlock
}

// scanRx takes the first frame found scanning from the current RX ring.
func (d *Desc) scanRx() (frame []byte, ok bool, err error) {
	ri := d.curRx
	for {
		r := d.rx[ri-d.rxRange.first]
		if !r.empty() {
			i, s, err := r.curSlot()
			if err != nil {
				return nil, false, err
			}
			frame, err := r.buf(s.BufIdx, int(s.Len))
			if err != nil {
				return nil, false, err
			}
			r.advance(i)
			d.curRx = ri
			d.pending = &slotRef{ring: r, idx: i}
			return frame, true, nil
		}
		ri++
		if ri > d.rxRange.last {
			ri = d.rxRange.first
		}
		if ri == d.curRx {
			return nil, false, nil
		}
	}
}

// TxReady reports whether any TX ring has a free slot.
func (d *Desc) TxReady() bool {
	_, ok := d.freeTxSlot()
	return ok
}

// freeTxSlot returns the first TX ring with space.
func (d *Desc) freeTxSlot() (*ring, bool) {
	for _, r := range d.tx {
		if !r.empty() {
			return r, true
		}
	}
	return nil, false
}

// Send writes one frame of n bytes into a free TX slot. fn fills the
// buffer; the slot is committed whatever fn returns, and fn's error is
// passed through. n must not exceed BufSize.
func (d *Desc) Send(n int, fn func(buf []byte) error) error {
	runtimex.Assert(n >= 0 && n <= d.bufSize)
	if d.closed {
		return phy.ErrClosed
	}

	// Rings can report full until the kernel has been kicked once.
	if !d.TxReady() {
		if err := d.Flush(); err != nil {
			return err
		}
	}

	r, ok := d.freeTxSlot()
	if !ok {
		return phy.ErrExhausted
	}
	i, s, err := r.curSlot()
	if err != nil {
		return err
	}
	buf, err := r.buf(s.BufIdx, n)
	if err != nil {
		return err
	}
	ferr := fn(buf)
	s.Len = uint16(n)
	r.advance(i)
	if err := d.flushAfterTx(); err != nil {
		return err
	}
	return ferr
}

func (d *Desc) flushAfterTx() error {
	if d.mode == SyncWait && d.TxReady() {
		return nil
	}
	return d.Flush()
}

// Forward moves the frame last received on src into a TX slot of d by
// swapping buffer indices, without copying. Both sessions must share
// a memory allocator. src may be d.
func (d *Desc) Forward(src *Desc) error {
	if d.closed || src.closed {
		return phy.ErrClosed
	}
	ref := src.pending
	if ref == nil {
		return fmt.Errorf("no received frame to forward: %w", phy.ErrIllegal)
	}

	if !d.TxReady() {
		if err := d.Flush(); err != nil {
			return err
		}
	}
	r, ok := d.freeTxSlot()
	if !ok {
		return phy.ErrExhausted
	}
	i, dst, err := r.curSlot()
	if err != nil {
		return err
	}
	from := &ref.ring.slots[ref.idx]

	dst.BufIdx, from.BufIdx = from.BufIdx, dst.BufIdx
	dst.Len = from.Len
	dst.Flags = slotBufChanged
	from.Flags = slotBufChanged
	src.pending = nil

	r.advance(i)
	return d.flushAfterTx()
}

// Flush issues NIOCTXSYNC unconditionally.
// It only reconciles TX rings and leaves a pending forward source intact.
func (d *Desc) Flush() error {
	if d.closed {
		return phy.ErrClosed
	}
	return d.sys.txSync(d.fd)
}

// Wait blocks until the session is readable or timeout expires.
// poll(2) on a netmap descriptor syncs all rings.
func (d *Desc) Wait(timeout time.Duration) error {
	if d.closed {
		return phy.ErrClosed
	}
	err := d.sys.poll(d.fd, timeout)
	d.pending = nil
	return err
}

// Close unmaps the region and closes the descriptor.
// Calling Close more than once has no effect.
func (d *Desc) Close() error {
	if d.closed {
		return nil
	}
	d.closed = true
	d.pending = nil
	d.tx, d.rx = nil, nil

	var errs []error
	if d.mem != nil {
		if err := d.sys.munmap(d.mem); err != nil {
			errs = append(errs, fmt.Errorf("unmapping region: %w", err))
		}
		d.mem = nil
	}
	if err := d.sys.close(d.fd); err != nil {
		errs = append(errs, fmt.Errorf("closing fd: %w", err))
	}
	d.fd = -1
	return errors.Join(errs...)
}
