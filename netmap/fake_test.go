//go:build linux

package netmap

import (
	"fmt"
	"strconv"
	"testing"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// fakeKernel emulates /dev/netmap on a heap region laid out like the real
// shared mapping. Ports come in linked pairs: NIOCTXSYNC on one end moves
// transmitted slots into the staged tail of the peer's RX ring of the same
// index (swapping buffers, as netmap pipes do) and NIOCRXSYNC on the peer
// publishes them.
type fakeKernel struct {
	mem   []byte
	bufSz int
	mtu   int

	ports map[string]*fakePort
	fds   map[int]*fakePort
	nextFD int

	bufSizeErr error

	txSyncs map[int]int
	rxSyncs map[int]int
	polls   map[int]int
	closed  map[int]bool
	munmaps int

	// pollGate, when set, blocks poll until closed, signalling
	// pollEntered first.
	pollGate    chan struct{}
	pollEntered chan struct{}
}

type fakePort struct {
	ifOff  int64
	nRings int // hardware rings; index nRings is the host ring
	tx, rx []*fakeRing
	peer   *fakePort
}

type fakeRing struct {
	r      *ring
	hwcur  uint32
	hwtail uint32
}

type fakeLink struct {
	a, b  string // port keys, see portKey
	rings int
}

var _ system = (*fakeKernel)(nil)

// portKey names the port a request registers on.
func portKey(req *Request) string {
	switch req.RegMode() {
	case RegPipeMaster:
		return req.PortName() + "{" + strconv.Itoa(int(req.RingID))
	case RegPipeSlave:
		return req.PortName() + "}" + strconv.Itoa(int(req.RingID))
	}
	return req.PortName()
}

const (
	fakeMTU     = 1500
	fakeBufSize = 128
	fakeSlots   = 8
)

func newFakeKernel(t *testing.T, links ...fakeLink) *fakeKernel {
	t.Helper()

	align := func(v, a int64) int64 { return (v + a - 1) / a * a }

	type portPlan struct {
		key   string
		rings int
		ifOff int64
		ofs   []int64 // absolute ring offsets, tx then rx
	}
	var plans []*portPlan
	var off int64
	for _, l := range links {
		for _, key := range []string{l.a, l.b} {
			p := &portPlan{key: key, rings: l.rings}
			off = align(off, 64)
			p.ifOff = off
			nOfs := 2 * (l.rings + 1)
			off += int64(unsafe.Sizeof(netmapIf{})) + int64(nOfs)*8
			for range nOfs {
				off = align(off, 64)
				p.ofs = append(p.ofs, off)
				off += ringHeaderSize + fakeSlots*int64(unsafe.Sizeof(netmapSlot{}))
			}
			plans = append(plans, p)
		}
	}
	poolOff := align(off, 64)
	nBufs := 2
	for _, p := range plans {
		nBufs += len(p.ofs) * fakeSlots
	}
	size := poolOff + int64(nBufs)*fakeBufSize

	// Page aligned like a real mapping.
	words := make([]uint64, (size+4095)/4096*512+512)
	raw := unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), len(words)*8)
	start := int64(0)
	if rem := uintptr(unsafe.Pointer(&raw[0])) % 4096; rem != 0 {
		start = int64(4096 - rem)
	}
	mem := raw[start : start+size : start+size]

	k := &fakeKernel{
		mem:     mem,
		bufSz:   fakeBufSize,
		mtu:     fakeMTU,
		ports:   make(map[string]*fakePort),
		fds:     make(map[int]*fakePort),
		nextFD:  100,
		txSyncs: make(map[int]int),
		rxSyncs: make(map[int]int),
		polls:   make(map[int]int),
		closed:  make(map[int]bool),
	}

	nextBuf := uint32(2) // netmap reserves buffers 0 and 1
	for _, p := range plans {
		nifp, err := at[netmapIf](mem, p.ifOff)
		if err != nil {
			t.Fatalf("placing netmap_if: %v", err)
		}
		copy(nifp.Name[:], p.key)
		nifp.Version = apiVersion
		nifp.TxRings = uint32(p.rings)
		nifp.RxRings = uint32(p.rings)
		ofs, err := sliceAt[int64](mem, p.ifOff+int64(unsafe.Sizeof(netmapIf{})), len(p.ofs))
		if err != nil {
			t.Fatalf("placing ring_ofs: %v", err)
		}

		fp := &fakePort{ifOff: p.ifOff, nRings: p.rings}
		for i, ringOff := range p.ofs {
			ofs[i] = ringOff - p.ifOff
			hdr, err := at[netmapRing](mem, ringOff)
			if err != nil {
				t.Fatalf("placing ring: %v", err)
			}
			isTx := i <= p.rings
			hdr.BufOfs = poolOff - ringOff
			hdr.NumSlots = fakeSlots
			hdr.BufSize = fakeBufSize
			hdr.RingID = uint16(i % (p.rings + 1))
			if isTx {
				hdr.Tail = fakeSlots - 1
			} else {
				hdr.Dir = 1
			}
			r, err := mapRing(mem, ringOff)
			if err != nil {
				t.Fatalf("mapping ring: %v", err)
			}
			for s := range r.slots {
				r.slots[s].BufIdx = nextBuf
				nextBuf++
			}
			if isTx {
				fp.tx = append(fp.tx, &fakeRing{r: r})
			} else {
				fp.rx = append(fp.rx, &fakeRing{r: r})
			}
		}
		k.ports[p.key] = fp
	}
	for _, l := range links {
		a, b := k.ports[l.a], k.ports[l.b]
		a.peer, b.peer = b, a
	}
	return k
}

func (k *fakeKernel) open() (int, error) {
	k.nextFD++
	return k.nextFD, nil
}

func (k *fakeKernel) register(fd int, req *Request) error {
	p, ok := k.ports[portKey(req)]
	if !ok {
		return fmt.Errorf("NIOCREGIF %q: %w", portKey(req), unix.ENXIO)
	}
	req.Offset = uint32(p.ifOff)
	req.MemSize = uint32(len(k.mem))
	req.TxRings = uint16(p.nRings)
	req.RxRings = uint16(p.nRings)
	req.TxSlots = fakeSlots
	req.RxSlots = fakeSlots
	req.Arg2 = 1
	k.fds[fd] = p
	return nil
}

func (k *fakeKernel) mmap(fd int, size int) ([]byte, error) {
	if size != len(k.mem) {
		return nil, fmt.Errorf("mmap %d bytes: %w", size, unix.EINVAL)
	}
	return k.mem, nil
}

func (k *fakeKernel) munmap([]byte) error {
	k.munmaps++
	return nil
}

func (k *fakeKernel) port(fd int) *fakePort {
	if p, ok := k.fds[fd]; ok {
		return p
	}
	panic(fmt.Sprintf("fake kernel: fd %d not registered", fd))
}

func (k *fakeKernel) txSync(fd int) error {
	k.txSyncs[fd]++
	k.transmit(k.port(fd))
	return nil
}

func (k *fakeKernel) rxSync(fd int) error {
	k.rxSyncs[fd]++
	k.publish(k.port(fd))
	return nil
}

func (k *fakeKernel) poll(fd int, timeout time.Duration) error {
	if k.pollGate != nil {
		select {
		case k.pollEntered <- struct{}{}:
		default:
		}
		<-k.pollGate
	}
	k.polls[fd]++
	p := k.port(fd)
	k.transmit(p)
	k.publish(p)
	return nil
}

func (k *fakeKernel) close(fd int) error {
	k.closed[fd] = true
	delete(k.fds, fd)
	return nil
}

func (k *fakeKernel) bufSize() (int, error) {
	if k.bufSizeErr != nil {
		return 0, k.bufSizeErr
	}
	return k.bufSz, nil
}

func (k *fakeKernel) interfaceMTU(name string) (int, error) {
	if name == "missing0" {
		return 0, unix.ENODEV
	}
	return k.mtu, nil
}

func prev(r *ring, i uint32) uint32 {
	if i == 0 {
		return r.hdr.NumSlots - 1
	}
	return i - 1
}

// transmit moves slots [hwcur, head) of every TX ring to the peer.
func (k *fakeKernel) transmit(p *fakePort) {
	for i, tx := range p.tx {
		h := tx.r.hdr
		for tx.hwcur != h.Head {
			ts := &tx.r.slots[tx.hwcur]
			if p.peer != nil {
				rx := p.peer.rx[i]
				if rx.r.next(rx.hwtail) == rx.hwcur {
					break // peer ring full
				}
				rs := &rx.r.slots[rx.hwtail]
				ts.BufIdx, rs.BufIdx = rs.BufIdx, ts.BufIdx
				rs.Len = ts.Len
				rs.Flags = 0
				rx.hwtail = rx.r.next(rx.hwtail)
			}
			ts.Flags = 0
			tx.hwcur = tx.r.next(tx.hwcur)
		}
		h.Tail = prev(tx.r, tx.hwcur)
	}
}

// publish reclaims consumed RX slots and exposes staged frames.
func (k *fakeKernel) publish(p *fakePort) {
	for _, rx := range p.rx {
		rx.hwcur = rx.r.hdr.Head
		rx.r.hdr.Tail = rx.hwtail
	}
}

// snapshot copies the whole shared region.
func (k *fakeKernel) snapshot() []byte {
	return append([]byte(nil), k.mem...)
}

func (k *fakeKernel) syncs(fd int) int {
	return k.txSyncs[fd] + k.rxSyncs[fd] + k.polls[fd]
}
