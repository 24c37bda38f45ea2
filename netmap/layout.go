//go:build linux

package netmap

import (
	"fmt"
	"unsafe"
)

const (
	apiVersion = 11

	regMask  = 0x000f // NR_REG_MASK
	ringMask = 0x0fff // NETMAP_RING_MASK

	slotBufChanged = 0x0001 // NS_BUF_CHANGED

	niocRegIf  = 0xC03C6992
	niocTxSync = 0x6994
	niocRxSync = 0x6995

	devicePath  = "/dev/netmap"
	bufSizePath = "/sys/module/netmap/parameters/buf_size"

	ringHeaderSize = 256
)

/*---- Kernel structs ----*/

// netmapIf mirrors struct netmap_if. It is followed in memory by
// ring_ofs[tx_rings+1+rx_rings+1], offsets relative to the netmap_if.
type netmapIf struct {
	Name     [16]byte
	Version  uint32
	Flags    uint32
	TxRings  uint32
	RxRings  uint32
	BufsHead uint32
	Spare1   [5]uint32
}

// netmapRing mirrors struct netmap_ring; slots start at ringHeaderSize.
type netmapRing struct {
	BufOfs   int64
	NumSlots uint32
	BufSize  uint32
	RingID   uint16
	Dir      uint16
	Head     uint32
	Cur      uint32
	Tail     uint32
	Flags    uint32
	_        [4]byte
	TsSec    int64
	TsUsec   int64
	_        [72]byte
	Sem      [128]byte
}

// netmapSlot mirrors struct netmap_slot.
type netmapSlot struct {
	BufIdx uint32
	Len    uint16
	Flags  uint16
	Ptr    uint64
}

// at returns a typed view of mem at off after checking bounds and alignment.
func at[T any](mem []byte, off int64) (*T, error) {
	var zero T
	size := int64(unsafe.Sizeof(zero))
	if off < 0 || off+size > int64(len(mem)) {
		return nil, fmt.Errorf("%w: %T at offset %d outside %d byte region",
			ErrBadLayout, zero, off, len(mem))
	}
	p := unsafe.Pointer(&mem[off])
	if uintptr(p)%unsafe.Alignof(zero) != 0 {
		return nil, fmt.Errorf("%w: %T at offset %d misaligned", ErrBadLayout, zero, off)
	}
	return (*T)(p), nil
}

// sliceAt returns n consecutive typed elements of mem starting at off.
func sliceAt[T any](mem []byte, off int64, n int) ([]T, error) {
	var zero T
	if n <= 0 {
		return nil, fmt.Errorf("%w: %d elements of %T", ErrBadLayout, n, zero)
	}
	size := int64(unsafe.Sizeof(zero)) * int64(n)
	if off < 0 || off+size > int64(len(mem)) {
		return nil, fmt.Errorf("%w: %d elements of %T at offset %d outside %d byte region",
			ErrBadLayout, n, zero, off, len(mem))
	}
	first, err := at[T](mem, off)
	if err != nil {
		return nil, err
	}
	return unsafe.Slice(first, n), nil
}

/*---- Ring wrapper ----*/

// ring is a view of one netmap_ring inside the shared mapping.
type ring struct {
	hdr     *netmapRing
	slots   []netmapSlot
	mem     []byte
	bufBase int64
}

func mapRing(mem []byte, off int64) (*ring, error) {
	hdr, err := at[netmapRing](mem, off)
	if err != nil {
		return nil, err
	}
	slots, err := sliceAt[netmapSlot](mem, off+ringHeaderSize, int(hdr.NumSlots))
	if err != nil {
		return nil, err
	}
	base := off + hdr.BufOfs
	if base < 0 || base > int64(len(mem)) || hdr.BufSize == 0 {
		return nil, fmt.Errorf("%w: ring at %d: buffers at %d size %d",
			ErrBadLayout, off, base, hdr.BufSize)
	}
	return &ring{hdr: hdr, slots: slots, mem: mem, bufBase: base}, nil
}

// empty reports cur == tail: nothing to receive on RX, no space on TX.
func (r *ring) empty() bool { return r.hdr.Cur == r.hdr.Tail }

func (r *ring) next(i uint32) uint32 {
	if i+1 == r.hdr.NumSlots {
		return 0
	}
	return i + 1
}

// curSlot returns the slot at cur.
func (r *ring) curSlot() (uint32, *netmapSlot, error) {
	i := r.hdr.Cur
	if i >= r.hdr.NumSlots {
		return 0, nil, fmt.Errorf("%w: cur %d beyond %d slots", ErrBadLayout, i, r.hdr.NumSlots)
	}
	return i, &r.slots[i], nil
}

// advance hands slot i to the kernel on the next sync.
func (r *ring) advance(i uint32) {
	n := r.next(i)
	r.hdr.Head = n
	r.hdr.Cur = n
}

// buf returns the first n bytes of buffer idx.
func (r *ring) buf(idx uint32, n int) ([]byte, error) {
	size := int64(r.hdr.BufSize)
	if n < 0 || int64(n) > size {
		return nil, fmt.Errorf("%w: length %d exceeds buffer size %d", ErrBadLayout, n, size)
	}
	start := r.bufBase + int64(idx)*size
	end := start + size
	if start < 0 || end > int64(len(r.mem)) {
		return nil, fmt.Errorf("%w: buffer %d outside region", ErrBadLayout, idx)
	}
	return r.mem[start : start+int64(n) : end], nil
}

// ringOffsets returns the ring_ofs table following the netmap_if at off.
func ringOffsets(mem []byte, off int64) (*netmapIf, []int64, error) {
	nifp, err := at[netmapIf](mem, off)
	if err != nil {
		return nil, nil, err
	}
	n := int(nifp.TxRings) + 1 + int(nifp.RxRings) + 1
	ofs, err := sliceAt[int64](mem, off+int64(unsafe.Sizeof(netmapIf{})), n)
	if err != nil {
		return nil, nil, err
	}
	return nifp, ofs, nil
}
