//go:build linux

package netmap

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/romshark/nmphy/phy"
)

func pipeLink(name string, id string) fakeLink {
	return fakeLink{a: name + "{" + id, b: name + "}" + id, rings: 1}
}

func mustOpen(t *testing.T, k *fakeKernel, name string, mode SyncMode) *Desc {
	t.Helper()
	d, err := openDesc(k, name, mode)
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func sendBytes(t *testing.T, d *Desc, b []byte) {
	t.Helper()
	require.NoError(t, d.Send(len(b), func(buf []byte) error {
		copy(buf, b)
		return nil
	}))
}

func TestKernelStructSizes(t *testing.T) {
	assert.Equal(t, uintptr(56), unsafe.Sizeof(netmapIf{}))
	assert.Equal(t, uintptr(ringHeaderSize), unsafe.Sizeof(netmapRing{}))
	assert.Equal(t, uintptr(16), unsafe.Sizeof(netmapSlot{}))
	assert.Equal(t, uintptr(60), unsafe.Sizeof(Request{}))

	assert.Equal(t, uintptr(20), unsafe.Offsetof(netmapRing{}.Head))
	assert.Equal(t, uintptr(28), unsafe.Offsetof(netmapRing{}.Tail))
	assert.Equal(t, uintptr(128), unsafe.Offsetof(netmapRing{}.Sem))
	assert.Equal(t, uintptr(42), unsafe.Offsetof(Request{}.Cmd))
	assert.Equal(t, uintptr(52), unsafe.Offsetof(Request{}.Flags))
}

func TestReceiveInOrder(t *testing.T) {
	k := newFakeKernel(t, pipeLink("p", "1"))
	p := mustOpen(t, k, "netmap:p{1", SyncPoll)
	a := mustOpen(t, k, "netmap:p}1", SyncPoll)

	var sent [][]byte
	for i := range 5 {
		f := []byte{byte(i), byte(i * 2), byte(i * 3), 0xff}
		sent = append(sent, f)
		sendBytes(t, p, f)
	}

	for i := range sent {
		frame, err := a.Receive()
		require.NoError(t, err, "frame %d", i)
		assert.Equal(t, sent[i], frame)
	}

	_, err := a.Receive()
	assert.ErrorIs(t, err, phy.ErrWouldBlock)
}

func TestReceiveScansRings(t *testing.T) {
	k := newFakeKernel(t, fakeLink{a: "nic0", b: "nic1", rings: 3})
	ring2 := mustOpen(t, k, "netmap:nic0-2", SyncPoll)
	ring0 := mustOpen(t, k, "netmap:nic0-0", SyncPoll)
	rx := mustOpen(t, k, "netmap:nic1", SyncPoll)

	sendBytes(t, ring2, []byte("on ring 2"))
	sendBytes(t, ring0, []byte("on ring 0"))

	frame, err := rx.Receive()
	require.NoError(t, err)
	assert.Equal(t, "on ring 0", string(frame))

	frame, err = rx.Receive()
	require.NoError(t, err)
	assert.Equal(t, "on ring 2", string(frame))
	assert.Equal(t, uint16(2), rx.curRx)

	_, err = rx.Receive()
	assert.ErrorIs(t, err, phy.ErrWouldBlock)
}

func TestReceiveMissSyncs(t *testing.T) {
	k := newFakeKernel(t, pipeLink("p", "1"))

	t.Run("wait", func(t *testing.T) {
		a := mustOpen(t, k, "netmap:p}1", SyncWait)
		_, err := a.Receive()
		assert.ErrorIs(t, err, phy.ErrWouldBlock)
		assert.Zero(t, k.syncs(a.FD()))
	})

	t.Run("poll", func(t *testing.T) {
		a := mustOpen(t, k, "netmap:p}1", SyncPoll)
		_, err := a.Receive()
		assert.ErrorIs(t, err, phy.ErrWouldBlock)
		assert.Equal(t, 1, k.rxSyncs[a.FD()])
		assert.Equal(t, 1, k.syncs(a.FD()))
	})
}

func TestWaitModeDefersFlush(t *testing.T) {
	k := newFakeKernel(t, pipeLink("p", "1"))
	p := mustOpen(t, k, "netmap:p{1", SyncWait)
	a := mustOpen(t, k, "netmap:p}1", SyncWait)

	// fakeSlots-1 free slots; the last one fills the ring and forces a flush.
	for i := range fakeSlots - 2 {
		sendBytes(t, p, []byte{byte(i)})
	}
	assert.Zero(t, k.txSyncs[p.FD()])

	sendBytes(t, p, []byte{0xee})
	assert.Equal(t, 1, k.txSyncs[p.FD()])

	require.NoError(t, a.Wait(0))
	for i := range fakeSlots - 2 {
		frame, err := a.Receive()
		require.NoError(t, err)
		assert.Equal(t, []byte{byte(i)}, frame)
	}
	frame, err := a.Receive()
	require.NoError(t, err)
	assert.Equal(t, []byte{0xee}, frame)
}

func TestSendExhausted(t *testing.T) {
	k := newFakeKernel(t, pipeLink("p", "1"))
	p := mustOpen(t, k, "netmap:p{1", SyncWait)

	// The peer never syncs: one ring of frames moves to its RX ring,
	// the next one stays stuck in ours.
	for range 2 * (fakeSlots - 1) {
		sendBytes(t, p, []byte{1})
	}
	assert.False(t, p.TxReady())

	err := p.Send(1, func([]byte) error {
		t.Fatal("consumer must not run")
		return nil
	})
	assert.ErrorIs(t, err, phy.ErrExhausted)
}

func TestSendOversizedPanicsBeforeMutation(t *testing.T) {
	k := newFakeKernel(t, pipeLink("p", "1"))
	p := mustOpen(t, k, "netmap:p{1", SyncPoll)

	before := k.snapshot()
	called := false
	assert.Panics(t, func() {
		_ = p.Send(p.BufSize()+1, func([]byte) error {
			called = true
			return nil
		})
	})
	assert.False(t, called)
	assert.Equal(t, before, k.snapshot())
	assert.Zero(t, k.syncs(p.FD()))
}

func TestSendConsumerErrorStillCommits(t *testing.T) {
	k := newFakeKernel(t, pipeLink("p", "1"))
	p := mustOpen(t, k, "netmap:p{1", SyncPoll)
	a := mustOpen(t, k, "netmap:p}1", SyncPoll)

	errBoom := errors.New("boom")
	err := p.Send(3, func(buf []byte) error {
		copy(buf, "bad")
		return errBoom
	})
	require.ErrorIs(t, err, errBoom)
	assert.Equal(t, uint32(1), p.tx[0].hdr.Head)
	assert.Equal(t, 1, k.txSyncs[p.FD()])

	sendBytes(t, p, []byte("ok"))
	for _, want := range []string{"bad", "ok"} {
		frame, err := a.Receive()
		require.NoError(t, err)
		assert.Equal(t, want, string(frame))
	}
}

func TestForwardWithoutReceive(t *testing.T) {
	k := newFakeKernel(t, pipeLink("p", "1"), pipeLink("q", "2"))
	a := mustOpen(t, k, "netmap:p}1", SyncPoll)
	b := mustOpen(t, k, "netmap:q{2", SyncPoll)

	before := k.snapshot()
	err := b.Forward(a)
	assert.ErrorIs(t, err, phy.ErrIllegal)
	assert.Equal(t, before, k.snapshot())
	assert.Zero(t, k.syncs(a.FD()))
	assert.Zero(t, k.syncs(b.FD()))
}

func TestForwardEndToEnd(t *testing.T) {
	k := newFakeKernel(t, pipeLink("p", "1"), pipeLink("q", "2"))
	p := mustOpen(t, k, "netmap:p{1", SyncPoll)
	a := mustOpen(t, k, "netmap:p}1", SyncPoll)
	b := mustOpen(t, k, "netmap:q{2", SyncPoll)
	q := mustOpen(t, k, "netmap:q}2", SyncPoll)

	payload := []byte{0xAA, 0xBB, 0xCC}
	sendBytes(t, p, payload)

	frame, err := a.Receive()
	require.NoError(t, err)
	require.Equal(t, payload, frame)
	srcSlot := a.pending.idx
	srcBuf := a.rx[0].slots[srcSlot].BufIdx

	require.NoError(t, b.Forward(a))
	assert.Nil(t, a.pending)
	assert.Equal(t, uint16(slotBufChanged), a.rx[0].slots[srcSlot].Flags)
	assert.NotEqual(t, srcBuf, a.rx[0].slots[srcSlot].BufIdx)

	got, err := q.Receive()
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	assert.ErrorIs(t, b.Forward(a), phy.ErrIllegal)
}

func TestForwardToSelf(t *testing.T) {
	k := newFakeKernel(t, pipeLink("p", "1"))
	p := mustOpen(t, k, "netmap:p{1", SyncPoll)
	a := mustOpen(t, k, "netmap:p}1", SyncPoll)

	sendBytes(t, p, []byte("echo"))
	_, err := a.Receive()
	require.NoError(t, err)
	require.NoError(t, a.Forward(a))

	frame, err := p.Receive()
	require.NoError(t, err)
	assert.Equal(t, "echo", string(frame))
}

func TestWaitInvalidatesPending(t *testing.T) {
	k := newFakeKernel(t, pipeLink("p", "1"), pipeLink("q", "2"))
	p := mustOpen(t, k, "netmap:p{1", SyncWait)
	a := mustOpen(t, k, "netmap:p}1", SyncWait)
	b := mustOpen(t, k, "netmap:q{2", SyncWait)

	sendBytes(t, p, []byte{1})
	require.NoError(t, p.Flush())
	require.NoError(t, a.Wait(0))
	_, err := a.Receive()
	require.NoError(t, err)

	require.NoError(t, a.Wait(0))
	assert.ErrorIs(t, b.Forward(a), phy.ErrIllegal)
}

func TestAdopt(t *testing.T) {
	k := newFakeKernel(t, fakeLink{a: "nic0", b: "nic1", rings: 2})

	req, err := ParseName("netmap:nic0*")
	require.NoError(t, err)
	fd, err := k.open()
	require.NoError(t, err)
	require.NoError(t, k.register(fd, &req))

	d, err := adoptDesc(k, fd, req, SyncPoll)
	require.NoError(t, err)
	assert.Equal(t, ringRange{0, 2}, d.txRange)
	assert.Equal(t, ringRange{0, 2}, d.rxRange)
	assert.Len(t, d.tx, 3)
	assert.Equal(t, fd, d.FD())
	assert.Equal(t, req, d.Request())
	require.NoError(t, d.Close())
	assert.True(t, k.closed[fd])

	_, err = adoptDesc(k, -1, req, SyncPoll)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestAdoptBadLayout(t *testing.T) {
	k := newFakeKernel(t, pipeLink("p", "1"))
	req, err := ParseName("netmap:p{1")
	require.NoError(t, err)
	fd, err := k.open()
	require.NoError(t, err)
	require.NoError(t, k.register(fd, &req))

	req.Offset = uint32(len(k.mem) - 8)
	_, err = adoptDesc(k, fd, req, SyncPoll)
	assert.ErrorIs(t, err, ErrBadLayout)
	assert.Equal(t, 1, k.munmaps)
	assert.False(t, k.closed[fd])
}

func TestOpenFailures(t *testing.T) {
	t.Run("unknown_port", func(t *testing.T) {
		k := newFakeKernel(t, pipeLink("p", "1"))
		_, err := openDesc(k, "netmap:nope", SyncPoll)
		require.Error(t, err)
		assert.True(t, k.closed[k.nextFD])
	})

	t.Run("buf_size", func(t *testing.T) {
		k := newFakeKernel(t, pipeLink("p", "1"))
		k.bufSizeErr = ErrBufSize
		_, err := openDesc(k, "netmap:p{1", SyncPoll)
		assert.ErrorIs(t, err, ErrBufSize)
		assert.True(t, k.closed[k.nextFD])
		assert.Zero(t, k.munmaps)
	})

	t.Run("bad_name", func(t *testing.T) {
		k := newFakeKernel(t, pipeLink("p", "1"))
		_, err := openDesc(k, "eth0", SyncPoll)
		assert.ErrorIs(t, err, ErrInvalidName)
	})
}

func TestDescClose(t *testing.T) {
	k := newFakeKernel(t, pipeLink("p", "1"))
	d, err := openDesc(k, "netmap:p{1", SyncPoll)
	require.NoError(t, err)
	fd := d.FD()

	require.NoError(t, d.Close())
	require.NoError(t, d.Close())
	assert.Equal(t, 1, k.munmaps)
	assert.True(t, k.closed[fd])

	_, err = d.Receive()
	assert.ErrorIs(t, err, phy.ErrClosed)
	assert.ErrorIs(t, d.Flush(), phy.ErrClosed)
}

func TestReadBufSize(t *testing.T) {
	dir := t.TempDir()
	write := func(name, content string) string {
		p := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
		return p
	}

	v, err := readBufSize(write("ok", "2048\n"))
	require.NoError(t, err)
	assert.Equal(t, 2048, v)

	_, err = readBufSize(write("junk", "lots"))
	assert.ErrorIs(t, err, ErrBufSize)

	_, err = readBufSize(write("zero", "0"))
	assert.ErrorIs(t, err, ErrBufSize)

	_, err = readBufSize(filepath.Join(dir, "missing"))
	assert.ErrorIs(t, err, ErrBufSize)
	assert.ErrorIs(t, err, os.ErrNotExist)
}
