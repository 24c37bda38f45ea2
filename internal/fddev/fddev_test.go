//go:build linux

package fddev_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/romshark/nmphy/internal/fddev"
	"github.com/romshark/nmphy/phy"
)

func newPair(t *testing.T, mtu, reduce int) (*fddev.Device, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_DGRAM, 0)
	require.NoError(t, err)
	d, err := fddev.New(fds[0], mtu, reduce)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = d.Close()
		_ = unix.Close(fds[1])
	})
	return d, fds[1]
}

func TestCapabilities(t *testing.T) {
	d, _ := newPair(t, 1500, 0)
	assert.Equal(t, 1514, d.Capabilities().MaxFrameSize)

	d, _ = newPair(t, 1500, 14)
	assert.Equal(t, 1500, d.Capabilities().MaxFrameSize)
}

func TestNewErrors(t *testing.T) {
	_, err := fddev.New(-1, 0, 0)
	assert.Error(t, err)
	_, err = fddev.New(-1, 1500, -1)
	assert.Error(t, err)
	_, err = fddev.New(-1, 1500, 1514)
	assert.Error(t, err)
	_, err = fddev.New(-1, 1500, 0)
	assert.Error(t, err)
}

func TestReceive(t *testing.T) {
	d, peer := newPair(t, 1500, 0)

	_, _, ok, err := d.Receive()
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = unix.Write(peer, []byte("frame-1"))
	require.NoError(t, err)
	_, err = unix.Write(peer, []byte("frame-2"))
	require.NoError(t, err)

	for _, want := range []string{"frame-1", "frame-2"} {
		rx, tx, ok, err := d.Receive()
		require.NoError(t, err)
		require.True(t, ok)
		require.NotNil(t, tx)

		var got string
		require.NoError(t, rx.Consume(func(frame []byte) error {
			got = string(frame)
			return nil
		}))
		assert.Equal(t, want, got)
		assert.ErrorIs(t, rx.Consume(func([]byte) error { return nil }), phy.ErrTokenUsed)
	}
}

func TestTransmit(t *testing.T) {
	d, peer := newPair(t, 1500, 0)

	tx, ok := d.Transmit()
	require.True(t, ok)
	require.NoError(t, tx.Consume(5, func(buf []byte) error {
		assert.Len(t, buf, 5)
		copy(buf, "hello")
		return nil
	}))
	assert.ErrorIs(t, tx.Consume(1, func([]byte) error { return nil }), phy.ErrTokenUsed)

	buf := make([]byte, 64)
	n, err := unix.Read(peer, buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf[:n]))

	// A failing consumer sends nothing.
	errNo := errors.New("no")
	tx, _ = d.Transmit()
	assert.ErrorIs(t, tx.Consume(3, func([]byte) error { return errNo }), errNo)
	require.NoError(t, unix.SetNonblock(peer, true))
	_, err = unix.Read(peer, buf)
	assert.ErrorIs(t, err, unix.EAGAIN)
}

func TestWaitAndClose(t *testing.T) {
	d, peer := newPair(t, 1500, 0)

	_, err := unix.Write(peer, []byte{1})
	require.NoError(t, err)
	require.NoError(t, d.Wait(time.Second))

	require.NoError(t, d.Close())
	require.NoError(t, d.Close())
	assert.ErrorIs(t, d.Wait(0), phy.ErrClosed)

	_, _, _, err = d.Receive()
	var fe *phy.FatalError
	assert.ErrorAs(t, err, &fe)

	tx, ok := d.Transmit()
	require.True(t, ok)
	assert.ErrorIs(t, tx.Consume(1, func([]byte) error { return nil }), phy.ErrClosed)
}
