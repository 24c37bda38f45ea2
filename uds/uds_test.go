//go:build linux

package uds_test

import (
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/romshark/nmphy/phy"
	"github.com/romshark/nmphy/uds"
)

func TestFromFD(t *testing.T) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_DGRAM, 0)
	require.NoError(t, err)
	defer unix.Close(fds[1])

	s, err := uds.NewFromFD(fds[0], uds.Config{MTU: 1500, ReduceMTUBy: 10})
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, 1504, s.Capabilities().MaxFrameSize)

	frame := []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 1, 2, 3, 4, 5, 6, 0x08, 0x06}
	_, err = unix.Write(fds[1], frame)
	require.NoError(t, err)
	require.NoError(t, s.Wait(time.Second))

	rx, tx, ok, err := s.Receive()
	require.NoError(t, err)
	require.True(t, ok)
	var got []byte
	require.NoError(t, rx.Consume(func(b []byte) error {
		got = append(got, b...)
		return nil
	}))
	assert.Equal(t, frame, got)

	require.NoError(t, tx.Consume(3, func(b []byte) error {
		copy(b, "ack")
		return nil
	}))
	buf := make([]byte, 16)
	n, err := unix.Read(fds[1], buf)
	require.NoError(t, err)
	assert.Equal(t, "ack", string(buf[:n]))
}

func TestFromFDRejectsStream(t *testing.T) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	_, err = uds.NewFromFD(fds[0], uds.Config{MTU: 1500})
	assert.Error(t, err)
}

func TestNoMTU(t *testing.T) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_DGRAM, 0)
	require.NoError(t, err)
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	_, err = uds.NewFromFD(fds[0], uds.Config{})
	assert.ErrorIs(t, err, uds.ErrNoMTU)
}

func TestFromConn(t *testing.T) {
	dir := t.TempDir()
	local := &net.UnixAddr{Name: filepath.Join(dir, "local"), Net: "unixgram"}
	remote := &net.UnixAddr{Name: filepath.Join(dir, "remote"), Net: "unixgram"}

	peer, err := net.ListenUnixgram("unixgram", remote)
	require.NoError(t, err)
	defer peer.Close()

	conn, err := net.DialUnix("unixgram", local, remote)
	require.NoError(t, err)

	s, err := uds.New(conn, uds.Config{MTU: 1500})
	require.NoError(t, err)
	require.NoError(t, conn.Close())
	defer s.Close()

	tx, ok := s.Transmit()
	require.True(t, ok)
	require.NoError(t, tx.Consume(4, func(b []byte) error {
		copy(b, "ping")
		return nil
	}))

	require.NoError(t, peer.SetReadDeadline(time.Now().Add(time.Second)))
	buf := make([]byte, 16)
	n, from, err := peer.ReadFromUnix(buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf[:n]))

	_, err = peer.WriteToUnix([]byte("pong"), from)
	require.NoError(t, err)
	require.NoError(t, s.Wait(time.Second))

	rx, _, ok, err := s.Receive()
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, rx.Consume(func(b []byte) error {
		assert.Equal(t, "pong", string(b))
		return nil
	}))
	_ = os.Remove(local.Name)
}

var _ phy.Device = (*uds.Socket)(nil)
