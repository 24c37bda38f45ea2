//go:build linux

package netmap

import "fmt"

// SyncMode selects how a session reconciles rings with the kernel
// when receive finds nothing.
type SyncMode int

const (
	// SyncPoll issues one NIOCRXSYNC on a receive miss and retries once.
	SyncPoll SyncMode = iota

	// SyncWait makes no kernel call on a receive miss; the caller is
	// expected to block in Wait (or poll the FD) which syncs implicitly.
	// Transmit flushes are also skipped while TX space remains.
	SyncWait
)

func (m SyncMode) String() string {
	switch m {
	case SyncPoll:
		return "poll"
	case SyncWait:
		return "wait"
	}
	return fmt.Sprintf("SyncMode(%d)", int(m))
}

func (m SyncMode) MarshalText() ([]byte, error) {
	switch m {
	case SyncPoll, SyncWait:
		return []byte(m.String()), nil
	}
	return nil, fmt.Errorf("%w: unknown sync mode %d", ErrInvalidConfig, int(m))
}

func (m *SyncMode) UnmarshalText(b []byte) error {
	switch string(b) {
	case "poll", "":
		*m = SyncPoll
	case "wait":
		*m = SyncWait
	default:
		return fmt.Errorf("%w: unknown sync mode %q", ErrInvalidConfig, b)
	}
	return nil
}
