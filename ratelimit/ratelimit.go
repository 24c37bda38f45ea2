// Package ratelimit provides a simple frames-per-second rate limiter.
package ratelimit

import (
	"context"

	"golang.org/x/time/rate"
)

// Throttle limits to pps frames per second on average.
// Safe for concurrent use.
type Throttle struct {
	lim   *rate.Limiter
	burst int
}

// New creates a limiter for pps frames per second.
// If pps == 0, throttling is disabled and nil is returned.
func New(pps uint64) *Throttle {
	if pps == 0 {
		return nil
	}
	// Reserve ~10ms of frames per token bucket refill,
	// at least 32 and at most 1024.
	burst := int(min(max(pps/100, 32), 1024))
	return &Throttle{
		lim:   rate.NewLimiter(rate.Limit(pps), burst),
		burst: burst,
	}
}

// Burst returns the largest batch admitted without waiting.
func (l *Throttle) Burst() int {
	if l == nil {
		return 0
	}
	return l.burst
}

// ThrottleN blocks until n frames are allowed or ctx is done.
// A nil Throttle never blocks.
func (l *Throttle) ThrottleN(ctx context.Context, n uint64) error {
	if l == nil {
		return nil
	}
	for n > 0 {
		k := min(n, uint64(l.burst))
		if err := l.lim.WaitN(ctx, int(k)); err != nil {
			return err
		}
		n -= k
	}
	return nil
}
