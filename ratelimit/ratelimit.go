// Package ratelimit paces the traffic generator in packets per second.
package ratelimit

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Throttle limits to pps packets per second on average.
// A nil Throttle never blocks.
type Throttle struct {
	lim *rate.Limiter
}

// New creates a limiter for pps packets per second.
// If pps == 0, throttling is disabled and nil is returned.
func New(pps uint64) *Throttle {
	if pps == 0 {
		return nil
	}
	// Allow bursts of ~10ms worth of packets, at least one batch of 32.
	burst := int(min(max(pps/100, 32), 1<<16))
	return &Throttle{lim: rate.NewLimiter(rate.Limit(pps), burst)}
}

// ThrottleN blocks until n packets are allowed or ctx is done.
// Batches larger than the burst are admitted in burst-sized chunks.
func (l *Throttle) ThrottleN(ctx context.Context, n uint64) error {
	if l == nil {
		return nil
	}
	burst := uint64(l.lim.Burst())
	for n > 0 {
		c := min(n, burst)
		if err := l.lim.WaitN(ctx, int(c)); err != nil {
			return err
		}
		n -= c
	}
	return nil
}

// Allow reports whether n packets may be sent now without blocking.
func (l *Throttle) Allow(n int) bool {
	if l == nil {
		return true
	}
	return l.lim.AllowN(time.Now(), n)
}
