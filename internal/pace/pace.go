// Package pace holds the context-aware sleeps and jitter used to keep browser
// activity human-paced.
package pace

import (
	"context"
	"math/rand/v2"
	"time"
)

// SleepFunc pauses for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// JitterFunc returns a duration in [lo, hi].
type JitterFunc func(lo, hi time.Duration) time.Duration

// Sleep is the real SleepFunc.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Between is the real JitterFunc (uniform).
func Between(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	return lo + rand.N(hi-lo+1)
}

// NoSleep returns immediately unless ctx is done. Tests use it.
func NoSleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

// Low always picks the lower bound.
func Low(lo, _ time.Duration) time.Duration { return lo }
