// Package schedule runs periodic work against an injectable clock.
package schedule

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/jonboulle/clockwork"
)

// Interval is a base period plus a uniformly distributed random extra delay
// in [0, Jitter).
type Interval struct {
	Base   time.Duration
	Jitter time.Duration
}

// Fixed returns an Interval without jitter.
func Fixed(d time.Duration) Interval {
	return Interval{Base: d}
}

// Next returns the delay until the next run.
func (i Interval) Next() time.Duration {
	if i.Jitter <= 0 {
		return i.Base
	}
	return i.Base + rand.N(i.Jitter)
}

// Every calls fn immediately and then once per interval until ctx is
// cancelled. The wait starts after fn returns, so runs never overlap. A
// non-nil error from fn stops the loop and is returned; cancellation returns
// nil.
func Every(ctx context.Context, clock clockwork.Clock, interval Interval, fn func(context.Context) error) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		if err := fn(ctx); err != nil {
			return err
		}

		timer := clock.NewTimer(interval.Next())
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.Chan():
		}
	}
}
