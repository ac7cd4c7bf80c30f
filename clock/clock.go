// Package clock provides the time source used by the saga engine for retry
// backoff and activity timeouts.
//
// Production code uses Real. Tests use Virtual, whose Advance releases pending
// sleeps without waiting on the wall clock, so retry sequences with
// minute-scale backoff complete instantly.
package clock

import (
	"context"
	"time"
)

// Clock is the time source consulted for delays and timeouts.
type Clock interface {
	// Now returns the current time of this clock.
	Now() time.Time

	// SleepUntil blocks until the clock reaches deadline or ctx is done.
	// It returns nil when the deadline was reached and ctx.Err() otherwise.
	SleepUntil(ctx context.Context, deadline time.Time) error
}

// Sleep blocks for d on c. It is shorthand for SleepUntil(ctx, c.Now().Add(d)).
func Sleep(ctx context.Context, c Clock, d time.Duration) error {
	return c.SleepUntil(ctx, c.Now().Add(d))
}

type realClock struct{}

// Real returns a Clock backed by the wall clock.
func Real() Clock {
	return realClock{}
}

func (realClock) Now() time.Time {
	return time.Now()
}

func (realClock) SleepUntil(ctx context.Context, deadline time.Time) error {
	d := time.Until(deadline)
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
