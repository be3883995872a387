// Package ratelimit caps the number of sends per rolling window. Callers that
// exceed the window are delayed, never rejected.
package ratelimit

import (
	"context"
	"time"
)

// Limiter gates sends. Wait blocks until one more send fits in the window.
type Limiter interface {
	Wait(ctx context.Context) error
}

// Clock is injectable for tests.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// Unlimited never blocks.
type Unlimited struct{}

func (Unlimited) Wait(ctx context.Context) error { return ctx.Err() }

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
