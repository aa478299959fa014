package util

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
)

// Clock is the time source shared by every scheduler in the session
// (request sweep, heartbeat, batch debounce, settlement backoff).
// Tests substitute clock.NewMock().
type Clock interface {
	After(d time.Duration) <-chan time.Time
	AfterFunc(d time.Duration, f func()) *clock.Timer
	Now() time.Time
	Since(t time.Time) time.Duration
	Ticker(d time.Duration) *clock.Ticker
}

// RealClock returns a Clock backed by the wall clock.
func RealClock() Clock { return clock.New() }

// SleepOrDone waits for d on c, returning early with ctx.Err() on cancellation.
func SleepOrDone(ctx context.Context, c Clock, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-c.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
