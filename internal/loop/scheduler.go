package loop

import (
	"context"
	"time"
)

// Scheduler paces the loop: Next blocks until the next pass may begin.
type Scheduler interface {
	Next(ctx context.Context) error
}

// DefaultInterval approximates a display refresh.
const DefaultInterval = time.Second / 30

// TickerScheduler waits Interval between the end of one pass and the start
// of the next, so a slow detector never queues passes.
type TickerScheduler struct {
	Interval time.Duration
}

func (s TickerScheduler) Next(ctx context.Context) error {
	interval := s.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	timer := time.NewTimer(interval)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// SchedulerFunc adapts a function to Scheduler.
type SchedulerFunc func(ctx context.Context) error

func (f SchedulerFunc) Next(ctx context.Context) error { return f(ctx) }
