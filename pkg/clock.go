package pkg

import (
	"context"
	"time"
)

// Clock supplies wall-clock time, monotonic elapsed time and cancellable
// sleeps. The scheduler and estimator only read time through a Clock.
type Clock interface {
	// Now returns the current wall-clock time
	Now() time.Time
	// Elapsed returns monotonic time since the clock origin
	Elapsed() time.Duration
	// Sleep blocks for d or until ctx is done
	Sleep(ctx context.Context, d time.Duration) error
}

type systemClock struct {
	origin time.Time
}

// NewSystemClock returns a Clock backed by the runtime's monotonic clock
func NewSystemClock() Clock {
	return &systemClock{origin: time.Now()}
}

func (c *systemClock) Now() time.Time {
	return time.Now()
}

func (c *systemClock) Elapsed() time.Duration {
	return time.Since(c.origin)
}

func (c *systemClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
