// Package clocktest provides a deterministic pkg.Clock for tests.
package clocktest

import (
	"context"
	"sync"
	"time"
)

// Fake is a manually driven clock. Sleep advances the clock instead of
// blocking, so scheduler loops run at full speed under test.
type Fake struct {
	mu       sync.Mutex
	wallBase time.Time
	elapsed  time.Duration
	sleeps   []time.Duration
}

// New returns a fake clock whose monotonic origin corresponds to wallBase
func New(wallBase time.Time) *Fake {
	return &Fake{wallBase: wallBase}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.wallBase.Add(f.elapsed)
}

func (f *Fake) Elapsed() time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.elapsed
}

func (f *Fake) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	f.sleeps = append(f.sleeps, d)
	if d > 0 {
		f.elapsed += d
	}
	f.mu.Unlock()
	return ctx.Err()
}

// Advance moves the clock forward by d
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.elapsed += d
}

// Sleeps returns every duration passed to Sleep so far
func (f *Fake) Sleeps() []time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]time.Duration, len(f.sleeps))
	copy(out, f.sleeps)
	return out
}
