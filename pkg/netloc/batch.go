package netloc

import (
	"time"

	"github.com/markus-lassfolk/netlocd/pkg"
)

// FlushTrigger says why locations were emitted
type FlushTrigger string

const (
	TriggerImmediate FlushTrigger = "immediate"
	TriggerCount     FlushTrigger = "count"
	TriggerDeadline  FlushTrigger = "deadline"
	TriggerForced    FlushTrigger = "forced"
)

// Emission is a set of locations ready for delivery. Batch selects
// ReportLocations over ReportLocation.
type Emission struct {
	Locations []pkg.Location
	Batch     bool
	Trigger   FlushTrigger
}

// BatchAggregator decides whether a location is delivered right away or held
// back until the batch fills up or its deadline passes. Deadlines are
// monotonic times from the daemon clock.
type BatchAggregator struct {
	policy       pkg.RequestPolicy
	pending      []pkg.Location
	nextDeadline time.Duration
}

// NewBatchAggregator creates an aggregator for policy, started at now
func NewBatchAggregator(policy pkg.RequestPolicy, now time.Duration) *BatchAggregator {
	b := &BatchAggregator{policy: policy}
	if policy.IsBatching() {
		b.nextDeadline = now + policy.MaxUpdateDelay()
	}
	return b
}

// Add takes a produced location and returns what should be delivered now,
// if anything. Incomplete locations are ignored.
func (b *BatchAggregator) Add(loc pkg.Location, now time.Duration) (Emission, bool) {
	if !loc.Complete {
		return Emission{}, false
	}
	if !b.policy.IsBatching() {
		return Emission{Locations: []pkg.Location{loc}, Trigger: TriggerImmediate}, true
	}

	b.pending = append(b.pending, loc)
	switch {
	case now >= b.nextDeadline:
		return b.flush(TriggerDeadline), true
	case len(b.pending) >= b.policy.BatchSize():
		return b.flush(TriggerCount), true
	}
	return Emission{}, false
}

// FlushIfDue emits pending locations once the batch deadline has passed,
// for cycles that produced nothing to Add
func (b *BatchAggregator) FlushIfDue(now time.Duration) (Emission, bool) {
	if !b.policy.IsBatching() || len(b.pending) == 0 || now < b.nextDeadline {
		return Emission{}, false
	}
	return b.flush(TriggerDeadline), true
}

// ForceFlush emits everything pending. A single location is delivered on
// its own. Nothing pending means nothing to emit.
func (b *BatchAggregator) ForceFlush() (Emission, bool) {
	if len(b.pending) == 0 {
		return Emission{}, false
	}
	out := Emission{
		Locations: b.pending,
		Batch:     len(b.pending) > 1,
		Trigger:   TriggerForced,
	}
	b.pending = nil
	return out, true
}

// Pending returns the number of held locations
func (b *BatchAggregator) Pending() int {
	return len(b.pending)
}

// NextDeadline returns the monotonic time of the next batch deadline
func (b *BatchAggregator) NextDeadline() time.Duration {
	return b.nextDeadline
}

// Reset drops all pending locations
func (b *BatchAggregator) Reset() {
	b.pending = nil
}

func (b *BatchAggregator) flush(trigger FlushTrigger) Emission {
	out := Emission{Locations: b.pending, Batch: true, Trigger: trigger}
	b.pending = nil
	b.nextDeadline += b.policy.MaxUpdateDelay()
	return out
}
