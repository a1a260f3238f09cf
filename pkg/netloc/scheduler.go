package netloc

import (
	"context"
	"errors"
	"time"

	"github.com/markus-lassfolk/netlocd/pkg"
	"github.com/markus-lassfolk/netlocd/pkg/scan"
	"github.com/markus-lassfolk/netlocd/pkg/wps"
)

type flushRequest struct {
	done chan struct{}
}

type worker struct {
	cancel  context.CancelFunc
	done    chan struct{}
	flushCh chan flushRequest
}

// cycleState is everything the worker owns. Nothing outside the worker
// goroutine touches it except the cache's Stats.
type cycleState struct {
	policy     pkg.RequestPolicy
	cache      *AccessPointCache
	batch      *BatchAggregator
	nextUpdate time.Duration
	flushCh    <-chan flushRequest
}

func (p *Provider) run(ctx context.Context, w *worker, st *cycleState) {
	defer close(w.done)
	st.flushCh = w.flushCh

	p.setState(StateIdle, "request installed")
	for {
		if err := p.cycle(ctx, st); err != nil {
			st.batch.Reset()
			return
		}
	}
}

// cycle runs one schedule/scan/resolve/emit round. It only returns an error
// when the worker must exit.
func (p *Provider) cycle(ctx context.Context, st *cycleState) error {
	// don't let cycles run faster than the requested interval
	afterScan := p.clock.Elapsed() + p.cfg.ScanDurationEstimate
	if wait := st.nextUpdate - afterScan; wait > 0 {
		p.logger.LogDebugVerbose("rate_limit_wait", map[string]interface{}{
			"wait": wait.String(),
		})
		if err := p.await(ctx, st, func(ctx context.Context) error {
			return p.clock.Sleep(ctx, wait)
		}); err != nil {
			return err
		}
	}

	p.setState(StateScanning, "scan triggered")
	var observed []pkg.ObservedAccessPoint
	err := p.await(ctx, st, func(ctx context.Context) error {
		var err error
		observed, err = p.scanner.Scan(ctx, scan.DefaultRequest(st.policy.WorkSource))
		return err
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		p.metrics.ObserveScan(false)
		p.setLastError(err)
		p.logger.Warn("Wifi scan failed, retrying", "backoff", p.cfg.Backoff.String(), "error", err)
		p.setState(StateIdle, "scan failed")
		return p.backoff(ctx, st)
	}
	p.metrics.ObserveScan(true)

	p.setState(StateResolving, "scan finished")
	var pair *Pair
	err = p.await(ctx, st, func(ctx context.Context) error {
		var err error
		pair, err = p.resolver.Resolve(ctx, st.cache, observed)
		return err
	})
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}

	loc := Estimate(p.clock, pair)
	p.metrics.ObserveCycle(loc.Complete)

	var (
		emission Emission
		emit     bool
	)
	if loc.Complete {
		emission, emit = st.batch.Add(loc, p.clock.Elapsed())
	} else {
		emission, emit = st.batch.FlushIfDue(p.clock.Elapsed())
	}
	if emit {
		p.deliver(ctx, emission)
	}
	p.recordCycle(loc, st.batch.Pending(), err)

	p.logger.LogDebugVerbose("cycle_complete", map[string]interface{}{
		"access_points": len(observed),
		"complete":      loc.Complete,
		"pending":       st.batch.Pending(),
	})

	st.nextUpdate += st.policy.Interval()
	p.setState(StateIdle, "cycle complete")

	if errors.Is(err, wps.ErrNoEndpoint) {
		p.logger.Error("No positioning server selected, skipping resolution", "error", err)
		return p.backoff(ctx, st)
	}
	return nil
}

func (p *Provider) backoff(ctx context.Context, st *cycleState) error {
	return p.await(ctx, st, func(ctx context.Context) error {
		return p.clock.Sleep(ctx, p.cfg.Backoff)
	})
}

// await runs fn, which must honour ctx, and serves flush requests until it
// returns. Batch state is only ever touched from the worker goroutine.
func (p *Provider) await(ctx context.Context, st *cycleState, fn func(context.Context) error) error {
	done := make(chan error, 1)
	go func() { done <- fn(ctx) }()

	for {
		select {
		case err := <-done:
			return err
		case req := <-st.flushCh:
			p.serveFlush(ctx, st, req)
		}
	}
}

func (p *Provider) serveFlush(ctx context.Context, st *cycleState, req flushRequest) {
	defer close(req.done)

	emission, ok := st.batch.ForceFlush()
	if !ok {
		return
	}
	p.deliver(ctx, emission)
	p.setPending(st.batch.Pending())
}

func (p *Provider) deliver(ctx context.Context, e Emission) {
	var err error
	if e.Batch {
		err = p.sink.ReportLocations(ctx, e.Locations)
		p.metrics.ObserveBatchFlush(string(e.Trigger))
	} else {
		err = p.sink.ReportLocation(ctx, e.Locations[0])
	}
	p.metrics.AddLocationsEmitted(len(e.Locations))

	if err != nil {
		p.logger.Warn("Failed to deliver locations",
			"count", len(e.Locations),
			"trigger", string(e.Trigger),
			"error", err,
		)
		return
	}
	p.logger.Debug("Delivered locations",
		"count", len(e.Locations),
		"trigger", string(e.Trigger),
		"batch", e.Batch,
	)
}
