// Package netloc turns Wi-Fi scans into approximate locations using a remote
// access point positioning service.
package netloc

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/markus-lassfolk/netlocd/pkg"
	"github.com/markus-lassfolk/netlocd/pkg/logx"
	"github.com/markus-lassfolk/netlocd/pkg/metrics"
	"github.com/markus-lassfolk/netlocd/pkg/scan"
	"github.com/markus-lassfolk/netlocd/pkg/wps"
)

// ErrProviderStopped is returned for requests that need a running worker
var ErrProviderStopped = errors.New("location provider is stopped")

// DefaultScanDurationEstimate is how long a full scan is assumed to take
const DefaultScanDurationEstimate = 11 * time.Second

// State is the scheduler state
type State string

const (
	StateStopped   State = "stopped"
	StateIdle      State = "idle"
	StateScanning  State = "scanning"
	StateResolving State = "resolving"
)

// ProviderConfig tunes the scheduler
type ProviderConfig struct {
	ScanDurationEstimate time.Duration
	Backoff              time.Duration
	// WorkSource is used when the request does not name one
	WorkSource string
}

// DefaultProviderConfig returns the default scheduler settings
func DefaultProviderConfig() ProviderConfig {
	return ProviderConfig{
		ScanDurationEstimate: DefaultScanDurationEstimate,
		Backoff:              DefaultBackoff,
		WorkSource:           "netlocd",
	}
}

// Availability decides whether the provider can produce locations at all
type Availability struct {
	Enabled             bool
	Server              wps.Server
	Radio               scan.Radio
	ScanAlwaysAvailable bool
}

// Check reports availability: the feature is enabled, a server is selected
// and the radio is on or scanning is always possible
func (a Availability) Check(ctx context.Context) bool {
	if !a.Enabled || a.Server == wps.ServerDisabled || a.Server == "" {
		return false
	}
	if a.ScanAlwaysAvailable {
		return true
	}
	if a.Radio == nil {
		return false
	}
	enabled, err := a.Radio.Enabled(ctx)
	return err == nil && enabled
}

// Status is a snapshot of the provider for the API and CLI
type Status struct {
	State            State             `json:"state"`
	Policy           pkg.RequestPolicy `json:"policy"`
	Batching         bool              `json:"batching"`
	Cache            CacheStats        `json:"cache"`
	PendingLocations int               `json:"pending_locations"`
	Cycles           int64             `json:"cycles"`
	CompleteCycles   int64             `json:"complete_cycles"`
	LastLocation     *pkg.Location     `json:"last_location,omitempty"`
	LastError        string            `json:"last_error,omitempty"`
}

// Provider runs the scan/resolve/emit loop for the current request. At most
// one worker goroutine exists at a time and it owns all cycle state.
type Provider struct {
	scanner  scan.Scanner
	resolver *Resolver
	sink     Sink
	clock    pkg.Clock
	logger   *logx.Logger
	metrics  *metrics.Collector
	cfg      ProviderConfig

	mu           sync.Mutex
	policy       pkg.RequestPolicy
	worker       *worker
	availability Availability

	statusMu sync.RWMutex
	status   Status
	cache    *AccessPointCache
}

// NewProvider wires a provider. It stays stopped until SetRequest installs
// an active request.
func NewProvider(scanner scan.Scanner, resolver *Resolver, sink Sink, clock pkg.Clock, logger *logx.Logger, cfg ProviderConfig) *Provider {
	if logger == nil {
		logger = logx.NewNopLogger()
	}
	if cfg.ScanDurationEstimate < 0 {
		cfg.ScanDurationEstimate = 0
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = DefaultBackoff
	}
	if sink == nil {
		sink = MultiSink{}
	}
	return &Provider{
		scanner:  scanner,
		resolver: resolver,
		sink:     sink,
		clock:    clock,
		logger:   logger,
		cfg:      cfg,
		status:   Status{State: StateStopped},
	}
}

// SetMetrics attaches a metrics collector to the provider and its resolver
func (p *Provider) SetMetrics(m *metrics.Collector) {
	p.metrics = m
	p.resolver.SetMetrics(m)
}

// SetAvailability replaces the availability inputs, e.g. after a reload
func (p *Provider) SetAvailability(a Availability) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.availability = a
}

// Available reports whether the provider can currently produce locations
func (p *Provider) Available(ctx context.Context) bool {
	p.mu.Lock()
	a := p.availability
	p.mu.Unlock()
	return a.Check(ctx)
}

// SetRequest stops any running cycle and, if the new request is active,
// starts a fresh worker with an empty cache
func (p *Provider) SetRequest(policy pkg.RequestPolicy) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.stopLocked()
	p.policy = policy
	p.setPolicy(policy)

	if !policy.Active {
		return
	}
	if policy.WorkSource == "" {
		policy.WorkSource = p.cfg.WorkSource
	}
	p.startLocked(policy)
}

// Stop cancels the worker, clears the cache and pending batch and resets
// the request to inactive. Safe to call repeatedly.
func (p *Provider) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.stopLocked()
	p.policy = pkg.InactiveRequest
	p.setPolicy(pkg.InactiveRequest)
}

// Request returns the installed request
func (p *Provider) Request() pkg.RequestPolicy {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.policy
}

// Flush delivers any batched locations right away. It returns once the
// flush is complete; with no running worker there is nothing to flush.
func (p *Provider) Flush(ctx context.Context) error {
	p.mu.Lock()
	w := p.worker
	p.mu.Unlock()

	if w == nil {
		return nil
	}

	req := flushRequest{done: make(chan struct{})}
	select {
	case w.flushCh <- req:
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-req.done:
	case <-w.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// Status returns a snapshot of the provider
func (p *Provider) Status() Status {
	p.statusMu.RLock()
	defer p.statusMu.RUnlock()

	st := p.status
	if p.cache != nil {
		st.Cache = p.cache.Stats()
	}
	if st.LastLocation != nil {
		loc := *st.LastLocation
		st.LastLocation = &loc
	}
	return st
}

// LastLocation returns the most recent complete location, if any
func (p *Provider) LastLocation() (pkg.Location, bool) {
	p.statusMu.RLock()
	defer p.statusMu.RUnlock()
	if p.status.LastLocation == nil {
		return pkg.Location{}, false
	}
	return *p.status.LastLocation, true
}

func (p *Provider) startLocked(policy pkg.RequestPolicy) {
	ctx, cancel := context.WithCancel(context.Background())
	now := p.clock.Elapsed()

	st := &cycleState{
		policy:     policy,
		cache:      NewAccessPointCache(),
		batch:      NewBatchAggregator(policy, now),
		nextUpdate: now + policy.Interval(),
	}
	w := &worker{
		cancel:  cancel,
		done:    make(chan struct{}),
		flushCh: make(chan flushRequest),
	}
	p.worker = w

	p.statusMu.Lock()
	p.cache = st.cache
	p.status.PendingLocations = 0
	p.statusMu.Unlock()

	p.logger.Info("Starting location updates",
		"interval", policy.Interval().String(),
		"max_update_delay", policy.MaxUpdateDelay().String(),
		"batching", policy.IsBatching(),
		"work_source", policy.WorkSource,
	)

	go p.run(ctx, w, st)
}

func (p *Provider) stopLocked() {
	w := p.worker
	if w == nil {
		return
	}
	p.worker = nil
	w.cancel()
	<-w.done

	p.statusMu.Lock()
	if p.cache != nil {
		p.cache.Clear()
	}
	p.status.PendingLocations = 0
	p.statusMu.Unlock()

	p.setState(StateStopped, "stopped")
	p.logger.Info("Stopped location updates")
}

func (p *Provider) setPolicy(policy pkg.RequestPolicy) {
	p.statusMu.Lock()
	defer p.statusMu.Unlock()
	p.status.Policy = policy
	p.status.Batching = policy.IsBatching()
}

func (p *Provider) setState(state State, reason string) {
	p.statusMu.Lock()
	from := p.status.State
	p.status.State = state
	p.statusMu.Unlock()

	if from != state {
		p.logger.LogStateChange("scheduler", string(from), string(state), reason, nil)
	}
}

func (p *Provider) recordCycle(loc pkg.Location, pending int, cycleErr error) {
	p.statusMu.Lock()
	defer p.statusMu.Unlock()

	p.status.Cycles++
	p.status.PendingLocations = pending
	if loc.Complete {
		p.status.CompleteCycles++
		p.status.LastLocation = &loc
	}
	if cycleErr != nil {
		p.status.LastError = cycleErr.Error()
	}
}

func (p *Provider) setPending(pending int) {
	p.statusMu.Lock()
	p.status.PendingLocations = pending
	p.statusMu.Unlock()
}

func (p *Provider) setLastError(err error) {
	p.statusMu.Lock()
	p.status.LastError = err.Error()
	p.statusMu.Unlock()
}
