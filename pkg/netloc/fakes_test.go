package netloc

import (
	"context"
	"sync"

	"github.com/markus-lassfolk/netlocd/pkg"
	"github.com/markus-lassfolk/netlocd/pkg/scan"
	"github.com/markus-lassfolk/netlocd/pkg/wps"
)

func ap(bssid string, signal int) pkg.ObservedAccessPoint {
	return pkg.ObservedAccessPoint{BSSID: pkg.MustParseBSSID(bssid), SignalDBm: signal}
}

func resolved(bssid string, lat, lon, acc int64) wps.Result {
	return wps.Result{
		Outcome: wps.OutcomeResolved,
		AccessPoint: pkg.ResolvedAccessPoint{
			BSSID:          pkg.MustParseBSSID(bssid),
			LatitudeE8:     lat,
			LongitudeE8:    lon,
			AccuracyMeters: acc,
		},
	}
}

var noFix = wps.Result{Outcome: wps.OutcomeNoFix, Reason: wps.ReasonSentinel}

// fakeLookuper answers from fixed tables and records every query
type fakeLookuper struct {
	mu      sync.Mutex
	results map[pkg.BSSID]wps.Result
	errs    map[pkg.BSSID]error
	calls   []pkg.BSSID
}

func newFakeLookuper() *fakeLookuper {
	return &fakeLookuper{
		results: make(map[pkg.BSSID]wps.Result),
		errs:    make(map[pkg.BSSID]error),
	}
}

func (f *fakeLookuper) set(bssid string, r wps.Result) *fakeLookuper {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results[pkg.MustParseBSSID(bssid)] = r
	return f
}

func (f *fakeLookuper) fail(bssid string, err error) *fakeLookuper {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[pkg.MustParseBSSID(bssid)] = err
	return f
}

func (f *fakeLookuper) Lookup(ctx context.Context, bssid pkg.BSSID) (wps.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, bssid)
	if err := ctx.Err(); err != nil {
		return wps.Result{}, err
	}
	if err, ok := f.errs[bssid]; ok {
		return wps.Result{}, err
	}
	if r, ok := f.results[bssid]; ok {
		return r, nil
	}
	return noFix, nil
}

func (f *fakeLookuper) queried() []pkg.BSSID {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]pkg.BSSID, len(f.calls))
	copy(out, f.calls)
	return out
}

func (f *fakeLookuper) count(bssid string) int {
	id := pkg.MustParseBSSID(bssid)
	n := 0
	for _, c := range f.queried() {
		if c == id {
			n++
		}
	}
	return n
}

type scanStep struct {
	aps []pkg.ObservedAccessPoint
	err error
}

// scriptedScanner replays steps, then blocks until cancelled. idle is
// closed the first time it blocks.
type scriptedScanner struct {
	mu       sync.Mutex
	steps    []scanStep
	requests []scan.Request
	idle     chan struct{}
	idleOnce sync.Once
}

func newScriptedScanner(steps ...scanStep) *scriptedScanner {
	return &scriptedScanner{steps: steps, idle: make(chan struct{})}
}

// reset installs new steps and re-arms idle
func (s *scriptedScanner) reset(steps ...scanStep) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps = steps
	s.idle = make(chan struct{})
	s.idleOnce = sync.Once{}
}

func (s *scriptedScanner) idleCh() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.idle
}

func (s *scriptedScanner) Scan(ctx context.Context, req scan.Request) ([]pkg.ObservedAccessPoint, error) {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	if len(s.steps) > 0 {
		step := s.steps[0]
		s.steps = s.steps[1:]
		s.mu.Unlock()
		return step.aps, step.err
	}
	s.mu.Unlock()

	s.mu.Lock()
	s.idleOnce.Do(func() { close(s.idle) })
	s.mu.Unlock()
	<-ctx.Done()
	return nil, ctx.Err()
}

// recordingSink stores every delivery
type recordingSink struct {
	mu      sync.Mutex
	singles []pkg.Location
	batches [][]pkg.Location
}

func (r *recordingSink) ReportLocation(ctx context.Context, loc pkg.Location) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.singles = append(r.singles, loc)
	return nil
}

func (r *recordingSink) ReportLocations(ctx context.Context, locs []pkg.Location) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := make([]pkg.Location, len(locs))
	copy(cp, locs)
	r.batches = append(r.batches, cp)
	return nil
}

func (r *recordingSink) snapshot() ([]pkg.Location, [][]pkg.Location) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]pkg.Location(nil), r.singles...), append([][]pkg.Location(nil), r.batches...)
}

type staticRadio struct {
	enabled bool
	err     error
}

func (r staticRadio) Enabled(context.Context) (bool, error) {
	return r.enabled, r.err
}
