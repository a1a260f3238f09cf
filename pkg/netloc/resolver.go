package netloc

import (
	"context"
	"errors"
	"iter"
	"sort"
	"time"

	"github.com/markus-lassfolk/netlocd/pkg"
	"github.com/markus-lassfolk/netlocd/pkg/logx"
	"github.com/markus-lassfolk/netlocd/pkg/metrics"
	"github.com/markus-lassfolk/netlocd/pkg/wps"
)

// DefaultBackoff is the fixed wait after a failed remote lookup or scan
const DefaultBackoff = time.Second

// Lookuper queries the positioning service for one access point.
// *wps.Client implements it.
type Lookuper interface {
	Lookup(ctx context.Context, bssid pkg.BSSID) (wps.Result, error)
}

// Pair is the access point selected for a cycle: what the scan saw and
// where the service says it is
type Pair struct {
	Observed  pkg.ObservedAccessPoint
	Resolved  pkg.ResolvedAccessPoint
	FromCache bool
}

// LookupRecord describes one candidate evaluation, for the observation log
type LookupRecord struct {
	BSSID          pkg.BSSID
	SignalDBm      int
	Outcome        string
	Reason         string
	LatitudeE8     int64
	LongitudeE8    int64
	AccuracyMeters int64
	At             time.Time
}

// LookupRecorder persists lookup records. Failures are logged and ignored.
type LookupRecorder interface {
	RecordLookup(ctx context.Context, rec LookupRecord) error
}

// Resolver picks the strongest resolvable access point of a scan
type Resolver struct {
	lookuper Lookuper
	clock    pkg.Clock
	backoff  time.Duration
	logger   *logx.Logger
	metrics  *metrics.Collector
	recorder LookupRecorder
}

// NewResolver creates a resolver. A zero backoff uses DefaultBackoff.
func NewResolver(lookuper Lookuper, clock pkg.Clock, backoff time.Duration, logger *logx.Logger) *Resolver {
	if backoff <= 0 {
		backoff = DefaultBackoff
	}
	if logger == nil {
		logger = logx.NewNopLogger()
	}
	return &Resolver{
		lookuper: lookuper,
		clock:    clock,
		backoff:  backoff,
		logger:   logger,
	}
}

// SetMetrics attaches a metrics collector
func (r *Resolver) SetMetrics(m *metrics.Collector) {
	r.metrics = m
}

// SetRecorder attaches an observation log
func (r *Resolver) SetRecorder(rec LookupRecorder) {
	r.recorder = rec
}

// Resolve runs one resolution pass over a scan. It returns nil when no
// access point could be resolved. The only errors are the context error and
// wps.ErrNoEndpoint; transient lookup failures are absorbed.
func (r *Resolver) Resolve(ctx context.Context, cache *AccessPointCache, observed []pkg.ObservedAccessPoint) (*Pair, error) {
	cache.Prune(scanIdentifiers(observed))
	defer func() {
		stats := cache.Stats()
		r.metrics.SetCacheEntries(stats.Known, stats.Unknown)
	}()

	for ap := range candidates(cache, rankBySignal(observed)) {
		pair, err := r.evaluate(ctx, cache, ap)
		if err != nil {
			return nil, err
		}
		if pair != nil {
			return pair, nil
		}
	}
	return nil, nil
}

// rankBySignal returns a copy of observed sorted strongest first with each
// BSSID kept once at its strongest reading. Equal signals keep scan order.
func rankBySignal(observed []pkg.ObservedAccessPoint) []pkg.ObservedAccessPoint {
	ranked := make([]pkg.ObservedAccessPoint, len(observed))
	copy(ranked, observed)
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].SignalDBm > ranked[j].SignalDBm
	})

	seen := make(map[pkg.BSSID]struct{}, len(ranked))
	unique := ranked[:0]
	for _, ap := range ranked {
		if _, dup := seen[ap.BSSID]; dup {
			continue
		}
		seen[ap.BSSID] = struct{}{}
		unique = append(unique, ap)
	}
	return unique
}

// candidates yields the ranked access points that are not known to be
// unresolvable. The unknown set is consulted lazily so an entry marked
// during the walk is skipped if it shows up again.
func candidates(cache *AccessPointCache, ranked []pkg.ObservedAccessPoint) iter.Seq[pkg.ObservedAccessPoint] {
	return func(yield func(pkg.ObservedAccessPoint) bool) {
		for _, ap := range ranked {
			if cache.IsUnknown(ap.BSSID) {
				continue
			}
			if !yield(ap) {
				return
			}
		}
	}
}

// evaluate resolves a single candidate. A nil pair with a nil error means
// move on to the next one.
func (r *Resolver) evaluate(ctx context.Context, cache *AccessPointCache, ap pkg.ObservedAccessPoint) (*Pair, error) {
	if known, ok := cache.LookupKnown(ap.BSSID); ok {
		r.metrics.ObserveCacheLookup(true)
		r.logger.LogDebugVerbose("cache_hit", map[string]interface{}{
			"bssid":  ap.BSSID.String(),
			"signal": ap.SignalDBm,
		})
		return &Pair{Observed: ap, Resolved: known, FromCache: true}, nil
	}
	r.metrics.ObserveCacheLookup(false)

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	start := time.Now()
	result, err := r.lookuper.Lookup(ctx, ap.BSSID)
	elapsed := time.Since(start)

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if errors.Is(err, wps.ErrNoEndpoint) {
			return nil, err
		}

		r.metrics.ObserveLookup(metrics.OutcomeError, elapsed)
		r.record(ctx, ap, LookupRecord{Outcome: metrics.OutcomeError, Reason: err.Error()})
		r.logger.Warn("Access point lookup failed, backing off",
			"bssid", ap.BSSID.String(),
			"signal", ap.SignalDBm,
			"backoff", r.backoff.String(),
			"error", err,
		)
		if err := r.clock.Sleep(ctx, r.backoff); err != nil {
			return nil, err
		}
		return nil, nil
	}

	if !result.Resolved() {
		r.metrics.ObserveLookup(metrics.OutcomeNoFix, elapsed)
		cache.MarkUnknown(ap.BSSID)
		r.record(ctx, ap, LookupRecord{Outcome: metrics.OutcomeNoFix, Reason: result.Reason})
		r.logger.Debug("Access point has no fix",
			"bssid", ap.BSSID.String(),
			"reason", result.Reason,
		)
		return nil, nil
	}

	r.metrics.ObserveLookup(metrics.OutcomeResolved, elapsed)
	cache.MarkKnown(result.AccessPoint)
	r.record(ctx, ap, LookupRecord{
		Outcome:        metrics.OutcomeResolved,
		LatitudeE8:     result.AccessPoint.LatitudeE8,
		LongitudeE8:    result.AccessPoint.LongitudeE8,
		AccuracyMeters: result.AccessPoint.AccuracyMeters,
	})
	return &Pair{Observed: ap, Resolved: result.AccessPoint}, nil
}

func (r *Resolver) record(ctx context.Context, ap pkg.ObservedAccessPoint, rec LookupRecord) {
	if r.recorder == nil {
		return
	}
	rec.BSSID = ap.BSSID
	rec.SignalDBm = ap.SignalDBm
	rec.At = r.clock.Now()
	if err := r.recorder.RecordLookup(ctx, rec); err != nil {
		r.logger.Debug("Failed to record lookup", "bssid", ap.BSSID.String(), "error", err)
	}
}
