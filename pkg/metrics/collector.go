// Package metrics exposes the daemon's Prometheus metrics.
package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Lookup outcome labels
const (
	OutcomeResolved = "resolved"
	OutcomeNoFix    = "no_fix"
	OutcomeError    = "error"
)

// Collector bundles the resolution engine metrics. All methods are safe on a
// nil *Collector so callers can run without metrics.
type Collector struct {
	gatherer prometheus.Gatherer

	Lookups          *prometheus.CounterVec
	LookupDuration   prometheus.Histogram
	CacheLookups     *prometheus.CounterVec
	CacheEntries     *prometheus.GaugeVec
	Scans            *prometheus.CounterVec
	Cycles           *prometheus.CounterVec
	LocationsEmitted prometheus.Counter
	BatchFlushes     *prometheus.CounterVec
}

// NewCollector registers the metrics against reg, defaulting to the global
// registry when nil
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	lookups, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "netloc_wps_lookups_total",
		Help: "Remote positioning lookups, labeled by outcome.",
	}, []string{"outcome"}), "netloc_wps_lookups_total")
	if err != nil {
		return nil, err
	}

	duration, err := registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "netloc_wps_lookup_duration_seconds",
		Help:    "Remote positioning lookup latency in seconds.",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	}), "netloc_wps_lookup_duration_seconds")
	if err != nil {
		return nil, err
	}

	cacheLookups, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "netloc_cache_lookups_total",
		Help: "Access point cache lookups, labeled by hit or miss.",
	}, []string{"result"}), "netloc_cache_lookups_total")
	if err != nil {
		return nil, err
	}

	cacheEntries, err := registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "netloc_cache_entries",
		Help: "Access points currently cached, labeled by set.",
	}, []string{"set"}), "netloc_cache_entries")
	if err != nil {
		return nil, err
	}

	scans, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "netloc_scans_total",
		Help: "Wi-Fi scans triggered, labeled by result.",
	}, []string{"result"}), "netloc_scans_total")
	if err != nil {
		return nil, err
	}

	cycles, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "netloc_cycles_total",
		Help: "Resolution cycles, labeled by whether a location was produced.",
	}, []string{"result"}), "netloc_cycles_total")
	if err != nil {
		return nil, err
	}

	emitted, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "netloc_locations_emitted_total",
		Help: "Locations delivered to sinks.",
	}), "netloc_locations_emitted_total")
	if err != nil {
		return nil, err
	}

	flushes, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "netloc_batch_flushes_total",
		Help: "Batch emissions, labeled by trigger.",
	}, []string{"trigger"}), "netloc_batch_flushes_total")
	if err != nil {
		return nil, err
	}

	return &Collector{
		gatherer:         gatherer,
		Lookups:          lookups,
		LookupDuration:   duration,
		CacheLookups:     cacheLookups,
		CacheEntries:     cacheEntries,
		Scans:            scans,
		Cycles:           cycles,
		LocationsEmitted: emitted,
		BatchFlushes:     flushes,
	}, nil
}

// Handler exposes a ready-to-use /metrics handler
func (c *Collector) Handler() http.Handler {
	gatherer := prometheus.DefaultGatherer
	if c != nil && c.gatherer != nil {
		gatherer = c.gatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// ObserveLookup records one remote lookup
func (c *Collector) ObserveLookup(outcome string, d time.Duration) {
	if c == nil {
		return
	}
	c.Lookups.WithLabelValues(outcome).Inc()
	c.LookupDuration.Observe(d.Seconds())
}

// ObserveCacheLookup records a cache hit or miss
func (c *Collector) ObserveCacheLookup(hit bool) {
	if c == nil {
		return
	}
	if hit {
		c.CacheLookups.WithLabelValues("hit").Inc()
	} else {
		c.CacheLookups.WithLabelValues("miss").Inc()
	}
}

// SetCacheEntries updates the cache size gauges
func (c *Collector) SetCacheEntries(known, unknown int) {
	if c == nil {
		return
	}
	c.CacheEntries.WithLabelValues("known").Set(float64(known))
	c.CacheEntries.WithLabelValues("unknown").Set(float64(unknown))
}

// ObserveScan records a finished scan
func (c *Collector) ObserveScan(ok bool) {
	if c == nil {
		return
	}
	c.Scans.WithLabelValues(resultLabel(ok, "success", "failed")).Inc()
}

// ObserveCycle records a finished resolution cycle
func (c *Collector) ObserveCycle(complete bool) {
	if c == nil {
		return
	}
	c.Cycles.WithLabelValues(resultLabel(complete, "complete", "incomplete")).Inc()
}

// AddLocationsEmitted counts delivered locations
func (c *Collector) AddLocationsEmitted(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.LocationsEmitted.Add(float64(n))
}

// ObserveBatchFlush records a batch emission
func (c *Collector) ObserveBatchFlush(trigger string) {
	if c == nil {
		return
	}
	c.BatchFlushes.WithLabelValues(trigger).Inc()
}

func resultLabel(ok bool, yes, no string) string {
	if ok {
		return yes
	}
	return no
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGaugeVec(reg prometheus.Registerer, vec *prometheus.GaugeVec, name string) (*prometheus.GaugeVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.GaugeVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerCounter(reg prometheus.Registerer, counter prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(counter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return counter, nil
}

func registerHistogram(reg prometheus.Registerer, h prometheus.Histogram, name string) (prometheus.Histogram, error) {
	if err := reg.Register(h); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Histogram); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return h, nil
}
