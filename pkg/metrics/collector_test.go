package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorRecords(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := NewCollector(reg)
	require.NoError(t, err)

	c.ObserveLookup(OutcomeResolved, 120*time.Millisecond)
	c.ObserveLookup(OutcomeNoFix, 80*time.Millisecond)
	c.ObserveLookup(OutcomeResolved, 90*time.Millisecond)
	c.ObserveCacheLookup(true)
	c.ObserveCacheLookup(false)
	c.SetCacheEntries(3, 2)
	c.ObserveScan(true)
	c.ObserveScan(false)
	c.ObserveCycle(true)
	c.AddLocationsEmitted(5)
	c.ObserveBatchFlush("count")

	assert.Equal(t, 2.0, value(t, c.Lookups.WithLabelValues(OutcomeResolved)))
	assert.Equal(t, 1.0, value(t, c.Lookups.WithLabelValues(OutcomeNoFix)))
	assert.Equal(t, 1.0, value(t, c.CacheLookups.WithLabelValues("hit")))
	assert.Equal(t, 3.0, value(t, c.CacheEntries.WithLabelValues("known")))
	assert.Equal(t, 1.0, value(t, c.Scans.WithLabelValues("failed")))
	assert.Equal(t, 1.0, value(t, c.Cycles.WithLabelValues("complete")))
	assert.Equal(t, 5.0, value(t, c.LocationsEmitted))
	assert.Equal(t, 1.0, value(t, c.BatchFlushes.WithLabelValues("count")))
}

func TestCollectorReRegister(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := NewCollector(reg)
	require.NoError(t, err)
	second, err := NewCollector(reg)
	require.NoError(t, err)

	first.AddLocationsEmitted(1)
	assert.Equal(t, 1.0, value(t, second.LocationsEmitted))
}

func TestNilCollector(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.ObserveLookup(OutcomeError, time.Second)
		c.ObserveCacheLookup(true)
		c.SetCacheEntries(1, 1)
		c.ObserveScan(true)
		c.ObserveCycle(false)
		c.AddLocationsEmitted(1)
		c.ObserveBatchFlush("forced")
	})
}

func TestCollectorHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := NewCollector(reg)
	require.NoError(t, err)
	c.ObserveScan(true)

	srv := httptest.NewServer(c.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `netloc_scans_total{result="success"} 1`)
}

func value(t *testing.T, m prometheus.Metric) float64 {
	t.Helper()
	var pb dto.Metric
	require.NoError(t, m.Write(&pb))
	if pb.Counter != nil {
		return pb.GetCounter().GetValue()
	}
	return pb.GetGauge().GetValue()
}
