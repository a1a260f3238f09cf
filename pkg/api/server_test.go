package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/markus-lassfolk/netlocd/pkg"
	"github.com/markus-lassfolk/netlocd/pkg/apdb"
	"github.com/markus-lassfolk/netlocd/pkg/history"
	"github.com/markus-lassfolk/netlocd/pkg/netloc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	mu       sync.Mutex
	policy   pkg.RequestPolicy
	last     *pkg.Location
	flushes  int
	flushErr error
}

func (f *fakeProvider) Status() netloc.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return netloc.Status{State: netloc.StateIdle, Policy: f.policy, LastLocation: f.last}
}

func (f *fakeProvider) LastLocation() (pkg.Location, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.last == nil {
		return pkg.Location{}, false
	}
	return *f.last, true
}

func (f *fakeProvider) Request() pkg.RequestPolicy {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.policy
}

func (f *fakeProvider) SetRequest(p pkg.RequestPolicy) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.policy = p
}

func (f *fakeProvider) Flush(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flushes++
	return f.flushErr
}

func (f *fakeProvider) Available(context.Context) bool { return true }

type fakeHistory struct {
	entries []history.Entry
	limit   int
}

func (f *fakeHistory) Recent(limit int) ([]history.Entry, error) {
	f.limit = limit
	if limit < len(f.entries) {
		return f.entries[:limit], nil
	}
	return f.entries, nil
}

type fakeObservations struct{}

func (fakeObservations) Recent(ctx context.Context, limit int) ([]apdb.Observation, error) {
	return []apdb.Observation{{ID: 1, BSSID: pkg.MustParseBSSID("aa:bb:cc:dd:ee:01"), Outcome: "resolved"}}, nil
}

func (fakeObservations) Statistics(ctx context.Context) (apdb.Stats, error) {
	return apdb.Stats{Total: 1, Resolved: 1, UniqueBSSIDs: 1}, nil
}

func sampleLocation() *pkg.Location {
	return &pkg.Location{
		WallClock:      time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		Latitude:       59.33,
		Longitude:      18.07,
		AccuracyMeters: 40,
		Complete:       true,
		BSSID:          pkg.MustParseBSSID("aa:bb:cc:dd:ee:01"),
	}
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestLocation(t *testing.T) {
	p := &fakeProvider{}
	h := NewServer(p, nil, nil).Handler()

	rec := do(t, h, http.MethodGet, "/api/location", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	p.last = sampleLocation()
	rec = do(t, h, http.MethodGet, "/api/location", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var loc pkg.Location
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &loc))
	assert.Equal(t, 59.33, loc.Latitude)
	assert.Equal(t, pkg.MustParseBSSID("aa:bb:cc:dd:ee:01"), loc.BSSID)
}

func TestStatus(t *testing.T) {
	p := &fakeProvider{last: sampleLocation()}
	rec := do(t, NewServer(p, nil, nil).Handler(), http.MethodGet, "/api/status", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp StatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Available)
	assert.Equal(t, netloc.StateIdle, resp.Status.State)
	require.NotNil(t, resp.Status.LastLocation)
}

func TestHistory(t *testing.T) {
	s := NewServer(&fakeProvider{}, nil, nil)
	rec := do(t, s.Handler(), http.MethodGet, "/api/history", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	h := &fakeHistory{entries: []history.Entry{
		{Sequence: 3, Location: *sampleLocation()},
		{Sequence: 2, Location: *sampleLocation()},
		{Sequence: 1, Location: *sampleLocation()},
	}}
	s.SetHistory(h)

	rec = do(t, s.Handler(), http.MethodGet, "/api/history?limit=2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var entries []history.Entry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
	assert.Len(t, entries, 2)
	assert.Equal(t, uint64(3), entries[0].Sequence)

	do(t, s.Handler(), http.MethodGet, "/api/history", "")
	assert.Equal(t, DefaultHistoryLimit, h.limit)

	rec = do(t, s.Handler(), http.MethodGet, "/api/history?limit=-1", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestObservations(t *testing.T) {
	s := NewServer(&fakeProvider{}, nil, nil)
	s.SetObservations(fakeObservations{})

	rec := do(t, s.Handler(), http.MethodGet, "/api/observations", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Stats        apdb.Stats         `json:"stats"`
		Observations []apdb.Observation `json:"observations"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Stats.Resolved)
	assert.Len(t, resp.Observations, 1)
}

func TestSetRequest(t *testing.T) {
	p := &fakeProvider{}
	h := NewServer(p, nil, nil).Handler()

	rec := do(t, h, http.MethodPost, "/api/request", `{"active":true,"interval_ms":10000,"max_update_delay_ms":60000}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, p.Request().IsBatching())

	var policy pkg.RequestPolicy
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &policy))
	assert.Equal(t, int64(10000), policy.IntervalMillis)

	rec = do(t, h, http.MethodGet, "/api/request", "")
	require.Equal(t, http.StatusOK, rec.Code)

	tests := []struct {
		name string
		body string
	}{
		{"malformed", `{"active":`},
		{"unknown field", `{"active":true,"interval":5}`},
		{"zero interval", `{"active":true,"interval_ms":0}`},
		{"negative delay", `{"active":true,"interval_ms":1000,"max_update_delay_ms":-1}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, http.MethodPost, "/api/request", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}

	rec = do(t, h, http.MethodPost, "/api/request", `{"active":false}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, p.Request().Active)
}

func TestFlush(t *testing.T) {
	p := &fakeProvider{}
	h := NewServer(p, nil, nil).Handler()

	rec := do(t, h, http.MethodPost, "/api/flush", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, p.flushes)

	p.flushErr = errors.New("context canceled")
	rec = do(t, h, http.MethodPost, "/api/flush", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/flush", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestAuthMiddleware(t *testing.T) {
	p := &fakeProvider{last: sampleLocation()}
	h := NewServer(p, &ServerConfig{AuthKey: "secret"}, nil).Handler()

	rec := do(t, h, http.MethodGet, "/api/location", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/location?auth=secret", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/location", nil)
	req.Header.Set("X-API-Key", "secret")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestStartDisabledAndShutdown(t *testing.T) {
	s := NewServer(&fakeProvider{}, &ServerConfig{}, nil)
	require.NoError(t, s.Start())
	require.NoError(t, s.Shutdown(context.Background()))

	s = NewServer(&fakeProvider{}, &ServerConfig{Listen: "127.0.0.1:0"}, nil)
	require.NoError(t, s.Start())
	require.NoError(t, s.Shutdown(context.Background()))
}
