package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/markus-lassfolk/netlocd/pkg"
	"github.com/markus-lassfolk/netlocd/pkg/wps"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRequest(t *testing.T) {
	p, err := parseRequest([]string{"off"})
	require.NoError(t, err)
	assert.Equal(t, pkg.InactiveRequest, p)

	p, err = parseRequest([]string{"10000"})
	require.NoError(t, err)
	assert.True(t, p.Active)
	assert.False(t, p.IsBatching())

	p, err = parseRequest([]string{"10000", "60000"})
	require.NoError(t, err)
	assert.True(t, p.IsBatching())
	assert.Equal(t, AppName, p.WorkSource)

	for _, args := range [][]string{nil, {"0"}, {"abc"}, {"1000", "-5"}, {"1", "2", "3"}} {
		_, err := parseRequest(args)
		assert.Error(t, err, "args %v", args)
	}
}

func TestLimitQuery(t *testing.T) {
	q, err := limitQuery(nil)
	require.NoError(t, err)
	assert.Nil(t, q)

	q, err = limitQuery([]string{"5"})
	require.NoError(t, err)
	assert.Equal(t, "5", q.Get("limit"))

	_, err = limitQuery([]string{"none"})
	assert.Error(t, err)
}

func TestAPIClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-API-Key") != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"error":"unauthorized"}`))
			return
		}
		switch r.URL.Path {
		case "/api/location":
			w.Write([]byte(`{"latitude":59.5,"longitude":18.25,"accuracy_m":12,"bssid":"aa:bb:cc:dd:ee:01","time":"2024-05-01T12:00:00Z"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	ctx := context.Background()
	var loc pkg.Location
	require.NoError(t, newAPIClient(srv.URL+"/", "secret").call(ctx, http.MethodGet, "/api/location", nil, nil, &loc))
	assert.Equal(t, 59.5, loc.Latitude)

	err := newAPIClient(srv.URL, "wrong").call(ctx, http.MethodGet, "/api/location", nil, nil, &loc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unauthorized (HTTP 401)")

	err = newAPIClient(srv.URL, "secret").call(ctx, http.MethodGet, "/api/other", nil, nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 404")
}

func TestPrintLocation(t *testing.T) {
	var buf bytes.Buffer
	printLocation(&buf, pkg.Location{
		Latitude:       59.5,
		Longitude:      18.25,
		AccuracyMeters: 12,
		WallClock:      time.Now().Add(-2 * time.Minute),
		BSSID:          pkg.MustParseBSSID("aa:bb:cc:dd:ee:01"),
		SignalDBm:      -60,
	})
	out := buf.String()
	assert.Contains(t, out, "59.50000000")
	assert.Contains(t, out, "2 minutes ago")
	assert.Contains(t, out, "aa:bb:cc:dd:ee:01 at -60 dBm")
	assert.Contains(t, out, "openstreetmap.org/?mlat=59.500000&mlon=18.250000")
}

func TestPrintLookup(t *testing.T) {
	var buf bytes.Buffer
	bssid := pkg.MustParseBSSID("aa:bb:cc:dd:ee:01")
	printLookup(&buf, bssid, wps.Result{Outcome: wps.OutcomeNoFix, Reason: wps.ReasonSentinel}, 0)
	assert.Equal(t, "aa:bb:cc:dd:ee:01: no fix (sentinel_coordinates)\n", buf.String())

	buf.Reset()
	printLookup(&buf, bssid, wps.Result{
		Outcome: wps.OutcomeResolved,
		AccessPoint: pkg.ResolvedAccessPoint{
			BSSID:          bssid,
			LatitudeE8:     5950000000,
			LongitudeE8:    1825000000,
			AccuracyMeters: 50,
		},
	}, -60)
	out := buf.String()
	assert.Contains(t, out, "Accuracy:   50 m")
	assert.True(t, strings.Contains(out, "±44.0 m at -60 dBm"), out)
}
