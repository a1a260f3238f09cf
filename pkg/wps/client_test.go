package wps

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/markus-lassfolk/netlocd/pkg"
	"github.com/markus-lassfolk/netlocd/pkg/logx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEndpoint(t *testing.T) {
	url, err := Endpoint(ServerApple)
	require.NoError(t, err)
	assert.Equal(t, "https://gs-loc.apple.com/clls/wloc", url)

	url, err = Endpoint(ServerGrapheneOS)
	require.NoError(t, err)
	assert.Equal(t, "https://gs-loc.apple.grapheneos.org/clls/wloc", url)

	_, err = Endpoint(ServerDisabled)
	assert.ErrorIs(t, err, ErrNoEndpoint)

	_, err = Endpoint(Server("mozilla"))
	assert.ErrorIs(t, err, ErrNoEndpoint)
}

func TestParseServer(t *testing.T) {
	s, err := ParseServer(" Apple ")
	require.NoError(t, err)
	assert.Equal(t, ServerApple, s)

	_, err = ParseServer("mls")
	assert.ErrorIs(t, err, ErrNoEndpoint)
	assert.Contains(t, err.Error(), `"mls"`)
}

func TestClientLookupResolved(t *testing.T) {
	bssid := pkg.MustParseBSSID("aa:bb:cc:dd:ee:01")
	want, err := EncodeRequest(bssid)
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, ContentType, r.Header.Get("Content-Type"))
		body, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		assert.Equal(t, want, body)

		resp, err := EncodeResponse(ResponseEntry{
			BSSID:          "aa:bb:cc:dd:ee:1",
			LatitudeE8:     5933000000,
			LongitudeE8:    1806000000,
			AccuracyMeters: 25,
		})
		assert.NoError(t, err)
		_, _ = w.Write(resp)
	}))
	defer srv.Close()

	perf := logx.NewPerformanceLogger(logx.NewNopLogger(), 0)
	client := NewClient(ServerApple, WithEndpoint(srv.URL), WithHTTPClient(srv.Client()), WithPerformanceLogger(perf))

	result, err := client.Lookup(context.Background(), bssid)
	require.NoError(t, err)
	require.True(t, result.Resolved())
	assert.Equal(t, int64(5933000000), result.AccessPoint.LatitudeE8)
	assert.Equal(t, int64(25), result.AccessPoint.AccuracyMeters)

	metric := perf.GetMetric("wps_lookup")
	require.NotNil(t, metric)
	assert.Equal(t, int64(1), metric.Count)
}

func TestClientLookupNoFix(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp, _ := EncodeResponse(ResponseEntry{
			BSSID:       "aa:bb:cc:dd:ee:1",
			LatitudeE8:  NoFixCoordinate,
			LongitudeE8: NoFixCoordinate,
		})
		_, _ = w.Write(resp)
	}))
	defer srv.Close()

	client := NewClient(ServerApple, WithEndpoint(srv.URL))
	result, err := client.Lookup(context.Background(), pkg.MustParseBSSID("aa:bb:cc:dd:ee:01"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoFix, result.Outcome)
}

func TestClientLookupHTTPStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client := NewClient(ServerApple, WithEndpoint(srv.URL))
	_, err := client.Lookup(context.Background(), pkg.MustParseBSSID("aa:bb:cc:dd:ee:01"))

	var qe *QueryError
	require.True(t, errors.As(err, &qe))
	assert.Equal(t, KindHTTPStatus, qe.Kind)
	assert.Equal(t, http.StatusServiceUnavailable, qe.StatusCode)
	assert.Contains(t, err.Error(), "HTTP 503")
}

func TestClientLookupParseError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte{0, 1})
	}))
	defer srv.Close()

	client := NewClient(ServerApple, WithEndpoint(srv.URL))
	_, err := client.Lookup(context.Background(), pkg.MustParseBSSID("aa:bb:cc:dd:ee:01"))

	var qe *QueryError
	require.True(t, errors.As(err, &qe))
	assert.Equal(t, KindParse, qe.Kind)
}

type failingDoer struct{}

func (failingDoer) Do(*http.Request) (*http.Response, error) {
	return nil, errors.New("connection refused")
}

func TestClientLookupTransportError(t *testing.T) {
	client := NewClient(ServerGrapheneOS, WithHTTPClient(failingDoer{}))
	_, err := client.Lookup(context.Background(), pkg.MustParseBSSID("aa:bb:cc:dd:ee:01"))

	var qe *QueryError
	require.True(t, errors.As(err, &qe))
	assert.Equal(t, KindTransport, qe.Kind)
	assert.Equal(t, pkg.MustParseBSSID("aa:bb:cc:dd:ee:01"), qe.BSSID)
}

func TestClientLookupNoEndpoint(t *testing.T) {
	client := NewClient(ServerDisabled, WithHTTPClient(failingDoer{}))
	_, err := client.Lookup(context.Background(), pkg.MustParseBSSID("aa:bb:cc:dd:ee:01"))
	assert.ErrorIs(t, err, ErrNoEndpoint)

	var qe *QueryError
	assert.False(t, errors.As(err, &qe), "a missing endpoint is not a transient failure")
}

func TestClientSetServer(t *testing.T) {
	client := NewClient(ServerDisabled)
	client.SetServer(ServerGrapheneOS)
	assert.Equal(t, ServerGrapheneOS, client.Server())
}

func TestClientLookupCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	client := NewClient(ServerApple, WithEndpoint(srv.URL))
	_, err := client.Lookup(ctx, pkg.MustParseBSSID("aa:bb:cc:dd:ee:01"))
	assert.ErrorIs(t, err, context.Canceled)
}
