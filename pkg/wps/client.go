package wps

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/markus-lassfolk/netlocd/pkg"
	"github.com/markus-lassfolk/netlocd/pkg/logx"
)

// Server selects which positioning endpoint is queried
type Server string

const (
	ServerDisabled   Server = "disabled"
	ServerApple      Server = "apple"
	ServerGrapheneOS Server = "grapheneos"
)

const (
	AppleEndpoint      = "https://gs-loc.apple.com/clls/wloc"
	GrapheneOSEndpoint = "https://gs-loc.apple.grapheneos.org/clls/wloc"

	// ContentType is what the service expects even though the body is binary
	ContentType = "application/x-www-form-urlencoded"

	maxResponseBytes = 1 << 20
)

// ErrNoEndpoint is returned when no positioning server is selected. It is a
// configuration problem and must not be retried.
var ErrNoEndpoint = errors.New("no positioning server selected")

// ParseServer validates a configured server value
func ParseServer(value string) (Server, error) {
	switch s := Server(strings.ToLower(strings.TrimSpace(value))); s {
	case ServerDisabled, ServerApple, ServerGrapheneOS:
		return s, nil
	default:
		return "", fmt.Errorf("%w: unknown positioning server %q", ErrNoEndpoint, value)
	}
}

// Endpoint returns the lookup URL for a server
func Endpoint(server Server) (string, error) {
	switch server {
	case ServerApple:
		return AppleEndpoint, nil
	case ServerGrapheneOS:
		return GrapheneOSEndpoint, nil
	default:
		return "", fmt.Errorf("%w (server=%q)", ErrNoEndpoint, string(server))
	}
}

// ErrorKind classifies failed lookups
type ErrorKind string

const (
	KindTransport  ErrorKind = "transport"
	KindHTTPStatus ErrorKind = "http_status"
	KindParse      ErrorKind = "parse"
)

// QueryError is a transient lookup failure. The caller backs off and moves
// on to the next candidate.
type QueryError struct {
	Kind       ErrorKind
	BSSID      pkg.BSSID
	StatusCode int
	Err        error
}

func (e *QueryError) Error() string {
	if e.Kind == KindHTTPStatus {
		return fmt.Sprintf("positioning lookup for %s failed: HTTP %d", e.BSSID, e.StatusCode)
	}
	return fmt.Sprintf("positioning lookup for %s failed (%s): %v", e.BSSID, e.Kind, e.Err)
}

func (e *QueryError) Unwrap() error {
	return e.Err
}

// Doer sends HTTP requests; *http.Client satisfies it
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client queries the Wi-Fi positioning service one access point at a time
type Client struct {
	doer     Doer
	logger   *logx.Logger
	perf     *logx.PerformanceLogger
	endpoint string // overrides server selection when set

	mu     sync.RWMutex
	server Server
}

// Option configures a Client
type Option func(*Client)

// WithHTTPClient sets the transport used for lookups
func WithHTTPClient(doer Doer) Option {
	return func(c *Client) { c.doer = doer }
}

// WithEndpoint forces a fixed lookup URL regardless of the selected server
func WithEndpoint(url string) Option {
	return func(c *Client) { c.endpoint = url }
}

// WithLogger sets the logger
func WithLogger(logger *logx.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithPerformanceLogger records lookup timings
func WithPerformanceLogger(perf *logx.PerformanceLogger) Option {
	return func(c *Client) { c.perf = perf }
}

// NewClient creates a positioning client for the given server
func NewClient(server Server, opts ...Option) *Client {
	c := &Client{
		server: server,
		doer:   &http.Client{Timeout: 30 * time.Second},
		logger: logx.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetServer switches the positioning server; it applies to the next lookup
func (c *Client) SetServer(server Server) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.server = server
}

// Server returns the selected positioning server
func (c *Client) Server() Server {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.server
}

func (c *Client) url() (string, error) {
	if c.endpoint != "" {
		return c.endpoint, nil
	}
	return Endpoint(c.Server())
}

// Lookup queries the position of a single access point.
// Errors are ErrNoEndpoint (wrapped), a *QueryError, or the context error.
func (c *Client) Lookup(ctx context.Context, bssid pkg.BSSID) (Result, error) {
	url, err := c.url()
	if err != nil {
		return Result{}, err
	}

	op := c.perf.StartOperation("wps_lookup")
	result, err := c.lookup(ctx, url, bssid)
	op.Complete(err)

	if err != nil {
		var qe *QueryError
		if errors.As(err, &qe) {
			c.logger.Warn("Positioning lookup failed",
				"bssid", bssid.String(),
				"kind", string(qe.Kind),
				"status", qe.StatusCode,
				"error", err,
			)
		}
		return Result{}, err
	}

	c.logger.Debug("Positioning lookup completed",
		"bssid", bssid.String(),
		"outcome", result.Outcome.String(),
		"reason", result.Reason,
	)
	return result, nil
}

func (c *Client) lookup(ctx context.Context, url string, bssid pkg.BSSID) (Result, error) {
	payload, err := EncodeRequest(bssid)
	if err != nil {
		return Result{}, &QueryError{Kind: KindParse, BSSID: bssid, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return Result{}, &QueryError{Kind: KindTransport, BSSID: bssid, Err: err}
	}
	req.Header.Set("Content-Type", ContentType)

	resp, err := c.doer.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		return Result{}, &QueryError{Kind: KindTransport, BSSID: bssid, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
		return Result{}, &QueryError{Kind: KindHTTPStatus, BSSID: bssid, StatusCode: resp.StatusCode}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		return Result{}, &QueryError{Kind: KindTransport, BSSID: bssid, StatusCode: resp.StatusCode, Err: err}
	}

	result, err := DecodeResponse(bssid, data)
	if err != nil {
		return Result{}, &QueryError{Kind: KindParse, BSSID: bssid, StatusCode: resp.StatusCode, Err: err}
	}
	return result, nil
}
