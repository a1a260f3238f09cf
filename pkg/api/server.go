// Package api serves the daemon's HTTP control and query interface.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/markus-lassfolk/netlocd/pkg"
	"github.com/markus-lassfolk/netlocd/pkg/apdb"
	"github.com/markus-lassfolk/netlocd/pkg/history"
	"github.com/markus-lassfolk/netlocd/pkg/logx"
	"github.com/markus-lassfolk/netlocd/pkg/netloc"
)

// DefaultHistoryLimit caps history and observation queries without a limit
const DefaultHistoryLimit = 100

// LocationProvider is the part of netloc.Provider the API drives
type LocationProvider interface {
	Status() netloc.Status
	LastLocation() (pkg.Location, bool)
	Request() pkg.RequestPolicy
	SetRequest(policy pkg.RequestPolicy)
	Flush(ctx context.Context) error
	Available(ctx context.Context) bool
}

// HistoryReader reads emitted locations
type HistoryReader interface {
	Recent(limit int) ([]history.Entry, error)
}

// ObservationReader reads the lookup log
type ObservationReader interface {
	Recent(ctx context.Context, limit int) ([]apdb.Observation, error)
	Statistics(ctx context.Context) (apdb.Stats, error)
}

// ServerConfig holds API server configuration
type ServerConfig struct {
	Listen  string `json:"listen"`
	AuthKey string `json:"auth_key"` // Optional authentication key
}

// StatusResponse is the body of GET /api/status
type StatusResponse struct {
	Status    netloc.Status `json:"status"`
	Available bool          `json:"available"`
	Uptime    string        `json:"uptime"`
	StartedAt time.Time     `json:"started_at"`
}

// FlushResponse is the body of POST /api/flush
type FlushResponse struct {
	Flushed bool `json:"flushed"`
	Pending int  `json:"pending"`
}

// ErrorResponse is the body of every failed request
type ErrorResponse struct {
	Error string `json:"error"`
}

// Server provides the netloc HTTP API
type Server struct {
	provider     LocationProvider
	history      HistoryReader
	observations ObservationReader
	config       *ServerConfig
	logger       *logx.Logger
	startTime    time.Time
	httpServer   *http.Server
}

// NewServer creates a new API server
func NewServer(provider LocationProvider, config *ServerConfig, logger *logx.Logger) *Server {
	if config == nil {
		config = &ServerConfig{}
	}
	if logger == nil {
		logger = logx.NewNopLogger()
	}
	return &Server{
		provider:  provider,
		config:    config,
		logger:    logger,
		startTime: time.Now(),
	}
}

// SetHistory enables GET /api/history
func (s *Server) SetHistory(h HistoryReader) {
	s.history = h
}

// SetObservations enables GET /api/observations
func (s *Server) SetObservations(o ObservationReader) {
	s.observations = o
}

// Handler returns the API routes
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/location", s.authMiddleware(s.handleLocation))
	mux.HandleFunc("GET /api/status", s.authMiddleware(s.handleStatus))
	mux.HandleFunc("GET /api/history", s.authMiddleware(s.handleHistory))
	mux.HandleFunc("GET /api/observations", s.authMiddleware(s.handleObservations))

	mux.HandleFunc("GET /api/request", s.authMiddleware(s.handleGetRequest))
	mux.HandleFunc("POST /api/request", s.authMiddleware(s.handleSetRequest))
	mux.HandleFunc("POST /api/flush", s.authMiddleware(s.handleFlush))

	return mux
}

// Start listens on the configured address and serves in the background.
// An empty address disables the server.
func (s *Server) Start() error {
	if s.config.Listen == "" {
		s.logger.Info("API server is disabled")
		return nil
	}

	ln, err := net.Listen("tcp", s.config.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Listen, err)
	}

	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.logger.Info("Starting API server", "address", ln.Addr().String())

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server failed", "error", err)
		}
	}()
	return nil
}

// Shutdown stops the server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// authMiddleware handles optional authentication for API endpoints
func (s *Server) authMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// If no auth key is configured, allow anonymous access
		if s.config.AuthKey == "" {
			next.ServeHTTP(w, r)
			return
		}

		authKey := r.URL.Query().Get("auth")
		if authKey == "" {
			authKey = r.Header.Get("X-API-Key")
		}

		if authKey != s.config.AuthKey {
			s.logger.Warn("Invalid authentication attempt", "remote_addr", r.RemoteAddr)
			s.writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}

		next.ServeHTTP(w, r)
	}
}

func (s *Server) handleLocation(w http.ResponseWriter, r *http.Request) {
	loc, ok := s.provider.LastLocation()
	if !ok {
		s.writeError(w, http.StatusNotFound, "no location available")
		return
	}
	s.writeJSON(w, http.StatusOK, loc)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, StatusResponse{
		Status:    s.provider.Status(),
		Available: s.provider.Available(r.Context()),
		Uptime:    time.Since(s.startTime).Round(time.Second).String(),
		StartedAt: s.startTime,
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		s.writeError(w, http.StatusServiceUnavailable, "location history is disabled")
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	entries, err := s.history.Recent(limit)
	if err != nil {
		s.logger.Error("Failed to read location history", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to read history")
		return
	}
	if entries == nil {
		entries = []history.Entry{}
	}
	s.writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleObservations(w http.ResponseWriter, r *http.Request) {
	if s.observations == nil {
		s.writeError(w, http.StatusServiceUnavailable, "observation log is disabled")
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	obs, err := s.observations.Recent(r.Context(), limit)
	if err != nil {
		s.logger.Error("Failed to read observations", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to read observations")
		return
	}
	stats, err := s.observations.Statistics(r.Context())
	if err != nil {
		s.logger.Error("Failed to read observation statistics", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to read observations")
		return
	}
	if obs == nil {
		obs = []apdb.Observation{}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"stats":        stats,
		"observations": obs,
	})
}

func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.provider.Request())
}

func (s *Server) handleSetRequest(w http.ResponseWriter, r *http.Request) {
	var policy pkg.RequestPolicy
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&policy); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if err := validatePolicy(policy); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.provider.SetRequest(policy)
	s.logger.Info("Location request updated via API",
		"active", policy.Active,
		"interval_ms", policy.IntervalMillis,
		"max_update_delay_ms", policy.MaxUpdateDelayMillis,
		"batching", policy.IsBatching(),
	)
	s.writeJSON(w, http.StatusOK, s.provider.Request())
}

func (s *Server) handleFlush(w http.ResponseWriter, r *http.Request) {
	if err := s.provider.Flush(r.Context()); err != nil {
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, FlushResponse{
		Flushed: true,
		Pending: s.provider.Status().PendingLocations,
	})
}

func validatePolicy(p pkg.RequestPolicy) error {
	if !p.Active {
		return nil
	}
	if p.IntervalMillis <= 0 {
		return fmt.Errorf("interval_ms must be positive for an active request")
	}
	if p.MaxUpdateDelayMillis < 0 {
		return fmt.Errorf("max_update_delay_ms must not be negative")
	}
	return nil
}

func parseLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return DefaultHistoryLimit, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return 0, fmt.Errorf("invalid limit %q", raw)
	}
	return limit, nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to encode API response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, ErrorResponse{Error: msg})
}
