package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/markus-lassfolk/netlocd/pkg"
	"github.com/markus-lassfolk/netlocd/pkg/api"
	"github.com/markus-lassfolk/netlocd/pkg/apdb"
	"github.com/markus-lassfolk/netlocd/pkg/history"
	"github.com/markus-lassfolk/netlocd/pkg/logx"
	"github.com/markus-lassfolk/netlocd/pkg/metrics"
	"github.com/markus-lassfolk/netlocd/pkg/mqtt"
	"github.com/markus-lassfolk/netlocd/pkg/netloc"
	"github.com/markus-lassfolk/netlocd/pkg/rpcd"
	"github.com/markus-lassfolk/netlocd/pkg/scan"
	"github.com/markus-lassfolk/netlocd/pkg/uci"
	"github.com/markus-lassfolk/netlocd/pkg/wps"
)

const (
	heartbeatInterval    = 10 * time.Second
	statusInterval       = time.Minute
	perfLogInterval      = 5 * time.Minute
	cleanupInterval      = 24 * time.Hour
	slowOperationWarning = 5 * time.Second
)

// HeartbeatData is written to the heartbeat file every heartbeatInterval
type HeartbeatData struct {
	Timestamp    string  `json:"ts"`
	UptimeS      int64   `json:"uptime_s"`
	Version      string  `json:"version"`
	State        string  `json:"state"`
	Available    bool    `json:"available"`
	LastLocation string  `json:"last_location_ts,omitempty"`
	MemMB        float64 `json:"mem_mb"`
	Goroutines   int     `json:"goroutines"`
}

// daemon holds every long-lived component
type daemon struct {
	logger    *logx.Logger
	clock     pkg.Clock
	perf      *logx.PerformanceLogger
	collector *metrics.Collector

	wpsClient    *wps.Client
	radio        *scan.UbusRadio
	provider     *netloc.Provider
	history      *history.Store
	observations *apdb.Database
	mqttClient   *mqtt.Client
	apiServer    *api.Server
	metricsSrv   *http.Server
	plugin       *rpcd.Plugin

	mu        sync.Mutex
	cfg       *uci.Config
	startTime time.Time

	// override is the request set through the API, nil means the
	// configured one
	override  *pkg.RequestPolicy
	available bool
	checked   bool
	wg        sync.WaitGroup
}

func newDaemon(cfg *uci.Config, logger *logx.Logger) (*daemon, error) {
	d := &daemon{
		logger:    logger,
		clock:     pkg.NewSystemClock(),
		perf:      logx.NewPerformanceLogger(logger, slowOperationWarning),
		cfg:       cfg,
		startTime: time.Now(),
	}

	collector, err := metrics.NewCollector(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics collector: %w", err)
	}
	d.collector = collector

	d.wpsClient = wps.NewClient(cfg.ServerValue(),
		wps.WithLogger(logger),
		wps.WithPerformanceLogger(d.perf),
	)

	scanner := scan.NewUbusScanner(cfg.ScanDevice, d.clock, logger)
	scanner.SetPerformanceLogger(d.perf)
	d.radio = scan.NewUbusRadio()

	pc := cfg.ProviderConfig()
	resolver := netloc.NewResolver(d.wpsClient, d.clock, pc.Backoff, logger)

	if cfg.ObservationsPath != "" {
		d.observations, err = apdb.Open(cfg.ObservationsConfig(), logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open observation log: %w", err)
		}
		resolver.SetRecorder(d.observations)
	}

	sinks := netloc.MultiSink{netloc.SinkFuncs{
		Single: d.logLocation,
		Batch:  d.logBatch,
	}}

	if cfg.HistoryPath != "" {
		d.history, err = history.Open(cfg.HistoryConfig(), logger)
		if err != nil {
			d.closeStores()
			return nil, fmt.Errorf("failed to open location history: %w", err)
		}
		sinks = append(sinks, d.history)
	}

	d.mqttClient = mqtt.NewClient(cfg.MQTTClientConfig(), logger)
	sinks = append(sinks, d.mqttClient)

	d.provider = netloc.NewProvider(scanner, resolver, sinks, d.clock, logger, pc)
	d.provider.SetMetrics(collector)
	d.provider.SetAvailability(d.availability(cfg))

	d.apiServer = api.NewServer(requestControl{Provider: d.provider, d: d}, &api.ServerConfig{
		Listen:  cfg.APIListen,
		AuthKey: cfg.APIToken,
	}, logger)
	if d.history != nil {
		d.apiServer.SetHistory(d.history)
	}
	if d.observations != nil {
		d.apiServer.SetObservations(d.observations)
	}

	return d, nil
}

func (d *daemon) availability(cfg *uci.Config) netloc.Availability {
	return netloc.Availability{
		Enabled:             cfg.Enable,
		Server:              cfg.ServerValue(),
		Radio:               d.radio,
		ScanAlwaysAvailable: cfg.ScanAlwaysAvailable,
	}
}

func (d *daemon) start(ctx context.Context) error {
	if err := d.mqttClient.Connect(); err != nil {
		// paho keeps retrying in the background
		d.logger.Warn("MQTT connect failed, will retry", "error", err)
	}

	if err := d.apiServer.Start(); err != nil {
		return err
	}
	if err := d.startMetricsServer(); err != nil {
		return err
	}

	if d.cfg.RPCDPlugin != "" {
		d.plugin = rpcd.NewPlugin(rpcd.Config{
			Path:    d.cfg.RPCDPlugin,
			APIURL:  "http://" + d.cfg.APIListen,
			AuthKey: d.cfg.APIToken,
		}, d.logger)
		if err := d.plugin.Install(ctx); err != nil {
			d.logger.Warn("Failed to install rpcd plugin, ubus interface unavailable", "error", err)
			d.plugin = nil
		}
	}

	d.applyRequest(ctx, true)

	d.wg.Add(1)
	go d.maintenanceLoop(ctx)
	return nil
}

func (d *daemon) startMetricsServer() error {
	d.mu.Lock()
	listen := d.cfg.MetricsListen
	d.mu.Unlock()
	if listen == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", d.collector.Handler())
	d.metricsSrv = &http.Server{
		Addr:              listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	d.logger.Info("Starting metrics server", "address", listen)
	go func() {
		if err := d.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			d.logger.Error("Metrics server failed", "error", err)
		}
	}()
	return nil
}

// requestControl is the provider as seen by the API. Requests set through
// it replace the configured request until the next reload.
type requestControl struct {
	*netloc.Provider
	d *daemon
}

func (c requestControl) SetRequest(policy pkg.RequestPolicy) {
	c.d.setOverride(policy)
}

func (d *daemon) setOverride(policy pkg.RequestPolicy) {
	d.mu.Lock()
	d.override = &policy
	available := d.available
	d.mu.Unlock()

	if policy.Active && !available {
		d.logger.Warn("Location provider unavailable, request applies once it is available",
			"interval_ms", policy.IntervalMillis,
			"work_source", policy.WorkSource,
		)
		return
	}
	d.provider.SetRequest(policy)
}

// desiredRequest returns the API override if set, else the configured
// request. Callers hold d.mu.
func (d *daemon) desiredRequest() pkg.RequestPolicy {
	if d.override != nil {
		return *d.override
	}
	return d.cfg.RequestPolicy()
}

// applyRequest follows availability changes: the desired request is
// installed when the provider becomes available and stopped when it stops
// being available. force installs it regardless of the previous state.
func (d *daemon) applyRequest(ctx context.Context, force bool) {
	available := d.provider.Available(ctx)

	d.mu.Lock()
	changed := !d.checked || available != d.available
	d.available, d.checked = available, true
	policy := d.desiredRequest()
	d.mu.Unlock()

	if !changed && !force {
		return
	}
	if !available {
		if d.provider.Request().Active {
			d.logger.Warn("Location provider unavailable, stopping")
		}
		d.provider.Stop()
		return
	}
	if d.provider.Request() == policy {
		return
	}
	d.provider.SetRequest(policy)
}

// reload applies a new configuration and drops any request set through the
// API. Storage paths and listen addresses only change on restart.
func (d *daemon) reload(ctx context.Context, cfg *uci.Config) {
	d.mu.Lock()
	old := d.cfg
	d.cfg = cfg
	d.override = nil
	d.mu.Unlock()

	d.logger.SetLevel(cfg.LogLevel)
	d.wpsClient.SetServer(cfg.ServerValue())
	d.provider.SetAvailability(d.availability(cfg))

	if old.HistoryPath != cfg.HistoryPath || old.ObservationsPath != cfg.ObservationsPath ||
		old.APIListen != cfg.APIListen || old.MetricsListen != cfg.MetricsListen || old.MQTT != cfg.MQTT ||
		old.RPCDPlugin != cfg.RPCDPlugin {
		d.logger.Warn("Some settings only take effect after a restart")
	}

	// restart with an empty cache, entries may come from the old server
	d.provider.Stop()
	d.applyRequest(ctx, true)

	d.logger.Info("Configuration reloaded",
		"server", cfg.Server,
		"enable", cfg.Enable,
		"interval_ms", cfg.IntervalMS,
		"max_update_delay_ms", cfg.MaxUpdateDelayMS,
	)
}

func (d *daemon) maintenanceLoop(ctx context.Context) {
	defer d.wg.Done()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()
	status := time.NewTicker(statusInterval)
	defer status.Stop()
	perfLog := time.NewTicker(perfLogInterval)
	defer perfLog.Stop()
	cleanup := time.NewTicker(cleanupInterval)
	defer cleanup.Stop()

	d.cleanupObservations(ctx)

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("Maintenance loop stopped")
			return
		case <-heartbeat.C:
			d.applyRequest(ctx, false)
			d.writeHeartbeat(ctx)
		case <-status.C:
			if err := d.mqttClient.PublishStatus(d.provider.Status()); err != nil {
				d.logger.Warn("Failed to publish status", "error", err)
			}
		case <-perfLog.C:
			d.perf.LogMetrics()
		case <-cleanup.C:
			d.cleanupObservations(ctx)
		}
	}
}

func (d *daemon) cleanupObservations(ctx context.Context) {
	if d.observations == nil {
		return
	}
	if _, err := d.observations.Cleanup(ctx); err != nil {
		d.logger.Warn("Observation cleanup failed", "error", err)
	}
}

// writeHeartbeat writes the heartbeat file atomically
func (d *daemon) writeHeartbeat(ctx context.Context) {
	d.mu.Lock()
	path := d.cfg.HeartbeatPath
	d.mu.Unlock()
	if path == "" {
		return
	}

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	st := d.provider.Status()
	hb := HeartbeatData{
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		UptimeS:    int64(time.Since(d.startTime).Seconds()),
		Version:    AppVersion,
		State:      string(st.State),
		Available:  d.provider.Available(ctx),
		MemMB:      float64(memStats.Alloc) / 1024 / 1024,
		Goroutines: runtime.NumGoroutine(),
	}
	if st.LastLocation != nil {
		hb.LastLocation = st.LastLocation.WallClock.UTC().Format(time.RFC3339)
	}

	data, err := json.Marshal(hb)
	if err != nil {
		d.logger.Error("Failed to marshal heartbeat data", "error", err)
		return
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "netlocd-heartbeat-*.tmp")
	if err != nil {
		d.logger.Error("Failed to create temporary file", "error", err)
		return
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		d.logger.Error("Failed to write heartbeat file", "error", err, "file", tmp.Name())
		return
	}
	tmp.Close()

	if err := os.Rename(tmp.Name(), path); err != nil {
		d.logger.Error("Failed to rename heartbeat file", "error", err, "to", path)
		return
	}
	d.logger.Trace("Heartbeat written", "file", path, "uptime_s", hb.UptimeS, "state", hb.State)
}

func (d *daemon) logLocation(ctx context.Context, loc pkg.Location) error {
	d.logger.Info("Location emitted",
		"latitude", loc.Latitude,
		"longitude", loc.Longitude,
		"accuracy_m", loc.AccuracyMeters,
		"bssid", loc.BSSID.String(),
		"signal", loc.SignalDBm,
		"age", humanize.Time(loc.WallClock),
	)
	return nil
}

func (d *daemon) logBatch(ctx context.Context, locs []pkg.Location) error {
	if len(locs) == 0 {
		return nil
	}
	d.logger.Info("Location batch emitted",
		"count", len(locs),
		"oldest", humanize.Time(locs[0].WallClock),
		"newest", humanize.Time(locs[len(locs)-1].WallClock),
	)
	return nil
}

// shutdown flushes pending locations and closes everything in reverse
// order of construction
func (d *daemon) shutdown(ctx context.Context) {
	if err := d.provider.Flush(ctx); err != nil {
		d.logger.Warn("Final flush failed", "error", err)
	}
	d.provider.Stop()
	d.wg.Wait()

	if err := d.apiServer.Shutdown(ctx); err != nil {
		d.logger.Warn("API server shutdown failed", "error", err)
	}
	if d.metricsSrv != nil {
		if err := d.metricsSrv.Shutdown(ctx); err != nil {
			d.logger.Warn("Metrics server shutdown failed", "error", err)
		}
	}
	if d.plugin != nil {
		if err := d.plugin.Remove(ctx); err != nil {
			d.logger.Warn("Failed to remove rpcd plugin", "error", err)
		}
	}
	d.mqttClient.Disconnect()
	d.perf.LogMetrics()
	d.closeStores()
}

func (d *daemon) closeStores() {
	if d.history != nil {
		if err := d.history.Close(); err != nil {
			d.logger.Warn("Failed to close location history", "error", err)
		}
	}
	if d.observations != nil {
		if err := d.observations.Close(); err != nil {
			d.logger.Warn("Failed to close observation log", "error", err)
		}
	}
}
