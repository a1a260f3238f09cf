package scan

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/markus-lassfolk/netlocd/pkg"
	"github.com/markus-lassfolk/netlocd/pkg/logx"
)

// UbusAccessPoint is one entry of `ubus call iwinfo scan`
type UbusAccessPoint struct {
	SSID      string `json:"ssid"`
	BSSID     string `json:"bssid"`
	Channel   int    `json:"channel"`
	Signal    int    `json:"signal"` // dBm (negative)
	Frequency int    `json:"frequency"`
	Quality   int    `json:"quality,omitempty"`
}

// UbusScanResult is the iwinfo scan reply
type UbusScanResult struct {
	Results []UbusAccessPoint `json:"results"`
}

// UbusScanner scans through RUTOS/OpenWrt's built-in iwinfo
type UbusScanner struct {
	device string
	clock  pkg.Clock
	logger *logx.Logger
	perf   *logx.PerformanceLogger
	run    CommandRunner
}

// NewUbusScanner creates a scanner for a wireless device such as "wlan0"
func NewUbusScanner(device string, clock pkg.Clock, logger *logx.Logger) *UbusScanner {
	if logger == nil {
		logger = logx.NewNopLogger()
	}
	return &UbusScanner{
		device: device,
		clock:  clock,
		logger: logger,
		run:    execRunner,
	}
}

// SetRunner replaces the command runner
func (s *UbusScanner) SetRunner(run CommandRunner) {
	s.run = run
}

// SetPerformanceLogger records scan timings
func (s *UbusScanner) SetPerformanceLogger(perf *logx.PerformanceLogger) {
	s.perf = perf
}

func ubusTimeout(mode Mode) string {
	if mode == ModeHighAccuracy {
		return "30"
	}
	return "15"
}

// Scan performs `ubus call iwinfo scan` and converts the reply
func (s *UbusScanner) Scan(ctx context.Context, req Request) ([]pkg.ObservedAccessPoint, error) {
	if req.Bands == 0 {
		req.Bands = BandAll
	}

	s.logger.Debug("Starting wifi scan",
		"device", s.device,
		"mode", string(req.Mode),
		"work_source", req.WorkSource,
	)

	op := s.perf.StartOperation("wifi_scan")
	output, err := s.run(ctx, "ubus", "-S", "-t", ubusTimeout(req.Mode), "call", "iwinfo", "scan",
		fmt.Sprintf(`{"device":"%s"}`, s.device))
	if err != nil {
		op.Complete(err)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &FailedError{Reason: ReasonCommand, Description: err.Error()}
	}

	result, err := s.decode(output)
	op.Complete(err)
	if err != nil {
		return nil, err
	}

	observedAt := s.clock.Elapsed()
	observed := make([]pkg.ObservedAccessPoint, 0, len(result.Results))
	for _, ap := range result.Results {
		bssid, err := pkg.ParseBSSID(ap.BSSID)
		if err != nil {
			s.logger.Debug("Skipping scan entry with invalid bssid", "bssid", ap.BSSID)
			continue
		}
		if !req.Bands.Contains(ap.Frequency) {
			continue
		}
		observed = append(observed, pkg.ObservedAccessPoint{
			BSSID:      bssid,
			SSID:       ap.SSID,
			SignalDBm:  ap.Signal,
			Frequency:  ap.Frequency,
			ObservedAt: observedAt,
		})
	}

	s.logger.Debug("Wifi scan completed",
		"device", s.device,
		"aps_found", len(result.Results),
		"aps_kept", len(observed),
	)
	return observed, nil
}

// decode reads exactly one result batch. Any further batch in the output is
// logged and ignored.
func (s *UbusScanner) decode(output []byte) (*UbusScanResult, error) {
	dec := json.NewDecoder(bytes.NewReader(output))

	var result UbusScanResult
	if err := dec.Decode(&result); err != nil {
		return nil, &FailedError{Reason: ReasonInvalidResults, Description: err.Error()}
	}

	extra := 0
	for {
		var ignored json.RawMessage
		err := dec.Decode(&ignored)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			s.logger.Warn("Trailing garbage after scan results", "device", s.device, "error", err)
			break
		}
		extra++
	}
	if extra > 0 {
		s.logger.Warn("Ignoring unexpected extra scan result batches",
			"device", s.device,
			"extra_batches", extra,
		)
	}
	return &result, nil
}

// UbusRadio checks radio state through `ubus call network.wireless status`
type UbusRadio struct {
	run CommandRunner
}

// NewUbusRadio creates a radio probe
func NewUbusRadio() *UbusRadio {
	return &UbusRadio{run: execRunner}
}

// SetRunner replaces the command runner
func (r *UbusRadio) SetRunner(run CommandRunner) {
	r.run = run
}

type wirelessRadio struct {
	Up       bool `json:"up"`
	Disabled bool `json:"disabled"`
}

// Enabled reports whether at least one radio is up and not disabled
func (r *UbusRadio) Enabled(ctx context.Context) (bool, error) {
	output, err := r.run(ctx, "ubus", "-S", "-t", "5", "call", "network.wireless", "status")
	if err != nil {
		return false, fmt.Errorf("failed to query wireless status: %w", err)
	}

	var radios map[string]wirelessRadio
	if err := json.Unmarshal(output, &radios); err != nil {
		return false, fmt.Errorf("failed to parse wireless status: %w", err)
	}
	for _, radio := range radios {
		if radio.Up && !radio.Disabled {
			return true, nil
		}
	}
	return false, nil
}
