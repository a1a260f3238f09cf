// Package scan triggers Wi-Fi scans on the router radios and reports the
// visible access points.
package scan

import (
	"context"
	"fmt"
	"os/exec"

	"github.com/markus-lassfolk/netlocd/pkg"
)

// Band is a bitmask of frequency bands to keep from a scan
type Band int

const (
	Band24GHz Band = 1 << iota
	Band5GHz
	Band6GHz

	BandAll = Band24GHz | Band5GHz | Band6GHz
)

// Contains reports whether a frequency in MHz falls into one of the bands.
// Unknown frequencies are only kept for BandAll.
func (b Band) Contains(freqMHz int) bool {
	switch {
	case freqMHz >= 2400 && freqMHz < 2500:
		return b&Band24GHz != 0
	case freqMHz >= 5150 && freqMHz < 5925:
		return b&Band5GHz != 0
	case freqMHz >= 5925 && freqMHz < 7125:
		return b&Band6GHz != 0
	default:
		return b == BandAll
	}
}

// Mode trades scan latency against completeness
type Mode string

const (
	ModeLowLatency   Mode = "low_latency"
	ModeHighAccuracy Mode = "high_accuracy"
)

// Request describes one scan
type Request struct {
	Bands Band
	Mode  Mode
	// WorkSource attributes the scan to the requesting client
	WorkSource string
}

// DefaultRequest is the scan issued by the location provider
func DefaultRequest(workSource string) Request {
	return Request{Bands: BandAll, Mode: ModeLowLatency, WorkSource: workSource}
}

// Failure reasons
const (
	ReasonCommand        = "command_failed"
	ReasonInvalidResults = "invalid_results"
	ReasonBusy           = "busy"
)

// FailedError reports a scan that produced no result batch
type FailedError struct {
	Reason      string
	Description string
}

func (e *FailedError) Error() string {
	if e.Description == "" {
		return fmt.Sprintf("wifi scan failed: %s", e.Reason)
	}
	return fmt.Sprintf("wifi scan failed: %s: %s", e.Reason, e.Description)
}

// Scanner runs a scan and returns the observed access points in the order
// the radio reported them
type Scanner interface {
	Scan(ctx context.Context, req Request) ([]pkg.ObservedAccessPoint, error)
}

// Radio reports whether scanning is possible
type Radio interface {
	Enabled(ctx context.Context) (bool, error)
}

// CommandRunner runs an external command and returns its stdout
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}
