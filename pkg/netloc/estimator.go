package netloc

import (
	"math"
	"time"

	"github.com/markus-lassfolk/netlocd/pkg"
)

// Log-distance path loss model parameters. Transmit power and RSSI share
// the same arbitrary scale.
const (
	assumedTransmitPower  = 30.0
	referenceDistance     = 1.0
	referenceRSSI         = -30.0
	pathLossExponent      = 3.0
	confidenceScale       = 0.68
	pathLossAtReferenceDB = assumedTransmitPower - referenceRSSI
)

// EstimateDistance returns the approximate distance in meters between the
// device and an access point observed at rssi dBm
func EstimateDistance(rssi int) float64 {
	pathLoss := assumedTransmitPower - float64(rssi)
	return referenceDistance * math.Pow(10, (pathLoss-pathLossAtReferenceDB)/(10*pathLossExponent))
}

// EstimateAccuracy returns the accuracy radius for a location derived from
// ap observed at rssi dBm
func EstimateAccuracy(ap pkg.ResolvedAccessPoint, rssi int) float64 {
	return float64(ap.AccuracyMeters)*confidenceScale + EstimateDistance(rssi)
}

// WallClockAt maps a monotonic timestamp onto wall-clock time using the
// current offset between the two clocks
func WallClockAt(clock pkg.Clock, monotonic time.Duration) time.Time {
	return clock.Now().Add(monotonic - clock.Elapsed())
}

// Estimate turns the cycle's resolved pair into a location. A nil pair gives
// an incomplete location, which callers must drop.
func Estimate(clock pkg.Clock, pair *Pair) pkg.Location {
	if pair == nil {
		return pkg.Location{Complete: false}
	}

	stored := pair.Resolved
	return pkg.Location{
		ElapsedNanos:   pair.Observed.ObservedAt,
		WallClock:      WallClockAt(clock, pair.Observed.ObservedAt),
		Latitude:       stored.Latitude(),
		Longitude:      stored.Longitude(),
		AccuracyMeters: EstimateAccuracy(stored, pair.Observed.SignalDBm),
		Complete:       true,
		BSSID:          stored.BSSID,
		SignalDBm:      pair.Observed.SignalDBm,
	}
}
