package pkg

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// BSSID is the 6-byte hardware address of a Wi-Fi access point
type BSSID [6]byte

// ParseBSSID parses a hardware address in colon or dash notation.
// Octets may be written with one or two hex digits since the positioning
// service strips leading zeros ("0:1a:2:..." is accepted).
func ParseBSSID(s string) (BSSID, error) {
	var b BSSID
	s = strings.TrimSpace(s)
	sep := ":"
	if strings.Contains(s, "-") {
		sep = "-"
	}
	parts := strings.Split(s, sep)
	if len(parts) != len(b) {
		return BSSID{}, fmt.Errorf("invalid BSSID %q: want 6 octets, got %d", s, len(parts))
	}
	for i, part := range parts {
		if len(part) == 0 || len(part) > 2 {
			return BSSID{}, fmt.Errorf("invalid BSSID %q: bad octet %q", s, part)
		}
		v, err := strconv.ParseUint(part, 16, 8)
		if err != nil {
			return BSSID{}, fmt.Errorf("invalid BSSID %q: %w", s, err)
		}
		b[i] = byte(v)
	}
	return b, nil
}

// MustParseBSSID is like ParseBSSID but panics on error
func MustParseBSSID(s string) BSSID {
	b, err := ParseBSSID(s)
	if err != nil {
		panic(err)
	}
	return b
}

// String renders the address as lowercase, zero-padded, colon-separated hex
func (b BSSID) String() string {
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", b[0], b[1], b[2], b[3], b[4], b[5])
}

// MarshalJSON implements json.Marshaler
func (b BSSID) MarshalJSON() ([]byte, error) {
	return json.Marshal(b.String())
}

// UnmarshalJSON implements json.Unmarshaler
func (b *BSSID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseBSSID(s)
	if err != nil {
		return err
	}
	*b = parsed
	return nil
}

// ObservedAccessPoint is a single scan result. It only lives for the
// resolution cycle that produced it.
type ObservedAccessPoint struct {
	BSSID     BSSID  `json:"bssid"`
	SSID      string `json:"ssid,omitempty"`
	SignalDBm int    `json:"signal_dbm"`
	Frequency int    `json:"frequency_mhz,omitempty"`
	// ObservedAt is the monotonic time of the observation, measured from the
	// daemon clock origin.
	ObservedAt time.Duration `json:"observed_at_ns"`
}

// Fixed-point scale of coordinates on the wire (1e-8 degrees)
const CoordinateScale = 1e-8

// ResolvedAccessPoint is the stored position of an access point as returned
// by the positioning service. Immutable once created.
type ResolvedAccessPoint struct {
	BSSID          BSSID `json:"bssid"`
	LatitudeE8     int64 `json:"latitude_e8"`
	LongitudeE8    int64 `json:"longitude_e8"`
	AccuracyMeters int64 `json:"accuracy_m"`
}

// Latitude returns the latitude in degrees
func (r ResolvedAccessPoint) Latitude() float64 {
	return float64(r.LatitudeE8) * CoordinateScale
}

// Longitude returns the longitude in degrees
func (r ResolvedAccessPoint) Longitude() float64 {
	return float64(r.LongitudeE8) * CoordinateScale
}

// RequestPolicy is the caller's location request
type RequestPolicy struct {
	Active               bool   `json:"active"`
	IntervalMillis       int64  `json:"interval_ms"`
	MaxUpdateDelayMillis int64  `json:"max_update_delay_ms"`
	WorkSource           string `json:"work_source,omitempty"`
}

// InactiveRequest is the empty request installed on stop
var InactiveRequest = RequestPolicy{}

// IsBatching reports whether emitted locations should be accumulated
func (p RequestPolicy) IsBatching() bool {
	if !p.Active {
		return false
	}
	return p.MaxUpdateDelayMillis >= p.IntervalMillis*2
}

// Interval returns the requested update interval
func (p RequestPolicy) Interval() time.Duration {
	return time.Duration(p.IntervalMillis) * time.Millisecond
}

// MaxUpdateDelay returns the maximum batching delay
func (p RequestPolicy) MaxUpdateDelay() time.Duration {
	return time.Duration(p.MaxUpdateDelayMillis) * time.Millisecond
}

// BatchSize returns how many locations fill a batch
func (p RequestPolicy) BatchSize() int {
	if p.IntervalMillis <= 0 {
		return 1
	}
	return int(p.MaxUpdateDelayMillis / p.IntervalMillis)
}

// Location is a position estimate produced for one scan cycle.
// Incomplete locations carry no coordinates and are never emitted.
type Location struct {
	ElapsedNanos   time.Duration `json:"elapsed_ns"`
	WallClock      time.Time     `json:"time"`
	Latitude       float64       `json:"latitude"`
	Longitude      float64       `json:"longitude"`
	AccuracyMeters float64       `json:"accuracy_m"`
	Complete       bool          `json:"complete"`
	BSSID          BSSID         `json:"bssid"`
	SignalDBm      int           `json:"signal_dbm"`
}

// WallClockMillis returns the wall-clock time in Unix milliseconds
func (l Location) WallClockMillis() int64 {
	return l.WallClock.UnixMilli()
}
