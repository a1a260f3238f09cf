package wps

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/markus-lassfolk/netlocd/pkg"
	"google.golang.org/protobuf/encoding/protodelim"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/dynamicpb"
)

// NoFixCoordinate is the fixed-point coordinate the service returns for an
// access point it has no position for
const NoFixCoordinate int64 = -18000000000

const (
	// RequestHeaderLen is the size of the fixed request preamble
	RequestHeaderLen = 15
	// ResponseHeaderLen is the opaque prefix skipped on responses
	ResponseHeaderLen = 10
)

// requestHeaderFields are written as big-endian uint16 values, followed by a
// single zero byte
var requestHeaderFields = [7]uint16{1, 0, 0, 0, 0, 1, 0}

// Outcome classifies a decoded lookup response
type Outcome int

const (
	// OutcomeNoFix means the service has no usable position for the BSSID
	OutcomeNoFix Outcome = iota
	// OutcomeResolved means the response carried a usable position
	OutcomeResolved
)

func (o Outcome) String() string {
	switch o {
	case OutcomeResolved:
		return "resolved"
	case OutcomeNoFix:
		return "no_fix"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// NoFix reasons
const (
	ReasonNoAccessPoint     = "no_access_point"
	ReasonBSSIDMismatch     = "bssid_mismatch"
	ReasonNoPositioningInfo = "no_positioning_info"
	ReasonSentinel          = "sentinel_coordinates"
)

// Result is the classified outcome of one lookup
type Result struct {
	Outcome     Outcome
	AccessPoint pkg.ResolvedAccessPoint
	// Reason explains a NoFix outcome
	Reason string
}

// Resolved reports whether the result carries a usable position
func (r Result) Resolved() bool {
	return r.Outcome == OutcomeResolved
}

// RequestHeader returns the fixed 15-byte request preamble
func RequestHeader() []byte {
	header := make([]byte, 0, RequestHeaderLen)
	for _, field := range requestHeaderFields {
		header = binary.BigEndian.AppendUint16(header, field)
	}
	return append(header, 0)
}

// EncodeRequest builds the request body for a single access point: the fixed
// header followed by a length-delimited Body with one AccessPoint whose only
// field is the BSSID.
func EncodeRequest(bssid pkg.BSSID) ([]byte, error) {
	s, err := loadSchema()
	if err != nil {
		return nil, err
	}

	body := dynamicpb.NewMessage(s.body)
	list := body.Mutable(s.accessPoints).List()
	entry := list.NewElement()
	entry.Message().Set(s.bssid, protoreflect.ValueOfString(bssid.String()))
	list.Append(entry)

	var buf bytes.Buffer
	buf.Write(RequestHeader())
	if _, err := protodelim.MarshalTo(&buf, body); err != nil {
		return nil, fmt.Errorf("failed to marshal request body: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeResponse parses a response body for the given query BSSID and
// classifies it. Only malformed payloads return an error; a well-formed
// response without a usable position is OutcomeNoFix.
func DecodeResponse(query pkg.BSSID, data []byte) (Result, error) {
	if len(data) < ResponseHeaderLen {
		return Result{}, fmt.Errorf("response too short: %d bytes", len(data))
	}

	s, err := loadSchema()
	if err != nil {
		return Result{}, err
	}

	body := dynamicpb.NewMessage(s.body)
	if err := proto.Unmarshal(data[ResponseHeaderLen:], body); err != nil {
		return Result{}, fmt.Errorf("failed to unmarshal response body: %w", err)
	}

	list := body.Get(s.accessPoints).List()
	if list.Len() == 0 {
		return Result{Outcome: OutcomeNoFix, Reason: ReasonNoAccessPoint}, nil
	}

	// only the first entry is considered
	entry := list.Get(0).Message()
	returned, err := pkg.ParseBSSID(entry.Get(s.bssid).String())
	if err != nil || returned != query {
		return Result{Outcome: OutcomeNoFix, Reason: ReasonBSSIDMismatch}, nil
	}

	if !entry.Has(s.positioningInfo) {
		return Result{Outcome: OutcomeNoFix, Reason: ReasonNoPositioningInfo}, nil
	}
	info := entry.Get(s.positioningInfo).Message()
	lat := info.Get(s.latitude).Int()
	lon := info.Get(s.longitude).Int()
	if lat == NoFixCoordinate || lon == NoFixCoordinate {
		return Result{Outcome: OutcomeNoFix, Reason: ReasonSentinel}, nil
	}

	return Result{
		Outcome: OutcomeResolved,
		AccessPoint: pkg.ResolvedAccessPoint{
			BSSID:          query,
			LatitudeE8:     lat,
			LongitudeE8:    lon,
			AccuracyMeters: info.Get(s.accuracy).Int(),
		},
	}, nil
}

// ResponseEntry describes one access point for EncodeResponse
type ResponseEntry struct {
	BSSID          string
	LatitudeE8     int64
	LongitudeE8    int64
	AccuracyMeters int64
	// OmitPosition leaves positioning_info unset
	OmitPosition bool
}

// EncodeResponse builds a service-shaped response: an opaque 10-byte header
// followed by a Body. Used by tests and the local lookup simulator.
func EncodeResponse(entries ...ResponseEntry) ([]byte, error) {
	s, err := loadSchema()
	if err != nil {
		return nil, err
	}

	body := dynamicpb.NewMessage(s.body)
	list := body.Mutable(s.accessPoints).List()
	for _, e := range entries {
		item := list.NewElement()
		msg := item.Message()
		msg.Set(s.bssid, protoreflect.ValueOfString(e.BSSID))
		if !e.OmitPosition {
			info := msg.Mutable(s.positioningInfo).Message()
			info.Set(s.latitude, protoreflect.ValueOfInt64(e.LatitudeE8))
			info.Set(s.longitude, protoreflect.ValueOfInt64(e.LongitudeE8))
			info.Set(s.accuracy, protoreflect.ValueOfInt64(e.AccuracyMeters))
		}
		list.Append(item)
	}

	payload, err := proto.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal response body: %w", err)
	}
	return append(make([]byte, ResponseHeaderLen), payload...), nil
}
