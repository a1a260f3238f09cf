package pkg

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseBSSID(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{"colon lowercase", "aa:bb:cc:dd:ee:ff", "aa:bb:cc:dd:ee:ff", false},
		{"colon uppercase", "AA:BB:CC:DD:EE:FF", "aa:bb:cc:dd:ee:ff", false},
		{"dash separated", "00-11-22-33-44-55", "00:11:22:33:44:55", false},
		{"stripped leading zeros", "0:1a:2:3b:4:c", "00:1a:02:3b:04:0c", false},
		{"too few octets", "aa:bb:cc", "", true},
		{"bad hex", "zz:bb:cc:dd:ee:ff", "", true},
		{"empty octet", "aa::cc:dd:ee:ff", "", true},
		{"octet too long", "aaa:bb:cc:dd:ee:ff", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseBSSID(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.String())
		})
	}
}

func TestBSSIDJSON(t *testing.T) {
	b := MustParseBSSID("0:1a:2:3b:4:c")

	data, err := json.Marshal(b)
	require.NoError(t, err)
	assert.Equal(t, `"00:1a:02:3b:04:0c"`, string(data))

	var decoded BSSID
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, b, decoded)
}

func TestRequestPolicyBatching(t *testing.T) {
	assert.False(t, RequestPolicy{Active: false, IntervalMillis: 1000, MaxUpdateDelayMillis: 5000}.IsBatching())
	assert.False(t, RequestPolicy{Active: true, IntervalMillis: 1000, MaxUpdateDelayMillis: 1999}.IsBatching())
	assert.True(t, RequestPolicy{Active: true, IntervalMillis: 1000, MaxUpdateDelayMillis: 2000}.IsBatching())
	assert.Equal(t, 5, RequestPolicy{Active: true, IntervalMillis: 1000, MaxUpdateDelayMillis: 5000}.BatchSize())
}

func TestResolvedAccessPointDegrees(t *testing.T) {
	ap := ResolvedAccessPoint{LatitudeE8: 5933000000, LongitudeE8: -1806500000}
	assert.InDelta(t, 59.33, ap.Latitude(), 1e-9)
	assert.InDelta(t, -18.065, ap.Longitude(), 1e-9)
}
