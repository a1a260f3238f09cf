package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/markus-lassfolk/netlocd/pkg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openStore(t *testing.T, max int) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "nested", "history.db")
	s, err := Open(&Config{Path: path, MaxEntries: max}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, path
}

func loc(lat float64) pkg.Location {
	return pkg.Location{
		ElapsedNanos:   time.Second,
		WallClock:      time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		Latitude:       lat,
		Longitude:      18.0,
		AccuracyMeters: 30,
		Complete:       true,
		BSSID:          pkg.MustParseBSSID("aa:bb:cc:dd:ee:01"),
		SignalDBm:      -60,
	}
}

func TestAppendAndRecent(t *testing.T) {
	s, _ := openStore(t, 10)
	ctx := context.Background()

	require.NoError(t, s.ReportLocation(ctx, loc(1)))
	require.NoError(t, s.ReportLocations(ctx, []pkg.Location{loc(2), loc(3)}))

	n, err := s.Len()
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	entries, err := s.Recent(0)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, 3.0, entries[0].Location.Latitude)
	assert.True(t, entries[0].Batched)
	assert.Equal(t, 1.0, entries[2].Location.Latitude)
	assert.False(t, entries[2].Batched)
	assert.Equal(t, pkg.MustParseBSSID("aa:bb:cc:dd:ee:01"), entries[2].Location.BSSID)

	entries, err = s.Recent(2)
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	last, err := s.LastWrite()
	require.NoError(t, err)
	assert.False(t, last.IsZero())
}

func TestTrimKeepsNewest(t *testing.T) {
	s, _ := openStore(t, 3)
	for i := 1; i <= 5; i++ {
		require.NoError(t, s.Append(false, loc(float64(i))))
	}

	entries, err := s.Recent(0)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, 5.0, entries[0].Location.Latitude)
	assert.Equal(t, 3.0, entries[2].Location.Latitude)
}

func TestCapHoldsAcrossManyAppends(t *testing.T) {
	s, _ := openStore(t, 10)
	for i := 1; i <= 100; i++ {
		require.NoError(t, s.Append(false, loc(float64(i))))
	}
	n, err := s.Len()
	require.NoError(t, err)
	assert.Equal(t, 10, n)

	require.NoError(t, s.Append(true, loc(101), loc(102), loc(103), loc(104), loc(105),
		loc(106), loc(107), loc(108), loc(109), loc(110), loc(111), loc(112)))
	entries, err := s.Recent(0)
	require.NoError(t, err)
	require.Len(t, entries, 10)
	assert.Equal(t, 112.0, entries[0].Location.Latitude)
	assert.Equal(t, 103.0, entries[9].Location.Latitude)
}

func TestEmptyAppendIsNoop(t *testing.T) {
	s, _ := openStore(t, 3)
	require.NoError(t, s.ReportLocations(context.Background(), nil))

	n, err := s.Len()
	require.NoError(t, err)
	assert.Zero(t, n)

	last, err := s.LastWrite()
	require.NoError(t, err)
	assert.True(t, last.IsZero())
}

func TestReopenPreservesEntries(t *testing.T) {
	s, path := openStore(t, 10)
	require.NoError(t, s.Append(false, loc(1), loc(2)))
	require.NoError(t, s.Close())

	s2, err := Open(&Config{Path: path, MaxEntries: 10}, nil)
	require.NoError(t, err)
	defer s2.Close()

	require.NoError(t, s2.Append(false, loc(3)))
	entries, err := s2.Recent(0)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Greater(t, entries[0].Sequence, entries[1].Sequence)
}
