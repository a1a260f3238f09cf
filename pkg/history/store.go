// Package history keeps a bounded on-disk log of emitted locations.
package history

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/markus-lassfolk/netlocd/pkg"
	"github.com/markus-lassfolk/netlocd/pkg/logx"
	bolt "go.etcd.io/bbolt"
)

// Bucket names for bbolt database
const (
	LocationsBucket = "locations"
	MetadataBucket  = "metadata"
)

var lastWriteKey = []byte("last_write")

// Config holds history store configuration
type Config struct {
	Path       string `json:"path"`
	MaxEntries int    `json:"max_entries"`
}

// DefaultConfig returns default history configuration
func DefaultConfig() *Config {
	return &Config{
		Path:       "/overlay/netloc/history.db",
		MaxEntries: 1000,
	}
}

// Entry is one stored location
type Entry struct {
	Sequence   uint64       `json:"sequence"`
	RecordedAt time.Time    `json:"recorded_at"`
	Batched    bool         `json:"batched"`
	Location   pkg.Location `json:"location"`
}

// Store is a bbolt-backed location history. It implements netloc.Sink.
type Store struct {
	logger *logx.Logger
	config *Config
	db     *bolt.DB
	mu     sync.Mutex
}

// Open opens or creates the history database
func Open(config *Config, logger *logx.Logger) (*Store, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.MaxEntries <= 0 {
		config.MaxEntries = DefaultConfig().MaxEntries
	}
	if logger == nil {
		logger = logx.NewNopLogger()
	}

	if err := os.MkdirAll(filepath.Dir(config.Path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create history directory: %w", err)
	}

	db, err := bolt.Open(config.Path, 0o600, &bolt.Options{
		Timeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}

	s := &Store{logger: logger, config: config, db: db}
	if err := s.initializeBuckets(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize history buckets: %w", err)
	}

	n, _ := s.Len()
	logger.Info("Location history opened",
		"path", config.Path,
		"max_entries", config.MaxEntries,
		"existing_entries", n,
	)
	return s, nil
}

func (s *Store) initializeBuckets() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range []string{LocationsBucket, MetadataBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(bucket)); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

// ReportLocation stores a single location
func (s *Store) ReportLocation(ctx context.Context, loc pkg.Location) error {
	return s.Append(false, loc)
}

// ReportLocations stores a batch of locations
func (s *Store) ReportLocations(ctx context.Context, locs []pkg.Location) error {
	return s.Append(true, locs...)
}

// Append stores locations in order and trims the oldest entries beyond
// MaxEntries
func (s *Store) Append(batched bool, locs ...pkg.Location) error {
	if len(locs) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(LocationsBucket))
		for _, loc := range locs {
			seq, err := bucket.NextSequence()
			if err != nil {
				return err
			}
			data, err := json.Marshal(Entry{Sequence: seq, RecordedAt: now, Batched: batched, Location: loc})
			if err != nil {
				return fmt.Errorf("failed to marshal location: %w", err)
			}
			if err := bucket.Put(sequenceKey(seq), data); err != nil {
				return err
			}
		}

		if err := trim(bucket, s.config.MaxEntries); err != nil {
			return err
		}

		stamp, _ := now.MarshalBinary()
		return tx.Bucket([]byte(MetadataBucket)).Put(lastWriteKey, stamp)
	})
	if err != nil {
		return fmt.Errorf("failed to store locations: %w", err)
	}

	s.logger.LogDebugVerbose("history_append", map[string]interface{}{
		"count":   len(locs),
		"batched": batched,
	})
	return nil
}

// trim deletes the oldest entries until at most max remain. Keys are
// collected first, deleting under a live cursor skips entries.
func trim(bucket *bolt.Bucket, max int) error {
	if max <= 0 {
		return nil
	}
	var keys [][]byte
	kept := 0
	c := bucket.Cursor()
	for k, _ := c.Last(); k != nil; k, _ = c.Prev() {
		if kept < max {
			kept++
			continue
		}
		keys = append(keys, append([]byte(nil), k...))
	}
	for _, k := range keys {
		if err := bucket.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

// Recent returns up to limit entries, newest first. limit <= 0 returns all.
func (s *Store) Recent(limit int) ([]Entry, error) {
	var out []Entry
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(LocationsBucket)).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(out) >= limit {
				break
			}
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("failed to unmarshal entry %d: %w", binary.BigEndian.Uint64(k), err)
			}
			out = append(out, e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Len returns the number of stored entries
func (s *Store) Len() (int, error) {
	n := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket([]byte(LocationsBucket)).Stats().KeyN
		return nil
	})
	return n, err
}

// LastWrite returns when the history was last appended to
func (s *Store) LastWrite() (time.Time, error) {
	var t time.Time
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket([]byte(MetadataBucket)).Get(lastWriteKey)
		if data == nil {
			return nil
		}
		return t.UnmarshalBinary(data)
	})
	return t, err
}

func sequenceKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}
