// Package apdb keeps a local SQLite log of access point lookups.
package apdb

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/markus-lassfolk/netlocd/pkg"
	"github.com/markus-lassfolk/netlocd/pkg/logx"
	"github.com/markus-lassfolk/netlocd/pkg/netloc"
)

// Config holds observation database configuration
type Config struct {
	DatabasePath    string `json:"database_path"`
	MaxObservations int    `json:"max_observations"`
	RetentionDays   int    `json:"retention_days"`
}

// DefaultConfig returns default observation database configuration
func DefaultConfig() *Config {
	return &Config{
		DatabasePath:    "/overlay/netloc/observations.db",
		MaxObservations: 10000,
		RetentionDays:   30,
	}
}

// Observation is one stored lookup
type Observation struct {
	ID             int64     `json:"id"`
	Timestamp      time.Time `json:"timestamp"`
	BSSID          pkg.BSSID `json:"bssid"`
	SignalDBm      int       `json:"signal_dbm"`
	Outcome        string    `json:"outcome"`
	Reason         string    `json:"reason,omitempty"`
	LatitudeE8     int64     `json:"latitude_e8"`
	LongitudeE8    int64     `json:"longitude_e8"`
	AccuracyMeters int64     `json:"accuracy_m"`
}

// Stats summarizes the database contents
type Stats struct {
	Total        int `json:"total"`
	Resolved     int `json:"resolved"`
	NoFix        int `json:"no_fix"`
	Errors       int `json:"errors"`
	UniqueBSSIDs int `json:"unique_bssids"`
}

// Database records lookup outcomes. It implements netloc.LookupRecorder.
type Database struct {
	db     *sql.DB
	logger *logx.Logger
	config *Config
}

// Open opens or creates the observation database
func Open(config *Config, logger *logx.Logger) (*Database, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = logx.NewNopLogger()
	}

	dir := filepath.Dir(config.DatabasePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", config.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// sqlite allows a single writer
	db.SetMaxOpenConns(1)

	d := &Database{db: db, logger: logger, config: config}
	if err := d.initializeDatabase(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	logger.Info("observation_database_initialized",
		"database_path", config.DatabasePath,
		"max_observations", config.MaxObservations,
		"retention_days", config.RetentionDays,
	)
	return d, nil
}

func (d *Database) initializeDatabase() error {
	createTableSQL := `
	CREATE TABLE IF NOT EXISTS ap_observations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp DATETIME NOT NULL,
		bssid TEXT NOT NULL,
		signal_dbm INTEGER NOT NULL,
		outcome TEXT NOT NULL,
		reason TEXT,
		latitude_e8 INTEGER,
		longitude_e8 INTEGER,
		accuracy_m INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_ap_observations_timestamp ON ap_observations(timestamp);
	CREATE INDEX IF NOT EXISTS idx_ap_observations_bssid ON ap_observations(bssid);
	`

	_, err := d.db.Exec(createTableSQL)
	return err
}

// Close closes the database
func (d *Database) Close() error {
	return d.db.Close()
}

// RecordLookup stores one lookup record
func (d *Database) RecordLookup(ctx context.Context, rec netloc.LookupRecord) error {
	at := rec.At
	if at.IsZero() {
		at = time.Now()
	}

	insertSQL := `
	INSERT INTO ap_observations (
		timestamp, bssid, signal_dbm, outcome, reason,
		latitude_e8, longitude_e8, accuracy_m
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := d.db.ExecContext(ctx, insertSQL,
		at.UTC(), rec.BSSID.String(), rec.SignalDBm, rec.Outcome, rec.Reason,
		rec.LatitudeE8, rec.LongitudeE8, rec.AccuracyMeters,
	)
	if err != nil {
		return fmt.Errorf("failed to store observation: %w", err)
	}

	d.logger.LogDebugVerbose("ap_observation_stored", map[string]interface{}{
		"bssid":   rec.BSSID.String(),
		"outcome": rec.Outcome,
	})

	if err := d.enforceLimit(ctx); err != nil {
		d.logger.Warn("Failed to trim observations", "error", err)
	}
	return nil
}

// Recent returns up to limit observations, newest first
func (d *Database) Recent(ctx context.Context, limit int) ([]Observation, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
	SELECT id, timestamp, bssid, signal_dbm, outcome, reason,
		   latitude_e8, longitude_e8, accuracy_m
	FROM ap_observations
	ORDER BY id DESC
	LIMIT ?
	`
	return d.query(ctx, query, limit)
}

// ForBSSID returns the observations of one access point, newest first
func (d *Database) ForBSSID(ctx context.Context, bssid pkg.BSSID, limit int) ([]Observation, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
	SELECT id, timestamp, bssid, signal_dbm, outcome, reason,
		   latitude_e8, longitude_e8, accuracy_m
	FROM ap_observations
	WHERE bssid = ?
	ORDER BY id DESC
	LIMIT ?
	`
	return d.query(ctx, query, bssid.String(), limit)
}

func (d *Database) query(ctx context.Context, query string, args ...interface{}) ([]Observation, error) {
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var observations []Observation
	for rows.Next() {
		var (
			obs    Observation
			bssid  string
			reason sql.NullString
		)
		err := rows.Scan(
			&obs.ID, &obs.Timestamp, &bssid, &obs.SignalDBm, &obs.Outcome, &reason,
			&obs.LatitudeE8, &obs.LongitudeE8, &obs.AccuracyMeters,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan observation: %w", err)
		}
		if obs.BSSID, err = pkg.ParseBSSID(bssid); err != nil {
			d.logger.Warn("Skipping observation with invalid BSSID", "id", obs.ID, "bssid", bssid)
			continue
		}
		obs.Reason = reason.String
		observations = append(observations, obs)
	}
	return observations, rows.Err()
}

// Statistics returns database statistics
func (d *Database) Statistics(ctx context.Context) (Stats, error) {
	var s Stats
	row := d.db.QueryRowContext(ctx, `
	SELECT COUNT(*),
		   COALESCE(SUM(CASE WHEN outcome = 'resolved' THEN 1 ELSE 0 END), 0),
		   COALESCE(SUM(CASE WHEN outcome = 'no_fix' THEN 1 ELSE 0 END), 0),
		   COALESCE(SUM(CASE WHEN outcome = 'error' THEN 1 ELSE 0 END), 0),
		   COUNT(DISTINCT bssid)
	FROM ap_observations
	`)
	if err := row.Scan(&s.Total, &s.Resolved, &s.NoFix, &s.Errors, &s.UniqueBSSIDs); err != nil {
		return Stats{}, err
	}
	return s, nil
}

// Cleanup deletes observations older than the retention period
func (d *Database) Cleanup(ctx context.Context) (int64, error) {
	if d.config.RetentionDays <= 0 {
		return 0, nil
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -d.config.RetentionDays)
	result, err := d.db.ExecContext(ctx, "DELETE FROM ap_observations WHERE timestamp < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to clean up observations: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		d.logger.Info("observations_cleaned_up", "deleted", n, "retention_days", d.config.RetentionDays)
	}
	return n, nil
}

// enforceLimit drops the oldest rows beyond MaxObservations
func (d *Database) enforceLimit(ctx context.Context) error {
	if d.config.MaxObservations <= 0 {
		return nil
	}
	_, err := d.db.ExecContext(ctx, `
	DELETE FROM ap_observations
	WHERE id <= (SELECT id FROM ap_observations ORDER BY id DESC LIMIT 1 OFFSET ?)
	`, d.config.MaxObservations)
	return err
}
