package database

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/cornellpepper/CuWatch-server/internal/config"
)

// NewPostgresDB opens a PostgreSQL connection pool.
func NewPostgresDB(cfg *config.DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.GetDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if cfg.MaxConns > 0 {
		db.SetMaxOpenConns(cfg.MaxConns)
	}
	if cfg.MaxIdle > 0 {
		db.SetMaxIdleConns(cfg.MaxIdle)
	}

	return db, nil
}

// WaitReady pings the database with a fixed backoff until it responds or
// maxWait elapses. The store being unreachable at startup is fatal for the
// caller; mid-stream failures are handled per message.
func WaitReady(db *sql.DB, maxWait time.Duration) error {
	deadline := time.Now().Add(maxWait)
	for {
		err := db.Ping()
		if err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("database not ready after %s: %w", maxWait, err)
		}
		time.Sleep(2 * time.Second)
	}
}

// InitSchema creates the telemetry tables if they do not exist yet.
func InitSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS devices (
			id TEXT PRIMARY KEY,
			last_seen TIMESTAMPTZ,
			online BOOLEAN DEFAULT FALSE,
			device_number INTEGER,
			meta TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS samples (
			id BIGSERIAL PRIMARY KEY,
			device_id TEXT NOT NULL,
			ts TIMESTAMPTZ NOT NULL,
			device_number INTEGER NOT NULL,
			muon_count INTEGER NOT NULL,
			adc_v INTEGER NOT NULL,
			temp_adc_v INTEGER NOT NULL,
			dt INTEGER NOT NULL,
			wait_cnt INTEGER NOT NULL,
			coincidence BOOLEAN NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_samples_device_ts ON samples (device_id, ts)`,
		`CREATE TABLE IF NOT EXISTS runs (
			id BIGSERIAL PRIMARY KEY,
			device_id TEXT NOT NULL,
			base_ts TIMESTAMPTZ NOT NULL,
			run_key TEXT,
			meta TEXT,
			UNIQUE (device_id, base_ts)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_device_base ON runs (device_id, base_ts)`,
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to init schema: %w", err)
		}
	}
	return nil
}

// Close closes the connection pool.
func Close(db *sql.DB) error {
	if db != nil {
		return db.Close()
	}
	return nil
}
