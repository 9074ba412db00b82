package db

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrDuplicate    = errors.New("duplicate record")
	ErrDatabaseInit = errors.New("database initialization failed")
)

// DB represents the database connection.
type DB struct {
	conn *sql.DB
}

// New creates a new database connection and initializes the schema.
func New(dbPath string) (*DB, error) {
	// Ensure the directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("%w: failed to create directory: %w", ErrDatabaseInit, err)
	}

	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open database: %w", ErrDatabaseInit, err)
	}

	// A single writer keeps single-row read-modify-write atomic for the sync
	// engine and the API handlers sharing this store.
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(0)
	conn.SetConnMaxIdleTime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous=NORMAL",
	}

	for _, pragma := range pragmas {
		if _, err := conn.Exec(pragma); err != nil {
			conn.Close()
			return nil, fmt.Errorf("%w: failed to set pragma: %w", ErrDatabaseInit, err)
		}
	}

	db := &DB{conn: conn}

	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, err
	}

	// File may not exist yet in WAL mode; permissions are best effort.
	_ = os.Chmod(dbPath, 0600)

	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}

// Conn returns the underlying database connection.
func (db *DB) Conn() *sql.DB {
	return db.conn
}

// schema lists the migrations in order. PRAGMA user_version records how
// many have been applied; append new steps, never edit old ones.
var schema = [][]string{
	{
		`CREATE TABLE calendars (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			color INTEGER NOT NULL DEFAULT 0,
			provider_type TEXT NOT NULL,
			account_email TEXT NOT NULL DEFAULT '',
			is_visible INTEGER NOT NULL DEFAULT 1,
			is_read_only INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX idx_calendars_provider ON calendars(provider_type)`,

		`CREATE TABLE events (
			id TEXT PRIMARY KEY,
			remote_id TEXT,
			remote_href TEXT,
			calendar_id TEXT NOT NULL REFERENCES calendars(id) ON DELETE CASCADE,
			provider_type TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			location TEXT NOT NULL DEFAULT '',
			start_time DATETIME NOT NULL,
			end_time DATETIME NOT NULL,
			all_day INTEGER NOT NULL DEFAULT 0,
			recurrence_rule TEXT NOT NULL DEFAULT '',
			etag TEXT,
			needs_sync INTEGER NOT NULL DEFAULT 0,
			is_deleted INTEGER NOT NULL DEFAULT 0,
			last_synced_at DATETIME,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(provider_type, calendar_id, remote_id)
		)`,
		`CREATE INDEX idx_events_calendar ON events(calendar_id)`,
		`CREATE INDEX idx_events_pending ON events(provider_type, needs_sync, is_deleted)`,
		`CREATE INDEX idx_events_start ON events(start_time)`,

		`CREATE TABLE sync_tokens (
			provider_type TEXT NOT NULL,
			calendar_id TEXT NOT NULL,
			token TEXT NOT NULL,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (provider_type, calendar_id)
		)`,

		`CREATE TABLE settings (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE TABLE sync_logs (
			id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			message TEXT,
			details TEXT,
			providers TEXT NOT NULL DEFAULT '',
			duration_ms INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX idx_sync_logs_created_at ON sync_logs(created_at DESC)`,
	},
	{
		`ALTER TABLE sync_logs ADD COLUMN calendars_synced INTEGER NOT NULL DEFAULT 0`,
		`ALTER TABLE sync_logs ADD COLUMN events_downloaded INTEGER NOT NULL DEFAULT 0`,
		`ALTER TABLE sync_logs ADD COLUMN events_inserted INTEGER NOT NULL DEFAULT 0`,
		`ALTER TABLE sync_logs ADD COLUMN events_updated INTEGER NOT NULL DEFAULT 0`,
		`ALTER TABLE sync_logs ADD COLUMN events_deleted INTEGER NOT NULL DEFAULT 0`,
		`ALTER TABLE sync_logs ADD COLUMN events_uploaded INTEGER NOT NULL DEFAULT 0`,
		`ALTER TABLE sync_logs ADD COLUMN remote_deleted INTEGER NOT NULL DEFAULT 0`,
		`ALTER TABLE sync_logs ADD COLUMN error_count INTEGER NOT NULL DEFAULT 0`,
	},
	{
		`ALTER TABLE events ADD COLUMN revision INTEGER NOT NULL DEFAULT 0`,
		`ALTER TABLE events ADD COLUMN exdates TEXT NOT NULL DEFAULT ''`,
		`ALTER TABLE events ADD COLUMN raw_ical TEXT NOT NULL DEFAULT ''`,
	},
}

// migrate applies every schema step newer than the stored user_version, one
// transaction per step.
func (db *DB) migrate() error {
	var version int
	if err := db.conn.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("%w: failed to read schema version: %w", ErrDatabaseInit, err)
	}

	for v := version; v < len(schema); v++ {
		tx, err := db.conn.Begin()
		if err != nil {
			return fmt.Errorf("%w: failed to begin migration %d: %w", ErrDatabaseInit, v+1, err)
		}
		for _, stmt := range schema[v] {
			if _, err := tx.Exec(stmt); err != nil {
				tx.Rollback()
				return fmt.Errorf("%w: migration %d failed: %w", ErrDatabaseInit, v+1, err)
			}
		}
		// PRAGMA does not take bind parameters
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", v+1)); err != nil {
			tx.Rollback()
			return fmt.Errorf("%w: failed to record schema version: %w", ErrDatabaseInit, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("%w: failed to commit migration %d: %w", ErrDatabaseInit, v+1, err)
		}
	}

	return nil
}

// SchemaVersion returns the number of applied schema steps.
func (db *DB) SchemaVersion() (int, error) {
	var version int
	err := db.conn.QueryRow("PRAGMA user_version").Scan(&version)
	return version, err
}

// isUniqueViolation reports whether err is a UNIQUE constraint failure.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// Ping checks the database connection.
func (db *DB) Ping() error {
	return db.conn.Ping()
}

// dbTime normalizes a time for storage. Second precision in UTC keeps the
// stored text lexically ordered so range queries can compare it directly.
func dbTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Second)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil || t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: dbTime(*t), Valid: true}
}

func checkAffected(result sql.Result) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}
