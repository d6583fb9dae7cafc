// Package store provides the sqlite-backed index for backups and
// installation history.
package store

import (
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"
)

// MaxBackups is the retention cap on backup records. Inserting beyond
// the cap evicts the oldest records inside the same transaction.
const MaxBackups = 10

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// ErrRetention reports a backup index holding more than MaxBackups
// records after eviction. It cannot happen while insert and eviction
// share one transaction; seeing it means the index is corrupt.
var ErrRetention = errors.New("backup retention cap violated")

const schema = `
CREATE TABLE IF NOT EXISTS backups (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	created_at     TIMESTAMP NOT NULL,
	label          TEXT NOT NULL,
	driver_family  TEXT NOT NULL,
	driver_version TEXT NOT NULL,
	from_runfile   INTEGER NOT NULL DEFAULT 0,
	payload_path   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_backups_created ON backups(created_at);

CREATE TABLE IF NOT EXISTS history (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	backup_id    INTEGER,
	strategy     TEXT NOT NULL,
	started_at   TIMESTAMP NOT NULL,
	finished_at  TIMESTAMP,
	outcome      TEXT NOT NULL,
	error_report TEXT NOT NULL DEFAULT ''
);
`

// Store provides sqlite database operations for nvman.
type Store struct {
	db *sql.DB
}

// New opens (creating if needed) the database at dbPath. Use ":memory:"
// for tests.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite allows a single writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
