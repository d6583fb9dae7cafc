package store

import (
	"database/sql"
	"fmt"
	"time"
)

// BackupRecord is one row of the backup index. The payload with the
// package list and configuration snapshot lives on disk at PayloadPath.
type BackupRecord struct {
	ID            int64
	CreatedAt     time.Time
	Label         string
	DriverFamily  string
	DriverVersion string
	FromRunfile   bool
	PayloadPath   string
}

// InsertBackup adds a record and enforces the retention cap. Records
// evicted to stay within MaxBackups are returned so the caller can
// remove their on-disk payloads. Insertion and eviction happen in one
// transaction so a crash never leaves the index over the cap.
func (s *Store) InsertBackup(rec *BackupRecord) (int64, []BackupRecord, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(`
		INSERT INTO backups (created_at, label, driver_family, driver_version, from_runfile, payload_path)
		VALUES (?, ?, ?, ?, ?, ?)`,
		rec.CreatedAt, rec.Label, rec.DriverFamily, rec.DriverVersion, rec.FromRunfile, rec.PayloadPath)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to insert backup: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, nil, fmt.Errorf("failed to get backup id: %w", err)
	}

	rows, err := tx.Query(`
		SELECT id, created_at, label, driver_family, driver_version, from_runfile, payload_path
		FROM backups
		ORDER BY created_at DESC, id DESC
		LIMIT -1 OFFSET ?`, MaxBackups)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to query evictions: %w", err)
	}
	var evicted []BackupRecord
	for rows.Next() {
		var r BackupRecord
		if err := rows.Scan(&r.ID, &r.CreatedAt, &r.Label, &r.DriverFamily, &r.DriverVersion, &r.FromRunfile, &r.PayloadPath); err != nil {
			rows.Close()
			return 0, nil, fmt.Errorf("failed to scan eviction: %w", err)
		}
		evicted = append(evicted, r)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, nil, fmt.Errorf("failed to iterate evictions: %w", err)
	}
	rows.Close()

	for _, r := range evicted {
		if _, err := tx.Exec("DELETE FROM backups WHERE id = ?", r.ID); err != nil {
			return 0, nil, fmt.Errorf("failed to evict backup %d: %w", r.ID, err)
		}
	}

	var count int
	if err := tx.QueryRow("SELECT COUNT(*) FROM backups").Scan(&count); err != nil {
		return 0, nil, fmt.Errorf("failed to count backups: %w", err)
	}
	if count > MaxBackups {
		return 0, nil, ErrRetention
	}

	if err := tx.Commit(); err != nil {
		return 0, nil, fmt.Errorf("failed to commit: %w", err)
	}
	return id, evicted, nil
}

// ListBackups returns all backup records, newest first.
func (s *Store) ListBackups() ([]BackupRecord, error) {
	rows, err := s.db.Query(`
		SELECT id, created_at, label, driver_family, driver_version, from_runfile, payload_path
		FROM backups
		ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list backups: %w", err)
	}
	defer rows.Close()

	var out []BackupRecord
	for rows.Next() {
		var r BackupRecord
		if err := rows.Scan(&r.ID, &r.CreatedAt, &r.Label, &r.DriverFamily, &r.DriverVersion, &r.FromRunfile, &r.PayloadPath); err != nil {
			return nil, fmt.Errorf("failed to scan backup: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetBackup returns a single record by id, or ErrNotFound.
func (s *Store) GetBackup(id int64) (*BackupRecord, error) {
	var r BackupRecord
	err := s.db.QueryRow(`
		SELECT id, created_at, label, driver_family, driver_version, from_runfile, payload_path
		FROM backups WHERE id = ?`, id).
		Scan(&r.ID, &r.CreatedAt, &r.Label, &r.DriverFamily, &r.DriverVersion, &r.FromRunfile, &r.PayloadPath)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get backup %d: %w", id, err)
	}
	return &r, nil
}

// DeleteBackup removes a record by id.
func (s *Store) DeleteBackup(id int64) error {
	res, err := s.db.Exec("DELETE FROM backups WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete backup %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
