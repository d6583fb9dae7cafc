package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Outcomes recorded for a history entry.
const (
	OutcomeSucceeded         = "succeeded"
	OutcomeFailed            = "failed"
	OutcomeDeferredPending   = "deferred-pending"
	OutcomeDeferredCompleted = "deferred-completed"
	OutcomeCancelled         = "cancelled"
)

// HistoryEntry records one installation attempt.
type HistoryEntry struct {
	ID          int64
	BackupID    int64 // 0 when no backup was taken
	Strategy    string
	StartedAt   time.Time
	FinishedAt  time.Time
	Outcome     string
	ErrorReport string // path of the error report, empty on success
}

// AppendHistory inserts a history entry and returns its id.
func (s *Store) AppendHistory(e *HistoryEntry) (int64, error) {
	var backupID sql.NullInt64
	if e.BackupID != 0 {
		backupID = sql.NullInt64{Int64: e.BackupID, Valid: true}
	}
	res, err := s.db.Exec(`
		INSERT INTO history (backup_id, strategy, started_at, finished_at, outcome, error_report)
		VALUES (?, ?, ?, ?, ?, ?)`,
		backupID, e.Strategy, e.StartedAt, e.FinishedAt, e.Outcome, e.ErrorReport)
	if err != nil {
		return 0, fmt.Errorf("failed to append history: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get history id: %w", err)
	}
	return id, nil
}

// ListHistory returns the most recent entries, newest first. limit <= 0
// returns everything.
func (s *Store) ListHistory(limit int) ([]HistoryEntry, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.Query(`
		SELECT id, backup_id, strategy, started_at, finished_at, outcome, error_report
		FROM history
		ORDER BY started_at DESC, id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list history: %w", err)
	}
	defer rows.Close()

	var out []HistoryEntry
	for rows.Next() {
		var e HistoryEntry
		var backupID sql.NullInt64
		if err := rows.Scan(&e.ID, &backupID, &e.Strategy, &e.StartedAt, &e.FinishedAt, &e.Outcome, &e.ErrorReport); err != nil {
			return nil, fmt.Errorf("failed to scan history: %w", err)
		}
		e.BackupID = backupID.Int64
		out = append(out, e)
	}
	return out, rows.Err()
}

// LastPendingDeferred returns the most recent entry with a
// deferred-pending outcome, or ErrNotFound.
func (s *Store) LastPendingDeferred() (*HistoryEntry, error) {
	var e HistoryEntry
	var backupID sql.NullInt64
	err := s.db.QueryRow(`
		SELECT id, backup_id, strategy, started_at, finished_at, outcome, error_report
		FROM history
		WHERE outcome = ?
		ORDER BY started_at DESC, id DESC
		LIMIT 1`, OutcomeDeferredPending).
		Scan(&e.ID, &backupID, &e.Strategy, &e.StartedAt, &e.FinishedAt, &e.Outcome, &e.ErrorReport)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query pending deferred entry: %w", err)
	}
	e.BackupID = backupID.Int64
	return &e, nil
}

// ResolveDeferred updates the outcome of a deferred-pending entry once
// the staged installation has run at boot.
func (s *Store) ResolveDeferred(id int64, outcome string, finishedAt time.Time) error {
	res, err := s.db.Exec(`
		UPDATE history SET outcome = ?, finished_at = ? WHERE id = ? AND outcome = ?`,
		outcome, finishedAt, id, OutcomeDeferredPending)
	if err != nil {
		return fmt.Errorf("failed to resolve deferred entry %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
