package store

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func insertBackupAt(t *testing.T, s *Store, label string, at time.Time) int64 {
	t.Helper()
	id, _, err := s.InsertBackup(&BackupRecord{
		CreatedAt:     at,
		Label:         label,
		DriverFamily:  "nouveau",
		DriverVersion: "",
		PayloadPath:   "/tmp/" + label + "/backup.json",
	})
	require.NoError(t, err)
	return id
}

func TestInsertBackup_RetentionCap(t *testing.T) {
	s := newTestStore(t)

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 15; i++ {
		insertBackupAt(t, s, fmt.Sprintf("backup-%02d", i), base.Add(time.Duration(i)*time.Hour))

		records, err := s.ListBackups()
		require.NoError(t, err)
		assert.LessOrEqual(t, len(records), MaxBackups,
			"cap must hold after every insert, not just at the end")
	}

	records, err := s.ListBackups()
	require.NoError(t, err)
	require.Len(t, records, MaxBackups)

	// The survivors are the 10 most recently created, newest first.
	for i, r := range records {
		assert.Equal(t, fmt.Sprintf("backup-%02d", 14-i), r.Label)
	}
}

func TestInsertBackup_ReportsEvicted(t *testing.T) {
	s := newTestStore(t)

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < MaxBackups; i++ {
		insertBackupAt(t, s, fmt.Sprintf("backup-%02d", i), base.Add(time.Duration(i)*time.Hour))
	}

	_, evicted, err := s.InsertBackup(&BackupRecord{
		CreatedAt:   base.Add(24 * time.Hour),
		Label:       "one-over",
		PayloadPath: "/tmp/one-over/backup.json",
	})
	require.NoError(t, err)
	require.Len(t, evicted, 1)
	assert.Equal(t, "backup-00", evicted[0].Label)
}

func TestGetBackup_NotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetBackup(42)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteBackup(t *testing.T) {
	s := newTestStore(t)
	id := insertBackupAt(t, s, "victim", time.Now())

	require.NoError(t, s.DeleteBackup(id))
	assert.ErrorIs(t, s.DeleteBackup(id), ErrNotFound)
}

func TestHistory_AppendAndList(t *testing.T) {
	s := newTestStore(t)

	start := time.Date(2026, 8, 30, 9, 0, 0, 0, time.UTC)
	_, err := s.AppendHistory(&HistoryEntry{
		Strategy:  "nvk",
		StartedAt: start,
		Outcome:   OutcomeSucceeded,
	})
	require.NoError(t, err)
	_, err = s.AppendHistory(&HistoryEntry{
		BackupID:  7,
		Strategy:  "run-legacy",
		StartedAt: start.Add(time.Hour),
		Outcome:   OutcomeDeferredPending,
	})
	require.NoError(t, err)

	entries, err := s.ListHistory(0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "run-legacy", entries[0].Strategy)
	assert.Equal(t, int64(7), entries[0].BackupID)
	assert.Equal(t, int64(0), entries[1].BackupID)

	one, err := s.ListHistory(1)
	require.NoError(t, err)
	require.Len(t, one, 1)
	assert.Equal(t, OutcomeDeferredPending, one[0].Outcome)
}

func TestResolveDeferred(t *testing.T) {
	s := newTestStore(t)

	id, err := s.AppendHistory(&HistoryEntry{
		Strategy:  "run-production",
		StartedAt: time.Now(),
		Outcome:   OutcomeDeferredPending,
	})
	require.NoError(t, err)

	pending, err := s.LastPendingDeferred()
	require.NoError(t, err)
	assert.Equal(t, id, pending.ID)

	require.NoError(t, s.ResolveDeferred(id, OutcomeDeferredCompleted, time.Now()))

	_, err = s.LastPendingDeferred()
	assert.ErrorIs(t, err, ErrNotFound)

	// Already resolved: a second resolve finds nothing to update.
	assert.ErrorIs(t, s.ResolveDeferred(id, OutcomeDeferredCompleted, time.Now()), ErrNotFound)
}
