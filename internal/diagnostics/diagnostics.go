// Package diagnostics aggregates a read-only report of everything the
// manager knows: the environment, recent backups, the last install and
// any staged boot-time job. It never mutates state.
package diagnostics

import (
	"context"
	"time"

	"nvman/internal/config"
	"nvman/internal/deferred"
	"nvman/internal/store"
	"nvman/internal/system"
	"nvman/internal/utils"
)

// Report is the aggregated diagnostics output.
type Report struct {
	CollectedAt time.Time            `json:"collected_at"`
	Snapshot    *system.Snapshot     `json:"snapshot,omitempty"`
	SnapshotErr string               `json:"snapshot_error,omitempty"`
	Backups     []store.BackupRecord `json:"backups"`
	LastInstall *store.HistoryEntry  `json:"last_install,omitempty"`

	DeferredJob     *deferred.Job `json:"deferred_job,omitempty"`
	DeferredLogTail []string      `json:"deferred_log_tail,omitempty"`
}

// Collector gathers the report. Detection is injectable for tests.
type Collector struct {
	paths *config.Paths
	store *store.Store

	detect func(ctx context.Context) (*system.Snapshot, error)
}

// NewCollector returns a collector over the given store.
func NewCollector(paths *config.Paths, st *store.Store, detect func(ctx context.Context) (*system.Snapshot, error)) *Collector {
	return &Collector{paths: paths, store: st, detect: detect}
}

// Collect builds the report. Individual probe failures are recorded in
// the report instead of aborting it; a diagnostics run on a broken
// system is exactly when partial output matters most.
func (c *Collector) Collect(ctx context.Context) (*Report, error) {
	rep := &Report{CollectedAt: time.Now()}

	snap, err := c.detect(ctx)
	if err != nil {
		rep.SnapshotErr = err.Error()
	} else {
		rep.Snapshot = snap
	}

	backups, err := c.store.ListBackups()
	if err != nil {
		return nil, err
	}
	rep.Backups = backups

	history, err := c.store.ListHistory(1)
	if err != nil {
		return nil, err
	}
	if len(history) > 0 {
		rep.LastInstall = &history[0]
	}

	job, err := deferred.LoadJob(c.paths.DeferredJobFile())
	if err != nil {
		utils.LogWarn("Failed to read deferred job: %v", err)
	} else if job != nil {
		rep.DeferredJob = job
		if tail, err := utils.TailFile(job.LogPath, 40); err == nil {
			rep.DeferredLogTail = tail
		}
	}

	return rep, nil
}
