// Package deferred stages a vendor .run driver installation for the
// next boot. The install runs from a systemd oneshot unit before the
// display manager starts, when the GPU is not yet claimed by a session.
package deferred

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"nvman/internal/system"
)

// UnitName is the systemd unit that performs the staged install.
const UnitName = "nvman-run-install.service"

// Job is the persisted record of a staged installation. Exactly one job
// can be pending at a time; staging a new one supersedes it.
type Job struct {
	ID        string              `json:"id"`
	Strategy  string              `json:"strategy"`
	Version   string              `json:"version"`
	Family    system.DistroFamily `json:"family"`
	Arch      string              `json:"arch"`
	CreatedAt time.Time           `json:"created_at"`

	// HistoryID links the job to its deferred-pending history entry.
	HistoryID int64 `json:"history_id"`

	// MarkerPath is written by the boot-time script on success.
	MarkerPath string `json:"marker_path"`
	LogPath    string `json:"log_path"`
}

// LoadJob reads the pending job record. A missing file means no job is
// pending and returns (nil, nil).
func LoadJob(path string) (*Job, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read deferred job: %w", err)
	}
	var j Job
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("failed to decode deferred job: %w", err)
	}
	return &j, nil
}

func saveJob(path string, j *Job) error {
	data, err := json.MarshalIndent(j, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode deferred job: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write deferred job: %w", err)
	}
	return nil
}
