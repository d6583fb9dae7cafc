package deferred

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"nvman/internal/config"
	"nvman/internal/store"
	"nvman/internal/strategy"
	"nvman/internal/sysexec"
	"nvman/internal/system"
	"nvman/internal/utils"
)

// State of a deferred installation as seen at startup.
type State int

const (
	StateNone State = iota
	StatePending
	StateCompleted
	StateFailed
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return "none"
	}
}

// Completion describes the outcome of a completion check.
type Completion struct {
	State     State
	Job       *Job
	UnitState string
	LogTail   []string
}

// Stager stages installations for the next boot and detects their
// outcome afterwards.
type Stager struct {
	paths    *config.Paths
	settings *config.Settings
	runner   sysexec.Runner
	store    *store.Store

	// unitState is injectable for tests; the default queries systemd
	// over D-Bus.
	unitState func(ctx context.Context, unit string) (string, error)
}

// NewStager returns a stager bound to the given store and runner.
func NewStager(paths *config.Paths, settings *config.Settings, runner sysexec.Runner, st *store.Store) *Stager {
	return &Stager{
		paths:     paths,
		settings:  settings,
		runner:    runner,
		store:     st,
		unitState: systemdUnitState,
	}
}

// Stage writes the install script and systemd unit for the strategy and
// enables the unit for the next boot. An already pending job is
// superseded: its script, unit and record are overwritten so at most
// one staged install exists.
func (s *Stager) Stage(ctx context.Context, snap *system.Snapshot, strat *strategy.Strategy, historyID int64) (*Job, error) {
	existing, err := LoadJob(s.paths.DeferredJobFile())
	if err != nil {
		return nil, err
	}
	if existing != nil {
		utils.LogWarn("Superseding pending staged install of %s (%s)", existing.Version, existing.Strategy)
	}

	job := &Job{
		ID:         uuid.NewString(),
		Strategy:   strat.Kind.String(),
		Version:    strat.TargetVersion,
		Family:     snap.Family,
		Arch:       snap.Arch,
		CreatedAt:  time.Now(),
		HistoryID:  historyID,
		MarkerPath: s.settings.DeferredMarkerPath,
		LogPath:    s.settings.DeferredLogPath,
	}

	data := scriptData{
		Version:    job.Version,
		Arch:       job.Arch,
		DNF:        snap.DNFCommand,
		Unit:       UnitName,
		ScriptPath: filepath.Join(s.settings.SystemInstallDir, "run-install.sh"),
		MarkerPath: job.MarkerPath,
		LogPath:    job.LogPath,
		Timeout:    900,
	}
	script, err := renderScript(snap.Family, data)
	if err != nil {
		return nil, err
	}
	unit, err := renderUnit(data)
	if err != nil {
		return nil, err
	}

	stagedScript := filepath.Join(s.paths.InstallOnReboot, "run-install.sh")
	stagedUnit := filepath.Join(s.paths.InstallOnReboot, UnitName)
	if err := utils.WriteFile(stagedScript, script); err != nil {
		return nil, fmt.Errorf("failed to stage install script: %w", err)
	}
	if err := utils.WriteFile(stagedUnit, unit); err != nil {
		return nil, fmt.Errorf("failed to stage unit file: %w", err)
	}

	steps := []sysexec.Command{
		{Name: "mkdir", Args: []string{"-p", s.settings.SystemInstallDir}, Sudo: true,
			Description: "preparing system install directory"},
		{Name: "cp", Args: []string{stagedScript, data.ScriptPath}, Sudo: true,
			Description: "installing staged script"},
		{Name: "chmod", Args: []string{"755", data.ScriptPath}, Sudo: true,
			Description: "marking staged script executable"},
	}
	if snap.Family == system.FamilyFedora {
		// SELinux labels from the home directory would keep systemd
		// from executing the script.
		steps = append(steps, sysexec.Command{
			Name: "restorecon", Args: []string{"-R", s.settings.SystemInstallDir}, Sudo: true,
			Description: "restoring SELinux context",
		})
	}
	steps = append(steps,
		sysexec.Command{Name: "cp", Args: []string{stagedUnit, "/etc/systemd/system/" + UnitName}, Sudo: true,
			Description: "installing systemd unit"},
		sysexec.Command{Name: "rm", Args: []string{"-f", job.MarkerPath}, Sudo: true,
			Description: "clearing completion marker"},
		sysexec.Command{Name: "systemctl", Args: []string{"daemon-reload"}, Sudo: true,
			Description: "reloading systemd"},
		sysexec.Command{Name: "systemctl", Args: []string{"enable", UnitName}, Sudo: true,
			Description: "enabling staged install unit"},
	)

	for _, cmd := range steps {
		res, err := s.runner.Run(ctx, cmd)
		if err != nil {
			return nil, fmt.Errorf("staging step failed (%s): %w", cmd, err)
		}
		if !res.Ok() {
			return nil, fmt.Errorf("staging step failed (%s): exit %d: %s", cmd, res.ExitCode, res.Stderr)
		}
	}

	if err := saveJob(s.paths.DeferredJobFile(), job); err != nil {
		return nil, err
	}
	utils.LogInfo("Staged %s %s for installation on next boot", job.Strategy, job.Version)
	return job, nil
}

// CheckCompletion inspects a pending job, if any. A completion marker
// on disk means the boot-time install succeeded; a failed unit without
// the marker means it ran and broke. Either way the job record is
// resolved in history and removed so a new install can be staged.
func (s *Stager) CheckCompletion(ctx context.Context) (*Completion, error) {
	job, err := LoadJob(s.paths.DeferredJobFile())
	if err != nil {
		return nil, err
	}
	if job == nil {
		return &Completion{State: StateNone}, nil
	}

	tail, _ := utils.TailFile(job.LogPath, 20)

	if utils.Exists(job.MarkerPath) {
		utils.LogInfo("Staged install of %s completed at boot", job.Version)
		if job.HistoryID != 0 {
			if err := s.store.ResolveDeferred(job.HistoryID, store.OutcomeDeferredCompleted, time.Now()); err != nil && err != store.ErrNotFound {
				utils.LogWarn("Failed to resolve deferred history entry: %v", err)
			}
		}
		s.cleanup(ctx, job)
		return &Completion{State: StateCompleted, Job: job, LogTail: tail}, nil
	}

	unitState, err := s.unitState(ctx, UnitName)
	if err != nil {
		utils.LogDebug("Unit state query failed: %v", err)
		unitState = "unknown"
	}
	if unitState == "failed" {
		utils.LogError("Staged install of %s failed at boot, see %s", job.Version, job.LogPath)
		if job.HistoryID != 0 {
			if err := s.store.ResolveDeferred(job.HistoryID, store.OutcomeFailed, time.Now()); err != nil && err != store.ErrNotFound {
				utils.LogWarn("Failed to resolve deferred history entry: %v", err)
			}
		}
		s.cleanup(ctx, job)
		return &Completion{State: StateFailed, Job: job, UnitState: unitState, LogTail: tail}, nil
	}

	return &Completion{State: StatePending, Job: job, UnitState: unitState, LogTail: tail}, nil
}

// cleanup disables the unit and removes the job record. Failures here
// are logged, not fatal: a leftover disabled unit is harmless.
func (s *Stager) cleanup(ctx context.Context, job *Job) {
	steps := []sysexec.Command{
		{Name: "systemctl", Args: []string{"disable", UnitName}, Sudo: true, IgnoreMissingUnit: true,
			Description: "disabling staged install unit"},
		{Name: "rm", Args: []string{"-f", "/etc/systemd/system/" + UnitName}, Sudo: true,
			Description: "removing staged install unit"},
		{Name: "systemctl", Args: []string{"daemon-reload"}, Sudo: true,
			Description: "reloading systemd"},
	}
	for _, cmd := range steps {
		if res, err := s.runner.Run(ctx, cmd); err != nil {
			utils.LogWarn("Cleanup step failed (%s): %v", cmd, err)
		} else if !res.Ok() {
			utils.LogWarn("Cleanup step failed (%s): exit %d", cmd, res.ExitCode)
		}
	}
	if err := os.Remove(s.paths.DeferredJobFile()); err != nil && !os.IsNotExist(err) {
		utils.LogWarn("Failed to remove deferred job record: %v", err)
	}
}
