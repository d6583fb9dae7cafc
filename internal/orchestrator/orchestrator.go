// Package orchestrator sequences precondition checks, backup, step
// execution and verification for a chosen strategy. One orchestrator
// owns one installation at a time; overlapping requests are refused,
// never queued.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"nvman/internal/backup"
	"nvman/internal/config"
	"nvman/internal/deferred"
	"nvman/internal/store"
	"nvman/internal/strategy"
	"nvman/internal/sysexec"
	"nvman/internal/system"
	"nvman/internal/utils"
)

// State is the orchestration state machine position.
type State int

const (
	Idle State = iota
	PreflightChecking
	BackingUp
	Executing
	Verifying
	Succeeded
	Failed
	DeferredPending
	DeferredCompleted
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case PreflightChecking:
		return "preflight-checking"
	case BackingUp:
		return "backing-up"
	case Executing:
		return "executing"
	case Verifying:
		return "verifying"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	case DeferredPending:
		return "deferred-pending"
	case DeferredCompleted:
		return "deferred-completed"
	default:
		return "unknown"
	}
}

// terminal reports whether a new install may begin from this state.
func (s State) terminal() bool {
	switch s {
	case Idle, Succeeded, Failed, DeferredCompleted:
		return true
	}
	return false
}

// Result is the outcome of one orchestration run.
type Result struct {
	State     State
	BackupID  int64
	HistoryID int64

	// ReportPath points at the written error report for failed runs.
	ReportPath string

	// Job is set when the install was staged for the next boot.
	Job *deferred.Job
}

// Orchestrator drives installations. Detection and disk probing are
// injectable so the state machine is testable without a live system.
type Orchestrator struct {
	mu    sync.Mutex
	state State

	paths    *config.Paths
	settings *config.Settings
	runner   sysexec.Runner
	store    *store.Store
	backups  *backup.Manager
	stager   *deferred.Stager

	detect    func(ctx context.Context) (*system.Snapshot, error)
	reachable func(ctx context.Context) bool
	diskFree  func(path string) (uint64, error)

	cancelled bool
}

// New wires an orchestrator over the given collaborators.
func New(paths *config.Paths, settings *config.Settings, runner sysexec.Runner, st *store.Store, backups *backup.Manager, stager *deferred.Stager) *Orchestrator {
	o := &Orchestrator{
		state:    Idle,
		paths:    paths,
		settings: settings,
		runner:   runner,
		store:    st,
		backups:  backups,
		stager:   stager,
		diskFree: diskFree,
	}
	o.detect = func(ctx context.Context) (*system.Snapshot, error) {
		return system.NewDetector(runner).Detect(ctx)
	}
	o.reachable = func(ctx context.Context) bool {
		return system.Reachable(ctx, runner, settings.PingHost, settings.PingTimeout)
	}
	return o
}

// State returns the current state machine position.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Cancel requests cancellation. It is honored only before privileged
// steps start; once Executing begins, restore is the recovery path.
func (o *Orchestrator) Cancel() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state == PreflightChecking || o.state == BackingUp {
		o.cancelled = true
	}
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
	utils.LogDebug("Orchestrator state: %s", s)
}

func (o *Orchestrator) checkCancelled() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cancelled
}

// BeginInstall runs the given strategy against the snapshot. It returns
// a ConcurrentInstallError, without mutating anything, when called in a
// non-terminal state.
func (o *Orchestrator) BeginInstall(ctx context.Context, snap *system.Snapshot, strat *strategy.Strategy) (*Result, error) {
	o.mu.Lock()
	if !o.state.terminal() {
		current := o.state
		o.mu.Unlock()
		return nil, &ConcurrentInstallError{Current: current}
	}
	o.state = PreflightChecking
	o.cancelled = false
	o.mu.Unlock()

	startedAt := time.Now()
	utils.LogInfo("Starting %s installation", strat.Name)

	if snap.SecureBoot && strat.ExpectedDriver == system.DriverProprietary {
		utils.LogWarn("Secure Boot is enabled, unsigned kernel modules will not load until MOK enrollment")
	}

	// Preflight. Failures here take no backup and mutate nothing.
	if err := o.preflight(ctx, strat); err != nil {
		o.setState(Failed)
		return nil, err
	}
	if o.checkCancelled() || ctx.Err() != nil {
		o.setState(Idle)
		return nil, ErrCancelled
	}

	// Backup before any mutating step, for every strategy.
	o.setState(BackingUp)
	rec, err := o.backups.Snapshot(ctx, "before "+strat.Name+" install", snap)
	if err != nil {
		o.setState(Failed)
		return nil, err
	}
	if o.checkCancelled() || ctx.Err() != nil {
		o.setState(Idle)
		return nil, ErrCancelled
	}

	if strat.RequiresRebootDeferral {
		return o.stageDeferred(ctx, snap, strat, rec.ID, startedAt)
	}
	return o.execute(ctx, snap, strat, rec.ID, startedAt)
}

func (o *Orchestrator) preflight(ctx context.Context, strat *strategy.Strategy) error {
	if strat.NeedsNetwork && !o.reachable(ctx) {
		return &PreflightError{Reason: "network unreachable, check connectivity and retry"}
	}
	free, err := o.diskFree("/")
	if err != nil {
		return &PreflightError{Reason: "could not determine free disk space: " + err.Error()}
	}
	if free < o.settings.MinFreeBytes {
		return &PreflightError{
			Reason: "insufficient disk space on /, need " + humanBytes(o.settings.MinFreeBytes) +
				" free, have " + humanBytes(free),
		}
	}
	return nil
}

// stageDeferred hands the install to the boot-time stager instead of
// executing live.
func (o *Orchestrator) stageDeferred(ctx context.Context, snap *system.Snapshot, strat *strategy.Strategy, backupID int64, startedAt time.Time) (*Result, error) {
	o.setState(Executing)

	historyID, err := o.store.AppendHistory(&store.HistoryEntry{
		BackupID:  backupID,
		Strategy:  strat.Kind.String(),
		StartedAt: startedAt,
		Outcome:   store.OutcomeDeferredPending,
	})
	if err != nil {
		o.setState(Failed)
		return nil, err
	}

	job, err := o.stager.Stage(ctx, snap, strat, historyID)
	if err != nil {
		o.setState(Failed)
		o.writeReport(snap, strat, nil, err)
		o.resolveHistory(historyID, store.OutcomeFailed)
		return nil, err
	}

	o.setState(DeferredPending)
	return &Result{State: DeferredPending, BackupID: backupID, HistoryID: historyID, Job: job}, nil
}

// execute runs the strategy steps sequentially, then verifies the
// resulting driver state by re-detecting the environment.
func (o *Orchestrator) execute(ctx context.Context, snap *system.Snapshot, strat *strategy.Strategy, backupID int64, startedAt time.Time) (*Result, error) {
	o.setState(Executing)

	steps := strat.Steps
	if strat.RemovesExistingDriver && snap.Driver.FromRunfile {
		// A .run install leaves modules and libraries no package owns.
		// They must go first or the new driver binds against leftovers.
		utils.LogInfo("Removing leftover .run installation first")
		steps = append(strategy.RunfileCleanupSteps(snap.Family, snap.Kernel.Release), steps...)
	}

	for i, cmd := range steps {
		utils.LogDebug("Step %d/%d: %s", i+1, len(steps), cmd)
		res, err := o.runner.Run(ctx, cmd)
		if err != nil {
			o.setState(Failed)
			report := o.writeReport(snap, strat, nil, err)
			id := o.appendFailure(backupID, strat, startedAt, report)
			return &Result{State: Failed, BackupID: backupID, HistoryID: id, ReportPath: report}, err
		}
		if !res.Ok() {
			stepErr := &StepExecutionError{Step: cmd, Result: res}
			o.setState(Failed)
			report := o.writeReport(snap, strat, stepErr, nil)
			id := o.appendFailure(backupID, strat, startedAt, report)
			return &Result{State: Failed, BackupID: backupID, HistoryID: id, ReportPath: report}, stepErr
		}
	}

	o.setState(Verifying)
	fresh, err := o.detect(ctx)
	if err != nil {
		o.setState(Failed)
		report := o.writeReport(snap, strat, nil, err)
		id := o.appendFailure(backupID, strat, startedAt, report)
		return &Result{State: Failed, BackupID: backupID, HistoryID: id, ReportPath: report}, err
	}
	if fresh.Driver.Family != strat.ExpectedDriver {
		verr := &VerificationError{Expected: strat.ExpectedDriver, Actual: fresh.Driver}
		o.setState(Failed)
		report := o.writeReport(fresh, strat, nil, verr)
		id := o.appendFailure(backupID, strat, startedAt, report)
		return &Result{State: Failed, BackupID: backupID, HistoryID: id, ReportPath: report}, verr
	}

	historyID, err := o.store.AppendHistory(&store.HistoryEntry{
		BackupID:   backupID,
		Strategy:   strat.Kind.String(),
		StartedAt:  startedAt,
		FinishedAt: time.Now(),
		Outcome:    store.OutcomeSucceeded,
	})
	if err != nil {
		utils.LogWarn("Failed to record history entry: %v", err)
	}

	o.setState(Succeeded)
	utils.LogInfo("%s installation succeeded, reboot to load the new driver", strat.Name)
	return &Result{State: Succeeded, BackupID: backupID, HistoryID: historyID}, nil
}

func (o *Orchestrator) appendFailure(backupID int64, strat *strategy.Strategy, startedAt time.Time, report string) int64 {
	id, err := o.store.AppendHistory(&store.HistoryEntry{
		BackupID:    backupID,
		Strategy:    strat.Kind.String(),
		StartedAt:   startedAt,
		FinishedAt:  time.Now(),
		Outcome:     store.OutcomeFailed,
		ErrorReport: report,
	})
	if err != nil {
		utils.LogWarn("Failed to record history entry: %v", err)
	}
	return id
}

func (o *Orchestrator) resolveHistory(id int64, outcome string) {
	if err := o.store.ResolveDeferred(id, outcome, time.Now()); err != nil && err != store.ErrNotFound {
		utils.LogWarn("Failed to resolve history entry: %v", err)
	}
}

func diskFree(path string) (uint64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, err
	}
	return st.Bavail * uint64(st.Bsize), nil
}

func humanBytes(n uint64) string {
	const gib = 1 << 30
	if n >= gib {
		return fmt.Sprintf("%.1f GiB", float64(n)/gib)
	}
	return fmt.Sprintf("%d MiB", n>>20)
}
