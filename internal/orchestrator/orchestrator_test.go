package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nvman/internal/backup"
	"nvman/internal/config"
	"nvman/internal/deferred"
	"nvman/internal/store"
	"nvman/internal/strategy"
	"nvman/internal/sysexec"
	"nvman/internal/system"
)

type fixture struct {
	orch   *Orchestrator
	runner *sysexec.ScriptedRunner
	store  *store.Store
	paths  *config.Paths
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	paths, err := config.NewPaths(t.TempDir())
	require.NoError(t, err)
	st, err := store.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	settings := config.DefaultSettings()
	settings.DeferredMarkerPath = filepath.Join(t.TempDir(), "done")
	settings.DeferredLogPath = filepath.Join(t.TempDir(), "log")

	runner := &sysexec.ScriptedRunner{}
	backups := backup.NewManager(st, paths, runner)
	stager := deferred.NewStager(paths, settings, runner, st)

	orch := New(paths, settings, runner, st, backups, stager)
	orch.diskFree = func(string) (uint64, error) { return 100 << 30, nil }
	orch.reachable = func(context.Context) bool { return true }
	orch.detect = func(context.Context) (*system.Snapshot, error) {
		return &system.Snapshot{Driver: system.Driver{Family: system.DriverNouveau}}, nil
	}
	return &fixture{orch: orch, runner: runner, store: st, paths: paths}
}

func nouveauSnap() *system.Snapshot {
	return &system.Snapshot{
		DistroName: "Fedora Linux",
		Family:     system.FamilyFedora,
		Kernel:     system.Kernel{Release: "6.8.5-301.fc40", Major: 6, Minor: 8},
		Driver:     system.Driver{Family: system.DriverNone},
		Arch:       "Linux-x86_64",
		DNFCommand: "dnf",
	}
}

func mustSelect(t *testing.T, kind strategy.Kind, snap *system.Snapshot, version string) *strategy.Strategy {
	t.Helper()
	strat, err := strategy.Select(kind, snap, version, "")
	require.NoError(t, err)
	return strat
}

func TestBeginInstall_NVKSucceeds(t *testing.T) {
	f := newFixture(t)
	snap := nouveauSnap()

	result, err := f.orch.BeginInstall(context.Background(), snap, mustSelect(t, strategy.NVK, snap, ""))
	require.NoError(t, err)
	assert.Equal(t, Succeeded, result.State)
	assert.Equal(t, Succeeded, f.orch.State())
	assert.NotZero(t, result.BackupID)

	// The backup was taken before any step ran, labeled for the install.
	records, err := f.store.ListBackups()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "before nvk install", records[0].Label)

	entries, err := f.store.ListHistory(1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, store.OutcomeSucceeded, entries[0].Outcome)
	assert.Equal(t, result.BackupID, entries[0].BackupID)
}

func TestBeginInstall_VerificationFailure(t *testing.T) {
	f := newFixture(t)
	// Every step exits zero, but detection still sees no driver.
	f.orch.detect = func(context.Context) (*system.Snapshot, error) {
		return &system.Snapshot{Driver: system.Driver{Family: system.DriverNone}}, nil
	}
	snap := nouveauSnap()

	result, err := f.orch.BeginInstall(context.Background(), snap, mustSelect(t, strategy.NVK, snap, ""))
	var verErr *VerificationError
	require.ErrorAs(t, err, &verErr)
	assert.Equal(t, system.DriverNouveau, verErr.Expected)
	assert.Equal(t, Failed, result.State)
	assert.NotZero(t, result.BackupID, "the pre-install backup is offered for restore")
	assert.NotEmpty(t, result.ReportPath)
}

func TestBeginInstall_StepFailureAbortsAndReports(t *testing.T) {
	f := newFixture(t)
	f.runner.On("dnf install -y kernel-devel gcc", sysexec.Result{ExitCode: 1, Stderr: "mirror unreachable"})
	snap := nouveauSnap()

	result, err := f.orch.BeginInstall(context.Background(), snap, mustSelect(t, strategy.RepoStable, snap, "580.126.09"))
	var stepErr *StepExecutionError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, "mirror unreachable", stepErr.Result.Stderr)
	assert.Equal(t, Failed, f.orch.State())

	// Steps after the failing one never ran.
	joined := strings.Join(f.runner.CallStrings(), "\n")
	assert.NotContains(t, joined, "akmod-nvidia")

	// A structured report landed under logs/errors.
	require.NotEmpty(t, result.ReportPath)
	data, err := os.ReadFile(result.ReportPath)
	require.NoError(t, err)
	report := string(data)
	assert.Contains(t, report, "mirror unreachable")
	assert.Contains(t, report, "repo-stable")
	assert.Contains(t, report, "Fedora Linux")

	entries, err := f.store.ListHistory(1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, store.OutcomeFailed, entries[0].Outcome)
	assert.Equal(t, result.ReportPath, entries[0].ErrorReport)
}

func TestBeginInstall_PreflightNetworkFailure(t *testing.T) {
	f := newFixture(t)
	f.orch.reachable = func(context.Context) bool { return false }
	snap := nouveauSnap()

	_, err := f.orch.BeginInstall(context.Background(), snap, mustSelect(t, strategy.NVK, snap, ""))
	var preErr *PreflightError
	require.ErrorAs(t, err, &preErr)

	// No backup, no steps, no mutation of any kind.
	records, lerr := f.store.ListBackups()
	require.NoError(t, lerr)
	assert.Empty(t, records)
	assert.Empty(t, f.runner.Calls())
}

func TestBeginInstall_PreflightDiskFailure(t *testing.T) {
	f := newFixture(t)
	f.orch.diskFree = func(string) (uint64, error) { return 1 << 30, nil }
	snap := nouveauSnap()

	_, err := f.orch.BeginInstall(context.Background(), snap, mustSelect(t, strategy.NVK, snap, ""))
	var preErr *PreflightError
	require.ErrorAs(t, err, &preErr)
	assert.Contains(t, preErr.Reason, "disk space")
}

func TestBeginInstall_ConcurrentRequestRefused(t *testing.T) {
	f := newFixture(t)
	snap := nouveauSnap()
	strat := mustSelect(t, strategy.NVK, snap, "")

	// Hold the orchestrator in a non-terminal state and try again.
	release := make(chan struct{})
	f.orch.detect = func(context.Context) (*system.Snapshot, error) {
		<-release
		return &system.Snapshot{Driver: system.Driver{Family: system.DriverNouveau}}, nil
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := f.orch.BeginInstall(context.Background(), snap, strat)
		assert.NoError(t, err)
	}()

	// Wait until the first install reaches Verifying.
	for f.orch.State() != Verifying {
		time.Sleep(time.Millisecond)
	}

	before, err := f.store.ListBackups()
	require.NoError(t, err)

	_, err = f.orch.BeginInstall(context.Background(), snap, strat)
	var concErr *ConcurrentInstallError
	require.ErrorAs(t, err, &concErr)
	assert.Equal(t, Verifying, concErr.Current)

	// The refused request mutated nothing.
	after, err := f.store.ListBackups()
	require.NoError(t, err)
	assert.Equal(t, before, after)

	close(release)
	wg.Wait()
	assert.Equal(t, Succeeded, f.orch.State())
}

func TestBeginInstall_RunStrategyIsStagedNotExecuted(t *testing.T) {
	f := newFixture(t)
	snap := &system.Snapshot{
		DistroName: "Ubuntu",
		Family:     system.FamilyDebian,
		Kernel:     system.Kernel{Release: "6.8.0-45-generic", Major: 6, Minor: 8},
		Driver:     system.Driver{Family: system.DriverProprietary, Version: "580.126.09"},
		Arch:       "Linux-x86_64",
	}

	result, err := f.orch.BeginInstall(context.Background(), snap, mustSelect(t, strategy.RunLegacy, snap, "470.256.02"))
	require.NoError(t, err)
	assert.Equal(t, DeferredPending, result.State)
	assert.Equal(t, DeferredPending, f.orch.State())
	require.NotNil(t, result.Job)
	assert.Equal(t, "470.256.02", result.Job.Version)

	// The backup captured the proprietary descriptor before staging.
	records, err := f.store.ListBackups()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "nvidia", records[0].DriverFamily)
	assert.Equal(t, "580.126.09", records[0].DriverVersion)

	// Nothing touched the live driver: no package, module or config
	// commands ran, only backup queries and unit staging.
	for _, call := range f.runner.CallStrings() {
		assert.NotContains(t, call, "apt-get remove")
		assert.NotContains(t, call, "dkms")
		assert.NotContains(t, call, ".run")
	}

	entries, err := f.store.ListHistory(1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, store.OutcomeDeferredPending, entries[0].Outcome)
}

func TestBeginInstall_RunfileLeftoversCleanedBeforeNVK(t *testing.T) {
	f := newFixture(t)
	snap := nouveauSnap()
	snap.Driver = system.Driver{Family: system.DriverProprietary, Version: "580.126.09", FromRunfile: true}

	_, err := f.orch.BeginInstall(context.Background(), snap, mustSelect(t, strategy.NVK, snap, ""))
	require.NoError(t, err)

	calls := f.runner.CallStrings()
	cleanup, install, moduleRemovals := -1, -1, 0
	for i, c := range calls {
		if strings.Contains(c, "nvidia*.ko*") {
			if cleanup == -1 {
				cleanup = i
			}
			moduleRemovals++
		}
		if strings.Contains(c, "mesa-vulkan-drivers") {
			install = i
		}
	}
	require.GreaterOrEqual(t, cleanup, 0, "module cleanup must run for a .run driver")
	require.GreaterOrEqual(t, install, 0)
	assert.Less(t, cleanup, install, "leftover removal precedes the NVK install steps")
	// Both the extra .run preflight cleanup and the strategy's own
	// cleanup remove modules.
	assert.GreaterOrEqual(t, moduleRemovals, 2)
}

func TestCancel_BeforeExecutionLeavesNoTrace(t *testing.T) {
	f := newFixture(t)
	snap := nouveauSnap()
	strat := mustSelect(t, strategy.NVK, snap, "")

	// Cancel as soon as preflight starts; detection of the cancel
	// happens at the next phase boundary.
	f.orch.reachable = func(context.Context) bool {
		f.orch.Cancel()
		return true
	}

	_, err := f.orch.BeginInstall(context.Background(), snap, strat)
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, Idle, f.orch.State())

	// No install steps ran.
	for _, call := range f.runner.CallStrings() {
		assert.NotContains(t, call, "dnf install")
	}
}

func TestCancel_IgnoredOnceTerminal(t *testing.T) {
	f := newFixture(t)
	snap := nouveauSnap()

	result, err := f.orch.BeginInstall(context.Background(), snap, mustSelect(t, strategy.NVK, snap, ""))
	require.NoError(t, err)
	require.Equal(t, Succeeded, result.State)

	f.orch.Cancel()
	assert.Equal(t, Succeeded, f.orch.State(), "cancel after completion is a no-op")
}
