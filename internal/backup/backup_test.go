package backup

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nvman/internal/config"
	"nvman/internal/store"
	"nvman/internal/sysexec"
	"nvman/internal/system"
)

const dpkgList = `ii  nvidia-driver-580-open  580.126.09-0ubuntu1  amd64  NVIDIA driver
ii  libnvidia-gl-580        580.126.09-0ubuntu1  amd64  NVIDIA GL libraries
ii  firefox                 130.0-1              amd64  browser
`

func testManager(t *testing.T, runner sysexec.Runner) (*Manager, *config.Paths) {
	t.Helper()

	paths, err := config.NewPaths(t.TempDir())
	require.NoError(t, err)
	st, err := store.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	return NewManager(st, paths, runner), paths
}

// withTrackedConfigs swaps the captured file set for the test.
func withTrackedConfigs(t *testing.T, paths []string) {
	t.Helper()
	old := trackedConfigs
	trackedConfigs = paths
	t.Cleanup(func() { trackedConfigs = old })
}

func debianSnap() *system.Snapshot {
	return &system.Snapshot{
		DistroName: "Ubuntu",
		Family:     system.FamilyDebian,
		Kernel:     system.Kernel{Release: "6.8.0-45-generic", Major: 6, Minor: 8},
		Driver:     system.Driver{Family: system.DriverProprietary, Version: "580.126.09"},
	}
}

func TestSnapshot_CapturesPackagesAndConfigs(t *testing.T) {
	dir := t.TempDir()
	present := filepath.Join(dir, "blacklist-nouveau.conf")
	require.NoError(t, os.WriteFile(present, []byte("blacklist nouveau\n"), 0644))
	missing := filepath.Join(dir, "xorg.conf")
	withTrackedConfigs(t, []string{present, missing})

	runner := &sysexec.ScriptedRunner{}
	runner.On("dpkg -l", sysexec.Result{Stdout: dpkgList})
	m, _ := testManager(t, runner)

	rec, err := m.Snapshot(context.Background(), "before repo-stable install", debianSnap())
	require.NoError(t, err)
	assert.Equal(t, "before repo-stable install", rec.Label)
	assert.Equal(t, "nvidia", rec.DriverFamily)
	assert.Equal(t, "580.126.09", rec.DriverVersion)

	payload, err := m.Load(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"nvidia-driver-580-open", "libnvidia-gl-580"}, payload.Packages)

	require.Len(t, payload.Configs, 2)
	assert.True(t, payload.Configs[0].Exists)
	assert.Equal(t, "blacklist nouveau\n", payload.Configs[0].Content)
	assert.NotEmpty(t, payload.Configs[0].Digest)
	assert.False(t, payload.Configs[1].Exists, "absent files are recorded as absent")
}

func TestSnapshot_RetentionPrunesPayloadDirs(t *testing.T) {
	withTrackedConfigs(t, nil)

	runner := &sysexec.ScriptedRunner{}
	runner.On("dpkg -l", sysexec.Result{Stdout: dpkgList})
	m, paths := testManager(t, runner)

	for i := 0; i < store.MaxBackups+3; i++ {
		_, err := m.Snapshot(context.Background(), "backup", debianSnap())
		require.NoError(t, err)
	}

	records, err := m.List()
	require.NoError(t, err)
	assert.Len(t, records, store.MaxBackups)

	entries, err := os.ReadDir(paths.Backups)
	require.NoError(t, err)
	assert.Len(t, entries, store.MaxBackups, "evicted payload directories must be removed")
}

func TestLoad_UnknownID(t *testing.T) {
	m, _ := testManager(t, &sysexec.ScriptedRunner{})
	_, err := m.Load(99)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRestore_ReplaysConfigsAndPackages(t *testing.T) {
	dir := t.TempDir()
	present := filepath.Join(dir, "blacklist-nouveau.conf")
	require.NoError(t, os.WriteFile(present, []byte("blacklist nouveau\n"), 0644))
	missing := filepath.Join(dir, "xorg.conf")
	withTrackedConfigs(t, []string{present, missing})

	runner := &sysexec.ScriptedRunner{}
	runner.On("dpkg -l", sysexec.Result{Stdout: dpkgList})
	m, _ := testManager(t, runner)

	ctx := context.Background()
	rec, err := m.Snapshot(ctx, "before repo-stable install", debianSnap())
	require.NoError(t, err)

	require.NoError(t, m.Restore(ctx, rec.ID, debianSnap()))

	calls := strings.Join(runner.CallStrings(), "\n")
	assert.Contains(t, calls, "sudo cp ", "captured configs are copied back")
	assert.Contains(t, calls, "sudo rm -f "+missing, "files absent at backup time are removed")
	assert.Contains(t, calls, "apt-get install -y --reinstall nvidia-driver-580-open libnvidia-gl-580")
	assert.Contains(t, calls, "sudo update-initramfs -u -k all")

	// A pre-restore snapshot was taken under the retention policy.
	records, err := m.List()
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Contains(t, records[0].Label, "before restore of backup")
}

func TestRestore_IsRepeatable(t *testing.T) {
	withTrackedConfigs(t, nil)

	runner := &sysexec.ScriptedRunner{}
	runner.On("dpkg -l", sysexec.Result{Stdout: dpkgList})
	m, _ := testManager(t, runner)

	ctx := context.Background()
	rec, err := m.Snapshot(ctx, "baseline", debianSnap())
	require.NoError(t, err)

	require.NoError(t, m.Restore(ctx, rec.ID, debianSnap()))
	require.NoError(t, m.Restore(ctx, rec.ID, debianSnap()))

	payload, err := m.Load(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"nvidia-driver-580-open", "libnvidia-gl-580"}, payload.Packages,
		"restoring never rewrites the backup it restores from")
}

func TestRestore_FailingStepAborts(t *testing.T) {
	withTrackedConfigs(t, nil)

	runner := &sysexec.ScriptedRunner{}
	runner.On("dpkg -l", sysexec.Result{Stdout: dpkgList})
	runner.On("apt-get install", sysexec.Result{ExitCode: 100, Stderr: "unmet dependencies"})
	m, _ := testManager(t, runner)

	ctx := context.Background()
	rec, err := m.Snapshot(ctx, "baseline", debianSnap())
	require.NoError(t, err)

	err = m.Restore(ctx, rec.ID, debianSnap())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unmet dependencies")

	calls := strings.Join(runner.CallStrings(), "\n")
	assert.NotContains(t, calls, "update-initramfs",
		"steps after the failing one must not run")
}
