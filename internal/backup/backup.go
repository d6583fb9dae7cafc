// Package backup captures and restores driver state. A backup records
// the installed NVIDIA packages, the module and Xorg configuration
// files, and the active driver descriptor. Payloads live on disk under
// the cache; the index lives in the sqlite store with a retention cap.
package backup

import (
	"context"
	"encoding/json"
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

// trackedConfigs are the files captured with every backup. Absent files
// are recorded as absent and removed again on restore.
var trackedConfigs = []string{
	"/etc/modprobe.d/blacklist-nouveau.conf",
	"/etc/modprobe.d/nouveau.conf",
	"/etc/modprobe.d/disable-nvidia.conf",
	"/etc/X11/xorg.conf",
	"/etc/initramfs-tools/modules",
}

// ConfigFile is one captured configuration file.
type ConfigFile struct {
	Path    string `json:"path"`
	Exists  bool   `json:"exists"`
	Content string `json:"content,omitempty"`
	Digest  string `json:"digest,omitempty"`
}

// Payload is the on-disk body of a backup.
type Payload struct {
	CreatedAt time.Time       `json:"created_at"`
	Label     string          `json:"label"`
	Snapshot  system.Snapshot `json:"snapshot"`
	Packages  []string        `json:"packages"`
	Configs   []ConfigFile    `json:"configs"`
}

// Manager creates, lists and restores backups.
type Manager struct {
	store  *store.Store
	paths  *config.Paths
	runner sysexec.Runner

	readFile func(string) (string, error)
}

// NewManager returns a manager over the given store and runner.
func NewManager(st *store.Store, paths *config.Paths, runner sysexec.Runner) *Manager {
	return &Manager{
		store:    st,
		paths:    paths,
		runner:   runner,
		readFile: utils.ReadFile,
	}
}

// Snapshot captures the current driver state under the given label and
// returns the new index record. Evicted payload directories are removed
// after their index rows are gone, so an interrupted eviction leaves at
// worst an orphaned directory, never a dangling index row.
func (m *Manager) Snapshot(ctx context.Context, label string, snap *system.Snapshot) (*store.BackupRecord, error) {
	utils.LogInfo("Creating backup: %s", label)

	packages, err := system.InstalledNvidiaPackages(ctx, m.runner, snap.Family)
	if err != nil {
		return nil, fmt.Errorf("failed to list installed packages: %w", err)
	}

	payload := &Payload{
		CreatedAt: time.Now(),
		Label:     label,
		Snapshot:  *snap,
		Packages:  packages,
	}
	for _, path := range trackedConfigs {
		cf := ConfigFile{Path: path}
		if utils.Exists(path) {
			content, err := m.readFile(path)
			if err != nil {
				return nil, fmt.Errorf("failed to read %s: %w", path, err)
			}
			digest, err := utils.FileDigest(path)
			if err != nil {
				return nil, fmt.Errorf("failed to digest %s: %w", path, err)
			}
			cf.Exists = true
			cf.Content = content
			cf.Digest = digest
		}
		payload.Configs = append(payload.Configs, cf)
	}

	dir := filepath.Join(m.paths.Backups, uuid.NewString())
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create backup directory: %w", err)
	}
	payloadPath := filepath.Join(dir, "backup.json")
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode backup: %w", err)
	}
	if err := os.WriteFile(payloadPath, data, 0644); err != nil {
		return nil, fmt.Errorf("failed to write backup payload: %w", err)
	}

	rec := &store.BackupRecord{
		CreatedAt:     payload.CreatedAt,
		Label:         label,
		DriverFamily:  snap.Driver.Family.String(),
		DriverVersion: snap.Driver.Version,
		FromRunfile:   snap.Driver.FromRunfile,
		PayloadPath:   payloadPath,
	}
	id, evicted, err := m.store.InsertBackup(rec)
	if err != nil {
		os.RemoveAll(dir)
		return nil, err
	}
	rec.ID = id

	for _, old := range evicted {
		utils.LogDebug("Evicting backup %d (%s)", old.ID, old.Label)
		if err := os.RemoveAll(filepath.Dir(old.PayloadPath)); err != nil {
			utils.LogWarn("Failed to remove evicted backup payload: %v", err)
		}
	}

	utils.LogInfo("Backup %d created (%d packages, %d config files)", id, len(packages), len(payload.Configs))
	return rec, nil
}

// List returns all backup records, newest first.
func (m *Manager) List() ([]store.BackupRecord, error) {
	return m.store.ListBackups()
}

// Load reads the payload of a backup.
func (m *Manager) Load(id int64) (*Payload, error) {
	rec, err := m.store.GetBackup(id)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(rec.PayloadPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read backup payload: %w", err)
	}
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to decode backup payload: %w", err)
	}
	return &p, nil
}

// Restore puts the configuration files and package set of a backup back
// in place. The current state is snapshotted first so a restore can
// itself be undone. snap describes the system as it is now.
func (m *Manager) Restore(ctx context.Context, id int64, snap *system.Snapshot) error {
	payload, err := m.Load(id)
	if err != nil {
		return err
	}

	if _, err := m.Snapshot(ctx, fmt.Sprintf("before restore of backup %d", id), snap); err != nil {
		return fmt.Errorf("failed to snapshot current state: %w", err)
	}

	utils.LogInfo("Restoring backup %d (%s)", id, payload.Label)

	stage := filepath.Join(m.paths.Backups, fmt.Sprintf("restore-stage-%d", id))
	if err := os.MkdirAll(stage, 0755); err != nil {
		return fmt.Errorf("failed to create restore staging directory: %w", err)
	}
	defer os.RemoveAll(stage)

	var steps []sysexec.Command
	for i, cf := range payload.Configs {
		if !cf.Exists {
			steps = append(steps, sysexec.Command{
				Name: "rm", Args: []string{"-f", cf.Path}, Sudo: true,
				Description: fmt.Sprintf("removing %s", cf.Path),
			})
			continue
		}
		staged := filepath.Join(stage, fmt.Sprintf("cfg-%d", i))
		if err := utils.WriteFile(staged, cf.Content); err != nil {
			return fmt.Errorf("failed to stage %s: %w", cf.Path, err)
		}
		steps = append(steps, sysexec.Command{
			Name: "cp", Args: []string{staged, cf.Path}, Sudo: true,
			Description: fmt.Sprintf("restoring %s", cf.Path),
		})
	}

	if len(payload.Packages) > 0 {
		steps = append(steps, installPackagesStep(payload.Snapshot.Family, payload.Snapshot.DNFCommand, payload.Packages))
	}
	steps = append(steps, strategy.RebuildInitramfs(payload.Snapshot.Family))

	for _, cmd := range steps {
		res, err := m.runner.Run(ctx, cmd)
		if err != nil {
			return fmt.Errorf("restore step failed (%s): %w", cmd, err)
		}
		if !res.Ok() {
			return fmt.Errorf("restore step failed (%s): exit %d: %s", cmd, res.ExitCode, res.Stderr)
		}
	}

	utils.LogInfo("Backup %d restored, reboot to load the restored driver", id)
	return nil
}

func installPackagesStep(family system.DistroFamily, dnf string, packages []string) sysexec.Command {
	if family == system.FamilyFedora {
		if dnf == "" {
			dnf = "dnf"
		}
		args := append([]string{"install", "-y"}, packages...)
		return sysexec.Command{
			Name: dnf, Args: args, Sudo: true,
			Timeout:     30 * time.Minute,
			Description: "reinstalling driver packages",
		}
	}
	args := append([]string{"install", "-y", "--reinstall"}, packages...)
	return sysexec.Command{
		Name: "apt-get", Args: args, Sudo: true,
		Timeout:     30 * time.Minute,
		Description: "reinstalling driver packages",
	}
}
