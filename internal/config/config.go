package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Paths describes the fixed on-disk layout of the application root.
// All state the manager owns lives below Root; the deferred installer
// additionally uses fixed system paths outside of it (see Settings).
type Paths struct {
	Root            string
	Logs            string
	ErrorLogs       string
	Cache           string
	CacheState      string
	Backups         string
	InstallOnReboot string
}

// Settings contains the user-tunable configuration, read from
// <root>/nvman.yaml when present.
type Settings struct {
	// PingHost is probed before any operation that needs the network.
	PingHost    string        `yaml:"ping_host"`
	PingTimeout time.Duration `yaml:"ping_timeout"`

	// StepTimeout bounds every privileged step.
	StepTimeout time.Duration `yaml:"step_timeout"`

	// MinFreeBytes is the preflight disk-space requirement on /.
	MinFreeBytes uint64 `yaml:"min_free_bytes"`

	// SystemInstallDir is the boot-accessible copy location for staged
	// install scripts. It must be outside any user home so the script
	// is executable before a session exists and under SELinux.
	SystemInstallDir string `yaml:"system_install_dir"`

	// DeferredLogPath and DeferredMarkerPath are fixed system paths the
	// boot-time install writes, independent of the application logs.
	DeferredLogPath    string `yaml:"deferred_log_path"`
	DeferredMarkerPath string `yaml:"deferred_marker_path"`
}

// UnmarshalYAML decodes duration fields from strings like "30m".
func (s *Settings) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		PingHost           string `yaml:"ping_host"`
		PingTimeout        string `yaml:"ping_timeout"`
		StepTimeout        string `yaml:"step_timeout"`
		MinFreeBytes       uint64 `yaml:"min_free_bytes"`
		SystemInstallDir   string `yaml:"system_install_dir"`
		DeferredLogPath    string `yaml:"deferred_log_path"`
		DeferredMarkerPath string `yaml:"deferred_marker_path"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}

	s.PingHost = raw.PingHost
	s.MinFreeBytes = raw.MinFreeBytes
	s.SystemInstallDir = raw.SystemInstallDir
	s.DeferredLogPath = raw.DeferredLogPath
	s.DeferredMarkerPath = raw.DeferredMarkerPath

	if raw.PingTimeout != "" {
		d, err := time.ParseDuration(raw.PingTimeout)
		if err != nil {
			return fmt.Errorf("invalid ping_timeout: %w", err)
		}
		s.PingTimeout = d
	}
	if raw.StepTimeout != "" {
		d, err := time.ParseDuration(raw.StepTimeout)
		if err != nil {
			return fmt.Errorf("invalid step_timeout: %w", err)
		}
		s.StepTimeout = d
	}
	return nil
}

// DefaultSettings returns the built-in settings values.
func DefaultSettings() *Settings {
	return &Settings{
		PingHost:           "8.8.8.8",
		PingTimeout:        5 * time.Second,
		StepTimeout:        10 * time.Minute,
		MinFreeBytes:       5 << 30,
		SystemInstallDir:   "/usr/local/lib/nvman-run-install",
		DeferredLogPath:    "/var/log/nvman-run-install.log",
		DeferredMarkerPath: "/var/log/nvman-run-install.done",
	}
}

// DefaultRoot returns the default application root directory.
func DefaultRoot() string {
	if env := os.Getenv("NVMAN_ROOT"); env != "" {
		return env
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "nvman")
	}
	return filepath.Join(home, ".local", "share", "nvman")
}

// NewPaths builds the layout below root and creates the directories.
func NewPaths(root string) (*Paths, error) {
	p := &Paths{
		Root:            root,
		Logs:            filepath.Join(root, "logs"),
		ErrorLogs:       filepath.Join(root, "logs", "errors"),
		Cache:           filepath.Join(root, "cache"),
		CacheState:      filepath.Join(root, "cache", "state"),
		Backups:         filepath.Join(root, "cache", "backups"),
		InstallOnReboot: filepath.Join(root, "install-on-reboot"),
	}
	for _, dir := range []string{p.Logs, p.ErrorLogs, p.CacheState, p.Backups, p.InstallOnReboot} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return p, nil
}

// StateDB returns the path of the sqlite state database.
func (p *Paths) StateDB() string {
	return filepath.Join(p.CacheState, "nvman.db")
}

// DeferredJobFile returns the path of the persisted deferred-job record.
func (p *Paths) DeferredJobFile() string {
	return filepath.Join(p.CacheState, "deferred-job.json")
}

// LoadSettings reads <root>/nvman.yaml, falling back to defaults for a
// missing file or missing fields.
func LoadSettings(root string) (*Settings, error) {
	s := DefaultSettings()

	data, err := os.ReadFile(filepath.Join(root, "nvman.yaml"))
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("failed to read settings: %w", err)
	}
	if err := yaml.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("failed to parse settings: %w", err)
	}

	defaults := DefaultSettings()
	if s.PingHost == "" {
		s.PingHost = defaults.PingHost
	}
	if s.PingTimeout <= 0 {
		s.PingTimeout = defaults.PingTimeout
	}
	if s.StepTimeout <= 0 {
		s.StepTimeout = defaults.StepTimeout
	}
	if s.MinFreeBytes == 0 {
		s.MinFreeBytes = defaults.MinFreeBytes
	}
	if s.SystemInstallDir == "" {
		s.SystemInstallDir = defaults.SystemInstallDir
	}
	if s.DeferredLogPath == "" {
		s.DeferredLogPath = defaults.DeferredLogPath
	}
	if s.DeferredMarkerPath == "" {
		s.DeferredMarkerPath = defaults.DeferredMarkerPath
	}
	return s, nil
}
