// Package cli wires the command surface. Commands build an app context
// holding the store, settings and runner, and release it when done.
package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"nvman/internal/backup"
	"nvman/internal/config"
	"nvman/internal/deferred"
	"nvman/internal/orchestrator"
	"nvman/internal/store"
	"nvman/internal/sysexec"
	"nvman/internal/system"
	"nvman/internal/utils"
)

var verbose int

var rootCmd = &cobra.Command{
	Use:     "nvman",
	Short:   "NVIDIA driver installation manager",
	Long:    "Manages NVIDIA GPU driver installation on Debian and Fedora family systems: open-source NVK, repository drivers, and vendor .run files staged for the next boot.",
	Version: "0.4.0",

	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().CountVarP(&verbose, "verbose", "v", "verbose output (-v, -vv, -vvv)")

	rootCmd.AddCommand(installCmd)
	rootCmd.AddCommand(uninstallCmd)
	rootCmd.AddCommand(backupsCmd)
	rootCmd.AddCommand(restoreCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(diagnosticsCmd)
	rootCmd.AddCommand(versionsCmd)
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

// app holds the per-invocation wiring.
type app struct {
	paths    *config.Paths
	settings *config.Settings
	store    *store.Store
	runner   *sysexec.SudoRunner
	backups  *backup.Manager
	stager   *deferred.Stager
}

func newApp() (*app, error) {
	root := config.DefaultRoot()
	paths, err := config.NewPaths(root)
	if err != nil {
		return nil, err
	}
	utils.InitLogging(verbose, paths.Logs)

	settings, err := config.LoadSettings(root)
	if err != nil {
		return nil, err
	}
	st, err := store.New(paths.StateDB())
	if err != nil {
		return nil, err
	}

	runner := &sysexec.SudoRunner{
		DefaultTimeout: settings.StepTimeout,
		ShowSpinner:    verbose == 0,
	}
	a := &app{
		paths:    paths,
		settings: settings,
		store:    st,
		runner:   runner,
		backups:  backup.NewManager(st, paths, runner),
		stager:   deferred.NewStager(paths, settings, runner, st),
	}
	return a, nil
}

func (a *app) close() {
	if err := a.store.Close(); err != nil {
		utils.LogWarn("Failed to close state store: %v", err)
	}
}

// authenticate prompts for the sudo password once and validates it.
// sudo-rs does not share its credential cache with child processes, so
// the password is piped to every privileged step.
func (a *app) authenticate(ctx context.Context) error {
	pterm.Print("Sudo password: ")
	pass, err := pterm.DefaultInteractiveTextInput.WithMask("*").Show()
	if err != nil {
		return fmt.Errorf("failed to read password: %w", err)
	}
	a.runner.Password = strings.TrimSpace(pass)
	if err := a.runner.Verify(ctx); err != nil {
		return err
	}
	return nil
}

func (a *app) detect(ctx context.Context) (*system.Snapshot, error) {
	snap, err := system.NewDetector(a.runner).Detect(ctx)
	if err != nil {
		return nil, err
	}
	snap.NetworkReachable = system.Reachable(ctx, a.runner, a.settings.PingHost, a.settings.PingTimeout)
	return snap, nil
}

// checkDeferred reports on a staged install from a previous run. It is
// called on startup so a post-reboot run notices the completed job.
func (a *app) checkDeferred(ctx context.Context) {
	comp, err := a.stager.CheckCompletion(ctx)
	if err != nil {
		utils.LogWarn("Deferred install check failed: %v", err)
		return
	}
	switch comp.State {
	case deferred.StateCompleted:
		pterm.Success.Printf("Staged install of %s completed at boot\n", comp.Job.Version)
	case deferred.StateFailed:
		pterm.Error.Printf("Staged install of %s failed at boot, log: %s\n", comp.Job.Version, comp.Job.LogPath)
		for _, line := range comp.LogTail {
			pterm.Println("  " + line)
		}
	case deferred.StatePending:
		pterm.Info.Printf("Staged install of %s is pending, reboot to run it\n", comp.Job.Version)
	}
}

func (a *app) orchestrator() *orchestrator.Orchestrator {
	return orchestrator.New(a.paths, a.settings, a.runner, a.store, a.backups, a.stager)
}
