package cli

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"nvman/internal/orchestrator"
	"nvman/internal/strategy"
	"nvman/internal/system"
	"nvman/internal/utils"
)

var installYes bool

var installCmd = &cobra.Command{
	Use:   "install <strategy>",
	Short: "Install a driver using the given strategy",
	Long: `Install a driver. Strategies:

  nvk              open-source Mesa/NVK stack on nouveau
  repo-stable      second-newest proprietary driver from the distro repos
  repo-latest      newest proprietary driver from the distro repos
  run-production   vendor .run file, production tier (staged for next boot)
  run-new-feature  vendor .run file, new-feature tier (staged for next boot)
  run-beta         vendor .run file, beta tier (staged for next boot)
  run-legacy       vendor .run file, legacy tier (staged for next boot)`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, err := strategy.ParseKind(args[0])
		if err != nil {
			return err
		}
		if kind == strategy.Uninstall {
			return fmt.Errorf("use the uninstall command to remove the driver")
		}
		return runInstall(cmd.Context(), kind)
	},
}

var uninstallCmd = &cobra.Command{
	Use:   "uninstall",
	Short: "Remove the NVIDIA driver and restore nouveau",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runInstall(cmd.Context(), strategy.Uninstall)
	},
}

func init() {
	installCmd.Flags().BoolVarP(&installYes, "yes", "y", false, "skip the confirmation prompt")
	uninstallCmd.Flags().BoolVarP(&installYes, "yes", "y", false, "skip the confirmation prompt")
}

func runInstall(ctx context.Context, kind strategy.Kind) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.authenticate(ctx); err != nil {
		return err
	}
	a.checkDeferred(ctx)

	snap, err := a.detect(ctx)
	if err != nil {
		return err
	}
	printSnapshot(snap)

	var version, pkg string
	switch {
	case kind.IsRunfile():
		versions := strategy.FetchRunVersions(ctx, a.runner, snap.Arch)
		version = versions.ForKind(kind)
	case kind == strategy.RepoStable || kind == strategy.RepoLatest:
		pkg, version = strategy.RepoDriver(ctx, a.runner, snap, kind == strategy.RepoLatest)
	}

	strat, err := strategy.Select(kind, snap, version, pkg)
	if err != nil {
		return err
	}

	printPlan(strat)
	if !installYes {
		confirm, _ := pterm.DefaultInteractiveConfirm.
			WithDefaultText("Proceed?").
			WithDefaultValue(false).
			Show()
		if !confirm {
			pterm.Info.Println("Aborted.")
			return nil
		}
	}

	orch := a.orchestrator()

	// Ctrl-C before privileged steps start cancels cleanly. Once they
	// run the signal is ignored and restore is the recovery path.
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		orch.Cancel()
	}()

	result, err := orch.BeginInstall(context.WithoutCancel(ctx), snap, strat)
	if err != nil {
		return reportInstallError(err, result)
	}

	switch result.State {
	case orchestrator.Succeeded:
		pterm.Success.Printf("%s installed. Reboot to load the new driver.\n", strat.Name)
	case orchestrator.DeferredPending:
		pterm.Success.Printf("%s %s staged for installation on next boot.\n", strat.Name, strat.TargetVersion)
		pterm.Info.Printf("Progress will be logged to %s\n", result.Job.LogPath)
	}
	return nil
}

func reportInstallError(err error, result *orchestrator.Result) error {
	var stepErr *orchestrator.StepExecutionError
	var verErr *orchestrator.VerificationError
	switch {
	case errors.Is(err, orchestrator.ErrCancelled):
		pterm.Info.Println("Installation cancelled, nothing was changed.")
		return nil
	case errors.As(err, &stepErr):
		pterm.Error.Printf("Step failed: %s\n", stepErr.Step)
		if stepErr.Result.Stderr != "" {
			pterm.Println(stepErr.Result.Stderr)
		}
	case errors.As(err, &verErr):
		pterm.Error.Println(verErr.Error())
	default:
		return err
	}
	if result != nil {
		if result.ReportPath != "" {
			pterm.Info.Printf("Error report: %s\n", result.ReportPath)
		}
		if result.BackupID != 0 {
			pterm.Info.Printf("Restore the previous state with: nvman restore %d\n", result.BackupID)
		}
	}
	return err
}

func printSnapshot(snap *system.Snapshot) {
	pterm.DefaultSection.Println("System")
	data := pterm.TableData{
		{"Distribution", fmt.Sprintf("%s (%s family)", snap.DistroName, snap.Family)},
		{"Kernel", snap.Kernel.Release},
		{"Session", snap.Session.String()},
		{"Secure boot", onOff(snap.SecureBoot)},
		{"GPU", snap.GPUModel},
		{"Driver", snap.Driver.String()},
		{"Network", onOff(snap.NetworkReachable)},
	}
	if err := pterm.DefaultTable.WithData(data).Render(); err != nil {
		utils.LogWarn("Failed to render table: %v", err)
	}
}

func printPlan(strat *strategy.Strategy) {
	pterm.DefaultSection.Println("Plan")
	pterm.Printf("Strategy: %s\n", strat.Name)
	if strat.TargetVersion != "" {
		pterm.Printf("Driver version: %s\n", strat.TargetVersion)
	}
	if strat.RequiresRebootDeferral {
		pterm.Println("The install will be staged and run automatically at next boot,")
		pterm.Println("before the display manager starts.")
		return
	}
	pterm.Printf("Steps to run: %d\n", len(strat.Steps))
	for _, cmd := range strat.Steps {
		utils.LogDebug("  %s", cmd)
	}
}

func onOff(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
