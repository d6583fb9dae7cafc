package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"nvman/internal/diagnostics"
	"nvman/internal/strategy"
	"nvman/internal/system"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the detected system and driver state",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		ctx := cmd.Context()
		a.checkDeferred(ctx)

		snap, err := a.detect(ctx)
		if err != nil {
			return err
		}
		printSnapshot(snap)
		return nil
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent installation attempts",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		entries, err := a.store.ListHistory(20)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			pterm.Info.Println("No installations recorded.")
			return nil
		}

		data := pterm.TableData{{"Started", "Strategy", "Outcome", "Backup"}}
		for _, e := range entries {
			backupRef := "-"
			if e.BackupID != 0 {
				backupRef = fmt.Sprintf("%d", e.BackupID)
			}
			data = append(data, []string{
				e.StartedAt.Format("2006-01-02 15:04"),
				e.Strategy,
				e.Outcome,
				backupRef,
			})
		}
		return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
	},
}

var diagnosticsJSON bool

var diagnosticsCmd = &cobra.Command{
	Use:   "diagnostics",
	Short: "Collect a read-only diagnostics report",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		ctx := cmd.Context()
		collector := diagnostics.NewCollector(a.paths, a.store, func(ctx context.Context) (*system.Snapshot, error) {
			return a.detect(ctx)
		})
		rep, err := collector.Collect(ctx)
		if err != nil {
			return err
		}

		if diagnosticsJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(rep)
		}

		if rep.Snapshot != nil {
			printSnapshot(rep.Snapshot)
		} else {
			pterm.Error.Printf("Detection failed: %s\n", rep.SnapshotErr)
		}

		pterm.DefaultSection.Println("Backups")
		if len(rep.Backups) == 0 {
			pterm.Println("none")
		}
		for _, b := range rep.Backups {
			pterm.Printf("%4d  %s  %s\n", b.ID, b.CreatedAt.Format("2006-01-02 15:04"), b.Label)
		}

		pterm.DefaultSection.Println("Last install")
		if rep.LastInstall == nil {
			pterm.Println("none")
		} else {
			pterm.Printf("%s  %s  %s\n",
				rep.LastInstall.StartedAt.Format("2006-01-02 15:04"),
				rep.LastInstall.Strategy, rep.LastInstall.Outcome)
		}

		if rep.DeferredJob != nil {
			pterm.DefaultSection.Println("Staged install")
			pterm.Printf("%s %s, staged %s\n", rep.DeferredJob.Strategy,
				rep.DeferredJob.Version, rep.DeferredJob.CreatedAt.Format("2006-01-02 15:04"))
			for _, line := range rep.DeferredLogTail {
				pterm.Println("  " + line)
			}
		}
		return nil
	},
}

var versionsCmd = &cobra.Command{
	Use:   "versions",
	Short: "Show the driver versions each strategy would install",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		ctx := cmd.Context()
		snap, err := a.detect(ctx)
		if err != nil {
			return err
		}

		run := strategy.FetchRunVersions(ctx, a.runner, snap.Arch)
		stablePkg, stableVer := strategy.RepoDriver(ctx, a.runner, snap, false)
		latestPkg, latestVer := strategy.RepoDriver(ctx, a.runner, snap, true)

		data := pterm.TableData{
			{"Strategy", "Version"},
			{"repo-stable", fmt.Sprintf("%s (%s)", stableVer, stablePkg)},
			{"repo-latest", fmt.Sprintf("%s (%s)", latestVer, latestPkg)},
			{"run-production", run.Production},
			{"run-new-feature", run.NewFeature},
			{"run-beta", run.Beta},
			{"run-legacy", run.Legacy},
		}
		return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
	},
}

func init() {
	diagnosticsCmd.Flags().BoolVar(&diagnosticsJSON, "json", false, "emit the report as JSON")
}
