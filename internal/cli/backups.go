package cli

import (
	"strconv"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"nvman/internal/utils"
)

var backupsCmd = &cobra.Command{
	Use:   "backups",
	Short: "List driver state backups, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		records, err := a.backups.List()
		if err != nil {
			return err
		}
		if len(records) == 0 {
			pterm.Info.Println("No backups.")
			return nil
		}

		data := pterm.TableData{{"ID", "Created", "Label", "Driver"}}
		for _, r := range records {
			driver := r.DriverFamily
			if r.DriverVersion != "" {
				driver += " " + r.DriverVersion
			}
			if r.FromRunfile {
				driver += " (.run)"
			}
			data = append(data, []string{
				strconv.FormatInt(r.ID, 10),
				r.CreatedAt.Format("2006-01-02 15:04"),
				r.Label,
				driver,
			})
		}
		return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
	},
}

var restoreCmd = &cobra.Command{
	Use:   "restore <backup-id>",
	Short: "Restore driver state from a backup",
	Long:  "Restore the package set and configuration captured in a backup. The current state is backed up first, so a restore can itself be undone.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return err
		}

		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		ctx := cmd.Context()
		if err := a.authenticate(ctx); err != nil {
			return err
		}
		snap, err := a.detect(ctx)
		if err != nil {
			return err
		}

		utils.LogInfo("Restoring backup %d", id)
		if err := a.backups.Restore(ctx, id, snap); err != nil {
			return err
		}
		pterm.Success.Println("Restore complete. Reboot to load the restored driver.")
		return nil
	},
}
