package commands

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/unitctl/pkg/engine"
)

func newStateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Inspect and restore state backups",
		Long: `Inspect the snapshots taken before every apply and restore one by hand.

Restoring by hand is the way out after a run failed because an automatic
rollback could not write state back.`,
	}

	cmd.AddCommand(newStateBackupsCommand())
	cmd.AddCommand(newStateRestoreCommand())

	return cmd
}

func newStateBackupsCommand() *cobra.Command {
	var key string

	cmd := &cobra.Command{
		Use:   "backups",
		Short: "List the backups of a backend key",
		Example: `  # Backups of one unit's state, oldest first
  unitctl state backups --key acme-dev/us-east-1/s3/acme-logs/acme-logs.tfstate`,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime(cmd)
			if err != nil {
				return err
			}
			defer closeRuntime(cmd, rt)

			backups, err := rt.State.List(cmd.Context(), engine.BackendKey(key))
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), backups)
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tTIMESTAMP\tSIZE\tEMPTY\tRESTORED\tLOCATION")
			for _, b := range backups {
				restored := "-"
				if b.RestoredAt != nil {
					restored = b.RestoredAt.Format(time.RFC3339)
				}
				fmt.Fprintf(tw, "%s\t%s\t%d\t%t\t%s\t%s\n",
					b.ID, b.Timestamp.Format(time.RFC3339), b.Size, b.Empty, restored, b.SnapshotLocation)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().StringVar(&key, "key", "", "backend key")
	_ = cmd.MarkFlagRequired("key")

	return cmd
}

func newStateRestoreCommand() *cobra.Command {
	var id string

	cmd := &cobra.Command{
		Use:   "restore",
		Short: "Restore a state backup",
		Long: `Write a state backup back to its backend key.

WARNING: This replaces the current state of the key. Make sure no apply is
running against it.`,
		Example: `  # Restore a snapshot listed by 'unitctl state backups'
  unitctl state restore --id 3f1c9a2e-6c1e-4f7e-9a57-2d0c3b1e8f10`,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime(cmd)
			if err != nil {
				return err
			}
			defer closeRuntime(cmd, rt)

			rec, restored, err := rt.State.RestoreByID(cmd.Context(), id)
			if err != nil {
				return err
			}

			log.Info().
				Str("backup_id", rec.ID).
				Str("backend_key", rec.BackendKey.String()).
				Bool("restored", restored).
				Msg("Restore finished")

			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), map[string]interface{}{
					"backup":   rec,
					"restored": restored,
				})
			}
			if !restored {
				fmt.Fprintf(cmd.OutOrStdout(), "backup %s is an empty snapshot, nothing to restore for %s\n", rec.ID, rec.BackendKey)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "restored %s from backup %s\n", rec.BackendKey, rec.ID)
			return nil
		},
	}

	cmd.Flags().StringVar(&id, "id", "", "backup ID")
	_ = cmd.MarkFlagRequired("id")

	return cmd
}
