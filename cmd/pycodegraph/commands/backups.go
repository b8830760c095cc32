package commands

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/shiftcmd/pycodegraph/pkg/backup"
	"github.com/shiftcmd/pycodegraph/pkg/config"
	"github.com/shiftcmd/pycodegraph/pkg/graphstore"
)

// NewBackupsCommand creates the backups subcommand tree: list, restore,
// delete, and cleanup over the backup directory's manifest.
func NewBackupsCommand(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backups",
		Short: "Manage graph store backups",
	}

	cmd.AddCommand(
		newBackupsListCommand(configPath),
		newBackupsRestoreCommand(configPath),
		newBackupsDeleteCommand(configPath),
		newBackupsCleanupCommand(configPath),
	)

	return cmd
}

func backupManager(configPath *string) (*backup.Manager, *config.Config, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, nil, err
	}

	admin := graphstore.NewLocalAdmin(cfg.GraphStore.DataDir)

	return backup.NewManager(cfg.Backup.Directory, admin), cfg, nil
}

func newBackupsListCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all backups",
		RunE: func(_ *cobra.Command, _ []string) error {
			mgr, _, err := backupManager(configPath)
			if err != nil {
				return err
			}

			renderBackups(mgr.ListBackups())

			return nil
		},
	}
}

func newBackupsRestoreCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "restore <job-id>",
		Short: "Restore the graph store data directory from a backup",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, _, err := backupManager(configPath)
			if err != nil {
				return err
			}

			return mgr.RestoreBackup(cmd.Context(), args[0])
		},
	}
}

func newBackupsDeleteCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <job-id>",
		Short: "Delete a backup archive and its record",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			mgr, _, err := backupManager(configPath)
			if err != nil {
				return err
			}

			return mgr.DeleteBackup(args[0])
		},
	}
}

func newBackupsCleanupCommand(configPath *string) *cobra.Command {
	var (
		maxAge      time.Duration
		keepMinimum int
	)

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete old backups, keeping a minimum count",
		RunE: func(cmd *cobra.Command, _ []string) error {
			mgr, cfg, err := backupManager(configPath)
			if err != nil {
				return err
			}

			age := maxAge
			if !cmd.Flags().Changed("max-age") {
				age = cfg.Backup.MaxAge
			}

			keep := keepMinimum
			if !cmd.Flags().Changed("keep-minimum") {
				keep = cfg.Backup.KeepMinimum
			}

			removed := mgr.Cleanup(age, keep)
			cmd.Printf("removed %d backups\n", removed)

			return nil
		},
	}

	cmd.Flags().DurationVar(&maxAge, "max-age", 7*24*time.Hour, "delete backups older than this")
	cmd.Flags().IntVar(&keepMinimum, "keep-minimum", 3, "always keep at least this many")

	return cmd
}
