package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hoistpaas/hoist/pkg/stores"
)

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		Long: `Apply the pending schema migrations to the SQLite store named in
database.path. "hoist serve" migrates on start; this command does it ahead of
an upgrade.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			store, err := stores.Open(cmd.Context(), cfg.Database)
			if err != nil {
				return err
			}
			defer store.Close()

			version, dirty, err := store.MigrationVersion()
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(map[string]any{"path": cfg.Database.Path, "version": version, "dirty": dirty})
			}
			fmt.Fprintf(stdout, "✓ %s is at schema version %d\n", cfg.Database.Path, version)
			if dirty {
				fmt.Fprintf(stdout, "  the last migration did not complete; restore a backup before serving\n")
			}
			return nil
		},
	}
}
