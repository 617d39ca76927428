package commands

import (
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/hoistpaas/hoist/pkg/engine"
)

func newDatabasesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "databases",
		Aliases: []string{"db"},
		Short:   "Manage databases provisioned through drivers",
	}
	cmd.AddCommand(newDatabasesListCommand())
	cmd.AddCommand(newDatabasesCreateCommand())
	cmd.AddCommand(newDatabasesDeleteCommand())
	return cmd
}

func newDatabasesListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list PROJECT",
		Short: "List databases of a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			dbs, err := c.ListDatabases(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			rows := make([]table.Row, 0, len(dbs))
			for _, db := range dbs {
				rows = append(rows, table.Row{db.ID, db.Name, db.Engine, db.DriverID, db.Status, orDash(db.LastError)})
			}
			return printTable(dbs, table.Row{"ID", "Name", "Engine", "Driver", "Status", "Error"}, rows)
		},
	}
}

func newDatabasesCreateCommand() *cobra.Command {
	var in engine.CreateDatabaseInput
	var dbEngine string

	cmd := &cobra.Command{
		Use:     "create NAME",
		Short:   "Provision a database",
		Example: `  hoist databases create orders --project shop --engine postgres --driver docker`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			in.Name = args[0]
			in.Engine = engine.DatabaseEngine(dbEngine)
			db, err := c.CreateDatabase(cmd.Context(), in)
			if err != nil {
				return err
			}
			return printRecord(db, [][2]string{
				{"ID", db.ID},
				{"Project", db.ProjectID},
				{"Name", db.Name},
				{"Engine", string(db.Engine)},
				{"Driver", db.DriverID},
				{"Status", string(db.Status)},
				{"Last error", orDash(db.LastError)},
			})
		},
	}

	cmd.Flags().StringVar(&in.ProjectID, "project", "", "owning project")
	cmd.Flags().StringVar(&in.DriverID, "driver", "", "driver instance")
	cmd.Flags().StringVar(&dbEngine, "engine", "postgres", "postgres, mysql or redis")
	_ = cmd.MarkFlagRequired("project")
	_ = cmd.MarkFlagRequired("driver")

	return cmd
}

func newDatabasesDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete ID",
		Short: "Delete a database",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			if err := c.DeleteDatabase(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(stdout, "✓ Deleted database %s\n", args[0])
			return nil
		},
	}
}
