package commands

import (
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/hoistpaas/hoist/pkg/engine"
)

func newAppsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "apps",
		Aliases: []string{"app", "applications"},
		Short:   "Manage applications",
	}
	cmd.AddCommand(newAppsListCommand())
	cmd.AddCommand(newAppsCreateCommand())
	cmd.AddCommand(newAppsShowCommand())
	cmd.AddCommand(newAppsDeleteCommand())
	return cmd
}

func newAppsListCommand() *cobra.Command {
	var filter engine.ApplicationFilter

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List applications",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			apps, err := c.ListApplications(cmd.Context(), filter)
			if err != nil {
				return err
			}
			rows := make([]table.Row, 0, len(apps))
			for _, app := range apps {
				current := "-"
				if app.CurrentDeploymentID != nil {
					current = *app.CurrentDeploymentID
				}
				rows = append(rows, table.Row{app.ID, app.ProjectID, app.Name, app.DriverID, app.Status, current})
			}
			return printTable(apps, table.Row{"ID", "Project", "Name", "Driver", "Status", "Current Deployment"}, rows)
		},
	}

	cmd.Flags().StringVar(&filter.ProjectID, "project", "", "only applications of this project")
	cmd.Flags().StringVar(&filter.Repository, "repository", "", "only applications deployed from owner/name")
	cmd.Flags().StringVar(&filter.Branch, "branch", "", "only applications tracking this branch")

	return cmd
}

func newAppsCreateCommand() *cobra.Command {
	var in engine.CreateApplicationInput

	cmd := &cobra.Command{
		Use:   "create NAME",
		Short: "Create an application",
		Example: `  # Create an application deployed by pushes to acme/web@main
  hoist apps create web --project shop --driver docker --repository acme/web`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			in.Name = args[0]
			app, err := c.CreateApplication(cmd.Context(), in)
			if err != nil {
				return err
			}
			return printApplication(app)
		},
	}

	cmd.Flags().StringVar(&in.ProjectID, "project", "", "owning project")
	cmd.Flags().StringVar(&in.DriverID, "driver", "", "driver instance")
	cmd.Flags().StringVar(&in.Repository, "repository", "", "GitHub repository as owner/name")
	cmd.Flags().StringVar(&in.Branch, "branch", "", "branch deployed on push (default: main)")
	_ = cmd.MarkFlagRequired("project")
	_ = cmd.MarkFlagRequired("driver")

	return cmd
}

func newAppsShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show ID",
		Short: "Show an application",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			app, err := c.GetApplication(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printApplication(app)
		},
	}
}

func newAppsDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete ID",
		Short: "Delete an application, its certificates and its active deployment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			if err := c.DeleteApplication(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(stdout, "✓ Deleted application %s\n", args[0])
			return nil
		},
	}
}

func printApplication(app *engine.Application) error {
	current := ""
	if app.CurrentDeploymentID != nil {
		current = *app.CurrentDeploymentID
	}
	return printRecord(app, [][2]string{
		{"ID", app.ID},
		{"Project", app.ProjectID},
		{"Name", app.Name},
		{"Driver", app.DriverID},
		{"Repository", orDash(app.Repository)},
		{"Branch", orDash(app.Branch)},
		{"Status", string(app.Status)},
		{"Current deployment", orDash(current)},
		{"Last error", orDash(app.LastError)},
		{"Created", formatTime(app.CreatedAt)},
	})
}
