package commands

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/hoistpaas/hoist/pkg/client"
	"github.com/hoistpaas/hoist/pkg/engine"
	"github.com/hoistpaas/hoist/pkg/telemetry"
)

func newDeployCommand() *cobra.Command {
	var (
		ref    string
		follow bool
	)

	cmd := &cobra.Command{
		Use:   "deploy APPLICATION",
		Short: "Deploy a source reference of an application",
		Long: `Request a deployment. The request fails when the application already
has a deployment in progress; cancel it first or wait for it to finish.`,
		Example: `  # Deploy a commit and follow its logs
  hoist deploy 0b7c... --ref a94a8fe5 --follow`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			dep, err := c.RequestDeployment(ctx, args[0], engine.DeploymentRequest{SourceRef: ref, Trigger: "cli"})
			if err != nil {
				return err
			}
			if !follow {
				return printDeployment(dep, nil)
			}

			fmt.Fprintf(stdout, "Deployment %s queued\n", dep.ID)
			final, err := followDeployment(ctx, c, dep.ID)
			if err != nil {
				return err
			}
			fmt.Fprintf(stdout, "Deployment %s %s\n", final.ID, final.Status)
			if final.Status != engine.DeploymentStatusRunning {
				return fmt.Errorf("deployment %s: %s", final.Status, final.LastError)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&ref, "ref", "", "source reference to deploy (commit SHA or image tag)")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "stream the deployment logs until it finishes")
	_ = cmd.MarkFlagRequired("ref")

	return cmd
}

func newDeploymentsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "deployments",
		Aliases: []string{"deps"},
		Short:   "Inspect and cancel deployments",
	}
	cmd.AddCommand(newDeploymentsListCommand())
	cmd.AddCommand(newDeploymentsShowCommand())
	cmd.AddCommand(newDeploymentsCancelCommand())
	cmd.AddCommand(newDeploymentsWatchCommand())
	return cmd
}

func newDeploymentsListCommand() *cobra.Command {
	var (
		statuses []string
		limit    int
	)

	cmd := &cobra.Command{
		Use:   "list APPLICATION",
		Short: "List deployments of an application, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			filter := make([]engine.DeploymentStatus, len(statuses))
			for i, s := range statuses {
				filter[i] = engine.DeploymentStatus(s)
			}
			deps, err := c.ListDeployments(cmd.Context(), args[0], filter, limit)
			if err != nil {
				return err
			}
			rows := make([]table.Row, 0, len(deps))
			for _, dep := range deps {
				rows = append(rows, table.Row{dep.ID, dep.SourceRef, dep.Status, orDash(dep.Trigger), formatTime(dep.QueuedAt), formatTimePtr(dep.FinishedAt)})
			}
			return printTable(deps, table.Row{"ID", "Ref", "Status", "Trigger", "Queued", "Finished"}, rows)
		},
	}

	cmd.Flags().StringSliceVar(&statuses, "status", nil, "only deployments in these statuses")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of deployments")

	return cmd
}

func newDeploymentsShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show ID",
		Short: "Show a deployment and its transitions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			detail, err := c.DeploymentDetail(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printDeployment(&detail.Deployment, detail)
		},
	}
}

func newDeploymentsCancelCommand() *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "cancel ID",
		Short: "Cancel a deployment that has not finished",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			dep, err := c.CancelDeployment(cmd.Context(), args[0], reason)
			if err != nil {
				return err
			}
			return printDeployment(dep, nil)
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded on the deployment")

	return cmd
}

func newDeploymentsWatchCommand() *cobra.Command {
	var deploymentID string

	cmd := &cobra.Command{
		Use:   "watch APPLICATION",
		Short: "Print deployment and certificate changes of an application as they happen",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			return c.WatchUpdates(cmd.Context(), args[0], deploymentID, func(e telemetry.Event) error {
				if jsonOutput {
					return printJSON(e)
				}
				fmt.Fprintf(stdout, "%s  %-28s %s\n", formatTime(e.Timestamp), e.Type, e.Message)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&deploymentID, "deployment", "", "only changes of this deployment")

	return cmd
}

// printDeployment renders a deployment, with its history when detail is set.
func printDeployment(dep *engine.Deployment, detail *client.DeploymentDetail) error {
	if jsonOutput {
		if detail != nil {
			return printJSON(detail)
		}
		return printJSON(dep)
	}
	if err := printRecord(dep, [][2]string{
		{"ID", dep.ID},
		{"Application", dep.ApplicationID},
		{"Ref", dep.SourceRef},
		{"Trigger", orDash(dep.Trigger)},
		{"Status", string(dep.Status)},
		{"Attempts", strconv.Itoa(dep.Attempts)},
		{"Log cursor", strconv.FormatInt(dep.LogCursor, 10)},
		{"Last error", orDash(dep.LastError)},
		{"Queued", formatTime(dep.QueuedAt)},
		{"Building", formatTimePtr(dep.BuildingAt)},
		{"Releasing", formatTimePtr(dep.ReleasingAt)},
		{"Finished", formatTimePtr(dep.FinishedAt)},
	}); err != nil {
		return err
	}
	if detail == nil || len(detail.History) == 0 {
		return nil
	}

	fmt.Fprintln(stdout)
	rows := make([]table.Row, 0, len(detail.History))
	for _, ev := range detail.History {
		rows = append(rows, table.Row{formatTime(ev.Timestamp), ev.From, ev.To, orDash(ev.Message)})
	}
	return printTable(detail, table.Row{"At", "From", "To", "Message"}, rows)
}

// followDeployment prints the log stream of a deployment until it reaches a
// terminal status. A running deployment keeps its stream open for
// application output, so the stream is cut shortly after the release.
func followDeployment(ctx context.Context, c *client.Client, id string) (*engine.Deployment, error) {
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	streamErr := make(chan error, 1)
	go func() { streamErr <- streamLogs(streamCtx, c, id, 1) }()

	dep, err := waitForDeployment(ctx, c, id)
	if err != nil {
		cancel()
		<-streamErr
		return nil, err
	}

	select {
	case err := <-streamErr:
		if err != nil {
			return nil, err
		}
		return dep, nil
	case <-time.After(time.Second):
	}
	cancel()
	if err := <-streamErr; err != nil && !errors.Is(err, context.Canceled) {
		return nil, err
	}
	return dep, nil
}
