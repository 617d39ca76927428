package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hoistpaas/hoist/pkg/client"
	"github.com/hoistpaas/hoist/pkg/logstream"
)

func newLogsCommand() *cobra.Command {
	var from int64

	cmd := &cobra.Command{
		Use:   "logs DEPLOYMENT",
		Short: "Stream the build and release logs of a deployment",
		Long: `Print the merged log stream of a deployment.

The stream starts at --from (sequence numbers start at 1) and ends when the
deployment has finished and every entry has been delivered. Sequence numbers
that are no longer retained are reported as a gap.`,
		Example: `  # Follow a deployment from the start
  hoist logs 4f2d...

  # Resume after sequence number 120
  hoist logs 4f2d... --from 121`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			return streamLogs(cmd.Context(), c, args[0], from)
		},
	}

	cmd.Flags().Int64Var(&from, "from", 1, "first sequence number to print")

	return cmd
}

func streamLogs(ctx context.Context, c *client.Client, deploymentID string, from int64) error {
	return c.StreamLogs(ctx, deploymentID, from, func(e logstream.Entry) error {
		if jsonOutput {
			return printJSON(e)
		}
		if line := formatEntry(e); line != "" {
			fmt.Fprintln(stdout, line)
		}
		return nil
	})
}

// formatEntry renders one log entry as a terminal line.
func formatEntry(e logstream.Entry) string {
	switch e.Kind {
	case logstream.KindLine:
		return fmt.Sprintf("%6d %-9s %s", e.Seq, e.Scope, e.Text)
	case logstream.KindPhaseEnd:
		outcome := "succeeded"
		if e.Result != nil && !e.Result.Succeeded {
			outcome = "failed"
		}
		if e.Result != nil && e.Result.Detail != "" {
			outcome += ": " + e.Result.Detail
		}
		return fmt.Sprintf("%6d %-9s --- phase %s", e.Seq, e.Scope, outcome)
	case logstream.KindInterrupted:
		return fmt.Sprintf("%6d %-9s --- stream interrupted: %s", e.Seq, e.Scope, e.Reason)
	case logstream.KindUnavailable:
		return fmt.Sprintf("%6d %-9s --- entries %d-%d are no longer available", e.Seq, "", e.Seq, e.Until)
	case logstream.KindClosed:
		if e.Reason == "" {
			return "--- end of log"
		}
		return "--- end of log: " + e.Reason
	default:
		return ""
	}
}
