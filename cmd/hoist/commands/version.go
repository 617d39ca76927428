package commands

import (
	"fmt"
	goruntime "runtime"

	"github.com/spf13/cobra"
)

func newVersionCommand(version, commit, buildDate string) *cobra.Command {
	var server bool

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			info := map[string]string{
				"version":    version,
				"commit":     commit,
				"build_date": buildDate,
				"go":         goruntime.Version(),
			}
			if server {
				c, err := newClient()
				if err != nil {
					return err
				}
				health, err := c.Health(cmd.Context())
				if err != nil {
					return err
				}
				info["server"] = health.Version
			}
			if jsonOutput {
				return printJSON(info)
			}
			fmt.Fprintf(stdout, "hoist %s\n", version)
			fmt.Fprintf(stdout, "  commit:     %s\n", commit)
			fmt.Fprintf(stdout, "  built:      %s\n", buildDate)
			fmt.Fprintf(stdout, "  go:         %s\n", goruntime.Version())
			if server {
				fmt.Fprintf(stdout, "  server:     %s\n", info["server"])
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&server, "server", false, "also query the server version")

	return cmd
}
