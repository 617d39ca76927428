package commands

import (
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

func newDriversCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "drivers",
		Short: "List the driver instances of the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			drivers, err := c.Drivers(cmd.Context())
			if err != nil {
				return err
			}
			rows := make([]table.Row, 0, len(drivers))
			for _, d := range drivers {
				var caps []string
				if d.Capabilities.LogReplay {
					caps = append(caps, "log-replay")
				}
				if d.Capabilities.StopPhase {
					caps = append(caps, "stop")
				}
				if d.Capabilities.Certificates {
					caps = append(caps, "certificates")
				}
				for _, e := range d.Capabilities.DatabaseEngines {
					caps = append(caps, string(e))
				}
				rows = append(rows, table.Row{d.Name, d.Kind, orDash(d.Version), orDash(strings.Join(caps, ", "))})
			}
			return printTable(drivers, table.Row{"Name", "Kind", "Version", "Capabilities"}, rows)
		},
	}
}
