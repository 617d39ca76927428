package commands

import (
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/hoistpaas/hoist/pkg/engine"
)

func newCertsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "certs",
		Aliases: []string{"certificates"},
		Short:   "Manage TLS certificates of applications",
		Long: `Manage TLS certificates.

A certificate is issued once DNS for its hostname points at the application.
Verification is polled with a growing interval for a bounded time. A
certificate not verified in time stays pending with the timeout recorded;
"check" verifies once more and "reset" starts a new polling window.`,
	}
	cmd.AddCommand(newCertsListCommand())
	cmd.AddCommand(newCertsCreateCommand())
	cmd.AddCommand(newCertsShowCommand())
	cmd.AddCommand(newCertsCheckCommand())
	cmd.AddCommand(newCertsResetCommand())
	cmd.AddCommand(newCertsDeleteCommand())
	return cmd
}

func newCertsListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list APPLICATION",
		Short: "List certificates of an application",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			certs, err := c.ListCertificates(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			rows := make([]table.Row, 0, len(certs))
			for _, cert := range certs {
				rows = append(rows, table.Row{cert.ID, cert.Hostname, cert.DNSStatus, formatTimePtr(cert.IssuedAt), formatTimePtr(cert.LastCheckedAt)})
			}
			return printTable(certs, table.Row{"ID", "Hostname", "DNS", "Issued", "Last Checked"}, rows)
		},
	}
}

func newCertsCreateCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "create APPLICATION HOSTNAME",
		Short:   "Request a certificate for a hostname",
		Example: `  hoist certs create 0b7c... www.example.com`,
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			cert, err := c.CreateCertificate(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			return printCertificate(cert)
		},
	}
}

func newCertsShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show ID",
		Short: "Show a certificate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			cert, err := c.GetCertificate(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printCertificate(cert)
		},
	}
}

func newCertsCheckCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "check ID",
		Short: "Verify DNS for a certificate now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			cert, err := c.CheckCertificate(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printCertificate(cert)
		},
	}
}

func newCertsResetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "reset ID",
		Short: "Restart DNS polling for a certificate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			cert, err := c.ResetCertificate(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printCertificate(cert)
		},
	}
}

func newCertsDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete ID",
		Short: "Delete a certificate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			if err := c.DeleteCertificate(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(stdout, "✓ Deleted certificate %s\n", args[0])
			return nil
		},
	}
}

func printCertificate(cert *engine.Certificate) error {
	return printRecord(cert, [][2]string{
		{"ID", cert.ID},
		{"Application", cert.ApplicationID},
		{"Hostname", cert.Hostname},
		{"DNS status", string(cert.DNSStatus)},
		{"Issued", formatTimePtr(cert.IssuedAt)},
		{"Polling since", formatTimePtr(cert.PollingStartedAt)},
		{"Last checked", formatTimePtr(cert.LastCheckedAt)},
		{"Last error", orDash(cert.LastError)},
	})
}
