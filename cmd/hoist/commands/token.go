package commands

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/hoistpaas/hoist/pkg/api"
)

func newTokenCommand() *cobra.Command {
	var (
		subject  string
		projects []string
		ttl      time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an API token signed with the configured secret",
		Long: `Issue a bearer token for the HTTP API.

A token without --project grants access to every project. The token is signed
with auth.secret from the configuration, so this command runs next to the
server's configuration file.`,
		Example: `  # Token for the CLI
  hoist token --subject admin

  # Token limited to one project, valid for a week
  hoist token --subject ci --project shop --ttl 168h`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if !cfg.Auth.Enabled {
				return errors.New("auth is not enabled in the configuration")
			}
			if ttl == 0 {
				ttl = cfg.Auth.TokenTTL
			}
			token, err := api.IssueToken(api.AuthConfig{
				Secret:   cfg.Auth.Secret,
				Issuer:   cfg.Auth.Issuer,
				Audience: cfg.Auth.Audience,
			}, subject, projects, ttl)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(map[string]any{"token": token, "subject": subject, "projects": projects, "expires_at": time.Now().Add(ttl)})
			}
			fmt.Fprintln(stdout, token)
			return nil
		},
	}

	cmd.Flags().StringVar(&subject, "subject", "", "token subject")
	cmd.Flags().StringSliceVar(&projects, "project", nil, "projects the token may access (default: all)")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (default: auth.token_ttl)")
	_ = cmd.MarkFlagRequired("subject")

	return cmd
}
