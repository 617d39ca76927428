package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/hoistpaas/hoist/pkg/client"
	"github.com/hoistpaas/hoist/pkg/config"
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool

	// v holds flag bindings layered over hoist.yaml and HOIST_* variables.
	v = viper.New()
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "hoist",
		Short: "Hoist - application platform control plane",
		Long: `Hoist deploys applications, verifies custom domains and provisions
managed databases through pluggable drivers.

Run "hoist serve" to start the control plane. The other commands talk to a
running server over its HTTP API, except "apply --local", "migrate" and "init".`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			}
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&configPath, "config", "c", "", "config file path (default: hoist.yaml in ., ~/.config/hoist, /etc/hoist)")
	flags.BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	flags.BoolVar(&jsonOutput, "json", false, "output in JSON format")
	flags.String("server", "", "Hoist API URL (overrides client.url)")
	flags.String("token", "", "API bearer token (overrides client.token)")
	_ = v.BindPFlag("client.url", flags.Lookup("server"))
	_ = v.BindPFlag("client.token", flags.Lookup("token"))

	rootCmd.AddCommand(newServeCommand(version))
	rootCmd.AddCommand(newInitCommand())
	rootCmd.AddCommand(newMigrateCommand())
	rootCmd.AddCommand(newApplyCommand(version))
	rootCmd.AddCommand(newAppsCommand())
	rootCmd.AddCommand(newDeployCommand())
	rootCmd.AddCommand(newDeploymentsCommand())
	rootCmd.AddCommand(newLogsCommand())
	rootCmd.AddCommand(newCertsCommand())
	rootCmd.AddCommand(newDatabasesCommand())
	rootCmd.AddCommand(newDriversCommand())
	rootCmd.AddCommand(newTokenCommand())
	rootCmd.AddCommand(newVersionCommand(version, commit, buildDate))

	return rootCmd
}

// loadConfig reads the configuration once flags are parsed.
func loadConfig() (*config.Config, error) {
	return config.Load(v, configPath)
}

// newClient builds an API client from the client section of the configuration.
func newClient() (*client.Client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return client.New(cfg.Client.URL, cfg.Client.Token, cfg.Client.Timeout), nil
}
