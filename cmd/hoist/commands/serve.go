package commands

import (
	"context"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/hoistpaas/hoist/pkg/api"
	"github.com/hoistpaas/hoist/pkg/github"
)

func newServeCommand(version string) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the control plane and its HTTP API",
		Long: `Run the control plane.

This command:
  - Opens and migrates the SQLite store
  - Builds the configured drivers and the plugins found in plugins.dir
  - Loads admission policies
  - Resumes deployments and DNS checks interrupted by a previous process
  - Serves the HTTP API, log streams and GitHub webhooks
  - Reports deployment statuses to GitHub when github.token is set`,
		Example: `  # Serve with hoist.yaml from the current directory
  hoist serve

  # Listen on another address
  hoist serve --addr 127.0.0.1:9090`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			ctx := cmd.Context()

			rt, err := newRuntime(ctx, cfg, version)
			if err != nil {
				return err
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
				defer cancel()
				if err := rt.Close(shutdownCtx); err != nil {
					log.Warn().Err(err).Msg("Shutdown was not clean")
				}
			}()

			if err := rt.engine.Recover(ctx); err != nil {
				return err
			}

			if cfg.GitHub.Token != "" {
				reporter, err := github.New(github.Config{
					Token:       cfg.GitHub.Token,
					BaseURL:     cfg.GitHub.BaseURL,
					Environment: cfg.GitHub.Environment,
					LogURL:      cfg.GitHub.LogURL,
				}, rt.store, rt.tel)
				if err != nil {
					return err
				}
				reporter.Start()
				defer reporter.Stop()
			}

			var auth api.AuthConfig
			if cfg.Auth.Enabled {
				auth = api.AuthConfig{Secret: cfg.Auth.Secret, Issuer: cfg.Auth.Issuer, Audience: cfg.Auth.Audience}
			}
			handler, err := api.New(api.Config{
				Engine:    rt.engine,
				Drivers:   rt.drivers,
				Logs:      rt.logs,
				Telemetry: rt.tel,
				Auth:      auth,
				RateLimit: api.RateLimitConfig{
					RequestsPerSecond: cfg.Server.RateLimit.RequestsPerSecond,
					Burst:             cfg.Server.RateLimit.Burst,
				},
				WebhookSecret: cfg.GitHub.WebhookSecret,
				Version:       version,
			})
			if err != nil {
				return err
			}

			servers := []*http.Server{{
				Addr:              cfg.Server.Addr,
				Handler:           handler,
				ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
			}}
			if metricsSrv := rt.tel.Metrics.NewMetricsServer(); metricsSrv != nil {
				servers = append(servers, metricsSrv)
			}

			errCh := make(chan error, len(servers))
			for _, srv := range servers {
				go func(srv *http.Server) {
					log.Info().Str("addr", srv.Addr).Msg("Listening")
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						errCh <- err
					}
				}(srv)
			}

			var serveErr error
			select {
			case <-ctx.Done():
				log.Info().Msg("Shutting down")
			case serveErr = <-errCh:
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			for _, srv := range servers {
				if err := srv.Shutdown(shutdownCtx); err != nil {
					log.Warn().Err(err).Str("addr", srv.Addr).Msg("Server shutdown failed")
				}
			}
			return serveErr
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")

	return cmd
}
