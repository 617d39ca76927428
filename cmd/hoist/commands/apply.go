package commands

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/hoistpaas/hoist/pkg/engine"
	"github.com/hoistpaas/hoist/pkg/manifest"
)

func newApplyCommand(version string) *cobra.Command {
	var (
		file    string
		project string
		vars    []string
		dryRun  bool
		local   bool
		wait    bool
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Create the applications, certificates and databases of a manifest",
		Long: `Apply a declarative manifest.

This command:
  - Loads a CUE, JSON or Starlark (.star) manifest
  - Creates the declared entities that do not exist yet
  - Requests the declared deployments
  - Never modifies or deletes existing entities

With --local the manifest is applied to the store named in the configuration
without a running server; deployments are then always awaited.`,
		Example: `  # Show what would be created
  hoist apply -f shop.cue --dry-run

  # Apply a Starlark manifest to another project
  hoist apply -f shop.star --project shop-staging --var region=eu

  # Apply and wait for the deployments
  hoist apply -f shop.cue --wait`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			loader, err := manifest.NewLoader(nil)
			if err != nil {
				return err
			}
			m, err := loader.Load(ctx, file, manifest.Options{
				Project: project,
				Vars:    parseVars(vars),
			})
			if err != nil {
				return err
			}

			var target manifest.Target
			if local {
				rt, err := newRuntime(ctx, cfg, version)
				if err != nil {
					return err
				}
				defer func() {
					closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
					defer cancel()
					_ = rt.Close(closeCtx)
				}()
				target = manifest.EngineTarget(rt.engine)
				wait = true
			} else {
				c, err := newClient()
				if err != nil {
					return err
				}
				target = c
			}

			log.Debug().Str("project", m.Project).Bool("dry_run", dryRun).Msg("Applying manifest")
			changes, applyErr := manifest.Apply(ctx, m, target, dryRun)

			if wait && !dryRun {
				waitCtx, cancel := context.WithTimeout(ctx, timeout)
				defer cancel()
				for i, ch := range changes {
					if ch.Action != manifest.ActionDeploy || ch.ID == "" {
						continue
					}
					dep, err := waitForDeployment(waitCtx, target, ch.ID)
					if err != nil {
						return err
					}
					if dep.Status != engine.DeploymentStatusRunning {
						changes[i].Error = fmt.Sprintf("deployment ended %s: %s", dep.Status, dep.LastError)
					}
				}
			}

			rows := make([]table.Row, 0, len(changes))
			for _, ch := range changes {
				rows = append(rows, table.Row{ch.Kind, ch.Name, ch.Action, orDash(ch.ID), orDash(ch.Error)})
			}
			if err := printTable(changes, table.Row{"Kind", "Name", "Action", "ID", "Error"}, rows); err != nil {
				return err
			}
			return applyErr
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "manifest file or CUE directory")
	cmd.Flags().StringVar(&project, "project", "", "project to apply to (overrides the manifest)")
	cmd.Flags().StringArrayVar(&vars, "var", nil, "Starlark variable as key=value (repeatable)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "only show what would be created")
	cmd.Flags().BoolVar(&local, "local", false, "apply to the configured store without a server")
	cmd.Flags().BoolVar(&wait, "wait", false, "wait for requested deployments to finish")
	cmd.Flags().DurationVar(&timeout, "timeout", 15*time.Minute, "how long --wait waits")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}

func parseVars(pairs []string) map[string]interface{} {
	if len(pairs) == 0 {
		return nil
	}
	vars := make(map[string]interface{}, len(pairs))
	for _, pair := range pairs {
		key, value, _ := strings.Cut(pair, "=")
		vars[strings.TrimSpace(key)] = value
	}
	return vars
}

// deploymentGetter is satisfied by the API client and by manifest targets.
type deploymentGetter interface {
	GetDeployment(ctx context.Context, id string) (*engine.Deployment, error)
}

// waitForDeployment polls until the deployment reaches a terminal status.
func waitForDeployment(ctx context.Context, target deploymentGetter, id string) (*engine.Deployment, error) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		dep, err := target.GetDeployment(ctx, id)
		if err != nil {
			return nil, err
		}
		if dep.Status.IsTerminal() {
			return dep, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("deployment %s still %s: %w", id, dep.Status, ctx.Err())
		case <-ticker.C:
		}
	}
}
