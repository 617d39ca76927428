package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/hoistpaas/hoist/pkg/config"
	"github.com/hoistpaas/hoist/pkg/drivers"
	"github.com/hoistpaas/hoist/pkg/drivers/docker"
	"github.com/hoistpaas/hoist/pkg/drivers/memory"
	"github.com/hoistpaas/hoist/pkg/drivers/wasm"
	"github.com/hoistpaas/hoist/pkg/engine"
	"github.com/hoistpaas/hoist/pkg/logstream"
	"github.com/hoistpaas/hoist/pkg/policy"
	"github.com/hoistpaas/hoist/pkg/stores"
	"github.com/hoistpaas/hoist/pkg/telemetry"
)

// runtime is an in-process control plane built from the configuration.
type runtime struct {
	cfg     *config.Config
	tel     *telemetry.Telemetry
	store   *stores.SQLiteStore
	drivers *drivers.Registry
	logs    *logstream.Multiplexer
	policy  *policy.Engine
	engine  *engine.Engine
}

// newDriverRegistry returns a registry knowing every built-in driver kind.
func newDriverRegistry(tel *telemetry.Telemetry) *drivers.Registry {
	registry := drivers.NewRegistry(tel)
	registry.RegisterFactory("memory", memory.Factory)
	registry.RegisterFactory("docker", docker.Factory)
	registry.RegisterFactory("wasm", wasm.Factory)
	return registry
}

// newRuntime opens the store, builds and initializes the drivers, loads the
// admission policies and assembles the engine. Close releases everything.
func newRuntime(ctx context.Context, cfg *config.Config, version string) (*runtime, error) {
	cfg.Telemetry.ServiceVersion = version
	tel, err := telemetry.NewTelemetry(&cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	rt := &runtime{cfg: cfg, tel: tel}

	if err := rt.open(ctx); err != nil {
		_ = rt.Close(context.Background())
		return nil, err
	}
	return rt, nil
}

func (rt *runtime) open(ctx context.Context) error {
	cfg := rt.cfg
	logger := rt.tel.Logger

	store, err := stores.Open(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	rt.store = store

	rt.drivers = newDriverRegistry(rt.tel)
	configs := cfg.Drivers
	if cfg.Plugins.Dir != "" {
		grant := make([]wasm.Capability, len(cfg.Plugins.Grant))
		for i, g := range cfg.Plugins.Grant {
			grant[i] = wasm.Capability(g)
		}
		plugins, err := wasm.Discover(cfg.Plugins.Dir, grant)
		if err != nil {
			logger.WithError(err).Warn("some driver plugins could not be loaded")
		}
		configs = append(configs, plugins...)
	}
	if err := rt.drivers.Build(configs); err != nil {
		return err
	}
	if err := rt.drivers.InitializeAll(ctx); err != nil {
		return err
	}

	rt.logs = logstream.New(cfg.Logs, rt.tel)

	var admission engine.Admission
	if cfg.Policy.Enabled {
		pe, err := policy.NewEngine(rt.tel)
		if err != nil {
			return err
		}
		rt.policy = pe
		if err := pe.SetSettings(ctx, cfg.Policy.Settings); err != nil {
			return err
		}
		if len(cfg.Policy.Paths) > 0 {
			if err := pe.LoadPolicies(ctx, cfg.Policy.Paths); err != nil {
				return err
			}
			if cfg.Policy.Watch {
				if err := pe.Watch(ctx, cfg.Policy.Paths); err != nil {
					logger.WithError(err).Warn("policy files will not be reloaded")
				}
			}
		}
		admission = pe
	}

	eng, err := engine.New(engine.Dependencies{
		Store:     rt.store,
		Drivers:   rt.drivers,
		Logs:      rt.logs,
		Admission: admission,
		Telemetry: rt.tel,
	}, cfg.Engine)
	if err != nil {
		return err
	}
	rt.engine = eng
	return nil
}

// Close stops the engine and releases drivers, policies, the store and
// telemetry exporters, in that order.
func (rt *runtime) Close(ctx context.Context) error {
	var errs []error
	if rt.engine != nil {
		errs = append(errs, rt.engine.Shutdown(ctx))
	}
	if rt.drivers != nil {
		errs = append(errs, rt.drivers.Close(ctx))
	}
	if rt.policy != nil {
		errs = append(errs, rt.policy.Close())
	}
	if rt.store != nil {
		errs = append(errs, rt.store.Close())
	}
	errs = append(errs, rt.tel.Shutdown(ctx))
	return errors.Join(errs...)
}
