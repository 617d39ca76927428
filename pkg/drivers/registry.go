// Package drivers holds the driver registry and the built-in driver kinds.
//
// A driver kind (memory, docker, wasm) is registered as a Factory. Instances are
// built from configuration, initialized once at startup and resolved by name
// when an application, certificate or database refers to them.
package drivers

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/hoistpaas/hoist/pkg/engine"
	"github.com/hoistpaas/hoist/pkg/telemetry"
)

// Config configures one driver instance.
type Config struct {
	// Name is the identifier applications use to select the instance.
	Name string `mapstructure:"name" yaml:"name" validate:"required,max=63"`

	// Kind selects the factory.
	Kind string `mapstructure:"kind" yaml:"kind" validate:"required"`

	// Options are decoded by the factory into its own settings type.
	Options map[string]interface{} `mapstructure:"options" yaml:"options,omitempty"`
}

// DecodeOptions decodes the instance options into out, a pointer to a struct
// with yaml tags.
func (c Config) DecodeOptions(out interface{}) error {
	if len(c.Options) == 0 {
		return nil
	}
	raw, err := yaml.Marshal(c.Options)
	if err != nil {
		return fmt.Errorf("encode %s options: %w", c.Name, err)
	}
	if err := yaml.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s options: %w", c.Name, err)
	}
	return nil
}

// Factory builds a driver instance from its configuration.
type Factory func(cfg Config, tel *telemetry.Telemetry) (engine.Driver, error)

// Registry maps driver names to instances.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	drivers   map[string]engine.Driver
	tel       *telemetry.Telemetry
	logger    *telemetry.Logger
}

var _ engine.DriverResolver = (*Registry)(nil)

// NewRegistry returns an empty registry.
func NewRegistry(tel *telemetry.Telemetry) *Registry {
	tel = telemetry.OrNop(tel)
	return &Registry{
		factories: make(map[string]Factory),
		drivers:   make(map[string]engine.Driver),
		tel:       tel,
		logger:    tel.Logger.NewComponentLogger("drivers"),
	}
}

// RegisterFactory makes a driver kind available to Build.
func (r *Registry) RegisterFactory(kind string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[kind] = f
}

// Kinds lists the registered driver kinds.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]string, 0, len(r.factories))
	for kind := range r.factories {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return kinds
}

// Register adds an instance under its metadata name.
func (r *Registry) Register(d engine.Driver) error {
	name := d.Metadata().Name
	if name == "" {
		return engine.NewValidationError("driver name is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.drivers[name]; exists {
		return engine.NewResourceConflictError(fmt.Sprintf("driver %s already registered", name), nil).WithResource(name)
	}
	r.drivers[name] = d
	return nil
}

// Build creates and registers one instance per configuration entry.
func (r *Registry) Build(configs []Config) error {
	for _, cfg := range configs {
		if cfg.Name == "" || cfg.Kind == "" {
			return engine.NewValidationError("driver name and kind are required")
		}

		r.mu.RLock()
		factory, ok := r.factories[cfg.Kind]
		r.mu.RUnlock()
		if !ok {
			return engine.NewValidationError(fmt.Sprintf("driver %s: unknown kind %q", cfg.Name, cfg.Kind)).WithResource(cfg.Name)
		}

		d, err := factory(cfg, r.tel)
		if err != nil {
			return engine.NewDriverInitError(cfg.Name, err)
		}
		if got := d.Metadata().Name; got != cfg.Name {
			return engine.NewDriverInitError(cfg.Name, fmt.Errorf("factory for %s built driver named %q", cfg.Kind, got))
		}
		if err := r.Register(d); err != nil {
			return err
		}
		r.logger.WithDriver(cfg.Name).WithField("kind", cfg.Kind).Debug("driver registered")
	}
	return nil
}

// Resolve returns the instance registered under id.
func (r *Registry) Resolve(id string) (engine.Driver, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.drivers[id]
	if !ok {
		return nil, engine.NewUnknownDriverError(id)
	}
	return d, nil
}

// List returns the metadata of every instance, sorted by name.
func (r *Registry) List() []engine.DriverMetadata {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]engine.DriverMetadata, 0, len(r.drivers))
	for _, d := range r.drivers {
		out = append(out, d.Metadata())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// InitializeAll initializes every instance. Failures are returned as
// DriverInitError, joined when several drivers fail.
func (r *Registry) InitializeAll(ctx context.Context) error {
	r.mu.RLock()
	names := make([]string, 0, len(r.drivers))
	for name := range r.drivers {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)

	var errs []error
	for _, name := range names {
		d, err := r.Resolve(name)
		if err != nil {
			continue
		}
		if err := d.Initialize(ctx); err != nil {
			if !errors.Is(err, engine.ErrDriverInit) {
				err = engine.NewDriverInitError(name, err)
			}
			r.logger.WithDriver(name).WithError(err).Error("driver initialization failed")
			errs = append(errs, err)
			continue
		}
		r.logger.WithDriver(name).Info("driver initialized")
	}
	return errors.Join(errs...)
}

// Close releases instances that hold resources.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var errs []error
	for name, d := range r.drivers {
		closer, ok := d.(engine.DriverCloser)
		if !ok {
			continue
		}
		if err := closer.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close driver %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}
