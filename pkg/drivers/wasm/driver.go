// Package wasm hosts drivers written as WebAssembly plugins with wazero.
//
// A plugin is a module plus a YAML manifest. The module exports memory,
// malloc(size) and one hoist_<operation> function per driver operation it
// implements; each takes a JSON request and returns a JSON response. The build
// and release operations run a whole phase: log lines are sent through the
// log_line host function and the response carries a done record with the
// phase outcome.
package wasm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/hoistpaas/hoist/pkg/drivers"
	"github.com/hoistpaas/hoist/pkg/drivers/phaselog"
	"github.com/hoistpaas/hoist/pkg/engine"
	"github.com/hoistpaas/hoist/pkg/telemetry"
)

// Kind is the registry kind of plugin drivers.
const Kind = "wasm"

// Options configures a plugin driver instance.
type Options struct {
	Name string `yaml:"-"`

	// Manifest is the path of the plugin manifest.
	Manifest string `yaml:"manifest"`

	// Grant lists the capabilities the plugin may use.
	Grant []Capability `yaml:"grant"`

	// Settings are passed to the plugin's initialize operation.
	Settings map[string]interface{} `yaml:"settings"`

	// CallTimeout bounds every operation except build and release.
	CallTimeout time.Duration `yaml:"call_timeout"`

	// PhaseTimeout bounds build and release.
	PhaseTimeout time.Duration `yaml:"phase_timeout"`

	// MemoryLimitPages caps plugin memory in 64KiB pages.
	MemoryLimitPages uint32 `yaml:"memory_limit_pages"`

	LogRetention int `yaml:"log_retention"`
}

func (o *Options) applyDefaults() {
	if o.CallTimeout == 0 {
		o.CallTimeout = 30 * time.Second
	}
	if o.PhaseTimeout == 0 {
		o.PhaseTimeout = time.Hour
	}
	if o.MemoryLimitPages == 0 {
		o.MemoryLimitPages = 256
	}
}

// Driver is a plugin driver.
type Driver struct {
	opts     Options
	manifest *Manifest
	module   []byte
	enforcer *enforcer
	logger   *telemetry.Logger

	mu      sync.Mutex
	runtime wazero.Runtime
	bridge  *bridge

	phases *phaselog.Set[context.CancelFunc]
}

var (
	_ engine.Driver       = (*Driver)(nil)
	_ engine.PhaseStopper = (*Driver)(nil)
	_ engine.DriverCloser = (*Driver)(nil)
)

// New returns a driver for a loaded plugin. The module is compiled by Initialize.
func New(opts Options, manifest *Manifest, module []byte, tel *telemetry.Telemetry) (*Driver, error) {
	opts.applyDefaults()
	if opts.Name == "" {
		opts.Name = manifest.Name
	}

	e, err := newEnforcer(manifest.Capabilities, opts.Grant)
	if err != nil {
		return nil, fmt.Errorf("plugin %s: %w", manifest.Name, err)
	}

	return &Driver{
		opts:     opts,
		manifest: manifest,
		module:   module,
		enforcer: e,
		logger:   telemetry.OrNop(tel).Logger.NewComponentLogger("wasm").WithDriver(opts.Name),
		phases:   phaselog.NewSet[context.CancelFunc](0),
	}, nil
}

// Factory builds plugin drivers from registry configuration.
func Factory(cfg drivers.Config, tel *telemetry.Telemetry) (engine.Driver, error) {
	var opts Options
	if err := cfg.DecodeOptions(&opts); err != nil {
		return nil, err
	}
	if opts.Manifest == "" {
		return nil, fmt.Errorf("driver %s: manifest option is required", cfg.Name)
	}
	opts.Name = cfg.Name

	manifest, module, err := LoadManifest(opts.Manifest)
	if err != nil {
		return nil, err
	}
	return New(opts, manifest, module, tel)
}

// SetResolver replaces the resolver behind the lookup_host host function.
func (d *Driver) SetResolver(r Resolver) { d.enforcer.resolver = r }

// Metadata describes the driver from its manifest.
func (d *Driver) Metadata() engine.DriverMetadata {
	return engine.DriverMetadata{
		Name:        d.opts.Name,
		Kind:        Kind,
		Version:     d.manifest.Version,
		Description: d.manifest.Description,
		Capabilities: engine.DriverCapabilities{
			LogReplay:       true,
			StopPhase:       true,
			Certificates:    d.manifest.Certificates,
			DatabaseEngines: d.manifest.DatabaseEngines,
		},
	}
}

// Initialize compiles the module and runs the plugin's initialize operation
// with the configured settings.
func (d *Driver) Initialize(ctx context.Context) error {
	if err := d.compile(ctx); err != nil {
		return engine.NewDriverInitError(d.opts.Name, err)
	}

	resp, err := d.call(ctx, opInitialize, &request{Settings: d.opts.Settings})
	if errors.Is(err, errUnsupported) {
		err = nil
	}
	if err == nil && resp != nil && resp.Error != nil {
		err = errors.New(resp.Error.Message)
	}
	if err != nil {
		return engine.NewDriverInitError(d.opts.Name, err)
	}

	d.logger.WithField("plugin_version", d.manifest.Version).Info("plugin initialized")
	return nil
}

// compile creates the runtime and compiles the module once.
func (d *Driver) compile(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.runtime == nil {
		rt := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfig().
			WithMemoryLimitPages(d.opts.MemoryLimitPages).
			WithCloseOnContextDone(true))

		if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
			rt.Close(ctx)
			return fmt.Errorf("failed to instantiate WASI: %w", err)
		}
		if err := instantiateHost(ctx, rt, d.enforcer, d.logger); err != nil {
			rt.Close(ctx)
			return err
		}
		compiled, err := rt.CompileModule(ctx, d.module)
		if err != nil {
			rt.Close(ctx)
			return fmt.Errorf("failed to compile module: %w", err)
		}
		d.runtime = rt
		d.bridge = &bridge{runtime: rt, compiled: compiled}
	}
	return nil
}

// Close stops running phases and releases the runtime.
func (d *Driver) Close(ctx context.Context) error {
	for _, cancel := range d.phases.Values() {
		cancel()
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.runtime == nil {
		return nil
	}
	err := d.runtime.Close(ctx)
	d.runtime, d.bridge = nil, nil
	return err
}

func (d *Driver) current() *bridge {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.bridge
}

func (d *Driver) notInitialized(op string) error {
	return engine.NewDriverUnavailableError(fmt.Sprintf("driver %s is not initialized", d.opts.Name), nil).WithOperation(op)
}

// call runs an operation bounded by the call timeout. Calls run in their own
// module instances, so no lock is held while the plugin runs.
func (d *Driver) call(ctx context.Context, op string, req *request) (*response, error) {
	b := d.current()
	if b == nil {
		return nil, d.notInitialized(op)
	}
	req.Driver = d.opts.Name

	ctx, cancel := context.WithTimeout(ctx, d.opts.CallTimeout)
	defer cancel()
	return d.invoke(ctx, b, op, req)
}

// invoke runs an operation and classifies its failure.
func (d *Driver) invoke(ctx context.Context, b *bridge, op string, req *request) (*response, error) {
	resp, err := b.call(ctx, op, req)
	switch {
	case errors.Is(err, errUnsupported):
		return nil, err
	case err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded):
		return nil, engine.NewTimeoutError(op, err)
	case err != nil:
		return nil, engine.NewPermanentError("plugin call failed", err).WithCode(engine.ErrCodeInternal).WithOperation(op)
	case resp.Error != nil:
		return resp, resp.Error.asError(op)
	}
	return resp, nil
}

func (d *Driver) unsupported(op string) error {
	return engine.NewValidationError(fmt.Sprintf("driver %s does not implement %s", d.opts.Name, op)).WithOperation(op)
}

// create runs a create operation and returns the external id.
func (d *Driver) create(ctx context.Context, op string, req *request) (string, error) {
	resp, err := d.call(ctx, op, req)
	if errors.Is(err, errUnsupported) {
		return "", d.unsupported(op)
	}
	if err != nil {
		return "", err
	}
	if resp.ExternalID == "" {
		return "", engine.NewPermanentError("plugin returned no external id", nil).WithCode(engine.ErrCodeInternal).WithOperation(op)
	}
	return resp.ExternalID, nil
}

// remove runs a delete operation. A plugin reporting NOT_FOUND succeeded.
func (d *Driver) remove(ctx context.Context, op string, req *request) error {
	_, err := d.call(ctx, op, req)
	if errors.Is(err, errUnsupported) {
		return d.unsupported(op)
	}
	if err != nil && !engine.IsNotFound(err) {
		return err
	}
	return nil
}

// CreateApplication delegates to the plugin.
func (d *Driver) CreateApplication(ctx context.Context, app *engine.Application, ref *engine.ExternalRef) (string, error) {
	return d.create(ctx, opCreateApplication, &request{Application: app, Ref: ref})
}

// DeleteApplication delegates to the plugin.
func (d *Driver) DeleteApplication(ctx context.Context, app *engine.Application, ref *engine.ExternalRef) error {
	return d.remove(ctx, opDeleteApplication, &request{Application: app, Ref: ref})
}

// CreateCertificate delegates to the plugin when its manifest declares certificate support.
func (d *Driver) CreateCertificate(ctx context.Context, app *engine.Application, hostname string, ref *engine.ExternalRef) (string, error) {
	if !d.manifest.Certificates {
		return "", d.unsupported(opCreateCertificate)
	}
	return d.create(ctx, opCreateCertificate, &request{Application: app, Hostname: engine.NormalizeHostname(hostname), Ref: ref})
}

func (d *Driver) CheckDNSConfiguration(ctx context.Context, app *engine.Application, hostname string) (engine.DNSStatus, error) {
	resp, err := d.call(ctx, opCheckDNS, &request{Application: app, Hostname: engine.NormalizeHostname(hostname)})
	if errors.Is(err, errUnsupported) {
		return "", d.unsupported(opCheckDNS)
	}
	if err != nil {
		return "", err
	}
	if resp.DNSStatus == "" {
		return engine.DNSStatusPending, nil
	}
	if err := resp.DNSStatus.Validate(); err != nil {
		return "", engine.NewPermanentError("plugin returned an invalid DNS status", err).WithCode(engine.ErrCodeInternal).WithOperation(opCheckDNS)
	}
	return resp.DNSStatus, nil
}

func (d *Driver) DeleteCertificate(ctx context.Context, app *engine.Application, hostname string, ref *engine.ExternalRef) error {
	if !d.manifest.Certificates {
		return nil
	}
	return d.remove(ctx, opDeleteCertificate, &request{Application: app, Hostname: engine.NormalizeHostname(hostname), Ref: ref})
}

// CreateDatabase delegates to the plugin for the engines its manifest lists.
func (d *Driver) CreateDatabase(ctx context.Context, db *engine.Database, ref *engine.ExternalRef) (string, error) {
	if !d.Metadata().Capabilities.SupportsEngine(db.Engine) {
		return "", engine.NewValidationError(fmt.Sprintf("database engine %s is not supported by %s", db.Engine, d.opts.Name))
	}
	return d.create(ctx, opCreateDatabase, &request{Database: db, Ref: ref})
}

func (d *Driver) DeleteDatabase(ctx context.Context, db *engine.Database, ref *engine.ExternalRef) error {
	return d.remove(ctx, opDeleteDatabase, &request{Database: db, Ref: ref})
}

// phase is a build or release call in progress.
type phase struct {
	op     string
	ctx    context.Context
	cancel context.CancelFunc
	log    *phaselog.Log
	bridge *bridge
}

// startPhase registers the log of a phase. The phase outlives the ignite call
// and is bounded by the phase timeout instead.
func (d *Driver) startPhase(ctx context.Context, op string, key phaselog.Key) (*phase, error) {
	b := d.current()
	if b == nil {
		return nil, d.notInitialized(op)
	}
	if !b.exports(op) {
		return nil, d.unsupported(op)
	}

	phaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.opts.PhaseTimeout)
	log := phaselog.New(d.opts.LogRetention)
	d.phases.Add(key, log, cancel)
	return &phase{op: op, ctx: withPhaseLog(phaseCtx, log), cancel: cancel, log: log, bridge: b}, nil
}

// run calls the phase operation and ends the log with its outcome.
func (d *Driver) run(p *phase, req *request) (engine.PhaseResult, error) {
	defer p.cancel()
	req.Driver = d.opts.Name

	resp, err := d.invoke(p.ctx, p.bridge, p.op, req)
	var result engine.PhaseResult
	switch {
	case resp != nil && resp.Error != nil:
		result = engine.PhaseResult{Detail: resp.Error.Message}
	case err != nil:
		result = engine.PhaseResult{Detail: "phase interrupted: " + err.Error()}
	case resp.Done == nil:
		result = engine.PhaseResult{Detail: "plugin returned no done record"}
	default:
		result = engine.PhaseResult{Succeeded: resp.Done.Succeeded, Detail: resp.Done.Detail}
	}
	p.log.End(result)
	return result, err
}

// IgniteBuilder runs the plugin's build operation in the background. A second
// call for a deployment whose build already started is a no-op.
func (d *Driver) IgniteBuilder(ctx context.Context, app *engine.Application, dep *engine.Deployment) error {
	key := phaselog.Key{DeploymentID: dep.ID, Scope: engine.LogScopeBuilder}
	if d.phases.Has(key) {
		return nil
	}
	p, err := d.startPhase(ctx, opBuild, key)
	if err != nil {
		return err
	}
	go d.run(p, &request{Application: app, Deployment: dep})

	d.logger.WithApplicationID(app.ID).WithDeploymentID(dep.ID).Info("build started")
	return nil
}

// IgniteApplication runs the plugin's release operation and returns once the
// plugin reports the outcome.
func (d *Driver) IgniteApplication(ctx context.Context, app *engine.Application, dep *engine.Deployment) error {
	p, err := d.startPhase(ctx, opRelease, phaselog.Key{DeploymentID: dep.ID, Scope: engine.LogScopeApplication})
	if err != nil {
		return err
	}

	result, err := d.run(p, &request{Application: app, Deployment: dep})
	if err != nil {
		return err
	}
	if !result.Succeeded {
		return engine.NewReleaseFailedError(result.Detail, nil)
	}

	d.logger.WithApplicationID(app.ID).WithDeploymentID(dep.ID).Info("application released")
	return nil
}

// StopPhase interrupts a running phase and, for the application scope, runs
// the plugin's stop operation when it has one.
func (d *Driver) StopPhase(ctx context.Context, app *engine.Application, dep *engine.Deployment, scope engine.LogScope) error {
	if _, cancel, ok := d.phases.Get(phaselog.Key{DeploymentID: dep.ID, Scope: scope}); ok {
		cancel()
	}
	if scope != engine.LogScopeApplication {
		return nil
	}
	if _, err := d.call(ctx, opStop, &request{Application: app, Deployment: dep}); err != nil && !errors.Is(err, errUnsupported) {
		return err
	}
	return nil
}

// StreamLogs serves the buffered output of a phase.
func (d *Driver) StreamLogs(ctx context.Context, _ *engine.Application, dep *engine.Deployment, req engine.LogRequest) (engine.LogStream, error) {
	log, _, ok := d.phases.Get(phaselog.Key{DeploymentID: dep.ID, Scope: req.Scope})
	if !ok {
		return nil, engine.NewNotFoundError("phase", dep.ID+"/"+string(req.Scope))
	}
	return log.Open(req.FromStart), nil
}
