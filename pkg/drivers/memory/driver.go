// Package memory is an in-process driver. Resources exist only in memory and
// phases replay scripted log lines, which makes it the driver of choice for
// tests, demos and local development. Failures, DNS answers and phase timing
// can be scripted per operation.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hoistpaas/hoist/pkg/drivers"
	"github.com/hoistpaas/hoist/pkg/engine"
	"github.com/hoistpaas/hoist/pkg/telemetry"
)

// Operation names used for call counting, scripted failures and gates.
const (
	OpInitialize        = "initialize"
	OpCreateApplication = "create_application"
	OpDeleteApplication = "delete_application"
	OpStreamLogs        = "stream_logs"
	OpCreateCertificate = "create_certificate"
	OpCheckDNS          = "check_dns"
	OpDeleteCertificate = "delete_certificate"
	OpCreateDatabase    = "create_database"
	OpDeleteDatabase    = "delete_database"
	OpIgniteBuilder     = "ignite_builder"
	OpIgniteApplication = "ignite_application"
	OpStopPhase         = "stop_phase"
)

// Options configures a memory driver.
type Options struct {
	Name string `yaml:"-"`

	// Replay advertises LogReplay.
	Replay bool `yaml:"replay"`

	// DisableStop hides the PhaseStopper capability from the metadata.
	DisableStop bool `yaml:"disable_stop"`

	// DNS is the answer for hostnames without a scripted sequence.
	DNS engine.DNSStatus `yaml:"dns"`

	// DatabaseEngines lists the engines CreateDatabase accepts.
	DatabaseEngines []engine.DatabaseEngine `yaml:"database_engines"`

	// InitError makes Initialize fail with this message.
	InitError string `yaml:"init_error"`

	// BuildLines are the builder lines of every deployment.
	BuildLines []string `yaml:"build_lines"`

	// LineDelay spaces out scripted lines.
	LineDelay time.Duration `yaml:"line_delay"`
}

// Script describes one phase.
type Script struct {
	Lines  []string
	Result engine.PhaseResult

	// KeepOpen holds the stream open after the last line until the phase is
	// ended with EndPhase or stopped.
	KeepOpen bool

	// InterruptAfter breaks the first stream of the phase after that many lines.
	InterruptAfter int
}

type resource struct {
	key string
	id  string
}

// Driver is the memory driver.
type Driver struct {
	opts Options

	mu           sync.Mutex
	calls        map[string]int
	failures     map[string][]error
	gates        map[string]chan struct{}
	dns          map[string][]engine.DNSStatus
	applications map[string]resource
	certificates map[string]resource
	databases    map[string]resource
	phases       map[phaseKey]*phase
	builder      Script
	application  Script
	nextID       int
}

var (
	_ engine.Driver       = (*Driver)(nil)
	_ engine.PhaseStopper = (*Driver)(nil)
)

// New returns a memory driver. Builds succeed and applications keep running
// until stopped unless scripted otherwise.
func New(opts Options) *Driver {
	if opts.Name == "" {
		opts.Name = "memory"
	}
	if opts.DNS == "" {
		opts.DNS = engine.DNSStatusConfigured
	}
	if opts.DatabaseEngines == nil {
		opts.DatabaseEngines = []engine.DatabaseEngine{
			engine.DatabaseEnginePostgres, engine.DatabaseEngineMySQL, engine.DatabaseEngineRedis,
		}
	}

	buildLines := opts.BuildLines
	if buildLines == nil {
		buildLines = []string{"resolving source", "building image", "build complete"}
	}

	return &Driver{
		opts:         opts,
		calls:        make(map[string]int),
		failures:     make(map[string][]error),
		gates:        make(map[string]chan struct{}),
		dns:          make(map[string][]engine.DNSStatus),
		applications: make(map[string]resource),
		certificates: make(map[string]resource),
		databases:    make(map[string]resource),
		phases:       make(map[phaseKey]*phase),
		builder:      Script{Lines: buildLines, Result: engine.PhaseResult{Succeeded: true, Detail: "image built"}},
		application:  Script{Lines: []string{"listening on :8080"}, KeepOpen: true},
	}
}

// Factory builds memory drivers from registry configuration.
func Factory(cfg drivers.Config, _ *telemetry.Telemetry) (engine.Driver, error) {
	var opts Options
	if err := cfg.DecodeOptions(&opts); err != nil {
		return nil, err
	}
	if opts.DNS != "" {
		if err := opts.DNS.Validate(); err != nil {
			return nil, err
		}
	}
	opts.Name = cfg.Name
	return New(opts), nil
}

// Metadata describes the driver.
func (d *Driver) Metadata() engine.DriverMetadata {
	return engine.DriverMetadata{
		Name:        d.opts.Name,
		Kind:        "memory",
		Version:     "1",
		Description: "in-memory driver for tests and development",
		Capabilities: engine.DriverCapabilities{
			LogReplay:       d.opts.Replay,
			StopPhase:       !d.opts.DisableStop,
			Certificates:    true,
			DatabaseEngines: d.opts.DatabaseEngines,
		},
	}
}

// SetBuilderScript replaces the build phase script of later deployments.
func (d *Driver) SetBuilderScript(s Script) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.builder = s
}

// SetApplicationScript replaces the application phase script of later deployments.
func (d *Driver) SetApplicationScript(s Script) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.application = s
}

// FailNext makes the next calls of op return errs, one per call.
func (d *Driver) FailNext(op string, errs ...error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failures[op] = append(d.failures[op], errs...)
}

// SetDNS scripts the answers of CheckDNSConfiguration for hostname. The last
// answer repeats.
func (d *Driver) SetDNS(hostname string, answers ...engine.DNSStatus) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dns[engine.NormalizeHostname(hostname)] = answers
}

// Block holds calls of op until the returned release function is called or
// the call's context ends.
func (d *Driver) Block(op string) (release func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	gate := make(chan struct{})
	d.gates[op] = gate
	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			if d.gates[op] == gate {
				delete(d.gates, op)
			}
			d.mu.Unlock()
			close(gate)
		})
	}
}

// Calls returns how many times op was invoked, failed calls included.
func (d *Driver) Calls(op string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls[op]
}

// HasApplication reports whether the application resource exists.
func (d *Driver) HasApplication(appID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.applications[appID]
	return ok
}

// enter records a call of op, returns a scripted failure if any, and waits at
// the op's gate.
func (d *Driver) enter(ctx context.Context, op string) error {
	d.mu.Lock()
	d.calls[op]++
	if queued := d.failures[op]; len(queued) > 0 {
		err := queued[0]
		d.failures[op] = queued[1:]
		d.mu.Unlock()
		return err
	}
	gate := d.gates[op]
	d.mu.Unlock()

	if gate == nil {
		return nil
	}
	select {
	case <-gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Driver) newID(prefix string) string {
	d.nextID++
	return fmt.Sprintf("%s-%04d", prefix, d.nextID)
}

// ensure implements idempotent creation keyed by entity.
func (d *Driver) ensure(set map[string]resource, entity, prefix string, ref *engine.ExternalRef) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if existing, ok := set[entity]; ok {
		if ref == nil || existing.key == ref.IdempotencyKey {
			return existing.id, nil
		}
		return "", engine.NewResourceConflictError(fmt.Sprintf("%s %s exists with another idempotency key", prefix, entity), nil).
			WithResource(entity)
	}
	r := resource{id: d.newID(prefix)}
	if ref != nil {
		r.key = ref.IdempotencyKey
	}
	set[entity] = r
	return r.id, nil
}

// Initialize fails when InitError is configured.
func (d *Driver) Initialize(ctx context.Context) error {
	if err := d.enter(ctx, OpInitialize); err != nil {
		return err
	}
	if d.opts.InitError != "" {
		return engine.NewDriverInitError(d.opts.Name, fmt.Errorf("%s", d.opts.InitError))
	}
	return nil
}

func (d *Driver) CreateApplication(ctx context.Context, app *engine.Application, ref *engine.ExternalRef) (string, error) {
	if err := d.enter(ctx, OpCreateApplication); err != nil {
		return "", err
	}
	return d.ensure(d.applications, app.ID, "app", ref)
}

// DeleteApplication removes the application and stops its phases.
func (d *Driver) DeleteApplication(ctx context.Context, app *engine.Application, _ *engine.ExternalRef) error {
	if err := d.enter(ctx, OpDeleteApplication); err != nil {
		return err
	}

	d.mu.Lock()
	delete(d.applications, app.ID)
	var stopping []*phase
	for key, p := range d.phases {
		if key.applicationID == app.ID {
			stopping = append(stopping, p)
		}
	}
	d.mu.Unlock()

	for _, p := range stopping {
		p.end(engine.PhaseResult{Succeeded: false, Detail: "application deleted"})
	}
	return nil
}

func (d *Driver) CreateCertificate(ctx context.Context, app *engine.Application, hostname string, ref *engine.ExternalRef) (string, error) {
	if err := d.enter(ctx, OpCreateCertificate); err != nil {
		return "", err
	}
	return d.ensure(d.certificates, app.ID+"/"+engine.NormalizeHostname(hostname), "cert", ref)
}

// CheckDNSConfiguration answers from the scripted sequence of hostname.
func (d *Driver) CheckDNSConfiguration(ctx context.Context, _ *engine.Application, hostname string) (engine.DNSStatus, error) {
	if err := d.enter(ctx, OpCheckDNS); err != nil {
		return "", err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	host := engine.NormalizeHostname(hostname)
	answers := d.dns[host]
	if len(answers) == 0 {
		return d.opts.DNS, nil
	}
	answer := answers[0]
	if len(answers) > 1 {
		d.dns[host] = answers[1:]
	}
	return answer, nil
}

func (d *Driver) DeleteCertificate(ctx context.Context, app *engine.Application, hostname string, _ *engine.ExternalRef) error {
	if err := d.enter(ctx, OpDeleteCertificate); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.certificates, app.ID+"/"+engine.NormalizeHostname(hostname))
	return nil
}

func (d *Driver) CreateDatabase(ctx context.Context, db *engine.Database, ref *engine.ExternalRef) (string, error) {
	if err := d.enter(ctx, OpCreateDatabase); err != nil {
		return "", err
	}
	if !d.Metadata().Capabilities.SupportsEngine(db.Engine) {
		return "", engine.NewValidationError(fmt.Sprintf("engine %s not supported", db.Engine))
	}
	return d.ensure(d.databases, db.ID, "db", ref)
}

func (d *Driver) DeleteDatabase(ctx context.Context, db *engine.Database, _ *engine.ExternalRef) error {
	if err := d.enter(ctx, OpDeleteDatabase); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.databases, db.ID)
	return nil
}

// IgniteBuilder starts the build phase from the builder script.
func (d *Driver) IgniteBuilder(ctx context.Context, app *engine.Application, dep *engine.Deployment) error {
	if err := d.enter(ctx, OpIgniteBuilder); err != nil {
		return err
	}
	d.mu.Lock()
	script := d.builder
	d.mu.Unlock()
	d.startPhase(app.ID, dep.ID, engine.LogScopeBuilder, script)
	return nil
}

// IgniteApplication starts the application phase from the application script.
func (d *Driver) IgniteApplication(ctx context.Context, app *engine.Application, dep *engine.Deployment) error {
	if err := d.enter(ctx, OpIgniteApplication); err != nil {
		return err
	}
	d.mu.Lock()
	script := d.application
	d.mu.Unlock()
	d.startPhase(app.ID, dep.ID, engine.LogScopeApplication, script)
	return nil
}

// StopPhase ends a running phase as failed.
func (d *Driver) StopPhase(ctx context.Context, _ *engine.Application, dep *engine.Deployment, scope engine.LogScope) error {
	if err := d.enter(ctx, OpStopPhase); err != nil {
		return err
	}
	if p := d.phase(dep.ID, scope); p != nil {
		p.end(engine.PhaseResult{Succeeded: false, Detail: "stopped"})
	}
	return nil
}

// StreamLogs opens the stream of a started phase.
func (d *Driver) StreamLogs(ctx context.Context, _ *engine.Application, dep *engine.Deployment, req engine.LogRequest) (engine.LogStream, error) {
	if err := d.enter(ctx, OpStreamLogs); err != nil {
		return nil, err
	}
	p := d.phase(dep.ID, req.Scope)
	if p == nil {
		return nil, engine.NewNotFoundError(string(req.Scope)+" phase", dep.ID)
	}
	return p.open(req.FromStart && d.opts.Replay, d.opts.LineDelay), nil
}

// Append emits more lines in a running phase.
func (d *Driver) Append(deploymentID string, scope engine.LogScope, lines ...string) {
	if p := d.phase(deploymentID, scope); p != nil {
		p.append(lines...)
	}
}

// EndPhase ends a phase held open by its script.
func (d *Driver) EndPhase(deploymentID string, scope engine.LogScope, result engine.PhaseResult) {
	if p := d.phase(deploymentID, scope); p != nil {
		p.end(result)
	}
}

func (d *Driver) phase(deploymentID string, scope engine.LogScope) *phase {
	d.mu.Lock()
	defer d.mu.Unlock()
	for key, p := range d.phases {
		if key.deploymentID == deploymentID && key.scope == scope {
			return p
		}
	}
	return nil
}

func (d *Driver) startPhase(appID, depID string, scope engine.LogScope, script Script) {
	p := newPhase(script)
	d.mu.Lock()
	d.phases[phaseKey{applicationID: appID, deploymentID: depID, scope: scope}] = p
	d.mu.Unlock()
}
