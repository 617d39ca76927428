// Package docker is a driver that runs applications as containers on a docker
// host, reached locally or over SSH. Every action is a templated docker CLI
// command; builds take the exit status of the build command as their outcome.
//
// Naming: an application owns a network and a container named after its ID, a
// database owns a container and volume named after its ID. Resources carry a
// hoist.key label holding the idempotency key they were created with.
package docker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/hoistpaas/hoist/pkg/cmdutil"
	"github.com/hoistpaas/hoist/pkg/drivers"
	"github.com/hoistpaas/hoist/pkg/drivers/phaselog"
	"github.com/hoistpaas/hoist/pkg/engine"
	"github.com/hoistpaas/hoist/pkg/telemetry"
	"github.com/hoistpaas/hoist/pkg/transports/ssh"
)

// Resolver looks up the addresses of a hostname.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// Driver is the docker driver.
type Driver struct {
	opts     Options
	tmpl     *templates
	runner   cmdutil.Runner
	ssh      *ssh.Client
	resolver Resolver
	logger   *telemetry.Logger

	phases *phaselog.Set[cmdutil.Process]

	mu sync.Mutex
	// current maps an application to the deployment whose application phase runs.
	current map[string]string
}

var (
	_ engine.Driver       = (*Driver)(nil)
	_ engine.PhaseStopper = (*Driver)(nil)
	_ engine.DriverCloser = (*Driver)(nil)
)

// New returns a driver using runner. A nil runner selects a local runner, or
// an SSH runner when opts.SSH is set.
func New(opts Options, runner cmdutil.Runner, tel *telemetry.Telemetry) (*Driver, error) {
	opts.applyDefaults()
	if opts.Name == "" {
		opts.Name = "docker"
	}

	tmpl, err := parseTemplates(opts.Commands)
	if err != nil {
		return nil, err
	}

	d := &Driver{
		opts:     opts,
		tmpl:     tmpl,
		runner:   runner,
		resolver: net.DefaultResolver,
		logger:   telemetry.OrNop(tel).Logger.NewComponentLogger("docker").WithDriver(opts.Name),
		phases:   phaselog.NewSet[cmdutil.Process](0),
		current:  make(map[string]string),
	}

	if d.runner == nil {
		if opts.SSH != nil {
			client, err := ssh.NewClient(opts.SSH)
			if err != nil {
				return nil, err
			}
			d.ssh = client
			d.runner = ssh.NewRunner(client)
		} else {
			d.runner = &cmdutil.LocalRunner{}
		}
	}
	return d, nil
}

// Factory builds docker drivers from registry configuration.
func Factory(cfg drivers.Config, tel *telemetry.Telemetry) (engine.Driver, error) {
	var opts Options
	if err := cfg.DecodeOptions(&opts); err != nil {
		return nil, err
	}
	opts.Name = cfg.Name
	return New(opts, nil, tel)
}

// SetResolver replaces the DNS resolver.
func (d *Driver) SetResolver(r Resolver) { d.resolver = r }

// Metadata describes the driver.
func (d *Driver) Metadata() engine.DriverMetadata {
	engines := make([]engine.DatabaseEngine, 0, len(d.tmpl.database))
	for e := range d.tmpl.database {
		engines = append(engines, e)
	}
	sort.Slice(engines, func(i, j int) bool { return engines[i] < engines[j] })

	description := "docker on the local host"
	if d.opts.SSH != nil {
		description = "docker on " + d.opts.SSH.Host
	}
	return engine.DriverMetadata{
		Name:        d.opts.Name,
		Kind:        "docker",
		Version:     "1",
		Description: description,
		Capabilities: engine.DriverCapabilities{
			LogReplay:       true,
			StopPhase:       true,
			Certificates:    d.opts.RoutesDir != "",
			DatabaseEngines: engines,
		},
	}
}

// Initialize connects to the host and checks that the docker daemon answers.
func (d *Driver) Initialize(ctx context.Context) error {
	if d.ssh != nil {
		if err := d.ssh.Connect(ctx); err != nil {
			return engine.NewDriverInitError(d.opts.Name, err)
		}
	}
	result, err := d.runner.Run(ctx, []string{d.opts.Binary, "version", "--format", "{{.Server.Version}}"})
	if err != nil {
		return engine.NewDriverInitError(d.opts.Name, fmt.Errorf("docker daemon unreachable: %w", err))
	}
	d.logger.WithField("server_version", result.Stdout).Info("docker daemon reachable")
	return nil
}

// Close stops the processes the driver started and closes the SSH connection.
func (d *Driver) Close(ctx context.Context) error {
	for _, proc := range d.phases.Values() {
		_ = proc.Kill()
	}

	if d.ssh != nil {
		return d.ssh.Close()
	}
	return nil
}

func networkName(app *engine.Application) string   { return "hoist-" + app.ID }
func containerName(app *engine.Application) string { return "hoist-" + app.ID }
func databaseName(db *engine.Database) string      { return "hoist-db-" + db.ID }

func imageName(app *engine.Application, dep *engine.Deployment) string {
	return "hoist/" + app.ID + ":" + dep.ID
}

// source is the build context: a GitHub URL at the requested ref when the
// application has a repository, the source ref itself otherwise.
func source(app *engine.Application, dep *engine.Deployment) string {
	if app.Repository != "" {
		return "https://github.com/" + app.Repository + ".git#" + dep.SourceRef
	}
	return dep.SourceRef
}

func (d *Driver) vars(app *engine.Application, dep *engine.Deployment) map[string]string {
	v := map[string]string{
		VarApp:       app.ID,
		VarName:      app.Name,
		VarContainer: containerName(app),
		VarNetwork:   networkName(app),
		VarPort:      strconv.Itoa(d.opts.Port),
	}
	if dep != nil {
		v[VarDeployment] = dep.ID
		v[VarRef] = dep.SourceRef
		v[VarSource] = source(app, dep)
		v[VarImage] = imageName(app, dep)
	}
	return v
}

// run executes a template and classifies its failure.
func (d *Driver) run(ctx context.Context, op string, tmpl *cmdutil.Template, vars map[string]string) (*cmdutil.Result, error) {
	argv, err := tmpl.Expand(vars)
	if err != nil {
		return nil, engine.NewValidationError(err.Error()).WithOperation(op)
	}
	result, err := d.runner.Run(ctx, argv)
	if err != nil {
		return result, classify(op, err)
	}
	return result, nil
}

// classify maps runner errors to engine errors. A command that ran and failed
// is permanent; a transport failure is retryable.
func classify(op string, err error) error {
	var exitErr *cmdutil.ExitError
	if errors.As(err, &exitErr) {
		return engine.NewPermanentError(exitErr.Error(), err).
			WithCode(engine.ErrCodeInternal).
			WithOperation(op).
			WithDetail("exit_code", exitErr.ExitCode)
	}
	var transportErr *ssh.TransportError
	if errors.As(err, &transportErr) && transportErr.Temporary() {
		return engine.NewTransientNetworkError("docker host unreachable", err).WithOperation(op)
	}
	return engine.ClassifyDriverError(op, err)
}

// isMissing reports whether a docker command failed because its object does not exist.
func isMissing(err error) bool {
	var exitErr *cmdutil.ExitError
	if !errors.As(err, &exitErr) {
		return false
	}
	msg := strings.ToLower(exitErr.Stderr)
	return strings.Contains(msg, "no such") || strings.Contains(msg, "not found")
}

// labelOf returns the hoist.key label of a docker object, or ok=false when it
// does not exist.
func (d *Driver) labelOf(ctx context.Context, op, kind, name string) (string, bool, error) {
	argv := []string{d.opts.Binary, kind, "inspect", "--format", `{{index .Config.Labels "hoist.key"}}`, name}
	if kind == "network" {
		argv[4] = `{{index .Labels "hoist.key"}}`
	}
	result, err := d.runner.Run(ctx, argv)
	if err != nil {
		if isMissing(err) {
			return "", false, nil
		}
		return "", false, classify(op, err)
	}
	return result.Stdout, true, nil
}

// claim checks an existing object against the idempotency key.
func claim(kind, name, label string, ref *engine.ExternalRef) error {
	if label == ref.IdempotencyKey {
		return nil
	}
	return engine.NewResourceConflictError(fmt.Sprintf("%s %s exists with another idempotency key", kind, name), nil).WithResource(name)
}

// CreateApplication creates the application network.
func (d *Driver) CreateApplication(ctx context.Context, app *engine.Application, ref *engine.ExternalRef) (string, error) {
	name := networkName(app)
	label, exists, err := d.labelOf(ctx, "create_application", "network", name)
	if err != nil {
		return "", err
	}
	if exists {
		return name, claim("network", name, label, ref)
	}

	argv := []string{d.opts.Binary, "network", "create", "--label", "hoist.key=" + ref.IdempotencyKey, "--label", "hoist.app=" + app.ID, name}
	if _, err := d.runner.Run(ctx, argv); err != nil {
		return "", classify("create_application", err)
	}
	d.logger.WithApplicationID(app.ID).WithField("network", name).Info("application network created")
	return name, nil
}

// DeleteApplication removes the application container and network.
func (d *Driver) DeleteApplication(ctx context.Context, app *engine.Application, _ *engine.ExternalRef) error {
	d.stopApplicationLogs(app.ID)

	if _, err := d.run(ctx, "delete_application", d.tmpl.remove, d.vars(app, nil)); err != nil && !isMissing(err) {
		return err
	}
	if _, err := d.runner.Run(ctx, []string{d.opts.Binary, "network", "rm", networkName(app)}); err != nil && !isMissing(err) {
		return classify("delete_application", err)
	}
	return nil
}

// CreateDatabase starts a database container for the engine.
func (d *Driver) CreateDatabase(ctx context.Context, db *engine.Database, ref *engine.ExternalRef) (string, error) {
	tmpl, ok := d.tmpl.database[db.Engine]
	if !ok {
		return "", engine.NewValidationError(fmt.Sprintf("database engine %s is not supported by %s", db.Engine, d.opts.Name))
	}

	name := databaseName(db)
	label, exists, err := d.labelOf(ctx, "create_database", "container", name)
	if err != nil {
		return "", err
	}
	if exists {
		return name, claim("container", name, label, ref)
	}

	vars := map[string]string{VarContainer: name, VarKey: ref.IdempotencyKey, VarName: db.Name}
	if _, err := d.run(ctx, "create_database", tmpl, vars); err != nil {
		return "", err
	}
	return name, nil
}

// DeleteDatabase removes the database container and its volume.
func (d *Driver) DeleteDatabase(ctx context.Context, db *engine.Database, _ *engine.ExternalRef) error {
	name := databaseName(db)
	if _, err := d.runner.Run(ctx, []string{d.opts.Binary, "rm", "-f", "-v", name}); err != nil && !isMissing(err) {
		return classify("delete_database", err)
	}
	if _, err := d.runner.Run(ctx, []string{d.opts.Binary, "volume", "rm", name}); err != nil && !isMissing(err) {
		return classify("delete_database", err)
	}
	return nil
}

func (d *Driver) routePath(hostname string) string {
	return path.Join(d.opts.RoutesDir, engine.NormalizeHostname(hostname)+".conf")
}

func (d *Driver) reload(ctx context.Context, op string) error {
	if d.tmpl.reload == nil {
		return nil
	}
	_, err := d.run(ctx, op, d.tmpl.reload, map[string]string{})
	return err
}

// CreateCertificate writes a reverse-proxy site for hostname. The proxy
// obtains the certificate once DNS points at the host.
func (d *Driver) CreateCertificate(ctx context.Context, app *engine.Application, hostname string, _ *engine.ExternalRef) (string, error) {
	if d.opts.RoutesDir == "" {
		return "", engine.NewValidationError(fmt.Sprintf("driver %s does not manage certificates", d.opts.Name))
	}

	hostname = engine.NormalizeHostname(hostname)
	site := fmt.Sprintf("%s {\n\treverse_proxy %s:%d\n}\n", hostname, containerName(app), d.opts.Port)
	file := d.routePath(hostname)
	if err := d.runner.WriteFile(ctx, file, []byte(site), 0o644); err != nil {
		return "", classify("create_certificate", err)
	}
	if err := d.reload(ctx, "create_certificate"); err != nil {
		return "", err
	}
	return file, nil
}

// CheckDNSConfiguration resolves hostname and compares the answer with the
// public addresses of the host.
func (d *Driver) CheckDNSConfiguration(ctx context.Context, _ *engine.Application, hostname string) (engine.DNSStatus, error) {
	addrs, err := d.resolver.LookupHost(ctx, engine.NormalizeHostname(hostname))
	if err != nil {
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) && (dnsErr.IsNotFound || !dnsErr.IsTemporary) {
			return engine.DNSStatusPending, nil
		}
		return "", engine.NewTransientNetworkError("dns lookup failed", err).WithOperation("check_dns")
	}

	if len(d.opts.PublicAddresses) == 0 {
		if len(addrs) > 0 {
			return engine.DNSStatusConfigured, nil
		}
		return engine.DNSStatusPending, nil
	}
	for _, addr := range addrs {
		for _, public := range d.opts.PublicAddresses {
			if addr == public {
				return engine.DNSStatusConfigured, nil
			}
		}
	}
	return engine.DNSStatusPending, nil
}

// DeleteCertificate removes the site file of hostname.
func (d *Driver) DeleteCertificate(ctx context.Context, _ *engine.Application, hostname string, _ *engine.ExternalRef) error {
	if d.opts.RoutesDir == "" {
		return nil
	}
	if err := d.runner.RemoveFile(ctx, d.routePath(hostname)); err != nil {
		return classify("delete_certificate", err)
	}
	return d.reload(ctx, "delete_certificate")
}

// IgniteBuilder starts the build command. A second call for a deployment whose
// build already started is a no-op.
func (d *Driver) IgniteBuilder(ctx context.Context, app *engine.Application, dep *engine.Deployment) error {
	key := phaselog.Key{DeploymentID: dep.ID, Scope: engine.LogScopeBuilder}
	if d.phases.Has(key) {
		return nil
	}

	argv, err := d.tmpl.build.Expand(d.vars(app, dep))
	if err != nil {
		return engine.NewValidationError(err.Error()).WithOperation("ignite_builder")
	}
	// The build outlives the ignite call.
	proc, err := d.runner.Start(context.WithoutCancel(ctx), argv)
	if err != nil {
		return classify("ignite_builder", err)
	}

	log := phaselog.New(d.opts.LogRetention)
	d.phases.Add(key, log, proc)

	go pump(log, proc, func(code int, err error) engine.PhaseResult {
		switch {
		case err != nil:
			return engine.PhaseResult{Detail: "build interrupted: " + err.Error()}
		case code != 0:
			return engine.PhaseResult{Detail: fmt.Sprintf("build command exited with status %d", code)}
		default:
			return engine.PhaseResult{Succeeded: true, Detail: "image " + imageName(app, dep) + " built"}
		}
	})

	d.logger.WithApplicationID(app.ID).WithDeploymentID(dep.ID).Info("build started")
	return nil
}

// IgniteApplication replaces the application container with one running the
// deployment's image and follows its logs.
func (d *Driver) IgniteApplication(ctx context.Context, app *engine.Application, dep *engine.Deployment) error {
	vars := d.vars(app, dep)

	if _, err := d.run(ctx, "ignite_application", d.tmpl.remove, vars); err != nil && !isMissing(err) {
		return err
	}
	if _, err := d.run(ctx, "ignite_application", d.tmpl.run, vars); err != nil {
		return err
	}

	argv, err := d.tmpl.logs.Expand(vars)
	if err != nil {
		return engine.NewValidationError(err.Error()).WithOperation("ignite_application")
	}
	proc, err := d.runner.Start(context.WithoutCancel(ctx), argv)
	if err != nil {
		return classify("ignite_application", err)
	}

	d.stopApplicationLogs(app.ID)

	log := phaselog.New(d.opts.LogRetention)
	d.phases.Add(phaselog.Key{DeploymentID: dep.ID, Scope: engine.LogScopeApplication}, log, proc)
	d.mu.Lock()
	d.current[app.ID] = dep.ID
	d.mu.Unlock()

	go pump(log, proc, func(code int, err error) engine.PhaseResult {
		if err != nil {
			return engine.PhaseResult{Detail: "log follow interrupted: " + err.Error()}
		}
		return engine.PhaseResult{Succeeded: code == 0, Detail: fmt.Sprintf("container stopped with status %d", code)}
	})

	d.logger.WithApplicationID(app.ID).WithDeploymentID(dep.ID).Info("application started")
	return nil
}

// maxLineBytes bounds one log line; longer output lines are split.
const maxLineBytes = 64 * 1024

// pump copies process output into the phase log and ends it with the result
// derived from the exit status. The output is always read to EOF so the
// process never blocks on a full pipe.
func pump(log *phaselog.Log, proc cmdutil.Process, result func(code int, err error) engine.PhaseResult) {
	reader := bufio.NewReaderSize(proc.Output(), maxLineBytes)
	for {
		chunk, _, err := reader.ReadLine()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				_, _ = io.Copy(io.Discard, reader)
			}
			break
		}
		log.Append("stdout", string(chunk))
	}
	code, err := proc.Wait()
	log.End(result(code, err))
}

// stopApplicationLogs ends the log follower of the application's previous deployment.
func (d *Driver) stopApplicationLogs(appID string) {
	d.mu.Lock()
	depID, ok := d.current[appID]
	delete(d.current, appID)
	d.mu.Unlock()
	if !ok {
		return
	}

	if _, proc, ok := d.phases.Get(phaselog.Key{DeploymentID: depID, Scope: engine.LogScopeApplication}); ok {
		_ = proc.Kill()
	}
}

// StopPhase kills the build, or stops the container of the application phase.
func (d *Driver) StopPhase(ctx context.Context, app *engine.Application, dep *engine.Deployment, scope engine.LogScope) error {
	_, proc, ok := d.phases.Get(phaselog.Key{DeploymentID: dep.ID, Scope: scope})

	if scope == engine.LogScopeApplication {
		if _, err := d.run(ctx, "stop_phase", d.tmpl.stop, d.vars(app, dep)); err != nil && !isMissing(err) {
			return err
		}
	}
	if ok {
		return proc.Kill()
	}
	return nil
}

// StreamLogs serves the buffered output of a phase started by this process.
func (d *Driver) StreamLogs(ctx context.Context, _ *engine.Application, dep *engine.Deployment, req engine.LogRequest) (engine.LogStream, error) {
	log, _, ok := d.phases.Get(phaselog.Key{DeploymentID: dep.ID, Scope: req.Scope})
	if !ok {
		return nil, engine.NewNotFoundError("phase", dep.ID+"/"+string(req.Scope))
	}
	return log.Open(req.FromStart), nil
}
