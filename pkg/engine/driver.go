package engine

import "context"

// Driver is the contract every infrastructure back-end implements.
// Create and delete operations must be idempotent: a create with a ref whose
// IdempotencyKey matches an existing resource returns that resource's ID, and a
// delete of an absent resource succeeds.
type Driver interface {
	// Initialize performs one-time setup. Missing credentials or configuration
	// must be reported as a DriverInitError.
	Initialize(ctx context.Context) error

	// CreateApplication provisions the compute resource backing app.
	CreateApplication(ctx context.Context, app *Application, ref *ExternalRef) (string, error)

	// DeleteApplication destroys the compute resource backing app.
	DeleteApplication(ctx context.Context, app *Application, ref *ExternalRef) error

	// StreamLogs opens the log stream of one phase of a deployment. The stream
	// must outlive ctx: it is read with the context given to Next and released
	// by Close.
	StreamLogs(ctx context.Context, app *Application, deployment *Deployment, req LogRequest) (LogStream, error)

	// CreateCertificate requests a TLS certificate for hostname.
	CreateCertificate(ctx context.Context, app *Application, hostname string, ref *ExternalRef) (string, error)

	// CheckDNSConfiguration reads the current DNS state of hostname.
	CheckDNSConfiguration(ctx context.Context, app *Application, hostname string) (DNSStatus, error)

	// DeleteCertificate removes the certificate for hostname.
	DeleteCertificate(ctx context.Context, app *Application, hostname string, ref *ExternalRef) error

	// CreateDatabase provisions a managed database.
	CreateDatabase(ctx context.Context, db *Database, ref *ExternalRef) (string, error)

	// DeleteDatabase destroys a managed database.
	DeleteDatabase(ctx context.Context, db *Database, ref *ExternalRef) error

	// IgniteBuilder starts the build phase. It returns once the phase was accepted.
	IgniteBuilder(ctx context.Context, app *Application, deployment *Deployment) error

	// IgniteApplication starts the release phase after a successful build.
	IgniteApplication(ctx context.Context, app *Application, deployment *Deployment) error

	// Metadata describes the driver and its optional capabilities.
	Metadata() DriverMetadata
}

// PhaseStopper is implemented by drivers that can stop an in-flight phase.
// Stopping is best-effort; callers do not wait for the phase to actually end.
type PhaseStopper interface {
	StopPhase(ctx context.Context, app *Application, deployment *Deployment, scope LogScope) error
}

// DriverCloser is implemented by drivers holding resources released on shutdown.
type DriverCloser interface {
	Close(ctx context.Context) error
}

// LogRequest selects the phase to stream.
type LogRequest struct {
	Scope LogScope

	// FromStart asks the driver to replay the phase from its first line.
	// Only honored when the driver advertises LogReplay.
	FromStart bool
}

// LogStream is a live ordered sequence of lines for one phase.
//
// Next returns io.EOF once the phase has ended normally; Result then reports
// the outcome of the phase. Any other error means the stream was interrupted
// and says nothing about the phase itself.
type LogStream interface {
	Next(ctx context.Context) (LogLine, error)
	Result() PhaseResult
	Close() error
}

// DriverCapabilities lists optional driver features.
type DriverCapabilities struct {
	LogReplay       bool             `json:"log_replay"`
	StopPhase       bool             `json:"stop_phase"`
	Certificates    bool             `json:"certificates"`
	DatabaseEngines []DatabaseEngine `json:"database_engines,omitempty"`
}

// SupportsEngine reports whether the driver can provision the database engine.
func (c DriverCapabilities) SupportsEngine(e DatabaseEngine) bool {
	for _, supported := range c.DatabaseEngines {
		if supported == e {
			return true
		}
	}
	return false
}

// DriverMetadata describes a driver instance.
type DriverMetadata struct {
	// Name is the registry identifier of the instance.
	Name string `json:"name"`

	// Kind is the implementation type (memory, docker, wasm).
	Kind string `json:"kind"`

	Version      string             `json:"version,omitempty"`
	Description  string             `json:"description,omitempty"`
	Capabilities DriverCapabilities `json:"capabilities"`
}

// DriverResolver resolves a driver identifier to a driver instance.
type DriverResolver interface {
	// Resolve returns the driver registered under id or an UnknownDriver error.
	Resolve(id string) (Driver, error)
}
