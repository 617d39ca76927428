package engine

import (
	"context"
	"time"
)

// ApplicationStore persists applications.
type ApplicationStore interface {
	// CreateApplication fails with ResourceConflict when the project already has an
	// application with the same name.
	CreateApplication(ctx context.Context, app *Application) error
	GetApplication(ctx context.Context, id string) (*Application, error)
	ListApplications(ctx context.Context, filter ApplicationFilter) ([]*Application, error)
	UpdateApplication(ctx context.Context, app *Application) error

	// SetApplicationStatus changes status and last error only. An application
	// already deleting rejects any other status with ResourceConflict.
	SetApplicationStatus(ctx context.Context, id string, status ApplicationStatus, lastError string, now time.Time) error

	// SetCurrentDeployment records the current deployment and returns the one it
	// replaced, or "". It fails with ResourceConflict while the application is
	// deleting.
	SetCurrentDeployment(ctx context.Context, applicationID, deploymentID string, now time.Time) (previous string, err error)

	DeleteApplication(ctx context.Context, id string) error
}

// DeploymentStore persists deployments and their transition history.
type DeploymentStore interface {
	// CreateDeployment inserts a queued deployment. It fails with
	// DeploymentInProgress when the application already has a non-terminal one.
	CreateDeployment(ctx context.Context, deployment *Deployment) error
	GetDeployment(ctx context.Context, id string) (*Deployment, error)
	ListDeployments(ctx context.Context, filter DeploymentFilter) ([]*Deployment, error)

	// ActiveDeployment returns the non-terminal deployment of an application or NotFound.
	ActiveDeployment(ctx context.Context, applicationID string) (*Deployment, error)

	// TransitionDeployment moves a deployment from t.From to t.To. It fails with a
	// conflict error when the stored status is not t.From or the move is illegal.
	TransitionDeployment(ctx context.Context, t DeploymentTransition) (*Deployment, error)

	// UpdateDeploymentProgress records the log cursor and attempt counter.
	UpdateDeploymentProgress(ctx context.Context, id string, logCursor int64, attempts int) error

	ListDeploymentEvents(ctx context.Context, deploymentID string) ([]*DeploymentEvent, error)
}

// CertificateStore persists certificates.
type CertificateStore interface {
	// CreateCertificate fails with ResourceConflict on a duplicate (application, hostname).
	CreateCertificate(ctx context.Context, cert *Certificate) error
	GetCertificate(ctx context.Context, id string) (*Certificate, error)
	ListCertificates(ctx context.Context, applicationID string) ([]*Certificate, error)

	// ListCertificatesByStatus is used to resume polling after a restart.
	ListCertificatesByStatus(ctx context.Context, status DNSStatus) ([]*Certificate, error)

	// UpdateCertificate applies a compare-and-set change of the DNS state.
	UpdateCertificate(ctx context.Context, u CertificateUpdate) (*Certificate, error)
	DeleteCertificate(ctx context.Context, id string) error
}

// DatabaseStore persists managed databases.
type DatabaseStore interface {
	CreateDatabase(ctx context.Context, db *Database) error
	GetDatabase(ctx context.Context, id string) (*Database, error)
	ListDatabases(ctx context.Context, projectID string) ([]*Database, error)
	UpdateDatabaseStatus(ctx context.Context, id string, status DatabaseStatus, lastError string) error
	DeleteDatabase(ctx context.Context, id string) error
}

// ExternalRefStore persists driver external references.
type ExternalRefStore interface {
	// EnsureExternalRef inserts ref unless one exists for (EntityID, Kind) and
	// returns the stored reference either way.
	EnsureExternalRef(ctx context.Context, ref *ExternalRef) (*ExternalRef, error)
	GetExternalRef(ctx context.Context, entityID string, kind ResourceKind) (*ExternalRef, error)
	SetExternalID(ctx context.Context, entityID string, kind ResourceKind, externalID string) error
	DeleteExternalRef(ctx context.Context, entityID string, kind ResourceKind) error
}

// LeaseStore persists leases.
type LeaseStore interface {
	// AcquireLease grants key to holder when it is free or expired. A live lease
	// fails with LeaseHeld, even when holder already owns it.
	AcquireLease(ctx context.Context, key, holder string, ttl time.Duration, now time.Time) (*Lease, error)

	// RenewLease extends a lease still held by holder. It fails with LeaseHeld
	// when the lease was revoked or taken over.
	RenewLease(ctx context.Context, key, holder string, ttl time.Duration, now time.Time) (*Lease, error)

	// ReleaseLease removes the lease if holder still holds it.
	ReleaseLease(ctx context.Context, key, holder string) error

	// RevokeLease removes the lease whoever holds it.
	RevokeLease(ctx context.Context, key string) error

	GetLease(ctx context.Context, key string) (*Lease, error)
}

// Store aggregates every persistence operation the engine needs.
type Store interface {
	ApplicationStore
	DeploymentStore
	CertificateStore
	DatabaseStore
	ExternalRefStore
	LeaseStore

	HealthCheck(ctx context.Context) error
	Close() error
}

// LogHub merges the phase streams of a deployment into one sequenced stream.
type LogHub interface {
	// Open creates the merged stream of a deployment if it does not exist.
	Open(deploymentID string)

	// BeginPhase records that a phase starts. replay is nil when the driver
	// cannot replay the phase from its first line.
	BeginPhase(deploymentID string, scope LogScope, replay StreamOpener)

	// Pump forwards lines from stream until it ends. The first skip lines are
	// dropped, which lets a replayed stream resume after the lines already
	// forwarded. A nil error means the phase ended normally.
	Pump(ctx context.Context, deploymentID string, scope LogScope, stream LogStream, skip int) (PumpResult, error)

	// Close ends the merged stream with a closing marker.
	Close(deploymentID, reason string)

	// Cursor returns the last sequence number assigned for a deployment.
	Cursor(deploymentID string) int64
}

// StreamOpener opens a phase stream, optionally from its first line.
type StreamOpener func(ctx context.Context, fromStart bool) (LogStream, error)

// PumpResult reports what a Pump call forwarded.
type PumpResult struct {
	Lines  int
	Result PhaseResult
}

// Admission decides whether a request is allowed before any state changes.
type Admission interface {
	AdmitDeployment(ctx context.Context, app *Application, req DeploymentRequest) error
	AdmitCertificate(ctx context.Context, app *Application, hostname string) error
	AdmitDatabase(ctx context.Context, db *Database) error
}

// DeploymentRequest carries the parameters of a deployment request.
type DeploymentRequest struct {
	SourceRef string `json:"source_ref"`
	Trigger   string `json:"trigger,omitempty"`
}
