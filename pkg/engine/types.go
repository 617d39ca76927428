package engine

import (
	"strings"
	"time"
)

// Application is a deployable unit owned by a project and bound to one driver.
type Application struct {
	// ID is the unique identifier for this application.
	ID string `json:"id"`

	// ProjectID is the opaque identifier of the owning project.
	ProjectID string `json:"project_id"`

	// Name is unique within the project.
	Name string `json:"name"`

	// DriverID selects the driver instance from the registry.
	DriverID string `json:"driver_id"`

	// Repository is an optional "owner/name" source repository used by push webhooks.
	Repository string `json:"repository,omitempty"`

	// Branch is the branch that triggers deployments when Repository is set.
	Branch string `json:"branch,omitempty"`

	// CurrentDeploymentID is the deployment currently serving traffic, if any.
	CurrentDeploymentID *string `json:"current_deployment_id,omitempty"`

	// Status is the lifecycle status of the application.
	Status ApplicationStatus `json:"status"`

	// LastError is the last concrete error recorded for the application.
	LastError string `json:"last_error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Deployment is one attempt to build and release a source reference.
type Deployment struct {
	// ID is the unique identifier for this deployment.
	ID string `json:"id"`

	// ApplicationID is the application being deployed.
	ApplicationID string `json:"application_id"`

	// SourceRef identifies what is deployed (commit SHA, image tag).
	SourceRef string `json:"source_ref"`

	// Trigger records who requested the deployment (api, webhook, manifest).
	Trigger string `json:"trigger,omitempty"`

	// Status is the current pipeline status.
	Status DeploymentStatus `json:"status"`

	// LogCursor is the last sequence number assigned in the merged log stream.
	LogCursor int64 `json:"log_cursor"`

	// Attempts counts driver calls made for the current phase, retries included.
	Attempts int `json:"attempts"`

	// LastError is the last concrete error recorded for the deployment.
	LastError string `json:"last_error,omitempty"`

	QueuedAt    time.Time  `json:"queued_at"`
	BuildingAt  *time.Time `json:"building_at,omitempty"`
	ReleasingAt *time.Time `json:"releasing_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// DeploymentEvent is an entry in the transition history of a deployment.
type DeploymentEvent struct {
	ID           int64            `json:"id"`
	DeploymentID string           `json:"deployment_id"`
	From         DeploymentStatus `json:"from"`
	To           DeploymentStatus `json:"to"`
	Message      string           `json:"message,omitempty"`
	Timestamp    time.Time        `json:"timestamp"`
}

// DeploymentTransition describes a compare-and-set status change.
type DeploymentTransition struct {
	ID   string
	From DeploymentStatus
	To   DeploymentStatus
	At   time.Time

	// Error, when set, replaces the deployment's LastError.
	Error string

	// Message is stored in the transition history.
	Message string
}

// Certificate is a TLS certificate for one hostname of an application.
type Certificate struct {
	ID            string    `json:"id"`
	ApplicationID string    `json:"application_id"`
	Hostname      string    `json:"hostname"`
	DNSStatus     DNSStatus `json:"dns_status"`

	// IssuedAt is set when DNS verification succeeded.
	IssuedAt *time.Time `json:"issued_at,omitempty"`

	// PollingStartedAt marks the start of the current polling horizon.
	PollingStartedAt *time.Time `json:"polling_started_at,omitempty"`

	LastCheckedAt *time.Time `json:"last_checked_at,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// CertificateUpdate is a compare-and-set change of a certificate's DNS state.
// The store rejects a regression of DNSStatus unless Reset is true.
type CertificateUpdate struct {
	ID    string
	From  DNSStatus
	To    DNSStatus
	Reset bool

	IssuedAt         *time.Time
	ClearIssuedAt    bool
	PollingStartedAt *time.Time
	LastCheckedAt    *time.Time

	// LastError replaces the stored error when non-nil. An empty string clears it.
	LastError *string
}

// Database is a managed database provisioned through a driver.
type Database struct {
	ID        string         `json:"id"`
	ProjectID string         `json:"project_id"`
	Name      string         `json:"name"`
	Engine    DatabaseEngine `json:"engine"`
	DriverID  string         `json:"driver_id"`
	Status    DatabaseStatus `json:"status"`
	LastError string         `json:"last_error,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// ExternalRef maps an entity and resource kind to the driver-side resource.
// IdempotencyKey is persisted before the first create call so that a retried
// create lets the driver find the resource it already made.
type ExternalRef struct {
	EntityID       string       `json:"entity_id"`
	Kind           ResourceKind `json:"kind"`
	IdempotencyKey string       `json:"idempotency_key"`
	ExternalID     string       `json:"external_id,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// Lease is a time-bounded exclusivity claim stored alongside entity state.
type Lease struct {
	Key        string    `json:"key"`
	Holder     string    `json:"holder"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Expired reports whether the lease is no longer valid at now.
func (l *Lease) Expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}

// ApplicationLeaseKey returns the lease key serializing deployments of an application.
func ApplicationLeaseKey(applicationID string) string {
	return "application:" + applicationID
}

// LogLine is one line emitted by a driver phase.
type LogLine struct {
	Timestamp time.Time `json:"timestamp"`

	// Stream is "stdout" or "stderr" when the driver knows it.
	Stream string `json:"stream,omitempty"`

	Text string `json:"text"`
}

// PhaseResult is the outcome a driver reports when a phase's log stream ends normally.
type PhaseResult struct {
	Succeeded bool   `json:"succeeded"`
	Detail    string `json:"detail,omitempty"`
}

// ApplicationFilter narrows application listings.
type ApplicationFilter struct {
	ProjectID  string
	Repository string
	Branch     string
}

// DeploymentFilter narrows deployment listings.
type DeploymentFilter struct {
	ApplicationID string
	Statuses      []DeploymentStatus
	Limit         int
}

// NormalizeHostname lower-cases a hostname and strips a trailing dot.
func NormalizeHostname(hostname string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(hostname)), ".")
}
