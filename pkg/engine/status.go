package engine

import "fmt"

// ApplicationStatus represents the lifecycle status of an application.
type ApplicationStatus string

const (
	// ApplicationStatusProvisioning indicates the driver resource is being created.
	ApplicationStatusProvisioning ApplicationStatus = "provisioning"

	// ApplicationStatusActive indicates the application accepts deployments.
	ApplicationStatusActive ApplicationStatus = "active"

	// ApplicationStatusSuspended indicates deployments are paused for the application.
	ApplicationStatusSuspended ApplicationStatus = "suspended"

	// ApplicationStatusDeleting indicates teardown is in progress.
	ApplicationStatusDeleting ApplicationStatus = "deleting"
)

// Validate checks if the application status is valid.
func (s ApplicationStatus) Validate() error {
	switch s {
	case ApplicationStatusProvisioning, ApplicationStatusActive,
		ApplicationStatusSuspended, ApplicationStatusDeleting:
		return nil
	default:
		return fmt.Errorf("invalid application status: %s", s)
	}
}

// DeploymentStatus represents the status of a deployment.
type DeploymentStatus string

const (
	// DeploymentStatusQueued indicates the deployment was accepted but not started.
	DeploymentStatusQueued DeploymentStatus = "queued"

	// DeploymentStatusBuilding indicates the build phase is running.
	DeploymentStatusBuilding DeploymentStatus = "building"

	// DeploymentStatusBuildFailed indicates the build phase failed.
	DeploymentStatusBuildFailed DeploymentStatus = "build_failed"

	// DeploymentStatusReleasing indicates the release phase is starting.
	DeploymentStatusReleasing DeploymentStatus = "releasing"

	// DeploymentStatusRunning indicates the release succeeded and the build is serving.
	DeploymentStatusRunning DeploymentStatus = "running"

	// DeploymentStatusFailed indicates the release phase failed.
	DeploymentStatusFailed DeploymentStatus = "failed"

	// DeploymentStatusCanceled indicates the deployment was canceled.
	DeploymentStatusCanceled DeploymentStatus = "canceled"
)

var deploymentTransitions = map[DeploymentStatus][]DeploymentStatus{
	DeploymentStatusQueued:    {DeploymentStatusBuilding, DeploymentStatusCanceled},
	DeploymentStatusBuilding:  {DeploymentStatusBuildFailed, DeploymentStatusReleasing, DeploymentStatusCanceled},
	DeploymentStatusReleasing: {DeploymentStatusRunning, DeploymentStatusFailed, DeploymentStatusCanceled},
}

// IsTerminal returns true if the deployment status is final.
func (s DeploymentStatus) IsTerminal() bool {
	switch s {
	case DeploymentStatusBuildFailed, DeploymentStatusRunning,
		DeploymentStatusFailed, DeploymentStatusCanceled:
		return true
	default:
		return false
	}
}

// IsActive returns true if the deployment still occupies its application.
func (s DeploymentStatus) IsActive() bool {
	return s == DeploymentStatusQueued || s == DeploymentStatusBuilding ||
		s == DeploymentStatusReleasing
}

// CanTransitionTo reports whether next is a legal successor of s.
func (s DeploymentStatus) CanTransitionTo(next DeploymentStatus) bool {
	for _, allowed := range deploymentTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Validate checks if the deployment status is valid.
func (s DeploymentStatus) Validate() error {
	switch s {
	case DeploymentStatusQueued, DeploymentStatusBuilding, DeploymentStatusBuildFailed,
		DeploymentStatusReleasing, DeploymentStatusRunning, DeploymentStatusFailed,
		DeploymentStatusCanceled:
		return nil
	default:
		return fmt.Errorf("invalid deployment status: %s", s)
	}
}

// ActiveDeploymentStatuses lists the non-terminal deployment statuses.
func ActiveDeploymentStatuses() []DeploymentStatus {
	return []DeploymentStatus{DeploymentStatusQueued, DeploymentStatusBuilding, DeploymentStatusReleasing}
}

// DNSStatus represents the DNS verification state of a certificate.
type DNSStatus string

const (
	// DNSStatusUnconfigured indicates no DNS check has been made yet.
	DNSStatusUnconfigured DNSStatus = "unconfigured"

	// DNSStatusPending indicates DNS does not point at the platform yet.
	DNSStatusPending DNSStatus = "pending"

	// DNSStatusConfigured indicates DNS was verified.
	DNSStatusConfigured DNSStatus = "configured"
)

func (s DNSStatus) rank() int {
	switch s {
	case DNSStatusUnconfigured:
		return 0
	case DNSStatusPending:
		return 1
	case DNSStatusConfigured:
		return 2
	default:
		return -1
	}
}

// CanAdvanceTo reports whether next is s or a later state. DNS status never
// moves backwards except through an explicit reset.
func (s DNSStatus) CanAdvanceTo(next DNSStatus) bool {
	return next.rank() >= 0 && next.rank() >= s.rank()
}

// Validate checks if the DNS status is valid.
func (s DNSStatus) Validate() error {
	if s.rank() < 0 {
		return fmt.Errorf("invalid dns status: %s", s)
	}
	return nil
}

// DatabaseStatus represents the lifecycle status of a managed database.
type DatabaseStatus string

const (
	DatabaseStatusProvisioning DatabaseStatus = "provisioning"
	DatabaseStatusActive       DatabaseStatus = "active"
	DatabaseStatusDeleting     DatabaseStatus = "deleting"
	DatabaseStatusDeleted      DatabaseStatus = "deleted"
)

// Validate checks if the database status is valid.
func (s DatabaseStatus) Validate() error {
	switch s {
	case DatabaseStatusProvisioning, DatabaseStatusActive,
		DatabaseStatusDeleting, DatabaseStatusDeleted:
		return nil
	default:
		return fmt.Errorf("invalid database status: %s", s)
	}
}

// DatabaseEngine is the kind of a managed database.
type DatabaseEngine string

const (
	DatabaseEnginePostgres DatabaseEngine = "postgres"
	DatabaseEngineMySQL    DatabaseEngine = "mysql"
	DatabaseEngineRedis    DatabaseEngine = "redis"
)

// Validate checks if the database engine is supported.
func (e DatabaseEngine) Validate() error {
	switch e {
	case DatabaseEnginePostgres, DatabaseEngineMySQL, DatabaseEngineRedis:
		return nil
	default:
		return fmt.Errorf("invalid database engine: %s", e)
	}
}

// LogScope selects the phase whose logs a driver streams.
type LogScope string

const (
	LogScopeBuilder     LogScope = "builder"
	LogScopeApplication LogScope = "application"
)

// Validate checks if the log scope is valid.
func (s LogScope) Validate() error {
	switch s {
	case LogScopeBuilder, LogScopeApplication:
		return nil
	default:
		return fmt.Errorf("invalid log scope: %s", s)
	}
}

// ResourceKind names the driver-side resource an ExternalRef points at.
type ResourceKind string

const (
	ResourceKindApplication      ResourceKind = "application"
	ResourceKindCertificate      ResourceKind = "certificate"
	ResourceKindDatabase         ResourceKind = "database"
	ResourceKindGitHubDeployment ResourceKind = "github_deployment"
)
