package policy

import (
	"time"

	"github.com/hoistpaas/hoist/pkg/engine"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is logged but never blocks a request.
	SeverityWarning Severity = "warning"

	// SeverityError blocks the request.
	SeverityError Severity = "error"

	// SeverityCritical blocks the request.
	SeverityCritical Severity = "critical"
)

// Blocking reports whether a violation of this severity rejects the request.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// Operation names the kind of request being admitted.
type Operation string

const (
	OperationDeployment  Operation = "deployment"
	OperationCertificate Operation = "certificate"
	OperationDatabase    Operation = "database"
)

// Policy represents a policy rule with its Rego code.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego module. Violations are read from its deny set.
	Rego string `json:"rego"`

	// Severity is the default severity for violations.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Builtin marks policies shipped with Hoist.
	Builtin bool `json:"builtin,omitempty"`

	// Source is the file the policy was loaded from.
	Source string `json:"source,omitempty"`

	// LoadedAt is when the policy was compiled.
	LoadedAt time.Time `json:"loaded_at"`
}

// Violation represents a single policy violation.
type Violation struct {
	Policy   string   `json:"policy"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`

	// Resource is the entity the violation refers to: an application id,
	// a hostname or a database name.
	Resource string `json:"resource,omitempty"`
}

// Decision is the outcome of evaluating every enabled policy against one input.
type Decision struct {
	Allowed     bool          `json:"allowed"`
	Violations  []Violation   `json:"violations,omitempty"`
	Warnings    []string      `json:"warnings,omitempty"`
	Evaluated   []string      `json:"evaluated"`
	EvaluatedAt time.Time     `json:"evaluated_at"`
	Duration    time.Duration `json:"duration"`
}

// Blocking returns the violations that rejected the request.
func (d *Decision) Blocking() []Violation {
	var out []Violation
	for _, v := range d.Violations {
		if v.Severity.Blocking() {
			out = append(out, v)
		}
	}
	return out
}

// Input is the document policies see as input.
type Input struct {
	Operation   Operation                 `json:"operation"`
	Application *engine.Application       `json:"application,omitempty"`
	Deployment  *engine.DeploymentRequest `json:"deployment,omitempty"`
	Certificate *CertificateInput         `json:"certificate,omitempty"`
	Database    *engine.Database          `json:"database,omitempty"`
	Context     Context                   `json:"context"`
}

// CertificateInput describes a requested certificate.
type CertificateInput struct {
	Hostname string `json:"hostname"`
}

// Context carries the evaluation time, in UTC, for time-based rules.
type Context struct {
	Timestamp time.Time `json:"timestamp"`
	Weekday   string    `json:"weekday"`
	Hour      int       `json:"hour"`
}

func newContext(now time.Time) Context {
	now = now.UTC()
	return Context{Timestamp: now, Weekday: now.Weekday().String(), Hour: now.Hour()}
}

// resource returns the identifier violations of this input refer to by default.
func (in *Input) resource() string {
	switch {
	case in.Certificate != nil:
		return in.Certificate.Hostname
	case in.Database != nil:
		return in.Database.Name
	case in.Application != nil:
		return in.Application.ID
	}
	return ""
}
