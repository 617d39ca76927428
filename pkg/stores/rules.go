package stores

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/hoistpaas/hoist/pkg/engine"
)

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	return t, nil
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// checkTransition rejects a stale compare-and-set or an illegal move.
func errApplicationDeleting(id string) error {
	return engine.NewResourceConflictError(fmt.Sprintf("application %s is being deleted", id), nil).WithResource(id)
}

func checkTransition(dep *engine.Deployment, t engine.DeploymentTransition) error {
	if dep.Status != t.From {
		return engine.NewResourceConflictError(
			fmt.Sprintf("deployment is %s, not %s", dep.Status, t.From), nil).
			WithResource(dep.ID).
			WithDetail("status", string(dep.Status))
	}
	if !t.From.CanTransitionTo(t.To) {
		return engine.NewResourceConflictError(
			fmt.Sprintf("illegal deployment transition %s -> %s", t.From, t.To), nil).
			WithResource(dep.ID)
	}
	return nil
}

func applyTransition(dep *engine.Deployment, t engine.DeploymentTransition, at time.Time) {
	dep.Status = t.To
	dep.UpdatedAt = at
	if t.Error != "" {
		dep.LastError = t.Error
	}

	stamp := at
	switch {
	case t.To == engine.DeploymentStatusBuilding:
		dep.BuildingAt = &stamp
	case t.To == engine.DeploymentStatusReleasing:
		dep.ReleasingAt = &stamp
	case t.To.IsTerminal():
		dep.FinishedAt = &stamp
	}
}

// checkCertificateUpdate rejects a stale compare-and-set or a regression
// without an explicit reset.
func checkCertificateUpdate(cert *engine.Certificate, u engine.CertificateUpdate) error {
	if err := u.To.Validate(); err != nil {
		return engine.NewValidationError(err.Error())
	}
	if cert.DNSStatus != u.From {
		return engine.NewResourceConflictError(
			fmt.Sprintf("certificate is %s, not %s", cert.DNSStatus, u.From), nil).
			WithResource(cert.ID).
			WithDetail("dns_status", string(cert.DNSStatus))
	}
	if !u.Reset && !u.From.CanAdvanceTo(u.To) {
		return engine.NewResourceConflictError(
			fmt.Sprintf("dns status cannot move from %s to %s", u.From, u.To), nil).
			WithResource(cert.ID)
	}
	return nil
}

func applyCertificateUpdate(cert *engine.Certificate, u engine.CertificateUpdate, now time.Time) {
	cert.DNSStatus = u.To
	cert.UpdatedAt = now
	if u.ClearIssuedAt {
		cert.IssuedAt = nil
	}
	if u.IssuedAt != nil {
		t := *u.IssuedAt
		cert.IssuedAt = &t
	}
	if u.PollingStartedAt != nil {
		t := *u.PollingStartedAt
		cert.PollingStartedAt = &t
	}
	if u.LastCheckedAt != nil {
		t := *u.LastCheckedAt
		cert.LastCheckedAt = &t
	}
	if u.LastError != nil {
		cert.LastError = *u.LastError
	}
}
