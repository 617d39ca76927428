package stores

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hoistpaas/hoist/pkg/engine"
)

// MemoryStore implements engine.Store in process memory. It is meant for tests
// and single-process development; nothing survives a restart.
type MemoryStore struct {
	mu sync.Mutex

	applications map[string]*engine.Application
	deployments  map[string]*engine.Deployment
	events       map[string][]*engine.DeploymentEvent
	certificates map[string]*engine.Certificate
	databases    map[string]*engine.Database
	refs         map[refKey]*engine.ExternalRef
	leases       map[string]*engine.Lease

	nextEventID int64
	now         func() time.Time
}

type refKey struct {
	entityID string
	kind     engine.ResourceKind
}

var _ engine.Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		applications: make(map[string]*engine.Application),
		deployments:  make(map[string]*engine.Deployment),
		events:       make(map[string][]*engine.DeploymentEvent),
		certificates: make(map[string]*engine.Certificate),
		databases:    make(map[string]*engine.Database),
		refs:         make(map[refKey]*engine.ExternalRef),
		leases:       make(map[string]*engine.Lease),
		now:          time.Now,
	}
}

// HealthCheck always succeeds.
func (m *MemoryStore) HealthCheck(context.Context) error { return nil }

// Close is a no-op.
func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) CreateApplication(_ context.Context, app *engine.Application) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.applications[app.ID]; ok {
		return engine.NewResourceConflictError(fmt.Sprintf("application %s already exists", app.ID), nil).WithResource(app.ID)
	}
	for _, existing := range m.applications {
		if existing.ProjectID == app.ProjectID && existing.Name == app.Name {
			return engine.NewResourceConflictError(fmt.Sprintf("application %q already exists in project %s", app.Name, app.ProjectID), nil).
				WithResource(app.Name)
		}
	}
	m.applications[app.ID] = copyApplication(app)
	return nil
}

func (m *MemoryStore) GetApplication(_ context.Context, id string) (*engine.Application, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	app, ok := m.applications[id]
	if !ok {
		return nil, engine.NewNotFoundError("application", id)
	}
	return copyApplication(app), nil
}

func (m *MemoryStore) ListApplications(_ context.Context, filter engine.ApplicationFilter) ([]*engine.Application, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	apps := []*engine.Application{}
	for _, app := range m.applications {
		if filter.ProjectID != "" && app.ProjectID != filter.ProjectID {
			continue
		}
		if filter.Repository != "" && app.Repository != filter.Repository {
			continue
		}
		if filter.Branch != "" && app.Branch != filter.Branch {
			continue
		}
		apps = append(apps, copyApplication(app))
	}
	sort.Slice(apps, func(i, j int) bool {
		if apps[i].ProjectID != apps[j].ProjectID {
			return apps[i].ProjectID < apps[j].ProjectID
		}
		return apps[i].Name < apps[j].Name
	})
	return apps, nil
}

func (m *MemoryStore) UpdateApplication(_ context.Context, app *engine.Application) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.applications[app.ID]
	if !ok {
		return engine.NewNotFoundError("application", app.ID)
	}
	for _, existing := range m.applications {
		if existing.ID != app.ID && existing.ProjectID == current.ProjectID && existing.Name == app.Name {
			return engine.NewResourceConflictError(fmt.Sprintf("application %q already exists", app.Name), nil)
		}
	}
	updated := copyApplication(app)
	updated.ProjectID = current.ProjectID
	updated.CreatedAt = current.CreatedAt
	if updated.UpdatedAt.IsZero() {
		updated.UpdatedAt = m.now()
	}
	m.applications[app.ID] = updated
	return nil
}

func (m *MemoryStore) SetApplicationStatus(_ context.Context, id string, status engine.ApplicationStatus, lastError string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	app, ok := m.applications[id]
	if !ok {
		return engine.NewNotFoundError("application", id)
	}
	if app.Status == engine.ApplicationStatusDeleting && status != engine.ApplicationStatusDeleting {
		return errApplicationDeleting(id)
	}
	app.Status = status
	app.LastError = lastError
	app.UpdatedAt = now
	return nil
}

func (m *MemoryStore) SetCurrentDeployment(_ context.Context, applicationID, deploymentID string, now time.Time) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	app, ok := m.applications[applicationID]
	if !ok {
		return "", engine.NewNotFoundError("application", applicationID)
	}
	if app.Status == engine.ApplicationStatusDeleting {
		return "", errApplicationDeleting(applicationID)
	}
	previous := ""
	if app.CurrentDeploymentID != nil {
		previous = *app.CurrentDeploymentID
	}
	app.CurrentDeploymentID = &deploymentID
	app.UpdatedAt = now
	return previous, nil
}

// DeleteApplication removes the application with its deployments and certificates.
func (m *MemoryStore) DeleteApplication(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.applications[id]; !ok {
		return engine.NewNotFoundError("application", id)
	}
	delete(m.applications, id)
	for depID, dep := range m.deployments {
		if dep.ApplicationID == id {
			delete(m.deployments, depID)
			delete(m.events, depID)
		}
	}
	for certID, cert := range m.certificates {
		if cert.ApplicationID == id {
			delete(m.certificates, certID)
		}
	}
	return nil
}

func (m *MemoryStore) CreateDeployment(_ context.Context, dep *engine.Deployment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.applications[dep.ApplicationID]; !ok {
		return engine.NewNotFoundError("application", dep.ApplicationID)
	}
	if _, ok := m.deployments[dep.ID]; ok {
		return engine.NewResourceConflictError(fmt.Sprintf("deployment %s already exists", dep.ID), nil)
	}
	if dep.Status.IsActive() {
		if active := m.activeLocked(dep.ApplicationID); active != nil {
			return engine.NewDeploymentInProgressError(dep.ApplicationID, active.ID)
		}
	}
	m.deployments[dep.ID] = copyDeployment(dep)
	return nil
}

func (m *MemoryStore) GetDeployment(_ context.Context, id string) (*engine.Deployment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	dep, ok := m.deployments[id]
	if !ok {
		return nil, engine.NewNotFoundError("deployment", id)
	}
	return copyDeployment(dep), nil
}

func (m *MemoryStore) ListDeployments(_ context.Context, filter engine.DeploymentFilter) ([]*engine.Deployment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	deps := []*engine.Deployment{}
	for _, dep := range m.deployments {
		if filter.ApplicationID != "" && dep.ApplicationID != filter.ApplicationID {
			continue
		}
		if len(filter.Statuses) > 0 && !containsStatus(filter.Statuses, dep.Status) {
			continue
		}
		deps = append(deps, copyDeployment(dep))
	}
	sort.Slice(deps, func(i, j int) bool {
		if !deps[i].QueuedAt.Equal(deps[j].QueuedAt) {
			return deps[i].QueuedAt.After(deps[j].QueuedAt)
		}
		return deps[i].ID > deps[j].ID
	})
	if filter.Limit > 0 && len(deps) > filter.Limit {
		deps = deps[:filter.Limit]
	}
	return deps, nil
}

func (m *MemoryStore) ActiveDeployment(_ context.Context, applicationID string) (*engine.Deployment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if dep := m.activeLocked(applicationID); dep != nil {
		return copyDeployment(dep), nil
	}
	return nil, engine.NewNotFoundError("active deployment", applicationID)
}

func (m *MemoryStore) activeLocked(applicationID string) *engine.Deployment {
	for _, dep := range m.deployments {
		if dep.ApplicationID == applicationID && dep.Status.IsActive() {
			return dep
		}
	}
	return nil
}

func (m *MemoryStore) TransitionDeployment(_ context.Context, t engine.DeploymentTransition) (*engine.Deployment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	dep, ok := m.deployments[t.ID]
	if !ok {
		return nil, engine.NewNotFoundError("deployment", t.ID)
	}
	if err := checkTransition(dep, t); err != nil {
		return nil, err
	}

	at := t.At
	if at.IsZero() {
		at = m.now()
	}
	applyTransition(dep, t, at)

	m.nextEventID++
	m.events[t.ID] = append(m.events[t.ID], &engine.DeploymentEvent{
		ID:           m.nextEventID,
		DeploymentID: t.ID,
		From:         t.From,
		To:           t.To,
		Message:      t.Message,
		Timestamp:    at,
	})
	return copyDeployment(dep), nil
}

func (m *MemoryStore) UpdateDeploymentProgress(_ context.Context, id string, logCursor int64, attempts int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	dep, ok := m.deployments[id]
	if !ok {
		return engine.NewNotFoundError("deployment", id)
	}
	if logCursor > dep.LogCursor {
		dep.LogCursor = logCursor
	}
	dep.Attempts = attempts
	dep.UpdatedAt = m.now()
	return nil
}

func (m *MemoryStore) ListDeploymentEvents(_ context.Context, deploymentID string) ([]*engine.DeploymentEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	events := make([]*engine.DeploymentEvent, 0, len(m.events[deploymentID]))
	for _, ev := range m.events[deploymentID] {
		cp := *ev
		events = append(events, &cp)
	}
	return events, nil
}

func (m *MemoryStore) CreateCertificate(_ context.Context, cert *engine.Certificate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.applications[cert.ApplicationID]; !ok {
		return engine.NewNotFoundError("application", cert.ApplicationID)
	}
	for _, existing := range m.certificates {
		if existing.ID == cert.ID || (existing.ApplicationID == cert.ApplicationID && existing.Hostname == cert.Hostname) {
			return engine.NewResourceConflictError(fmt.Sprintf("certificate for %s already exists", cert.Hostname), nil).
				WithResource(cert.Hostname)
		}
	}
	m.certificates[cert.ID] = copyCertificate(cert)
	return nil
}

func (m *MemoryStore) GetCertificate(_ context.Context, id string) (*engine.Certificate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cert, ok := m.certificates[id]
	if !ok {
		return nil, engine.NewNotFoundError("certificate", id)
	}
	return copyCertificate(cert), nil
}

func (m *MemoryStore) ListCertificates(_ context.Context, applicationID string) ([]*engine.Certificate, error) {
	return m.listCertificates(func(c *engine.Certificate) bool { return c.ApplicationID == applicationID },
		func(a, b *engine.Certificate) bool { return a.Hostname < b.Hostname })
}

func (m *MemoryStore) ListCertificatesByStatus(_ context.Context, status engine.DNSStatus) ([]*engine.Certificate, error) {
	return m.listCertificates(func(c *engine.Certificate) bool { return c.DNSStatus == status },
		func(a, b *engine.Certificate) bool { return a.CreatedAt.Before(b.CreatedAt) })
}

func (m *MemoryStore) listCertificates(keep func(*engine.Certificate) bool, less func(a, b *engine.Certificate) bool) ([]*engine.Certificate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	certs := []*engine.Certificate{}
	for _, cert := range m.certificates {
		if keep(cert) {
			certs = append(certs, copyCertificate(cert))
		}
	}
	sort.Slice(certs, func(i, j int) bool { return less(certs[i], certs[j]) })
	return certs, nil
}

func (m *MemoryStore) UpdateCertificate(_ context.Context, u engine.CertificateUpdate) (*engine.Certificate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cert, ok := m.certificates[u.ID]
	if !ok {
		return nil, engine.NewNotFoundError("certificate", u.ID)
	}
	if err := checkCertificateUpdate(cert, u); err != nil {
		return nil, err
	}
	applyCertificateUpdate(cert, u, m.now())
	return copyCertificate(cert), nil
}

func (m *MemoryStore) DeleteCertificate(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.certificates[id]; !ok {
		return engine.NewNotFoundError("certificate", id)
	}
	delete(m.certificates, id)
	return nil
}

func (m *MemoryStore) CreateDatabase(_ context.Context, db *engine.Database) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.databases {
		if existing.ID == db.ID || (existing.ProjectID == db.ProjectID && existing.Name == db.Name &&
			existing.Status != engine.DatabaseStatusDeleted) {
			return engine.NewResourceConflictError(fmt.Sprintf("database %q already exists in project %s", db.Name, db.ProjectID), nil).
				WithResource(db.Name)
		}
	}
	cp := *db
	m.databases[db.ID] = &cp
	return nil
}

func (m *MemoryStore) GetDatabase(_ context.Context, id string) (*engine.Database, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	db, ok := m.databases[id]
	if !ok {
		return nil, engine.NewNotFoundError("database", id)
	}
	cp := *db
	return &cp, nil
}

func (m *MemoryStore) ListDatabases(_ context.Context, projectID string) ([]*engine.Database, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	dbs := []*engine.Database{}
	for _, db := range m.databases {
		if projectID != "" && db.ProjectID != projectID {
			continue
		}
		cp := *db
		dbs = append(dbs, &cp)
	}
	sort.Slice(dbs, func(i, j int) bool {
		if dbs[i].ProjectID != dbs[j].ProjectID {
			return dbs[i].ProjectID < dbs[j].ProjectID
		}
		return dbs[i].Name < dbs[j].Name
	})
	return dbs, nil
}

func (m *MemoryStore) UpdateDatabaseStatus(_ context.Context, id string, status engine.DatabaseStatus, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	db, ok := m.databases[id]
	if !ok {
		return engine.NewNotFoundError("database", id)
	}
	db.Status = status
	db.LastError = lastError
	db.UpdatedAt = m.now()
	return nil
}

func (m *MemoryStore) DeleteDatabase(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.databases[id]; !ok {
		return engine.NewNotFoundError("database", id)
	}
	delete(m.databases, id)
	return nil
}

func (m *MemoryStore) EnsureExternalRef(_ context.Context, ref *engine.ExternalRef) (*engine.ExternalRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := refKey{ref.EntityID, ref.Kind}
	if existing, ok := m.refs[key]; ok {
		cp := *existing
		return &cp, nil
	}
	for _, existing := range m.refs {
		if existing.IdempotencyKey == ref.IdempotencyKey {
			return nil, engine.NewResourceConflictError("idempotency key already used", nil).WithResource(ref.EntityID)
		}
	}

	now := m.now()
	stored := *ref
	stored.CreatedAt = now
	stored.UpdatedAt = now
	m.refs[key] = &stored
	cp := stored
	return &cp, nil
}

func (m *MemoryStore) GetExternalRef(_ context.Context, entityID string, kind engine.ResourceKind) (*engine.ExternalRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ref, ok := m.refs[refKey{entityID, kind}]
	if !ok {
		return nil, engine.NewNotFoundError("external ref", string(kind)+"/"+entityID)
	}
	cp := *ref
	return &cp, nil
}

func (m *MemoryStore) SetExternalID(_ context.Context, entityID string, kind engine.ResourceKind, externalID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ref, ok := m.refs[refKey{entityID, kind}]
	if !ok {
		return engine.NewNotFoundError("external ref", string(kind)+"/"+entityID)
	}
	ref.ExternalID = externalID
	ref.UpdatedAt = m.now()
	return nil
}

func (m *MemoryStore) DeleteExternalRef(_ context.Context, entityID string, kind engine.ResourceKind) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := refKey{entityID, kind}
	if _, ok := m.refs[key]; !ok {
		return engine.NewNotFoundError("external ref", string(kind)+"/"+entityID)
	}
	delete(m.refs, key)
	return nil
}

func (m *MemoryStore) AcquireLease(_ context.Context, key, holder string, ttl time.Duration, now time.Time) (*engine.Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if current, ok := m.leases[key]; ok && !current.Expired(now) {
		return nil, engine.NewLeaseHeldError(key, current.Holder)
	}
	lease := &engine.Lease{Key: key, Holder: holder, AcquiredAt: now, ExpiresAt: now.Add(ttl)}
	m.leases[key] = lease
	cp := *lease
	return &cp, nil
}

func (m *MemoryStore) RenewLease(_ context.Context, key, holder string, ttl time.Duration, now time.Time) (*engine.Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.leases[key]
	if !ok {
		return nil, engine.NewLeaseHeldError(key, "")
	}
	if current.Holder != holder {
		return nil, engine.NewLeaseHeldError(key, current.Holder)
	}
	current.ExpiresAt = now.Add(ttl)
	cp := *current
	return &cp, nil
}

func (m *MemoryStore) ReleaseLease(_ context.Context, key, holder string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.leases[key]
	if !ok || current.Holder != holder {
		return engine.NewNotFoundError("lease", key)
	}
	delete(m.leases, key)
	return nil
}

func (m *MemoryStore) RevokeLease(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.leases[key]; !ok {
		return engine.NewNotFoundError("lease", key)
	}
	delete(m.leases, key)
	return nil
}

func (m *MemoryStore) GetLease(_ context.Context, key string) (*engine.Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	lease, ok := m.leases[key]
	if !ok {
		return nil, engine.NewNotFoundError("lease", key)
	}
	cp := *lease
	return &cp, nil
}

func containsStatus(statuses []engine.DeploymentStatus, s engine.DeploymentStatus) bool {
	for _, candidate := range statuses {
		if candidate == s {
			return true
		}
	}
	return false
}

func copyApplication(app *engine.Application) *engine.Application {
	cp := *app
	if app.CurrentDeploymentID != nil {
		id := *app.CurrentDeploymentID
		cp.CurrentDeploymentID = &id
	}
	return &cp
}

func copyDeployment(dep *engine.Deployment) *engine.Deployment {
	cp := *dep
	cp.BuildingAt = copyTime(dep.BuildingAt)
	cp.ReleasingAt = copyTime(dep.ReleasingAt)
	cp.FinishedAt = copyTime(dep.FinishedAt)
	return &cp
}

func copyCertificate(cert *engine.Certificate) *engine.Certificate {
	cp := *cert
	cp.IssuedAt = copyTime(cert.IssuedAt)
	cp.PollingStartedAt = copyTime(cert.PollingStartedAt)
	cp.LastCheckedAt = copyTime(cert.LastCheckedAt)
	return &cp
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
