// Package storetest is a behavioral test suite shared by every engine.Store
// implementation.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/hoistpaas/hoist/pkg/engine"
)

// Factory returns an empty store. The suite closes it.
type Factory func(t *testing.T) engine.Store

var base = time.Date(2026, 3, 14, 9, 26, 53, 589793000, time.UTC)

// Run runs the whole suite against stores made by newStore.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s engine.Store)
	}{
		{"ApplicationCRUD", testApplicationCRUD},
		{"ApplicationNameUnique", testApplicationNameUnique},
		{"ApplicationNarrowUpdates", testApplicationNarrowUpdates},
		{"ApplicationDeleteCascades", testApplicationDeleteCascades},
		{"OneActiveDeployment", testOneActiveDeployment},
		{"ConcurrentDeploymentCreates", testConcurrentDeploymentCreates},
		{"DeploymentTransitions", testDeploymentTransitions},
		{"DeploymentTransitionConflicts", testDeploymentTransitionConflicts},
		{"ListDeployments", testListDeployments},
		{"DeploymentProgress", testDeploymentProgress},
		{"CertificateStateMachine", testCertificateStateMachine},
		{"CertificateHostnameUnique", testCertificateHostnameUnique},
		{"Databases", testDatabases},
		{"DatabaseNameReuse", testDatabaseNameReuse},
		{"ExternalRefs", testExternalRefs},
		{"Leases", testLeases},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore(t)
			t.Cleanup(func() { _ = s.Close() })
			tt.fn(t, s)
		})
	}
}

func newApplication(id, name string) *engine.Application {
	return &engine.Application{
		ID:        id,
		ProjectID: "proj-1",
		Name:      name,
		DriverID:  "memory",
		Status:    engine.ApplicationStatusActive,
		CreatedAt: base,
		UpdatedAt: base,
	}
}

func newDeployment(id, appID string, queuedAt time.Time) *engine.Deployment {
	return &engine.Deployment{
		ID:            id,
		ApplicationID: appID,
		SourceRef:     "sha-" + id,
		Trigger:       "api",
		Status:        engine.DeploymentStatusQueued,
		QueuedAt:      queuedAt,
		UpdatedAt:     queuedAt,
	}
}

func mustCreateApplication(t *testing.T, s engine.Store, id, name string) *engine.Application {
	t.Helper()
	app := newApplication(id, name)
	if err := s.CreateApplication(context.Background(), app); err != nil {
		t.Fatalf("CreateApplication(%s) error = %v", id, err)
	}
	return app
}

func mustTransition(t *testing.T, s engine.Store, id string, from, to engine.DeploymentStatus, at time.Time) *engine.Deployment {
	t.Helper()
	dep, err := s.TransitionDeployment(context.Background(), engine.DeploymentTransition{ID: id, From: from, To: to, At: at})
	if err != nil {
		t.Fatalf("TransitionDeployment(%s, %s -> %s) error = %v", id, from, to, err)
	}
	return dep
}

func testApplicationCRUD(t *testing.T, s engine.Store) {
	ctx := context.Background()
	app := newApplication("app-1", "web")
	app.Repository = "acme/web"
	app.Branch = "main"
	if err := s.CreateApplication(ctx, app); err != nil {
		t.Fatalf("CreateApplication() error = %v", err)
	}
	mustCreateApplication(t, s, "app-2", "worker")

	got, err := s.GetApplication(ctx, "app-1")
	if err != nil {
		t.Fatalf("GetApplication() error = %v", err)
	}
	if got.Name != "web" || got.Repository != "acme/web" || got.Status != engine.ApplicationStatusActive {
		t.Errorf("GetApplication() = %+v", got)
	}
	if !got.CreatedAt.Equal(base) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, base)
	}
	if got.CurrentDeploymentID != nil {
		t.Errorf("CurrentDeploymentID = %v, want nil", *got.CurrentDeploymentID)
	}

	byRepo, err := s.ListApplications(ctx, engine.ApplicationFilter{Repository: "acme/web", Branch: "main"})
	if err != nil {
		t.Fatalf("ListApplications() error = %v", err)
	}
	if len(byRepo) != 1 || byRepo[0].ID != "app-1" {
		t.Errorf("ListApplications(repo) = %d apps, want app-1 only", len(byRepo))
	}

	all, err := s.ListApplications(ctx, engine.ApplicationFilter{ProjectID: "proj-1"})
	if err != nil {
		t.Fatalf("ListApplications() error = %v", err)
	}
	if len(all) != 2 || all[0].Name != "web" || all[1].Name != "worker" {
		t.Errorf("ListApplications(project) returned %d apps in wrong order", len(all))
	}

	current := "dep-9"
	got.CurrentDeploymentID = &current
	got.Status = engine.ApplicationStatusSuspended
	got.UpdatedAt = base.Add(time.Minute)
	if err := s.UpdateApplication(ctx, got); err != nil {
		t.Fatalf("UpdateApplication() error = %v", err)
	}
	got, _ = s.GetApplication(ctx, "app-1")
	if got.CurrentDeploymentID == nil || *got.CurrentDeploymentID != "dep-9" {
		t.Errorf("CurrentDeploymentID not persisted")
	}
	if got.Status != engine.ApplicationStatusSuspended {
		t.Errorf("Status = %s, want suspended", got.Status)
	}

	if err := s.DeleteApplication(ctx, "app-1"); err != nil {
		t.Fatalf("DeleteApplication() error = %v", err)
	}
	if _, err := s.GetApplication(ctx, "app-1"); !engine.IsNotFound(err) {
		t.Errorf("GetApplication() after delete error = %v, want NotFound", err)
	}
	if err := s.DeleteApplication(ctx, "app-1"); !engine.IsNotFound(err) {
		t.Errorf("second DeleteApplication() error = %v, want NotFound", err)
	}
	if err := s.UpdateApplication(ctx, newApplication("missing", "x")); !engine.IsNotFound(err) {
		t.Errorf("UpdateApplication(missing) error = %v, want NotFound", err)
	}
}

func testApplicationNarrowUpdates(t *testing.T, s engine.Store) {
	ctx := context.Background()
	mustCreateApplication(t, s, "app-1", "web")
	at := base.Add(time.Minute)

	previous, err := s.SetCurrentDeployment(ctx, "app-1", "dep-1", at)
	if err != nil || previous != "" {
		t.Fatalf("SetCurrentDeployment(dep-1) = %q, %v; want \"\", nil", previous, err)
	}
	previous, err = s.SetCurrentDeployment(ctx, "app-1", "dep-2", at)
	if err != nil || previous != "dep-1" {
		t.Fatalf("SetCurrentDeployment(dep-2) = %q, %v; want dep-1", previous, err)
	}

	if err := s.SetApplicationStatus(ctx, "app-1", engine.ApplicationStatusDeleting, "", at); err != nil {
		t.Fatalf("SetApplicationStatus(deleting) error = %v", err)
	}
	if _, err := s.SetCurrentDeployment(ctx, "app-1", "dep-3", at); !errors.Is(err, engine.ErrResourceConflict) {
		t.Errorf("SetCurrentDeployment() while deleting error = %v, want ResourceConflict", err)
	}
	if err := s.SetApplicationStatus(ctx, "app-1", engine.ApplicationStatusActive, "", at); !errors.Is(err, engine.ErrResourceConflict) {
		t.Errorf("SetApplicationStatus(active) while deleting error = %v, want ResourceConflict", err)
	}
	if err := s.SetApplicationStatus(ctx, "app-1", engine.ApplicationStatusDeleting, "driver busy", at); err != nil {
		t.Errorf("SetApplicationStatus(deleting) again error = %v", err)
	}

	got, err := s.GetApplication(ctx, "app-1")
	if err != nil {
		t.Fatalf("GetApplication() error = %v", err)
	}
	if got.Status != engine.ApplicationStatusDeleting || got.LastError != "driver busy" {
		t.Errorf("application = %s %q, want deleting with the last error", got.Status, got.LastError)
	}
	if got.CurrentDeploymentID == nil || *got.CurrentDeploymentID != "dep-2" {
		t.Errorf("CurrentDeploymentID = %v, want dep-2", got.CurrentDeploymentID)
	}

	if _, err := s.SetCurrentDeployment(ctx, "missing", "dep-1", at); !engine.IsNotFound(err) {
		t.Errorf("SetCurrentDeployment(missing) error = %v, want NotFound", err)
	}
	if err := s.SetApplicationStatus(ctx, "missing", engine.ApplicationStatusActive, "", at); !engine.IsNotFound(err) {
		t.Errorf("SetApplicationStatus(missing) error = %v, want NotFound", err)
	}
}

func testApplicationNameUnique(t *testing.T, s engine.Store) {
	ctx := context.Background()
	mustCreateApplication(t, s, "app-1", "web")

	err := s.CreateApplication(ctx, newApplication("app-2", "web"))
	if !errors.Is(err, engine.ErrResourceConflict) {
		t.Fatalf("duplicate CreateApplication() error = %v, want ResourceConflict", err)
	}

	other := newApplication("app-3", "web")
	other.ProjectID = "proj-2"
	if err := s.CreateApplication(ctx, other); err != nil {
		t.Errorf("same name in another project error = %v", err)
	}
}

func testApplicationDeleteCascades(t *testing.T, s engine.Store) {
	ctx := context.Background()
	mustCreateApplication(t, s, "app-1", "web")
	if err := s.CreateDeployment(ctx, newDeployment("dep-1", "app-1", base)); err != nil {
		t.Fatalf("CreateDeployment() error = %v", err)
	}
	cert := &engine.Certificate{ID: "cert-1", ApplicationID: "app-1", Hostname: "web.example.com",
		DNSStatus: engine.DNSStatusUnconfigured, CreatedAt: base, UpdatedAt: base}
	if err := s.CreateCertificate(ctx, cert); err != nil {
		t.Fatalf("CreateCertificate() error = %v", err)
	}

	if err := s.DeleteApplication(ctx, "app-1"); err != nil {
		t.Fatalf("DeleteApplication() error = %v", err)
	}
	if _, err := s.GetDeployment(ctx, "dep-1"); !engine.IsNotFound(err) {
		t.Errorf("deployment survived application delete: %v", err)
	}
	if _, err := s.GetCertificate(ctx, "cert-1"); !engine.IsNotFound(err) {
		t.Errorf("certificate survived application delete: %v", err)
	}
}

func testOneActiveDeployment(t *testing.T, s engine.Store) {
	ctx := context.Background()
	mustCreateApplication(t, s, "app-1", "web")
	mustCreateApplication(t, s, "app-2", "worker")

	if err := s.CreateDeployment(ctx, newDeployment("dep-1", "app-1", base)); err != nil {
		t.Fatalf("CreateDeployment() error = %v", err)
	}

	err := s.CreateDeployment(ctx, newDeployment("dep-2", "app-1", base.Add(time.Second)))
	if !errors.Is(err, engine.ErrDeploymentInProgress) {
		t.Fatalf("second CreateDeployment() error = %v, want DeploymentInProgress", err)
	}
	var engErr *engine.EngineError
	if errors.As(err, &engErr) && engErr.Details["active_deployment_id"] != "dep-1" {
		t.Errorf("active_deployment_id = %v, want dep-1", engErr.Details["active_deployment_id"])
	}
	if _, err := s.GetDeployment(ctx, "dep-2"); !engine.IsNotFound(err) {
		t.Errorf("rejected deployment was stored: %v", err)
	}

	if err := s.CreateDeployment(ctx, newDeployment("dep-3", "app-2", base)); err != nil {
		t.Errorf("deployment of another application error = %v", err)
	}

	active, err := s.ActiveDeployment(ctx, "app-1")
	if err != nil || active.ID != "dep-1" {
		t.Fatalf("ActiveDeployment() = %v, %v; want dep-1", active, err)
	}

	mustTransition(t, s, "dep-1", engine.DeploymentStatusQueued, engine.DeploymentStatusCanceled, base.Add(time.Second))
	if _, err := s.ActiveDeployment(ctx, "app-1"); !engine.IsNotFound(err) {
		t.Errorf("ActiveDeployment() after cancel error = %v, want NotFound", err)
	}
	if err := s.CreateDeployment(ctx, newDeployment("dep-4", "app-1", base.Add(2*time.Second))); err != nil {
		t.Errorf("CreateDeployment() after terminal error = %v", err)
	}

	if err := s.CreateDeployment(ctx, newDeployment("dep-5", "missing", base)); !engine.IsNotFound(err) {
		t.Errorf("CreateDeployment(unknown app) error = %v, want NotFound", err)
	}
}

func testConcurrentDeploymentCreates(t *testing.T, s engine.Store) {
	ctx := context.Background()
	mustCreateApplication(t, s, "app-1", "web")

	const n = 8
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		created  int
		rejected int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := s.CreateDeployment(ctx, newDeployment(fmt.Sprintf("dep-%d", i), "app-1", base))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				created++
			case errors.Is(err, engine.ErrDeploymentInProgress):
				rejected++
			default:
				t.Errorf("CreateDeployment() unexpected error = %v", err)
			}
		}(i)
	}
	wg.Wait()

	if created != 1 || rejected != n-1 {
		t.Errorf("created = %d, rejected = %d; want 1 and %d", created, rejected, n-1)
	}
}

func testDeploymentTransitions(t *testing.T, s engine.Store) {
	ctx := context.Background()
	mustCreateApplication(t, s, "app-1", "web")
	if err := s.CreateDeployment(ctx, newDeployment("dep-1", "app-1", base)); err != nil {
		t.Fatalf("CreateDeployment() error = %v", err)
	}

	t1, t2, t3 := base.Add(time.Second), base.Add(2*time.Second), base.Add(3*time.Second)
	dep := mustTransition(t, s, "dep-1", engine.DeploymentStatusQueued, engine.DeploymentStatusBuilding, t1)
	if dep.BuildingAt == nil || !dep.BuildingAt.Equal(t1) {
		t.Errorf("BuildingAt = %v, want %v", dep.BuildingAt, t1)
	}
	mustTransition(t, s, "dep-1", engine.DeploymentStatusBuilding, engine.DeploymentStatusReleasing, t2)

	dep, err := s.TransitionDeployment(ctx, engine.DeploymentTransition{
		ID: "dep-1", From: engine.DeploymentStatusReleasing, To: engine.DeploymentStatusFailed,
		At: t3, Error: "release failed: crash loop", Message: "application exited",
	})
	if err != nil {
		t.Fatalf("TransitionDeployment() error = %v", err)
	}
	if dep.Status != engine.DeploymentStatusFailed || dep.LastError != "release failed: crash loop" {
		t.Errorf("deployment = %s %q", dep.Status, dep.LastError)
	}

	stored, err := s.GetDeployment(ctx, "dep-1")
	if err != nil {
		t.Fatalf("GetDeployment() error = %v", err)
	}
	if stored.ReleasingAt == nil || !stored.ReleasingAt.Equal(t2) {
		t.Errorf("ReleasingAt = %v, want %v", stored.ReleasingAt, t2)
	}
	if stored.FinishedAt == nil || !stored.FinishedAt.Equal(t3) {
		t.Errorf("FinishedAt = %v, want %v", stored.FinishedAt, t3)
	}

	events, err := s.ListDeploymentEvents(ctx, "dep-1")
	if err != nil {
		t.Fatalf("ListDeploymentEvents() error = %v", err)
	}
	want := []engine.DeploymentStatus{engine.DeploymentStatusBuilding, engine.DeploymentStatusReleasing, engine.DeploymentStatusFailed}
	if len(events) != len(want) {
		t.Fatalf("ListDeploymentEvents() = %d events, want %d", len(events), len(want))
	}
	for i, ev := range events {
		if ev.To != want[i] {
			t.Errorf("event %d to = %s, want %s", i, ev.To, want[i])
		}
	}
	if events[2].Message != "application exited" || !events[2].Timestamp.Equal(t3) {
		t.Errorf("last event = %+v", events[2])
	}
}

func testDeploymentTransitionConflicts(t *testing.T, s engine.Store) {
	ctx := context.Background()
	mustCreateApplication(t, s, "app-1", "web")
	if err := s.CreateDeployment(ctx, newDeployment("dep-1", "app-1", base)); err != nil {
		t.Fatalf("CreateDeployment() error = %v", err)
	}

	_, err := s.TransitionDeployment(ctx, engine.DeploymentTransition{
		ID: "dep-1", From: engine.DeploymentStatusBuilding, To: engine.DeploymentStatusReleasing,
	})
	if !engine.IsConflict(err) {
		t.Errorf("stale transition error = %v, want conflict", err)
	}

	_, err = s.TransitionDeployment(ctx, engine.DeploymentTransition{
		ID: "dep-1", From: engine.DeploymentStatusQueued, To: engine.DeploymentStatusRunning,
	})
	if !engine.IsConflict(err) {
		t.Errorf("illegal transition error = %v, want conflict", err)
	}

	mustTransition(t, s, "dep-1", engine.DeploymentStatusQueued, engine.DeploymentStatusCanceled, base)
	_, err = s.TransitionDeployment(ctx, engine.DeploymentTransition{
		ID: "dep-1", From: engine.DeploymentStatusCanceled, To: engine.DeploymentStatusBuilding,
	})
	if !engine.IsConflict(err) {
		t.Errorf("transition out of terminal error = %v, want conflict", err)
	}

	_, err = s.TransitionDeployment(ctx, engine.DeploymentTransition{
		ID: "missing", From: engine.DeploymentStatusQueued, To: engine.DeploymentStatusBuilding,
	})
	if !engine.IsNotFound(err) {
		t.Errorf("transition of unknown deployment error = %v, want NotFound", err)
	}

	events, _ := s.ListDeploymentEvents(ctx, "dep-1")
	if len(events) != 1 {
		t.Errorf("rejected transitions recorded events: got %d, want 1", len(events))
	}
}

func testListDeployments(t *testing.T, s engine.Store) {
	ctx := context.Background()
	mustCreateApplication(t, s, "app-1", "web")
	mustCreateApplication(t, s, "app-2", "worker")

	for i, id := range []string{"dep-a", "dep-b", "dep-c"} {
		at := base.Add(time.Duration(i) * time.Minute)
		if err := s.CreateDeployment(ctx, newDeployment(id, "app-1", at)); err != nil {
			t.Fatalf("CreateDeployment(%s) error = %v", id, err)
		}
		if id != "dep-c" {
			mustTransition(t, s, id, engine.DeploymentStatusQueued, engine.DeploymentStatusCanceled, at)
		}
	}
	if err := s.CreateDeployment(ctx, newDeployment("dep-x", "app-2", base)); err != nil {
		t.Fatalf("CreateDeployment() error = %v", err)
	}

	deps, err := s.ListDeployments(ctx, engine.DeploymentFilter{ApplicationID: "app-1"})
	if err != nil {
		t.Fatalf("ListDeployments() error = %v", err)
	}
	if len(deps) != 3 || deps[0].ID != "dep-c" || deps[2].ID != "dep-a" {
		t.Errorf("ListDeployments() not newest first: %v", ids(deps))
	}

	deps, _ = s.ListDeployments(ctx, engine.DeploymentFilter{ApplicationID: "app-1", Limit: 2})
	if len(deps) != 2 {
		t.Errorf("ListDeployments(limit 2) = %d", len(deps))
	}

	deps, _ = s.ListDeployments(ctx, engine.DeploymentFilter{Statuses: engine.ActiveDeploymentStatuses()})
	if len(deps) != 2 {
		t.Errorf("ListDeployments(active) = %v, want dep-c and dep-x", ids(deps))
	}
}

func testDeploymentProgress(t *testing.T, s engine.Store) {
	ctx := context.Background()
	mustCreateApplication(t, s, "app-1", "web")
	if err := s.CreateDeployment(ctx, newDeployment("dep-1", "app-1", base)); err != nil {
		t.Fatalf("CreateDeployment() error = %v", err)
	}

	if err := s.UpdateDeploymentProgress(ctx, "dep-1", 42, 2); err != nil {
		t.Fatalf("UpdateDeploymentProgress() error = %v", err)
	}
	if err := s.UpdateDeploymentProgress(ctx, "dep-1", 10, 3); err != nil {
		t.Fatalf("UpdateDeploymentProgress() error = %v", err)
	}
	dep, _ := s.GetDeployment(ctx, "dep-1")
	if dep.LogCursor != 42 {
		t.Errorf("LogCursor = %d, want 42 (never moves back)", dep.LogCursor)
	}
	if dep.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", dep.Attempts)
	}
	if err := s.UpdateDeploymentProgress(ctx, "missing", 1, 1); !engine.IsNotFound(err) {
		t.Errorf("UpdateDeploymentProgress(missing) error = %v, want NotFound", err)
	}
}

func testCertificateStateMachine(t *testing.T, s engine.Store) {
	ctx := context.Background()
	mustCreateApplication(t, s, "app-1", "web")
	cert := &engine.Certificate{ID: "cert-1", ApplicationID: "app-1", Hostname: "web.example.com",
		DNSStatus: engine.DNSStatusUnconfigured, CreatedAt: base, UpdatedAt: base}
	if err := s.CreateCertificate(ctx, cert); err != nil {
		t.Fatalf("CreateCertificate() error = %v", err)
	}

	started := base.Add(time.Second)
	msg := "dns not pointing at platform"
	got, err := s.UpdateCertificate(ctx, engine.CertificateUpdate{
		ID: "cert-1", From: engine.DNSStatusUnconfigured, To: engine.DNSStatusPending,
		PollingStartedAt: &started, LastError: &msg,
	})
	if err != nil {
		t.Fatalf("UpdateCertificate(pending) error = %v", err)
	}
	if got.DNSStatus != engine.DNSStatusPending || got.LastError != msg {
		t.Errorf("certificate = %s %q", got.DNSStatus, got.LastError)
	}

	pending, _ := s.ListCertificatesByStatus(ctx, engine.DNSStatusPending)
	if len(pending) != 1 || pending[0].PollingStartedAt == nil || !pending[0].PollingStartedAt.Equal(started) {
		t.Errorf("ListCertificatesByStatus(pending) = %+v", pending)
	}

	if _, err := s.UpdateCertificate(ctx, engine.CertificateUpdate{
		ID: "cert-1", From: engine.DNSStatusUnconfigured, To: engine.DNSStatusConfigured,
	}); !engine.IsConflict(err) {
		t.Errorf("stale UpdateCertificate() error = %v, want conflict", err)
	}

	issued := base.Add(time.Minute)
	none := ""
	got, err = s.UpdateCertificate(ctx, engine.CertificateUpdate{
		ID: "cert-1", From: engine.DNSStatusPending, To: engine.DNSStatusConfigured,
		IssuedAt: &issued, LastError: &none,
	})
	if err != nil {
		t.Fatalf("UpdateCertificate(configured) error = %v", err)
	}
	if got.IssuedAt == nil || !got.IssuedAt.Equal(issued) || got.LastError != "" {
		t.Errorf("configured certificate = %+v", got)
	}

	if _, err := s.UpdateCertificate(ctx, engine.CertificateUpdate{
		ID: "cert-1", From: engine.DNSStatusConfigured, To: engine.DNSStatusPending,
	}); !engine.IsConflict(err) {
		t.Errorf("regression without reset error = %v, want conflict", err)
	}

	got, err = s.UpdateCertificate(ctx, engine.CertificateUpdate{
		ID: "cert-1", From: engine.DNSStatusConfigured, To: engine.DNSStatusPending,
		Reset: true, ClearIssuedAt: true,
	})
	if err != nil {
		t.Fatalf("reset UpdateCertificate() error = %v", err)
	}
	if got.IssuedAt != nil {
		t.Errorf("IssuedAt = %v after reset, want nil", got.IssuedAt)
	}

	stored, _ := s.GetCertificate(ctx, "cert-1")
	if stored.DNSStatus != engine.DNSStatusPending || stored.IssuedAt != nil {
		t.Errorf("stored certificate = %+v", stored)
	}

	if err := s.DeleteCertificate(ctx, "cert-1"); err != nil {
		t.Fatalf("DeleteCertificate() error = %v", err)
	}
	if err := s.DeleteCertificate(ctx, "cert-1"); !engine.IsNotFound(err) {
		t.Errorf("second DeleteCertificate() error = %v, want NotFound", err)
	}
}

func testCertificateHostnameUnique(t *testing.T, s engine.Store) {
	ctx := context.Background()
	mustCreateApplication(t, s, "app-1", "web")
	mk := func(id string) *engine.Certificate {
		return &engine.Certificate{ID: id, ApplicationID: "app-1", Hostname: "web.example.com",
			DNSStatus: engine.DNSStatusUnconfigured, CreatedAt: base, UpdatedAt: base}
	}
	if err := s.CreateCertificate(ctx, mk("cert-1")); err != nil {
		t.Fatalf("CreateCertificate() error = %v", err)
	}
	if err := s.CreateCertificate(ctx, mk("cert-2")); !errors.Is(err, engine.ErrResourceConflict) {
		t.Errorf("duplicate hostname error = %v, want ResourceConflict", err)
	}
	certs, _ := s.ListCertificates(ctx, "app-1")
	if len(certs) != 1 {
		t.Errorf("ListCertificates() = %d, want 1", len(certs))
	}
}

func testDatabases(t *testing.T, s engine.Store) {
	ctx := context.Background()
	db := &engine.Database{ID: "db-1", ProjectID: "proj-1", Name: "main", Engine: engine.DatabaseEnginePostgres,
		DriverID: "memory", Status: engine.DatabaseStatusProvisioning, CreatedAt: base, UpdatedAt: base}
	if err := s.CreateDatabase(ctx, db); err != nil {
		t.Fatalf("CreateDatabase() error = %v", err)
	}
	dup := *db
	dup.ID = "db-2"
	if err := s.CreateDatabase(ctx, &dup); !errors.Is(err, engine.ErrResourceConflict) {
		t.Errorf("duplicate CreateDatabase() error = %v, want ResourceConflict", err)
	}

	if err := s.UpdateDatabaseStatus(ctx, "db-1", engine.DatabaseStatusActive, ""); err != nil {
		t.Fatalf("UpdateDatabaseStatus() error = %v", err)
	}
	got, err := s.GetDatabase(ctx, "db-1")
	if err != nil {
		t.Fatalf("GetDatabase() error = %v", err)
	}
	if got.Status != engine.DatabaseStatusActive || got.Engine != engine.DatabaseEnginePostgres {
		t.Errorf("GetDatabase() = %+v", got)
	}

	list, _ := s.ListDatabases(ctx, "proj-1")
	if len(list) != 1 {
		t.Errorf("ListDatabases() = %d, want 1", len(list))
	}
	if list, _ := s.ListDatabases(ctx, "proj-2"); len(list) != 0 {
		t.Errorf("ListDatabases(other project) = %d, want 0", len(list))
	}

	if err := s.DeleteDatabase(ctx, "db-1"); err != nil {
		t.Fatalf("DeleteDatabase() error = %v", err)
	}
	if _, err := s.GetDatabase(ctx, "db-1"); !engine.IsNotFound(err) {
		t.Errorf("GetDatabase() after delete error = %v, want NotFound", err)
	}
}

func testDatabaseNameReuse(t *testing.T, s engine.Store) {
	ctx := context.Background()
	old := &engine.Database{ID: "db-1", ProjectID: "proj-1", Name: "main", Engine: engine.DatabaseEnginePostgres,
		DriverID: "memory", Status: engine.DatabaseStatusActive, CreatedAt: base, UpdatedAt: base}
	if err := s.CreateDatabase(ctx, old); err != nil {
		t.Fatalf("CreateDatabase() error = %v", err)
	}
	if err := s.UpdateDatabaseStatus(ctx, "db-1", engine.DatabaseStatusDeleted, ""); err != nil {
		t.Fatalf("UpdateDatabaseStatus(deleted) error = %v", err)
	}

	replacement := *old
	replacement.ID = "db-2"
	replacement.Status = engine.DatabaseStatusProvisioning
	if err := s.CreateDatabase(ctx, &replacement); err != nil {
		t.Fatalf("CreateDatabase() after delete error = %v", err)
	}

	again := replacement
	again.ID = "db-3"
	if err := s.CreateDatabase(ctx, &again); !errors.Is(err, engine.ErrResourceConflict) {
		t.Errorf("CreateDatabase() over a live name error = %v, want ResourceConflict", err)
	}

	list, err := s.ListDatabases(ctx, "proj-1")
	if err != nil {
		t.Fatalf("ListDatabases() error = %v", err)
	}
	if len(list) != 2 {
		t.Errorf("ListDatabases() = %d, want the deleted and the live row", len(list))
	}
}

func testExternalRefs(t *testing.T, s engine.Store) {
	ctx := context.Background()

	first, err := s.EnsureExternalRef(ctx, &engine.ExternalRef{
		EntityID: "app-1", Kind: engine.ResourceKindApplication, IdempotencyKey: "key-1",
	})
	if err != nil {
		t.Fatalf("EnsureExternalRef() error = %v", err)
	}
	second, err := s.EnsureExternalRef(ctx, &engine.ExternalRef{
		EntityID: "app-1", Kind: engine.ResourceKindApplication, IdempotencyKey: "key-2",
	})
	if err != nil {
		t.Fatalf("second EnsureExternalRef() error = %v", err)
	}
	if first.IdempotencyKey != "key-1" || second.IdempotencyKey != "key-1" {
		t.Errorf("idempotency keys = %q, %q; want the first key both times", first.IdempotencyKey, second.IdempotencyKey)
	}

	if err := s.SetExternalID(ctx, "app-1", engine.ResourceKindApplication, "ext-app-1"); err != nil {
		t.Fatalf("SetExternalID() error = %v", err)
	}
	ref, err := s.GetExternalRef(ctx, "app-1", engine.ResourceKindApplication)
	if err != nil || ref.ExternalID != "ext-app-1" {
		t.Errorf("GetExternalRef() = %+v, %v", ref, err)
	}
	if _, err := s.GetExternalRef(ctx, "app-1", engine.ResourceKindCertificate); !engine.IsNotFound(err) {
		t.Errorf("GetExternalRef(other kind) error = %v, want NotFound", err)
	}

	if err := s.DeleteExternalRef(ctx, "app-1", engine.ResourceKindApplication); err != nil {
		t.Fatalf("DeleteExternalRef() error = %v", err)
	}
	if err := s.SetExternalID(ctx, "app-1", engine.ResourceKindApplication, "x"); !engine.IsNotFound(err) {
		t.Errorf("SetExternalID() after delete error = %v, want NotFound", err)
	}
}

func testLeases(t *testing.T, s engine.Store) {
	ctx := context.Background()
	key := engine.ApplicationLeaseKey("app-1")
	ttl := time.Minute

	lease, err := s.AcquireLease(ctx, key, "node-a", ttl, base)
	if err != nil {
		t.Fatalf("AcquireLease() error = %v", err)
	}
	if lease.Holder != "node-a" || !lease.ExpiresAt.Equal(base.Add(ttl)) {
		t.Errorf("lease = %+v", lease)
	}

	if _, err := s.AcquireLease(ctx, key, "node-b", ttl, base.Add(time.Second)); !errors.Is(err, engine.ErrLeaseHeld) {
		t.Errorf("AcquireLease(other holder) error = %v, want LeaseHeld", err)
	}
	if _, err := s.AcquireLease(ctx, key, "node-a", ttl, base.Add(time.Second)); !errors.Is(err, engine.ErrLeaseHeld) {
		t.Errorf("AcquireLease(same holder) error = %v, want LeaseHeld", err)
	}

	renewed, err := s.RenewLease(ctx, key, "node-a", ttl, base.Add(30*time.Second))
	if err != nil {
		t.Fatalf("RenewLease() error = %v", err)
	}
	if !renewed.ExpiresAt.Equal(base.Add(90 * time.Second)) {
		t.Errorf("renewed ExpiresAt = %v", renewed.ExpiresAt)
	}
	if _, err := s.RenewLease(ctx, key, "node-b", ttl, base); !errors.Is(err, engine.ErrLeaseHeld) {
		t.Errorf("RenewLease(wrong holder) error = %v, want LeaseHeld", err)
	}

	// Expired leases can be taken over.
	takeover, err := s.AcquireLease(ctx, key, "node-b", ttl, base.Add(2*time.Minute))
	if err != nil {
		t.Fatalf("AcquireLease(expired) error = %v", err)
	}
	if takeover.Holder != "node-b" {
		t.Errorf("takeover holder = %s", takeover.Holder)
	}
	if _, err := s.RenewLease(ctx, key, "node-a", ttl, base.Add(2*time.Minute)); !errors.Is(err, engine.ErrLeaseHeld) {
		t.Errorf("RenewLease() by previous holder error = %v, want LeaseHeld", err)
	}

	if err := s.ReleaseLease(ctx, key, "node-a"); !engine.IsNotFound(err) {
		t.Errorf("ReleaseLease(not holder) error = %v, want NotFound", err)
	}
	if err := s.ReleaseLease(ctx, key, "node-b"); err != nil {
		t.Fatalf("ReleaseLease() error = %v", err)
	}
	if _, err := s.GetLease(ctx, key); !engine.IsNotFound(err) {
		t.Errorf("GetLease() after release error = %v, want NotFound", err)
	}

	if _, err := s.AcquireLease(ctx, key, "node-c", ttl, base.Add(3*time.Minute)); err != nil {
		t.Fatalf("AcquireLease() after release error = %v", err)
	}
	if err := s.RevokeLease(ctx, key); err != nil {
		t.Fatalf("RevokeLease() error = %v", err)
	}
	if _, err := s.RenewLease(ctx, key, "node-c", ttl, base.Add(3*time.Minute)); !errors.Is(err, engine.ErrLeaseHeld) {
		t.Errorf("RenewLease() after revoke error = %v, want LeaseHeld", err)
	}
}

func ids(deps []*engine.Deployment) []string {
	out := make([]string, len(deps))
	for i, d := range deps {
		out[i] = d.ID
	}
	return out
}
