package engine_test

import (
	"context"
	"errors"
	"testing"

	"github.com/hoistpaas/hoist/pkg/drivers/memory"
	"github.com/hoistpaas/hoist/pkg/engine"
)

func TestCreateApplication(t *testing.T) {
	h := newHarness(t, memory.Options{})
	ctx := context.Background()

	app, err := h.engine.Applications.CreateApplication(ctx, engine.CreateApplicationInput{
		ProjectID:  testProject,
		Name:       "web",
		DriverID:   "memory",
		Repository: "acme/web",
	})
	if err != nil {
		t.Fatalf("CreateApplication() error = %v", err)
	}
	if app.Status != engine.ApplicationStatusActive || app.Branch != "main" {
		t.Errorf("CreateApplication() = %s branch %q", app.Status, app.Branch)
	}
	if !h.driver.HasApplication(app.ID) {
		t.Error("driver has no application")
	}

	ref, err := h.store.GetExternalRef(ctx, app.ID, engine.ResourceKindApplication)
	if err != nil {
		t.Fatalf("GetExternalRef() error = %v", err)
	}
	if ref.ExternalID == "" || ref.IdempotencyKey == "" {
		t.Errorf("external ref = %+v", ref)
	}

	found, err := h.engine.Applications.FindByName(ctx, testProject, "web")
	if err != nil || found.ID != app.ID {
		t.Errorf("FindByName() = %v, %v", found, err)
	}
}

func TestCreateApplicationRejects(t *testing.T) {
	h := newHarness(t, memory.Options{})
	h.createApp(t, "web")

	tests := []struct {
		name string
		in   engine.CreateApplicationInput
		want error
	}{
		{"bad name", engine.CreateApplicationInput{ProjectID: testProject, Name: "Web_App", DriverID: "memory"}, engine.ErrValidation},
		{"missing project", engine.CreateApplicationInput{Name: "api", DriverID: "memory"}, engine.ErrValidation},
		{"unknown driver", engine.CreateApplicationInput{ProjectID: testProject, Name: "api", DriverID: "nomad"}, engine.ErrUnknownDriver},
		{"duplicate name", engine.CreateApplicationInput{ProjectID: testProject, Name: "web", DriverID: "memory"}, engine.ErrResourceConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.engine.Applications.CreateApplication(context.Background(), tt.in)
			if !errors.Is(err, tt.want) {
				t.Errorf("CreateApplication() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestProvisionApplicationReusesIdempotencyKey(t *testing.T) {
	h := newHarness(t, memory.Options{})
	ctx := context.Background()

	h.driver.FailNext(memory.OpCreateApplication, engine.NewPermanentError("registry unavailable", nil))
	_, err := h.engine.Applications.CreateApplication(ctx, engine.CreateApplicationInput{ProjectID: testProject, Name: "web", DriverID: "memory"})
	if err == nil {
		t.Fatal("CreateApplication() succeeded despite the driver failure")
	}

	app, err := h.engine.Applications.FindByName(ctx, testProject, "web")
	if err != nil {
		t.Fatalf("FindByName() error = %v", err)
	}
	if app.Status != engine.ApplicationStatusProvisioning || app.LastError == "" {
		t.Errorf("failed application = %s %q, want provisioning with the error", app.Status, app.LastError)
	}
	before, _ := h.store.GetExternalRef(ctx, app.ID, engine.ResourceKindApplication)

	provisioned, err := h.engine.Applications.ProvisionApplication(ctx, app.ID)
	if err != nil {
		t.Fatalf("ProvisionApplication() error = %v", err)
	}
	if provisioned.Status != engine.ApplicationStatusActive || provisioned.LastError != "" {
		t.Errorf("ProvisionApplication() = %s %q", provisioned.Status, provisioned.LastError)
	}

	after, _ := h.store.GetExternalRef(ctx, app.ID, engine.ResourceKindApplication)
	if before.IdempotencyKey != after.IdempotencyKey {
		t.Error("idempotency key changed between attempts")
	}
	if got := h.driver.Calls(memory.OpCreateApplication); got != 2 {
		t.Errorf("create_application calls = %d, want 2", got)
	}
}

func TestSetStatus(t *testing.T) {
	h := newHarness(t, memory.Options{})
	app := h.createApp(t, "web")
	ctx := context.Background()

	suspended, err := h.engine.Applications.SetStatus(ctx, app.ID, engine.ApplicationStatusSuspended)
	if err != nil || suspended.Status != engine.ApplicationStatusSuspended {
		t.Fatalf("SetStatus(suspended) = %v, %v", suspended, err)
	}
	if _, err := h.engine.Applications.SetStatus(ctx, app.ID, engine.ApplicationStatusDeleting); !errors.Is(err, engine.ErrValidation) {
		t.Errorf("SetStatus(deleting) error = %v, want Validation", err)
	}
	if _, err := h.engine.Applications.SetStatus(ctx, app.ID, engine.ApplicationStatusActive); err != nil {
		t.Errorf("SetStatus(active) error = %v", err)
	}
}

func TestDeleteApplicationRemovesEverything(t *testing.T) {
	h := newHarness(t, memory.Options{})
	app := h.createApp(t, "web")
	ctx := context.Background()

	dep := h.deploy(t, app.ID, "v1")
	h.waitForStatus(t, dep.ID, engine.DeploymentStatusRunning)
	if _, err := h.engine.Certificates.CreateCertificate(ctx, app.ID, "web.example.com"); err != nil {
		t.Fatalf("CreateCertificate() error = %v", err)
	}

	if err := h.engine.Applications.DeleteApplication(ctx, app.ID); err != nil {
		t.Fatalf("DeleteApplication() error = %v", err)
	}
	if err := h.engine.Applications.DeleteApplication(ctx, app.ID); err != nil {
		t.Fatalf("second DeleteApplication() error = %v", err)
	}

	if got := h.driver.Calls(memory.OpDeleteApplication); got != 1 {
		t.Errorf("delete_application calls = %d, want 1", got)
	}
	if got := h.driver.Calls(memory.OpDeleteCertificate); got != 1 {
		t.Errorf("delete_certificate calls = %d, want 1", got)
	}
	if _, err := h.store.GetExternalRef(ctx, app.ID, engine.ResourceKindApplication); !engine.IsNotFound(err) {
		t.Errorf("external ref survived deletion: %v", err)
	}
	waitFor(t, "application log task to stop", func() bool { return !h.engine.Tasks().Active("applogs:" + app.ID) })
}

func TestDeleteApplicationDriverFailure(t *testing.T) {
	h := newHarness(t, memory.Options{})
	app := h.createApp(t, "web")
	ctx := context.Background()

	h.driver.FailNext(memory.OpDeleteApplication, engine.NewPermanentError("volume busy", nil))
	if err := h.engine.Applications.DeleteApplication(ctx, app.ID); err == nil {
		t.Fatal("DeleteApplication() succeeded despite the driver failure")
	}

	got, err := h.engine.Applications.GetApplication(ctx, app.ID)
	if err != nil {
		t.Fatalf("GetApplication() error = %v", err)
	}
	if got.Status != engine.ApplicationStatusDeleting || got.LastError == "" {
		t.Errorf("application = %s %q, want deleting with the error", got.Status, got.LastError)
	}

	if err := h.engine.Applications.DeleteApplication(ctx, app.ID); err != nil {
		t.Fatalf("retried DeleteApplication() error = %v", err)
	}
	if _, err := h.engine.Applications.GetApplication(ctx, app.ID); !engine.IsNotFound(err) {
		t.Errorf("application survived the retried delete")
	}
}

func TestDatabaseLifecycle(t *testing.T) {
	h := newHarness(t, memory.Options{DatabaseEngines: []engine.DatabaseEngine{engine.DatabaseEnginePostgres}})
	ctx := context.Background()

	db, err := h.engine.Databases.CreateDatabase(ctx, engine.CreateDatabaseInput{
		ProjectID: testProject,
		Name:      "orders",
		Engine:    engine.DatabaseEnginePostgres,
		DriverID:  "memory",
	})
	if err != nil {
		t.Fatalf("CreateDatabase() error = %v", err)
	}
	if db.Status != engine.DatabaseStatusActive {
		t.Errorf("CreateDatabase() status = %s", db.Status)
	}

	_, err = h.engine.Databases.CreateDatabase(ctx, engine.CreateDatabaseInput{
		ProjectID: testProject,
		Name:      "cache",
		Engine:    engine.DatabaseEngineRedis,
		DriverID:  "memory",
	})
	if !errors.Is(err, engine.ErrValidation) {
		t.Errorf("unsupported engine error = %v, want Validation", err)
	}

	dbs, err := h.engine.Databases.ListDatabases(ctx, testProject)
	if err != nil || len(dbs) != 1 {
		t.Fatalf("ListDatabases() = %d, %v", len(dbs), err)
	}

	if err := h.engine.Databases.DeleteDatabase(ctx, db.ID); err != nil {
		t.Fatalf("DeleteDatabase() error = %v", err)
	}
	if err := h.engine.Databases.DeleteDatabase(ctx, db.ID); err != nil {
		t.Errorf("second DeleteDatabase() error = %v", err)
	}
	if got := h.driver.Calls(memory.OpDeleteDatabase); got != 1 {
		t.Errorf("delete_database calls = %d, want 1", got)
	}
}

func TestProvisionDatabaseAfterFailure(t *testing.T) {
	h := newHarness(t, memory.Options{})
	ctx := context.Background()

	h.driver.FailNext(memory.OpCreateDatabase, engine.NewPermanentError("out of capacity", nil))
	_, err := h.engine.Databases.CreateDatabase(ctx, engine.CreateDatabaseInput{
		ProjectID: testProject,
		Name:      "orders",
		Engine:    engine.DatabaseEngineMySQL,
		DriverID:  "memory",
	})
	if err == nil {
		t.Fatal("CreateDatabase() succeeded despite the driver failure")
	}

	dbs, _ := h.engine.Databases.ListDatabases(ctx, testProject)
	if len(dbs) != 1 || dbs[0].Status != engine.DatabaseStatusProvisioning || dbs[0].LastError == "" {
		t.Fatalf("failed database = %+v", dbs)
	}

	db, err := h.engine.Databases.ProvisionDatabase(ctx, dbs[0].ID)
	if err != nil {
		t.Fatalf("ProvisionDatabase() error = %v", err)
	}
	if db.Status != engine.DatabaseStatusActive {
		t.Errorf("ProvisionDatabase() status = %s", db.Status)
	}
}
