package manifest_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hoistpaas/hoist/pkg/drivers"
	"github.com/hoistpaas/hoist/pkg/drivers/memory"
	"github.com/hoistpaas/hoist/pkg/engine"
	"github.com/hoistpaas/hoist/pkg/manifest"
	"github.com/hoistpaas/hoist/pkg/stores"
)

func newTestEngine(t *testing.T) *engine.Engine {
	t.Helper()
	registry := drivers.NewRegistry(nil)
	if err := registry.Register(memory.New(memory.Options{Name: "local"})); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	cfg := engine.DefaultConfig()
	cfg.Retry = engine.RetryPolicy{BaseDelay: time.Millisecond, Factor: 2, MaxAttempts: 2, MaxDelay: 5 * time.Millisecond}
	eng, err := engine.New(engine.Dependencies{Store: stores.NewMemoryStore(), Drivers: registry}, cfg)
	if err != nil {
		t.Fatalf("engine.New() error = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = eng.Shutdown(ctx)
	})
	return eng
}

func shopManifest() *manifest.Manifest {
	return &manifest.Manifest{
		Project: "shop",
		Driver:  "local",
		Applications: []manifest.Application{
			{Name: "web", Driver: "local", Hostnames: []string{"shop.example.com"}, Deploy: "v1"},
		},
		Databases: []manifest.Database{
			{Name: "orders", Engine: engine.DatabaseEnginePostgres, Driver: "local"},
		},
	}
}

func actions(changes []manifest.Change) map[string]manifest.Action {
	out := make(map[string]manifest.Action, len(changes))
	for _, c := range changes {
		out[c.Kind+"/"+c.Name] = c.Action
	}
	return out
}

func TestApplyDryRunCreatesNothing(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	changes, err := manifest.Apply(ctx, shopManifest(), manifest.EngineTarget(eng), true)
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	want := map[string]manifest.Action{
		"application/web":              manifest.ActionCreate,
		"certificate/shop.example.com": manifest.ActionCreate,
		"deployment/web@v1":            manifest.ActionDeploy,
		"database/orders":              manifest.ActionCreate,
	}
	got := actions(changes)
	for key, action := range want {
		if got[key] != action {
			t.Errorf("%s = %q, want %q", key, got[key], action)
		}
	}

	apps, err := eng.Applications.ListApplications(ctx, engine.ApplicationFilter{ProjectID: "shop"})
	if err != nil || len(apps) != 0 {
		t.Errorf("dry run created applications: %v, %v", apps, err)
	}
}

func TestApplyIsIdempotent(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()
	target := manifest.EngineTarget(eng)

	changes, err := manifest.Apply(ctx, shopManifest(), target, false)
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	for _, c := range changes {
		if c.Action == manifest.ActionUnchanged || c.ID == "" {
			t.Errorf("first apply change = %+v", c)
		}
	}

	app, err := eng.Applications.FindByName(ctx, "shop", "web")
	if err != nil {
		t.Fatalf("FindByName() error = %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for app.CurrentDeploymentID == nil {
		if time.Now().After(deadline) {
			t.Fatal("deployment never became current")
		}
		time.Sleep(5 * time.Millisecond)
		if app, err = eng.Applications.GetApplication(ctx, app.ID); err != nil {
			t.Fatal(err)
		}
	}

	changes, err = manifest.Apply(ctx, shopManifest(), target, false)
	if err != nil {
		t.Fatalf("second Apply() error = %v", err)
	}
	for _, c := range changes {
		if c.Action != manifest.ActionUnchanged {
			t.Errorf("second apply change = %+v, want unchanged", c)
		}
	}

	next := shopManifest()
	next.Applications[0].Deploy = "v2"
	changes, err = manifest.Apply(ctx, next, target, false)
	if err != nil {
		t.Fatalf("Apply(v2) error = %v", err)
	}
	if got := actions(changes)["deployment/web@v2"]; got != manifest.ActionDeploy {
		t.Errorf("deployment/web@v2 = %q, want deploy", got)
	}
}

func TestApplyReportsConflictsAndContinues(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	if _, err := eng.Databases.CreateDatabase(ctx, engine.CreateDatabaseInput{
		ProjectID: "shop", Name: "orders", Engine: engine.DatabaseEngineRedis, DriverID: "local",
	}); err != nil {
		t.Fatalf("CreateDatabase() error = %v", err)
	}

	m := shopManifest()
	m.Applications = append(m.Applications, manifest.Application{Name: "api", Driver: "missing"})
	m.Applications[0].Deploy = ""

	changes, err := manifest.Apply(ctx, m, manifest.EngineTarget(eng), false)
	if err == nil {
		t.Fatal("Apply() succeeded, want joined errors")
	}
	var unknown *engine.EngineError
	if !errors.As(err, &unknown) {
		t.Errorf("Apply() error = %v, want an engine error in the chain", err)
	}

	got := actions(changes)
	if got["application/web"] != manifest.ActionCreate {
		t.Errorf("application/web = %q, want create", got["application/web"])
	}
	if got["application/api"] != manifest.ActionFailed {
		t.Errorf("application/api = %q, want failed", got["application/api"])
	}
	if got["database/orders"] != manifest.ActionFailed {
		t.Errorf("database/orders = %q, want failed", got["database/orders"])
	}
}
