package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/hoistpaas/hoist/pkg/drivers/memory"
	"github.com/hoistpaas/hoist/pkg/engine"
	"github.com/hoistpaas/hoist/pkg/telemetry"
)

// denyAll refuses every request the way the policy engine does.
type denyAll struct{}

func (denyAll) deny() error {
	return engine.NewPolicyDeniedError("release freeze").WithDetail("policies", []string{"freeze"})
}

func (d denyAll) AdmitDeployment(context.Context, *engine.Application, engine.DeploymentRequest) error {
	return d.deny()
}

func (d denyAll) AdmitCertificate(context.Context, *engine.Application, string) error {
	return d.deny()
}

func (d denyAll) AdmitDatabase(context.Context, *engine.Database) error {
	return d.deny()
}

func TestAdmissionDenialsArePublished(t *testing.T) {
	events, err := telemetry.NewEventPublisher(telemetry.EventsConfig{Enabled: true, BufferSize: 16})
	if err != nil {
		t.Fatalf("NewEventPublisher() error = %v", err)
	}
	tel := telemetry.NewNop()
	tel.Events = events

	var (
		mu         sync.Mutex
		violations []telemetry.Event
	)
	unsubscribe := events.Subscribe(func(e telemetry.Event) {
		mu.Lock()
		violations = append(violations, e)
		mu.Unlock()
	}, telemetry.FilterByType(telemetry.EventTypePolicyViolation))
	defer unsubscribe()

	h := newHarnessWith(t, memory.Options{DatabaseEngines: []engine.DatabaseEngine{engine.DatabaseEnginePostgres}}, func(d *engine.Dependencies) {
		d.Admission = denyAll{}
		d.Telemetry = tel
	})
	app := h.createApp(t, "web")
	ctx := context.Background()

	if _, err := h.engine.Deployments.RequestDeployment(ctx, app.ID, engine.DeploymentRequest{SourceRef: "v1"}); !errors.Is(err, engine.ErrPolicyDenied) {
		t.Errorf("RequestDeployment() error = %v, want PolicyDenied", err)
	}
	if _, err := h.engine.Certificates.CreateCertificate(ctx, app.ID, "web.example.com"); !errors.Is(err, engine.ErrPolicyDenied) {
		t.Errorf("CreateCertificate() error = %v, want PolicyDenied", err)
	}
	_, err = h.engine.Databases.CreateDatabase(ctx, engine.CreateDatabaseInput{
		ProjectID: testProject,
		Name:      "orders",
		Engine:    engine.DatabaseEnginePostgres,
		DriverID:  "memory",
	})
	if !errors.Is(err, engine.ErrPolicyDenied) {
		t.Errorf("CreateDatabase() error = %v, want PolicyDenied", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(violations) != 3 {
		t.Fatalf("policy violation events = %d, want 3", len(violations))
	}
	wantOps := []string{"deployment", "certificate", "database"}
	for i, e := range violations {
		if op := e.Data["operation"]; op != wantOps[i] {
			t.Errorf("event %d operation = %v, want %s", i, op, wantOps[i])
		}
		if policies, _ := e.Data["policies"].([]string); len(policies) != 1 || policies[0] != "freeze" {
			t.Errorf("event %d policies = %v", i, e.Data["policies"])
		}
	}
	if violations[0].ApplicationID != app.ID || violations[1].ResourceID != "web.example.com" {
		t.Errorf("events = %+v", violations)
	}
}
