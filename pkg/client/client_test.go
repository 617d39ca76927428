package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hoistpaas/hoist/pkg/api"
	"github.com/hoistpaas/hoist/pkg/drivers"
	"github.com/hoistpaas/hoist/pkg/drivers/memory"
	"github.com/hoistpaas/hoist/pkg/engine"
	"github.com/hoistpaas/hoist/pkg/logstream"
	"github.com/hoistpaas/hoist/pkg/manifest"
	"github.com/hoistpaas/hoist/pkg/stores"
	"github.com/hoistpaas/hoist/pkg/telemetry"
)

var _ manifest.Target = (*Client)(nil)

const testSecret = "0123456789abcdef0123456789abcdef"

type testServer struct {
	client *Client
	driver *memory.Driver
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	tel := telemetry.NewNop()
	events, err := telemetry.NewEventPublisher(telemetry.EventsConfig{Enabled: true, BufferSize: 256, EnableAsync: true})
	if err != nil {
		t.Fatalf("event publisher: %v", err)
	}
	tel.Events = events

	drv := memory.New(memory.Options{Name: "local"})
	registry := drivers.NewRegistry(tel)
	if err := registry.Register(drv); err != nil {
		t.Fatalf("register driver: %v", err)
	}
	logs := logstream.New(logstream.DefaultConfig(), tel)

	cfg := engine.DefaultConfig()
	cfg.Retry = engine.RetryPolicy{BaseDelay: time.Millisecond, Factor: 2, MaxAttempts: 2, MaxDelay: 5 * time.Millisecond}
	eng, err := engine.New(engine.Dependencies{
		Store:     stores.NewMemoryStore(),
		Drivers:   registry,
		Logs:      logs,
		Telemetry: tel,
	}, cfg)
	if err != nil {
		t.Fatalf("engine: %v", err)
	}

	auth := api.AuthConfig{Secret: testSecret}
	handler, err := api.New(api.Config{
		Engine:    eng,
		Drivers:   registry,
		Logs:      logs,
		Telemetry: tel,
		Auth:      auth,
		Version:   "test",
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	srv := httptest.NewServer(handler)
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = eng.Shutdown(ctx)
		_ = events.Shutdown(ctx)
	})

	token, err := api.IssueToken(auth, "tests", nil, time.Hour)
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	return &testServer{client: New(srv.URL, token, 5*time.Second), driver: drv}
}

func (s *testServer) waitForDeployment(t *testing.T, id string) *engine.Deployment {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		dep, err := s.client.GetDeployment(context.Background(), id)
		if err != nil {
			t.Fatalf("GetDeployment() error = %v", err)
		}
		if dep.Status.IsTerminal() {
			return dep
		}
		if time.Now().After(deadline) {
			t.Fatalf("deployment %s still %s after 5s", id, dep.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestClientApplicationLifecycle(t *testing.T) {
	s := newTestServer(t)
	c := s.client
	ctx := context.Background()

	health, err := c.Health(ctx)
	if err != nil || health.Status != "ok" || health.Version != "test" {
		t.Fatalf("Health() = %+v, %v", health, err)
	}
	drvs, err := c.Drivers(ctx)
	if err != nil || len(drvs) != 1 || drvs[0].Name != "local" {
		t.Fatalf("Drivers() = %+v, %v", drvs, err)
	}

	app, err := c.CreateApplication(ctx, engine.CreateApplicationInput{ProjectID: "shop", Name: "web", DriverID: "local"})
	if err != nil {
		t.Fatalf("CreateApplication() error = %v", err)
	}
	if _, err := c.CreateApplication(ctx, engine.CreateApplicationInput{ProjectID: "shop", Name: "web", DriverID: "local"}); !errors.Is(err, engine.ErrResourceConflict) {
		t.Errorf("duplicate CreateApplication() error = %v, want resource conflict", err)
	}
	if _, err := c.CreateApplication(ctx, engine.CreateApplicationInput{ProjectID: "shop", Name: "api", DriverID: "nope"}); !errors.Is(err, engine.ErrUnknownDriver) {
		t.Errorf("CreateApplication() with unknown driver error = %v", err)
	}

	found, err := c.FindApplication(ctx, "shop", "web")
	if err != nil || found.ID != app.ID {
		t.Fatalf("FindApplication() = %+v, %v", found, err)
	}
	if _, err := c.FindApplication(ctx, "shop", "missing"); !engine.IsNotFound(err) {
		t.Errorf("FindApplication(missing) error = %v", err)
	}

	dep, err := c.RequestDeployment(ctx, app.ID, engine.DeploymentRequest{SourceRef: "v1"})
	if err != nil {
		t.Fatalf("RequestDeployment() error = %v", err)
	}
	done := s.waitForDeployment(t, dep.ID)
	if done.Status != engine.DeploymentStatusRunning {
		t.Fatalf("deployment status = %s", done.Status)
	}

	detail, err := c.DeploymentDetail(ctx, dep.ID)
	if err != nil || len(detail.History) != 3 {
		t.Fatalf("DeploymentDetail() = %+v, %v", detail, err)
	}
	list, err := c.ListDeployments(ctx, app.ID, []engine.DeploymentStatus{engine.DeploymentStatusRunning}, 10)
	if err != nil || len(list) != 1 {
		t.Fatalf("ListDeployments() = %v, %v", list, err)
	}
	if _, err := c.CancelDeployment(ctx, dep.ID, "too late"); !errors.Is(err, engine.ErrValidation) {
		t.Errorf("CancelDeployment() on a running deployment error = %v", err)
	}

	if err := c.DeleteApplication(ctx, app.ID); err != nil {
		t.Fatalf("DeleteApplication() error = %v", err)
	}
	if _, err := c.GetApplication(ctx, app.ID); !engine.IsNotFound(err) {
		t.Errorf("GetApplication() after delete error = %v", err)
	}
}

func TestClientCertificatesAndDatabases(t *testing.T) {
	s := newTestServer(t)
	c := s.client
	ctx := context.Background()

	app, err := c.CreateApplication(ctx, engine.CreateApplicationInput{ProjectID: "shop", Name: "web", DriverID: "local"})
	if err != nil {
		t.Fatalf("CreateApplication() error = %v", err)
	}

	cert, err := c.CreateCertificate(ctx, app.ID, "Shop.Example.com")
	if err != nil {
		t.Fatalf("CreateCertificate() error = %v", err)
	}
	if cert.Hostname != "shop.example.com" {
		t.Errorf("hostname = %q", cert.Hostname)
	}
	checked, err := c.CheckCertificate(ctx, cert.ID)
	if err != nil || checked.DNSStatus != engine.DNSStatusConfigured {
		t.Errorf("CheckCertificate() = %+v, %v", checked, err)
	}
	certs, err := c.ListCertificates(ctx, app.ID)
	if err != nil || len(certs) != 1 {
		t.Errorf("ListCertificates() = %v, %v", certs, err)
	}
	if err := c.DeleteCertificate(ctx, cert.ID); err != nil {
		t.Errorf("DeleteCertificate() error = %v", err)
	}
	if _, err := c.GetCertificate(ctx, cert.ID); !engine.IsNotFound(err) {
		t.Errorf("GetCertificate() after delete error = %v", err)
	}

	db, err := c.CreateDatabase(ctx, engine.CreateDatabaseInput{ProjectID: "shop", Name: "main", Engine: "postgres", DriverID: "local"})
	if err != nil {
		t.Fatalf("CreateDatabase() error = %v", err)
	}
	dbs, err := c.ListDatabases(ctx, "shop")
	if err != nil || len(dbs) != 1 || dbs[0].ID != db.ID {
		t.Errorf("ListDatabases() = %v, %v", dbs, err)
	}
	if err := c.DeleteDatabase(ctx, db.ID); err != nil {
		t.Errorf("DeleteDatabase() error = %v", err)
	}
}

func TestClientStreamLogs(t *testing.T) {
	s := newTestServer(t)
	c := s.client
	ctx := context.Background()

	s.driver.SetBuilderScript(memory.Script{
		Lines:  []string{"step 1", "step 2"},
		Result: engine.PhaseResult{Succeeded: false, Detail: "exit status 1"},
	})
	app, err := c.CreateApplication(ctx, engine.CreateApplicationInput{ProjectID: "shop", Name: "web", DriverID: "local"})
	if err != nil {
		t.Fatalf("CreateApplication() error = %v", err)
	}
	dep, err := c.RequestDeployment(ctx, app.ID, engine.DeploymentRequest{SourceRef: "v1"})
	if err != nil {
		t.Fatalf("RequestDeployment() error = %v", err)
	}
	s.waitForDeployment(t, dep.ID)

	streamCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var lines []string
	var last logstream.Entry
	err = c.StreamLogs(streamCtx, dep.ID, 1, func(e logstream.Entry) error {
		if e.Kind == logstream.KindLine {
			lines = append(lines, e.Text)
		}
		last = e
		return nil
	})
	if err != nil {
		t.Fatalf("StreamLogs() error = %v", err)
	}
	if strings.Join(lines, "|") != "step 1|step 2" {
		t.Errorf("lines = %q", lines)
	}
	if last.Kind != logstream.KindClosed {
		t.Errorf("last entry = %+v, want closed", last)
	}

	err = c.StreamLogs(streamCtx, "missing", 1, func(logstream.Entry) error { return nil })
	if !engine.IsNotFound(err) {
		t.Errorf("StreamLogs(missing) error = %v", err)
	}
}

func TestDecodeError(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		check  func(error) bool
	}{
		{
			name:   "envelope",
			status: http.StatusConflict,
			body:   `{"error":{"code":"DEPLOYMENT_IN_PROGRESS","message":"a deployment is already in progress"}}`,
			check:  func(err error) bool { return errors.Is(err, engine.ErrDeploymentInProgress) },
		},
		{
			name:   "rate limited",
			status: http.StatusTooManyRequests,
			body:   `{"error":{"code":"RATE_LIMITED","message":"slow down"}}`,
			check:  engine.IsThrottled,
		},
		{
			name:   "plain gateway error",
			status: http.StatusBadGateway,
			body:   "upstream unavailable",
			check:  engine.IsRetryable,
		},
		{
			name:   "plain not found",
			status: http.StatusNotFound,
			body:   "404 page not found",
			check:  engine.IsNotFound,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := New(srv.URL, "", time.Second).GetApplication(context.Background(), "app-1")
			if err == nil || !tt.check(err) {
				t.Fatalf("error = %v", err)
			}
			var se *StatusError
			if !errors.As(err, &se) || se.StatusCode != tt.status {
				t.Errorf("status error = %v", se)
			}
		})
	}
}

func TestReadEvents(t *testing.T) {
	stream := ": keep-alive\n\n" +
		"id: 1\nevent: line\ndata: {\"seq\":1}\n\n" +
		"event: error\ndata: first\ndata: second\n\n" +
		"data: trailing without blank line"

	var got []sseEvent
	err := readEvents(strings.NewReader(stream), func(ev sseEvent) error {
		got = append(got, ev)
		return nil
	})
	if err != nil {
		t.Fatalf("readEvents() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("events = %+v, want 2", got)
	}
	if got[0].ID != "1" || got[0].Event != "line" || string(got[0].Data) != `{"seq":1}` {
		t.Errorf("first event = %+v", got[0])
	}
	if got[1].Event != "error" || string(got[1].Data) != "first\nsecond" {
		t.Errorf("second event = %+v", got[1])
	}
}
