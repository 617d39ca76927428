package engine_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/hoistpaas/hoist/pkg/drivers"
	"github.com/hoistpaas/hoist/pkg/drivers/memory"
	"github.com/hoistpaas/hoist/pkg/engine"
	"github.com/hoistpaas/hoist/pkg/logstream"
	"github.com/hoistpaas/hoist/pkg/stores"
)

const testProject = "proj-1"

// recordingStore remembers every successful deployment transition so tests
// can inspect the history of deployments whose rows were deleted.
type recordingStore struct {
	engine.Store

	mu          sync.Mutex
	transitions []engine.DeploymentTransition
	promotions  []error
}

func (s *recordingStore) TransitionDeployment(ctx context.Context, t engine.DeploymentTransition) (*engine.Deployment, error) {
	dep, err := s.Store.TransitionDeployment(ctx, t)
	if err == nil {
		s.mu.Lock()
		s.transitions = append(s.transitions, t)
		s.mu.Unlock()
	}
	return dep, err
}

func (s *recordingStore) SetCurrentDeployment(ctx context.Context, applicationID, deploymentID string, now time.Time) (string, error) {
	previous, err := s.Store.SetCurrentDeployment(ctx, applicationID, deploymentID, now)
	s.mu.Lock()
	s.promotions = append(s.promotions, err)
	s.mu.Unlock()
	return previous, err
}

func (s *recordingStore) promotionResults() []error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]error(nil), s.promotions...)
}

func (s *recordingStore) history(deploymentID string) []engine.DeploymentStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []engine.DeploymentStatus
	for _, t := range s.transitions {
		if t.ID == deploymentID {
			out = append(out, t.To)
		}
	}
	return out
}

type harness struct {
	engine *engine.Engine
	store  *recordingStore
	driver *memory.Driver
	logs   *logstream.Multiplexer
}

func testConfig() engine.Config {
	cfg := engine.DefaultConfig()
	cfg.Retry = engine.RetryPolicy{
		BaseDelay:   time.Millisecond,
		Factor:      2,
		MaxAttempts: 5,
		MaxDelay:    20 * time.Millisecond,
	}
	cfg.Certificates = engine.CertificateConfig{
		Poll:    engine.RetryPolicy{BaseDelay: 5 * time.Millisecond, Factor: 1, MaxDelay: 5 * time.Millisecond},
		Horizon: time.Hour,
	}
	cfg.StopPhaseTimeout = time.Second
	return cfg
}

func newHarness(t *testing.T, opts memory.Options, configure ...func(*engine.Config)) *harness {
	t.Helper()
	return newHarnessWith(t, opts, nil, configure...)
}

// newHarnessWith lets deps add admission or telemetry before the engine is built.
func newHarnessWith(t *testing.T, opts memory.Options, deps func(*engine.Dependencies), configure ...func(*engine.Config)) *harness {
	t.Helper()

	cfg := testConfig()
	for _, fn := range configure {
		fn(&cfg)
	}

	store := &recordingStore{Store: stores.NewMemoryStore()}
	driver := memory.New(opts)
	registry := drivers.NewRegistry(nil)
	if err := registry.Register(driver); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	logs := logstream.New(logstream.DefaultConfig(), nil)

	d := engine.Dependencies{
		Store:   store,
		Drivers: registry,
		Logs:    logs,
	}
	if deps != nil {
		deps(&d)
	}
	eng, err := engine.New(d, cfg)
	if err != nil {
		t.Fatalf("engine.New() error = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := eng.Shutdown(ctx); err != nil {
			t.Errorf("Shutdown() error = %v", err)
		}
	})

	return &harness{engine: eng, store: store, driver: driver, logs: logs}
}

func (h *harness) createApp(t *testing.T, name string) *engine.Application {
	t.Helper()
	app, err := h.engine.Applications.CreateApplication(context.Background(), engine.CreateApplicationInput{
		ProjectID: testProject,
		Name:      name,
		DriverID:  h.driver.Metadata().Name,
	})
	if err != nil {
		t.Fatalf("CreateApplication(%s) error = %v", name, err)
	}
	return app
}

func (h *harness) deploy(t *testing.T, appID, ref string) *engine.Deployment {
	t.Helper()
	dep, err := h.engine.Deployments.RequestDeployment(context.Background(), appID, engine.DeploymentRequest{SourceRef: ref})
	if err != nil {
		t.Fatalf("RequestDeployment(%s) error = %v", ref, err)
	}
	return dep
}

func (h *harness) waitForStatus(t *testing.T, id string, want engine.DeploymentStatus) *engine.Deployment {
	t.Helper()
	var dep *engine.Deployment
	waitFor(t, "deployment "+string(want), func() bool {
		var err error
		dep, err = h.engine.Deployments.GetDeployment(context.Background(), id)
		return err == nil && dep.Status == want
	})
	return dep
}

func (h *harness) waitForDNS(t *testing.T, id string, want engine.DNSStatus) *engine.Certificate {
	t.Helper()
	var cert *engine.Certificate
	waitFor(t, "certificate "+string(want), func() bool {
		var err error
		cert, err = h.engine.Certificates.GetCertificate(context.Background(), id)
		return err == nil && cert.DNSStatus == want
	})
	return cert
}

// waitFor polls cond until it holds or five seconds passed.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func sameStatuses(got, want []engine.DeploymentStatus) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}
