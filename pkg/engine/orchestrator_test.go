package engine_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hoistpaas/hoist/pkg/drivers/memory"
	"github.com/hoistpaas/hoist/pkg/engine"
	"github.com/hoistpaas/hoist/pkg/logstream"
)

func TestDeploymentReachesRunning(t *testing.T) {
	h := newHarness(t, memory.Options{})
	app := h.createApp(t, "web")
	ctx := context.Background()

	dep := h.deploy(t, app.ID, "abc123")
	if dep.Status != engine.DeploymentStatusQueued {
		t.Errorf("RequestDeployment() status = %s, want queued", dep.Status)
	}

	running := h.waitForStatus(t, dep.ID, engine.DeploymentStatusRunning)
	if running.FinishedAt == nil || running.BuildingAt == nil || running.ReleasingAt == nil {
		t.Errorf("phase timestamps not recorded: %+v", running)
	}

	want := []engine.DeploymentStatus{engine.DeploymentStatusBuilding, engine.DeploymentStatusReleasing, engine.DeploymentStatusRunning}
	if got := h.store.history(dep.ID); !sameStatuses(got, want) {
		t.Errorf("transitions = %v, want %v", got, want)
	}

	events, err := h.engine.Deployments.History(ctx, dep.ID)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(events) != 3 {
		t.Errorf("History() returned %d events, want 3", len(events))
	}

	waitFor(t, "current deployment", func() bool {
		got, err := h.engine.Applications.GetApplication(ctx, app.ID)
		return err == nil && got.CurrentDeploymentID != nil && *got.CurrentDeploymentID == dep.ID
	})

	if _, err := h.engine.Leases().Get(ctx, engine.ApplicationLeaseKey(app.ID)); !engine.IsNotFound(err) {
		t.Errorf("lease after running: err = %v, want NotFound", err)
	}
	if got := h.driver.Calls(memory.OpIgniteBuilder); got != 1 {
		t.Errorf("ignite_builder calls = %d, want 1", got)
	}
}

func TestDeploymentInProgressCreatesNothing(t *testing.T) {
	h := newHarness(t, memory.Options{})
	app := h.createApp(t, "web")
	ctx := context.Background()

	release := h.driver.Block(memory.OpIgniteBuilder)
	first := h.deploy(t, app.ID, "v1")
	h.waitForStatus(t, first.ID, engine.DeploymentStatusBuilding)

	_, err := h.engine.Deployments.RequestDeployment(ctx, app.ID, engine.DeploymentRequest{SourceRef: "v2"})
	if !errors.Is(err, engine.ErrDeploymentInProgress) {
		t.Fatalf("second RequestDeployment() error = %v, want DeploymentInProgress", err)
	}
	if engine.ErrorCode(err) != engine.ErrCodeDeploymentInProgress {
		t.Errorf("ErrorCode() = %q", engine.ErrorCode(err))
	}

	deps, err := h.engine.Deployments.ListDeployments(ctx, engine.DeploymentFilter{ApplicationID: app.ID})
	if err != nil {
		t.Fatalf("ListDeployments() error = %v", err)
	}
	if len(deps) != 1 || deps[0].ID != first.ID {
		t.Fatalf("rejected request created a deployment: %d deployments", len(deps))
	}

	release()
	h.waitForStatus(t, first.ID, engine.DeploymentStatusRunning)

	next := h.deploy(t, app.ID, "v2")
	h.waitForStatus(t, next.ID, engine.DeploymentStatusRunning)
}

func TestConcurrentRequestsCreateOneDeployment(t *testing.T) {
	h := newHarness(t, memory.Options{})
	app := h.createApp(t, "web")
	release := h.driver.Block(memory.OpIgniteBuilder)
	defer release()

	const n = 8
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		created  int
		rejected int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.engine.Deployments.RequestDeployment(context.Background(), app.ID, engine.DeploymentRequest{SourceRef: "v1"})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				created++
			case errors.Is(err, engine.ErrDeploymentInProgress):
				rejected++
			default:
				t.Errorf("RequestDeployment() error = %v", err)
			}
		}()
	}
	wg.Wait()

	if created != 1 || rejected != n-1 {
		t.Errorf("created = %d, rejected = %d; want 1 and %d", created, rejected, n-1)
	}
}

func TestTransientIgniteFailuresAreRetried(t *testing.T) {
	h := newHarness(t, memory.Options{})
	app := h.createApp(t, "web")

	unavailable := engine.NewDriverUnavailableError("builder host unreachable", nil)
	h.driver.FailNext(memory.OpIgniteBuilder, unavailable, unavailable)

	dep := h.deploy(t, app.ID, "v1")
	h.waitForStatus(t, dep.ID, engine.DeploymentStatusRunning)

	if got := h.driver.Calls(memory.OpIgniteBuilder); got != 3 {
		t.Errorf("ignite_builder calls = %d, want 3", got)
	}
}

func TestTransientReleaseFailuresAreRetried(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{name: "network", err: engine.NewTransientNetworkError("connection reset", nil)},
		{name: "timeout", err: engine.NewTimeoutError(memory.OpIgniteApplication, nil)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, memory.Options{})
			app := h.createApp(t, "web")
			h.driver.FailNext(memory.OpIgniteApplication, tt.err, tt.err)

			dep := h.deploy(t, app.ID, "v1")
			h.waitForStatus(t, dep.ID, engine.DeploymentStatusRunning)

			if got := h.driver.Calls(memory.OpIgniteApplication); got != 3 {
				t.Errorf("ignite_application calls = %d, want 3", got)
			}
		})
	}
}

func TestDriverCallDeadlineIsRetriedAsTimeout(t *testing.T) {
	h := newHarness(t, memory.Options{}, func(cfg *engine.Config) {
		cfg.Pool.CallTimeout = 20 * time.Millisecond
		cfg.Retry.MaxAttempts = 2
	})
	app := h.createApp(t, "web")
	release := h.driver.Block(memory.OpIgniteApplication)
	t.Cleanup(release)

	dep := h.deploy(t, app.ID, "v1")
	got := h.waitForStatus(t, dep.ID, engine.DeploymentStatusFailed)

	if !strings.Contains(got.LastError, "operation timed out") {
		t.Errorf("LastError = %q, want a timeout", got.LastError)
	}
	if calls := h.driver.Calls(memory.OpIgniteApplication); calls != 2 {
		t.Errorf("ignite_application calls = %d, want 2", calls)
	}
}

func TestIgniteFailures(t *testing.T) {
	unavailable := engine.NewDriverUnavailableError("builder host unreachable", nil)
	rejected := engine.NewPermanentError("quota exceeded", nil)

	tests := []struct {
		name      string
		op        string
		errs      []error
		want      engine.DeploymentStatus
		wantCalls int
	}{
		{
			name:      "retries exhausted",
			op:        memory.OpIgniteBuilder,
			errs:      []error{unavailable, unavailable, unavailable, unavailable, unavailable},
			want:      engine.DeploymentStatusBuildFailed,
			wantCalls: 5,
		},
		{
			name:      "permanent builder error",
			op:        memory.OpIgniteBuilder,
			errs:      []error{rejected},
			want:      engine.DeploymentStatusBuildFailed,
			wantCalls: 1,
		},
		{
			name:      "permanent release error",
			op:        memory.OpIgniteApplication,
			errs:      []error{rejected},
			want:      engine.DeploymentStatusFailed,
			wantCalls: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, memory.Options{})
			app := h.createApp(t, "web")
			h.driver.FailNext(tt.op, tt.errs...)

			dep := h.deploy(t, app.ID, "v1")
			got := h.waitForStatus(t, dep.ID, tt.want)

			if got.LastError == "" {
				t.Error("LastError not recorded")
			}
			if calls := h.driver.Calls(tt.op); calls != tt.wantCalls {
				t.Errorf("%s calls = %d, want %d", tt.op, calls, tt.wantCalls)
			}
			if _, err := h.engine.Leases().Get(context.Background(), engine.ApplicationLeaseKey(app.ID)); !engine.IsNotFound(err) {
				t.Errorf("lease still held after %s", tt.want)
			}
		})
	}
}

func TestBuildFailure(t *testing.T) {
	h := newHarness(t, memory.Options{})
	app := h.createApp(t, "web")
	h.driver.SetBuilderScript(memory.Script{
		Lines:  []string{"compiling", "error: undefined: foo"},
		Result: engine.PhaseResult{Succeeded: false, Detail: "exit status 2"},
	})

	dep := h.deploy(t, app.ID, "v1")
	got := h.waitForStatus(t, dep.ID, engine.DeploymentStatusBuildFailed)

	if !strings.Contains(got.LastError, "exit status 2") {
		t.Errorf("LastError = %q, want the builder detail", got.LastError)
	}
	if h.driver.Calls(memory.OpIgniteApplication) != 0 {
		t.Error("application ignited after a failed build")
	}

	next := h.deploy(t, app.ID, "v2")
	h.waitForStatus(t, next.ID, engine.DeploymentStatusBuildFailed)
}

func TestCancelDeployment(t *testing.T) {
	h := newHarness(t, memory.Options{})
	app := h.createApp(t, "web")
	ctx := context.Background()

	release := h.driver.Block(memory.OpIgniteBuilder)
	defer release()

	dep := h.deploy(t, app.ID, "v1")
	h.waitForStatus(t, dep.ID, engine.DeploymentStatusBuilding)

	canceled, err := h.engine.Deployments.CancelDeployment(ctx, dep.ID, "wrong commit")
	if err != nil {
		t.Fatalf("CancelDeployment() error = %v", err)
	}
	if canceled.Status != engine.DeploymentStatusCanceled || canceled.LastError != "wrong commit" {
		t.Errorf("CancelDeployment() = %s %q", canceled.Status, canceled.LastError)
	}
	if h.driver.Calls(memory.OpStopPhase) != 1 {
		t.Errorf("stop_phase calls = %d, want 1", h.driver.Calls(memory.OpStopPhase))
	}

	if _, err := h.engine.Deployments.CancelDeployment(ctx, dep.ID, ""); !errors.Is(err, engine.ErrValidation) {
		t.Errorf("canceling a canceled deployment error = %v, want Validation", err)
	}

	next, err := h.engine.Deployments.RequestDeployment(ctx, app.ID, engine.DeploymentRequest{SourceRef: "v2"})
	if err != nil {
		t.Fatalf("RequestDeployment() after cancel error = %v", err)
	}
	release()
	h.waitForStatus(t, next.ID, engine.DeploymentStatusRunning)

	got, err := h.engine.Deployments.GetDeployment(ctx, dep.ID)
	if err != nil {
		t.Fatalf("GetDeployment() error = %v", err)
	}
	if got.Status != engine.DeploymentStatusCanceled {
		t.Errorf("canceled deployment moved on to %s", got.Status)
	}
}

func TestCancelQueuedDeploymentSkipsStop(t *testing.T) {
	h := newHarness(t, memory.Options{})
	app := h.createApp(t, "web")
	ctx := context.Background()

	// A deployment left queued by a process that never started its pipeline.
	now := time.Now()
	dep := &engine.Deployment{ID: "dep-queued", ApplicationID: app.ID, SourceRef: "v1", Status: engine.DeploymentStatusQueued, QueuedAt: now, UpdatedAt: now}
	if err := h.store.CreateDeployment(ctx, dep); err != nil {
		t.Fatalf("CreateDeployment() error = %v", err)
	}

	if _, err := h.engine.Deployments.CancelDeployment(ctx, dep.ID, ""); err != nil {
		t.Fatalf("CancelDeployment() error = %v", err)
	}
	if h.driver.Calls(memory.OpStopPhase) != 0 {
		t.Error("stop_phase called for a deployment that never started")
	}
}

func TestDeleteApplicationDuringRelease(t *testing.T) {
	h := newHarness(t, memory.Options{})
	app := h.createApp(t, "web")
	ctx := context.Background()

	release := h.driver.Block(memory.OpIgniteApplication)
	defer release()

	dep := h.deploy(t, app.ID, "v1")
	h.waitForStatus(t, dep.ID, engine.DeploymentStatusReleasing)
	waitFor(t, "ignite_application call", func() bool {
		return h.driver.Calls(memory.OpIgniteApplication) == 1
	})

	if err := h.engine.Applications.DeleteApplication(ctx, app.ID); err != nil {
		t.Fatalf("DeleteApplication() error = %v", err)
	}

	history := h.store.history(dep.ID)
	if len(history) == 0 || history[len(history)-1] != engine.DeploymentStatusCanceled {
		t.Errorf("transitions = %v, want to end in canceled", history)
	}
	if got := h.driver.Calls(memory.OpDeleteApplication); got != 1 {
		t.Errorf("delete_application calls = %d, want 1", got)
	}
	if h.driver.HasApplication(app.ID) {
		t.Error("driver still has the application")
	}
	if _, err := h.engine.Applications.GetApplication(ctx, app.ID); !engine.IsNotFound(err) {
		t.Errorf("GetApplication() after delete error = %v, want NotFound", err)
	}
	if _, err := h.engine.Leases().Get(ctx, engine.ApplicationLeaseKey(app.ID)); !engine.IsNotFound(err) {
		t.Errorf("lease survived application deletion")
	}

	if err := h.engine.Applications.DeleteApplication(ctx, app.ID); err != nil {
		t.Errorf("second DeleteApplication() error = %v", err)
	}
	if got := h.driver.Calls(memory.OpDeleteApplication); got != 1 {
		t.Errorf("delete_application calls after second delete = %d, want 1", got)
	}
	if keys := h.engine.Tasks().Keys(); len(keys) != 0 {
		t.Errorf("tasks left after delete: %v", keys)
	}
}

func TestReleaseDoesNotPromoteDeletingApplication(t *testing.T) {
	h := newHarness(t, memory.Options{})
	app := h.createApp(t, "web")
	ctx := context.Background()

	release := h.driver.Block(memory.OpIgniteApplication)
	dep := h.deploy(t, app.ID, "v1")
	h.waitForStatus(t, dep.ID, engine.DeploymentStatusReleasing)

	// Teardown has started but not yet canceled the deployment.
	if err := h.store.SetApplicationStatus(ctx, app.ID, engine.ApplicationStatusDeleting, "", time.Now()); err != nil {
		t.Fatalf("SetApplicationStatus() error = %v", err)
	}
	release()
	h.waitForStatus(t, dep.ID, engine.DeploymentStatusRunning)
	waitFor(t, "promotion attempt", func() bool { return len(h.store.promotionResults()) == 1 })

	if err := h.store.promotionResults()[0]; !errors.Is(err, engine.ErrResourceConflict) {
		t.Errorf("promotion error = %v, want ResourceConflict", err)
	}
	got, err := h.engine.Applications.GetApplication(ctx, app.ID)
	if err != nil {
		t.Fatalf("GetApplication() error = %v", err)
	}
	if got.Status != engine.ApplicationStatusDeleting {
		t.Errorf("Status = %s, want deleting", got.Status)
	}
	if got.CurrentDeploymentID != nil {
		t.Errorf("CurrentDeploymentID = %s, want none", *got.CurrentDeploymentID)
	}
	if _, err := h.engine.Deployments.RequestDeployment(ctx, app.ID, engine.DeploymentRequest{SourceRef: "v2"}); err == nil {
		t.Error("RequestDeployment() accepted a deployment of a deleting application")
	}
}

func TestRequestDeploymentValidation(t *testing.T) {
	h := newHarness(t, memory.Options{})
	app := h.createApp(t, "web")
	ctx := context.Background()

	if _, err := h.engine.Deployments.RequestDeployment(ctx, app.ID, engine.DeploymentRequest{}); !errors.Is(err, engine.ErrValidation) {
		t.Errorf("empty source_ref error = %v, want Validation", err)
	}
	if _, err := h.engine.Deployments.RequestDeployment(ctx, "missing", engine.DeploymentRequest{SourceRef: "v1"}); !engine.IsNotFound(err) {
		t.Errorf("unknown application error = %v, want NotFound", err)
	}

	if _, err := h.engine.Applications.SetStatus(ctx, app.ID, engine.ApplicationStatusSuspended); err != nil {
		t.Fatalf("SetStatus() error = %v", err)
	}
	if _, err := h.engine.Deployments.RequestDeployment(ctx, app.ID, engine.DeploymentRequest{SourceRef: "v1"}); !errors.Is(err, engine.ErrValidation) {
		t.Errorf("suspended application error = %v, want Validation", err)
	}
}

func readEntries(t *testing.T, sub *logstream.Subscription, until func(logstream.Entry) bool) []logstream.Entry {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var out []logstream.Entry
	for {
		e, err := sub.Next(ctx)
		if err != nil {
			t.Fatalf("Next() error = %v after %d entries", err, len(out))
		}
		out = append(out, e)
		if until(e) {
			return out
		}
	}
}

func TestLogSequenceAcrossPhases(t *testing.T) {
	h := newHarness(t, memory.Options{})
	app := h.createApp(t, "web")

	dep := h.deploy(t, app.ID, "v1")
	h.waitForStatus(t, dep.ID, engine.DeploymentStatusRunning)
	waitFor(t, "application log line", func() bool { return h.logs.Cursor(dep.ID) >= 5 })
	h.driver.Append(dep.ID, engine.LogScopeApplication, "GET / 200")

	sub, err := h.logs.Subscribe(dep.ID, 1)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	defer sub.Close()

	entries := readEntries(t, sub, func(e logstream.Entry) bool { return e.Text == "GET / 200" })

	var texts []string
	for i, e := range entries {
		if e.Seq != int64(i+1) {
			t.Fatalf("entry %d has seq %d, want %d", i, e.Seq, i+1)
		}
		if e.Kind == logstream.KindLine {
			texts = append(texts, string(e.Scope)+":"+e.Text)
		}
	}

	want := []string{
		"builder:resolving source", "builder:building image", "builder:build complete",
		"application:listening on :8080", "application:GET / 200",
	}
	if strings.Join(texts, "|") != strings.Join(want, "|") {
		t.Errorf("lines = %v, want %v", texts, want)
	}

	var sawBuildEnd bool
	for _, e := range entries {
		if e.Kind == logstream.KindPhaseEnd && e.Scope == engine.LogScopeBuilder {
			sawBuildEnd = e.Result != nil && e.Result.Succeeded
		}
	}
	if !sawBuildEnd {
		t.Error("no successful builder phase_end marker")
	}

	late, err := h.logs.Subscribe(dep.ID, 3)
	if err != nil {
		t.Fatalf("Subscribe(3) error = %v", err)
	}
	defer late.Close()
	first := readEntries(t, late, func(logstream.Entry) bool { return true })
	if first[0].Seq != 3 {
		t.Errorf("Subscribe(3) started at seq %d", first[0].Seq)
	}
}

func TestInterruptedBuildStreamIsReopened(t *testing.T) {
	for _, replay := range []bool{false, true} {
		name := "live tail"
		if replay {
			name = "replay"
		}
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, memory.Options{Replay: replay})
			app := h.createApp(t, "web")
			h.driver.SetBuilderScript(memory.Script{
				Lines:          []string{"step 1", "step 2", "step 3", "step 4"},
				Result:         engine.PhaseResult{Succeeded: true},
				InterruptAfter: 2,
			})

			dep := h.deploy(t, app.ID, "v1")
			h.waitForStatus(t, dep.ID, engine.DeploymentStatusRunning)

			sub, err := h.logs.Subscribe(dep.ID, 1)
			if err != nil {
				t.Fatalf("Subscribe() error = %v", err)
			}
			defer sub.Close()
			entries := readEntries(t, sub, func(e logstream.Entry) bool {
				return e.Kind == logstream.KindPhaseEnd && e.Scope == engine.LogScopeBuilder
			})

			var lines []string
			for i, e := range entries {
				if e.Seq != int64(i+1) {
					t.Fatalf("entry %d has seq %d", i, e.Seq)
				}
				if e.Kind == logstream.KindLine {
					lines = append(lines, e.Text)
				}
			}
			if strings.Join(lines, ",") != "step 1,step 2,step 3,step 4" {
				t.Errorf("builder lines = %v, want each step once", lines)
			}
			if got := h.driver.Calls(memory.OpStreamLogs); got < 2 {
				t.Errorf("stream_logs calls = %d, want the stream reopened", got)
			}
		})
	}
}

func TestSupersededDeploymentStreamCloses(t *testing.T) {
	h := newHarness(t, memory.Options{})
	app := h.createApp(t, "web")

	first := h.deploy(t, app.ID, "v1")
	h.waitForStatus(t, first.ID, engine.DeploymentStatusRunning)

	sub, err := h.logs.Subscribe(first.ID, 1)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	defer sub.Close()

	second := h.deploy(t, app.ID, "v2")
	h.waitForStatus(t, second.ID, engine.DeploymentStatusRunning)

	entries := readEntries(t, sub, func(e logstream.Entry) bool { return e.Kind == logstream.KindClosed })
	if last := entries[len(entries)-1]; last.Reason != "superseded" {
		t.Errorf("closing reason = %q, want superseded", last.Reason)
	}
}

func TestRecoverFinalizesExpiredDeployments(t *testing.T) {
	tests := []struct {
		from engine.DeploymentStatus
		want engine.DeploymentStatus
	}{
		{engine.DeploymentStatusQueued, engine.DeploymentStatusCanceled},
		{engine.DeploymentStatusBuilding, engine.DeploymentStatusBuildFailed},
		{engine.DeploymentStatusReleasing, engine.DeploymentStatusFailed},
	}

	for _, tt := range tests {
		t.Run(string(tt.from), func(t *testing.T) {
			h := newHarness(t, memory.Options{})
			app := h.createApp(t, "web")
			ctx := context.Background()

			dep := seedDeployment(t, h, app.ID, tt.from)
			past := time.Now().Add(-time.Hour)
			if _, err := h.store.AcquireLease(ctx, engine.ApplicationLeaseKey(app.ID), "crashed-process", time.Minute, past); err != nil {
				t.Fatalf("AcquireLease() error = %v", err)
			}

			if err := h.engine.Recover(ctx); err != nil {
				t.Fatalf("Recover() error = %v", err)
			}

			got, err := h.engine.Deployments.GetDeployment(ctx, dep.ID)
			if err != nil {
				t.Fatalf("GetDeployment() error = %v", err)
			}
			if got.Status != tt.want {
				t.Errorf("status = %s, want %s", got.Status, tt.want)
			}
			if got.LastError != "interrupted by control-plane restart" {
				t.Errorf("LastError = %q", got.LastError)
			}
			if _, err := h.store.GetLease(ctx, engine.ApplicationLeaseKey(app.ID)); !engine.IsNotFound(err) {
				t.Errorf("expired lease not revoked")
			}

			h.deploy(t, app.ID, "v2")
		})
	}
}

func TestRecoverWaitsForLiveLease(t *testing.T) {
	h := newHarness(t, memory.Options{})
	app := h.createApp(t, "web")
	ctx := context.Background()

	dep := seedDeployment(t, h, app.ID, engine.DeploymentStatusBuilding)
	if _, err := h.store.AcquireLease(ctx, engine.ApplicationLeaseKey(app.ID), "other-process", 200*time.Millisecond, time.Now()); err != nil {
		t.Fatalf("AcquireLease() error = %v", err)
	}

	if err := h.engine.Recover(ctx); err != nil {
		t.Fatalf("Recover() error = %v", err)
	}

	got, _ := h.engine.Deployments.GetDeployment(ctx, dep.ID)
	if got.Status != engine.DeploymentStatusBuilding {
		t.Fatalf("deployment with a live lease finalized as %s", got.Status)
	}
	if !h.engine.Tasks().Active("recover:" + dep.ID) {
		t.Errorf("no recheck scheduled, tasks = %v", h.engine.Tasks().Keys())
	}

	h.waitForStatus(t, dep.ID, engine.DeploymentStatusBuildFailed)
}

// seedDeployment stores a deployment in the given status without running its
// pipeline, as a crashed process would have left it.
func seedDeployment(t *testing.T, h *harness, appID string, status engine.DeploymentStatus) *engine.Deployment {
	t.Helper()
	ctx := context.Background()
	now := time.Now()

	dep := &engine.Deployment{
		ID:            "dep-" + string(status),
		ApplicationID: appID,
		SourceRef:     "v1",
		Status:        engine.DeploymentStatusQueued,
		QueuedAt:      now,
		UpdatedAt:     now,
	}
	if err := h.store.CreateDeployment(ctx, dep); err != nil {
		t.Fatalf("CreateDeployment() error = %v", err)
	}

	path := map[engine.DeploymentStatus][]engine.DeploymentStatus{
		engine.DeploymentStatusQueued:    nil,
		engine.DeploymentStatusBuilding:  {engine.DeploymentStatusBuilding},
		engine.DeploymentStatusReleasing: {engine.DeploymentStatusBuilding, engine.DeploymentStatusReleasing},
	}[status]

	from := engine.DeploymentStatusQueued
	for _, to := range path {
		if _, err := h.store.TransitionDeployment(ctx, engine.DeploymentTransition{ID: dep.ID, From: from, To: to, At: now}); err != nil {
			t.Fatalf("TransitionDeployment(%s) error = %v", to, err)
		}
		from = to
	}
	dep.Status = status
	return dep
}
