package engine_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hoistpaas/hoist/pkg/engine"
)

func newTaskRegistry(t *testing.T) *engine.TaskRegistry {
	t.Helper()
	r := engine.NewTaskRegistry(nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = r.Shutdown(ctx)
	})
	return r
}

func TestScheduleReplacesRunningTask(t *testing.T) {
	r := newTaskRegistry(t)

	firstCanceled := make(chan struct{})
	_ = r.Schedule("certificate:c1", func(ctx context.Context) {
		<-ctx.Done()
		close(firstCanceled)
	})

	var secondRan atomic.Bool
	_ = r.Schedule("certificate:c1", func(ctx context.Context) {
		secondRan.Store(true)
		<-ctx.Done()
	})

	select {
	case <-firstCanceled:
	case <-time.After(time.Second):
		t.Fatal("previous task under the same key was not canceled")
	}
	waitFor(t, "replacement task", secondRan.Load)
	if !r.Active("certificate:c1") {
		t.Error("replacement task not registered")
	}
}

func TestCancelAndWait(t *testing.T) {
	r := newTaskRegistry(t)

	var finished atomic.Bool
	_ = r.Schedule("deployment:d1", func(ctx context.Context) {
		<-ctx.Done()
		time.Sleep(20 * time.Millisecond)
		finished.Store(true)
	})

	if err := r.CancelAndWait(context.Background(), "deployment:d1"); err != nil {
		t.Fatalf("CancelAndWait() error = %v", err)
	}
	if !finished.Load() {
		t.Error("CancelAndWait() returned before the task did")
	}
	if r.Active("deployment:d1") {
		t.Error("task still registered")
	}
	if err := r.CancelAndWait(context.Background(), "deployment:d1"); err != nil {
		t.Errorf("CancelAndWait() on an unknown key error = %v", err)
	}
}

func TestScheduleAfterCanceledBeforeDelay(t *testing.T) {
	r := newTaskRegistry(t)

	var ran atomic.Bool
	_ = r.ScheduleAfter("recover:d1", time.Hour, func(context.Context) { ran.Store(true) })
	if !r.Cancel("recover:d1") {
		t.Fatal("Cancel() found no task")
	}
	time.Sleep(10 * time.Millisecond)
	if ran.Load() {
		t.Error("task ran although it was canceled during its delay")
	}
}

func TestTaskFinishesAndUnregisters(t *testing.T) {
	r := newTaskRegistry(t)
	_ = r.Schedule("applogs:a1", func(context.Context) {})
	waitFor(t, "task to unregister", func() bool { return !r.Active("applogs:a1") })
}

func TestCancelPrefix(t *testing.T) {
	r := newTaskRegistry(t)
	block := func(ctx context.Context) { <-ctx.Done() }
	_ = r.Schedule("certificate:c1", block)
	_ = r.Schedule("certificate:c2", block)
	_ = r.Schedule("deployment:d1", block)

	if n := r.CancelPrefix("certificate:"); n != 2 {
		t.Errorf("CancelPrefix() = %d, want 2", n)
	}
	if keys := r.Keys(); len(keys) != 1 || keys[0] != "deployment:d1" {
		t.Errorf("Keys() = %v", keys)
	}
}

func TestPanickingTaskIsContained(t *testing.T) {
	r := newTaskRegistry(t)
	_ = r.Schedule("deployment:boom", func(context.Context) { panic("driver bug") })
	waitFor(t, "panicking task to unregister", func() bool { return !r.Active("deployment:boom") })
}

func TestShutdownRejectsNewTasks(t *testing.T) {
	r := engine.NewTaskRegistry(nil)

	var stopped atomic.Bool
	_ = r.Schedule("deployment:d1", func(ctx context.Context) {
		<-ctx.Done()
		stopped.Store(true)
	})

	if err := r.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if !stopped.Load() {
		t.Error("Shutdown() returned before the task stopped")
	}
	if err := r.Schedule("deployment:d2", func(context.Context) {}); err == nil {
		t.Error("Schedule() after Shutdown() succeeded")
	}
}
