package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hoistpaas/hoist/pkg/telemetry"
)

// Task keys. Each background task is keyed by the entity it works for so that
// deleting the entity can cancel it.
const (
	taskPrefixDeployment  = "deployment:"
	taskPrefixAppLogs     = "applogs:"
	taskPrefixCertificate = "certificate:"
	taskPrefixRecovery    = "recover:"
)

// TaskRegistry owns background tasks keyed by entity identity.
// Scheduling a key that is already running cancels the previous task.
type TaskRegistry struct {
	mu     sync.Mutex
	tasks  map[string]*task
	nextID uint64
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *telemetry.Logger
}

type task struct {
	id     uint64
	cancel context.CancelFunc
	done   chan struct{}
}

// NewTaskRegistry creates an empty registry.
func NewTaskRegistry(logger *telemetry.Logger) *TaskRegistry {
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &TaskRegistry{
		tasks:  make(map[string]*task),
		ctx:    ctx,
		cancel: cancel,
		logger: logger.NewComponentLogger("tasks"),
	}
}

// Schedule starts fn in the background under key.
func (r *TaskRegistry) Schedule(key string, fn func(ctx context.Context)) error {
	return r.ScheduleAfter(key, 0, fn)
}

// ScheduleAfter starts fn under key once delay has elapsed. The delay is part
// of the task: canceling the key before it elapses means fn never runs.
func (r *TaskRegistry) ScheduleAfter(key string, delay time.Duration, fn func(ctx context.Context)) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return fmt.Errorf("task registry is shut down")
	}

	if prev, ok := r.tasks[key]; ok {
		prev.cancel()
	}

	r.nextID++
	ctx, cancel := context.WithCancel(r.ctx)
	t := &task{id: r.nextID, cancel: cancel, done: make(chan struct{})}
	r.tasks[key] = t
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		defer close(t.done)
		defer r.finish(key, t)
		defer cancel()
		defer func() {
			if rec := recover(); rec != nil {
				r.logger.WithField("task", key).Errorf("task panicked: %v", rec)
			}
		}()

		if delay > 0 {
			if err := sleepContext(ctx, delay); err != nil {
				return
			}
		}
		fn(ctx)
	}()

	return nil
}

func (r *TaskRegistry) finish(key string, t *task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.tasks[key]; ok && cur.id == t.id {
		delete(r.tasks, key)
	}
}

// Cancel cancels the task under key and reports whether one was running.
// It does not wait for the task to return.
func (r *TaskRegistry) Cancel(key string) bool {
	r.mu.Lock()
	t, ok := r.tasks[key]
	if ok {
		delete(r.tasks, key)
	}
	r.mu.Unlock()

	if ok {
		t.cancel()
	}
	return ok
}

// CancelAndWait cancels the task under key and waits until it returned or ctx is done.
func (r *TaskRegistry) CancelAndWait(ctx context.Context, key string) error {
	r.mu.Lock()
	t, ok := r.tasks[key]
	if ok {
		delete(r.tasks, key)
	}
	r.mu.Unlock()

	if !ok {
		return nil
	}

	t.cancel()
	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CancelPrefix cancels every task whose key starts with prefix.
func (r *TaskRegistry) CancelPrefix(prefix string) int {
	r.mu.Lock()
	var canceled []*task
	for key, t := range r.tasks {
		if strings.HasPrefix(key, prefix) {
			canceled = append(canceled, t)
			delete(r.tasks, key)
		}
	}
	r.mu.Unlock()

	for _, t := range canceled {
		t.cancel()
	}
	return len(canceled)
}

// Active reports whether a task is registered under key.
func (r *TaskRegistry) Active(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.tasks[key]
	return ok
}

// Keys returns the registered keys in sorted order.
func (r *TaskRegistry) Keys() []string {
	r.mu.Lock()
	keys := make([]string, 0, len(r.tasks))
	for key := range r.tasks {
		keys = append(keys, key)
	}
	r.mu.Unlock()

	sort.Strings(keys)
	return keys
}

// Shutdown cancels all tasks and waits for them to return.
func (r *TaskRegistry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	r.cancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("task registry shutdown: %w", ctx.Err())
	}
}
