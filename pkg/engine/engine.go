package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hoistpaas/hoist/pkg/telemetry"
)

// Config configures the engine services.
type Config struct {
	// Retry governs every driver call made on behalf of a request or pipeline.
	Retry RetryPolicy `mapstructure:"retry" yaml:"retry"`

	// Certificates configures DNS polling.
	Certificates CertificateConfig `mapstructure:"certificates" yaml:"certificates"`

	// Pool bounds concurrent driver calls.
	Pool PoolConfig `mapstructure:"pool" yaml:"pool"`

	// LeaseTTL is the lifetime of an application lease between renewals.
	LeaseTTL time.Duration `mapstructure:"lease_ttl" yaml:"lease_ttl"`

	// StopPhaseTimeout bounds the best-effort stop request sent on cancellation.
	StopPhaseTimeout time.Duration `mapstructure:"stop_phase_timeout" yaml:"stop_phase_timeout"`
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		Retry:            DefaultRetryPolicy(),
		Certificates:     DefaultCertificateConfig(),
		Pool:             DefaultPoolConfig(),
		LeaseTTL:         10 * time.Minute,
		StopPhaseTimeout: 10 * time.Second,
	}
}

// Dependencies are the collaborators the engine is built from.
type Dependencies struct {
	Store   Store
	Drivers DriverResolver

	// Logs receives deployment log streams. Optional.
	Logs LogHub

	// Admission is consulted before any state changes. Optional.
	Admission Admission

	Telemetry *telemetry.Telemetry
}

// Engine wires the control-plane services around one store and driver registry.
type Engine struct {
	Applications *ApplicationService
	Deployments  *Orchestrator
	Certificates *CertificateManager
	Databases    *DatabaseProvisioner

	store  Store
	pool   *DriverPool
	tasks  *TaskRegistry
	leases *LeaseManager
	tel    *telemetry.Telemetry
}

// services is the state shared by every engine service.
type services struct {
	store     Store
	drivers   DriverResolver
	pool      *DriverPool
	tasks     *TaskRegistry
	leases    *LeaseManager
	logs      LogHub
	admission Admission
	retry     RetryPolicy
	tel       *telemetry.Telemetry
	now       func() time.Time
}

// New builds the engine.
func New(deps Dependencies, cfg Config) (*Engine, error) {
	if deps.Store == nil {
		return nil, errors.New("engine: store is required")
	}
	if deps.Drivers == nil {
		return nil, errors.New("engine: driver resolver is required")
	}

	tel := telemetry.OrNop(deps.Telemetry)
	logs := deps.Logs
	if logs == nil {
		logs = discardLogs{}
	}

	svc := &services{
		store:     deps.Store,
		drivers:   deps.Drivers,
		pool:      NewDriverPool(cfg.Pool, tel),
		tasks:     NewTaskRegistry(tel.Logger),
		leases:    NewLeaseManager(deps.Store, cfg.LeaseTTL, tel),
		logs:      logs,
		admission: deps.Admission,
		retry:     cfg.Retry,
		tel:       tel,
		now:       time.Now,
	}
	if svc.retry.MaxAttempts == 0 {
		svc.retry = DefaultRetryPolicy()
	}

	e := &Engine{
		store:  deps.Store,
		pool:   svc.pool,
		tasks:  svc.tasks,
		leases: svc.leases,
		tel:    tel,
	}
	e.Deployments = newOrchestrator(svc, cfg.StopPhaseTimeout)
	e.Certificates = newCertificateManager(svc, cfg.Certificates)
	e.Databases = newDatabaseProvisioner(svc)
	e.Applications = newApplicationService(svc, e.Deployments, e.Certificates)

	return e, nil
}

// publishDenial reports a request refused by admission policy as a policy
// violation event. Other admission errors are not reported.
func (s *services) publishDenial(applicationID, resource, operation string, err error) {
	var engErr *EngineError
	if !errors.As(err, &engErr) || !errors.Is(err, ErrPolicyDenied) {
		return
	}
	policies, _ := engErr.Details["policies"].([]string)
	_ = s.tel.Events.PublishPolicyViolation(applicationID, resource, operation, policies, engErr.Message)
}

// Recover resumes work left by a previous process: interrupted deployments are
// finalized or watched until their lease expires, and DNS polling restarts for
// pending certificates.
func (e *Engine) Recover(ctx context.Context) error {
	return errors.Join(
		e.Deployments.Recover(ctx),
		e.Certificates.Recover(ctx),
	)
}

// Tasks exposes the background task registry.
func (e *Engine) Tasks() *TaskRegistry {
	return e.tasks
}

// Leases exposes the lease manager.
func (e *Engine) Leases() *LeaseManager {
	return e.leases
}

// Store returns the engine's store.
func (e *Engine) Store() Store {
	return e.store
}

// Shutdown stops background tasks and the driver pool. Leases held by
// in-flight pipelines are released as their tasks return.
func (e *Engine) Shutdown(ctx context.Context) error {
	err := e.tasks.Shutdown(ctx)
	e.pool.Close()
	if err != nil {
		return fmt.Errorf("engine shutdown: %w", err)
	}
	return nil
}

// call runs one driver operation through the pool under the retry policy and
// returns the number of attempts made.
func (s *services) call(ctx context.Context, driver, operation string, fn func(ctx context.Context) error) (int, error) {
	attempts := 0
	logger := s.tel.Logger.WithDriver(driver).WithField("operation", operation)

	err := s.retry.Do(ctx, func(ctx context.Context, attempt int) error {
		attempts = attempt
		return s.pool.Do(ctx, driver, operation, fn)
	}, func(attempt int, err error, delay time.Duration) {
		s.tel.Metrics.RecordRetry(operation)
		logger.WithError(err).WithField("attempt", attempt).WithField("delay", delay.String()).Warn("driver call failed, retrying")
	})

	if err != nil {
		var engErr *EngineError
		if errors.As(err, &engErr) {
			s.tel.Metrics.RecordError(string(engErr.Class), engErr.Code)
		}
	}
	return attempts, err
}

// ensureRef returns the external reference for an entity, creating it with a
// fresh idempotency key on first use.
func (s *services) ensureRef(ctx context.Context, entityID string, kind ResourceKind) (*ExternalRef, error) {
	return s.store.EnsureExternalRef(ctx, &ExternalRef{
		EntityID:       entityID,
		Kind:           kind,
		IdempotencyKey: newIdempotencyKey(),
	})
}

// detached returns a context for bookkeeping writes that must happen even when
// the triggering context was canceled.
func detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
}

// discardLogs is the LogHub used when no multiplexer is configured.
type discardLogs struct{}

func (discardLogs) Open(string)                               {}
func (discardLogs) BeginPhase(string, LogScope, StreamOpener) {}
func (discardLogs) Close(string, string)                      {}
func (discardLogs) Cursor(string) int64                       { return 0 }

func (discardLogs) Pump(ctx context.Context, _ string, _ LogScope, stream LogStream, _ int) (PumpResult, error) {
	var out PumpResult
	for {
		_, err := stream.Next(ctx)
		if err != nil {
			if isEOF(err) {
				out.Result = stream.Result()
				return out, nil
			}
			return out, err
		}
		out.Lines++
	}
}
