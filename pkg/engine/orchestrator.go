package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/hoistpaas/hoist/pkg/telemetry"
)

const interruptedByRestart = "interrupted by control-plane restart"

// Orchestrator drives deployments through
// queued -> building -> releasing -> running, or into one of the failure states.
// At most one deployment per application is non-terminal, enforced by a
// persisted application lease and by the store.
type Orchestrator struct {
	*services
	stopTimeout time.Duration
	logger      *telemetry.Logger
}

func newOrchestrator(svc *services, stopTimeout time.Duration) *Orchestrator {
	if stopTimeout <= 0 {
		stopTimeout = 10 * time.Second
	}
	return &Orchestrator{
		services:    svc,
		stopTimeout: stopTimeout,
		logger:      svc.tel.Logger.NewComponentLogger("orchestrator"),
	}
}

// RequestDeployment queues a deployment of app and starts its pipeline in the
// background. It fails with DeploymentInProgress, creating nothing, when the
// application already has a non-terminal deployment.
func (o *Orchestrator) RequestDeployment(ctx context.Context, applicationID string, req DeploymentRequest) (*Deployment, error) {
	if req.SourceRef == "" {
		return nil, NewValidationError("source_ref is required")
	}
	if req.Trigger == "" {
		req.Trigger = "api"
	}

	app, err := o.store.GetApplication(ctx, applicationID)
	if err != nil {
		return nil, err
	}
	if app.Status != ApplicationStatusActive {
		return nil, NewValidationError(fmt.Sprintf("application %s is %s", app.Name, app.Status)).WithResource(app.ID)
	}

	driver, err := o.drivers.Resolve(app.DriverID)
	if err != nil {
		return nil, err
	}

	if o.admission != nil {
		if err := o.admission.AdmitDeployment(ctx, app, req); err != nil {
			o.tel.Metrics.RecordDeploymentRejected("policy")
			o.publishDenial(app.ID, app.ID, "deployment", err)
			return nil, err
		}
	}

	if active, err := o.store.ActiveDeployment(ctx, app.ID); err == nil {
		o.tel.Metrics.RecordDeploymentRejected("in_progress")
		return nil, NewDeploymentInProgressError(app.ID, active.ID)
	} else if !IsNotFound(err) {
		return nil, err
	}

	lease, err := o.leases.Acquire(ctx, ApplicationLeaseKey(app.ID))
	if err != nil {
		if errors.Is(err, ErrLeaseHeld) {
			o.tel.Metrics.RecordDeploymentRejected("in_progress")
			return nil, NewDeploymentInProgressError(app.ID, "")
		}
		return nil, err
	}

	now := o.now()
	dep := &Deployment{
		ID:            uuid.New().String(),
		ApplicationID: app.ID,
		SourceRef:     req.SourceRef,
		Trigger:       req.Trigger,
		Status:        DeploymentStatusQueued,
		QueuedAt:      now,
		UpdatedAt:     now,
	}
	if err := o.store.CreateDeployment(ctx, dep); err != nil {
		releaseCtx, cancel := detached(ctx)
		_ = lease.Release(releaseCtx)
		cancel()
		if errors.Is(err, ErrDeploymentInProgress) {
			o.tel.Metrics.RecordDeploymentRejected("in_progress")
		}
		return nil, err
	}

	meta := driver.Metadata()
	o.tel.Metrics.RecordDeploymentRequested(meta.Name, req.Trigger)
	_ = o.tel.Events.Publish(telemetry.Event{
		Type:          telemetry.EventTypeDeploymentQueued,
		Source:        "orchestrator",
		ApplicationID: app.ID,
		DeploymentID:  dep.ID,
		Message:       fmt.Sprintf("Deployment of %s queued", dep.SourceRef),
		Level:         telemetry.EventLevelInfo,
		Data:          map[string]interface{}{"source_ref": dep.SourceRef, "trigger": dep.Trigger},
	})
	o.logger.WithApplicationID(app.ID).WithDeploymentID(dep.ID).WithField("source_ref", dep.SourceRef).Info("deployment queued")

	o.logs.Open(dep.ID)

	snapshot := *dep
	if err := o.tasks.Schedule(taskPrefixDeployment+dep.ID, func(ctx context.Context) {
		o.run(ctx, app, driver, &snapshot, lease)
	}); err != nil {
		o.finalize(ctx, &snapshot, lease, DeploymentStatusCanceled, err.Error())
		return nil, err
	}

	return dep, nil
}

// run is the deployment pipeline. It owns the application lease until it returns.
func (o *Orchestrator) run(ctx context.Context, app *Application, driver Driver, dep *Deployment, lease *LeaseHandle) {
	o.tel.Metrics.AddActiveDeployments(1)
	defer o.tel.Metrics.AddActiveDeployments(-1)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-lease.Lost():
			o.logger.WithDeploymentID(dep.ID).Warn("application lease lost, stopping pipeline")
			cancel()
		case <-ctx.Done():
		}
	}()

	defer o.releaseLease(ctx, lease)

	ctx, span := o.tel.Tracer.StartDeploymentSpan(ctx, app.ID, dep.ID)
	defer span.End()

	driverName := driver.Metadata().Name
	logger := o.logger.WithApplicationID(app.ID).WithDeploymentID(dep.ID).WithDriver(driverName)

	dep, err := o.transition(ctx, dep, DeploymentStatusBuilding, "", "build started")
	if err != nil {
		logger.WithError(err).Debug("pipeline stopped before building")
		return
	}

	attempts, err := o.call(ctx, driverName, "ignite_builder", func(ctx context.Context) error {
		return driver.IgniteBuilder(ctx, app, dep)
	})
	o.recordProgress(ctx, dep, attempts)
	if err != nil {
		if ctx.Err() == nil {
			o.fail(ctx, dep, lease, DeploymentStatusBuildFailed, NewBuildFailedError("builder could not be started", err))
		}
		telemetry.RecordError(span, err)
		return
	}

	result, err := o.followPhase(ctx, app, driver, dep, LogScopeBuilder)
	if err != nil {
		if ctx.Err() == nil {
			o.fail(ctx, dep, lease, DeploymentStatusBuildFailed, NewBuildFailedError("build log stream lost", err))
		}
		telemetry.RecordError(span, err)
		return
	}
	if !result.Succeeded {
		detail := result.Detail
		if detail == "" {
			detail = "build failed"
		}
		o.fail(ctx, dep, lease, DeploymentStatusBuildFailed, NewBuildFailedError(detail, nil))
		return
	}

	dep, err = o.transition(ctx, dep, DeploymentStatusReleasing, "", "build succeeded")
	if err != nil {
		return
	}

	attempts, err = o.call(ctx, driverName, "ignite_application", func(ctx context.Context) error {
		return driver.IgniteApplication(ctx, app, dep)
	})
	o.recordProgress(ctx, dep, attempts)
	if err != nil {
		if ctx.Err() == nil {
			o.fail(ctx, dep, lease, DeploymentStatusFailed, NewReleaseFailedError("application could not be started", err))
		}
		telemetry.RecordError(span, err)
		return
	}

	o.releaseLease(ctx, lease)
	dep, err = o.transition(ctx, dep, DeploymentStatusRunning, "", "application started")
	if err != nil {
		return
	}
	telemetry.RecordSuccess(span)
	logger.Info("deployment running")

	o.promote(ctx, app.ID, dep.ID)
	o.followApplication(app, driver, dep)
}

// promote makes dep the application's current deployment. An application
// being deleted keeps its current deployment.
func (o *Orchestrator) promote(ctx context.Context, applicationID, deploymentID string) {
	ctx, cancel := detached(ctx)
	defer cancel()

	previous, err := o.store.SetCurrentDeployment(ctx, applicationID, deploymentID, o.now())
	if err != nil {
		o.logger.WithApplicationID(applicationID).WithError(err).Warn("failed to record current deployment")
		return
	}
	if previous != "" && previous != deploymentID {
		o.logs.Close(previous, "superseded")
	}
}

// followApplication streams the application phase of a running deployment in
// its own task, so the pipeline can return and release the lease. Scheduling
// it replaces the stream of the previous deployment.
func (o *Orchestrator) followApplication(app *Application, driver Driver, dep *Deployment) {
	err := o.tasks.Schedule(taskPrefixAppLogs+app.ID, func(ctx context.Context) {
		_, err := o.followPhase(ctx, app, driver, dep, LogScopeApplication)
		switch {
		case ctx.Err() != nil:
			o.logs.Close(dep.ID, "superseded")
		case err != nil:
			o.logs.Close(dep.ID, "application log stream lost")
		default:
			o.logs.Close(dep.ID, "application exited")
		}
	})
	if err != nil {
		o.logs.Close(dep.ID, "shutdown")
	}
}

// followPhase pumps the log stream of one phase into the hub and returns the
// phase result. An interrupted stream is reopened under the retry policy;
// drivers with replay resume after the lines already forwarded.
func (o *Orchestrator) followPhase(ctx context.Context, app *Application, driver Driver, dep *Deployment, scope LogScope) (PhaseResult, error) {
	meta := driver.Metadata()
	replay := meta.Capabilities.LogReplay

	open := func(ctx context.Context, fromStart bool) (LogStream, error) {
		var stream LogStream
		err := o.pool.Do(ctx, meta.Name, "stream_logs", func(ctx context.Context) error {
			s, err := driver.StreamLogs(ctx, app, dep, LogRequest{Scope: scope, FromStart: fromStart})
			if err != nil {
				return err
			}
			stream = s
			return nil
		})
		return stream, err
	}

	var opener StreamOpener
	if replay {
		opener = open
	}
	o.logs.BeginPhase(dep.ID, scope, opener)

	policy := o.retry.normalized()
	forwarded := 0
	var lastErr error

	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if attempt > 1 {
			o.tel.Metrics.RecordRetry("stream_logs")
			if err := sleepContext(ctx, policy.Backoff(attempt-1)); err != nil {
				return PhaseResult{}, err
			}
		}

		stream, err := open(ctx, replay)
		if err != nil {
			if ctx.Err() != nil {
				return PhaseResult{}, ctx.Err()
			}
			lastErr = err
			if !IsRetryable(err) {
				return PhaseResult{}, err
			}
			continue
		}

		skip := 0
		if replay {
			skip = forwarded
		}
		out, err := o.logs.Pump(ctx, dep.ID, scope, stream, skip)
		_ = stream.Close()
		forwarded += out.Lines
		o.saveCursor(ctx, dep.ID)

		if err == nil {
			return out.Result, nil
		}
		if ctx.Err() != nil {
			return PhaseResult{}, ctx.Err()
		}
		lastErr = NewTransientNetworkError(fmt.Sprintf("%s log stream interrupted", scope), err)
		o.logger.WithDeploymentID(dep.ID).WithError(err).WithField("attempt", attempt).Warn("log stream interrupted, reopening")
	}

	return PhaseResult{}, lastErr
}

// CancelDeployment cancels a non-terminal deployment. The in-flight phase is
// asked to stop on a best-effort basis; the cancellation itself never waits
// for the driver.
func (o *Orchestrator) CancelDeployment(ctx context.Context, id, reason string) (*Deployment, error) {
	if reason == "" {
		reason = "canceled by request"
	}

	dep, err := o.store.GetDeployment(ctx, id)
	if err != nil {
		return nil, err
	}

	if dep.Status.IsTerminal() {
		return nil, NewValidationError(fmt.Sprintf("deployment is already %s", dep.Status)).WithResource(id)
	}

	// The lease goes first: the store still refuses a second active deployment
	// until the status below is recorded.
	if err := o.leases.Revoke(ctx, ApplicationLeaseKey(dep.ApplicationID)); err != nil {
		o.logger.WithApplicationID(dep.ApplicationID).WithError(err).Warn("failed to revoke application lease")
	}

	var from DeploymentStatus
	for i := 0; ; i++ {
		if dep.Status.IsTerminal() {
			return nil, NewValidationError(fmt.Sprintf("deployment is already %s", dep.Status)).WithResource(id)
		}
		from = dep.Status
		updated, err := o.store.TransitionDeployment(ctx, DeploymentTransition{
			ID:      id,
			From:    from,
			To:      DeploymentStatusCanceled,
			At:      o.now(),
			Error:   reason,
			Message: reason,
		})
		if err == nil {
			dep = updated
			break
		}
		if !IsConflict(err) || i >= 3 {
			return nil, err
		}
		if dep, err = o.store.GetDeployment(ctx, id); err != nil {
			return nil, err
		}
	}

	o.tasks.Cancel(taskPrefixDeployment + id)
	o.tasks.Cancel(taskPrefixRecovery + id)

	o.stopPhase(ctx, dep, from)
	o.afterTerminal(dep)
	_ = o.tel.Events.PublishDeploymentStatus(dep.ApplicationID, dep.ID, string(from), string(dep.Status), reason)
	o.logger.WithApplicationID(dep.ApplicationID).WithDeploymentID(id).WithField("reason", reason).Info("deployment canceled")
	o.logs.Close(id, "canceled: "+reason)

	return dep, nil
}

// stopPhase asks the driver to stop the phase that was running when the
// deployment was canceled.
func (o *Orchestrator) stopPhase(ctx context.Context, dep *Deployment, from DeploymentStatus) {
	if from == DeploymentStatusQueued {
		return
	}
	app, err := o.store.GetApplication(ctx, dep.ApplicationID)
	if err != nil {
		return
	}
	driver, err := o.drivers.Resolve(app.DriverID)
	if err != nil {
		return
	}
	stopper, ok := driver.(PhaseStopper)
	if !ok {
		return
	}

	scope := LogScopeBuilder
	if from == DeploymentStatusReleasing {
		scope = LogScopeApplication
	}

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.stopTimeout)
	defer cancel()
	err = o.pool.Do(stopCtx, driver.Metadata().Name, "stop_phase", func(ctx context.Context) error {
		return stopper.StopPhase(ctx, app, dep, scope)
	})
	if err != nil {
		o.logger.WithDeploymentID(dep.ID).WithError(err).Warn("driver did not stop the phase")
	}
}

// CancelForApplication cancels the application's non-terminal deployment, if
// any, and waits for its pipeline to return.
func (o *Orchestrator) CancelForApplication(ctx context.Context, applicationID, reason string) error {
	active, err := o.store.ActiveDeployment(ctx, applicationID)
	if err != nil {
		if IsNotFound(err) {
			return nil
		}
		return err
	}

	// Stop the pipeline first so no driver call of it can follow the cancellation.
	waitCtx, cancel := context.WithTimeout(ctx, o.stopTimeout)
	err = o.tasks.CancelAndWait(waitCtx, taskPrefixDeployment+active.ID)
	cancel()
	if err != nil {
		o.logger.WithDeploymentID(active.ID).WithError(err).Warn("pipeline did not stop in time")
	}

	if _, err := o.CancelDeployment(ctx, active.ID, reason); err != nil && !errors.Is(err, ErrValidation) {
		return err
	}
	return nil
}

// StopApplicationLogs ends the application log stream of an application.
func (o *Orchestrator) StopApplicationLogs(applicationID string) {
	o.tasks.Cancel(taskPrefixAppLogs + applicationID)
}

// GetDeployment returns a deployment.
func (o *Orchestrator) GetDeployment(ctx context.Context, id string) (*Deployment, error) {
	return o.store.GetDeployment(ctx, id)
}

// ListDeployments lists deployments, newest first.
func (o *Orchestrator) ListDeployments(ctx context.Context, filter DeploymentFilter) ([]*Deployment, error) {
	return o.store.ListDeployments(ctx, filter)
}

// History returns the transition history of a deployment.
func (o *Orchestrator) History(ctx context.Context, id string) ([]*DeploymentEvent, error) {
	if _, err := o.store.GetDeployment(ctx, id); err != nil {
		return nil, err
	}
	return o.store.ListDeploymentEvents(ctx, id)
}

// Recover handles deployments left non-terminal by a previous process. A
// deployment whose lease expired is finalized; one whose lease is still live
// is checked again once it expires.
func (o *Orchestrator) Recover(ctx context.Context) error {
	deps, err := o.store.ListDeployments(ctx, DeploymentFilter{Statuses: ActiveDeploymentStatuses()})
	if err != nil {
		return fmt.Errorf("list active deployments: %w", err)
	}

	var errs []error
	for _, dep := range deps {
		if o.tasks.Active(taskPrefixDeployment + dep.ID) {
			continue
		}
		if err := o.recoverDeployment(ctx, dep.ID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (o *Orchestrator) recoverDeployment(ctx context.Context, id string) error {
	dep, err := o.store.GetDeployment(ctx, id)
	if err != nil {
		if IsNotFound(err) {
			return nil
		}
		return err
	}
	if dep.Status.IsTerminal() {
		return nil
	}

	key := ApplicationLeaseKey(dep.ApplicationID)
	lease, err := o.leases.Get(ctx, key)
	if err != nil && !IsNotFound(err) {
		return err
	}

	now := o.now()
	if lease != nil && !lease.Expired(now) {
		wait := lease.ExpiresAt.Sub(now) + time.Second
		o.logger.WithDeploymentID(dep.ID).WithField("wait", wait.String()).Info("deployment lease still live, rechecking after expiry")
		return o.tasks.ScheduleAfter(taskPrefixRecovery+dep.ID, wait, func(ctx context.Context) {
			if err := o.recoverDeployment(ctx, id); err != nil {
				o.logger.WithDeploymentID(id).WithError(err).Warn("deployment recovery failed")
			}
		})
	}

	to := DeploymentStatusCanceled
	switch dep.Status {
	case DeploymentStatusBuilding:
		to = DeploymentStatusBuildFailed
	case DeploymentStatusReleasing:
		to = DeploymentStatusFailed
	}

	o.logger.WithDeploymentID(dep.ID).WithField("status", string(dep.Status)).Warn("finalizing deployment interrupted by restart")
	if err := o.leases.Revoke(ctx, key); err != nil {
		return err
	}
	o.finalize(ctx, dep, nil, to, interruptedByRestart)
	return nil
}

// transition moves dep to the next status and publishes the change.
func (o *Orchestrator) transition(ctx context.Context, dep *Deployment, to DeploymentStatus, errMsg, message string) (*Deployment, error) {
	storeCtx, cancel := detached(ctx)
	defer cancel()

	from := dep.Status
	updated, err := o.store.TransitionDeployment(storeCtx, DeploymentTransition{
		ID:      dep.ID,
		From:    from,
		To:      to,
		At:      o.now(),
		Error:   errMsg,
		Message: message,
	})
	if err != nil {
		return nil, err
	}

	telemetry.AddPhaseEvent(telemetry.SpanFromContext(ctx), string(from), string(to), message)
	_ = o.tel.Events.PublishDeploymentStatus(dep.ApplicationID, dep.ID, string(from), string(to), errMsg)
	if to.IsTerminal() {
		o.afterTerminal(updated)
	}
	return updated, nil
}

// fail moves dep to a failure status, recording err.
func (o *Orchestrator) fail(ctx context.Context, dep *Deployment, lease *LeaseHandle, to DeploymentStatus, err error) {
	o.logger.WithDeploymentID(dep.ID).WithError(err).Warnf("deployment %s", to)
	o.finalize(ctx, dep, lease, to, err.Error())
}

// finalize moves dep to a terminal status and closes its log stream. The
// lease, when given, is released before the status is recorded so that a
// request observing the terminal status can take the lease.
func (o *Orchestrator) finalize(ctx context.Context, dep *Deployment, lease *LeaseHandle, to DeploymentStatus, reason string) {
	if lease != nil {
		o.releaseLease(ctx, lease)
	}
	if _, err := o.transition(ctx, dep, to, reason, reason); err != nil {
		o.logger.WithDeploymentID(dep.ID).WithError(err).Warn("failed to record terminal status")
		return
	}
	o.logs.Close(dep.ID, string(to))
}

func (o *Orchestrator) releaseLease(ctx context.Context, lease *LeaseHandle) {
	releaseCtx, cancel := detached(ctx)
	defer cancel()
	if err := lease.Release(releaseCtx); err != nil {
		o.logger.WithField("lease", lease.Key()).WithError(err).Warn("failed to release application lease")
	}
}

func (o *Orchestrator) afterTerminal(dep *Deployment) {
	o.tel.Metrics.RecordDeploymentFinished(string(dep.Status), o.now().Sub(dep.QueuedAt))
}

func (o *Orchestrator) recordProgress(ctx context.Context, dep *Deployment, attempts int) {
	storeCtx, cancel := detached(ctx)
	defer cancel()
	if err := o.store.UpdateDeploymentProgress(storeCtx, dep.ID, o.logs.Cursor(dep.ID), attempts); err != nil {
		o.logger.WithDeploymentID(dep.ID).WithError(err).Debug("failed to record progress")
	}
}

func (o *Orchestrator) saveCursor(ctx context.Context, id string) {
	storeCtx, cancel := detached(ctx)
	defer cancel()
	dep, err := o.store.GetDeployment(storeCtx, id)
	if err != nil {
		return
	}
	_ = o.store.UpdateDeploymentProgress(storeCtx, id, o.logs.Cursor(id), dep.Attempts)
}

func isEOF(err error) bool {
	return errors.Is(err, io.EOF)
}
