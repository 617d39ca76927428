// Package telemetry provides logging, tracing, metrics and in-process events
// for the Hoist control plane.
//
// The package bundles four facilities behind one Telemetry value:
//
//  1. Structured logging with zerolog
//  2. Distributed tracing with OpenTelemetry (OTLP or stdout exporters)
//  3. Prometheus metrics on a private registry
//  4. An event publisher feeding the update stream and the GitHub reporter
//
// # Usage
//
// Build telemetry once at startup and hand it to every component:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceVersion = version
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
// Components built without telemetry use NewNop, which logs nothing, exports
// nothing and drops events. OrNop returns its argument or a no-op value.
//
// # Logging
//
// Loggers are scoped per component and carry entity identifiers:
//
//	logger := tel.Logger.NewComponentLogger("orchestrator")
//	logger.WithApplicationID(app.ID).WithDeploymentID(dep.ID).Info("Build started")
//	logger.WithError(err).Warn("Driver call failed, retrying")
//
// # Tracing
//
// Every deployment runs under a span started by StartDeploymentSpan; each
// driver call gets a child span through RecordDriverOperation, which also
// records the driver call metrics:
//
//	err := tel.RecordDriverOperation(ctx, "docker", "start_build", engine.ErrorCode,
//	    func(ctx context.Context) error {
//	        return driver.StartBuild(ctx, app, dep)
//	    })
//
// # Metrics
//
// Metric names are prefixed with the configured namespace (default "hoist"):
//
//   - deployments_requested_total{driver,trigger}
//   - deployments_finished_total{status}
//   - deployment_duration_seconds{status}
//   - active_deployments
//   - driver_calls_total, driver_call_duration_seconds, driver_errors_total
//   - driver_retries_total, driver_pool_queued
//   - dns_polls_total, dns_verification_timeouts_total, dns_active_pollers
//   - log_lines_total, log_viewers, log_viewers_dropped_total
//   - http_requests_total, http_request_duration_seconds
//
// The API server mounts Metrics.Handler at the configured path. When
// metrics.listen_address is set, NewMetricsServer returns a dedicated server.
//
// # Events
//
// Events are delivered asynchronously, in publish order, to subscribers
// registered with Subscribe. Subscribers must not block; slow consumers copy
// events into their own queues.
//
//	unsubscribe := tel.Events.Subscribe(func(e telemetry.Event) {
//	    fmt.Println(e.Type, e.Message)
//	}, telemetry.MatchAll(
//	    telemetry.FilterByApplicationID(appID),
//	    telemetry.FilterByType(telemetry.EventTypeDeploymentStatus),
//	))
//	defer unsubscribe()
//
// Requests refused by admission policies are published as policy.violation
// events carrying the operation and the denying policies.
package telemetry
