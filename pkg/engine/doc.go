// Package engine implements the Hoist control plane: applications,
// deployments, custom-domain certificates and managed databases, all driven
// through pluggable drivers.
//
// # Overview
//
// An Engine is assembled from a Store, a DriverResolver, a LogHub and optional
// Admission and telemetry:
//
//	eng, err := engine.New(engine.Dependencies{
//	    Store:     store,
//	    Drivers:   registry,
//	    Logs:      hub,
//	    Telemetry: tel,
//	}, engine.DefaultConfig())
//
// It exposes four services:
//
//   - Applications (ApplicationService) creates and deletes applications and
//     their driver-side resources
//   - Deployments (Orchestrator) runs the build and release pipeline
//   - Certificates (CertificateManager) verifies DNS and polls for a bounded time
//   - Databases (DatabaseProvisioner) provisions databases through drivers
//
// # Deployments
//
// A deployment moves through
//
//	queued -> building -> releasing -> running
//
// and ends in build_failed, failed or canceled when a phase fails or the
// deployment is canceled. Every move is a compare-and-set in the store, so a
// transition computed from a stale status is rejected rather than applied.
// At most one deployment per application is in flight; the application lease
// enforces it across processes sharing a store.
//
// Driver calls go through a DriverPool with per-call timeouts. Transient and
// throttled errors are retried with exponential backoff (RetryPolicy);
// permanent errors fail the phase immediately.
//
// # Recovery
//
// Recover finalizes work left behind by a previous process. A deployment
// still queued, building or releasing is ended (canceled, build_failed or
// failed) once its application lease has expired; a live lease defers the
// check until expiry. Certificates still pending resume polling within their
// horizon.
//
// # Errors
//
// All failures are *EngineError values carrying a Class and a Code. Use
// errors.Is with the sentinel values (ErrNotFound, ErrDeploymentInProgress,
// ...) or the IsNotFound, IsConflict and IsRetryable helpers.
package engine
