// Package engine is the control-plane core of Hoist: the driver contract, the
// deployment pipeline, the certificate DNS state machine and the supporting
// concurrency primitives (driver pool, task registry, application leases).
package engine

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrorClass represents the classification of an error for retry and recovery logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on retry.
	// Examples: network timeouts, a driver back-end that is briefly unreachable.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassThrottled indicates rate limiting or quota exhaustion.
	ErrorClassThrottled ErrorClass = "throttled"

	// ErrorClassConflict indicates a state conflict such as a duplicate create
	// or a second deployment for an application that already has one running.
	// Conflicts are surfaced to the caller and never retried automatically.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent indicates a non-recoverable error.
	ErrorClassPermanent ErrorClass = "permanent"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code identifies the error kind for programmatic handling.
	Code string `json:"code,omitempty"`

	// Resource is the entity ID that caused the error, if applicable.
	Resource string `json:"resource,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Class, e.Message)
	switch {
	case e.Resource != "" && e.Operation != "":
		msg = fmt.Sprintf("%s (resource=%s, operation=%s)", msg, e.Resource, e.Operation)
	case e.Resource != "":
		msg = fmt.Sprintf("%s (resource=%s)", msg, e.Resource)
	case e.Operation != "":
		msg = fmt.Sprintf("%s (operation=%s)", msg, e.Operation)
	}
	if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
// Two engine errors match when both class and code are equal, so the
// package-level sentinels below can be used as errors.Is targets.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassTransient,
		Message: message,
		Err:     err,
	}
}

// NewThrottledError creates a new throttled error.
func NewThrottledError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassThrottled,
		Message: message,
		Err:     err,
	}
}

// NewConflictError creates a new conflict error.
func NewConflictError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassConflict,
		Message: message,
		Err:     err,
	}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassPermanent,
		Message: message,
		Err:     err,
	}
}

// WithResource adds resource context to an error.
func (e *EngineError) WithResource(resourceID string) *EngineError {
	e.Resource = resourceID
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// Error codes.
const (
	ErrCodeDriverInit              = "DRIVER_INIT"
	ErrCodeDriverUnavailable       = "DRIVER_UNAVAILABLE"
	ErrCodeTransientNetwork        = "TRANSIENT_NETWORK"
	ErrCodeTimeout                 = "TIMEOUT"
	ErrCodeResourceConflict        = "RESOURCE_CONFLICT"
	ErrCodeNotFound                = "NOT_FOUND"
	ErrCodeDeploymentInProgress    = "DEPLOYMENT_IN_PROGRESS"
	ErrCodeBuildFailed             = "BUILD_FAILED"
	ErrCodeReleaseFailed           = "RELEASE_FAILED"
	ErrCodeDNSVerificationTimedOut = "DNS_VERIFICATION_TIMED_OUT"
	ErrCodeUnknownDriver           = "UNKNOWN_DRIVER"
	ErrCodeValidation              = "VALIDATION_ERROR"
	ErrCodePolicyDenied            = "POLICY_DENIED"
	ErrCodeLeaseHeld               = "LEASE_HELD"
	ErrCodeCanceled                = "CANCELED"
	ErrCodeRateLimited             = "RATE_LIMITED"
	ErrCodeInternal                = "INTERNAL_ERROR"
)

// Sentinels for errors.Is. They carry no message and are never returned directly.
var (
	ErrDriverInit              = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeDriverInit}
	ErrDriverUnavailable       = &EngineError{Class: ErrorClassTransient, Code: ErrCodeDriverUnavailable}
	ErrTransientNetwork        = &EngineError{Class: ErrorClassTransient, Code: ErrCodeTransientNetwork}
	ErrTimeout                 = &EngineError{Class: ErrorClassTransient, Code: ErrCodeTimeout}
	ErrResourceConflict        = &EngineError{Class: ErrorClassConflict, Code: ErrCodeResourceConflict}
	ErrNotFound                = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeNotFound}
	ErrDeploymentInProgress    = &EngineError{Class: ErrorClassConflict, Code: ErrCodeDeploymentInProgress}
	ErrBuildFailed             = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeBuildFailed}
	ErrReleaseFailed           = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeReleaseFailed}
	ErrDNSVerificationTimedOut = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeDNSVerificationTimedOut}
	ErrUnknownDriver           = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeUnknownDriver}
	ErrValidation              = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeValidation}
	ErrPolicyDenied            = &EngineError{Class: ErrorClassPermanent, Code: ErrCodePolicyDenied}
	ErrLeaseHeld               = &EngineError{Class: ErrorClassConflict, Code: ErrCodeLeaseHeld}
	ErrCanceled                = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeCanceled}
)

// NewDriverInitError reports a driver that could not be initialized.
func NewDriverInitError(driver string, err error) *EngineError {
	return NewPermanentError("driver initialization failed", err).
		WithCode(ErrCodeDriverInit).
		WithResource(driver).
		WithOperation("initialize")
}

// NewDriverUnavailableError reports a driver back-end that cannot be reached.
func NewDriverUnavailableError(message string, err error) *EngineError {
	return NewTransientError(message, err).WithCode(ErrCodeDriverUnavailable)
}

// NewTransientNetworkError reports a network failure worth retrying.
func NewTransientNetworkError(message string, err error) *EngineError {
	return NewTransientError(message, err).WithCode(ErrCodeTransientNetwork)
}

// NewTimeoutError reports an operation that exceeded its deadline.
func NewTimeoutError(operation string, err error) *EngineError {
	return NewTransientError("operation timed out", err).
		WithCode(ErrCodeTimeout).
		WithOperation(operation)
}

// NewResourceConflictError reports a duplicate create without a matching external reference.
func NewResourceConflictError(message string, err error) *EngineError {
	return NewConflictError(message, err).WithCode(ErrCodeResourceConflict)
}

// NewNotFoundError reports a missing entity of the given kind.
func NewNotFoundError(kind, id string) *EngineError {
	return NewPermanentError(kind+" not found", nil).
		WithCode(ErrCodeNotFound).
		WithResource(id)
}

// NewDeploymentInProgressError rejects a deployment request while another is active.
func NewDeploymentInProgressError(applicationID, activeDeploymentID string) *EngineError {
	e := NewConflictError("a deployment is already in progress", nil).
		WithCode(ErrCodeDeploymentInProgress).
		WithResource(applicationID)
	if activeDeploymentID != "" {
		e = e.WithDetail("active_deployment_id", activeDeploymentID)
	}
	return e
}

// NewLeaseHeldError reports a lease owned by a live holder, or lost by the caller.
func NewLeaseHeldError(key, holder string) *EngineError {
	e := NewConflictError("lease held", nil).
		WithCode(ErrCodeLeaseHeld).
		WithResource(key)
	if holder != "" {
		e = e.WithDetail("holder", holder)
	}
	return e
}

// NewBuildFailedError reports a build phase that ended unsuccessfully.
func NewBuildFailedError(detail string, err error) *EngineError {
	return NewPermanentError("build failed: "+detail, err).WithCode(ErrCodeBuildFailed)
}

// NewReleaseFailedError reports a release phase that could not be started.
func NewReleaseFailedError(detail string, err error) *EngineError {
	return NewPermanentError("release failed: "+detail, err).WithCode(ErrCodeReleaseFailed)
}

// NewDNSVerificationTimedOutError reports a certificate whose DNS never verified.
func NewDNSVerificationTimedOutError(hostname string) *EngineError {
	return NewPermanentError("dns verification timed out", nil).
		WithCode(ErrCodeDNSVerificationTimedOut).
		WithResource(hostname)
}

// NewUnknownDriverError reports a driver identifier with no registered instance.
func NewUnknownDriverError(driverID string) *EngineError {
	return NewPermanentError("unknown driver", nil).
		WithCode(ErrCodeUnknownDriver).
		WithResource(driverID)
}

// NewValidationError reports invalid input.
func NewValidationError(message string) *EngineError {
	return NewPermanentError(message, nil).WithCode(ErrCodeValidation)
}

// NewPolicyDeniedError reports a request rejected by an admission policy.
func NewPolicyDeniedError(message string) *EngineError {
	return NewPermanentError(message, nil).WithCode(ErrCodePolicyDenied)
}

// NewCanceledError reports an operation canceled by a user or by entity deletion.
func NewCanceledError(reason string) *EngineError {
	return NewPermanentError("canceled: "+reason, nil).WithCode(ErrCodeCanceled)
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassTransient
	}
	return false
}

// IsThrottled returns true if the error is classified as throttled.
func IsThrottled(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassThrottled
	}
	return false
}

// IsConflict returns true if the error is classified as a conflict.
func IsConflict(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassConflict
	}
	return false
}

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassPermanent
	}
	return false
}

// IsRetryable returns true if the error can be retried.
// Only transient and throttled errors are retryable.
func IsRetryable(err error) bool {
	return IsTransient(err) || IsThrottled(err)
}

// IsNotFound reports whether err is a NotFound error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// ErrorCode returns the code of the first EngineError in the chain, or "".
func ErrorCode(err error) string {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// ClassifyDriverError maps an unclassified error returned by a driver call to an
// EngineError. Already classified errors are returned unchanged.
func ClassifyDriverError(operation string, err error) error {
	if err == nil {
		return nil
	}

	var e *EngineError
	if errors.As(err, &e) {
		return err
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return NewTimeoutError(operation, err)
	}
	if errors.Is(err, context.Canceled) {
		return NewCanceledError(operation).WithOperation(operation)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return NewTimeoutError(operation, err)
		}
		return NewTransientNetworkError("network error", err).WithOperation(operation)
	}

	return NewPermanentError("driver call failed", err).
		WithCode(ErrCodeInternal).
		WithOperation(operation)
}
