package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"github.com/hoistpaas/hoist/pkg/engine"
)

// ErrorBody is the content of the error envelope.
type ErrorBody struct {
	Code    string                 `json:"code" example:"NOT_FOUND"`
	Message string                 `json:"message" example:"application not found"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// apiError is returned as {"error": {...}}.
type apiError struct {
	status int
	Body   ErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

func newAPIError(status int, code, message string, details map[string]interface{}) huma.StatusError {
	if code == "" {
		code = codeForStatus(status)
	}
	return &apiError{
		status: status,
		Body:   ErrorBody{Code: code, Message: message, Details: details},
	}
}

// statusByCode maps engine error codes to HTTP statuses.
var statusByCode = map[string]int{
	engine.ErrCodeNotFound:                http.StatusNotFound,
	engine.ErrCodeDeploymentInProgress:    http.StatusConflict,
	engine.ErrCodeResourceConflict:        http.StatusConflict,
	engine.ErrCodeLeaseHeld:               http.StatusConflict,
	engine.ErrCodeCanceled:                http.StatusConflict,
	engine.ErrCodeValidation:              http.StatusUnprocessableEntity,
	engine.ErrCodeUnknownDriver:           http.StatusUnprocessableEntity,
	engine.ErrCodePolicyDenied:            http.StatusForbidden,
	engine.ErrCodeDriverUnavailable:       http.StatusServiceUnavailable,
	engine.ErrCodeDriverInit:              http.StatusServiceUnavailable,
	engine.ErrCodeTransientNetwork:        http.StatusBadGateway,
	engine.ErrCodeTimeout:                 http.StatusGatewayTimeout,
	engine.ErrCodeRateLimited:             http.StatusTooManyRequests,
	engine.ErrCodeBuildFailed:             http.StatusConflict,
	engine.ErrCodeReleaseFailed:           http.StatusConflict,
	engine.ErrCodeDNSVerificationTimedOut: http.StatusConflict,
}

// handleError converts an engine error into the API envelope. Unclassified
// errors become 500 without leaking their text.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}

	var ee *engine.EngineError
	if !errors.As(err, &ee) {
		return newAPIError(http.StatusInternalServerError, engine.ErrCodeInternal, "internal error", nil)
	}

	status, ok := statusByCode[ee.Code]
	if !ok {
		if engine.IsRetryable(ee) {
			status = http.StatusServiceUnavailable
		} else {
			status = http.StatusInternalServerError
		}
	}
	code := ee.Code
	if code == "" {
		code = codeForStatus(status)
	}

	details := make(map[string]interface{}, len(ee.Details)+2)
	for k, v := range ee.Details {
		details[k] = v
	}
	if ee.Resource != "" {
		details["resource"] = ee.Resource
	}
	if ee.Operation != "" {
		details["operation"] = ee.Operation
	}
	if len(details) == 0 {
		details = nil
	}

	msg := ee.Message
	if ee.Err != nil {
		msg = msg + ": " + ee.Err.Error()
	}
	return newAPIError(status, code, msg, details)
}

func codeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return engine.ErrCodeValidation
	case http.StatusNotFound:
		return engine.ErrCodeNotFound
	case http.StatusConflict:
		return engine.ErrCodeResourceConflict
	case http.StatusForbidden:
		return "FORBIDDEN"
	case http.StatusUnauthorized:
		return "UNAUTHORIZED"
	case http.StatusTooManyRequests:
		return engine.ErrCodeRateLimited
	case http.StatusServiceUnavailable:
		return engine.ErrCodeDriverUnavailable
	case http.StatusGatewayTimeout:
		return engine.ErrCodeTimeout
	case http.StatusInternalServerError:
		return engine.ErrCodeInternal
	default:
		return strings.ToUpper(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

// installErrorEnvelope makes huma report its own errors (request validation,
// unknown routes) in the same envelope.
func installErrorEnvelope() {
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		var details map[string]interface{}
		if len(errs) > 0 {
			list := make([]string, 0, len(errs))
			for _, e := range errs {
				if e != nil {
					list = append(list, e.Error())
				}
			}
			details = map[string]interface{}{"errors": list}
		}
		return newAPIError(status, "", msg, details)
	}
}
