package client

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/hoistpaas/hoist/pkg/engine"
)

// maxErrorBody bounds how much of an error response is read.
const maxErrorBody = 64 << 10

// StatusError carries the HTTP status of a failed request. It is the cause
// of the engine error returned to the caller.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http status %d", e.StatusCode)
}

// classByCode recovers the class of a server-side engine error.
var classByCode = map[string]engine.ErrorClass{}

func init() {
	for _, sentinel := range []*engine.EngineError{
		engine.ErrDriverInit,
		engine.ErrDriverUnavailable,
		engine.ErrTransientNetwork,
		engine.ErrTimeout,
		engine.ErrResourceConflict,
		engine.ErrNotFound,
		engine.ErrDeploymentInProgress,
		engine.ErrBuildFailed,
		engine.ErrReleaseFailed,
		engine.ErrDNSVerificationTimedOut,
		engine.ErrUnknownDriver,
		engine.ErrValidation,
		engine.ErrPolicyDenied,
		engine.ErrLeaseHeld,
		engine.ErrCanceled,
	} {
		classByCode[sentinel.Code] = sentinel.Class
	}
	classByCode[engine.ErrCodeRateLimited] = engine.ErrorClassThrottled
}

type envelope struct {
	Error struct {
		Code    string                 `json:"code"`
		Message string                 `json:"message"`
		Details map[string]interface{} `json:"details,omitempty"`
	} `json:"error"`
}

// decodeError turns an error response into an engine error.
func decodeError(res *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(res.Body, maxErrorBody))
	cause := &StatusError{StatusCode: res.StatusCode, Body: string(raw)}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Error.Code == "" {
		msg := http.StatusText(res.StatusCode)
		if msg == "" {
			msg = "unexpected response"
		}
		return &engine.EngineError{
			Class:   classForStatus(res.StatusCode),
			Code:    codeForStatus(res.StatusCode),
			Message: msg,
			Err:     cause,
		}
	}
	return engineError(env.Error.Code, env.Error.Message, env.Error.Details, res.StatusCode, cause)
}

func engineError(code, message string, details map[string]interface{}, status int, cause error) *engine.EngineError {
	class, ok := classByCode[code]
	if !ok {
		class = classForStatus(status)
	}
	return &engine.EngineError{
		Class:   class,
		Code:    code,
		Message: message,
		Details: details,
		Err:     cause,
	}
}

func classForStatus(status int) engine.ErrorClass {
	switch {
	case status == http.StatusTooManyRequests:
		return engine.ErrorClassThrottled
	case status == http.StatusConflict:
		return engine.ErrorClassConflict
	case status >= 500:
		return engine.ErrorClassTransient
	default:
		return engine.ErrorClassPermanent
	}
}

func codeForStatus(status int) string {
	switch status {
	case http.StatusNotFound:
		return engine.ErrCodeNotFound
	case http.StatusTooManyRequests:
		return engine.ErrCodeRateLimited
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return engine.ErrCodeValidation
	case http.StatusConflict:
		return engine.ErrCodeResourceConflict
	case http.StatusBadGateway, http.StatusServiceUnavailable:
		return engine.ErrCodeDriverUnavailable
	case http.StatusGatewayTimeout:
		return engine.ErrCodeTimeout
	default:
		return engine.ErrCodeInternal
	}
}
