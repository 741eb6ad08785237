package types

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrorCode is the stable machine-readable kind of an engine error. API
// responses carry it verbatim.
type ErrorCode string

// Request error codes
const (
	ErrInvalidRequest ErrorCode = "INVALID_REQUEST"
	ErrNotFound       ErrorCode = "NOT_FOUND"
	ErrRateLimited    ErrorCode = "RATE_LIMITED"
	ErrInternalError  ErrorCode = "INTERNAL_ERROR"
)

// Workflow error codes
const (
	ErrValidation       ErrorCode = "VALIDATION_FAILED"
	ErrRunInProgress    ErrorCode = "RUN_IN_PROGRESS"
	ErrRunCanceled      ErrorCode = "RUN_CANCELED"
	ErrWorkflowNotFound ErrorCode = "WORKFLOW_NOT_FOUND"
	ErrNodeNotFound     ErrorCode = "NODE_NOT_FOUND"
	ErrNodeNotReady     ErrorCode = "NODE_NOT_READY"
	ErrVariableConflict ErrorCode = "VARIABLE_CONFLICT"
	ErrRunNotFound      ErrorCode = "RUN_NOT_FOUND"
)

// Generation error codes
const (
	ErrGenerationFailed ErrorCode = "GENERATION_FAILED"
	ErrUnauthorized     ErrorCode = "UNAUTHORIZED"
	ErrForbidden        ErrorCode = "FORBIDDEN"
	ErrQuotaExceeded    ErrorCode = "QUOTA_EXCEEDED"
	ErrModelOverloaded  ErrorCode = "MODEL_OVERLOADED"
	ErrUpstreamTimeout  ErrorCode = "UPSTREAM_TIMEOUT"
	ErrUpstreamError    ErrorCode = "UPSTREAM_ERROR"
	ErrCircuitOpen      ErrorCode = "CIRCUIT_OPEN"
)

// Error is the error type shared by the engine, the generation clients and the
// HTTP layer. Builders mutate and return the receiver.
type Error struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	HTTPStatus int       `json:"http_status,omitempty"`
	Retryable  bool      `json:"retryable"`
	Provider   string    `json:"provider,omitempty"`
	// RetryAfter is the minimum wait the upstream asked for.
	RetryAfter time.Duration `json:"retry_after,omitempty"`
	Cause      error         `json:"-"`
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithHTTPStatus records the upstream status, not the status the API answers with.
func (e *Error) WithHTTPStatus(status int) *Error {
	e.HTTPStatus = status
	return e
}

func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// WithRetryAfter records how long the upstream asked callers to wait.
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	e.RetryAfter = d
	return e
}

// WithProvider names the generation backend that failed.
func (e *Error) WithProvider(provider string) *Error {
	e.Provider = provider
	return e
}

// AsError returns the first *Error in err's chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsRetryable reports whether the retry wrapper may try the call again.
func IsRetryable(err error) bool {
	if e, ok := AsError(err); ok {
		return e.Retryable
	}
	return false
}

// RetryAfterOf returns the upstream wait hint carried by err, or 0.
func RetryAfterOf(err error) time.Duration {
	if e, ok := AsError(err); ok {
		return e.RetryAfter
	}
	return 0
}

// GetErrorCode returns the code of the first *Error in err's chain, or "".
func GetErrorCode(err error) ErrorCode {
	if e, ok := AsError(err); ok {
		return e.Code
	}
	return ""
}

// HTTPStatusFor maps an error code to the status the API answers with.
// Canceled runs use nginx's 499.
func HTTPStatusFor(code ErrorCode) int {
	switch code {
	case ErrInvalidRequest:
		return http.StatusBadRequest
	case ErrValidation, ErrNodeNotReady:
		return http.StatusUnprocessableEntity
	case ErrNotFound, ErrWorkflowNotFound, ErrNodeNotFound, ErrRunNotFound:
		return http.StatusNotFound
	case ErrRunInProgress, ErrVariableConflict:
		return http.StatusConflict
	case ErrUnauthorized:
		return http.StatusUnauthorized
	case ErrForbidden:
		return http.StatusForbidden
	case ErrRateLimited, ErrQuotaExceeded:
		return http.StatusTooManyRequests
	case ErrUpstreamTimeout:
		return http.StatusGatewayTimeout
	case ErrUpstreamError, ErrGenerationFailed, ErrModelOverloaded:
		return http.StatusBadGateway
	case ErrCircuitOpen:
		return http.StatusServiceUnavailable
	case ErrRunCanceled:
		return 499
	default:
		return http.StatusInternalServerError
	}
}
