package errs

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies an engine error. Callers branch on the tag instead of
// concrete error types.
type Kind string

const (
	KindNetwork        Kind = "network"
	KindAPI            Kind = "api"
	KindRateLimit      Kind = "rate_limit"
	KindAuth           Kind = "auth"
	KindValidation     Kind = "validation"
	KindWebSocket      Kind = "websocket"
	KindTimeout        Kind = "timeout"
	KindOrderExecution Kind = "order_execution"
	KindCircuitOpen    Kind = "circuit_open"
)

// Severity indicates how loudly an error should be reported.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Error is the single error envelope used across the engine.
// Exactly one is built per failure; wrapping preserves the cause for
// errors.Is / errors.As.
type Error struct {
	Kind        Kind
	Message     string
	Code        int // exchange error code for API errors, 0 otherwise
	HTTPStatus  int
	Severity    Severity
	Recoverable bool
	RetryAfter  time.Duration // server-provided backoff hint, 0 if none
	Context     map[string]interface{}
	Err         error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	if e.Code != 0 {
		return fmt.Sprintf("%s: %s (code %d)", e.Kind, e.Message, e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// WithContext attaches a key/value pair and returns the same error.
func (e *Error) WithContext(key string, value interface{}) *Error {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// New creates an error with the given kind and message.
func New(kind Kind, message string) *Error {
	return &Error{
		Kind:        kind,
		Message:     message,
		Severity:    SeverityError,
		Recoverable: kind == KindNetwork || kind == KindTimeout || kind == KindRateLimit,
	}
}

// Wrap creates an error with the given kind wrapping a cause.
func Wrap(kind Kind, message string, cause error) *Error {
	e := New(kind, message)
	e.Err = cause
	return e
}

// Network marks a transport-level failure (DNS, refused, reset).
func Network(cause error) *Error {
	return Wrap(KindNetwork, "request failed", cause)
}

// Timeout marks a deadline exceeded on an in-flight request.
func Timeout(cause error) *Error {
	return Wrap(KindTimeout, "request timed out", cause)
}

// API builds the typed error for a non-2xx exchange response.
func API(httpStatus, code int, msg string) *Error {
	e := New(KindAPI, msg)
	e.Code = code
	e.HTTPStatus = httpStatus
	e.Recoverable = httpStatus >= 500
	return e
}

// RateLimit builds the 429/418 variant carrying the server's retry hint.
func RateLimit(httpStatus, code int, msg string, retryAfter time.Duration) *Error {
	e := API(httpStatus, code, msg)
	e.Kind = KindRateLimit
	e.RetryAfter = retryAfter
	e.Recoverable = true
	e.Severity = SeverityWarning
	return e
}

// Auth builds the non-recoverable 401/403 variant.
func Auth(httpStatus, code int, msg string) *Error {
	e := API(httpStatus, code, msg)
	e.Kind = KindAuth
	e.Recoverable = false
	e.Severity = SeverityCritical
	return e
}

// Validation marks a decoded record that failed an invariant.
func Validation(message string) *Error {
	e := New(KindValidation, message)
	e.Severity = SeverityWarning
	return e
}

// WebSocket marks a push transport failure.
func WebSocket(message string, cause error) *Error {
	e := Wrap(KindWebSocket, message, cause)
	e.Recoverable = true
	return e
}

// CircuitOpen marks a call rejected by an open circuit breaker.
func CircuitOpen(name string) *Error {
	e := New(KindCircuitOpen, "circuit open: "+name)
	e.Recoverable = true
	e.Severity = SeverityWarning
	return e
}

// OrderExecution wraps a signed-order failure with its parameters.
func OrderExecution(cause error, params map[string]interface{}) *Error {
	e := Wrap(KindOrderExecution, "order execution failed", cause)
	e.Context = params
	e.Severity = SeverityCritical
	return e
}

// KindOf returns the kind tag of err, or "" for foreign errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsRetryable reports whether the retry engine should attempt err again.
// Network faults, timeouts, rate limits and 5xx responses qualify; 4xx and
// auth failures never do.
func IsRetryable(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	switch e.Kind {
	case KindNetwork, KindTimeout, KindRateLimit:
		return true
	case KindAPI:
		return e.HTTPStatus >= 500
	default:
		return false
	}
}

// RetryAfter extracts the server backoff hint from err, 0 if none.
func RetryAfter(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}
