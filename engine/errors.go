// Package engine executes whitelisted fetches through the fleet: it picks a
// source IP, enforces the circuit breaker, keeps the IP's cookie session
// usable, sends the request with the IP's persona, and retries transient
// failures with class-specific backoff.
package engine

import (
	"errors"
	"fmt"
)

// Kind categorises a terminal fetch failure.
type Kind string

const (
	KindValidation   Kind = "VALIDATION"
	KindCircuitOpen  Kind = "CIRCUIT_OPEN"
	KindTimeout      Kind = "TIMEOUT"
	KindNetwork      Kind = "NETWORK"
	KindRateLimited  Kind = "RATE_LIMITED"
	KindUnavailable  Kind = "UNAVAILABLE"
	KindServerError  Kind = "SERVER_ERROR"
	KindForbidden    Kind = "FORBIDDEN"
	KindShuttingDown Kind = "SHUTTING_DOWN"
)

// Error is a terminal fetch failure.  Status carries the last origin status
// when one was seen, zero otherwise.
type Error struct {
	Kind   Kind
	Status int
	msg    string
	cause  error
}

func (e *Error) Error() string {
	switch {
	case e.cause != nil:
		return fmt.Sprintf("engine: %s: %s: %v", e.Kind, e.msg, e.cause)
	case e.Status != 0:
		return fmt.Sprintf("engine: %s: %s (status %d)", e.Kind, e.msg, e.Status)
	default:
		return fmt.Sprintf("engine: %s: %s", e.Kind, e.msg)
	}
}

func (e *Error) Unwrap() error { return e.cause }

func newError(kind Kind, status int, format string, args ...any) *Error {
	return &Error{Kind: kind, Status: status, msg: fmt.Sprintf(format, args...)}
}

func wrapError(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, msg: fmt.Sprintf(format, args...), cause: cause}
}

// KindOf extracts the failure kind from err, or "" for non-engine errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// StatusOf extracts the last origin status from err, or 0.
func StatusOf(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.Status
	}
	return 0
}
