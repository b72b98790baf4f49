// Package apierr defines the error kinds shared by the control plane and
// their HTTP status mapping.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for propagation and HTTP mapping.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindNotFound
	KindUpstreamUnavailable
	KindSecurityViolation
	KindTimeout
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindUpstreamUnavailable:
		return "upstream_unavailable"
	case KindSecurityViolation:
		return "security_violation"
	case KindTimeout:
		return "timeout"
	default:
		return "internal"
	}
}

// Error is a tagged error carrying enough context for the client to continue
// diagnosis (valid values, job id, container id).
type Error struct {
	Kind        Kind
	Msg         string
	Details     any
	JobID       string
	ContainerID string
	// Status overrides the default status for the kind when non-zero.
	Status int
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil && e.Msg != "" {
		return e.Msg + ": " + e.Err.Error()
	}
	if e.Msg != "" {
		return e.Msg
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error { return e.Err }

// StatusCode maps the kind to an HTTP status code.
func (e *Error) StatusCode() int {
	if e.Status != 0 {
		return e.Status
	}
	switch e.Kind {
	case KindValidation, KindSecurityViolation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindUpstreamUnavailable:
		return http.StatusServiceUnavailable
	case KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// Validation builds a 400 error that lists the accepted values.
func Validation(msg string, valid any) *Error {
	return &Error{Kind: KindValidation, Msg: msg, Details: valid}
}

// NotFound builds a 404 error.
func NotFound(format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Msg: fmt.Sprintf(format, args...)}
}

// Upstream builds an upstream-unavailable error wrapping cause.
func Upstream(msg string, cause error) *Error {
	return &Error{Kind: KindUpstreamUnavailable, Msg: msg, Err: cause}
}

// Security builds a security-violation error.
func Security(format string, args ...any) *Error {
	return &Error{Kind: KindSecurityViolation, Msg: fmt.Sprintf(format, args...)}
}

// Timeout builds a timeout error wrapping cause.
func Timeout(msg string, cause error) *Error {
	return &Error{Kind: KindTimeout, Msg: msg, Err: cause}
}

// Internal builds an internal error wrapping cause.
func Internal(msg string, cause error) *Error {
	return &Error{Kind: KindInternal, Msg: msg, Err: cause}
}

// KindOf reports the kind of err, KindInternal when err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

func IsValidation(err error) bool { return err != nil && KindOf(err) == KindValidation }
func IsNotFound(err error) bool { return err != nil && KindOf(err) == KindNotFound }
func IsUpstream(err error) bool { return err != nil && KindOf(err) == KindUpstreamUnavailable }
func IsSecurity(err error) bool { return err != nil && KindOf(err) == KindSecurityViolation }
func IsTimeout(err error) bool { return err != nil && KindOf(err) == KindTimeout }
