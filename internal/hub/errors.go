// Package hub defines the error taxonomy shared by every component.
//
// Components raise typed errors; the connection pool decides retry vs.
// surface; the HTTP layer translates kinds to stable status codes and a
// JSON envelope. Security-related kinds fail closed, observability kinds
// fail open (see the httpapi package for the translation table).
package hub

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for transport mapping and retry decisions.
type Kind string

const (
	KindValidation          Kind = "validation"
	KindUnauthorized        Kind = "unauthorized"
	KindForbidden           Kind = "forbidden"
	KindInsufficientEnergy  Kind = "insufficient_energy"
	KindRateLimited         Kind = "rate_limited"
	KindCircuitOpen         Kind = "circuit_open"
	KindUnknownAction       Kind = "unknown_action"
	KindConflict            Kind = "conflict"
	KindNotFound            Kind = "not_found"
	KindUpstreamUnavailable Kind = "upstream_unavailable"
	KindInternalUnavailable Kind = "internal_unavailable"
)

// Error carries a kind, a caller-safe message and optional structured details.
type Error struct {
	Kind    Kind
	Message string
	Details map[string]interface{}
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// E builds a typed error.
func E(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds a typed error around a cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

// WithDetails attaches structured details (returned to clients verbatim).
func (e *Error) WithDetails(details map[string]interface{}) *Error {
	e.Details = details
	return e
}

// KindOf extracts the kind from any error chain. Untyped errors report
// InternalUnavailable so that nothing leaks raw causes to clients.
func KindOf(err error) Kind {
	var he *Error
	if errors.As(err, &he) {
		return he.Kind
	}
	return KindInternalUnavailable
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// HTTPStatus maps a kind to its stable HTTP status code.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindInsufficientEnergy:
		return http.StatusPaymentRequired
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindCircuitOpen:
		return http.StatusServiceUnavailable
	case KindUnknownAction:
		return http.StatusBadRequest
	case KindConflict:
		return http.StatusConflict
	case KindNotFound:
		return http.StatusNotFound
	case KindUpstreamUnavailable:
		return http.StatusServiceUnavailable
	case KindInternalUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether the pool should retry an error of this kind.
// Business rejections (insufficient energy, validation, conflicts) must
// surface unchanged; only infrastructure failures are retried.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindUpstreamUnavailable, KindInternalUnavailable:
		return true
	default:
		return false
	}
}
