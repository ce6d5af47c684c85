package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for transport mapping and retry decisions.
type Kind string

const (
	KindValidation          Kind = "VALIDATION_ERROR"
	KindAuthentication      Kind = "AUTHENTICATION_FAILED"
	KindAuthorization       Kind = "AUTHORIZATION_FAILED"
	KindNotFound            Kind = "NOT_FOUND"
	KindStateConflict       Kind = "STATE_CONFLICT"
	KindCancellationExpired Kind = "CANCELLATION_EXPIRED"
	KindLicenseDecode       Kind = "LICENSE_DECODE_FAILED"
	KindTransient           Kind = "TRANSIENT_DEPENDENCY_ERROR"
	KindInternal            Kind = "INTERNAL_ERROR"
)

// Error is the service-wide error type. Message is safe to return to callers;
// wrapped causes stay in logs only.
type Error struct {
	Kind    Kind
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// New creates an error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap creates an error of the given kind with an internal cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

// Validation reports malformed or missing input.
func Validation(message string) *Error {
	return New(KindValidation, message)
}

// AuthenticationFailed is deliberately cause-free on the caller side: the
// failing sub-check is never exposed.
func AuthenticationFailed(cause error) *Error {
	return Wrap(KindAuthentication, "authentication failed", cause)
}

// Forbidden reports a role or ownership mismatch.
func Forbidden(message string) *Error {
	return New(KindAuthorization, message)
}

// NotFound reports a missing record.
func NotFound(what string) *Error {
	return New(KindNotFound, what+" not found")
}

// StateConflict reports an operation attempted against the wrong status.
// Current and expected status are included for diagnosability.
func StateConflict(current, expected string) *Error {
	return New(KindStateConflict, fmt.Sprintf("operation not valid for status %s (expected %s)", current, expected))
}

// CancellationExpired reports a cancel attempted after the window closed.
func CancellationExpired() *Error {
	return New(KindCancellationExpired, "cancellation window has expired")
}

// LicenseDecodeFailed is opaque to callers, same as AuthenticationFailed.
func LicenseDecodeFailed(cause error) *Error {
	return Wrap(KindLicenseDecode, "license verification failed", cause)
}

// Transient reports a store/queue dependency failure eligible for retry.
func Transient(message string, cause error) *Error {
	return Wrap(KindTransient, message, cause)
}

// Internal is the catch-all; callers see a generic message.
func Internal(cause error) *Error {
	return Wrap(KindInternal, "internal error", cause)
}

// KindOf extracts the Kind from any error, defaulting to KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// HTTPStatus maps an error to the uniform status scheme: 400 validation,
// 401 unauthenticated, 403 forbidden, 404 not found, 500 internal.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation, KindStateConflict, KindCancellationExpired:
		return http.StatusBadRequest
	case KindAuthentication, KindLicenseDecode:
		return http.StatusUnauthorized
	case KindAuthorization:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// CallerMessage returns the message safe to put in a response envelope.
// Authentication and decode failures collapse to a fixed string so the
// failing sub-check cannot be probed; internal errors stay generic.
func CallerMessage(err error) string {
	var e *Error
	if !errors.As(err, &e) {
		return "internal error"
	}
	switch e.Kind {
	case KindAuthentication, KindLicenseDecode:
		return "authentication failed"
	case KindInternal:
		return "internal error"
	default:
		return e.Message
	}
}

// Retryable reports whether a pipeline failure should be redelivered.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindTransient, KindInternal:
		return true
	default:
		return false
	}
}
