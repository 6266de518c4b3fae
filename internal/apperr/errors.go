// Package apperr defines the error kinds surfaced by the identification service.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for callers.
type Kind string

const (
	KindInsufficientAudio Kind = "INSUFFICIENT_AUDIO" // 422
	KindNotFound          Kind = "NOT_FOUND"          // 404
	KindValidation        Kind = "VALIDATION_ERROR"   // 400
	KindUpstream          Kind = "UPSTREAM_FAILURE"   // 502
	KindExpired           Kind = "SESSION_EXPIRED"    // 404
	KindInternal          Kind = "INTERNAL"           // 500
)

// Error is a structured error with a kind, HTTP status and caller-safe message.
type Error struct {
	Kind    Kind
	Status  int
	Message string
	Details map[string]any

	cause error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the underlying cause for logging; it is never sent to clients.
func (e *Error) Unwrap() error { return e.cause }

// InsufficientAudio reports audio that is too short or carries too little speech.
func InsufficientAudio(msg string) *Error {
	return &Error{Kind: KindInsufficientAudio, Status: http.StatusUnprocessableEntity, Message: msg}
}

// NotFound reports an unknown session, speaker or profile.
func NotFound(what, identifier string) *Error {
	return &Error{
		Kind:    KindNotFound,
		Status:  http.StatusNotFound,
		Message: fmt.Sprintf("%s not found: %s", what, identifier),
		Details: map[string]any{"identifier": identifier},
	}
}

// Expired reports a session that outlived its TTL. Only Kind tells it apart:
// status, message and details match NotFound("meeting session", id).
func Expired(sessionID string) *Error {
	e := NotFound("meeting session", sessionID)
	e.Kind = KindExpired
	return e
}

// Validation reports a malformed request.
func Validation(msg string) *Error {
	return &Error{Kind: KindValidation, Status: http.StatusBadRequest, Message: msg}
}

// Upstream wraps a provider failure behind an opaque, retryable message.
func Upstream(provider string, cause error) *Error {
	return &Error{
		Kind:    KindUpstream,
		Status:  http.StatusBadGateway,
		Message: "upstream provider failed, please try again",
		Details: map[string]any{"provider": provider},
		cause:   cause,
	}
}

// Internal wraps an unexpected failure.
func Internal(cause error) *Error {
	return &Error{Kind: KindInternal, Status: http.StatusInternalServerError, Message: "internal error", cause: cause}
}

// PublicKind is the kind sent to clients. Expired sessions are reported as not found.
func (e *Error) PublicKind() Kind {
	if e.Kind == KindExpired {
		return KindNotFound
	}
	return e.Kind
}

// KindOf returns the kind of err, or KindInternal for foreign errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	if err == nil {
		return false
	}
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// IsNotFound treats expired sessions the same as missing ones.
func IsNotFound(err error) bool {
	return Is(err, KindNotFound) || Is(err, KindExpired)
}

// As extracts an *Error, converting foreign errors into Internal.
func As(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Internal(err)
}
