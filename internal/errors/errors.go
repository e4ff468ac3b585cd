// Package errors provides the error taxonomy shared by every fieldsync component.
// Each failure is classified into a Kind which drives retry, trust downgrade and
// the diagnostic label persisted on queued reports.
package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"net/http"
)

// Kind classifies a failure by how the engine must react to it.
type Kind string

const (
	// Input errors, surfaced synchronously and never retried
	KindValidation    Kind = "VALIDATION"      // Bad input shape
	KindInvalidImage  Kind = "INVALID_IMAGE"   // Source image cannot be decoded or is degenerate
	KindPhotoTooLarge Kind = "PHOTO_TOO_LARGE" // Encoded photo exceeds the size ceiling

	// Device errors
	KindKeyUnavailable Kind = "KEY_UNAVAILABLE" // Secret storage locked or unreadable, retry later

	// Remote errors
	KindAuthRejected Kind = "AUTH_REJECTED" // 401/403 class, downgrades trust
	KindTransient    Kind = "TRANSIENT"     // Network, timeout or 5xx class, retried with backoff

	// Anything unclassified; handled like KindTransient by background work
	KindFatal Kind = "FATAL"
)

// Error is a classified failure.
type Error struct {
	Kind    Kind   // Classification
	Op      string // Operation that failed, e.g. "photo.ingest"
	Field   string // Offending input field for validation errors
	Message string // Human-readable message
	Err     error  // Underlying cause
}

// New creates a new Error with the specified kind and message.
func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Newf is New with a format string.
func Newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies err. A nil err yields nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Message: err.Error(), Err: err}
}

// Validation creates a KindValidation error for a single field.
func Validation(field, message string) *Error {
	return &Error{Kind: KindValidation, Op: "validate", Field: field, Message: message}
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if e.Field != "" {
		msg = fmt.Sprintf("%s: %s", e.Field, msg)
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same Kind, so errors.Is(err, &Error{Kind: KindTransient}) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Message == ""
}

// KindOf classifies any error. Unknown errors are KindFatal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if stderrors.As(err, &e) {
		return e.Kind
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	var netErr net.Error
	if stderrors.As(err, &netErr) {
		return KindTransient
	}
	return KindFatal
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Retryable reports whether background work should try again later.
// Fatal is treated as transient so unexpected failures never kill a worker.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindTransient, KindFatal, KindKeyUnavailable:
		return true
	default:
		return false
	}
}

// Label is the diagnostic string stored on a queued report. It never carries the raw message.
func Label(err error) string {
	return string(KindOf(err))
}

// FromHTTPStatus maps a response status of the central service to a Kind.
// Statuses below 400 are not errors and return "".
func FromHTTPStatus(code int) Kind {
	switch {
	case code < 400:
		return ""
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return KindAuthRejected
	case code == http.StatusRequestTimeout || code == http.StatusTooEarly || code == http.StatusTooManyRequests:
		return KindTransient
	case code >= 500:
		return KindTransient
	default:
		return KindValidation
	}
}

// HTTPStatus is the status the local diagnostics surface answers with for a Kind.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindValidation, KindInvalidImage:
		return http.StatusBadRequest
	case KindPhotoTooLarge:
		return http.StatusRequestEntityTooLarge
	case KindAuthRejected:
		return http.StatusForbidden
	case KindKeyUnavailable, KindTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
