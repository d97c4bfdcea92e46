// Package apperr defines the error taxonomy shared by all core components.
// Errors carry a Kind that maps to a wire-level error code; everything else
// is wrapped context.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for surfacing decisions.
type Kind int

const (
	KindInternal Kind = iota
	KindInvalidArgument
	KindNotFound
	KindPermissionDenied
	KindPreconditionFailed
	KindTimeout
	KindCancelled
	KindAdapterFailure
)

// Error is an error with a Kind classification.
type Error struct {
	kind Kind
	msg  string
	err  error
}

func (e *Error) Error() string {
	if e.err != nil {
		return e.msg + ": " + e.err.Error()
	}
	return e.msg
}

func (e *Error) Unwrap() error { return e.err }

// Kind returns the classification of the error.
func (e *Error) Kind() Kind { return e.kind }

// New creates a classified error.
func New(kind Kind, msg string) *Error {
	return &Error{kind: kind, msg: msg}
}

// Newf creates a classified error with formatting.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{kind: kind, msg: fmt.Sprintf(format, args...)}
}

// Wrap wraps err with a classification and message.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{kind: kind, msg: msg, err: err}
}

// InvalidArgument creates an InvalidArgument error.
func InvalidArgument(msg string) *Error { return New(KindInvalidArgument, msg) }

// NotFound creates a NotFound error.
func NotFound(msg string) *Error { return New(KindNotFound, msg) }

// NotFoundf creates a NotFound error with formatting.
func NotFoundf(format string, args ...interface{}) *Error {
	return Newf(KindNotFound, format, args...)
}

// PermissionDenied creates a PermissionDenied error.
func PermissionDenied(msg string) *Error { return New(KindPermissionDenied, msg) }

// PreconditionFailed creates a PreconditionFailed error.
func PreconditionFailed(msg string) *Error { return New(KindPreconditionFailed, msg) }

// AdapterFailure wraps a provider or transport failure.
func AdapterFailure(msg string, err error) *Error {
	return Wrap(KindAdapterFailure, msg, err)
}

// KindOf extracts the Kind from an error chain. Unclassified errors are
// reported as KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.kind
	}
	return KindInternal
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Code returns the wire-level error code for an error.
func Code(err error) string {
	switch KindOf(err) {
	case KindInvalidArgument:
		return "BAD_REQUEST"
	case KindNotFound:
		return "NOT_FOUND"
	case KindPermissionDenied:
		return "FORBIDDEN"
	case KindPreconditionFailed:
		return "PRECONDITION_FAILED"
	case KindTimeout:
		return "TIMEOUT"
	case KindCancelled:
		return "CANCELLED"
	case KindAdapterFailure:
		return "ADAPTER_FAILURE"
	default:
		return "INTERNAL_ERROR"
	}
}
