// Package apperr defines the typed error kinds shared by the OCPP,
// lifecycle, payment, and REST layers.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for translation into an OCPP CallError code
// or an HTTP status, without either layer needing to know about the
// other's vocabulary.
type Kind string

const (
	InvalidArgument    Kind = "invalid_argument"
	Unauthenticated    Kind = "unauthenticated"
	Forbidden          Kind = "forbidden"
	NotFound           Kind = "not_found"
	NotImplemented     Kind = "not_implemented"
	Conflict           Kind = "conflict"
	InsufficientFunds  Kind = "insufficient_funds"
	StationUnavailable Kind = "station_unavailable"
	ProviderFailure    Kind = "provider_failure"
	Timeout            Kind = "timeout"
	Internal           Kind = "internal"
)

// Error is the typed error carried across package boundaries. Message
// is safe to surface to a caller; Cause is for logs only.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an *Error with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an *Error carrying cause, unless cause is nil.
func Wrap(kind Kind, message string, cause error) error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf extracts the Kind from err, defaulting to Internal when err is
// not an *Error (or is nil, in which case KindOf is not meaningful —
// callers must check err != nil first).
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// Is reports whether err's Kind matches kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
