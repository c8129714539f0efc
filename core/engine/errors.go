package engine

import (
	"errors"
	"fmt"
)

// Kind classifies step and engine failures for transport adapters.
type Kind string

const (
	KindNotFound         Kind = "not_found"
	KindInputValidation  Kind = "input_validation"
	KindOutputValidation Kind = "output_validation"
	KindUnauthenticated  Kind = "unauthenticated"
	KindUnauthorized     Kind = "unauthorized"
	KindConflict         Kind = "conflict"
	KindRateLimited      Kind = "rate_limited"
	KindExpired          Kind = "expired"
	KindExternalService  Kind = "external_service"
	KindInternal         Kind = "internal"
)

// Error is the typed failure the engine surfaces to adapters. Message is
// safe to show callers; the wrapped cause is for logs only and never
// serialized.
type Error struct {
	Kind    Kind
	Message string

	// Provider and UpstreamStatus are set for KindExternalService.
	Provider       string
	UpstreamStatus int

	cause error
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

// E creates a typed error with a caller-safe message.
func E(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap attaches a typed kind and safe message to an internal cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

// External creates a KindExternalService error naming the provider.
func External(provider string, upstreamStatus int, message string, cause error) *Error {
	return &Error{
		Kind:           KindExternalService,
		Message:        message,
		Provider:       provider,
		UpstreamStatus: upstreamStatus,
		cause:          cause,
	}
}

// KindOf extracts the Kind of any error; untyped errors are KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Sanitized is the caller-facing error view. Stack traces, wrapped causes,
// raw keys, and hashes never appear here.
type Sanitized struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
}

// SanitizedView converts any error to its exposure-safe form.
func SanitizedView(err error) Sanitized {
	var e *Error
	if errors.As(err, &e) {
		return Sanitized{Kind: e.Kind, Message: e.Message}
	}
	return Sanitized{Kind: KindInternal, Message: "internal error"}
}
