// Package failure defines the error taxonomy shared by every pipeline step.
// Each error carries a Kind that decides whether the scheduler retries it.
package failure

import (
	"context"
	"errors"
	"fmt"
	"unicode/utf8"
)

// Kind identifies a class of pipeline failure.
// Kinds are strings so they serialize naturally into run records and API responses.
type Kind string

const (
	// Extraction.
	UpstreamUnavailable Kind = "UpstreamUnavailable"
	AuthFailure         Kind = "AuthFailure"
	MalformedPayload    Kind = "MalformedPayload"

	// Staging.
	StorageUnavailable Kind = "StorageUnavailable"
	PermissionDenied   Kind = "PermissionDenied"

	// Loading.
	SchemaMismatch       Kind = "SchemaMismatch"
	LoadTimeout          Kind = "LoadTimeout"
	WarehouseUnavailable Kind = "WarehouseUnavailable"

	// Transformation.
	CompilationError Kind = "CompilationError"
	ExecutionError   Kind = "ExecutionError"

	// Validation and propagation.
	AssertionFailure Kind = "AssertionFailure"
	UpstreamInvalid  Kind = "UpstreamInvalid"
	UpstreamFailed   Kind = "UpstreamFailed"

	Cancelled Kind = "Cancelled"
	Internal  Kind = "Internal"
)

// Transient reports whether failures of this kind are worth retrying.
func (k Kind) Transient() bool {
	switch k {
	case UpstreamUnavailable, StorageUnavailable, LoadTimeout, WarehouseUnavailable:
		return true
	default:
		return false
	}
}

// Error is a classified pipeline error.
type Error struct {
	Kind   Kind
	Op     string
	Detail string
	Err    error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New returns a classified error without an underlying cause.
func New(kind Kind, op, detail string) *Error {
	return &Error{Kind: kind, Op: op, Detail: detail}
}

// Newf is New with a formatted detail.
func Newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Detail: fmt.Sprintf(format, args...)}
}

// Wrap classifies err. A nil err yields nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of the outermost classified error in err's chain.
// Context cancellation maps to Cancelled and anything unclassified to Internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, context.Canceled) {
		return Cancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Cancelled
	}
	return Internal
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	return KindOf(err).Transient()
}

// DetailOf returns the human readable detail of err, falling back to err.Error().
func DetailOf(err error) string {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) && fe.Detail != "" {
		return fe.Detail
	}
	return err.Error()
}

// Truncate shortens msg to at most max bytes without splitting a UTF-8 sequence.
func Truncate(msg string, max int) string {
	if len(msg) <= max {
		return msg
	}
	for max > 0 && !utf8.RuneStart(msg[max]) {
		max--
	}
	return msg[:max]
}
