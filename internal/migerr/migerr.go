// Package migerr implements the core's error taxonomy: Transient I/O,
// Parse/Corruption, SourceRejected, Cancelled, and ApplyError. It
// mirrors the shape of storage-node's StorageError
// (code + message + detail map + wrapped cause) but classifies into
// the migration core's own kinds rather than gRPC codes.
package migerr

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies an error for the orchestrator's propagation policy.
type Kind int

const (
	KindUnknown Kind = iota
	KindTransient
	KindCorrupt
	KindSourceRejected
	KindCancelled
	KindApply
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindCorrupt:
		return "corrupt"
	case KindSourceRejected:
		return "source_rejected"
	case KindCancelled:
		return "cancelled"
	case KindApply:
		return "apply"
	default:
		return "unknown"
	}
}

// Error is a structured error carrying a Kind, a human message, a
// detail bag for telemetry, and the wrapped cause.
type Error struct {
	Kind    Kind
	Message string
	Details map[string]interface{}
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// WithDetail attaches a detail key/value and returns e for chaining.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

func New(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Transient wraps a retryable I/O error (network, lease-expired,
// store-timeout).
func Transient(message string, cause error) *Error {
	return New(KindTransient, message, cause)
}

// Corrupt wraps a malformed stored value; always fatal to the phase.
func Corrupt(message string, cause error) *Error {
	return New(KindCorrupt, message, cause)
}

// SourceRejected wraps a 4xx response from the source; always fatal.
func SourceRejected(statusCode int, message string) *Error {
	return New(KindSourceRejected, message, nil).WithDetail("status_code", statusCode)
}

// Apply wraps a poison record the destination rejected while applying
// sn.
func Apply(sn int64, cause error) *Error {
	return New(KindApply, fmt.Sprintf("apply failed at sn=%d", sn), cause).WithDetail("sn", sn)
}

// Classify maps an arbitrary error into a Kind, unwrapping *Error and
// recognizing context cancellation. Anything it cannot recognize is
// KindUnknown, which the orchestrator treats as non-retryable.
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindCancelled
	}
	var me *Error
	if errors.As(err, &me) {
		return me.Kind
	}
	return KindUnknown
}

// IsRetryable reports whether an error's classification should be
// retried by the caller that surfaced it: only Transient errors are
// retried locally.
func IsRetryable(err error) bool {
	return Classify(err) == KindTransient
}
