// Package cuerr provides structured error handling for the compute unit.
// Every failure surfaced by the core carries a class that callers can
// branch on programmatically.
package cuerr

import (
	"errors"
	"fmt"
	"strings"
)

// Class categorizes a failure for programmatic handling.
type Class string

const (
	// ClassVerification means a process record failed tag verification.
	// Not recoverable locally; the whole resolve fails.
	ClassVerification Class = "verification"

	// ClassNotFound means a process, evaluation, or checkpoint is absent.
	// Treated as a cache miss by the resolver, never surfaced on its own.
	ClassNotFound Class = "not_found"

	// ClassExternalFetch means a scheduler endpoint or message source was
	// unreachable. Retryable from the caller's point of view.
	ClassExternalFetch Class = "external_fetch"

	// ClassOrdering means fetched messages had a gap, duplicate, or
	// regression. The request aborts with no partial writes.
	ClassOrdering Class = "ordering"

	// ClassCompute means the sandbox trapped or exceeded a resource limit
	// while evaluating a single message. Recorded in that message's
	// output, never a pipeline failure.
	ClassCompute Class = "compute"

	// ClassCacheWrite means a best-effort persist failed. Logged and
	// swallowed, invisible to callers.
	ClassCacheWrite Class = "cache_write"

	// ClassConfig means configuration is missing or invalid. Fatal at
	// startup; the node refuses to serve.
	ClassConfig Class = "config"

	// ClassBusy means admission control rejected the request because the
	// worker backlog exceeded the busy threshold.
	ClassBusy Class = "busy"

	ClassUnknown Class = "unknown"
)

// Error is the base error type for all compute-unit errors.
type Error struct {
	Class   Class
	Message string
	Cause   error
	Context map[string]interface{}
}

// Error implements the error interface.
func (e *Error) Error() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("[%s] %s", e.Class, e.Message))

	if len(e.Context) > 0 {
		sb.WriteString(" (")
		first := true
		for k, v := range e.Context {
			if !first {
				sb.WriteString(", ")
			}
			sb.WriteString(fmt.Sprintf("%s=%v", k, v))
			first = false
		}
		sb.WriteString(")")
	}

	if e.Cause != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Cause.Error())
	}

	return sb.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches errors by class so errors.Is works across wrap layers.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Class == t.Class
	}
	return false
}

// WithContext attaches a key/value pair to the error.
func (e *Error) WithContext(key string, value interface{}) *Error {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// New creates a new Error.
func New(class Class, message string) *Error {
	return &Error{Class: class, Message: message}
}

// Newf creates a new Error with a formatted message.
func Newf(class Class, format string, args ...interface{}) *Error {
	return New(class, fmt.Sprintf(format, args...))
}

// Wrap wraps an existing error. Returns nil if err is nil.
func Wrap(err error, class Class, message string) *Error {
	if err == nil {
		return nil
	}
	return &Error{Class: class, Message: message, Cause: err}
}

// Wrapf wraps an error with a formatted message.
func Wrapf(err error, class Class, format string, args ...interface{}) *Error {
	return Wrap(err, class, fmt.Sprintf(format, args...))
}

// IsClass checks whether an error belongs to a class.
func IsClass(err error, class Class) bool {
	var cuErr *Error
	if errors.As(err, &cuErr) {
		return cuErr.Class == class
	}
	return false
}

// GetClass extracts the class from an error chain.
func GetClass(err error) Class {
	var cuErr *Error
	if errors.As(err, &cuErr) {
		return cuErr.Class
	}
	return ClassUnknown
}

// IsNotFound reports whether err is a miss rather than a real failure.
func IsNotFound(err error) bool {
	return IsClass(err, ClassNotFound)
}

// IsRetryable reports whether the caller may retry the request.
func IsRetryable(err error) bool {
	switch GetClass(err) {
	case ClassExternalFetch, ClassOrdering, ClassBusy:
		return true
	default:
		return false
	}
}

// --- Convenience constructors ---

// NotFound creates a miss for the named entity.
func NotFound(entity, id string) *Error {
	return New(ClassNotFound, entity+" not found").WithContext("id", id)
}

// Verification creates a tag-verification failure.
func Verification(processID, reason string) *Error {
	return New(ClassVerification, reason).WithContext("process", processID)
}

// ExternalFetch wraps a transport failure against an external endpoint.
func ExternalFetch(err error, endpoint string) *Error {
	return Wrap(err, ClassExternalFetch, "external fetch failed").
		WithContext("endpoint", endpoint)
}

// Ordering creates a message-sequence violation.
func Ordering(processID, reason string) *Error {
	return New(ClassOrdering, reason).WithContext("process", processID)
}
