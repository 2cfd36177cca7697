// Package errors provides standardized error types for use across the
// prompt server's modules.
//
// ContextualError is the base error type that captures component, operation,
// and optional kind and details. It implements the error and Unwrap
// interfaces for seamless integration with Go's errors package.
//
// Usage:
//
//	err := errors.New("session", "CreateSession", someErr)
//	err = err.WithKind(errors.KindSession).WithDetails(map[string]any{"session_id": "chain-demo"})
package errors

import "fmt"

// Kind classifies an error into one of the server's failure categories.
// The kind drives how a failure is surfaced: validation and conflict
// errors carry retry hints, sandbox errors downgrade to step skips, and
// persistence errors are logged but never silently dropped.
type Kind string

const (
	// KindValidation marks malformed commands and invalid arguments.
	KindValidation Kind = "validation"
	// KindResolution marks unknown prompt, gate, or methodology ids.
	KindResolution Kind = "resolution"
	// KindReference marks circular, too-deep, or missing template references.
	KindReference Kind = "reference"
	// KindScript marks script execution failures and invalid script output.
	KindScript Kind = "script"
	// KindSandbox marks rejected, timed-out, or failed condition expressions.
	KindSandbox Kind = "sandbox"
	// KindGate marks verdict grammar mismatches and exhausted retries.
	KindGate Kind = "gate"
	// KindSession marks duplicate or unknown chain sessions.
	KindSession Kind = "session"
	// KindPersistence marks state read or write failures.
	KindPersistence Kind = "persistence"
	// KindConflict marks mutually exclusive request parameters.
	KindConflict Kind = "conflict"
	// KindInternal marks unexpected failures, including recovered panics.
	KindInternal Kind = "internal"
)

// ContextualError is a structured error type that provides consistent
// context about where and why an error occurred.
type ContextualError struct {
	// Component identifies the module that produced the error (e.g. "pipeline", "session", "gates").
	Component string

	// Operation describes what was being done when the error occurred.
	Operation string

	// Kind is the failure category; empty means unclassified.
	Kind Kind

	// Details holds optional structured metadata about the error.
	Details map[string]any

	// Cause is the underlying error, if any.
	Cause error
}

// New creates a ContextualError with the given component, operation, and cause.
func New(component, operation string, cause error) *ContextualError {
	return &ContextualError{
		Component: component,
		Operation: operation,
		Cause:     cause,
	}
}

// Error returns a human-readable representation of the error.
func (e *ContextualError) Error() string {
	base := fmt.Sprintf("[%s] %s", e.Component, e.Operation)

	if e.Kind != "" {
		base += fmt.Sprintf(" (%s)", e.Kind)
	}

	if e.Cause != nil {
		base += ": " + e.Cause.Error()
	}

	return base
}

// Unwrap returns the underlying cause, enabling use with errors.Is and errors.As.
func (e *ContextualError) Unwrap() error {
	return e.Cause
}

// WithKind returns the error with the given kind set.
func (e *ContextualError) WithKind(kind Kind) *ContextualError {
	e.Kind = kind
	return e
}

// WithDetails returns the error with the given details map set.
func (e *ContextualError) WithDetails(details map[string]any) *ContextualError {
	e.Details = details
	return e
}

// Detail returns the named detail value, or nil when absent.
func (e *ContextualError) Detail(key string) any {
	if e.Details == nil {
		return nil
	}
	return e.Details[key]
}

// IsKind reports whether err is (or wraps) a ContextualError of the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// KindOf returns the kind of the first ContextualError found in err's chain,
// or the empty Kind when none is present.
func KindOf(err error) Kind {
	for err != nil {
		if ce, ok := err.(*ContextualError); ok {
			return ce.Kind
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return ""
		}
		err = u.Unwrap()
	}
	return ""
}
