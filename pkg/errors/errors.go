// Package errors provides structured error handling for the connectors.
//
// Every error surfaced by a connector carries an ErrorType so that the host
// runner can tell "no data" from "transient failure" from "fatal
// misconfiguration" without string matching.
package errors

import (
	"errors"
	"fmt"
	"net/http"
	"runtime"
)

// ErrorType is the category of an error.
type ErrorType string

const (
	// ErrorTypeInternal is a bug or an untyped foreign error
	ErrorTypeInternal ErrorType = "internal"
	// ErrorTypeValidation is a request the upstream API rejected (4xx)
	ErrorTypeValidation ErrorType = "validation"
	// ErrorTypeNotFound is a missing upstream object (404)
	ErrorTypeNotFound ErrorType = "not_found"
	// ErrorTypeRateLimit is a throttled request (429)
	ErrorTypeRateLimit ErrorType = "rate_limit"
	// ErrorTypeTimeout is an expired deadline
	ErrorTypeTimeout ErrorType = "timeout"
	// ErrorTypeConnection is a transport failure or a 5xx response
	ErrorTypeConnection ErrorType = "connection"
	// ErrorTypeAuthentication is a rejected credential (401)
	ErrorTypeAuthentication ErrorType = "authentication"
	// ErrorTypePermission is a credential lacking scope (403)
	ErrorTypePermission ErrorType = "permission"
	// ErrorTypeConfig is an invalid source configuration, raised before any I/O
	ErrorTypeConfig ErrorType = "config"
	// ErrorTypeData is an undecodable payload
	ErrorTypeData ErrorType = "data"
	// ErrorTypePrecondition is an expected upstream object that is absent
	// (a report request, a named report, instances in a range).
	ErrorTypePrecondition ErrorType = "precondition"
	// ErrorTypeState is a cursor state store failure
	ErrorTypeState ErrorType = "state"
)

// ForStatus maps an HTTP status to the type of the error it produces.
func ForStatus(code int) ErrorType {
	switch {
	case code == http.StatusTooManyRequests:
		return ErrorTypeRateLimit
	case code == http.StatusUnauthorized:
		return ErrorTypeAuthentication
	case code == http.StatusForbidden:
		return ErrorTypePermission
	case code == http.StatusNotFound:
		return ErrorTypeNotFound
	case code >= 500:
		return ErrorTypeConnection
	default:
		return ErrorTypeValidation
	}
}

// Error is a typed error. Details carry structured context (an API error
// code, a report name) for logs.
type Error struct {
	Type    ErrorType
	Message string
	Cause   error
	Details map[string]any
	// Stack holds the program counters of the first typed error in a chain
	Stack []uintptr
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// WithDetail adds a key-value detail to the error.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// Frames resolves Stack for printing.
func (e *Error) Frames() *runtime.Frames {
	return runtime.CallersFrames(e.Stack)
}

// New creates a typed error.
func New(errType ErrorType, message string) *Error {
	return &Error{Type: errType, Message: message, Stack: callers()}
}

// Wrap types err. It returns nil when err is nil; do not assign the result to
// an error variable unchecked or it becomes a typed nil. A wrapped typed
// error keeps its original stack.
func Wrap(err error, errType ErrorType, message string) *Error {
	if err == nil {
		return nil
	}
	wrapped := &Error{Type: errType, Message: message, Cause: err}
	var inner *Error
	if errors.As(err, &inner) {
		wrapped.Stack = inner.Stack
	} else {
		wrapped.Stack = callers()
	}
	return wrapped
}

// IsRetryable reports whether the outermost typed error is transient.
func IsRetryable(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	switch e.Type {
	case ErrorTypeRateLimit, ErrorTypeTimeout, ErrorTypeConnection:
		return true
	}
	return false
}

// IsType reports whether any typed error in the chain has errType.
func IsType(err error, errType ErrorType) bool {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return false
		}
		if e.Type == errType {
			return true
		}
		err = e.Cause
	}
	return false
}

// TypeOf returns the outermost ErrorType in the chain, or ErrorTypeInternal
// for foreign errors.
func TypeOf(err error) ErrorType {
	var e *Error
	if errors.As(err, &e) {
		return e.Type
	}
	return ErrorTypeInternal
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target any) bool {
	return errors.As(err, target)
}

func callers() []uintptr {
	pcs := make([]uintptr, 32)
	n := runtime.Callers(3, pcs)
	return pcs[:n]
}
