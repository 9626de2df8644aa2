package engine

import (
	"errors"
	"fmt"
)

// RuntimeError represents a failure while processing one event.
//
// The engine logs the error and moves on to the next event; the failed
// event leaves the state untouched.
type RuntimeError struct {
	// Code identifies the error category.
	Code RuntimeErrorCode

	// Message is a human-readable description.
	Message string

	// Seq is the event's position in the change log, zero if it was never
	// assigned one.
	Seq int64

	// Session identifies the client that sent the event.
	Session string

	// Err is the underlying cause.
	Err error
}

// RuntimeErrorCode categorizes runtime errors.
type RuntimeErrorCode string

const (
	// ErrCodeInvalidChange indicates a batch named an unknown or query view,
	// or had the wrong arity.
	ErrCodeInvalidChange RuntimeErrorCode = "INVALID_CHANGE"

	// ErrCodeCompileFailed indicates the schema relations no longer compile.
	ErrCodeCompileFailed RuntimeErrorCode = "COMPILE_FAILED"

	// ErrCodeInvalidCommand indicates an unknown command or one with the
	// wrong number of arguments.
	ErrCodeInvalidCommand RuntimeErrorCode = "INVALID_COMMAND"

	// ErrCodeSnapshot indicates a save or load command failed.
	ErrCodeSnapshot RuntimeErrorCode = "SNAPSHOT_FAILED"

	// ErrCodeStore indicates the change log could not be written.
	ErrCodeStore RuntimeErrorCode = "STORE_FAILED"
)

// Error implements the error interface.
func (e *RuntimeError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Seq != 0 {
		msg += fmt.Sprintf(" (seq=%d)", e.Seq)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *RuntimeError) Unwrap() error {
	return e.Err
}

// HasCode reports whether err is or wraps a RuntimeError with code.
func HasCode(err error, code RuntimeErrorCode) bool {
	var re *RuntimeError
	if errors.As(err, &re) {
		return re.Code == code
	}
	return false
}

func runtimeError(code RuntimeErrorCode, err error, format string, args ...any) *RuntimeError {
	return &RuntimeError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Err:     err,
	}
}
