package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Error codes used by the run taxonomy.
const (
	CodePerTask       = "PER_TASK"
	CodeEnumeration   = "ENUMERATION"
	CodeConfiguration = "CONFIGURATION"
	CodeNodeFailure   = "NODE_FAILURE"
)

var (
	// ErrEnumeration indicates that the input dataset could not be listed
	ErrEnumeration = errors.New("enumeration failed")

	// ErrConfiguration indicates invalid run parameters
	ErrConfiguration = errors.New("invalid configuration")

	// ErrNodeFailure indicates that one or more nodes did not produce a result
	ErrNodeFailure = errors.New("node failure")

	// ErrTaskFailed indicates that a single item could not be processed
	ErrTaskFailed = errors.New("task failed")
)

// Error represents a structured run error
type Error struct {
	// Code is a machine-readable error code
	Code string

	// Message is a human-readable error message
	Message string

	// Err is the underlying error, if any
	Err error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the sentinel that corresponds to the error code, so callers can
// use errors.Is(err, ErrConfiguration) without caring about the wrapped cause.
func (e *Error) Is(target error) bool {
	switch e.Code {
	case CodeEnumeration:
		return target == ErrEnumeration
	case CodeConfiguration:
		return target == ErrConfiguration
	case CodeNodeFailure:
		return target == ErrNodeFailure
	case CodePerTask:
		return target == ErrTaskFailed
	}
	return false
}

// NewError creates a new structured error
func NewError(code, message string, err error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Configuration builds a ConfigurationError.
func Configuration(format string, args ...any) *Error {
	return NewError(CodeConfiguration, fmt.Sprintf(format, args...), nil)
}

// Enumeration builds an EnumerationError for the offending path.
func Enumeration(path string, err error) *Error {
	return NewError(CodeEnumeration, fmt.Sprintf("cannot read input root %q", path), err)
}

// NodeFailure builds a NodeFailure naming every node that produced no result.
func NodeFailure(missing []string) *Error {
	return NewError(CodeNodeFailure,
		fmt.Sprintf("no result from node(s) %s", strings.Join(missing, ", ")), nil)
}

// PerTask builds a PerTaskError for the given task source.
func PerTask(source string, err error) *Error {
	return NewError(CodePerTask, fmt.Sprintf("processing %s", source), err)
}

// IsConfiguration checks if an error is a configuration error
func IsConfiguration(err error) bool {
	return errors.Is(err, ErrConfiguration)
}

// IsEnumeration checks if an error is an enumeration error
func IsEnumeration(err error) bool {
	return errors.Is(err, ErrEnumeration)
}

// IsNodeFailure checks if an error is a node failure
func IsNodeFailure(err error) bool {
	return errors.Is(err, ErrNodeFailure)
}

// CodeOf returns the code of the first structured error in the chain, or "".
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
