package cur

import (
	"errors"
	"fmt"
)

// ErrorClass is the failure classification attached to pipeline errors. The
// orchestrator's retry policies match on classes, never on error strings.
type ErrorClass string

const (
	// ErrClassValidation marks missing or malformed client configuration.
	// Never retried.
	ErrClassValidation ErrorClass = "ValidationError"

	// ErrClassServiceException marks transient service faults (network,
	// throttling) raised by a stage's backing service.
	ErrClassServiceException ErrorClass = "ServiceException"

	// ErrClassTimeout marks a stage that exceeded its own wall-clock budget.
	ErrClassTimeout ErrorClass = "Timeout"

	// Credential vending failures.
	ErrClassAccessDenied       ErrorClass = "AccessDenied"
	ErrClassInvalidExternalID  ErrorClass = "InvalidExternalId"
	ErrClassServiceUnavailable ErrorClass = "ServiceUnavailable"

	// Data transformation failures.
	ErrClassNoSourceData  ErrorClass = "NoSourceData"
	ErrClassParseError    ErrorClass = "ParseError"
	ErrClassUploadError   ErrorClass = "UploadError"
	ErrClassQuotaExceeded ErrorClass = "QuotaExceeded"

	// ErrClassUnknown is returned by ClassOf for unclassified errors.
	ErrClassUnknown ErrorClass = "Unknown"
)

// Error is a classified pipeline error.
type Error struct {
	Class ErrorClass
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Class, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a classified error from a format string.
func NewError(class ErrorClass, format string, args ...interface{}) *Error {
	return &Error{Class: class, Err: fmt.Errorf(format, args...)}
}

// WrapError attaches a classification to an existing error.
func WrapError(class ErrorClass, err error) *Error {
	return &Error{Class: class, Err: err}
}

// ClassOf extracts the classification from err, unwrapping as needed.
// Unclassified errors report ErrClassUnknown.
func ClassOf(err error) ErrorClass {
	var cerr *Error
	if errors.As(err, &cerr) {
		return cerr.Class
	}
	return ErrClassUnknown
}
