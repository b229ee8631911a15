package errors

import (
	"context"
	"errors"
	"fmt"
)

type AnalysisError struct {
	Code    string
	Message string
	Cause   error
	Case    string
}

func (e *AnalysisError) Error() string {
	prefix := e.Code
	if e.Case != "" {
		prefix = fmt.Sprintf("%s [%s]", e.Code, e.Case)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.Message)
}

func (e *AnalysisError) Unwrap() error { return e.Cause }

const (
	ErrCodeMalformedLine        = "MALFORMED_LINE"
	ErrCodeMissingData          = "MISSING_DATA"
	ErrCodeMissingReferenceTime = "MISSING_REFERENCE_TIME"
	ErrCodeAlreadyResolved      = "ALREADY_RESOLVED"
	ErrCodeDuplicateKey         = "DUPLICATE_KEY"
	ErrCodeCaseFailed           = "CASE_FAILED"
	ErrCodeInvalidConfig        = "INVALID_CONFIG"
	ErrCodeDissectorFailed      = "DISSECTOR_FAILED"
)

var (
	// ErrMissingReferenceTime is returned when a qlog trace does not declare
	// the wall clock time its relative timestamps are based on.
	ErrMissingReferenceTime = &AnalysisError{
		Code:    ErrCodeMissingReferenceTime,
		Message: "trace has no reference time",
	}

	// ErrAlreadyResolved is returned when relative timestamps of a trace
	// were already converted to absolute times.
	ErrAlreadyResolved = &AnalysisError{
		Code:    ErrCodeAlreadyResolved,
		Message: "trace times already resolved",
	}

	// ErrDuplicateKey matches joins that found a correlation key more than
	// once on one side.
	ErrDuplicateKey = &AnalysisError{
		Code:    ErrCodeDuplicateKey,
		Message: "duplicate correlation key",
	}

	ErrNoData = &AnalysisError{
		Code:    ErrCodeMissingData,
		Message: "no data",
	}
)

func (e *AnalysisError) Is(target error) bool {
	t, ok := target.(*AnalysisError)
	if !ok {
		return false
	}
	return t.Code == e.Code && (t.Case == "" || t.Case == e.Case)
}

func ErrInvalidConfig(msg string, cause error) *AnalysisError {
	return &AnalysisError{
		Code:    ErrCodeInvalidConfig,
		Message: msg,
		Cause:   cause,
	}
}

func ErrDissectorFailed(path string, cause error) *AnalysisError {
	return &AnalysisError{
		Code:    ErrCodeDissectorFailed,
		Message: "dissect " + path,
		Cause:   cause,
	}
}

func ErrCaseFailed(name string, cause error) *AnalysisError {
	return &AnalysisError{
		Code:    ErrCodeCaseFailed,
		Message: "test case failed",
		Cause:   cause,
		Case:    name,
	}
}

func ErrMalformedLine(line int, cause error) *AnalysisError {
	return &AnalysisError{
		Code:    ErrCodeMalformedLine,
		Message: fmt.Sprintf("line %d", line),
		Cause:   cause,
	}
}

// MissingReferenceTime is ErrMissingReferenceTime with the reason the
// header could not be read.
func MissingReferenceTime(cause error) *AnalysisError {
	return &AnalysisError{
		Code:    ErrCodeMissingReferenceTime,
		Message: "trace has no reference time",
		Cause:   cause,
	}
}

func IsContextError(err error) bool {
	return errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
