package errors

import (
	stderrors "errors"
	"fmt"
)

// Error is the structured error type for indexsync.
// It carries enough context for logging and for deciding whether an
// error may abort startup.
type Error struct {
	// Code is the unique error code (e.g., "ERR_103_TRIGGER_INVALID").
	Code string

	// Message is the human-readable error message.
	Message string

	// Category is the error category (Config, IO, Internal).
	Category Category

	// Severity is the error severity level.
	Severity Severity

	// Details contains additional context as key-value pairs.
	Details map[string]string

	// Cause is the underlying error.
	Cause error

	// Retryable indicates if the operation can be retried.
	Retryable bool
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil && e.Cause.Error() != e.Message {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for error chain support.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches another *Error by code so errors.Is works across wrapping.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// WithDetail adds a key-value detail to the error.
func (e *Error) WithDetail(key, value string) *Error {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// New creates a new Error; category, severity and retryability derive from the code.
func New(code string, message string, cause error) *Error {
	return &Error{
		Code:      code,
		Message:   message,
		Category:  categoryFromCode(code),
		Severity:  severityFromCode(code),
		Cause:     cause,
		Retryable: isRetryableCode(code),
	}
}

// Wrap creates an Error from an existing error, or nil when err is nil.
func Wrap(code string, err error) *Error {
	if err == nil {
		return nil
	}
	return New(code, err.Error(), err)
}

// ConfigError creates a configuration error.
func ConfigError(message string, cause error) *Error {
	return New(ErrCodeConfigInvalid, message, cause)
}

// TriggerError creates an error for a malformed schedule trigger.
func TriggerError(trigger string, cause error) *Error {
	return New(ErrCodeTriggerInvalid, fmt.Sprintf("invalid trigger %q", trigger), cause).
		WithDetail("trigger", trigger)
}

// SnapshotCorrupt creates an error for a snapshot that failed verification.
func SnapshotCorrupt(id string, cause error) *Error {
	return New(ErrCodeSnapshotCorrupt, fmt.Sprintf("snapshot %s is corrupt", id), cause).
		WithDetail("snapshot_id", id)
}

// RowCorrupt creates an error for a change log row that could not be mapped.
func RowCorrupt(area string, generation int64, cause error) *Error {
	return New(ErrCodeRowCorrupt, fmt.Sprintf("row %s/%d could not be mapped", area, generation), cause).
		WithDetail("area", area).
		WithDetail("generation", fmt.Sprint(generation))
}

// IsRetryable reports whether err (or anything it wraps) is a retryable Error.
func IsRetryable(err error) bool {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// IsFatal reports whether err carries fatal severity.
func IsFatal(err error) bool {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Severity == SeverityFatal
	}
	return false
}

// GetCode extracts the error code, or "" when err is not an Error.
func GetCode(err error) string {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Code
	}
	return ""
}
