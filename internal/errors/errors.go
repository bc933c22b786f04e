package errors

import (
	"errors"
	"fmt"
)

// SyncError is the structured error type for indexsync.
// It provides rich context for error handling, logging, and failure handlers.
type SyncError struct {
	// Code is the unique error code (e.g., "ERR_302_BACKEND_THROTTLED").
	Code string

	// Message is the human-readable error message.
	Message string

	// Category is the error category (Config, Storage, Backend, etc.).
	Category Category

	// Severity is the error severity level.
	Severity Severity

	// Details contains additional context as key-value pairs.
	Details map[string]string

	// Cause is the underlying error that caused this error.
	Cause error

	// Retryable indicates if the operation can be retried.
	Retryable bool

	// Suggestion is an actionable suggestion for the operator.
	Suggestion string
}

// Error implements the error interface.
func (e *SyncError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for error chain support.
func (e *SyncError) Unwrap() error {
	return e.Cause
}

// Is checks if this error matches the target error by code.
// This enables errors.Is() to work with SyncError.
func (e *SyncError) Is(target error) bool {
	if t, ok := target.(*SyncError); ok {
		return e.Code == t.Code
	}
	return false
}

// WithDetail adds a key-value detail to the error.
// Returns the error for method chaining.
func (e *SyncError) WithDetail(key, value string) *SyncError {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// WithSuggestion adds an actionable suggestion.
// Returns the error for method chaining.
func (e *SyncError) WithSuggestion(suggestion string) *SyncError {
	e.Suggestion = suggestion
	return e
}

// New creates a new SyncError with the given code and message.
// Category, severity, and retryable flag are derived from the code.
func New(code string, message string, cause error) *SyncError {
	return &SyncError{
		Code:      code,
		Message:   message,
		Category:  categoryFromCode(code),
		Severity:  severityFromCode(code),
		Cause:     cause,
		Retryable: isRetryableCode(code),
	}
}

// Wrap creates a SyncError from an existing error.
// The error's message becomes the SyncError message.
func Wrap(code string, err error) *SyncError {
	if err == nil {
		return nil
	}
	return New(code, err.Error(), err)
}

// Sentinel returns a code-only error for use as an errors.Is target.
func Sentinel(code string) *SyncError {
	return &SyncError{Code: code}
}

// ConfigError creates a configuration-related error.
func ConfigError(message string, cause error) *SyncError {
	return New(ErrCodeConfigInvalid, message, cause)
}

// StorageError creates an outbox/storage error.
func StorageError(message string, cause error) *SyncError {
	return New(ErrCodeStorage, message, cause)
}

// BackendUnavailable creates a transient backend error.
func BackendUnavailable(message string, cause error) *SyncError {
	return New(ErrCodeBackendUnavailable, message, cause)
}

// ValidationError creates a validation-related error.
func ValidationError(message string, cause error) *SyncError {
	return New(ErrCodeInvalidInput, message, cause)
}

// InternalError creates an internal error.
func InternalError(message string, cause error) *SyncError {
	return New(ErrCodeInternal, message, cause)
}

// IsRetryable checks if an error is retryable.
// Returns true if any SyncError in the chain has the Retryable flag set.
func IsRetryable(err error) bool {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Retryable
	}
	return false
}

// IsFatal checks if an error has fatal severity.
func IsFatal(err error) bool {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Severity == SeverityFatal
	}
	return false
}

// GetCode extracts the error code from the first SyncError in the chain.
// Returns empty string if there is none.
func GetCode(err error) string {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}

// GetCategory extracts the category from the first SyncError in the chain.
func GetCategory(err error) Category {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Category
	}
	return ""
}

// HasCode reports whether err carries the given code anywhere in its chain.
func HasCode(err error, code string) bool {
	return errors.Is(err, Sentinel(code))
}
