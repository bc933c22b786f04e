// Package errors provides structured error handling for indexsync.
//
// Error codes follow the pattern ERR_XXX_DESCRIPTION where:
//   - 1XX: Configuration errors
//   - 2XX: Storage errors (outbox, system-of-record)
//   - 3XX: Backend transport errors
//   - 4XX: Item and validation errors
//   - 5XX: Internal errors
package errors

// Category defines error categories for classification.
type Category string

const (
	// CategoryConfig indicates configuration-related errors.
	CategoryConfig Category = "CONFIG"
	// CategoryStorage indicates outbox and system-of-record storage errors.
	CategoryStorage Category = "STORAGE"
	// CategoryBackend indicates errors talking to the search backend.
	CategoryBackend Category = "BACKEND"
	// CategoryItem indicates a single work item was rejected.
	CategoryItem Category = "ITEM"
	// CategoryInternal indicates unexpected internal errors.
	CategoryInternal Category = "INTERNAL"
)

// Severity defines error severity levels.
type Severity string

const (
	// SeverityFatal indicates unrecoverable error, must abort.
	SeverityFatal Severity = "FATAL"
	// SeverityError indicates operation failed but can continue.
	SeverityError Severity = "ERROR"
	// SeverityWarning indicates degraded operation, continuing.
	SeverityWarning Severity = "WARNING"
	// SeverityInfo indicates informational only.
	SeverityInfo Severity = "INFO"
)

// Error codes organized by category.
const (
	// Config errors (100-199)
	ErrCodeConfigNotFound = "ERR_101_CONFIG_NOT_FOUND"
	ErrCodeConfigInvalid  = "ERR_102_CONFIG_INVALID"

	// Storage errors (200-299)
	ErrCodeStorage       = "ERR_201_STORAGE"
	ErrCodeSchemaVersion = "ERR_202_SCHEMA_VERSION"
	ErrCodeIndexLocked   = "ERR_203_INDEX_LOCKED"
	ErrCodeCorruptIndex  = "ERR_204_CORRUPT_INDEX"

	// Backend errors (300-399)
	ErrCodeBackendUnavailable = "ERR_301_BACKEND_UNAVAILABLE"
	ErrCodeBackendThrottled   = "ERR_302_BACKEND_THROTTLED"
	ErrCodeNoConnection       = "ERR_303_NO_CONNECTION"
	ErrCodeBackendResponse    = "ERR_304_BACKEND_RESPONSE"

	// Item errors (400-499)
	ErrCodeInvalidInput     = "ERR_401_INVALID_INPUT"
	ErrCodeDocumentRejected = "ERR_402_DOCUMENT_REJECTED"
	ErrCodeMappingInvalid   = "ERR_403_MAPPING_INVALID"
	ErrCodePartialFailure   = "ERR_404_PARTIAL_FAILURE"
	ErrCodeUnsupported      = "ERR_405_UNSUPPORTED"

	// Internal errors (500-599)
	ErrCodeInternal         = "ERR_501_INTERNAL"
	ErrCodeSerialization    = "ERR_502_SERIALIZATION"
	ErrCodeSubmissionFailed = "ERR_503_SUBMISSION_FAILED"
	ErrCodeQueueFull        = "ERR_504_QUEUE_FULL"
	ErrCodeSearchTimeout    = "ERR_505_SEARCH_TIMEOUT"
	ErrCodePoisonEntry      = "ERR_506_POISON_ENTRY"
	ErrCodeCancelled        = "ERR_507_CANCELLED"
	ErrCodePlanDrained      = "ERR_508_PLAN_DRAINED"
)

// categoryFromCode extracts category from error code.
func categoryFromCode(code string) Category {
	if len(code) < 7 {
		return CategoryInternal
	}

	// Extract numeric portion (e.g., "301" from "ERR_301_BACKEND_UNAVAILABLE")
	numStr := code[4:7]

	switch numStr[0] {
	case '1':
		return CategoryConfig
	case '2':
		return CategoryStorage
	case '3':
		return CategoryBackend
	case '4':
		return CategoryItem
	default:
		return CategoryInternal
	}
}

// severityFromCode determines severity based on error code.
func severityFromCode(code string) Severity {
	switch code {
	case ErrCodeCorruptIndex, ErrCodeSchemaVersion:
		return SeverityFatal
	}

	// Transient backend errors get warning severity
	if isRetryableCode(code) {
		return SeverityWarning
	}

	return SeverityError
}

// isRetryableCode checks if an error code represents a transient error.
func isRetryableCode(code string) bool {
	switch code {
	case ErrCodeBackendUnavailable, ErrCodeBackendThrottled:
		return true
	default:
		return false
	}
}
