package errors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFormatForCLI_IncludesHintAndCode(t *testing.T) {
	err := New(ErrCodeNoConnection, "cannot reach search backend", nil).
		WithSuggestion("Check backend.url in .indexsync.yaml")

	out := FormatForCLI(err)

	assert.Contains(t, out, "Error: cannot reach search backend")
	assert.Contains(t, out, "Hint: Check backend.url")
	assert.Contains(t, out, "Code: ERR_303_NO_CONNECTION")
}

func TestFormatForCLI_WrapsStandardError(t *testing.T) {
	out := FormatForCLI(errors.New("boom"))

	assert.Contains(t, out, "Error: boom")
	assert.Contains(t, out, ErrCodeInternal)
}

func TestFormatForCLI_NilError(t *testing.T) {
	assert.Equal(t, "", FormatForCLI(nil))
}

func TestLogAttrs_StandardError(t *testing.T) {
	attrs := LogAttrs(errors.New("plain"))

	assert.Len(t, attrs, 1)
}

func TestLogAttrs_SyncErrorWithDetails(t *testing.T) {
	err := New(ErrCodePoisonEntry, "gave up", errors.New("mapper_parsing_exception")).
		WithDetail("outbox_id", "17")

	attrs := LogAttrs(err)

	// code, message, category, retryable, cause, one detail
	assert.Len(t, attrs, 6)
	assert.Nil(t, LogAttrs(nil))
}
