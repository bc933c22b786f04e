package errors

import (
	"fmt"
	"log/slog"
	"strings"
)

// FormatForCLI formats an error for CLI output.
// Uses a concise format suitable for terminal display.
func FormatForCLI(err error) string {
	if err == nil {
		return ""
	}

	se, ok := err.(*SyncError)
	if !ok {
		se = Wrap(ErrCodeInternal, err)
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Error: %s\n", se.Message))
	if se.Suggestion != "" {
		sb.WriteString(fmt.Sprintf("  Hint: %s\n", se.Suggestion))
	}
	sb.WriteString(fmt.Sprintf("  Code: %s\n", se.Code))

	return sb.String()
}

// LogAttrs returns slog attributes describing err, suitable for
// logger.Error("event", errors.LogAttrs(err)...).
func LogAttrs(err error) []any {
	if err == nil {
		return nil
	}

	se, ok := err.(*SyncError)
	if !ok {
		return []any{slog.String("error", err.Error())}
	}

	attrs := []any{
		slog.String("error_code", se.Code),
		slog.String("error", se.Message),
		slog.String("category", string(se.Category)),
		slog.Bool("retryable", se.Retryable),
	}
	if se.Cause != nil {
		attrs = append(attrs, slog.String("cause", se.Cause.Error()))
	}
	for k, v := range se.Details {
		attrs = append(attrs, slog.String("detail_"+k, v))
	}
	return attrs
}
