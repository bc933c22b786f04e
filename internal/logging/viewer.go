package logging

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"regexp"
	"slices"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// LogEntry is one parsed JSON log line.
type LogEntry struct {
	Time  time.Time
	Level string
	// Msg is the event name, e.g. "outbox_batch_applied".
	Msg   string
	Attrs map[string]any
	Raw   string
	// IsValid is false when the line was not JSON.
	IsValid bool
}

// ViewerConfig configures the log viewer.
type ViewerConfig struct {
	Level string
	// Events keeps only entries whose event name has one of these prefixes.
	Events  []string
	Pattern *regexp.Regexp
	NoColor bool
}

// Viewer reads, filters and prints indexsync log files.
type Viewer struct {
	config ViewerConfig
	out    io.Writer
}

// NewViewer creates a new log viewer.
func NewViewer(cfg ViewerConfig, out io.Writer) *Viewer {
	return &Viewer{config: cfg, out: out}
}

// Tail returns the matching entries among the last n lines of path.
func (v *Viewer) Tail(path string, n int) ([]LogEntry, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	defer func() { _ = file.Close() }()
	if n <= 0 {
		return nil, nil
	}

	ring := make([]string, 0, n)
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		if len(ring) == n {
			ring = ring[1:]
		}
		ring = append(ring, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read log file: %w", err)
	}

	var entries []LogEntry
	for _, line := range ring {
		if entry := v.parseLine(line); v.matches(entry) {
			entries = append(entries, entry)
		}
	}
	return entries, nil
}

// Follow sends entries appended to path after the call until ctx is done.
// A rotation is detected by the file shrinking, after which the new file is
// read from the start.
func (v *Viewer) Follow(ctx context.Context, path string, entries chan<- LogEntry) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer func() { _ = file.Close() }()

	offset, err := file.Seek(0, io.SeekEnd)
	if err != nil {
		return fmt.Errorf("failed to seek to end: %w", err)
	}
	reader := bufio.NewReader(file)

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		if info, err := os.Stat(path); err == nil && info.Size() < offset {
			_ = file.Close()
			if file, err = os.Open(path); err != nil {
				return fmt.Errorf("failed to reopen rotated log file: %w", err)
			}
			reader.Reset(file)
			offset = 0
		}

		for {
			line, err := reader.ReadString('\n')
			offset += int64(len(line))
			if err != nil {
				// Partial line; keep it for the next tick.
				if line != "" {
					offset -= int64(len(line))
					_, _ = file.Seek(offset, io.SeekStart)
					reader.Reset(file)
				}
				break
			}
			line = strings.TrimSuffix(line, "\n")
			if line == "" {
				continue
			}
			entry := v.parseLine(line)
			if !v.matches(entry) {
				continue
			}
			select {
			case entries <- entry:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

// Print writes formatted entries to the output.
func (v *Viewer) Print(entries []LogEntry) {
	for _, entry := range entries {
		_, _ = fmt.Fprintln(v.out, v.FormatEntry(entry))
	}
}

// FormatEntry renders an entry as "15:04:05.000 LEVEL event k=v ...", with
// attributes in key order. Lines that were not JSON are returned unchanged.
func (v *Viewer) FormatEntry(entry LogEntry) string {
	if !entry.IsValid {
		return entry.Raw
	}

	keys := make([]string, 0, len(entry.Attrs))
	for k := range entry.Attrs {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	var b strings.Builder
	b.WriteString(entry.Time.Format("15:04:05.000"))
	b.WriteByte(' ')
	b.WriteString(v.formatLevel(entry.Level))
	b.WriteByte(' ')
	b.WriteString(entry.Msg)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, entry.Attrs[k])
	}
	return b.String()
}

func (v *Viewer) parseLine(line string) LogEntry {
	entry := LogEntry{Raw: line}

	var data map[string]any
	if err := json.Unmarshal([]byte(line), &data); err != nil {
		return entry
	}
	entry.IsValid = true

	if t, ok := data["time"].(string); ok {
		if parsed, err := time.Parse(time.RFC3339Nano, t); err == nil {
			entry.Time = parsed
		}
	}
	entry.Level, _ = data["level"].(string)
	entry.Msg, _ = data["msg"].(string)

	delete(data, "time")
	delete(data, "level")
	delete(data, "msg")
	entry.Attrs = data
	return entry
}

func (v *Viewer) matches(entry LogEntry) bool {
	if v.config.Level != "" && LevelFromString(entry.Level) < LevelFromString(v.config.Level) {
		return false
	}
	if len(v.config.Events) > 0 {
		if !slices.ContainsFunc(v.config.Events, func(prefix string) bool {
			return strings.HasPrefix(entry.Msg, prefix)
		}) {
			return false
		}
	}
	if v.config.Pattern != nil && !v.config.Pattern.MatchString(entry.Raw) {
		return false
	}
	return true
}

func (v *Viewer) formatLevel(level string) string {
	label := strings.ToUpper(level)
	if len(label) > 5 {
		label = label[:5]
	}
	label = fmt.Sprintf("%-5s", label)

	if v.config.NoColor {
		return label
	}
	switch strings.ToLower(level) {
	case "debug":
		return "\033[90m" + label + "\033[0m"
	case "info":
		return "\033[32m" + label + "\033[0m"
	case "warn", "warning":
		return "\033[33m" + label + "\033[0m"
	case "error":
		return "\033[31m" + label + "\033[0m"
	default:
		return label
	}
}
