package logging

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultLogPath(t *testing.T) {
	path := DefaultLogPath()

	assert.Equal(t, LogFileName, filepath.Base(path))
	assert.Contains(t, path, filepath.Join(".indexsync", "logs"))
}

func TestSetup_WritesJSONAtLevel(t *testing.T) {
	// Given: a logger at warn level in a temp directory
	dir := t.TempDir()
	logger, cleanup, err := Setup(Config{Level: "warn", Dir: dir})
	require.NoError(t, err)

	// When: logging below and at the level
	logger.Info("outbox_batch_applied", slog.Int("applied", 3))
	logger.Warn("executor_circuit_open", slog.String("backend", "local"))
	cleanup()

	// Then: only the warn record is written, as JSON
	data, err := os.ReadFile(filepath.Join(dir, LogFileName))
	require.NoError(t, err)
	assert.NotContains(t, string(data), "outbox_batch_applied")
	assert.Contains(t, string(data), `"msg":"executor_circuit_open"`)
	assert.Contains(t, string(data), `"backend":"local"`)
}

func TestLevelFromString(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range tests {
		assert.Equal(t, want, LevelFromString(in), in)
	}
}

func TestFindLogFile(t *testing.T) {
	dir := t.TempDir()

	// Given: no file yet
	_, err := FindLogFile("", dir)
	if _, statErr := os.Stat(DefaultLogPath()); statErr != nil {
		assert.Error(t, err)
	}

	// When: the file exists in dir
	path := filepath.Join(dir, LogFileName)
	require.NoError(t, os.WriteFile(path, []byte("{}\n"), 0o644))

	// Then: it is found ahead of the default location
	got, err := FindLogFile("", dir)
	require.NoError(t, err)
	assert.Equal(t, path, got)

	_, err = FindLogFile(filepath.Join(dir, "missing.log"), "")
	assert.Error(t, err)
}

func TestRotatingWriter_ImmediateSync(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "test.log")
	w, err := NewRotatingWriter(logPath, 1, 3)
	require.NoError(t, err)
	defer w.Close()

	line := []byte(`{"level":"INFO","msg":"test"}` + "\n")
	n, err := w.Write(line)
	require.NoError(t, err)
	assert.Equal(t, len(line), n)

	// Visible without closing the writer.
	content, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Equal(t, string(line), string(content))
}

func TestRotatingWriter_Rotation(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "rotate.log")

	// Given: a zero size limit, so every write rotates
	w, err := NewRotatingWriter(logPath, 0, 2)
	require.NoError(t, err)
	defer w.Close()

	// When: writing several times
	for i := range 5 {
		_, err := fmt.Fprintf(w, "line %d\n", i)
		require.NoError(t, err)
	}

	// Then: the live file holds the last line and only maxFiles copies remain
	content, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Equal(t, "line 4\n", string(content))
	assert.FileExists(t, logPath+".1")
	assert.FileExists(t, logPath+".2")
	assert.NoFileExists(t, logPath+".3")
}

func TestRotatingWriter_PrunesExpiredCopiesOnOpen(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "indexsync.log")

	// Given: rotated copies left by an earlier run, one of them old
	require.NoError(t, os.WriteFile(logPath+".1", []byte("recent\n"), 0o644))
	require.NoError(t, os.WriteFile(logPath+".2", []byte("old\n"), 0o644))
	old := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(logPath+".2", old, old))

	// When: opening with a one day max age
	w, err := NewRotatingWriter(logPath, 10, 5, WithMaxAge(24*time.Hour))
	require.NoError(t, err)
	defer w.Close()

	// Then: only the expired copy is gone
	assert.FileExists(t, logPath+".1")
	assert.NoFileExists(t, logPath+".2")
}

func TestRotatingWriter_EmptyFileIsNotRotated(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "big.log")
	w, err := NewRotatingWriter(logPath, 0, 3, WithImmediateSync(false))
	require.NoError(t, err)
	defer w.Close()

	// A record larger than the limit still lands in the empty live file.
	_, err = w.Write([]byte("first\n"))
	require.NoError(t, err)

	assert.NoFileExists(t, logPath+".1")
}

func TestRotatingWriter_ConcurrentWrites(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "concurrent.log")
	w, err := NewRotatingWriter(logPath, 10, 3)
	require.NoError(t, err)
	w.SetImmediateSync(false)

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := range 50 {
				_, _ = fmt.Fprintf(w, `{"id":%d,"iter":%d}`+"\n", id, j)
			}
		}(i)
	}
	wg.Wait()
	require.NoError(t, w.Sync())
	require.NoError(t, w.Close())

	content, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Len(t, strings.Split(strings.TrimSpace(string(content)), "\n"), 400)
}

func writeLines(t *testing.T, path string, lines ...string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	defer f.Close()
	for _, l := range lines {
		_, err := f.WriteString(l + "\n")
		require.NoError(t, err)
	}
}

func TestViewer_TailFilters(t *testing.T) {
	path := filepath.Join(t.TempDir(), LogFileName)
	writeLines(t, path,
		`{"time":"2026-01-01T10:00:00Z","level":"DEBUG","msg":"executor_batch_sent","items":4}`,
		`{"time":"2026-01-01T10:00:01Z","level":"INFO","msg":"outbox_batch_applied","applied":2}`,
		`not json at all`,
		`{"time":"2026-01-01T10:00:02Z","level":"WARN","msg":"outbox_row_quarantined","row_id":7}`,
	)

	tests := []struct {
		name string
		cfg  ViewerConfig
		n    int
		want []string
	}{
		{"no filter", ViewerConfig{}, 10, []string{"executor_batch_sent", "outbox_batch_applied", "", "outbox_row_quarantined"}},
		{"last two", ViewerConfig{}, 2, []string{"", "outbox_row_quarantined"}},
		{"level", ViewerConfig{Level: "info"}, 10, []string{"outbox_batch_applied", "", "outbox_row_quarantined"}},
		{"events", ViewerConfig{Events: []string{"outbox_"}}, 10, []string{"outbox_batch_applied", "outbox_row_quarantined"}},
		{"pattern", ViewerConfig{Pattern: regexp.MustCompile(`row_id`)}, 10, []string{"outbox_row_quarantined"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entries, err := NewViewer(tt.cfg, nil).Tail(path, tt.n)
			require.NoError(t, err)

			var got []string
			for _, e := range entries {
				got = append(got, e.Msg)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestViewer_FormatEntry(t *testing.T) {
	v := NewViewer(ViewerConfig{NoColor: true}, nil)

	entry := v.parseLine(`{"time":"2026-01-01T10:00:01.5Z","level":"INFO","msg":"outbox_batch_applied","failed":0,"applied":2}`)
	assert.Equal(t, "10:00:01.500 INFO  outbox_batch_applied applied=2 failed=0", v.FormatEntry(entry))

	raw := v.parseLine("plain text")
	assert.False(t, raw.IsValid)
	assert.Equal(t, "plain text", v.FormatEntry(raw))
}

func TestViewer_Tail_NonexistentFile(t *testing.T) {
	_, err := NewViewer(ViewerConfig{}, nil).Tail(filepath.Join(t.TempDir(), "nope.log"), 10)
	assert.Error(t, err)
}

func TestViewer_Follow(t *testing.T) {
	path := filepath.Join(t.TempDir(), LogFileName)
	writeLines(t, path, `{"level":"INFO","msg":"before_follow"}`)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	entries := make(chan LogEntry, 16)
	done := make(chan error, 1)
	go func() {
		done <- NewViewer(ViewerConfig{Events: []string{"transport_"}}, nil).Follow(ctx, path, entries)
	}()

	// Keep appending until the follower, which starts at the end, sees one.
	var writers sync.WaitGroup
	writers.Add(1)
	go func() {
		defer writers.Done()
		ticker := time.NewTicker(50 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
				if err != nil {
					return
				}
				_, _ = f.WriteString(`{"level":"INFO","msg":"outbox_batch_applied"}` + "\n" +
					`{"level":"INFO","msg":"transport_batch_applied"}` + "\n")
				_ = f.Close()
			}
		}
	}()

	select {
	case e := <-entries:
		assert.Equal(t, "transport_batch_applied", e.Msg)
	case <-ctx.Done():
		t.Fatal("no entry followed")
	}

	cancel()
	writers.Wait()
	assert.NoError(t, <-done)
}
