package output

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriter_Status(t *testing.T) {
	// Given: a writer with a buffer
	buf := &bytes.Buffer{}
	w := New(buf)

	// When: printing with and without an icon
	w.Status("🔍", "Checking outbox")
	w.Status("", "detail")

	// Then: the icon prefixes the first line and the second is indented
	assert.Equal(t, "🔍 Checking outbox\n   detail\n", buf.String())
}

func TestWriter_LevelHelpers(t *testing.T) {
	buf := &bytes.Buffer{}
	w := New(buf)

	w.Successf("requeued %d rows", 3)
	w.Warningf("no rows")
	w.Errorf("failed: %s", "boom")

	out := buf.String()
	assert.Contains(t, out, "✅ requeued 3 rows")
	assert.Contains(t, out, "no rows")
	assert.Contains(t, out, "❌ failed: boom")
}

func TestWriter_TableAlignsColumns(t *testing.T) {
	// Given: rows of different widths
	buf := &bytes.Buffer{}
	w := New(buf)

	// When: printing a table
	w.Table([]string{"id", "entity"}, [][]string{
		{"1", "Book"},
		{"1234", "multi\nline"},
	})

	// Then: headers are upper-cased and the second column starts at one offset
	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "ID"))
	col := strings.Index(lines[0], "ENTITY")
	assert.Equal(t, col, strings.Index(lines[1], "Book"))
	assert.Equal(t, col, strings.Index(lines[2], "multi line"))
}

func TestWriter_KeyValues(t *testing.T) {
	buf := &bytes.Buffer{}
	New(buf).KeyValues([2]string{"pending", "2"}, [2]string{"oldest pending", "3s"})

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, strings.Index(lines[0], "2"), strings.Index(lines[1], "3s"))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", Truncate("short", 10))
	assert.Equal(t, "abcdefg...", Truncate("abcdefghijklmnop", 10))
	assert.Equal(t, "ab", Truncate("abcdef", 2))
}

func TestColorEnabled_OnlyOnTerminals(t *testing.T) {
	// Given: a buffer and a regular file
	f, err := os.Create(filepath.Join(t.TempDir(), "out.log"))
	require.NoError(t, err)
	defer f.Close()

	// Then: neither is a terminal, so colors stay off
	assert.False(t, IsTTY(&bytes.Buffer{}))
	assert.False(t, IsTTY(f))
	assert.False(t, ColorEnabled(&bytes.Buffer{}))
	assert.False(t, ColorEnabled(f))
}

func TestColorEnabled_NoColorWins(t *testing.T) {
	// Given: NO_COLOR set, even to an empty value
	t.Setenv("NO_COLOR", "")

	// Then: colors are off even on the process's own stdout
	assert.False(t, ColorEnabled(os.Stdout))
}
