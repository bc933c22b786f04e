// Package output formats human-readable CLI output: status lines and
// aligned tables.
package output

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/mattn/go-isatty"
)

// Writer writes formatted CLI output.
type Writer struct {
	out io.Writer
}

// New creates a Writer on out.
func New(out io.Writer) *Writer {
	return &Writer{out: out}
}

// Status prints msg behind icon, or indented when icon is empty.
// Write errors are ignored for console output.
func (w *Writer) Status(icon, msg string) {
	if icon == "" {
		_, _ = fmt.Fprintf(w.out, "   %s\n", msg)
		return
	}
	_, _ = fmt.Fprintf(w.out, "%s %s\n", icon, msg)
}

// Statusf is Status with a format string.
func (w *Writer) Statusf(icon, format string, args ...any) {
	w.Status(icon, fmt.Sprintf(format, args...))
}

// Successf prints a success line.
func (w *Writer) Successf(format string, args ...any) {
	w.Statusf("✅", format, args...)
}

// Warningf prints a warning line.
func (w *Writer) Warningf(format string, args ...any) {
	w.Statusf("⚠️ ", format, args...)
}

// Errorf prints an error line.
func (w *Writer) Errorf(format string, args ...any) {
	w.Statusf("❌", format, args...)
}

// KeyValues prints aligned "key: value" pairs in the given order.
func (w *Writer) KeyValues(pairs ...[2]string) {
	tw := tabwriter.NewWriter(w.out, 0, 4, 2, ' ', 0)
	for _, p := range pairs {
		_, _ = fmt.Fprintf(tw, "%s:\t%s\n", p[0], p[1])
	}
	_ = tw.Flush()
}

// Table prints rows under upper-cased headers with aligned columns.
// Cells are single-line; embedded newlines are replaced by spaces.
func (w *Writer) Table(headers []string, rows [][]string) {
	tw := tabwriter.NewWriter(w.out, 0, 4, 2, ' ', 0)
	upper := make([]string, len(headers))
	for i, h := range headers {
		upper[i] = strings.ToUpper(h)
	}
	_, _ = fmt.Fprintln(tw, strings.Join(upper, "\t"))
	for _, row := range rows {
		cells := make([]string, len(row))
		for i, c := range row {
			cells[i] = strings.ReplaceAll(c, "\n", " ")
		}
		_, _ = fmt.Fprintln(tw, strings.Join(cells, "\t"))
	}
	_ = tw.Flush()
}

// Truncate shortens s to at most n runes, marking the cut with "...".
func Truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n <= 3 {
		return string(r[:n])
	}
	return string(r[:n-3]) + "..."
}

// IsTTY reports whether w is a terminal.
func IsTTY(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// ColorEnabled reports whether ANSI colors should be written to w: only on a
// terminal, and never while NO_COLOR is set.
func ColorEnabled(w io.Writer) bool {
	if _, set := os.LookupEnv("NO_COLOR"); set {
		return false
	}
	return IsTTY(w)
}
