package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"
)

// RotatingWriter is an io.Writer over a log file that is rotated by size.
// Rotated copies are named path.1 (newest) to path.N and are pruned by count
// and, when a max age is set, by modification time.
type RotatingWriter struct {
	path     string
	maxSize  int64
	maxFiles int
	maxAge   time.Duration

	mu            sync.Mutex
	file          *os.File
	written       int64
	immediateSync bool
}

// WriterOption configures a RotatingWriter.
type WriterOption func(*RotatingWriter)

// WithMaxAge removes rotated copies older than d. Zero keeps them until
// they fall out of the count limit.
func WithMaxAge(d time.Duration) WriterOption {
	return func(w *RotatingWriter) {
		w.maxAge = d
	}
}

// WithImmediateSync sets whether every write is followed by an fsync.
// It is on by default so `indexsync logs -f` sees records as they happen.
func WithImmediateSync(enabled bool) WriterOption {
	return func(w *RotatingWriter) {
		w.immediateSync = enabled
	}
}

// NewRotatingWriter opens path for appending. A write that would push the
// file past maxSizeMB rotates it first; at most maxFiles copies are kept.
// Expired copies from earlier runs are pruned on open.
func NewRotatingWriter(path string, maxSizeMB, maxFiles int, opts ...WriterOption) (*RotatingWriter, error) {
	w := &RotatingWriter{
		path:          path,
		maxSize:       int64(maxSizeMB) * 1024 * 1024,
		maxFiles:      maxFiles,
		immediateSync: true,
	}
	for _, opt := range opts {
		opt(w)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	if err := w.openFile(); err != nil {
		return nil, err
	}
	if files, err := w.rotatedFiles(); err == nil {
		w.prune(files)
	}
	return w, nil
}

// SetImmediateSync toggles the fsync after every write.
func (w *RotatingWriter) SetImmediateSync(enabled bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.immediateSync = enabled
}

// Write implements io.Writer. A failed rotation is reported on stderr and
// the record goes to the current file.
func (w *RotatingWriter) Write(p []byte) (n int, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.written > 0 && w.written+int64(len(p)) > w.maxSize {
		if err := w.rotate(); err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "log rotation failed: %v\n", err)
		}
	}
	if w.file == nil {
		if err := w.openFile(); err != nil {
			return 0, err
		}
	}

	n, err = w.file.Write(p)
	w.written += int64(n)
	if w.immediateSync && err == nil {
		_ = w.file.Sync()
	}
	return n, err
}

// Close closes the underlying file.
func (w *RotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}

// Sync flushes the file to disk.
func (w *RotatingWriter) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file != nil {
		return w.file.Sync()
	}
	return nil
}

func (w *RotatingWriter) openFile() error {
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to stat log file: %w", err)
	}
	w.file = f
	w.written = info.Size()
	return nil
}

type rotatedFile struct {
	path    string
	num     int
	modTime time.Time
}

// rotatedFiles lists path.N copies, highest number first.
func (w *RotatingWriter) rotatedFiles() ([]rotatedFile, error) {
	base := filepath.Base(w.path)
	matches, err := filepath.Glob(filepath.Join(filepath.Dir(w.path), base+".*"))
	if err != nil {
		return nil, fmt.Errorf("failed to find rotated files: %w", err)
	}

	files := make([]rotatedFile, 0, len(matches))
	for _, m := range matches {
		num, err := strconv.Atoi(strings.TrimPrefix(filepath.Base(m), base+"."))
		if err != nil || num <= 0 {
			continue
		}
		info, err := os.Stat(m)
		if err != nil {
			continue
		}
		files = append(files, rotatedFile{path: m, num: num, modTime: info.ModTime()})
	}
	slices.SortFunc(files, func(a, b rotatedFile) int { return b.num - a.num })
	return files, nil
}

// prune removes copies that are expired or would be numbered past maxFiles
// after the next shift, and returns the survivors in the same order.
func (w *RotatingWriter) prune(files []rotatedFile) []rotatedFile {
	kept := files[:0]
	for _, f := range files {
		expired := w.maxAge > 0 && time.Since(f.modTime) > w.maxAge
		if f.num > w.maxFiles || expired {
			_ = os.Remove(f.path)
			continue
		}
		kept = append(kept, f)
	}
	return kept
}

// rotate closes the live file and shifts every copy up by one: the live
// file becomes path.1 and path.maxFiles is dropped.
func (w *RotatingWriter) rotate() error {
	if w.file != nil {
		if err := w.file.Close(); err != nil {
			return fmt.Errorf("failed to close log file: %w", err)
		}
		w.file = nil
	}

	files, err := w.rotatedFiles()
	if err != nil {
		return err
	}
	for _, f := range w.prune(files) {
		if f.num >= w.maxFiles {
			_ = os.Remove(f.path)
			continue
		}
		_ = os.Rename(f.path, fmt.Sprintf("%s.%d", w.path, f.num+1))
	}

	if err := os.Rename(w.path, w.path+".1"); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to rotate log file: %w", err)
	}
	return w.openFile()
}
