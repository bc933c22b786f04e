// Package daemon guards a running `indexsync run` process with a PID file so
// other commands can find, inspect and stop it.
package daemon

import (
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/Aman-CERP/indexsync/internal/errors"
)

// ErrNotRunning is returned when no live process owns the PID file.
var ErrNotRunning = stderrors.New("daemon is not running")

// PIDFile manages a daemon process ID file.
type PIDFile struct {
	path string
}

// NewPIDFile creates a PIDFile for path.
func NewPIDFile(path string) *PIDFile {
	return &PIDFile{path: path}
}

// PathFor returns the PID file guarding the outbox at outboxPath. An
// in-memory outbox has no PID file.
func PathFor(outboxPath string) string {
	if outboxPath == "" || outboxPath == ":memory:" {
		return ""
	}
	return outboxPath + ".pid"
}

// Path returns the PID file path.
func (p *PIDFile) Path() string {
	return p.path
}

// Acquire records the current process. It fails when another live process
// already holds the file; a file left by a dead process is taken over.
func (p *PIDFile) Acquire() error {
	if pid, err := p.Read(); err == nil && pid != os.Getpid() && processExists(pid) {
		return errors.New(errors.ErrCodeIndexLocked, "another indexsync run is active", nil).
			WithDetail("pid", strconv.Itoa(pid)).
			WithDetail("pid_file", p.path).
			WithSuggestion("stop it with 'indexsync stop' or point this one at another outbox")
	}

	if err := os.MkdirAll(filepath.Dir(p.path), 0o755); err != nil {
		return errors.StorageError("failed to create PID directory", err)
	}
	if err := os.WriteFile(p.path, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		return errors.StorageError("failed to write PID file", err)
	}
	return nil
}

// Release removes the file if it still names the current process.
func (p *PIDFile) Release() error {
	pid, err := p.Read()
	if err != nil || pid != os.Getpid() {
		return nil
	}
	if err := os.Remove(p.path); err != nil && !os.IsNotExist(err) {
		return errors.StorageError("failed to remove PID file", err)
	}
	return nil
}

// Read returns the recorded PID, or ErrNotRunning when there is no file.
func (p *PIDFile) Read() (int, error) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, ErrNotRunning
		}
		return 0, fmt.Errorf("failed to read PID file: %w", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid PID in file: %w", err)
	}
	return pid, nil
}

// Running returns the PID of the live owner, or ErrNotRunning.
func (p *PIDFile) Running() (int, error) {
	pid, err := p.Read()
	if err != nil {
		return 0, err
	}
	if !processExists(pid) {
		return 0, ErrNotRunning
	}
	return pid, nil
}

// Signal sends sig to the live owner.
func (p *PIDFile) Signal(sig syscall.Signal) (int, error) {
	pid, err := p.Running()
	if err != nil {
		return 0, err
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return pid, fmt.Errorf("failed to find process %d: %w", pid, err)
	}
	if err := process.Signal(sig); err != nil {
		return pid, fmt.Errorf("failed to signal process %d: %w", pid, err)
	}
	return pid, nil
}

// processExists checks pid with signal 0, since FindProcess always
// succeeds on Unix.
func processExists(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}
