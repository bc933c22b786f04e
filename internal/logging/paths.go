package logging

import (
	"fmt"
	"os"
	"path/filepath"
)

// LogFileName is the name of the indexsync log file inside the log directory.
const LogFileName = "indexsync.log"

// DefaultLogDir returns the default log directory (~/.indexsync/logs/).
// Falls back to temp directory if home directory is unavailable.
func DefaultLogDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".indexsync", "logs")
	}
	return filepath.Join(home, ".indexsync", "logs")
}

// DefaultLogPath returns the default log file path.
func DefaultLogPath() string {
	return filepath.Join(DefaultLogDir(), LogFileName)
}

// FindLogFile resolves the log file to view. An explicit path wins, then
// the file inside dir, then the default location.
func FindLogFile(explicit, dir string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err == nil {
			return explicit, nil
		}
		return "", fmt.Errorf("log file not found: %s", explicit)
	}

	candidates := []string{DefaultLogPath()}
	if dir != "" {
		candidates = append([]string{filepath.Join(dir, LogFileName)}, candidates...)
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}

	return "", fmt.Errorf("no log file found, expected at: %s\nstart the daemon with: indexsync run", candidates[0])
}
