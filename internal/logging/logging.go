package logging

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Config contains logging configuration.
type Config struct {
	// Level is the minimum log level (debug, info, warn, error).
	Level string
	// Dir is the log directory. Empty uses DefaultLogDir.
	Dir string
	// MaxSizeMB is the size in MB that triggers rotation.
	MaxSizeMB int
	// MaxFiles is the number of rotated files kept.
	MaxFiles int
	// MaxAge prunes rotated files older than this. Zero disables it.
	MaxAge time.Duration
	// WriteToStderr also writes every record to stderr.
	WriteToStderr bool
}

// DefaultConfig returns defaults for file logging.
func DefaultConfig() Config {
	return Config{
		Level:     "info",
		Dir:       DefaultLogDir(),
		MaxSizeMB: 10,
		MaxFiles:  5,
	}
}

// FilePath returns the log file path for this configuration.
func (c Config) FilePath() string {
	dir := c.Dir
	if dir == "" {
		dir = DefaultLogDir()
	}
	return filepath.Join(dir, LogFileName)
}

// Setup opens the rotating log file and returns a JSON logger writing to it,
// plus a cleanup function that flushes and closes the file.
func Setup(cfg Config) (*slog.Logger, func(), error) {
	maxSize, maxFiles := cfg.MaxSizeMB, cfg.MaxFiles
	if maxSize <= 0 {
		maxSize = 10
	}
	if maxFiles <= 0 {
		maxFiles = 5
	}

	writer, err := NewRotatingWriter(cfg.FilePath(), maxSize, maxFiles, WithMaxAge(cfg.MaxAge))
	if err != nil {
		return nil, nil, err
	}

	var output io.Writer = writer
	if cfg.WriteToStderr {
		output = io.MultiWriter(writer, os.Stderr)
	}

	logger := slog.New(slog.NewJSONHandler(output, &slog.HandlerOptions{
		Level: LevelFromString(cfg.Level),
	}))

	cleanup := func() {
		_ = writer.Sync()
		_ = writer.Close()
	}
	return logger, cleanup, nil
}

// SetupDefault installs a logger built from cfg as the slog default.
func SetupDefault(cfg Config) (func(), error) {
	logger, cleanup, err := Setup(cfg)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)
	return cleanup, nil
}

// LevelFromString converts a level name to slog.Level, defaulting to info.
func LevelFromString(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
