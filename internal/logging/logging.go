// Package logging builds the structured loggers used throughout the daemon:
// JSON slog records teed to stderr and to a size-rotated file per component
// under the configured log directory.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// ParseLevel maps a config level string to a slog.Level. Unknown strings
// fall back to info.
func ParseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New returns a logger writing JSON records at the given minimum level to
// stderr and to <dir>/<name>.log with size-based rotation. The directory is
// created if needed.
func New(dir, name, level string) (*slog.Logger, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("logging: create log directory %q: %w", dir, err)
	}

	sink := &lumberjack.Logger{
		Filename:   filepath.Join(dir, FileName(name)),
		MaxSize:    50, // megabytes
		MaxBackups: 5,
		MaxAge:     30, // days
		Compress:   true,
	}

	handler := slog.NewJSONHandler(io.MultiWriter(os.Stderr, sink), &slog.HandlerOptions{
		Level: ParseLevel(level),
	})
	return slog.New(handler), nil
}

// FileName converts a component or watch-group name into a safe log file
// name.
func FileName(name string) string {
	safe := strings.NewReplacer(" ", "_", "/", "_", string(filepath.Separator), "_").Replace(name)
	return safe + ".log"
}

// Discard returns a logger that produces no output, for tests.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 10}))
}
