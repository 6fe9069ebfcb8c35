// Package logging builds the structured logger used by every command.
//
// Text goes to stderr. When a run directory is known, the same records are
// also written as JSON lines to run.log inside it, so a finished run can be
// inspected after the terminal is gone.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// FileName is the JSON log written inside a run directory.
const FileName = "run.log"

// Config configures New. The zero value logs Info and above to stderr.
type Config struct {
	// Level is one of debug, info, warn, error. Empty means info.
	Level string

	// Dir, when set, receives a JSON copy of every record in run.log.
	Dir string

	// Stderr overrides the text destination (tests).
	Stderr io.Writer
}

// Logger wraps slog.Logger and owns the optional log file.
type Logger struct {
	*slog.Logger
	file *os.File
}

// New returns a logger for cfg. Close must be called when Dir is set.
func New(cfg Config) (*Logger, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	w := cfg.Stderr
	if w == nil {
		w = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: level}
	text := slog.NewTextHandler(w, opts)
	if cfg.Dir == "" {
		return &Logger{Logger: slog.New(text)}, nil
	}

	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("logging: ensure log dir: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(cfg.Dir, FileName), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("logging: open log file: %w", err)
	}
	h := fanout{text, slog.NewJSONHandler(f, opts)}
	return &Logger{Logger: slog.New(h), file: f}, nil
}

// Discard returns a logger that drops everything.
func Discard() *Logger {
	return &Logger{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

// Close releases the log file, if any.
func (l *Logger) Close() error {
	if l == nil || l.file == nil {
		return nil
	}
	return l.file.Close()
}

// ParseLevel maps a level name to slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("logging: unknown level %q", s)
}
