// Package logging constructs the slog loggers used across steroids.
//
// Interactive commands log human-readable text to stderr. Detached runner
// processes log to rotated files under the global steroids home so crashed
// daemons leave a trail.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options controls logger construction.
type Options struct {
	// Verbose enables debug-level records.
	Verbose bool
	// Quiet suppresses everything below warn.
	Quiet bool
	// JSON switches the handler to JSON records (used by --json consumers
	// that scrape stderr).
	JSON bool
}

// Level resolves the slog level for the options.
func (o Options) Level() slog.Level {
	switch {
	case o.Quiet:
		return slog.LevelWarn
	case o.Verbose:
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}

// New builds a stderr logger for interactive commands.
func New(opts Options) *slog.Logger {
	return NewWithWriter(os.Stderr, opts)
}

// NewWithWriter builds a logger against an arbitrary writer.
func NewWithWriter(w io.Writer, opts Options) *slog.Logger {
	ho := &slog.HandlerOptions{Level: opts.Level()}
	if opts.JSON {
		return slog.New(slog.NewJSONHandler(w, ho))
	}
	return slog.New(slog.NewTextHandler(w, ho))
}

// NewNop returns a logger that discards every record. Used by tests and by
// callers that have not been handed a logger.
func NewNop() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// DaemonLogPath returns the rotated log file path for a detached runner.
// Layout: <globalHome>/runners/logs/daemon-<pid>.log.
func DaemonLogPath(globalHome string, pid int) string {
	return filepath.Join(globalHome, "runners", "logs", fmt.Sprintf("daemon-%d.log", pid))
}

// WorkstreamLogPath returns the log file path for one workstream child.
// Keyed by workstream id rather than pid so the launcher can wire the
// child's stdio before the process exists, and so relaunches after a crash
// append to the same file.
func WorkstreamLogPath(globalHome, workstreamID string) string {
	return filepath.Join(globalHome, "runners", "logs", fmt.Sprintf("workstream-%s.log", workstreamID))
}

// NewDaemonLogger builds a file logger with rotation for detached runners.
// The caller owns the returned closer.
func NewDaemonLogger(path string, opts Options) (*slog.Logger, io.Closer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, nil, err
	}
	rotator := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    20, // megabytes
		MaxBackups: 5,
		MaxAge:     14, // days
		Compress:   true,
	}
	logger := slog.New(slog.NewTextHandler(rotator, &slog.HandlerOptions{Level: opts.Level()}))
	return logger, rotator, nil
}
