// Package logger holds nblog's diagnostic log.
//
// The diagnostic log always goes to a file. It must never target stdout or
// stderr: those are the streams a transcript tee captures, and diagnostics
// would otherwise end up inside the user's transcript.
package logger

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/zhubert/nblog/paths"
)

var (
	root     *slog.Logger
	levelVar = new(slog.LevelVar)
	logFile  *os.File
	mu       sync.Mutex
	logPath  string
	initDone bool
)

// DefaultLogPath returns the default diagnostic log path.
func DefaultLogPath() (string, error) {
	dir, err := paths.LogsDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "nblog.log"), nil
}

// SetDebug enables or disables debug level logging
func SetDebug(enabled bool) {
	if enabled {
		levelVar.Set(slog.LevelDebug)
	} else {
		levelVar.Set(slog.LevelInfo)
	}
}

// Init initializes the logger with a custom path. Must be called before logging.
// If not called, the default path will be used on first log call.
func Init(path string) error {
	mu.Lock()
	defer mu.Unlock()

	if initDone {
		return nil
	}
	return openLocked(path)
}

// openLocked opens path in append mode and installs it as the root handler.
// Caller must hold mu.
func openLocked(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create log directory %s: %w", dir, err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file %s: %w", path, err)
	}
	logFile = f
	logPath = path
	root = slog.New(slog.NewTextHandler(f, &slog.HandlerOptions{Level: levelVar}))
	initDone = true

	root.Info("logger initialized", "path", path)
	return nil
}

// ensureInit falls back to the default path when Init was never called.
// Failures leave root nil so callers use a discarding logger.
// Caller must hold mu.
func ensureInit() {
	if initDone {
		return
	}
	initDone = true

	defaultPath, err := DefaultLogPath()
	if err != nil {
		return
	}
	_ = openLocked(defaultPath)
}

// discard is used when no log file could be opened. slog.Default writes to
// stderr, which may be a transcript tee, so it is not an acceptable fallback.
func discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// Get returns the root logger instance.
func Get() *slog.Logger {
	mu.Lock()
	defer mu.Unlock()

	ensureInit()

	if root == nil {
		return discard()
	}
	return root
}

// WithShell returns a logger with the shell instance ID attached.
//
// Example:
//
//	log := logger.WithShell(sh.ID())
//	log.Info("logging started", "path", path)
//	// Output: level=INFO msg="logging started" shellID=4f0c... path=/tmp/sess/log.txt
func WithShell(shellID string) *slog.Logger {
	return Get().With("shellID", shellID)
}

// WithComponent returns a logger with the component name attached.
func WithComponent(component string) *slog.Logger {
	return Get().With("component", component)
}

// Path returns the path of the open log file, or "" if none is open.
func Path() string {
	mu.Lock()
	defer mu.Unlock()
	return logPath
}

// Close closes the log file
func Close() {
	mu.Lock()
	defer mu.Unlock()

	if logFile != nil {
		logFile.Close()
		logFile = nil
	}
	root = nil
}

// Reset resets the logger state, allowing reinitialization.
// This is primarily for testing purposes.
func Reset() {
	mu.Lock()
	defer mu.Unlock()

	if logFile != nil {
		logFile.Close()
		logFile = nil
	}
	initDone = false
	logPath = ""
	root = nil
	levelVar = new(slog.LevelVar)
}
