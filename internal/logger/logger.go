// Package logger is the process-wide log sink. A single slog handler
// feeds both the console and a per-day file; the printf-style helpers
// exist for call sites where a format string reads better than fields.
// Before Init, everything but Fatalf is dropped.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

var (
	mu      sync.Mutex
	base    *slog.Logger
	logFile *os.File
)

// Init opens today's log file under logDir and routes all subsequent
// output to it and to stdout. Calling it twice is a no-op.
func Init(logDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if base != nil {
		return nil
	}

	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	name := "seneschal-" + time.Now().Format("2006-01-02") + ".log"
	f, err := os.OpenFile(filepath.Join(logDir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}

	handler := slog.NewTextHandler(io.MultiWriter(os.Stdout, f), &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})
	base = slog.New(handler)
	slog.SetDefault(base)
	logFile = f
	return nil
}

// Close flushes and closes the log file; later log calls are dropped
func Close() error {
	mu.Lock()
	defer mu.Unlock()
	base = nil
	if logFile == nil {
		return nil
	}
	f := logFile
	logFile = nil
	return f.Close()
}

func current() *slog.Logger {
	mu.Lock()
	defer mu.Unlock()
	return base
}

func logf(level slog.Level, format string, v ...interface{}) {
	l := current()
	if l == nil {
		return
	}
	l.Log(context.Background(), level, fmt.Sprintf(format, v...))
}

// Info logs an informational message
func Info(format string, v ...interface{}) {
	logf(slog.LevelInfo, format, v...)
}

// Error logs an error message
func Error(format string, v ...interface{}) {
	logf(slog.LevelError, format, v...)
}

// Printf logs at info level; it exists for io-ish call sites that
// expect the familiar name
func Printf(format string, v ...interface{}) {
	logf(slog.LevelInfo, format, v...)
}

// Fatalf logs an error and exits. It works before Init so startup
// failures are never silent.
func Fatalf(format string, v ...interface{}) {
	msg := fmt.Sprintf(format, v...)
	if l := current(); l != nil {
		l.Error(msg)
	} else {
		fmt.Fprintln(os.Stderr, "ERROR: "+msg)
	}
	os.Exit(1)
}
