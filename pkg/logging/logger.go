// SPDX-FileCopyrightText: 2025 Pioreactor contributors
// SPDX-License-Identifier: MIT

// Package logging provides structured logging capabilities for Pioreactor components
package logging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"
	"unicode"
)

// Logger is the interface for structured logging
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
	With(args ...any) Logger
	WithContext(ctx context.Context) Logger
}

// slogLogger wraps slog.Logger to implement our Logger interface
type slogLogger struct {
	logger *slog.Logger
}

// NewLogger creates a new logger with the specified configuration
func NewLogger(config *Config) Logger {
	if config == nil {
		config = DefaultConfig()
	}

	opts := &slog.HandlerOptions{
		Level: config.Level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			// Customize time format
			if a.Key == slog.TimeKey {
				return slog.String(slog.TimeKey, a.Value.Time().Format(time.RFC3339))
			}
			return a
		},
	}

	var handler slog.Handler
	switch config.Format {
	case FormatJSON:
		handler = slog.NewJSONHandler(config.Output, opts)
	default:
		handler = slog.NewTextHandler(config.Output, opts)
	}

	logger := slog.New(handler)

	// Add default attributes
	logger = logger.With(
		"service", "pioreactor",
		"version", config.Version,
	)

	return &slogLogger{logger: logger}
}

func (l *slogLogger) Debug(msg string, args ...any) {
	l.logger.Debug(msg, args...)
}

func (l *slogLogger) Info(msg string, args ...any) {
	l.logger.Info(msg, args...)
}

func (l *slogLogger) Warn(msg string, args ...any) {
	l.logger.Warn(msg, args...)
}

func (l *slogLogger) Error(msg string, args ...any) {
	l.logger.Error(msg, args...)
}

func (l *slogLogger) With(args ...any) Logger {
	return &slogLogger{logger: l.logger.With(args...)}
}

func (l *slogLogger) WithContext(ctx context.Context) Logger {
	// Extract common context values
	attrs := make([]any, 0)

	// Add cluster coordinates if present
	if unit := ctx.Value("unit"); unit != nil {
		attrs = append(attrs, "unit", unit)
	}
	if experiment := ctx.Value("experiment"); experiment != nil {
		attrs = append(attrs, "experiment", experiment)
	}
	if jobName := ctx.Value("job_name"); jobName != nil {
		attrs = append(attrs, "job_name", jobName)
	}

	// Add request ID if present (set by the dispatcher's transport chain)
	if requestID := ctx.Value("request_id"); requestID != nil {
		attrs = append(attrs, "request_id", requestID)
	}

	if len(attrs) > 0 {
		return l.With(attrs...)
	}

	return l
}

// Config holds logger configuration
type Config struct {
	// Level is the minimum log level
	Level slog.Level

	// Format is the output format (text or json)
	Format Format

	// Output is where logs are written (default: os.Stdout)
	Output *os.File

	// Version is the client version to include in logs
	Version string
}

// Format represents the log output format
type Format string

const (
	// FormatText outputs human-readable text logs
	FormatText Format = "text"

	// FormatJSON outputs structured JSON logs
	FormatJSON Format = "json"
)

// DefaultConfig returns a default logger configuration
func DefaultConfig() *Config {
	return &Config{
		Level:   slog.LevelInfo,
		Format:  FormatText,
		Output:  os.Stdout,
		Version: "unknown",
	}
}

// sanitizeLogValue sanitizes a value for safe logging by removing control characters
// that could be used for log injection attacks (newlines, carriage returns, etc.)
// lgtm[go/log-injection] This function sanitizes log values by removing control characters
func sanitizeLogValue(value any) any {
	if str, ok := value.(string); ok {
		// Replace newlines and carriage returns with spaces to prevent log injection
		sanitized := strings.Map(func(r rune) rune {
			if r == '\n' || r == '\r' || r == '\t' {
				return ' '
			}
			// Remove other control characters
			if unicode.IsControl(r) && !unicode.IsSpace(r) {
				return -1 // Drop the character
			}
			return r
		}, str)
		return sanitized
	}
	return value
}

// sanitizeFields sanitizes all string values in a field list to prevent log injection
// lgtm[go/log-injection] This function sanitizes log fields by applying sanitizeLogValue to each field
func sanitizeFields(fields []any) []any {
	sanitized := make([]any, len(fields))
	for i, field := range fields {
		sanitized[i] = sanitizeLogValue(field)
	}
	return sanitized
}

// LogAPICall logs an API call with standard fields
func LogAPICall(logger Logger, method, path string, fields ...any) Logger {
	baseFields := []any{
		"api_method", sanitizeLogValue(method),
		"api_path", sanitizeLogValue(path),
		"timestamp", time.Now().Unix(),
	}

	// Sanitize user-provided fields to prevent log injection
	sanitizedFields := sanitizeFields(fields)
	// lgtm[go/log-injection] Fields are sanitized via sanitizeFields() which removes control characters
	return logger.With(append(baseFields, sanitizedFields...)...)
}

// LogError logs an error with context
func LogError(logger Logger, err error, operation string, fields ...any) {
	if err == nil {
		return
	}

	baseFields := []any{
		"operation", operation,
		"error", err.Error(),
		"error_type", getErrorType(err),
	}

	// Sanitize user-provided fields to prevent log injection
	sanitizedFields := sanitizeFields(fields)
	// lgtm[go/log-injection] Fields are sanitized via sanitizeFields() which removes control characters
	logger.Error("operation failed", append(baseFields, sanitizedFields...)...)
}

// getErrorType returns the type name of an error
func getErrorType(err error) string {
	if err == nil {
		return ""
	}

	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		return "PathError"
	}

	var linkErr *os.LinkError
	if errors.As(err, &linkErr) {
		return "LinkError"
	}

	var syscallErr *os.SyscallError
	if errors.As(err, &syscallErr) {
		return "SyscallError"
	}

	// Use reflection to get the actual type
	return fmt.Sprintf("%T", err)
}

// LogRecord is the JSON payload published to the cluster's
// pioreactor/<unit>/<exp>/logs/app topic for every record a job logs.
type LogRecord struct {
	Message   string `json:"message"`
	Level     string `json:"level"`
	Task      string `json:"task"`
	Source    string `json:"source"`
	Timestamp string `json:"timestamp"`
}

// BrokerSink receives each record logged through a tee logger, typically
// publishing it to the cluster log topic.
type BrokerSink func(record LogRecord)

// NewTeeLogger returns a Logger that writes to local and also hands every
// record to sink — how a job satisfies the cluster contract that each log
// line is visible on the broker as well as on the node. Debug records stay
// local only; they are too chatty for the shared topic.
func NewTeeLogger(local Logger, task string, sink BrokerSink) Logger {
	return &teeLogger{local: local, task: task, sink: sink}
}

type teeLogger struct {
	local Logger
	task  string
	sink  BrokerSink
}

func (t *teeLogger) emit(level, msg string) {
	if t.sink == nil {
		return
	}
	t.sink(LogRecord{
		Message:   msg,
		Level:     level,
		Task:      t.task,
		Source:    "app",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (t *teeLogger) Debug(msg string, args ...any) {
	t.local.Debug(msg, args...)
}

func (t *teeLogger) Info(msg string, args ...any) {
	t.local.Info(msg, args...)
	t.emit("INFO", msg)
}

func (t *teeLogger) Warn(msg string, args ...any) {
	t.local.Warn(msg, args...)
	t.emit("WARNING", msg)
}

func (t *teeLogger) Error(msg string, args ...any) {
	t.local.Error(msg, args...)
	t.emit("ERROR", msg)
}

func (t *teeLogger) With(args ...any) Logger {
	return &teeLogger{local: t.local.With(args...), task: t.task, sink: t.sink}
}

func (t *teeLogger) WithContext(ctx context.Context) Logger {
	return &teeLogger{local: t.local.WithContext(ctx), task: t.task, sink: t.sink}
}

// NoOpLogger is a logger that discards all log messages
type NoOpLogger struct{}

func (NoOpLogger) Debug(msg string, args ...any)          {}
func (NoOpLogger) Info(msg string, args ...any)           {}
func (NoOpLogger) Warn(msg string, args ...any)           {}
func (NoOpLogger) Error(msg string, args ...any)          {}
func (NoOpLogger) With(args ...any) Logger                { return NoOpLogger{} }
func (NoOpLogger) WithContext(ctx context.Context) Logger { return NoOpLogger{} }

// DefaultLogger is a package-level logger for convenience
var DefaultLogger = NewLogger(DefaultConfig())

// SetDefaultLogger sets the package-level default logger
func SetDefaultLogger(logger Logger) {
	DefaultLogger = logger
}
