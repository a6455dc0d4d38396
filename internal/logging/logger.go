// Package logging provides structured logging for kora-rent, wrapping
// log/slog the same way the teacher's liteclient/logging package does.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"time"

	"github.com/korarent/kora-rent/internal/errs"
)

// Logger wraps slog.Logger with kora-rent's field and component helpers.
type Logger struct {
	*slog.Logger
	config *Config
}

// Config configures a Logger.
type Config struct {
	Level      slog.Level
	Format     string // "json" or "text"
	Output     string // "stdout", "stderr", or a file path
	AddSource  bool
	TimeFormat string
}

// DefaultConfig returns kora-rent's default logging configuration: text
// output to stdout at info level, matching the teacher's CLI-tool default.
func DefaultConfig() *Config {
	return &Config{
		Level:      slog.LevelInfo,
		Format:     "text",
		Output:     "stdout",
		AddSource:  false,
		TimeFormat: time.RFC3339,
	}
}

// Field is a structured log field.
type Field struct {
	Key   string
	Value any
}

// NewLogger builds a Logger per config.
func NewLogger(config *Config) (*Logger, error) {
	if config == nil {
		config = DefaultConfig()
	}

	var output io.Writer
	switch config.Output {
	case "stdout", "":
		output = os.Stdout
	case "stderr":
		output = os.Stderr
	default:
		file, err := os.OpenFile(config.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("logging: open log file: %w", err)
		}
		output = file
	}

	handlerOpts := &slog.HandlerOptions{Level: config.Level, AddSource: config.AddSource}
	var handler slog.Handler
	if config.Format == "json" {
		handler = slog.NewJSONHandler(output, handlerOpts)
	} else {
		handler = slog.NewTextHandler(output, handlerOpts)
	}

	return &Logger{Logger: slog.New(handler), config: config}, nil
}

// WithFields returns a logger with additional persistent fields attached.
func (l *Logger) WithFields(fields ...Field) *Logger {
	if len(fields) == 0 {
		return l
	}
	args := make([]any, 0, len(fields)*2)
	for _, f := range fields {
		args = append(args, f.Key, f.Value)
	}
	return &Logger{Logger: l.Logger.With(args...), config: l.config}
}

// WithComponent tags every subsequent log line with a component name, e.g.
// "indexer", "reclaimer", "attestation".
func (l *Logger) WithComponent(component string) *Logger {
	return l.WithFields(Field{Key: "component", Value: component})
}

// WithError attaches error detail, unwrapping a *errs.KoraError into its
// code and context fields when possible.
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	args := []any{"error", err.Error()}
	if ke, ok := errs.AsKoraError(err); ok {
		args = append(args, "error_code", string(ke.Code))
		for k, v := range ke.Context {
			args = append(args, fmt.Sprintf("error_context_%s", k), v)
		}
	}
	return &Logger{Logger: l.Logger.With(args...), config: l.config}
}

func (l *Logger) Debug(msg string, fields ...Field) { l.log(slog.LevelDebug, msg, fields...) }
func (l *Logger) Info(msg string, fields ...Field)  { l.log(slog.LevelInfo, msg, fields...) }
func (l *Logger) Warn(msg string, fields ...Field)  { l.log(slog.LevelWarn, msg, fields...) }
func (l *Logger) Error(msg string, fields ...Field) { l.log(slog.LevelError, msg, fields...) }

// Fatal logs at error level and terminates the process with exit status 1.
func (l *Logger) Fatal(msg string, fields ...Field) {
	l.log(slog.LevelError, msg, fields...)
	os.Exit(1)
}

func (l *Logger) log(level slog.Level, msg string, fields ...Field) {
	if !l.Logger.Enabled(context.Background(), level) {
		return
	}
	attrs := make([]slog.Attr, len(fields))
	for i, f := range fields {
		attrs[i] = slog.Any(f.Key, f.Value)
	}
	if l.config.AddSource {
		_, file, line, ok := runtime.Caller(2)
		if ok {
			attrs = append(attrs, slog.Group("source", slog.String("file", file), slog.Int("line", line)))
		}
	}
	l.Logger.LogAttrs(context.Background(), level, msg, attrs...)
}

// LogReclaim logs a single reclamation attempt — kora-rent's analogue of the
// teacher's LogProofOperation helper.
func (l *Logger) LogReclaim(account string, success bool, lamports uint64, duration time.Duration) {
	fields := []Field{
		{Key: "account", Value: account},
		{Key: "success", Value: success},
		{Key: "lamports", Value: lamports},
		{Key: "duration_ms", Value: duration.Milliseconds()},
		{Key: "type", Value: "reclaim"},
	}
	level := slog.LevelInfo
	if !success {
		level = slog.LevelError
	}
	l.log(level, "reclaim attempt", fields...)
}
