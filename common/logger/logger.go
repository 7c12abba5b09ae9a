// Package logger builds the slog loggers shared by mediapipe and mediactl.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"runtime/debug"
	"strings"
	"time"

	"github.com/lmittmann/tint"
)

// Logger wraps slog.Logger with the pipeline's correlation fields
type Logger struct {
	*slog.Logger
}

// New creates a logger writing to stdout
func New(level, format string) *Logger {
	return NewWriter(os.Stdout, level, format)
}

// NewWriter creates a logger writing to w. Format "json" emits one object per
// line for log shippers; anything else gets tint's colored console output.
func NewWriter(w io.Writer, level, format string) *Logger {
	lvl := ParseLevel(level)

	var handler slog.Handler
	if strings.EqualFold(format, "json") {
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl})
	} else {
		handler = tint.NewHandler(w, &tint.Options{
			Level:      lvl,
			TimeFormat: time.TimeOnly,
		})
	}
	return &Logger{Logger: slog.New(handler)}
}

// Discard returns a logger that drops every record
func Discard() *Logger {
	return &Logger{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

func (l *Logger) with(args ...any) *Logger {
	return &Logger{Logger: l.With(args...)}
}

// WithFields returns a logger with additional fields
func (l *Logger) WithFields(fields map[string]any) *Logger {
	args := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	return l.with(args...)
}

// WithTaskID tags records with an upload task
func (l *Logger) WithTaskID(taskID string) *Logger {
	return l.with("task_id", taskID)
}

// WithMediaID tags records with a media row
func (l *Logger) WithMediaID(mediaID string) *Logger {
	return l.with("media_id", mediaID)
}

// WithDigest tags records with a content digest
func (l *Logger) WithDigest(digest string) *Logger {
	return l.with("digest", digest)
}

// Error logs at error level with the caller's stack attached. Stacks are
// only collected when the handler will actually emit the record.
func (l *Logger) Error(msg string, args ...any) {
	if l.Enabled(context.Background(), slog.LevelError) {
		args = append(args, "stack", string(debug.Stack()))
	}
	l.Logger.Error(msg, args...)
}

// ParseLevel maps debug, info, warn and error (any case) to slog levels.
// Unknown values fall back to info.
func ParseLevel(level string) slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}
