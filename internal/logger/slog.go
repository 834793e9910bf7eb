package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

var (
	slogger *slog.Logger
	logFile *os.File
	mu      sync.RWMutex
)

// Options controls where and how logs are written
type Options struct {
	Dir   string // Log directory; empty means stderr only
	JSON  bool   // JSON output for production
	Level string // debug, info, warn, error
	// Console receives a copy of every record; defaults to stderr so the
	// CLI's stdout stays reserved for conversation output
	Console io.Writer
}

// InitSlog initializes the slog-based logger
func InitSlog(opts Options) error {
	console := opts.Console
	if console == nil {
		console = os.Stderr
	}
	writer := console

	var file *os.File
	if opts.Dir != "" {
		if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
			return err
		}

		logFileName := "tether-" + time.Now().Format("2006-01-02") + ".log"
		var err error
		file, err = os.OpenFile(filepath.Join(opts.Dir, logFileName), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return err
		}
		writer = io.MultiWriter(console, file)
	}

	handlerOpts := &slog.HandlerOptions{Level: parseLevel(opts.Level)}
	var handler slog.Handler
	if opts.JSON {
		handler = slog.NewJSONHandler(writer, handlerOpts)
	} else {
		handler = slog.NewTextHandler(writer, handlerOpts)
	}

	mu.Lock()
	if logFile != nil {
		_ = logFile.Close()
	}
	logFile = file
	slogger = slog.New(handler)
	mu.Unlock()

	return nil
}

func parseLevel(level string) slog.Level {
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

// CloseSlog closes the slog log file
func CloseSlog() error {
	mu.Lock()
	defer mu.Unlock()
	if logFile != nil {
		err := logFile.Close()
		logFile = nil
		return err
	}
	return nil
}

// Slog returns the slog.Logger instance for structured logging
func Slog() *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	if slogger == nil {
		return slog.Default()
	}
	return slogger
}

// Context keys for structured logging
type contextKey string

const (
	ContextKeyRequestID      contextKey = "request_id"
	ContextKeyConversationID contextKey = "conversation_id"
	ContextKeyExecutionID    contextKey = "execution_id"
)

// WithConversation returns ctx carrying conversation and execution ids for logging
func WithConversation(ctx context.Context, conversationID, executionID string) context.Context {
	if conversationID != "" {
		ctx = context.WithValue(ctx, ContextKeyConversationID, conversationID)
	}
	if executionID != "" {
		ctx = context.WithValue(ctx, ContextKeyExecutionID, executionID)
	}
	return ctx
}

// WithContext returns a logger with context fields
func WithContext(ctx context.Context) *slog.Logger {
	logger := Slog()

	if requestID := ctx.Value(ContextKeyRequestID); requestID != nil {
		logger = logger.With("request_id", requestID)
	}
	if conversationID := ctx.Value(ContextKeyConversationID); conversationID != nil {
		logger = logger.With("conversation_id", conversationID)
	}
	if executionID := ctx.Value(ContextKeyExecutionID); executionID != nil {
		logger = logger.With("execution_id", executionID)
	}

	return logger
}

// InfoContext logs an info message with context
func InfoContext(ctx context.Context, msg string, args ...any) {
	WithContext(ctx).Info(msg, args...)
}

// ErrorContext logs an error with context
func ErrorContext(ctx context.Context, msg string, args ...any) {
	WithContext(ctx).Error(msg, args...)
}

// WarnContext logs a warning with context
func WarnContext(ctx context.Context, msg string, args ...any) {
	WithContext(ctx).Warn(msg, args...)
}

// DebugContext logs debug info with context
func DebugContext(ctx context.Context, msg string, args ...any) {
	WithContext(ctx).Debug(msg, args...)
}
