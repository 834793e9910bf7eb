// Package audit records user-initiated control actions (cancel, interrupt,
// attach) as JSON lines.
package audit

import (
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"
)

// Operation represents the type of auditable operation
type Operation string

const (
	OpConversationCancel    Operation = "conversation.cancel"
	OpConversationInterrupt Operation = "conversation.interrupt"
	OpConversationAttach    Operation = "conversation.attach"
	OpExecutionStop         Operation = "execution.stop"
)

// Event represents an audit log entry
type Event struct {
	Timestamp      time.Time      `json:"timestamp"`
	Operation      Operation      `json:"operation"`
	ConversationID string         `json:"conversation_id,omitempty"`
	ExecutionID    string         `json:"execution_id,omitempty"`
	Dropped        int            `json:"dropped,omitempty"`
	Success        bool           `json:"success"`
	Error          string         `json:"error,omitempty"`
	Details        map[string]any `json:"details,omitempty"`
}

// Logger handles audit logging
type Logger struct {
	logger  *slog.Logger
	enabled bool
	mu      sync.RWMutex
}

var (
	defaultLogger *Logger
	once          sync.Once
)

// Default returns the default audit logger, writing to stdout
func Default() *Logger {
	once.Do(func() {
		defaultLogger = New(os.Stdout)
	})
	return defaultLogger
}

// New creates an audit logger writing JSON lines to w
func New(w io.Writer) *Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})
	return &Logger{
		logger:  slog.New(handler),
		enabled: true,
	}
}

// SetEnabled enables or disables audit logging
func (l *Logger) SetEnabled(enabled bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enabled = enabled
}

// Log records an audit event. A nil logger discards it.
func (l *Logger) Log(event *Event) {
	if l == nil {
		return
	}
	l.mu.RLock()
	enabled := l.enabled
	l.mu.RUnlock()

	if !enabled {
		return
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	attrs := []any{
		slog.String("audit", "true"),
		slog.String("operation", string(event.Operation)),
		slog.Bool("success", event.Success),
	}

	if event.ConversationID != "" {
		attrs = append(attrs, slog.String("conversation_id", event.ConversationID))
	}
	if event.ExecutionID != "" {
		attrs = append(attrs, slog.String("execution_id", event.ExecutionID))
	}
	if event.Dropped > 0 {
		attrs = append(attrs, slog.Int("dropped", event.Dropped))
	}
	if event.Error != "" {
		attrs = append(attrs, slog.String("error", event.Error))
	}
	if event.Details != nil {
		detailsJSON, _ := json.Marshal(event.Details)
		attrs = append(attrs, slog.String("details", string(detailsJSON)))
	}

	l.logger.Info("AUDIT", attrs...)
}

// LogSuccess records a successful operation
func (l *Logger) LogSuccess(op Operation, conversationID, executionID string) {
	l.Log(&Event{
		Operation:      op,
		ConversationID: conversationID,
		ExecutionID:    executionID,
		Success:        true,
	})
}

// LogFailure records a failed operation
func (l *Logger) LogFailure(op Operation, conversationID, executionID string, err error) {
	errMsg := ""
	if err != nil {
		errMsg = err.Error()
	}
	l.Log(&Event{
		Operation:      op,
		ConversationID: conversationID,
		ExecutionID:    executionID,
		Success:        false,
		Error:          errMsg,
	})
}

// Convenience functions using default logger

func Log(event *Event) {
	Default().Log(event)
}

func LogSuccess(op Operation, conversationID, executionID string) {
	Default().LogSuccess(op, conversationID, executionID)
}

func LogFailure(op Operation, conversationID, executionID string, err error) {
	Default().LogFailure(op, conversationID, executionID, err)
}
