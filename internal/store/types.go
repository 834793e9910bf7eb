package store

import (
	"errors"
	"time"

	"github.com/HyphaGroup/tether/internal/stream"
)

var ErrNotFound = errors.New("not found")

// Role identifies who wrote a message
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Outcome records how the execution behind an assistant message ended
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
	// OutcomeRecovered marks content fetched from the backend's persisted
	// conversation after the execution was no longer tracked
	OutcomeRecovered Outcome = "recovered"
)

// Message is one persisted conversation message
type Message struct {
	ID             string            `json:"id"`
	ConversationID string            `json:"conversation_id"`
	ExecutionID    string            `json:"execution_id,omitempty"`
	Role           Role              `json:"role"`
	Content        string            `json:"content"`
	Images         []string          `json:"images,omitempty"`
	Todos          []stream.TodoItem `json:"todos,omitempty"`
	Outcome        Outcome           `json:"outcome,omitempty"`
	Error          string            `json:"error,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
}

// ExecutionRecord is the local record of one execution this client drove
type ExecutionRecord struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Status         string    `json:"status"`
	Error          string    `json:"error,omitempty"`
	Reconnects     int       `json:"reconnects"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// ConversationSummary lists a conversation known to the local store
type ConversationSummary struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Messages  int       `json:"messages"`
	UpdatedAt time.Time `json:"updated_at"`
}
