// Package backend provides the client side of the execution backend wire
// contract.
//
// types.go - Wire types and the Backend interface
//
// This file contains:
// - Backend, the interface the coordinator and sessions depend on
// - Request/response shapes for start, stream, stop, status and conversation
// - The error taxonomy for transport failures and untracked executions

package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/HyphaGroup/tether/internal/stream"
)

// Backend is the execution backend as seen by the client
type Backend interface {
	// Start launches a new execution for a user message
	Start(ctx context.Context, req *StartRequest) (*StartResponse, error)

	// Stream opens the event stream of an execution, resuming after
	// lastTimestamp (0 for the beginning). Returns ErrNotFound when the
	// backend no longer tracks the execution.
	Stream(ctx context.Context, executionID string, lastTimestamp float64) (io.ReadCloser, error)

	// Stop asks the backend to stop an execution (best effort)
	Stop(ctx context.Context, executionID string) error

	// Status reports the active and recent executions of a conversation
	Status(ctx context.Context, conversationID string) (*StatusResponse, error)

	// Conversation fetches the persisted conversation, the source of truth
	// once an execution has finished
	Conversation(ctx context.Context, conversationID string) (*Conversation, error)
}

// ExecutionStatus is the lifecycle state of an execution
type ExecutionStatus string

const (
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
	ExecutionNotFound  ExecutionStatus = "not_found"
)

// Execution identifies one agent run
type Execution struct {
	ID             string          `json:"id"`
	ConversationID *string         `json:"conversation_id"`
	Status         ExecutionStatus `json:"status"`
	Error          string          `json:"error,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`

	// Events is the buffered event log, present on the active execution
	Events []*stream.Event `json:"events,omitempty"`
}

// StartRequest carries a user message to a (possibly new) conversation
type StartRequest struct {
	ConversationID string `json:"conversation_id,omitempty"`
	ProjectID      string `json:"project_id,omitempty"`
	Message        string `json:"message"`
}

// StartResponse identifies the execution that was started
type StartResponse struct {
	ExecutionID    string `json:"execution_id"`
	ConversationID string `json:"conversation_id,omitempty"`
}

// StreamRequest is the body of a stream (or resume) request
type StreamRequest struct {
	LastEventTimestamp float64 `json:"last_event_timestamp"`
}

// StatusResponse lists a conversation's executions
type StatusResponse struct {
	Active *Execution  `json:"active"`
	Recent []Execution `json:"recent"`
}

// Message is one persisted conversation message
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Conversation is the persisted form of a conversation
type Conversation struct {
	ID       string    `json:"id"`
	Title    string    `json:"title,omitempty"`
	Messages []Message `json:"messages"`
}

// LastAssistantMessage returns the most recent assistant message, if any
func (c *Conversation) LastAssistantMessage() (Message, bool) {
	if c == nil {
		return Message{}, false
	}
	for i := len(c.Messages) - 1; i >= 0; i-- {
		if c.Messages[i].Role == "assistant" {
			return c.Messages[i], true
		}
	}
	return Message{}, false
}

// ErrNotFound means the backend no longer tracks the execution. For a stream
// this is a successful completion, not a failure.
var ErrNotFound = errors.New("execution not found")

// TransportError is a connection-level failure talking to the backend
type TransportError struct {
	Op         string
	StatusCode int // 0 when no HTTP response was received
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: backend returned %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
