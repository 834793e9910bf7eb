// Package stream provides the wire-level event model for execution streams.
//
// types.go - Shared types for execution streaming
//
// This file contains:
// - EventType and Event, the tagged union every wire record decodes into
// - TodoItem for todo-list snapshots
// - Sentinel classification for the reconnect and completion markers
//
// Event is a single flat struct discriminated by Type. Only the fields that
// belong to a given Type are populated; the rest stay at their zero value.

package stream

import (
	"encoding/json"
	"strings"
)

// EventType represents the type of a streaming event
type EventType string

const (
	EventConversationCreated EventType = "conversation.created"
	EventTextDelta           EventType = "text_delta"
	EventText                EventType = "text"
	EventThinkingDelta       EventType = "thinking_delta"
	EventThinking            EventType = "thinking"
	EventToolUse             EventType = "tool_use"
	EventToolResult          EventType = "tool_result"
	EventTodos               EventType = "todos"
	EventInlineImage         EventType = "inline_image"
	EventKeepalive           EventType = "keepalive"
	EventError               EventType = "error"
	EventCancelled           EventType = "cancelled"
	EventStreamReconnect     EventType = "stream.reconnect"
	EventStreamCompleted     EventType = "stream.completed"
)

// Known reports whether t is one of the event types this package understands
func (t EventType) Known() bool {
	switch t {
	case EventConversationCreated, EventTextDelta, EventText,
		EventThinkingDelta, EventThinking, EventToolUse, EventToolResult,
		EventTodos, EventInlineImage, EventKeepalive, EventError,
		EventCancelled, EventStreamReconnect, EventStreamCompleted:
		return true
	}
	return false
}

// TodoStatus is the state of a single todo item
type TodoStatus string

const (
	TodoPending    TodoStatus = "pending"
	TodoInProgress TodoStatus = "in_progress"
	TodoCompleted  TodoStatus = "completed"
)

// TodoItem is one entry of a todo-list snapshot
type TodoItem struct {
	Content    string     `json:"content"`
	Status     TodoStatus `json:"status"`
	ActiveForm string     `json:"activeForm,omitempty"`
}

// Event is a single decoded record of an execution stream
type Event struct {
	Type EventType `json:"type"`

	// Timestamp is the backend's logical clock for this event and doubles as
	// the reconnect cursor once the event has been applied.
	Timestamp float64 `json:"timestamp,omitempty"`

	// conversation.created
	ConversationID string `json:"conversation_id,omitempty"`

	// text, text_delta, thinking_delta (and thinking when sent as "text")
	Text     string `json:"text,omitempty"`
	Thinking string `json:"thinking,omitempty"`

	// tool_use
	ToolID    string          `json:"tool_id,omitempty"`
	ToolName  string          `json:"tool_name,omitempty"`
	ToolInput json.RawMessage `json:"tool_input,omitempty"`

	// tool_result
	ToolUseID string        `json:"tool_use_id,omitempty"`
	Content   ResultContent `json:"content,omitempty"`
	IsError   bool          `json:"is_error,omitempty"`

	// todos
	Todos []TodoItem `json:"todos,omitempty"`

	// inline_image
	Path string `json:"path,omitempty"`

	// keepalive
	ElapsedSeconds float64 `json:"elapsed_seconds,omitempty"`

	// error
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`

	// stream.reconnect
	LastTimestamp float64 `json:"last_timestamp,omitempty"`
}

// ThinkingText returns the thinking payload regardless of which key carried it
func (e *Event) ThinkingText() string {
	if e.Thinking != "" {
		return e.Thinking
	}
	return e.Text
}

// ErrorText returns the error payload regardless of which key carried it
func (e *Event) ErrorText() string {
	if e.Error != "" {
		return e.Error
	}
	return e.Message
}

// ResumeCursor returns the cursor a stream.reconnect marker asks the client to
// resume after. Backends that only stamp the marker itself fall back to
// its Timestamp.
func (e *Event) ResumeCursor() float64 {
	if e.LastTimestamp != 0 {
		return e.LastTimestamp
	}
	return e.Timestamp
}

// Sentinel classifies an event as an ordinary event or a stream control marker
type Sentinel int

const (
	SentinelNone Sentinel = iota
	SentinelReconnect
	SentinelCompleted
)

// Sentinel returns the control marker this event represents, if any
func (e *Event) Sentinel() Sentinel {
	switch e.Type {
	case EventStreamReconnect:
		return SentinelReconnect
	case EventStreamCompleted:
		return SentinelCompleted
	default:
		return SentinelNone
	}
}

// ResultContent is the body of a tool_result. The backend sends either a
// plain string or a list of content blocks; both collapse to text.
type ResultContent string

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// UnmarshalJSON accepts a string, a list of {type,text} blocks, or any other
// JSON value (kept verbatim)
func (c *ResultContent) UnmarshalJSON(data []byte) error {
	if len(data) == 0 || string(data) == "null" {
		*c = ""
		return nil
	}

	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*c = ResultContent(s)
		return nil
	}

	var blocks []contentBlock
	if err := json.Unmarshal(data, &blocks); err == nil {
		parts := make([]string, 0, len(blocks))
		for _, b := range blocks {
			if b.Text != "" {
				parts = append(parts, b.Text)
			}
		}
		*c = ResultContent(strings.Join(parts, "\n"))
		return nil
	}

	*c = ResultContent(data)
	return nil
}
