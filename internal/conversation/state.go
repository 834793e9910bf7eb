package conversation

import (
	"encoding/json"
	"slices"

	"github.com/HyphaGroup/tether/internal/stream"
)

// ActivityKind identifies what an activity log item represents
type ActivityKind string

const (
	ActivityThinking   ActivityKind = "thinking"
	ActivityToolUse    ActivityKind = "tool_use"
	ActivityToolResult ActivityKind = "tool_result"
	ActivityKeepalive  ActivityKind = "keepalive"
)

// KeepaliveID is the fixed id of the synthetic "waiting" activity item
const KeepaliveID = "keepalive"

// ResultIDPrefix prefixes the id of a tool_result item so it pairs with its tool_use
const ResultIDPrefix = "result-"

// ActivityItem is one entry of a conversation's activity log
type ActivityItem struct {
	ID   string       `json:"id"`
	Kind ActivityKind `json:"kind"`

	// Thinking items
	Text       string `json:"text,omitempty"`
	InProgress bool   `json:"in_progress,omitempty"`

	// Tool items
	ToolName  string          `json:"tool_name,omitempty"`
	ToolInput json.RawMessage `json:"tool_input,omitempty"`
	Content   string          `json:"content,omitempty"`
	// RawContent keeps the backend's original result text when Content was
	// normalized for display
	RawContent string `json:"raw_content,omitempty"`
	IsError    bool   `json:"is_error,omitempty"`

	// Keepalive items
	ElapsedSeconds float64 `json:"elapsed_seconds,omitempty"`
}

// State is the renderable state of one streaming conversation. It is only
// ever changed through Reduce.
type State struct {
	ConversationID string            `json:"conversation_id,omitempty"`
	ExecutionID    string            `json:"execution_id,omitempty"`
	ConfirmedText  string            `json:"confirmed_text"`
	DeltaText      string            `json:"delta_text"`
	Activity       []ActivityItem    `json:"activity,omitempty"`
	Todos          []stream.TodoItem `json:"todos,omitempty"`
	InlineImages   []string          `json:"inline_images,omitempty"`
	Cursor         float64           `json:"cursor,omitempty"`
}

// New returns an empty state bound to an execution
func New(conversationID, executionID string) State {
	return State{ConversationID: conversationID, ExecutionID: executionID}
}

// Clone returns a deep copy that shares no backing arrays with s
func (s State) Clone() State {
	out := s
	out.Activity = slices.Clone(s.Activity)
	for i := range out.Activity {
		out.Activity[i].ToolInput = slices.Clone(out.Activity[i].ToolInput)
	}
	out.Todos = slices.Clone(s.Todos)
	out.InlineImages = slices.Clone(s.InlineImages)
	return out
}

// IsEmpty reports whether nothing renderable has accumulated yet
func (s State) IsEmpty() bool {
	return s.ConfirmedText == "" && s.DeltaText == "" && len(s.Activity) == 0 &&
		len(s.Todos) == 0 && len(s.InlineImages) == 0
}

// activityIndex returns the index of the item with the given id, or -1
func (s State) activityIndex(id string) int {
	return slices.IndexFunc(s.Activity, func(it ActivityItem) bool { return it.ID == id })
}

// trailingInProgressThinking returns the index of the trailing in-progress
// thinking item, ignoring the keepalive placeholder, or -1
func (s State) trailingInProgressThinking() int {
	for i := len(s.Activity) - 1; i >= 0; i-- {
		it := s.Activity[i]
		if it.Kind == ActivityKeepalive {
			continue
		}
		if it.Kind == ActivityThinking && it.InProgress {
			return i
		}
		return -1
	}
	return -1
}

// lastInProgressThinking returns the index of the most recent in-progress
// thinking item anywhere in the log, or -1
func (s State) lastInProgressThinking() int {
	for i := len(s.Activity) - 1; i >= 0; i-- {
		if it := s.Activity[i]; it.Kind == ActivityThinking && it.InProgress {
			return i
		}
	}
	return -1
}
