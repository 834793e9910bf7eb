// Package conversation holds the per-conversation stream state and the pure
// reducer that folds stream events into it.
//
// Reduce never mutates its input: the returned State shares no backing
// arrays with the one passed in, so callers may keep old snapshots around
// (for rendering, for comparison in tests) without copying.
package conversation

import (
	"fmt"
	"slices"

	"github.com/HyphaGroup/tether/internal/stream"
)

// Reduce applies one event to s and returns the resulting state.
//
// Sentinels, errors and cancellation notices leave renderable state
// untouched; the Session acts on those itself.
func Reduce(s State, ev *stream.Event) State {
	if ev == nil {
		return s
	}

	next := s.Clone()
	if ev.Timestamp != 0 {
		next.Cursor = ev.Timestamp
	}

	switch ev.Type {
	case stream.EventConversationCreated:
		if ev.ConversationID != "" {
			next.ConversationID = ev.ConversationID
		}

	case stream.EventTextDelta:
		next.clearKeepalive()
		next.DeltaText += ev.Text

	case stream.EventText:
		next.clearKeepalive()
		next.ConfirmedText = JoinBlocks(next.ConfirmedText, ev.Text)
		next.DeltaText = ""

	case stream.EventThinkingDelta:
		next.clearKeepalive()
		if i := next.trailingInProgressThinking(); i >= 0 {
			next.Activity[i].Text += ev.ThinkingText()
		} else {
			next.Activity = append(next.Activity, ActivityItem{
				ID:         next.nextThinkingID(),
				Kind:       ActivityThinking,
				Text:       ev.ThinkingText(),
				InProgress: true,
			})
		}

	case stream.EventThinking:
		next.clearKeepalive()
		if i := next.lastInProgressThinking(); i >= 0 {
			next.Activity[i].Text = ev.ThinkingText()
			next.Activity[i].InProgress = false
		} else {
			next.Activity = append(next.Activity, ActivityItem{
				ID:   next.nextThinkingID(),
				Kind: ActivityThinking,
				Text: ev.ThinkingText(),
			})
		}

	case stream.EventToolUse:
		next.clearKeepalive()
		next.upsert(ActivityItem{
			ID:        ev.ToolID,
			Kind:      ActivityToolUse,
			ToolName:  ev.ToolName,
			ToolInput: slices.Clone(ev.ToolInput),
		})
		// Placeholder the matching tool_result replaces in place
		if next.activityIndex(ResultIDPrefix+ev.ToolID) < 0 {
			next.Activity = append(next.Activity, ActivityItem{
				ID:         ResultIDPrefix + ev.ToolID,
				Kind:       ActivityToolResult,
				ToolName:   ev.ToolName,
				InProgress: true,
			})
		}

	case stream.EventToolResult:
		next.clearKeepalive()
		item := ActivityItem{
			ID:      ResultIDPrefix + ev.ToolUseID,
			Kind:    ActivityToolResult,
			Content: string(ev.Content),
			IsError: ev.IsError,
		}
		if i := next.activityIndex(ev.ToolUseID); i >= 0 {
			item.ToolName = next.Activity[i].ToolName
		}
		if ev.IsError {
			if display := NormalizeToolError(item.Content); display != item.Content {
				item.RawContent = item.Content
				item.Content = display
			}
		}
		next.upsert(item)

	case stream.EventTodos:
		next.Todos = slices.Clone(ev.Todos)

	case stream.EventInlineImage:
		if ev.Path != "" && !slices.Contains(next.InlineImages, ev.Path) {
			next.InlineImages = append(next.InlineImages, ev.Path)
		}

	case stream.EventKeepalive:
		next.upsert(ActivityItem{
			ID:             KeepaliveID,
			Kind:           ActivityKeepalive,
			ElapsedSeconds: ev.ElapsedSeconds,
		})

	case stream.EventError, stream.EventCancelled,
		stream.EventStreamReconnect, stream.EventStreamCompleted:
		// Not renderable; handled by the Session

	default:
		// Unknown event types from newer backends are ignored
	}

	return next
}

// ReduceAll folds a sequence of events into s in order
func ReduceAll(s State, events []*stream.Event) State {
	for _, ev := range events {
		s = Reduce(s, ev)
	}
	return s
}

// upsert replaces the item with the same id or appends it
func (s *State) upsert(item ActivityItem) {
	if i := s.activityIndex(item.ID); i >= 0 {
		s.Activity[i] = item
		return
	}
	s.Activity = append(s.Activity, item)
}

// clearKeepalive drops the waiting placeholder once real activity resumes
func (s *State) clearKeepalive() {
	s.Activity = slices.DeleteFunc(s.Activity, func(it ActivityItem) bool {
		return it.Kind == ActivityKeepalive
	})
}

func (s *State) nextThinkingID() string {
	n := 0
	for _, it := range s.Activity {
		if it.Kind == ActivityThinking {
			n++
		}
	}
	return fmt.Sprintf("thinking-%d", n+1)
}
