package conversation

import (
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/HyphaGroup/tether/internal/stream"
)

func TestReduce_BlockSeparation(t *testing.T) {
	s := ReduceAll(State{}, []*stream.Event{
		{Type: stream.EventTextDelta, Text: "Hello "},
		{Type: stream.EventTextDelta, Text: "world"},
		{Type: stream.EventText, Text: "Hello world"},
		{Type: stream.EventTextDelta, Text: "Next"},
	})

	if s.ConfirmedText != "Hello world" {
		t.Errorf("ConfirmedText = %q, want %q", s.ConfirmedText, "Hello world")
	}
	if s.DeltaText != "Next" {
		t.Errorf("DeltaText = %q, want %q", s.DeltaText, "Next")
	}
	if got := DisplayText(s); got != "Hello world\n\nNext" {
		t.Errorf("DisplayText() = %q", got)
	}
}

func TestReduce_ConfirmedBlocksAreSeparated(t *testing.T) {
	s := ReduceAll(State{}, []*stream.Event{
		{Type: stream.EventText, Text: "First."},
		{Type: stream.EventText, Text: "Second."},
		{Type: stream.EventText, Text: "\nThird."},
	})

	if want := "First.\n\nSecond.\nThird."; s.ConfirmedText != want {
		t.Errorf("ConfirmedText = %q, want %q", s.ConfirmedText, want)
	}
}

func TestReduce_KeepaliveDoesNotAccumulate(t *testing.T) {
	s := State{}
	for i := 0; i < 50; i++ {
		s = Reduce(s, &stream.Event{Type: stream.EventKeepalive, ElapsedSeconds: float64(i * 10)})
	}

	if len(s.Activity) != 1 {
		t.Fatalf("len(Activity) = %d, want 1", len(s.Activity))
	}
	if s.Activity[0].ID != KeepaliveID || s.Activity[0].ElapsedSeconds != 490 {
		t.Errorf("Activity[0] = %+v", s.Activity[0])
	}
}

func TestReduce_KeepaliveClearedByActivity(t *testing.T) {
	s := ReduceAll(State{}, []*stream.Event{
		{Type: stream.EventKeepalive, ElapsedSeconds: 5},
		{Type: stream.EventThinkingDelta, Text: "hmm"},
	})

	if len(s.Activity) != 1 || s.Activity[0].Kind != ActivityThinking {
		t.Errorf("Activity = %+v, want a single thinking item", s.Activity)
	}
}

func TestReduce_KeepaliveClearedByText(t *testing.T) {
	live := ReduceAll(State{}, []*stream.Event{
		{Type: stream.EventTextDelta, Text: "Hel"},
		{Type: stream.EventKeepalive, ElapsedSeconds: 10},
		{Type: stream.EventTextDelta, Text: "lo"},
		{Type: stream.EventKeepalive, ElapsedSeconds: 20},
		{Type: stream.EventText, Text: "Hello"},
	})
	replayed := ReduceAll(State{}, []*stream.Event{
		{Type: stream.EventTextDelta, Text: "Hel"},
		{Type: stream.EventTextDelta, Text: "lo"},
		{Type: stream.EventText, Text: "Hello"},
	})

	if diff := cmp.Diff(replayed, live, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("keepalives left a trace (-replayed +live):\n%s", diff)
	}
}

func TestReduce_ToolResultUpsert(t *testing.T) {
	s := ReduceAll(State{}, []*stream.Event{
		{Type: stream.EventToolUse, ToolID: "t1", ToolName: "Bash", ToolInput: json.RawMessage(`{"cmd":"ls"}`)},
		{Type: stream.EventTextDelta, Text: "running"},
		{Type: stream.EventToolResult, ToolUseID: "t1", Content: "file.txt"},
	})

	want := []ActivityItem{
		{ID: "t1", Kind: ActivityToolUse, ToolName: "Bash", ToolInput: json.RawMessage(`{"cmd":"ls"}`)},
		{ID: "result-t1", Kind: ActivityToolResult, ToolName: "Bash", Content: "file.txt"},
	}
	if diff := cmp.Diff(want, s.Activity); diff != "" {
		t.Errorf("Activity mismatch (-want +got):\n%s", diff)
	}
}

func TestReduce_ToolResultWithoutToolUse(t *testing.T) {
	s := ReduceAll(State{}, []*stream.Event{
		{Type: stream.EventToolResult, ToolUseID: "t9", Content: "orphan"},
		{Type: stream.EventToolResult, ToolUseID: "t9", Content: "orphan again"},
	})

	if len(s.Activity) != 1 || s.Activity[0].Content != "orphan again" {
		t.Errorf("Activity = %+v", s.Activity)
	}
}

func TestReduce_DuplicateToolUse(t *testing.T) {
	ev := &stream.Event{Type: stream.EventToolUse, ToolID: "t1", ToolName: "Read"}
	s := ReduceAll(State{}, []*stream.Event{ev, ev})

	if len(s.Activity) != 2 {
		t.Errorf("len(Activity) = %d, want 2 (tool_use + placeholder)", len(s.Activity))
	}
}

func TestReduce_ToolErrorNormalization(t *testing.T) {
	s := ReduceAll(State{}, []*stream.Event{
		{Type: stream.EventToolUse, ToolID: "t1", ToolName: "Bash"},
		{Type: stream.EventToolResult, ToolUseID: "t1", IsError: true, Content: "<tool_use_error>permission denied</tool_use_error>"},
	})

	got := s.Activity[1]
	if got.Content != "permission denied" {
		t.Errorf("Content = %q, want %q", got.Content, "permission denied")
	}
	if got.RawContent != "<tool_use_error>permission denied</tool_use_error>" {
		t.Errorf("RawContent = %q, original must be kept", got.RawContent)
	}
	if !got.IsError {
		t.Error("IsError = false, want true")
	}
}

func TestReduce_Thinking(t *testing.T) {
	tests := []struct {
		name   string
		events []*stream.Event
		want   []ActivityItem
	}{
		{
			name: "deltas then final replaces",
			events: []*stream.Event{
				{Type: stream.EventThinkingDelta, Text: "Let me "},
				{Type: stream.EventThinkingDelta, Text: "think"},
				{Type: stream.EventThinking, Thinking: "Let me think."},
			},
			want: []ActivityItem{{ID: "thinking-1", Kind: ActivityThinking, Text: "Let me think."}},
		},
		{
			name: "final without deltas appends",
			events: []*stream.Event{
				{Type: stream.EventThinking, Thinking: "whole"},
			},
			want: []ActivityItem{{ID: "thinking-1", Kind: ActivityThinking, Text: "whole"}},
		},
		{
			name: "delta after completed thinking starts a new item",
			events: []*stream.Event{
				{Type: stream.EventThinking, Thinking: "one"},
				{Type: stream.EventThinkingDelta, Text: "two"},
			},
			want: []ActivityItem{
				{ID: "thinking-1", Kind: ActivityThinking, Text: "one"},
				{ID: "thinking-2", Kind: ActivityThinking, Text: "two", InProgress: true},
			},
		},
		{
			name: "tool use closes the thinking run",
			events: []*stream.Event{
				{Type: stream.EventThinkingDelta, Text: "a"},
				{Type: stream.EventToolUse, ToolID: "t1", ToolName: "Read"},
				{Type: stream.EventThinkingDelta, Text: "b"},
			},
			want: []ActivityItem{
				{ID: "thinking-1", Kind: ActivityThinking, Text: "a", InProgress: true},
				{ID: "t1", Kind: ActivityToolUse, ToolName: "Read"},
				{ID: "result-t1", Kind: ActivityToolResult, ToolName: "Read", InProgress: true},
				{ID: "thinking-2", Kind: ActivityThinking, Text: "b", InProgress: true},
			},
		},
		{
			name: "final after tool use replaces the open item",
			events: []*stream.Event{
				{Type: stream.EventThinkingDelta, Text: "plan A"},
				{Type: stream.EventToolUse, ToolID: "t1", ToolName: "Read"},
				{Type: stream.EventToolResult, ToolUseID: "t1", Content: "ok"},
				{Type: stream.EventThinking, Thinking: "plan A"},
			},
			want: []ActivityItem{
				{ID: "thinking-1", Kind: ActivityThinking, Text: "plan A"},
				{ID: "t1", Kind: ActivityToolUse, ToolName: "Read"},
				{ID: "result-t1", Kind: ActivityToolResult, ToolName: "Read", Content: "ok"},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := ReduceAll(State{}, tt.events)
			if diff := cmp.Diff(tt.want, s.Activity); diff != "" {
				t.Errorf("Activity mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestReduce_TodosReplaceWholesale(t *testing.T) {
	s := ReduceAll(State{}, []*stream.Event{
		{Type: stream.EventTodos, Todos: []stream.TodoItem{{Content: "a", Status: stream.TodoPending}, {Content: "b", Status: stream.TodoPending}}},
		{Type: stream.EventTodos, Todos: []stream.TodoItem{{Content: "c", Status: stream.TodoInProgress}}},
	})

	want := []stream.TodoItem{{Content: "c", Status: stream.TodoInProgress}}
	if diff := cmp.Diff(want, s.Todos); diff != "" {
		t.Errorf("Todos mismatch (-want +got):\n%s", diff)
	}
}

func TestReduce_InlineImagesDeduplicated(t *testing.T) {
	s := ReduceAll(State{}, []*stream.Event{
		{Type: stream.EventInlineImage, Path: "/a.png"},
		{Type: stream.EventInlineImage, Path: "/b.png"},
		{Type: stream.EventInlineImage, Path: "/a.png"},
		{Type: stream.EventInlineImage},
	})

	if diff := cmp.Diff([]string{"/a.png", "/b.png"}, s.InlineImages); diff != "" {
		t.Errorf("InlineImages mismatch (-want +got):\n%s", diff)
	}
}

func TestReduce_ConversationCreatedBindsID(t *testing.T) {
	s := Reduce(New("", "exec-1"), &stream.Event{Type: stream.EventConversationCreated, ConversationID: "conv-1"})
	if s.ConversationID != "conv-1" || s.ExecutionID != "exec-1" {
		t.Errorf("state = %+v", s)
	}
}

func TestReduce_NonRenderableEventsOnlyMoveCursor(t *testing.T) {
	base := ReduceAll(State{}, []*stream.Event{{Type: stream.EventText, Text: "x", Timestamp: 1}})

	for _, typ := range []stream.EventType{stream.EventError, stream.EventCancelled, stream.EventStreamReconnect, stream.EventStreamCompleted, "future.kind"} {
		got := Reduce(base, &stream.Event{Type: typ, Text: "ignored", Timestamp: 2})
		want := base.Clone()
		want.Cursor = 2
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("%s changed state (-want +got):\n%s", typ, diff)
		}
	}
}

func TestReduce_DoesNotMutateInput(t *testing.T) {
	before := ReduceAll(State{}, []*stream.Event{
		{Type: stream.EventThinkingDelta, Text: "a"},
		{Type: stream.EventToolUse, ToolID: "t1"},
		{Type: stream.EventTodos, Todos: []stream.TodoItem{{Content: "x"}}},
	})
	snapshot := before.Clone()

	_ = ReduceAll(before, []*stream.Event{
		{Type: stream.EventToolResult, ToolUseID: "t1", Content: "done"},
		{Type: stream.EventThinking, Thinking: "b"},
		{Type: stream.EventKeepalive},
		{Type: stream.EventInlineImage, Path: "/p"},
	})

	if diff := cmp.Diff(snapshot, before); diff != "" {
		t.Errorf("input state mutated (-want +got):\n%s", diff)
	}
}

func TestJoinBlocks(t *testing.T) {
	tests := []struct {
		left, right, want string
	}{
		{"", "", ""},
		{"a", "", "a"},
		{"", "b", "b"},
		{"a", "b", "a\n\nb"},
		{"a\n", "b", "a\nb"},
		{"a", "\nb", "a\nb"},
	}
	for _, tt := range tests {
		if got := JoinBlocks(tt.left, tt.right); got != tt.want {
			t.Errorf("JoinBlocks(%q, %q) = %q, want %q", tt.left, tt.right, got, tt.want)
		}
	}
}

func TestDisplayText_WithImages(t *testing.T) {
	s := State{ConfirmedText: "Chart:", InlineImages: []string{"/c.png"}}
	if got := DisplayText(s); got != "Chart:\n\n![](/c.png)" {
		t.Errorf("DisplayText() = %q", got)
	}
	if got := FlushText(s); got != "Chart:" {
		t.Errorf("FlushText() = %q", got)
	}
}

func TestNormalizeToolError(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"<tool_use_error>File not found</tool_use_error>", "File not found"},
		{"Error: Stream closed", TimeoutMessage},
		{"context deadline exceeded (Client.Timeout)", TimeoutMessage},
		{"plain failure", "plain failure"},
	}
	for _, tt := range tests {
		if got := NormalizeToolError(tt.in); got != tt.want {
			t.Errorf("NormalizeToolError(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
