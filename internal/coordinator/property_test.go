package coordinator

import (
	"context"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/HyphaGroup/tether/internal/backend"
	"github.com/HyphaGroup/tether/internal/conversation"
	"github.com/HyphaGroup/tether/internal/stream"
	"github.com/HyphaGroup/tether/internal/testutil"
)

// scriptEvents turns generated kinds into a stamped event sequence covering
// every renderable event type.
func scriptEvents(kinds []int) []*stream.Event {
	events := make([]*stream.Event, 0, len(kinds))
	for i, k := range kinds {
		var ev *stream.Event
		switch k {
		case 0:
			ev = testutil.Delta(fmt.Sprintf("d%d ", i))
		case 1:
			ev = testutil.Text(fmt.Sprintf("block %d", i))
		case 2:
			ev = &stream.Event{Type: stream.EventThinkingDelta, Text: fmt.Sprintf("t%d ", i)}
		case 3:
			ev = &stream.Event{Type: stream.EventThinking, Text: fmt.Sprintf("thought %d", i)}
		case 4:
			ev = &stream.Event{Type: stream.EventToolUse, ToolID: fmt.Sprintf("tool-%d", i), ToolName: "Read"}
		case 5:
			ev = &stream.Event{Type: stream.EventToolResult, ToolUseID: fmt.Sprintf("tool-%d", i-1), Content: "ok"}
		case 6:
			ev = &stream.Event{Type: stream.EventKeepalive, ElapsedSeconds: float64(i)}
		case 7:
			ev = &stream.Event{Type: stream.EventTodos, Todos: []stream.TodoItem{
				{Content: fmt.Sprintf("step %d", i), Status: stream.TodoInProgress},
			}}
		default:
			ev = &stream.Event{Type: stream.EventInlineImage, Path: fmt.Sprintf("/img/%d.png", i%3)}
		}
		events = append(events, ev)
	}
	return testutil.Stamp(events...)
}

// runAttached seeds a coordinator with the first split events as the
// backend's buffer and resumes the rest over the wire, with overlap events
// repeated before the cursor.
func runAttached(t *testing.T, events []*stream.Event, split, overlap int) (conversation.State, error) {
	mb := testutil.NewMockBackend(t)
	c, err := New(Options{Backend: mb})
	if err != nil {
		return conversation.State{}, err
	}
	defer c.Close()

	convID := uuid.NewString()
	mb.SetStatus(convID, &backend.StatusResponse{Active: &backend.Execution{
		ID:             "exec-p",
		ConversationID: &convID,
		Status:         backend.ExecutionRunning,
		Events:         events[:split],
	}})
	from := max(split-overlap, 0)
	mb.QueueStream("exec-p", testutil.StreamResponse{Body: testutil.SSE(events[from:]...) + testutil.Done})

	h, err := c.Attach(context.Background(), convID)
	if err != nil {
		return conversation.State{}, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	res, err := h.Wait(ctx)
	if err != nil {
		return conversation.State{}, err
	}
	return res.State, res.Err
}

// runLive streams the whole sequence through one uninterrupted session
func runLive(t *testing.T, convID string, events []*stream.Event) (conversation.State, error) {
	mb := testutil.NewMockBackend(t)
	mb.StartFunc = func(req *backend.StartRequest) (*backend.StartResponse, error) {
		return &backend.StartResponse{ExecutionID: "exec-p", ConversationID: req.ConversationID}, nil
	}
	mb.QueueStream("exec-p", testutil.StreamResponse{Body: testutil.SSE(events...) + testutil.Done})

	c, err := New(Options{Backend: mb})
	if err != nil {
		return conversation.State{}, err
	}
	defer c.Close()

	h, err := c.Send(convID, "go")
	if err != nil {
		return conversation.State{}, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	res, err := h.Wait(ctx)
	if err != nil {
		return conversation.State{}, err
	}
	return res.State, res.Err
}

func TestReconnectionIsIdempotentProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 40
	properties := gopter.NewProperties(parameters)

	properties.Property("buffer replay plus resumed stream equals one uninterrupted stream", prop.ForAll(
		func(kinds []int, splitSeed, overlap int) bool {
			events := scriptEvents(kinds)
			split := splitSeed % (len(events) + 1)

			resumed, err := runAttached(t, events, split, overlap)
			if err != nil {
				t.Logf("attached run failed: %v", err)
				return false
			}
			convID := resumed.ConversationID

			live, err := runLive(t, convID, events)
			if err != nil {
				t.Logf("live run failed: %v", err)
				return false
			}

			want := conversation.ReduceAll(conversation.New(convID, "exec-p"), events)
			if diff := cmp.Diff(want, resumed); diff != "" {
				t.Logf("resumed state mismatch (-want +got):\n%s", diff)
				return false
			}
			if diff := cmp.Diff(want, live); diff != "" {
				t.Logf("live state mismatch (-want +got):\n%s", diff)
				return false
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, 8)),
		gen.IntRange(0, 1000),
		gen.IntRange(0, 3),
	))

	properties.TestingRun(t)
}
