package execserver

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/HyphaGroup/tether/internal/stream"
)

// Turn is the input of one agent run
type Turn struct {
	ConversationID string
	Message        string
	History        []string // earlier user messages, oldest first
}

// Agent produces the events of one execution. Run returns when the turn is
// over; ctx is cancelled when the execution is stopped.
type Agent interface {
	Run(ctx context.Context, turn Turn, emit func(*stream.Event)) error
}

// AgentFunc adapts a function to Agent
type AgentFunc func(ctx context.Context, turn Turn, emit func(*stream.Event)) error

// Run implements Agent
func (f AgentFunc) Run(ctx context.Context, turn Turn, emit func(*stream.Event)) error {
	return f(ctx, turn, emit)
}

// ScriptAgent emits a fixed list of events, pausing Delay between them
type ScriptAgent struct {
	Events []*stream.Event
	Delay  time.Duration
	// Gate, when set, is received from before each event so tests can step
	// the execution one event at a time
	Gate <-chan struct{}
	Err  error
}

// Run implements Agent
func (a *ScriptAgent) Run(ctx context.Context, _ Turn, emit func(*stream.Event)) error {
	for _, ev := range a.Events {
		if a.Gate != nil {
			select {
			case <-a.Gate:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err := sleep(ctx, a.Delay); err != nil {
			return err
		}
		emit(ev)
	}
	return a.Err
}

// EchoAgent is a demo agent: it thinks, calls a fake tool, updates a todo
// list and streams the user's message back word by word
type EchoAgent struct {
	WordDelay time.Duration
}

// Run implements Agent
func (a *EchoAgent) Run(ctx context.Context, turn Turn, emit func(*stream.Event)) error {
	emit(&stream.Event{Type: stream.EventTodos, Todos: []stream.TodoItem{
		{Content: "Read the message", Status: stream.TodoInProgress, ActiveForm: "Reading the message"},
		{Content: "Echo it back", Status: stream.TodoPending, ActiveForm: "Echoing it back"},
	}})
	emit(&stream.Event{Type: stream.EventThinkingDelta, Text: "The user said "})
	emit(&stream.Event{Type: stream.EventThinking, Thinking: fmt.Sprintf("The user said %d words.", len(strings.Fields(turn.Message)))})

	toolID := fmt.Sprintf("echo-%d", len(turn.History)+1)
	emit(&stream.Event{Type: stream.EventToolUse, ToolID: toolID, ToolName: "Echo"})
	emit(&stream.Event{Type: stream.EventToolResult, ToolUseID: toolID, Content: stream.ResultContent(turn.Message)})
	emit(&stream.Event{Type: stream.EventTodos, Todos: []stream.TodoItem{
		{Content: "Read the message", Status: stream.TodoCompleted, ActiveForm: "Reading the message"},
		{Content: "Echo it back", Status: stream.TodoInProgress, ActiveForm: "Echoing it back"},
	}})

	words := strings.Fields(turn.Message)
	for i, w := range words {
		if err := sleep(ctx, a.WordDelay); err != nil {
			return err
		}
		if i > 0 {
			w = " " + w
		}
		emit(&stream.Event{Type: stream.EventTextDelta, Text: w})
	}
	emit(&stream.Event{Type: stream.EventText, Text: strings.Join(words, " ")})
	emit(&stream.Event{Type: stream.EventTodos, Todos: []stream.TodoItem{
		{Content: "Read the message", Status: stream.TodoCompleted, ActiveForm: "Reading the message"},
		{Content: "Echo it back", Status: stream.TodoCompleted, ActiveForm: "Echoing it back"},
	}})
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
