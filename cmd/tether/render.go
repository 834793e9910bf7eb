package main

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/HyphaGroup/tether/internal/conversation"
	"github.com/HyphaGroup/tether/internal/session"
	"github.com/HyphaGroup/tether/internal/stream"
)

// renderer prints a conversation's live state incrementally. Text goes to
// out; tool activity and status lines go to info.
type renderer struct {
	out     io.Writer
	info    io.Writer
	verbose bool

	mu        sync.Mutex
	execution string
	printed   string
	seen      map[string]bool
	finished  map[string]bool // executions whose final state was printed
	history   map[string]bool // executions rendered before the current one
}

func newRenderer(out, info io.Writer, verbose bool) *renderer {
	return &renderer{
		out:      out,
		info:     info,
		verbose:  verbose,
		seen:     make(map[string]bool),
		finished: make(map[string]bool),
		history:  make(map[string]bool),
	}
}

// render prints whatever s adds to what was already printed. A new execution
// id starts a fresh block.
func (r *renderer) render(s conversation.State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.renderLocked(s)
}

func (r *renderer) renderLocked(s conversation.State) {
	if r.finished[s.ExecutionID] {
		return
	}
	if s.ExecutionID != "" && s.ExecutionID != r.execution {
		if r.printed != "" {
			fmt.Fprintln(r.out)
		}
		if r.execution != "" {
			r.history[r.execution] = true
		}
		r.execution = s.ExecutionID
		r.printed = ""
		clear(r.seen)
	}

	for _, item := range s.Activity {
		r.activity(item)
	}

	text := conversation.DisplayText(s)
	if text == r.printed {
		return
	}
	common := commonPrefix(r.printed, text)
	if common < len(r.printed) {
		// Already printed text was revised; a plain stream cannot unprint it
		fmt.Fprintln(r.out)
	}
	fmt.Fprint(r.out, text[common:])
	r.printed = text
}

func (r *renderer) activity(item conversation.ActivityItem) {
	key := item.ID
	if item.Kind == conversation.ActivityThinking && !item.InProgress {
		key += ":done"
	}
	if r.seen[key] {
		return
	}

	switch item.Kind {
	case conversation.ActivityToolUse:
		fmt.Fprintf(r.info, "\n  > %s\n", item.ToolName)
	case conversation.ActivityToolResult:
		if item.IsError {
			fmt.Fprintf(r.info, "  ! %s\n", firstLine(item.Content))
		} else if r.verbose {
			fmt.Fprintf(r.info, "  < %s\n", firstLine(item.Content))
		}
	case conversation.ActivityThinking:
		if item.InProgress || !r.verbose {
			return
		}
		fmt.Fprintf(r.info, "  (thinking) %s\n", firstLine(item.Text))
	default:
		return
	}
	r.seen[key] = true
}

// finish prints the final state and a one-line outcome. When a later
// execution is already on screen only the outcome is printed.
func (r *renderer) finish(res *session.Result) {
	if res == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	exec := res.State.ExecutionID
	current := exec == "" || exec == r.execution || !r.started(exec)
	if current {
		r.renderLocked(res.State)
		if r.printed != "" && !strings.HasSuffix(r.printed, "\n") {
			fmt.Fprintln(r.out)
			r.printed += "\n"
		}
	}
	if exec != "" {
		r.finished[exec] = true
	}
	if current && len(res.State.Todos) > 0 {
		fmt.Fprintln(r.info, todoSummary(res.State.Todos))
	}

	switch {
	case res.Phase == session.PhaseFailed:
		fmt.Fprintf(r.info, "[failed] %v\n", res.Err)
	case res.Phase == session.PhaseCancelled:
		fmt.Fprintln(r.info, "[cancelled]")
	case res.NotFound:
		fmt.Fprintln(r.info, "[execution no longer tracked by the backend]")
	}
	if r.verbose && res.Reconnects > 0 {
		fmt.Fprintf(r.info, "[%d reconnects]\n", res.Reconnects)
	}
}

// started reports whether any state of exec was rendered. Caller holds r.mu.
func (r *renderer) started(exec string) bool {
	return r.execution == exec || r.history[exec]
}

func todoSummary(todos []stream.TodoItem) string {
	var b strings.Builder
	for _, t := range todos {
		mark := " "
		switch t.Status {
		case stream.TodoCompleted:
			mark = "x"
		case stream.TodoInProgress:
			mark = "~"
		}
		fmt.Fprintf(&b, "  [%s] %s\n", mark, t.Content)
	}
	return strings.TrimRight(b.String(), "\n")
}

func commonPrefix(a, b string) int {
	n := min(len(a), len(b))
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return i
		}
	}
	return n
}

const maxLineRunes = 120

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i] + " ..."
	}
	if runes := []rune(s); len(runes) > maxLineRunes {
		s = string(runes[:maxLineRunes-3]) + "..."
	}
	return s
}
