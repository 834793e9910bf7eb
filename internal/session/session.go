// Package session drives one execution's event stream into the registry.
//
// session.go - Stream session state machine
//
// This file contains:
// - Phase, the lifecycle of a session
// - Session, which connects (or resumes), decodes, reduces and reconnects
// - Result, the terminal outcome handed back to the coordinator
//
// Lifecycle:
//
//	connecting -> streaming -> (reconnecting -> streaming)* -> completed | failed | cancelled
//
// A session writes to exactly one registry entry and only while it owns it.
// Teardown of the entry (flush and remove) belongs to the caller.

package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/HyphaGroup/tether/internal/backend"
	"github.com/HyphaGroup/tether/internal/conversation"
	"github.com/HyphaGroup/tether/internal/logger"
	"github.com/HyphaGroup/tether/internal/metrics"
	"github.com/HyphaGroup/tether/internal/registry"
	"github.com/HyphaGroup/tether/internal/stream"
)

// Phase is the lifecycle state of a session
type Phase string

const (
	PhaseConnecting   Phase = "connecting"
	PhaseStreaming    Phase = "streaming"
	PhaseReconnecting Phase = "reconnecting"
	PhaseCompleted    Phase = "completed"
	PhaseFailed       Phase = "failed"
	PhaseCancelled    Phase = "cancelled"
)

// Terminal reports whether the phase is final
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseFailed || p == PhaseCancelled
}

// ApplicationError is an error reported by the agent through an error event.
// It is a notification; the execution keeps going.
type ApplicationError struct {
	ConversationID string
	ExecutionID    string
	Message        string
}

func (e *ApplicationError) Error() string {
	return fmt.Sprintf("execution %s reported an error: %s", e.ExecutionID, e.Message)
}

// errSuperseded means the registry entry was removed or handed to another
// session; this session must stop writing.
var errSuperseded = errors.New("registry entry no longer owned by this session")

// Session streams one execution into one registry entry
type Session struct {
	Backend  backend.Backend
	Registry *registry.Registry

	// Key is the registry key the session writes to; Owner is its ownership
	// token. The entry must exist before Run is called.
	Key   string
	Owner string

	// Start launches a new execution. When nil the session attaches to
	// ExecutionID and resumes after Cursor.
	Start       *backend.StartRequest
	ExecutionID string
	Cursor      float64

	// Migrate renames a pending key once the conversation id is known.
	// Defaults to Registry.Migrate.
	Migrate func(pendingKey, realKey string) error

	// OnNotice receives error events from the agent
	OnNotice func(*ApplicationError)

	// OnPhase observes phase transitions
	OnPhase func(Phase)

	phase Phase
	mu    sync.RWMutex
}

// Result is the terminal outcome of a session
type Result struct {
	Phase          Phase
	Key            string // final registry key, after any migration
	ConversationID string
	ExecutionID    string
	State          conversation.State // last state this session wrote
	NotFound       bool               // the backend no longer tracked the execution
	Reconnects     int
	Malformed      int
	Err            error
}

// Phase returns the current phase
func (s *Session) Phase() Phase {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.phase
}

func (s *Session) setPhase(p Phase) {
	s.mu.Lock()
	s.phase = p
	s.mu.Unlock()
	if s.OnPhase != nil {
		s.OnPhase(p)
	}
}

// outcome of consuming one connection
type outcome int

const (
	outcomeEnded outcome = iota
	outcomeReconnect
	outcomeCancelled
	outcomeFailed
)

// Run drives the session to a terminal phase. Cancelling ctx is the local
// abort: Run returns promptly with PhaseCancelled and never reports it as a
// failure.
func (s *Session) Run(ctx context.Context) *Result {
	started := time.Now()
	metrics.RecordStreamStart()

	res := &Result{Key: s.Key, ExecutionID: s.ExecutionID}
	if state, ok := s.Registry.Get(s.Key); ok {
		res.State = state
		res.ConversationID = state.ConversationID
	}

	s.run(ctx, res)

	metrics.RecordStreamEnd(string(res.Phase), time.Since(started).Seconds())
	logCtx := logger.WithConversation(ctx, res.ConversationID, res.ExecutionID)
	switch res.Phase {
	case PhaseFailed:
		logger.WarnContext(logCtx, "stream session failed", "error", res.Err, "reconnects", res.Reconnects)
	default:
		logger.InfoContext(logCtx, "stream session finished", "phase", res.Phase, "not_found", res.NotFound, "reconnects", res.Reconnects)
	}
	return res
}

func (s *Session) run(ctx context.Context, res *Result) {
	cursor := s.Cursor

	if s.Start != nil {
		s.setPhase(PhaseConnecting)
		if err := s.start(ctx, res); err != nil {
			s.finish(ctx, res, err)
			return
		}
	} else {
		s.setPhase(PhaseReconnecting)
		if res.ExecutionID == "" {
			s.finish(ctx, res, fmt.Errorf("attach: execution id is required"))
			return
		}
	}

	for {
		if ctx.Err() != nil {
			s.finish(ctx, res, ctx.Err())
			return
		}

		body, err := s.Backend.Stream(ctx, res.ExecutionID, cursor)
		if errors.Is(err, backend.ErrNotFound) {
			res.NotFound = true
			s.finish(ctx, res, nil)
			return
		}
		if err != nil {
			s.finish(ctx, res, err)
			return
		}

		s.setPhase(PhaseStreaming)
		out, err := s.consume(ctx, body, &cursor, res)
		_ = body.Close()

		switch out {
		case outcomeReconnect:
			res.Reconnects++
			metrics.RecordReconnect("sentinel")
			logger.DebugContext(logger.WithConversation(ctx, res.ConversationID, res.ExecutionID),
				"resuming stream", "cursor", cursor)
			s.setPhase(PhaseReconnecting)
			continue
		case outcomeEnded:
			s.finish(ctx, res, nil)
		case outcomeCancelled:
			s.finish(ctx, res, context.Canceled)
		default:
			s.finish(ctx, res, err)
		}
		return
	}
}

// start issues the start request and records the execution id
func (s *Session) start(ctx context.Context, res *Result) error {
	resp, err := s.Backend.Start(ctx, s.Start)
	if err != nil {
		return err
	}
	res.ExecutionID = resp.ExecutionID

	if _, err := s.update(res, func(st conversation.State) conversation.State {
		st.ExecutionID = resp.ExecutionID
		return st
	}); err != nil {
		return err
	}

	if resp.ConversationID != "" && registry.IsPending(res.Key) {
		s.bind(ctx, res, resp.ConversationID)
	}
	return nil
}

// consume reads one connection until a sentinel, end of stream or error.
// cursor is advanced past every applied event; events at or before it are
// duplicates from a resumed connection and are dropped.
func (s *Session) consume(ctx context.Context, body io.Reader, cursor *float64, res *Result) (outcome, error) {
	logCtx := logger.WithConversation(ctx, res.ConversationID, res.ExecutionID)

	dec := stream.NewDecoder(body)
	dec.OnMalformed = func(line string, err error) {
		res.Malformed++
		metrics.RecordMalformedRecord()
		logger.DebugContext(logCtx, "dropped malformed record", "error", err, "bytes", len(line))
	}

	for {
		if ctx.Err() != nil {
			return outcomeCancelled, nil
		}

		ev, err := dec.Next()
		if errors.Is(err, stream.ErrDone) || errors.Is(err, io.EOF) {
			return outcomeEnded, nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return outcomeCancelled, nil
			}
			return outcomeFailed, &backend.TransportError{Op: "read", Err: err}
		}

		switch ev.Sentinel() {
		case stream.SentinelReconnect:
			if c := ev.ResumeCursor(); c > *cursor {
				logger.DebugContext(logCtx, "server cursor ahead of applied cursor", "server", c, "applied", *cursor)
			}
			return outcomeReconnect, nil
		case stream.SentinelCompleted:
			return outcomeEnded, nil
		}

		if ev.Timestamp != 0 && ev.Timestamp <= *cursor {
			continue
		}

		if err := s.apply(ctx, ev, res); err != nil {
			if errors.Is(err, errSuperseded) {
				return outcomeCancelled, nil
			}
			return outcomeFailed, err
		}
		if ev.Timestamp != 0 {
			*cursor = ev.Timestamp
		}

		if ctx.Err() != nil {
			return outcomeCancelled, nil
		}
	}
}

// apply folds one event into the registry entry
func (s *Session) apply(ctx context.Context, ev *stream.Event, res *Result) error {
	switch ev.Type {
	case stream.EventConversationCreated:
		if ev.ConversationID != "" && registry.IsPending(res.Key) {
			s.bind(ctx, res, ev.ConversationID)
		}
	case stream.EventError:
		if s.OnNotice != nil {
			s.OnNotice(&ApplicationError{
				ConversationID: res.ConversationID,
				ExecutionID:    res.ExecutionID,
				Message:        ev.ErrorText(),
			})
		}
	}

	if _, err := s.update(res, func(st conversation.State) conversation.State {
		return conversation.Reduce(st, ev)
	}); err != nil {
		return err
	}
	metrics.RecordEventApplied(string(ev.Type))
	return nil
}

// bind moves the entry from its pending key to the real conversation key
func (s *Session) bind(ctx context.Context, res *Result, conversationID string) {
	migrate := s.Migrate
	if migrate == nil {
		migrate = s.Registry.Migrate
	}
	if err := migrate(res.Key, conversationID); err != nil {
		logger.WarnContext(ctx, "could not migrate pending entry", "from", res.Key, "to", conversationID, "error", err)
		return
	}
	res.Key = conversationID
	res.ConversationID = conversationID
}

func (s *Session) update(res *Result, fn func(conversation.State) conversation.State) (conversation.State, error) {
	state, err := s.Registry.Update(res.Key, s.Owner, fn)
	if errors.Is(err, registry.ErrNotFound) || errors.Is(err, registry.ErrStaleOwner) {
		return state, errSuperseded
	}
	if err != nil {
		return state, err
	}
	res.State = state
	if state.ConversationID != "" {
		res.ConversationID = state.ConversationID
	}
	return state, nil
}

// finish sets the terminal phase from the error that ended the session
func (s *Session) finish(ctx context.Context, res *Result, err error) {
	switch {
	case err == nil:
		res.Phase = PhaseCompleted
	case errors.Is(err, context.Canceled), errors.Is(err, errSuperseded), ctx.Err() != nil:
		res.Phase = PhaseCancelled
	default:
		res.Phase = PhaseFailed
		res.Err = err
	}
	s.setPhase(res.Phase)
}
