// Package execserver is a reference execution backend: it runs agent turns,
// buffers their events and serves them over the streaming wire contract.
//
// manager.go - Execution lifecycle management
//
// This file contains:
// - Execution, one agent run with its event log and status
// - Manager, which starts, stops and indexes executions by conversation
// - The persisted conversation history each finished execution appends to

package execserver

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/HyphaGroup/tether/internal/backend"
	"github.com/HyphaGroup/tether/internal/conversation"
	"github.com/HyphaGroup/tether/internal/logger"
	"github.com/HyphaGroup/tether/internal/metrics"
	"github.com/HyphaGroup/tether/internal/stream"
)

const (
	DefaultRetention = 10 * time.Minute
	maxRecent        = 10
	maxTitleRunes    = 60
)

var (
	ErrExecutionNotFound    = errors.New("execution not found")
	ErrConversationNotFound = errors.New("conversation not found")
)

// Execution is one agent run
type Execution struct {
	ID             string
	ConversationID string
	Log            *EventLog
	CreatedAt      time.Time

	status     backend.ExecutionStatus
	errMsg     string
	updatedAt  time.Time
	finishedAt time.Time
	cancel     context.CancelFunc
	done       chan struct{}
	mu         sync.RWMutex
}

// Status returns the execution status and its error message, if any
func (e *Execution) Status() (backend.ExecutionStatus, string) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.status, e.errMsg
}

// Done is closed once the execution has finished and its last event is logged
func (e *Execution) Done() <-chan struct{} {
	return e.done
}

// Finished reports whether the execution is over
func (e *Execution) Finished() bool {
	select {
	case <-e.done:
		return true
	default:
		return false
	}
}

// Snapshot renders the execution in wire form
func (e *Execution) Snapshot(withEvents bool) backend.Execution {
	e.mu.RLock()
	defer e.mu.RUnlock()

	convID := e.ConversationID
	snap := backend.Execution{
		ID:             e.ID,
		ConversationID: &convID,
		Status:         e.status,
		Error:          e.errMsg,
		CreatedAt:      e.CreatedAt,
		UpdatedAt:      e.updatedAt,
	}
	if withEvents {
		snap.Events = e.Log.All()
	}
	return snap
}

func (e *Execution) finish(status backend.ExecutionStatus, errMsg string, at time.Time) {
	e.mu.Lock()
	e.status = status
	e.errMsg = errMsg
	e.updatedAt = at
	e.finishedAt = at
	e.mu.Unlock()
	close(e.done)
}

func (e *Execution) finishedBefore(cutoff time.Time) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return !e.finishedAt.IsZero() && e.finishedAt.Before(cutoff)
}

// ManagerOptions configures a Manager
type ManagerOptions struct {
	Agent        Agent
	EventLogSize int
	Retention    time.Duration // how long finished executions stay resumable
}

// Manager runs executions and keeps them addressable until retention expires
type Manager struct {
	agent          Agent
	logSize        int
	retention      time.Duration
	executions     map[string]*Execution            // by execution ID
	byConversation map[string][]string              // conversation ID -> execution IDs, oldest first
	conversations  map[string]*backend.Conversation // persisted history
	now            func() time.Time
	wg             sync.WaitGroup
	mu             sync.RWMutex
	ctx            context.Context
	cancel         context.CancelFunc
}

// NewManager creates an execution manager
func NewManager(opts ManagerOptions) *Manager {
	if opts.Agent == nil {
		opts.Agent = &EchoAgent{}
	}
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		agent:          opts.Agent,
		logSize:        opts.EventLogSize,
		retention:      opts.Retention,
		executions:     make(map[string]*Execution),
		byConversation: make(map[string][]string),
		conversations:  make(map[string]*backend.Conversation),
		now:            time.Now,
		ctx:            ctx,
		cancel:         cancel,
	}
}

// Start launches an execution for the message. A new conversation is created
// when req.ConversationID is empty; its ID reaches the client through the
// conversation.created event rather than the response.
func (m *Manager) Start(req *backend.StartRequest) (*backend.StartResponse, error) {
	now := m.now()
	execID := uuid.New().String()

	m.mu.Lock()
	convID := req.ConversationID
	isNew := convID == ""
	var history []string
	if isNew {
		convID = uuid.New().String()
		m.conversations[convID] = &backend.Conversation{ID: convID, Title: titleFrom(req.Message)}
	} else {
		conv, ok := m.conversations[convID]
		if !ok {
			m.mu.Unlock()
			return nil, ErrConversationNotFound
		}
		for _, msg := range conv.Messages {
			if msg.Role == "user" {
				history = append(history, msg.Content)
			}
		}
	}
	conv := m.conversations[convID]
	conv.Messages = append(conv.Messages, backend.Message{Role: "user", Content: req.Message, CreatedAt: now})

	ctx, cancel := context.WithCancel(m.ctx)
	exec := &Execution{
		ID:             execID,
		ConversationID: convID,
		Log:            NewEventLog(execID, m.logSize),
		CreatedAt:      now,
		status:         backend.ExecutionRunning,
		updatedAt:      now,
		cancel:         cancel,
		done:           make(chan struct{}),
	}
	m.executions[execID] = exec
	m.byConversation[convID] = append(m.byConversation[convID], execID)
	m.wg.Add(1)
	m.mu.Unlock()

	if isNew {
		exec.Log.Append(&stream.Event{Type: stream.EventConversationCreated, ConversationID: convID})
	}

	logCtx := logger.WithConversation(context.Background(), convID, execID)
	logger.InfoContext(logCtx, "execution started", "new_conversation", isNew)
	m.updateGauges()

	go m.run(ctx, exec, Turn{ConversationID: convID, Message: req.Message, History: history})

	resp := &backend.StartResponse{ExecutionID: execID}
	if !isNew {
		resp.ConversationID = convID
	}
	return resp, nil
}

// run drives the agent and records the outcome
func (m *Manager) run(ctx context.Context, exec *Execution, turn Turn) {
	defer m.wg.Done()
	defer exec.cancel()

	logCtx := logger.WithConversation(context.Background(), exec.ConversationID, exec.ID)
	state := conversation.New(exec.ConversationID, exec.ID)
	var stateMu sync.Mutex

	emit := func(ev *stream.Event) {
		if ev == nil || ctx.Err() != nil {
			return
		}
		ts := exec.Log.Append(ev)
		stamped := *ev
		stamped.Timestamp = ts
		stateMu.Lock()
		state = conversation.Reduce(state, &stamped)
		stateMu.Unlock()
	}

	err := m.agent.Run(ctx, turn, emit)

	status := backend.ExecutionCompleted
	errMsg := ""
	switch {
	case ctx.Err() != nil:
		status = backend.ExecutionCancelled
	case err != nil:
		status = backend.ExecutionFailed
		errMsg = err.Error()
		exec.Log.Append(&stream.Event{Type: stream.EventError, Error: errMsg})
		logger.ErrorContext(logCtx, "execution failed", "error", err)
	}

	stateMu.Lock()
	reply := conversation.FlushText(state)
	stateMu.Unlock()
	if reply != "" {
		m.appendMessage(exec.ConversationID, backend.Message{Role: "assistant", Content: reply, CreatedAt: m.now()})
	}

	exec.Log.Append(&stream.Event{Type: stream.EventStreamCompleted})
	exec.finish(status, errMsg, m.now())

	logger.InfoContext(logCtx, "execution finished", "status", status, "events", exec.Log.Len())
	m.updateGauges()
}

func (m *Manager) appendMessage(convID string, msg backend.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if conv, ok := m.conversations[convID]; ok {
		conv.Messages = append(conv.Messages, msg)
	}
}

// Get returns an execution by ID
func (m *Manager) Get(executionID string) (*Execution, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	exec, ok := m.executions[executionID]
	return exec, ok
}

// Stop cancels a running execution. Stopping a finished execution is a no-op.
func (m *Manager) Stop(executionID string) error {
	exec, ok := m.Get(executionID)
	if !ok {
		return ErrExecutionNotFound
	}
	exec.cancel()
	logger.InfoContext(logger.WithConversation(context.Background(), exec.ConversationID, exec.ID), "execution stop requested")
	return nil
}

// Status reports the active execution (with its buffered events) and the
// recent executions of a conversation
func (m *Manager) Status(conversationID string) (*backend.StatusResponse, error) {
	m.mu.RLock()
	_, known := m.conversations[conversationID]
	ids := append([]string(nil), m.byConversation[conversationID]...)
	execs := make([]*Execution, 0, len(ids))
	for _, id := range ids {
		if exec, ok := m.executions[id]; ok {
			execs = append(execs, exec)
		}
	}
	m.mu.RUnlock()

	if !known {
		return nil, ErrConversationNotFound
	}

	resp := &backend.StatusResponse{Recent: []backend.Execution{}}
	for i := len(execs) - 1; i >= 0; i-- {
		exec := execs[i]
		if resp.Active == nil && !exec.Finished() {
			active := exec.Snapshot(true)
			resp.Active = &active
			continue
		}
		if len(resp.Recent) < maxRecent {
			resp.Recent = append(resp.Recent, exec.Snapshot(false))
		}
	}
	return resp, nil
}

// Conversation returns a copy of the persisted conversation
func (m *Manager) Conversation(conversationID string) (*backend.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conv, ok := m.conversations[conversationID]
	if !ok {
		return nil, ErrConversationNotFound
	}
	cp := *conv
	cp.Messages = append([]backend.Message(nil), conv.Messages...)
	return &cp, nil
}

// Sweep evicts executions that finished before the retention window. Evicted
// executions answer 404, which clients treat as completion. Returns the
// number evicted.
func (m *Manager) Sweep() int {
	cutoff := m.now().Add(-m.retention)

	m.mu.Lock()
	var evicted []string
	for id, exec := range m.executions {
		if exec.finishedBefore(cutoff) {
			evicted = append(evicted, id)
			delete(m.executions, id)
		}
	}
	if len(evicted) > 0 {
		for convID, ids := range m.byConversation {
			kept := ids[:0]
			for _, id := range ids {
				if _, ok := m.executions[id]; ok {
					kept = append(kept, id)
				}
			}
			if len(kept) == 0 {
				delete(m.byConversation, convID)
			} else {
				m.byConversation[convID] = kept
			}
		}
	}
	m.mu.Unlock()

	if len(evicted) > 0 {
		logger.Slog().Info("evicted finished executions", "count", len(evicted))
		m.updateGauges()
	}
	return len(evicted)
}

// Counts returns the number of tracked executions per status
func (m *Manager) Counts() map[backend.ExecutionStatus]int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	counts := map[backend.ExecutionStatus]int{
		backend.ExecutionRunning:   0,
		backend.ExecutionCompleted: 0,
		backend.ExecutionFailed:    0,
		backend.ExecutionCancelled: 0,
	}
	for _, exec := range m.executions {
		status, _ := exec.Status()
		counts[status]++
	}
	return counts
}

func (m *Manager) updateGauges() {
	for status, n := range m.Counts() {
		metrics.SetBackendExecutions(string(status), float64(n))
	}
}

// Close stops every running execution and waits for them to finish
func (m *Manager) Close() {
	m.cancel()
	m.wg.Wait()
}

func titleFrom(message string) string {
	title := strings.Join(strings.Fields(message), " ")
	runes := []rune(title)
	if len(runes) > maxTitleRunes {
		return fmt.Sprintf("%s...", string(runes[:maxTitleRunes]))
	}
	return title
}
