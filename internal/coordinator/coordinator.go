// Package coordinator ties stream sessions to conversations.
//
// coordinator.go - Coordinator type, handles and read-side projection
//
// This file contains:
// - Coordinator: owns the live runs, the per-conversation outgoing queues
//   and the teardown of registry entries
// - Handle: what a caller gets back for one submitted message
// - View/DisplayText/Subscribe: read-only access for a UI layer
//
// Related files:
// - scheduler.go: Send and Interrupt, starting and draining queued messages
// - cancel.go: Cancel, local abort and best-effort backend stop
// - attach.go: Attach, resuming an execution already running on the backend
// - persist.go: flushing a finished entry into the local store

package coordinator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/HyphaGroup/tether/internal/audit"
	"github.com/HyphaGroup/tether/internal/backend"
	"github.com/HyphaGroup/tether/internal/conversation"
	"github.com/HyphaGroup/tether/internal/registry"
	"github.com/HyphaGroup/tether/internal/session"
	"github.com/HyphaGroup/tether/internal/store"
)

// DefaultStopTimeout bounds the best-effort stop request sent on cancel
const DefaultStopTimeout = 5 * time.Second

var (
	ErrClosed              = errors.New("coordinator is closed")
	ErrUnknownConversation = errors.New("pending conversation is not active")
	// ErrDropped is returned by Handle.Wait for a queued message discarded by
	// Cancel, Interrupt or Close before it was sent.
	ErrDropped = errors.New("queued message was dropped")
)

// Store is the part of the local store the coordinator writes to
type Store interface {
	SaveMessage(msg *store.Message) error
	HasExecutionMessage(executionID string) (bool, error)
	RecordExecution(rec *store.ExecutionRecord) error
}

// Options configures a Coordinator
type Options struct {
	Backend  backend.Backend
	Registry *registry.Registry // defaults to a new registry
	Store    Store              // optional; nothing is persisted when nil
	Audit    *audit.Logger      // optional

	// ProjectID is sent with every start request
	ProjectID string

	StopTimeout time.Duration

	// OnNotice receives error events reported by agents
	OnNotice func(*session.ApplicationError)
}

// Coordinator runs at most one execution per conversation and any number of
// conversations side by side.
type Coordinator struct {
	backend     backend.Backend
	registry    *registry.Registry
	store       Store
	audit       *audit.Logger
	projectID   string
	stopTimeout time.Duration
	onNotice    func(*session.ApplicationError)

	runs   map[string]*run             // by current registry key
	queues map[string][]*queuedMessage // by registry key
	closed bool

	// aliases maps a migrated pending key to its conversation id. It is read
	// without mu so registry subscribers can resolve keys.
	aliases sync.Map

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// run is one execution driven by one session
type run struct {
	key       string // current registry key; guarded by Coordinator.mu
	owner     string
	message   string
	handle    *Handle
	startedAt time.Time
	cancel    context.CancelFunc

	// set by Cancel/Interrupt under Coordinator.mu
	cancelled bool
	stopSent  bool
}

type queuedMessage struct {
	text   string
	handle *Handle
}

// New creates a coordinator
func New(opts Options) (*Coordinator, error) {
	if opts.Backend == nil {
		return nil, errors.New("coordinator: backend is required")
	}
	reg := opts.Registry
	if reg == nil {
		reg = registry.New()
	}
	stopTimeout := opts.StopTimeout
	if stopTimeout <= 0 {
		stopTimeout = DefaultStopTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		backend:     opts.Backend,
		registry:    reg,
		store:       opts.Store,
		audit:       opts.Audit,
		projectID:   opts.ProjectID,
		stopTimeout: stopTimeout,
		onNotice:    opts.OnNotice,
		runs:        make(map[string]*run),
		queues:      make(map[string][]*queuedMessage),
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// Registry returns the registry the coordinator writes to
func (c *Coordinator) Registry() *registry.Registry {
	return c.registry
}

// View returns the live state of a conversation without side effects. Any
// conversation can be viewed, focused or not.
func (c *Coordinator) View(key string) (conversation.State, bool) {
	return c.registry.Get(c.Resolve(key))
}

// DisplayText returns the rendered text of a conversation's live state
func (c *Coordinator) DisplayText(key string) string {
	state, ok := c.View(key)
	if !ok {
		return ""
	}
	return conversation.DisplayText(state)
}

// Subscribe forwards registry changes to fn. fn must not block and may only
// use the read methods View, DisplayText and Resolve.
func (c *Coordinator) Subscribe(fn func(registry.Change)) func() {
	return c.registry.Subscribe(fn)
}

// Resolve returns the conversation id a pending key was migrated to, or key
// itself
func (c *Coordinator) Resolve(key string) string {
	if real, ok := c.aliases.Load(key); ok {
		return real.(string)
	}
	return key
}

// Active reports whether key has a running execution
func (c *Coordinator) Active(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.runs[c.Resolve(key)]
	return ok
}

// Queued returns how many messages wait behind the active execution of key
func (c *Coordinator) Queued(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queues[c.Resolve(key)])
}

// Close cancels every running execution, drops every queued message and
// waits for all sessions to finish their teardown.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.wg.Wait()
		return
	}
	c.closed = true
	var dropped []*queuedMessage
	for key, q := range c.queues {
		dropped = append(dropped, q...)
		delete(c.queues, key)
	}
	c.updateQueueGauge()
	c.mu.Unlock()

	for _, q := range dropped {
		q.handle.drop()
	}
	c.cancel()
	c.wg.Wait()
}

// Handle tracks one submitted message until its execution finishes
type Handle struct {
	// Key is the registry key the message was submitted under. For a new
	// conversation this is a pending key until the backend assigns an id.
	Key string
	// Queued is true when the message waited behind an active execution
	Queued bool

	done    chan struct{}
	result  *session.Result
	dropped bool
}

func newHandle(key string, queued bool) *Handle {
	return &Handle{Key: key, Queued: queued, done: make(chan struct{})}
}

// Done is closed when the message's execution has finished and been flushed,
// or when the message was dropped from the queue.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Result returns the session result once Done is closed; nil before that or
// for a dropped message.
func (h *Handle) Result() *session.Result {
	select {
	case <-h.done:
		return h.result
	default:
		return nil
	}
}

// Wait blocks until the message's execution finishes
func (h *Handle) Wait(ctx context.Context) (*session.Result, error) {
	select {
	case <-h.done:
		if h.dropped {
			return nil, ErrDropped
		}
		return h.result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (h *Handle) finish(res *session.Result) {
	h.result = res
	close(h.done)
}

func (h *Handle) drop() {
	h.dropped = true
	close(h.done)
}
