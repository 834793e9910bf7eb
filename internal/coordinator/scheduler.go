package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/HyphaGroup/tether/internal/audit"
	"github.com/HyphaGroup/tether/internal/backend"
	"github.com/HyphaGroup/tether/internal/conversation"
	"github.com/HyphaGroup/tether/internal/logger"
	"github.com/HyphaGroup/tether/internal/metrics"
	"github.com/HyphaGroup/tether/internal/registry"
	"github.com/HyphaGroup/tether/internal/session"
	"github.com/HyphaGroup/tether/internal/validation"
)

// Send submits a user message. An empty conversationID starts a new
// conversation under a pending key. If the conversation already has an
// active execution the message is queued and sent when that execution ends;
// other conversations are never blocked.
func (c *Coordinator) Send(conversationID, message string) (*Handle, error) {
	if err := validateTarget(conversationID, message); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}

	key := c.Resolve(conversationID)
	if key == "" {
		key = registry.NewPendingKey()
	}

	if _, busy := c.runs[key]; busy {
		h := newHandle(key, true)
		c.queues[key] = append(c.queues[key], &queuedMessage{text: message, handle: h})
		c.updateQueueGauge()
		logger.InfoContext(logger.WithConversation(c.ctx, key, ""), "message queued behind active execution",
			"position", len(c.queues[key]))
		return h, nil
	}
	if registry.IsPending(key) && conversationID != "" {
		return nil, fmt.Errorf("%w: %s", ErrUnknownConversation, key)
	}

	h := newHandle(key, false)
	c.startLocked(key, message, h)
	return h, nil
}

// Interrupt cancels the active execution of a conversation, drops its queue
// and starts a new execution with message. It returns the number of queued
// messages that were dropped.
func (c *Coordinator) Interrupt(conversationID, message string) (*Handle, int, error) {
	if conversationID == "" {
		h, err := c.Send("", message)
		return h, 0, err
	}
	if err := validateTarget(conversationID, message); err != nil {
		return nil, 0, err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, 0, ErrClosed
	}

	key := c.Resolve(conversationID)
	r := c.runs[key]
	if r == nil && registry.IsPending(key) {
		c.mu.Unlock()
		return nil, 0, fmt.Errorf("%w: %s", ErrUnknownConversation, key)
	}

	dropped := c.takeQueueLocked(key)
	var a *abort
	if r != nil {
		a = c.abortLocked(r)
	}
	h := newHandle(key, false)
	c.startLocked(key, message, h)
	c.updateQueueGauge()
	c.mu.Unlock()

	for _, q := range dropped {
		q.handle.drop()
	}
	executionID := ""
	if a != nil {
		executionID = a.executionID
		c.completeAbort(a)
	}
	if len(dropped) > 0 {
		metrics.RecordDroppedMessages(len(dropped))
	}

	logger.InfoContext(logger.WithConversation(c.ctx, key, executionID), "conversation interrupted",
		"dropped", len(dropped), "was_active", a != nil)
	c.audit.Log(&audit.Event{
		Operation:      audit.OpConversationInterrupt,
		ConversationID: key,
		ExecutionID:    executionID,
		Dropped:        len(dropped),
		Success:        true,
	})
	return h, len(dropped), nil
}

// startLocked registers a fresh entry for key and launches a session that
// starts a new execution. Caller holds c.mu and has checked key is idle.
func (c *Coordinator) startLocked(key, message string, h *Handle) {
	conversationID := key
	if registry.IsPending(key) {
		conversationID = ""
	}

	owner := uuid.New().String()
	c.registry.Upsert(key, owner, conversation.New(conversationID, ""))

	ctx, cancel := context.WithCancel(c.ctx)
	r := &run{
		key:       key,
		owner:     owner,
		message:   message,
		handle:    h,
		startedAt: time.Now().UTC(),
		cancel:    cancel,
	}
	sess := &session.Session{
		Backend:  c.backend,
		Registry: c.registry,
		Key:      key,
		Owner:    owner,
		Start: &backend.StartRequest{
			ConversationID: conversationID,
			ProjectID:      c.projectID,
			Message:        message,
		},
		Migrate:  c.migrator(r),
		OnNotice: c.notice,
	}
	c.runs[key] = r
	c.launch(ctx, r, sess)
}

func (c *Coordinator) launch(ctx context.Context, r *run, sess *session.Session) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		res := sess.Run(ctx)
		c.finish(r, res)
	}()
}

// finish tears down a run once its session has returned: the registry entry
// is removed and flushed (unless Cancel already did) and the next queued
// message for the conversation is started.
func (c *Coordinator) finish(r *run, res *session.Result) {
	c.mu.Lock()
	key := r.key
	if c.runs[key] == r {
		delete(c.runs, key)
	}
	r.cancel()
	final, removed := c.registry.Remove(key, r.owner)
	finishedAt := time.Now().UTC()

	var next *queuedMessage
	var orphaned []*queuedMessage
	if !r.cancelled && !c.closed && c.runs[key] == nil {
		if registry.IsPending(key) {
			// no conversation id ever arrived, so there is nothing to send them to
			orphaned = c.takeQueueLocked(key)
		} else if q := c.queues[key]; len(q) > 0 {
			next = q[0]
			if len(q) == 1 {
				delete(c.queues, key)
			} else {
				c.queues[key] = q[1:]
			}
		}
	}
	if next != nil {
		c.startLocked(key, next.text, next.handle)
	}
	c.updateQueueGauge()

	stopID := ""
	if r.cancelled && !r.stopSent && res.ExecutionID != "" {
		// cancelled before the start response arrived
		stopID = res.ExecutionID
		r.stopSent = true
	}
	c.mu.Unlock()

	logCtx := logger.WithConversation(c.ctx, key, res.ExecutionID)
	if stopID != "" {
		c.stop(key, stopID)
	}
	if len(orphaned) > 0 {
		logger.WarnContext(logCtx, "dropping messages queued for a conversation that never got an id",
			"dropped", len(orphaned))
		metrics.RecordDroppedMessages(len(orphaned))
		for _, q := range orphaned {
			q.handle.drop()
		}
	}
	if removed {
		c.persist(r, final, outcomeFor(res), res, finishedAt)
	}
	if next != nil {
		logger.DebugContext(logCtx, "started next queued message")
	}

	r.handle.finish(res)
}

// migrator returns the hook a session uses to move its entry from a pending
// key to the real conversation id. The run and its queue move with it.
func (c *Coordinator) migrator(r *run) func(pendingKey, realKey string) error {
	return func(pendingKey, realKey string) error {
		c.mu.Lock()
		defer c.mu.Unlock()

		if c.runs[pendingKey] != r {
			return fmt.Errorf("%w: %s", ErrUnknownConversation, pendingKey)
		}
		if _, busy := c.runs[realKey]; busy {
			return fmt.Errorf("conversation %s already has an active execution", realKey)
		}
		c.aliases.Store(pendingKey, realKey)
		if err := c.registry.Migrate(pendingKey, realKey); err != nil {
			c.aliases.Delete(pendingKey)
			return err
		}

		delete(c.runs, pendingKey)
		r.key = realKey
		c.runs[realKey] = r
		if q, ok := c.queues[pendingKey]; ok {
			c.queues[realKey] = append(c.queues[realKey], q...)
			delete(c.queues, pendingKey)
		}
		return nil
	}
}

func (c *Coordinator) takeQueueLocked(key string) []*queuedMessage {
	q := c.queues[key]
	delete(c.queues, key)
	return q
}

func (c *Coordinator) updateQueueGauge() {
	total := 0
	for _, q := range c.queues {
		total += len(q)
	}
	metrics.SetQueuedMessages(float64(total))
}

func (c *Coordinator) notice(n *session.ApplicationError) {
	logger.WarnContext(logger.WithConversation(c.ctx, n.ConversationID, n.ExecutionID),
		"agent reported an error", "message", n.Message)
	if c.onNotice != nil {
		c.onNotice(n)
	}
}

func validateTarget(conversationID, message string) error {
	if err := validation.ValidateMessage(message); err != nil {
		return err
	}
	if conversationID != "" && !registry.IsPending(conversationID) {
		return validation.ValidateConversationID(conversationID)
	}
	return nil
}
