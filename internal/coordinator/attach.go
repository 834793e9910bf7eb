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
	"github.com/HyphaGroup/tether/internal/session"
	"github.com/HyphaGroup/tether/internal/validation"
)

// Attach picks up a conversation whose execution is running on the backend
// but has no local session, for example after a restart. The buffered event
// log is replayed into a fresh entry and a session resumes after the last
// buffered event, so the result matches a client that never disconnected.
//
// If the conversation already has a local session its handle is returned.
// Attach returns a nil handle when nothing is running for the conversation.
func (c *Coordinator) Attach(ctx context.Context, conversationID string) (*Handle, error) {
	if err := validation.ValidateConversationID(conversationID); err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	if r := c.runs[conversationID]; r != nil {
		c.mu.Unlock()
		return r.handle, nil
	}
	c.mu.Unlock()

	status, err := c.backend.Status(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query execution status: %w", err)
	}
	exec := status.Active
	if exec == nil || exec.Status != backend.ExecutionRunning {
		logger.DebugContext(logger.WithConversation(ctx, conversationID, ""), "no running execution to attach to")
		return nil, nil
	}

	seed := conversation.ReduceAll(conversation.New(conversationID, exec.ID), exec.Events)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}
	// a Send may have started one while the status request was in flight
	if r := c.runs[conversationID]; r != nil {
		return r.handle, nil
	}

	owner := uuid.New().String()
	c.registry.Upsert(conversationID, owner, seed)

	runCtx, cancel := context.WithCancel(c.ctx)
	h := newHandle(conversationID, false)
	r := &run{
		key:       conversationID,
		owner:     owner,
		handle:    h,
		startedAt: time.Now().UTC(),
		cancel:    cancel,
	}
	sess := &session.Session{
		Backend:     c.backend,
		Registry:    c.registry,
		Key:         conversationID,
		Owner:       owner,
		ExecutionID: exec.ID,
		Cursor:      seed.Cursor,
		OnNotice:    c.notice,
	}
	c.runs[conversationID] = r
	c.launch(runCtx, r, sess)

	logger.InfoContext(logger.WithConversation(ctx, conversationID, exec.ID), "attached to running execution",
		"replayed", len(exec.Events), "cursor", seed.Cursor)
	c.audit.Log(&audit.Event{
		Operation:      audit.OpConversationAttach,
		ConversationID: conversationID,
		ExecutionID:    exec.ID,
		Success:        true,
		Details:        map[string]any{"replayed": len(exec.Events)},
	})
	return h, nil
}
