package coordinator

import (
	"context"
	"time"

	"github.com/HyphaGroup/tether/internal/audit"
	"github.com/HyphaGroup/tether/internal/conversation"
	"github.com/HyphaGroup/tether/internal/logger"
	"github.com/HyphaGroup/tether/internal/metrics"
	"github.com/HyphaGroup/tether/internal/store"
)

// abort is a run that was cancelled locally, waiting for its flush and stop
type abort struct {
	run         *run
	key         string
	state       conversation.State
	removed     bool
	executionID string
	finishedAt  time.Time
}

// Cancel aborts the active execution of a conversation and clears its queue.
// It is always safe to call; it returns false when nothing was running. The
// partial output is flushed before Cancel returns. The backend stop request
// is sent in the background and its failure never blocks local cleanup.
func (c *Coordinator) Cancel(conversationID string) bool {
	c.mu.Lock()
	key := c.Resolve(conversationID)
	dropped := c.takeQueueLocked(key)
	var a *abort
	if r := c.runs[key]; r != nil {
		a = c.abortLocked(r)
	}
	c.updateQueueGauge()
	c.mu.Unlock()

	for _, q := range dropped {
		q.handle.drop()
	}
	if len(dropped) > 0 {
		metrics.RecordDroppedMessages(len(dropped))
	}
	if a == nil {
		if len(dropped) > 0 {
			logger.InfoContext(logger.WithConversation(c.ctx, key, ""), "cleared queue of idle conversation", "dropped", len(dropped))
		}
		return false
	}

	c.completeAbort(a)

	logger.InfoContext(logger.WithConversation(c.ctx, key, a.executionID), "conversation cancelled", "dropped", len(dropped))
	c.audit.Log(&audit.Event{
		Operation:      audit.OpConversationCancel,
		ConversationID: key,
		ExecutionID:    a.executionID,
		Dropped:        len(dropped),
		Success:        true,
	})
	return true
}

// abortLocked cancels a run's session and takes its registry entry. After
// this no write from the session can reach the registry. Caller holds c.mu.
func (c *Coordinator) abortLocked(r *run) *abort {
	r.cancelled = true
	r.cancel()
	if c.runs[r.key] == r {
		delete(c.runs, r.key)
	}

	final, removed := c.registry.Remove(r.key, r.owner)
	a := &abort{
		run:         r,
		key:         r.key,
		state:       final,
		removed:     removed,
		executionID: final.ExecutionID,
		finishedAt:  time.Now().UTC(),
	}
	if a.executionID != "" {
		r.stopSent = true
	}
	return a
}

// completeAbort sends the stop request and flushes the partial output
func (c *Coordinator) completeAbort(a *abort) {
	if a.executionID != "" {
		c.stop(a.key, a.executionID)
	}
	if a.removed {
		c.persist(a.run, a.state, store.OutcomeCancelled, nil, a.finishedAt)
	}
}

// stop asks the backend to stop an execution, in the background
func (c *Coordinator) stop(key, executionID string) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), c.stopTimeout)
		defer cancel()

		logCtx := logger.WithConversation(ctx, key, executionID)
		if err := c.backend.Stop(ctx, executionID); err != nil {
			logger.WarnContext(logCtx, "best-effort stop failed", "error", err)
			c.audit.LogFailure(audit.OpExecutionStop, key, executionID, err)
			return
		}
		logger.DebugContext(logCtx, "backend acknowledged stop")
		c.audit.LogSuccess(audit.OpExecutionStop, key, executionID)
	}()
}
