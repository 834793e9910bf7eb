package coordinator

import (
	"context"
	"time"

	"github.com/HyphaGroup/tether/internal/backend"
	"github.com/HyphaGroup/tether/internal/conversation"
	"github.com/HyphaGroup/tether/internal/logger"
	"github.com/HyphaGroup/tether/internal/session"
	"github.com/HyphaGroup/tether/internal/store"
)

func outcomeFor(res *session.Result) store.Outcome {
	switch res.Phase {
	case session.PhaseCompleted:
		return store.OutcomeCompleted
	case session.PhaseCancelled:
		return store.OutcomeCancelled
	default:
		return store.OutcomeFailed
	}
}

// persist writes the user message and the terminal assistant message of a
// finished run. res is nil for a local cancel. When the backend no longer
// tracked the execution the final content is read back from the backend's
// persisted conversation instead of the local partial state.
func (c *Coordinator) persist(r *run, final conversation.State, outcome store.Outcome, res *session.Result, finishedAt time.Time) {
	if c.store == nil {
		return
	}

	conversationID := final.ConversationID
	executionID := final.ExecutionID
	logCtx := logger.WithConversation(c.ctx, conversationID, executionID)
	if conversationID == "" {
		logger.WarnContext(logCtx, "execution ended before a conversation id was assigned, nothing persisted",
			"outcome", outcome)
		return
	}

	if r.message != "" {
		user := &store.Message{
			ConversationID: conversationID,
			ExecutionID:    executionID,
			Role:           store.RoleUser,
			Content:        r.message,
			CreatedAt:      r.startedAt,
		}
		if err := c.store.SaveMessage(user); err != nil {
			logger.ErrorContext(logCtx, "failed to save user message", "error", err)
		}
	}

	if executionID != "" {
		rec := &store.ExecutionRecord{
			ID:             executionID,
			ConversationID: conversationID,
			Status:         string(outcome),
			CreatedAt:      r.startedAt,
		}
		if res != nil {
			rec.Reconnects = res.Reconnects
			if res.Err != nil {
				rec.Error = res.Err.Error()
			}
			if res.NotFound {
				rec.Status = string(backend.ExecutionNotFound)
			}
		}
		if err := c.store.RecordExecution(rec); err != nil {
			logger.ErrorContext(logCtx, "failed to record execution", "error", err)
		}

		has, err := c.store.HasExecutionMessage(executionID)
		if err != nil {
			logger.ErrorContext(logCtx, "failed to check for existing message", "error", err)
		} else if has {
			return
		}
	}

	msg := &store.Message{
		ConversationID: conversationID,
		ExecutionID:    executionID,
		Role:           store.RoleAssistant,
		Content:        conversation.FlushText(final),
		Images:         final.InlineImages,
		Todos:          final.Todos,
		Outcome:        outcome,
		CreatedAt:      finishedAt,
	}
	if res != nil && res.Err != nil {
		msg.Error = res.Err.Error()
	}
	if res != nil && res.NotFound {
		if content, ok := c.fetchFinal(conversationID); ok {
			msg.Content = content
			msg.Outcome = store.OutcomeRecovered
		}
	}
	if msg.Outcome == store.OutcomeCompleted && msg.Content == "" && len(msg.Images) == 0 {
		return
	}

	if err := c.store.SaveMessage(msg); err != nil {
		logger.ErrorContext(logCtx, "failed to save assistant message", "error", err)
	}
}

// fetchFinal reads the final assistant message from the backend's persisted
// conversation
func (c *Coordinator) fetchFinal(conversationID string) (string, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), c.stopTimeout)
	defer cancel()

	logCtx := logger.WithConversation(ctx, conversationID, "")
	conv, err := c.backend.Conversation(ctx, conversationID)
	if err != nil {
		logger.WarnContext(logCtx, "could not fetch final conversation state", "error", err)
		return "", false
	}
	last, ok := conv.LastAssistantMessage()
	if !ok || last.Content == "" {
		logger.DebugContext(logCtx, "persisted conversation has no assistant message")
		return "", false
	}
	logger.InfoContext(logCtx, "recovered final message from persisted conversation")
	return last.Content, true
}
