package activities

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/answerflow-ai/answerflow/internal/db"
	"github.com/answerflow-ai/answerflow/internal/session"
	"github.com/answerflow-ai/answerflow/internal/tools"
)

// PersistInput is everything the finished run writes down.
type PersistInput struct {
	WorkflowID    string               `json:"workflow_id"`
	ChatID        string               `json:"chat_id"`
	SessionID     string               `json:"session_id,omitempty"`
	Query         string               `json:"query"`
	Answer        string               `json:"answer"`
	UserIntent    string               `json:"user_intent,omitempty"`
	ChatTitle     string               `json:"chat_title,omitempty"`
	Sources       []string             `json:"sources,omitempty"`
	Confidence    float64              `json:"confidence"`
	Completeness  string               `json:"completeness,omitempty"`
	SearchResults []tools.SearchResult `json:"search_results,omitempty"`
	ContextRefs   []string             `json:"context_refs,omitempty"`
}

// PersistOutput returns the stored message ID for the completion event.
type PersistOutput struct {
	MessageID string `json:"message_id"`
}

// PersistResult stores the assistant message, extends the conversation
// history, and derives a chat title when the chat still has its placeholder
// one. Only the message write is load-bearing; the rest is best-effort.
func (a *Activities) PersistResult(ctx context.Context, in PersistInput) (PersistOutput, error) {
	msg := &db.AssistantMessage{
		ChatID:     in.ChatID,
		Content:    in.Answer,
		WorkflowID: in.WorkflowID,
		SessionID:  in.SessionID,
	}
	if len(in.SearchResults) > 0 {
		msg.SearchResults = db.JSONB{"results": in.SearchResults}
	}
	msg.Sources = db.JSONB{
		"domains":      in.Sources,
		"confidence":   in.Confidence,
		"completeness": in.Completeness,
	}
	if len(in.ContextRefs) > 0 {
		msg.ContextReferences = db.JSONB{"refs": in.ContextRefs}
	}

	id, err := a.db.PersistAssistantMessage(ctx, msg)
	if err != nil {
		return PersistOutput{}, fmt.Errorf("persist answer for %s: %w", in.WorkflowID, err)
	}

	if a.history != nil && in.ChatID != "" {
		if err := a.history.Append(ctx, in.ChatID, session.Message{Role: "user", Content: in.Query}); err != nil {
			a.logger.Warn("history append failed", zapWorkflow(in.WorkflowID, err)...)
		} else if err := a.history.Append(ctx, in.ChatID, session.Message{Role: "assistant", Content: in.Answer}); err != nil {
			a.logger.Warn("history append failed", zapWorkflow(in.WorkflowID, err)...)
		}
	}

	if err := a.db.UpdateChatTitleIfNeeded(ctx, in.ChatID, in.ChatTitle, in.UserIntent); err != nil {
		a.logger.Warn("chat title update failed",
			zap.String("chat_id", in.ChatID), zap.Error(err))
	}
	return PersistOutput{MessageID: id}, nil
}
