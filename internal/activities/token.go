package activities

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/answerflow-ai/answerflow/internal/config"
	"github.com/answerflow-ai/answerflow/internal/metrics"
	"github.com/answerflow-ai/answerflow/internal/tokens"
)

// IssueTokenInput identifies the run a new completion token covers.
type IssueTokenInput struct {
	WorkflowID string                `json:"workflow_id"`
	ChatID     string                `json:"chat_id"`
	SessionID  string                `json:"session_id,omitempty"`
	Tunables   config.WorkflowConfig `json:"tunables"`
}

// IssueToken mints the run's active token. The nonce is generated here, in an
// activity, so workflow replay never re-randomizes it.
func (a *Activities) IssueToken(ctx context.Context, in IssueTokenInput) (tokens.Token, error) {
	t := a.tokens.Issue(in.WorkflowID, uuid.NewString(), in.ChatID, in.SessionID, time.Now().UTC(), in.Tunables.TokenTTL)
	metrics.TokensIssued.Inc()
	return t, nil
}

// CompleteTokenInput carries the finished answer whose hash gets signed into
// the completion token.
type CompleteTokenInput struct {
	WorkflowID string `json:"workflow_id"`
	Answer     string `json:"answer"`
}

// CompleteTokenOutput carries the signature back to the workflow result.
type CompleteTokenOutput struct {
	Signature string `json:"signature"`
	Nonce     string `json:"nonce"`
}

// CompleteToken signs the run's payload and transitions its token to
// completed. This is the only place a signature enters the system.
func (a *Activities) CompleteToken(ctx context.Context, in CompleteTokenInput) (CompleteTokenOutput, error) {
	t, ok := a.tokens.Get(in.WorkflowID)
	if !ok {
		return CompleteTokenOutput{}, fmt.Errorf("no token for workflow %s", in.WorkflowID)
	}

	hash := sha256.Sum256([]byte(in.Answer))
	sig, err := a.signer.Sign(ctx, tokens.SignPayload{
		WorkflowID: t.WorkflowID,
		Nonce:      t.Nonce,
		ChatID:     t.ChatID,
		AnswerHash: hex.EncodeToString(hash[:]),
	})
	if err != nil {
		return CompleteTokenOutput{}, fmt.Errorf("sign completion for %s: %w", in.WorkflowID, err)
	}

	completed := a.tokens.Complete(ctx, in.WorkflowID, sig)
	if completed.Status != tokens.StatusCompleted {
		return CompleteTokenOutput{}, fmt.Errorf("token for %s not completable (status %s)", in.WorkflowID, completed.Status)
	}
	metrics.TokensTerminal.WithLabelValues(string(tokens.StatusCompleted)).Inc()
	return CompleteTokenOutput{Signature: completed.Signature, Nonce: completed.Nonce}, nil
}

// InvalidateToken voids the run's token after a stage failure. Best-effort:
// failures here are logged and swallowed so cleanup never masks the original
// error.
func (a *Activities) InvalidateToken(ctx context.Context, workflowID string) error {
	t := a.tokens.Invalidate(ctx, workflowID)
	if t.Status == tokens.StatusInvalidated {
		metrics.TokensTerminal.WithLabelValues(string(tokens.StatusInvalidated)).Inc()
	} else {
		a.logger.Warn("token invalidation was a no-op",
			zap.String("workflow_id", workflowID),
			zap.String("status", string(t.Status)))
	}
	return nil
}
