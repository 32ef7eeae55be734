// Package tokens manages per-run completion tokens. A token is issued when a
// workflow starts and either completes with a signature or is invalidated;
// only a completed token proves the run finished and its payload can be
// trusted.
package tokens

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Status is the lifecycle state of a workflow token.
type Status string

const (
	StatusActive      Status = "active"
	StatusCompleted   Status = "completed"
	StatusInvalidated Status = "invalidated"
)

// Token is the verifiable record of one workflow run.
type Token struct {
	WorkflowID string    `json:"workflow_id"`
	Nonce      string    `json:"nonce"`
	ChatID     string    `json:"chat_id"`
	SessionID  string    `json:"session_id,omitempty"`
	Status     Status    `json:"status"`
	IssuedAt   time.Time `json:"issued_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	Signature  string    `json:"signature,omitempty"`
}

// Signer is the external signing capability. The manager never computes
// signatures itself.
type Signer interface {
	Sign(ctx context.Context, payload SignPayload) (string, error)
}

// SignPayload is the input handed to the signing collaborator.
type SignPayload struct {
	WorkflowID string `json:"workflow_id"`
	Nonce      string `json:"nonce"`
	ChatID     string `json:"chat_id"`
	AnswerHash string `json:"answer_hash,omitempty"`
}

// AuditStore receives terminal token states for external persistence.
// Implementations must be safe for concurrent use.
type AuditStore interface {
	RecordToken(ctx context.Context, t Token) error
}

// Manager owns token state for in-flight runs. Terminal states are immutable:
// the only transitions are active→completed and active→invalidated.
type Manager struct {
	mu     sync.Mutex
	tokens map[string]*Token
	audit  AuditStore
	logger *zap.Logger
}

func NewManager(audit AuditStore, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		tokens: make(map[string]*Token),
		audit:  audit,
		logger: logger,
	}
}

// Issue creates a new active token for a workflow run.
func (m *Manager) Issue(workflowID, nonce, chatID, sessionID string, issuedAt time.Time, ttl time.Duration) Token {
	t := Token{
		WorkflowID: workflowID,
		Nonce:      nonce,
		ChatID:     chatID,
		SessionID:  sessionID,
		Status:     StatusActive,
		IssuedAt:   issuedAt,
		ExpiresAt:  issuedAt.Add(ttl),
	}
	m.mu.Lock()
	m.tokens[workflowID] = &t
	m.mu.Unlock()
	return t
}

// Get returns a copy of the token for workflowID.
func (m *Manager) Get(workflowID string) (Token, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[workflowID]
	if !ok {
		return Token{}, false
	}
	return *t, true
}

// Complete records the signature and transitions the token to completed.
// Missing or non-active tokens make this a logged no-op; an existing
// signature is never overwritten.
func (m *Manager) Complete(ctx context.Context, workflowID, signature string) Token {
	m.mu.Lock()
	t, ok := m.tokens[workflowID]
	if !ok || t.Status != StatusActive {
		m.mu.Unlock()
		m.logger.Warn("complete on missing or non-active token ignored",
			zap.String("workflow_id", workflowID))
		if ok {
			return *t
		}
		return Token{}
	}
	t.Status = StatusCompleted
	t.Signature = signature
	snapshot := *t
	m.mu.Unlock()

	m.persist(ctx, snapshot)
	return snapshot
}

// Invalidate transitions an active token to invalidated with no signature.
// No-op for missing or terminal tokens.
func (m *Manager) Invalidate(ctx context.Context, workflowID string) Token {
	m.mu.Lock()
	t, ok := m.tokens[workflowID]
	if !ok || t.Status != StatusActive {
		m.mu.Unlock()
		m.logger.Warn("invalidate on missing or non-active token ignored",
			zap.String("workflow_id", workflowID))
		if ok {
			return *t
		}
		return Token{}
	}
	t.Status = StatusInvalidated
	snapshot := *t
	m.mu.Unlock()

	m.persist(ctx, snapshot)
	return snapshot
}

// Evict drops a terminal token from memory once its audit row is durable.
func (m *Manager) Evict(workflowID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tokens[workflowID]; ok && t.Status != StatusActive {
		delete(m.tokens, workflowID)
	}
}

// persist is best-effort: audit failures are logged, never propagated, so
// cleanup can't mask the original workflow outcome.
func (m *Manager) persist(ctx context.Context, t Token) {
	if m.audit == nil {
		return
	}
	if err := m.audit.RecordToken(ctx, t); err != nil {
		m.logger.Error("token audit write failed",
			zap.String("workflow_id", t.WorkflowID),
			zap.String("status", string(t.Status)),
			zap.Error(err))
	}
}
