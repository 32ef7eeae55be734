package db

import (
	"context"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/answerflow-ai/answerflow/internal/tokens"
)

// Config holds database connection settings.
type Config struct {
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	SSLMode         string
	MaxConnections  int
	IdleConnections int
	MaxLifetime     time.Duration
}

// Client is the persistence collaborator: assistant messages, chat titles,
// and the token audit trail.
type Client struct {
	db     *sqlx.DB
	logger *zap.Logger
}

func NewClient(cfg *Config, logger *zap.Logger) (*Client, error) {
	if cfg.MaxConnections == 0 {
		cfg.MaxConnections = 25
	}
	if cfg.IdleConnections == 0 {
		cfg.IdleConnections = 5
	}
	if cfg.MaxLifetime == 0 {
		cfg.MaxLifetime = 5 * time.Minute
	}
	if cfg.SSLMode == "" {
		cfg.SSLMode = "disable"
	}

	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode)
	dbx, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	dbx.SetMaxOpenConns(cfg.MaxConnections)
	dbx.SetMaxIdleConns(cfg.IdleConnections)
	dbx.SetConnMaxLifetime(cfg.MaxLifetime)

	return &Client{db: dbx, logger: logger}, nil
}

// NewClientFromDB wraps an existing connection; used by tests.
func NewClientFromDB(dbx *sqlx.DB, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{db: dbx, logger: logger}
}

func (c *Client) Close() error {
	return c.db.Close()
}

// Ping verifies connectivity; used by health checks.
func (c *Client) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// PersistAssistantMessage writes the final answer row and returns its ID.
func (c *Client) PersistAssistantMessage(ctx context.Context, msg *AssistantMessage) (string, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	_, err := c.db.ExecContext(ctx, `
        INSERT INTO assistant_messages (
            id, chat_id, content, workflow_id, session_id,
            search_results, sources, context_references, created_at
        ) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
    `, msg.ID, msg.ChatID, msg.Content, msg.WorkflowID, nullIfEmpty(msg.SessionID),
		msg.SearchResults, msg.Sources, msg.ContextReferences, msg.CreatedAt)
	if err != nil {
		return "", fmt.Errorf("persist assistant message for chat %s: %w", msg.ChatID, err)
	}
	return msg.ID, nil
}

// UpdateChatTitleIfNeeded derives a title from the run's user intent when the
// chat still carries its placeholder title. The WHERE clause makes this a
// no-op for renamed chats.
func (c *Client) UpdateChatTitleIfNeeded(ctx context.Context, chatID, currentTitle, intent string) error {
	if intent == "" || (currentTitle != "" && currentTitle != "New chat") {
		return nil
	}
	title := intent
	if len(title) > 80 {
		cut := 80
		// Back up to a rune boundary so the stored title stays valid UTF-8.
		for cut > 0 && !utf8.RuneStart(title[cut]) {
			cut--
		}
		title = title[:cut]
	}
	_, err := c.db.ExecContext(ctx, `
        UPDATE chats SET title = $1, updated_at = NOW()
        WHERE id = $2 AND (title = '' OR title = 'New chat')
    `, title, chatID)
	if err != nil {
		return fmt.Errorf("update chat title for %s: %w", chatID, err)
	}
	return nil
}

// RecordToken appends a terminal token state to the audit table. Implements
// tokens.AuditStore.
func (c *Client) RecordToken(ctx context.Context, t tokens.Token) error {
	_, err := c.db.ExecContext(ctx, `
        INSERT INTO workflow_tokens (
            workflow_id, nonce, chat_id, session_id, status,
            issued_at, expires_at, signature
        ) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
        ON CONFLICT (workflow_id) DO UPDATE
            SET status = EXCLUDED.status, signature = EXCLUDED.signature
            WHERE workflow_tokens.status = 'active'
    `, t.WorkflowID, t.Nonce, t.ChatID, nullIfEmpty(t.SessionID), string(t.Status),
		t.IssuedAt, t.ExpiresAt, nullIfEmpty(t.Signature))
	if err != nil {
		return fmt.Errorf("record token for %s: %w", t.WorkflowID, err)
	}
	return nil
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
