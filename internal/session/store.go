// Package session keeps per-conversation history in Redis so planning and
// synthesis can see recent turns without a database round trip.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Message is one conversation turn.
type Message struct {
	Role      string    `json:"role"` // user | assistant
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Store is a Redis-backed conversation history keyed by chat ID. History is
// capped to maxTurns entries and expires after ttl of inactivity.
type Store struct {
	rdb      *redis.Client
	maxTurns int64
	ttl      time.Duration
	logger   *zap.Logger
}

func NewStore(rdb *redis.Client, maxTurns int, ttl time.Duration, logger *zap.Logger) *Store {
	if maxTurns <= 0 {
		maxTurns = 50
	}
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{rdb: rdb, maxTurns: int64(maxTurns), ttl: ttl, logger: logger}
}

func historyKey(chatID string) string {
	return "chat:history:" + chatID
}

// Append adds a turn to the chat history, trimming to the cap.
func (s *Store) Append(ctx context.Context, chatID string, msg Message) error {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	k := historyKey(chatID)
	pipe := s.rdb.TxPipeline()
	pipe.RPush(ctx, k, payload)
	pipe.LTrim(ctx, k, -s.maxTurns, -1)
	pipe.Expire(ctx, k, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append history for %s: %w", chatID, err)
	}
	return nil
}

// Recent returns up to limit most recent turns, oldest first.
func (s *Store) Recent(ctx context.Context, chatID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 10
	}
	raw, err := s.rdb.LRange(ctx, historyKey(chatID), -int64(limit), -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read history for %s: %w", chatID, err)
	}
	out := make([]Message, 0, len(raw))
	for _, item := range raw {
		var m Message
		if err := json.Unmarshal([]byte(item), &m); err != nil {
			s.logger.Warn("skipping undecodable history entry", zap.String("chat_id", chatID))
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

// Clear removes the history for a chat.
func (s *Store) Clear(ctx context.Context, chatID string) error {
	return s.rdb.Del(ctx, historyKey(chatID)).Err()
}
