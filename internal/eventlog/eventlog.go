// Package eventlog persists workflow progress events so a reconnecting client
// can catch up with "everything after sequence N" instead of replaying from
// zero.
package eventlog

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Event is one append-only log entry for a workflow run. Sequence numbers are
// assigned by the orchestrator; the log stores what it is given and does not
// validate contiguity.
type Event struct {
	WorkflowID string          `json:"workflow_id"`
	Sequence   uint64          `json:"sequence"`
	Type       string          `json:"type"`
	Data       json.RawMessage `json:"data,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}

// Store is an append-only, per-workflow event log backed by a Redis sorted
// set scored by sequence number.
type Store struct {
	rdb    *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

func NewStore(rdb *redis.Client, ttl time.Duration, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Store{rdb: rdb, ttl: ttl, logger: logger}
}

func key(workflowID string) string {
	return "eventlog:" + workflowID
}

// Next reserves the next sequence number for a workflow. Numbers start at 1
// and are gapless per workflow; the counter shares the log's TTL so it cannot
// outlive the events it numbers.
func (s *Store) Next(ctx context.Context, workflowID string) (uint64, error) {
	k := "eventlog:seq:" + workflowID
	pipe := s.rdb.TxPipeline()
	incr := pipe.Incr(ctx, k)
	pipe.Expire(ctx, k, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("next sequence for %s: %w", workflowID, err)
	}
	return uint64(incr.Val()), nil
}

// Append writes one event. The caller owns sequencing.
func (s *Store) Append(ctx context.Context, e Event) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	k := key(e.WorkflowID)
	pipe := s.rdb.TxPipeline()
	pipe.ZAdd(ctx, k, redis.Z{Score: float64(e.Sequence), Member: payload})
	pipe.Expire(ctx, k, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append event %d for %s: %w", e.Sequence, e.WorkflowID, err)
	}
	return nil
}

// ReadSince returns events with Sequence > since, ordered ascending.
func (s *Store) ReadSince(ctx context.Context, workflowID string, since uint64) ([]Event, error) {
	members, err := s.rdb.ZRangeByScore(ctx, key(workflowID), &redis.ZRangeBy{
		Min: "(" + strconv.FormatUint(since, 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("read events for %s since %d: %w", workflowID, since, err)
	}
	events := make([]Event, 0, len(members))
	for _, m := range members {
		var e Event
		if err := json.Unmarshal([]byte(m), &e); err != nil {
			s.logger.Warn("skipping undecodable event log entry",
				zap.String("workflow_id", workflowID), zap.Error(err))
			continue
		}
		events = append(events, e)
	}
	return events, nil
}

// Purge deletes all events for a workflow. Called once the run outcome is
// durably recorded elsewhere; callers treat failures as best-effort.
func (s *Store) Purge(ctx context.Context, workflowID string) error {
	if err := s.rdb.Del(ctx, key(workflowID)).Err(); err != nil {
		return fmt.Errorf("purge events for %s: %w", workflowID, err)
	}
	return nil
}
