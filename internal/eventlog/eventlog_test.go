package eventlog

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewStore(rdb, time.Hour, zap.NewNop())
}

func TestAppendAndReadSince(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := uint64(1); i <= 5; i++ {
		require.NoError(t, s.Append(ctx, Event{
			WorkflowID: "wf-1",
			Sequence:   i,
			Type:       "progress",
			Data:       json.RawMessage(`{"stage":"research"}`),
		}))
	}

	events, err := s.ReadSince(ctx, "wf-1", 2)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, uint64(3), events[0].Sequence)
	assert.Equal(t, uint64(5), events[2].Sequence)
}

func TestReadSinceStrictlyIncreasingGapless(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := uint64(1); i <= 20; i++ {
		require.NoError(t, s.Append(ctx, Event{WorkflowID: "wf-1", Sequence: i, Type: "progress"}))
	}

	events, err := s.ReadSince(ctx, "wf-1", 0)
	require.NoError(t, err)
	require.Len(t, events, 20)
	for i, e := range events {
		assert.Equal(t, uint64(i+1), e.Sequence, "sequence must be gapless in emission order")
	}
}

func TestNextStartsAtOneAndIsGapless(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for want := uint64(1); want <= 10; want++ {
		got, err := s.Next(ctx, "wf-1")
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	// Counters are per workflow.
	got, err := s.Next(ctx, "wf-2")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), got)
}

func TestReadSinceZeroForUnknownWorkflow(t *testing.T) {
	s := newTestStore(t)
	events, err := s.ReadSince(context.Background(), "missing", 0)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestWorkflowsAreIsolated(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, Event{WorkflowID: "wf-1", Sequence: 1, Type: "progress"}))
	require.NoError(t, s.Append(ctx, Event{WorkflowID: "wf-2", Sequence: 1, Type: "content"}))

	events, err := s.ReadSince(ctx, "wf-1", 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "progress", events[0].Type)
}

func TestPurgeRemovesAllEvents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := uint64(1); i <= 3; i++ {
		require.NoError(t, s.Append(ctx, Event{WorkflowID: "wf-1", Sequence: i, Type: "progress"}))
	}
	require.NoError(t, s.Purge(ctx, "wf-1"))

	events, err := s.ReadSince(ctx, "wf-1", 0)
	require.NoError(t, err)
	assert.Empty(t, events)
}
