package session

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestStore(t *testing.T, maxTurns int) *Store {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewStore(rdb, maxTurns, time.Hour, zap.NewNop())
}

func TestAppendAndRecentOrder(t *testing.T) {
	s := newTestStore(t, 50)
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, "chat-1", Message{Role: "user", Content: "hello"}))
	require.NoError(t, s.Append(ctx, "chat-1", Message{Role: "assistant", Content: "hi there"}))

	msgs, err := s.Recent(ctx, "chat-1", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "user", msgs[0].Role)
	assert.Equal(t, "assistant", msgs[1].Role)
}

func TestHistoryCappedAtMaxTurns(t *testing.T) {
	s := newTestStore(t, 5)
	ctx := context.Background()

	for i := 0; i < 12; i++ {
		require.NoError(t, s.Append(ctx, "chat-1", Message{Role: "user", Content: fmt.Sprintf("m%d", i)}))
	}
	msgs, err := s.Recent(ctx, "chat-1", 100)
	require.NoError(t, err)
	require.Len(t, msgs, 5)
	assert.Equal(t, "m7", msgs[0].Content)
	assert.Equal(t, "m11", msgs[4].Content)
}

func TestRecentLimitTakesTail(t *testing.T) {
	s := newTestStore(t, 50)
	ctx := context.Background()
	for i := 0; i < 6; i++ {
		require.NoError(t, s.Append(ctx, "chat-1", Message{Role: "user", Content: fmt.Sprintf("m%d", i)}))
	}
	msgs, err := s.Recent(ctx, "chat-1", 2)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "m4", msgs[0].Content)
}

func TestClearRemovesHistory(t *testing.T) {
	s := newTestStore(t, 50)
	ctx := context.Background()
	require.NoError(t, s.Append(ctx, "chat-1", Message{Role: "user", Content: "hello"}))
	require.NoError(t, s.Clear(ctx, "chat-1"))
	msgs, err := s.Recent(ctx, "chat-1", 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}
