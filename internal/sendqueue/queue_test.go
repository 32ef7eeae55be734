package sendqueue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestEnqueueRunsTasksInOrder(t *testing.T) {
	q := New(zap.NewNop())
	ctx := context.Background()

	var mu sync.Mutex
	var order []int

	var results []<-chan error
	for i := 0; i < 5; i++ {
		i := i
		results = append(results, q.Enqueue(ctx, "chat-1", func(ctx context.Context) error {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return nil
		}))
	}
	for _, ch := range results {
		require.NoError(t, <-ch)
	}
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestFailingTaskDoesNotBlockSuccessor(t *testing.T) {
	q := New(zap.NewNop())
	ctx := context.Background()
	boom := errors.New("boom")

	first := q.Enqueue(ctx, "chat-1", func(ctx context.Context) error { return boom })
	ran := false
	second := q.Enqueue(ctx, "chat-1", func(ctx context.Context) error {
		ran = true
		return nil
	})

	assert.ErrorIs(t, <-first, boom)
	require.NoError(t, <-second)
	assert.True(t, ran)
}

func TestPendingDrainsToZeroAndEntryRemoved(t *testing.T) {
	q := New(zap.NewNop())
	ctx := context.Background()

	release := make(chan struct{})
	done := q.Enqueue(ctx, "chat-1", func(ctx context.Context) error {
		<-release
		return nil
	})
	second := q.Enqueue(ctx, "chat-1", func(ctx context.Context) error { return nil })

	assert.Equal(t, 2, q.Pending("chat-1"))
	close(release)
	<-done
	<-second

	assert.Eventually(t, func() bool { return q.Pending("chat-1") == 0 }, time.Second, 5*time.Millisecond)
	q.mu.Lock()
	_, exists := q.entries["chat-1"]
	q.mu.Unlock()
	assert.False(t, exists)
}

func TestKeysAreIndependent(t *testing.T) {
	q := New(zap.NewNop())
	ctx := context.Background()

	block := make(chan struct{})
	q.Enqueue(ctx, "chat-1", func(ctx context.Context) error {
		<-block
		return nil
	})

	other := q.Enqueue(ctx, "chat-2", func(ctx context.Context) error { return nil })
	select {
	case err := <-other:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("task on independent key was blocked")
	}
	close(block)
}

func TestEnqueueContextCancelledWhileWaiting(t *testing.T) {
	q := New(zap.NewNop())

	block := make(chan struct{})
	q.Enqueue(context.Background(), "chat-1", func(ctx context.Context) error {
		<-block
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	waiting := q.Enqueue(ctx, "chat-1", func(ctx context.Context) error {
		t.Fatal("cancelled task must not run")
		return nil
	})
	assert.ErrorIs(t, <-waiting, context.Canceled)
	close(block)

	assert.Eventually(t, func() bool { return q.Pending("chat-1") == 0 }, time.Second, 5*time.Millisecond)
}
