// Package sendqueue serializes generation attempts per conversation so state
// updates for one chat never interleave.
package sendqueue

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Task is one unit of queued work, typically "start a workflow run and wait".
type Task func(ctx context.Context) error

type entry struct {
	tail    chan struct{} // closed when the previous task in the chain finished
	pending int
}

// Queue chains tasks per conversation key. Tasks for the same key execute
// strictly in enqueue order, never concurrently; a failing task does not
// prevent later tasks from running. The entry for a key is dropped once its
// pending count drains to zero.
type Queue struct {
	mu      sync.Mutex
	entries map[string]*entry
	logger  *zap.Logger
}

func New(logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		entries: make(map[string]*entry),
		logger:  logger,
	}
}

// Enqueue appends task to the chain for key and returns a channel that yields
// the task's outcome exactly once and is then closed.
func (q *Queue) Enqueue(ctx context.Context, key string, task Task) <-chan error {
	result := make(chan error, 1)

	q.mu.Lock()
	e, ok := q.entries[key]
	if !ok {
		// Start the chain with an already-released predecessor.
		released := make(chan struct{})
		close(released)
		e = &entry{tail: released}
		q.entries[key] = e
	}
	prev := e.tail
	next := make(chan struct{})
	e.tail = next
	e.pending++
	q.mu.Unlock()

	go func() {
		defer close(next)
		defer close(result)

		// Wait for the predecessor regardless of its outcome.
		select {
		case <-prev:
		case <-ctx.Done():
			result <- ctx.Err()
			q.release(key)
			return
		}

		err := task(ctx)
		if err != nil {
			q.logger.Debug("queued task failed", zap.String("key", key), zap.Error(err))
			result <- err
		}
		q.release(key)
	}()

	return result
}

// Pending reports the number of in-flight tasks for key. A caller raising a
// "generating" indicator keeps it up until this drains to zero.
func (q *Queue) Pending(key string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if e, ok := q.entries[key]; ok {
		return e.pending
	}
	return 0
}

// release decrements the pending count exactly once per enqueued task and
// removes the map entry when the chain fully drains.
func (q *Queue) release(key string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[key]
	if !ok {
		return
	}
	e.pending--
	if e.pending <= 0 {
		delete(q.entries, key)
	}
}
