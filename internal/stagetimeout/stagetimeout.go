package stagetimeout

import (
	"context"
	"fmt"
	"time"
)

// Error reports that a pipeline stage exceeded its time budget.
type Error struct {
	Stage  string
	Budget time.Duration
}

func (e *Error) Error() string {
	return fmt.Sprintf("stage %q timed out after %s", e.Stage, e.Budget)
}

// Is allows errors.Is matching against any *Error.
func (e *Error) Is(target error) bool {
	_, ok := target.(*Error)
	return ok
}

// Run races fn against budget. The winner's outcome is returned; on timeout
// the stage context is cancelled and the work's eventual result is discarded.
// The internal timer is always released on either outcome.
func Run[T any](ctx context.Context, stage string, budget time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if budget <= 0 {
		return fn(ctx)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type outcome struct {
		val T
		err error
	}
	// Buffered so a late finisher never blocks after abandonment.
	done := make(chan outcome, 1)
	go func() {
		v, err := fn(runCtx)
		done <- outcome{val: v, err: err}
	}()

	timer := time.NewTimer(budget)
	defer timer.Stop()

	select {
	case out := <-done:
		return out.val, out.err
	case <-timer.C:
		cancel()
		return zero, &Error{Stage: stage, Budget: budget}
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}
