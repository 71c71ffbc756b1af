package resilience

import (
	"context"
	"fmt"
	"time"
)

// TimeoutError reports an operation abandoned at its deadline. It matches
// context.DeadlineExceeded under errors.Is.
type TimeoutError struct {
	Op    string
	Limit time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: deadline exceeded (limit %v)", e.Op, e.Limit)
}

func (e *TimeoutError) Unwrap() error { return context.DeadlineExceeded }

// WithTimeout runs fn under a derived deadline and stops waiting when it
// passes. fn keeps running in the background with a cancelled context, so
// it must only publish results the caller reads after a nil return.
func WithTimeout(ctx context.Context, limit time.Duration, op string, fn func(ctx context.Context) error) error {
	if limit <= 0 {
		return fn(ctx)
	}
	tctx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- fn(tctx) }()

	select {
	case err := <-done:
		return err
	case <-tctx.Done():
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%s: caller gave up: %w", op, err)
		}
		return &TimeoutError{Op: op, Limit: limit}
	}
}
