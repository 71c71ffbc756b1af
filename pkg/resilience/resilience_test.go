package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

func TestCircuitBreakerOpensAfterThreshold(t *testing.T) {
	var transitions []State
	cb := NewCircuitBreaker("candidates.fresh", CircuitBreakerConfig{
		FailureThreshold: 2,
		ResetTimeout:     time.Hour,
		OnStateChange:    func(_ string, to State) { transitions = append(transitions, to) },
	})

	require.ErrorIs(t, cb.Execute(func() error { return errBoom }), errBoom)
	require.Equal(t, StateClosed, cb.GetState())
	require.ErrorIs(t, cb.Execute(func() error { return errBoom }), errBoom)
	require.Equal(t, StateOpen, cb.GetState())

	called := false
	err := cb.Execute(func() error { called = true; return nil })
	require.ErrorIs(t, err, ErrCircuitOpen)
	require.False(t, called)
	require.Equal(t, []State{StateOpen}, transitions)

	cb.Reset()
	require.Equal(t, StateClosed, cb.GetState())
	require.Equal(t, []State{StateOpen, StateClosed}, transitions)
}

func TestCircuitBreakerHalfOpenProbe(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cb := NewCircuitBreaker("candidates.trending", CircuitBreakerConfig{
		FailureThreshold: 1,
		ResetTimeout:     10 * time.Second,
		Now:              func() time.Time { return now },
	})
	require.Error(t, cb.Execute(func() error { return errBoom }))
	require.Equal(t, StateOpen, cb.GetState())
	require.ErrorIs(t, cb.Check(context.Background()), ErrCircuitOpen)

	now = now.Add(5 * time.Second)
	require.ErrorIs(t, cb.Execute(func() error { return nil }), ErrCircuitOpen)

	now = now.Add(5 * time.Second)
	require.Error(t, cb.Execute(func() error { return errBoom }))
	snap := cb.Snapshot()
	require.Equal(t, StateOpen, snap.State)
	require.Equal(t, now, snap.OpenedAt)

	now = now.Add(10 * time.Second)
	require.NoError(t, cb.Execute(func() error { return nil }))
	require.Equal(t, StateClosed, cb.GetState())
	require.NoError(t, cb.Check(context.Background()))
	require.Zero(t, cb.Snapshot().ConsecutiveFailures)
}

func TestCircuitBreakerIgnoresNonFailures(t *testing.T) {
	cb := NewCircuitBreaker("impressions", CircuitBreakerConfig{
		FailureThreshold: 1,
		IsFailure:        func(err error) bool { return !errors.Is(err, context.Canceled) },
	})
	require.ErrorIs(t, cb.Execute(func() error { return context.Canceled }), context.Canceled)
	require.Equal(t, StateClosed, cb.GetState())
}

func TestRetryEventuallySucceeds(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), "flush", RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond}, func() error {
		attempts++
		if attempts < 3 {
			return errBoom
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, attempts)
}

func TestRetryStopsOnNonRetryable(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), "flush", RetryConfig{
		MaxAttempts:  5,
		InitialDelay: time.Millisecond,
		Retryable:    func(error) bool { return false },
	}, func() error {
		attempts++
		return errBoom
	})
	require.ErrorIs(t, err, errBoom)
	require.Equal(t, 1, attempts)
}

func TestRetryExhausted(t *testing.T) {
	err := Retry(context.Background(), "flush", RetryConfig{MaxAttempts: 2, InitialDelay: time.Millisecond}, func() error {
		return errBoom
	})
	require.ErrorIs(t, err, errBoom)
	require.Contains(t, err.Error(), "all 2 attempts failed")
}

func TestRetryPermanentStopsImmediately(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), "flush", RetryConfig{MaxAttempts: 5, InitialDelay: time.Millisecond}, func() error {
		attempts++
		return Permanent(errBoom)
	})
	require.Equal(t, errBoom, err)
	require.Equal(t, 1, attempts)
}

func TestRetryReportsEachBackoff(t *testing.T) {
	var seen []int
	err := Retry(context.Background(), "flush", RetryConfig{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		MaxDelay:     2 * time.Millisecond,
		OnRetry: func(attempt int, err error, delay time.Duration) {
			require.ErrorIs(t, err, errBoom)
			require.LessOrEqual(t, delay, 3*time.Millisecond)
			seen = append(seen, attempt)
		},
	}, func() error { return errBoom })
	require.Error(t, err)
	require.Equal(t, []int{1, 2}, seen)
}

func TestRetryAbortsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	err := Retry(ctx, "flush", RetryConfig{MaxAttempts: 5, InitialDelay: time.Hour}, func() error {
		attempts++
		cancel()
		return errBoom
	})
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, attempts)
}

func TestWithTimeout(t *testing.T) {
	err := WithTimeout(context.Background(), 10*time.Millisecond, "slow", func(ctx context.Context) error {
		<-ctx.Done()
		time.Sleep(5 * time.Millisecond)
		return nil
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	var te *TimeoutError
	require.ErrorAs(t, err, &te)
	require.Equal(t, "slow", te.Op)

	err = WithTimeout(context.Background(), time.Second, "fast", func(context.Context) error { return errBoom })
	require.ErrorIs(t, err, errBoom)
}
