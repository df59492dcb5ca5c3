package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackoff(t *testing.T) {
	t.Run("Constant", func(t *testing.T) {
		b := Constant(50 * time.Millisecond)
		assert.Equal(t, 50*time.Millisecond, b(1))
		assert.Equal(t, 50*time.Millisecond, b(7))
	})

	t.Run("Linear", func(t *testing.T) {
		b := Linear(100 * time.Millisecond)
		assert.Equal(t, 100*time.Millisecond, b(1))
		assert.Equal(t, 300*time.Millisecond, b(3))
	})

	t.Run("Exponential_Capped", func(t *testing.T) {
		b := Exponential(10*time.Millisecond, 50*time.Millisecond)
		assert.Equal(t, 10*time.Millisecond, b(1))
		assert.Equal(t, 20*time.Millisecond, b(2))
		assert.Equal(t, 40*time.Millisecond, b(3))
		assert.Equal(t, 50*time.Millisecond, b(4))
		assert.Equal(t, 50*time.Millisecond, b(10))
	})
}

func TestDo(t *testing.T) {
	errFlaky := errors.New("flaky")

	t.Run("SucceedsAfterFailures", func(t *testing.T) {
		calls := 0
		var observed []int
		err := Do(context.Background(), Policy{
			MaxAttempts: 3,
			Backoff:     Constant(time.Millisecond),
			OnFailure: func(attempt int, err error, next time.Duration) {
				observed = append(observed, attempt)
			},
		}, func(ctx context.Context, attempt int) error {
			calls++
			if attempt < 3 {
				return errFlaky
			}
			return nil
		})

		require.NoError(t, err)
		assert.Equal(t, 3, calls)
		assert.Equal(t, []int{1, 2}, observed)
	})

	t.Run("Exhausted", func(t *testing.T) {
		calls := 0
		err := Do(context.Background(), Policy{MaxAttempts: 3}, func(ctx context.Context, attempt int) error {
			calls++
			return errFlaky
		})

		require.Error(t, err)
		assert.Equal(t, 3, calls)
		assert.ErrorIs(t, err, ErrExhausted)
		assert.ErrorIs(t, err, errFlaky)

		var exhausted *ExhaustedError
		require.ErrorAs(t, err, &exhausted)
		assert.Equal(t, 3, exhausted.Attempts)
	})

	t.Run("NonRetryableStopsImmediately", func(t *testing.T) {
		errFatal := errors.New("fatal")
		calls := 0
		err := Do(context.Background(), Policy{
			MaxAttempts: 5,
			Retryable:   func(err error) bool { return !errors.Is(err, errFatal) },
		}, func(ctx context.Context, attempt int) error {
			calls++
			return errFatal
		})

		assert.Equal(t, errFatal, err, "non-retryable errors are returned as-is")
		assert.Equal(t, 1, calls)
	})

	t.Run("ContextCancelledDuringBackoff", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		calls := 0
		err := Do(ctx, Policy{
			MaxAttempts: 3,
			Backoff:     Constant(time.Hour),
			OnFailure:   func(int, error, time.Duration) { cancel() },
		}, func(ctx context.Context, attempt int) error {
			calls++
			return errFlaky
		})

		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, calls)
	})

	t.Run("ZeroAttemptsRunsOnce", func(t *testing.T) {
		calls := 0
		_ = Do(context.Background(), Policy{}, func(ctx context.Context, attempt int) error {
			calls++
			return errFlaky
		})
		assert.Equal(t, 1, calls)
	})
}

func TestDoValue(t *testing.T) {
	v, err := DoValue(context.Background(), Policy{MaxAttempts: 2}, func(ctx context.Context, attempt int) (int, error) {
		if attempt == 1 {
			return 0, errors.New("first")
		}
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}
