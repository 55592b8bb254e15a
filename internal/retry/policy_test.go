package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aseltyar/video-downloader/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastPolicy() Policy {
	return Policy{
		MaxAttempts:     3,
		InitialInterval: time.Millisecond,
		Multiplier:      2.0,
		MaxInterval:     10 * time.Millisecond,
	}
}

func TestPolicyDo(t *testing.T) {
	ctx := context.Background()
	transient := func(err error) error { return domain.NewRetryableError(err) }

	t.Run("succeeds first try", func(t *testing.T) {
		calls := 0
		err := fastPolicy().Do(ctx, func(attempt int) error {
			calls++
			assert.Equal(t, calls, attempt)
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 1, calls)
	})

	t.Run("retries transient errors until success", func(t *testing.T) {
		calls := 0
		err := fastPolicy().Do(ctx, func(int) error {
			calls++
			if calls < 3 {
				return transient(errors.New("connection reset"))
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("exhausts attempts", func(t *testing.T) {
		calls := 0
		base := errors.New("timeout")
		err := fastPolicy().Do(ctx, func(int) error {
			calls++
			return transient(base)
		})
		require.Error(t, err)
		assert.ErrorIs(t, err, base)
		assert.Equal(t, 3, calls)
	})

	t.Run("permanent error stops immediately", func(t *testing.T) {
		calls := 0
		err := fastPolicy().Do(ctx, func(int) error {
			calls++
			return domain.ErrSizeLimitExceeded
		})
		assert.ErrorIs(t, err, domain.ErrSizeLimitExceeded)
		assert.Equal(t, 1, calls)
	})

	t.Run("context cancellation stops retries", func(t *testing.T) {
		cancelCtx, cancel := context.WithCancel(ctx)
		calls := 0
		err := fastPolicy().Do(cancelCtx, func(int) error {
			calls++
			cancel()
			return transient(errors.New("reset"))
		})
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, calls)
	})

	t.Run("zero attempts still runs once", func(t *testing.T) {
		calls := 0
		err := Policy{}.Do(ctx, func(int) error {
			calls++
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 1, calls)
	})
}

func TestPolicyInterval(t *testing.T) {
	p := Policy{
		InitialInterval: 100 * time.Millisecond,
		Multiplier:      2.0,
		MaxInterval:     time.Second,
	}

	assert.Equal(t, 100*time.Millisecond, p.Interval(1))
	assert.Equal(t, 200*time.Millisecond, p.Interval(2))
	assert.Equal(t, 400*time.Millisecond, p.Interval(3))
	assert.Equal(t, 800*time.Millisecond, p.Interval(4))
	assert.Equal(t, time.Second, p.Interval(5))
	assert.Equal(t, time.Second, p.Interval(10))
}
