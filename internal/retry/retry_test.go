package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastConfig(attempts int) *RetryConfig {
	return &RetryConfig{
		MaxAttempts:  attempts,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2,
	}
}

func TestWithExponentialBackoff_SucceedsAfterFailures(t *testing.T) {
	var retries []int
	cfg := fastConfig(4)
	cfg.OnRetry = func(attempt int, _ time.Duration, _ error) {
		retries = append(retries, attempt)
	}

	calls := 0
	result := WithExponentialBackoff(context.Background(), cfg, func(ctx context.Context, attempt int) error {
		calls++
		if attempt < 3 {
			return errors.New("transient")
		}
		return nil
	})

	assert.True(t, result.Success)
	assert.Equal(t, 3, result.Attempts)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []int{1, 2}, retries)
	assert.NoError(t, result.LastError)
}

func TestWithExponentialBackoff_StopsOnNonRetryable(t *testing.T) {
	fatal := errors.New("bad request")
	cfg := fastConfig(5)
	cfg.ShouldRetry = func(err error) bool { return !errors.Is(err, fatal) }

	calls := 0
	result := WithExponentialBackoff(context.Background(), cfg, func(ctx context.Context, attempt int) error {
		calls++
		return fatal
	})

	assert.False(t, result.Success)
	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, result.LastError, fatal)
}

func TestWithExponentialBackoff_ExhaustsAttempts(t *testing.T) {
	err := Do(context.Background(), fastConfig(3), func(ctx context.Context, attempt int) error {
		return errors.New("still down")
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 3 attempts")
}

func TestWithExponentialBackoff_ContextCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := &RetryConfig{MaxAttempts: 3, InitialDelay: time.Hour, MaxDelay: time.Hour, Multiplier: 2}
	cfg.OnRetry = func(int, time.Duration, error) { cancel() }

	result := WithExponentialBackoff(ctx, cfg, func(ctx context.Context, attempt int) error {
		return errors.New("down")
	})

	assert.False(t, result.Success)
	assert.Equal(t, 1, result.Attempts)
	assert.ErrorIs(t, result.LastError, context.Canceled)
}

func TestCalculateDelay(t *testing.T) {
	cfg := &RetryConfig{InitialDelay: time.Second, MaxDelay: 5 * time.Second, Multiplier: 2}

	assert.Equal(t, time.Second, calculateDelay(cfg, 1))
	assert.Equal(t, 2*time.Second, calculateDelay(cfg, 2))
	assert.Equal(t, 4*time.Second, calculateDelay(cfg, 3))
	assert.Equal(t, 5*time.Second, calculateDelay(cfg, 4))
}
