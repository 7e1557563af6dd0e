package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

func failing(context.Context) error { return errBoom }
func passing(context.Context) error { return nil }

func newTestBreaker(maxFailures int) (*CircuitBreaker, *time.Time) {
	cb := NewCircuitBreaker(&Config{
		Name:             "test",
		MaxFailures:      maxFailures,
		Timeout:          time.Minute,
		HalfOpenMaxCalls: 1,
	})
	now := time.Now()
	cb.now = func() time.Time { return now }
	return cb, &now
}

func TestCircuitBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	cb, _ := newTestBreaker(3)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, cb.Execute(ctx, failing), errBoom)
	}
	assert.Equal(t, StateOpen, cb.GetState())

	called := false
	err := cb.Execute(ctx, func(context.Context) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)
}

func TestCircuitBreaker_HalfOpenRecovery(t *testing.T) {
	cb, now := newTestBreaker(1)
	ctx := context.Background()

	require.ErrorIs(t, cb.Execute(ctx, failing), errBoom)
	require.Equal(t, StateOpen, cb.GetState())

	*now = now.Add(2 * time.Minute)
	require.NoError(t, cb.Execute(ctx, passing))
	assert.Equal(t, StateClosed, cb.GetState())
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb, now := newTestBreaker(1)
	ctx := context.Background()

	require.ErrorIs(t, cb.Execute(ctx, failing), errBoom)
	*now = now.Add(2 * time.Minute)

	require.ErrorIs(t, cb.Execute(ctx, failing), errBoom)
	assert.Equal(t, StateOpen, cb.GetState())
	assert.ErrorIs(t, cb.Execute(ctx, passing), ErrCircuitOpen)
}

func TestCircuitBreaker_IsFailureFilter(t *testing.T) {
	userErr := errors.New("bad input")
	cb := NewCircuitBreaker(&Config{
		Name:        "filtered",
		MaxFailures: 1,
		Timeout:     time.Minute,
		IsFailure:   func(err error) bool { return !errors.Is(err, userErr) },
	})

	for i := 0; i < 5; i++ {
		_ = cb.Execute(context.Background(), func(context.Context) error { return userErr })
	}
	assert.Equal(t, StateClosed, cb.GetState())
}

func TestCircuitBreaker_CancelledContextSkipsCall(t *testing.T) {
	cb := NewCircuitBreaker(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := cb.Execute(ctx, func(context.Context) error {
		t.Fatal("fn must not run")
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, cb.GetStats().TotalCalls)
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb, _ := newTestBreaker(1)
	_ = cb.Execute(context.Background(), failing)
	require.Equal(t, StateOpen, cb.GetState())

	cb.Reset()
	stats := cb.GetStats()
	assert.Equal(t, StateClosed, stats.State)
	assert.Zero(t, stats.Failures)
}

func TestManager_GetOrCreate(t *testing.T) {
	m := NewManager(&Config{MaxFailures: 2, Timeout: time.Second})

	a := m.GetOrCreate("mock")
	assert.Same(t, a, m.GetOrCreate("mock"))
	assert.NotSame(t, a, m.GetOrCreate("openai"))

	stats := m.AllStats()
	require.Len(t, stats, 2)
	assert.Equal(t, "mock", stats["mock"].Name)
}
