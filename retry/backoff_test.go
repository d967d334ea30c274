package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/flowmesh/flowmesh/types"
)

func retryable(msg string) error {
	return types.NewError(types.ErrAgentTimeout, msg).WithRetryable(true)
}

func TestDoSucceedsAfterRetries(t *testing.T) {
	r := New(Policy{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}, zap.NewNop())

	calls := 0
	err := r.Do(context.Background(), func(attempt int) error {
		calls++
		assert.Equal(t, calls-1, attempt)
		if calls < 3 {
			return retryable("transient")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoStopsOnPermanentError(t *testing.T) {
	r := New(Policy{MaxRetries: 5, BaseDelay: time.Millisecond}, zap.NewNop())

	permanent := types.NewError(types.ErrAgentContract, "bad body")
	calls := 0
	err := r.Do(context.Background(), func(int) error {
		calls++
		return permanent
	})

	assert.Equal(t, 1, calls)
	assert.Equal(t, types.ErrAgentContract, types.KindOf(err))
}

func TestDoExhaustsRetries(t *testing.T) {
	r := New(Policy{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}, zap.NewNop())

	calls := 0
	err := r.Do(context.Background(), func(int) error {
		calls++
		return retryable("still down")
	})

	assert.Equal(t, 3, calls)
	assert.True(t, types.IsRetryable(err))
}

func TestDoRespectsContextCancel(t *testing.T) {
	r := New(Policy{MaxRetries: 3, BaseDelay: time.Hour}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := r.Do(ctx, func(int) error { return retryable("down") })
	assert.Equal(t, types.ErrCancelled, types.KindOf(err))
}

func TestDoZeroRetriesRunsOnce(t *testing.T) {
	r := New(DefaultPolicy(), zap.NewNop())

	calls := 0
	err := r.Do(context.Background(), func(int) error {
		calls++
		return retryable("down")
	})

	assert.Equal(t, 1, calls)
	require.Error(t, err)
}

func TestDelayFullJitter(t *testing.T) {
	r := New(Policy{BaseDelay: time.Second, MaxDelay: 4 * time.Second}, zap.NewNop())

	// Jitter at its upper bound follows base * 2^i, capped at MaxDelay.
	r.randFloat = func() float64 { return 1.0 }
	assert.Equal(t, time.Second, r.Delay(0))
	assert.Equal(t, 2*time.Second, r.Delay(1))
	assert.Equal(t, 4*time.Second, r.Delay(2))
	assert.Equal(t, 4*time.Second, r.Delay(5))

	// Full jitter can land anywhere down to zero.
	r.randFloat = func() float64 { return 0 }
	assert.Equal(t, time.Duration(0), r.Delay(3))
}

func TestDoForeignErrorNotRetried(t *testing.T) {
	r := New(Policy{MaxRetries: 3, BaseDelay: time.Millisecond}, zap.NewNop())

	calls := 0
	err := r.Do(context.Background(), func(int) error {
		calls++
		return errors.New("plain error")
	})

	assert.Equal(t, 1, calls)
	require.Error(t, err)
}
