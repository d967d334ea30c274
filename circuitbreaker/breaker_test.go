package circuitbreaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/flowmesh/flowmesh/types"
)

func TestBreakerOpensAtThreshold(t *testing.T) {
	r := NewRegistry(Config{Threshold: 5, Cooldown: time.Minute}, zap.NewNop())

	for i := 0; i < 4; i++ {
		r.RecordFailure("x")
		require.NoError(t, r.Allow("x"))
	}
	r.RecordFailure("x")

	assert.Equal(t, StateOpen, r.StateOf("x"))
	err := r.Allow("x")
	require.Error(t, err)
	assert.Equal(t, types.ErrAgentBreakerOpen, types.KindOf(err))
}

func TestBreakerIsPerAgent(t *testing.T) {
	r := NewRegistry(DefaultConfig(), zap.NewNop())

	for i := 0; i < 5; i++ {
		r.RecordFailure("flaky")
	}

	require.Error(t, r.Allow("flaky"))
	require.NoError(t, r.Allow("healthy"))
}

func TestBreakerHalfOpenAfterCooldown(t *testing.T) {
	r := NewRegistry(Config{Threshold: 2, Cooldown: time.Minute}, zap.NewNop())

	current := time.Unix(1000, 0)
	r.now = func() time.Time { return current }

	r.RecordFailure("x")
	r.RecordFailure("x")
	require.Error(t, r.Allow("x"))

	// Cooldown elapses: the next call is admitted as a trial.
	current = current.Add(61 * time.Second)
	require.NoError(t, r.Allow("x"))
	assert.Equal(t, StateHalfOpen, r.StateOf("x"))

	// One success closes the breaker.
	r.RecordSuccess("x")
	assert.Equal(t, StateClosed, r.StateOf("x"))
	require.NoError(t, r.Allow("x"))
}

func TestBreakerReopensOnFailedTrial(t *testing.T) {
	r := NewRegistry(Config{Threshold: 1, Cooldown: time.Minute}, zap.NewNop())

	current := time.Unix(1000, 0)
	r.now = func() time.Time { return current }

	r.RecordFailure("x")
	require.Error(t, r.Allow("x"))

	current = current.Add(2 * time.Minute)
	require.NoError(t, r.Allow("x"))
	r.RecordFailure("x")

	assert.Equal(t, StateOpen, r.StateOf("x"))
	require.Error(t, r.Allow("x"))
}

func TestSuccessResetsFailureCount(t *testing.T) {
	r := NewRegistry(Config{Threshold: 3, Cooldown: time.Minute}, zap.NewNop())

	r.RecordFailure("x")
	r.RecordFailure("x")
	r.RecordSuccess("x")
	r.RecordFailure("x")
	r.RecordFailure("x")

	assert.Equal(t, StateClosed, r.StateOf("x"))
}

func TestStateChangeCallback(t *testing.T) {
	transitions := make(chan State, 4)
	r := NewRegistry(Config{
		Threshold: 1,
		Cooldown:  time.Minute,
		OnStateChange: func(agentID string, from, to State) {
			transitions <- to
		},
	}, zap.NewNop())

	r.RecordFailure("x")
	assert.Equal(t, StateOpen, <-transitions)
}
