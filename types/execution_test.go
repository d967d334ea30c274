package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatusTransitions(t *testing.T) {
	assert.True(t, StatusPending.CanTransition(StatusRunning))
	assert.True(t, StatusPending.CanTransition(StatusCancelled))
	assert.True(t, StatusRunning.CanTransition(StatusSucceeded))
	assert.True(t, StatusRunning.CanTransition(StatusFailed))
	assert.True(t, StatusRunning.CanTransition(StatusCancelled))

	// Terminals are absorbing.
	for _, terminal := range []ExecutionStatus{StatusSucceeded, StatusFailed, StatusCancelled} {
		assert.True(t, terminal.Terminal())
		for _, next := range []ExecutionStatus{StatusPending, StatusRunning, StatusSucceeded, StatusFailed, StatusCancelled} {
			assert.False(t, terminal.CanTransition(next), "%s -> %s should be illegal", terminal, next)
		}
	}

	// No backward transitions.
	assert.False(t, StatusRunning.CanTransition(StatusPending))
	assert.False(t, StatusPending.CanTransition(StatusSucceeded))
}

func TestNewExecutionContext(t *testing.T) {
	ctx := NewExecutionContext("credit-check", "tenant-a", map[string]any{"x": 1})

	assert.Equal(t, StatusPending, ctx.Status)
	assert.Equal(t, "credit-check", ctx.FlowID)
	assert.Equal(t, "tenant-a", ctx.TenantID)
	assert.NotEqual(t, ctx.ExecutionID.String(), "00000000-0000-0000-0000-000000000000")
	assert.False(t, ctx.CreatedAt.IsZero())
}
