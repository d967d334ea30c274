package types

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorFormatting(t *testing.T) {
	err := NewError(ErrAgentTimeout, "agent call timed out").
		WithHTTPStatus(0).
		WithRetryable(true).
		WithNode("scorer")

	assert.Equal(t, "[AGENT_TIMEOUT] agent call timed out", err.Error())
	assert.True(t, IsRetryable(err))
	assert.Equal(t, ErrAgentTimeout, KindOf(err))
	assert.Equal(t, "scorer", err.NodeID)
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := NewError(ErrAgentNetwork, "dial failed").WithCause(cause)

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "connection refused")

	// Wrapped engine errors stay discoverable through fmt wrapping.
	wrapped := fmt.Errorf("node scorer: %w", err)
	assert.Equal(t, ErrAgentNetwork, KindOf(wrapped))
	assert.True(t, IsKind(wrapped, ErrAgentNetwork))
}

func TestRetryableHTTPStatus(t *testing.T) {
	for _, status := range []int{408, 425, 429, 500, 502, 503} {
		assert.True(t, RetryableHTTPStatus(status), "status %d", status)
	}
	for _, status := range []int{400, 401, 403, 404, 409, 422} {
		assert.False(t, RetryableHTTPStatus(status), "status %d", status)
	}
}
