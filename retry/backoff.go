// Package retry provides bounded retries with exponential backoff and
// full jitter for agent dispatch and webhook delivery.
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/flowmesh/flowmesh/types"
)

// Policy configures retry behavior.
type Policy struct {
	// MaxRetries is the number of attempts after the first (0 = no retry).
	MaxRetries int
	// BaseDelay is the backoff base for attempt 0.
	BaseDelay time.Duration
	// MaxDelay caps the computed backoff before jitter.
	MaxDelay time.Duration
	// OnRetry is invoked before each retry sleep.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// DefaultPolicy matches the engine defaults: no retries unless a node
// opts in, one second base, thirty second cap.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries: 0,
		BaseDelay:  time.Second,
		MaxDelay:   30 * time.Second,
	}
}

// Retryer executes functions under a retry policy.
type Retryer struct {
	policy Policy
	logger *zap.Logger
	// rand source for jitter; swapped in tests for determinism.
	randFloat func() float64
}

// New creates a Retryer. A nil logger is replaced with a no-op logger.
func New(policy Policy, logger *zap.Logger) *Retryer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if policy.BaseDelay <= 0 {
		policy.BaseDelay = time.Second
	}
	if policy.MaxDelay <= 0 {
		policy.MaxDelay = 30 * time.Second
	}
	if policy.MaxRetries < 0 {
		policy.MaxRetries = 0
	}
	return &Retryer{
		policy:    policy,
		logger:    logger,
		randFloat: rand.Float64,
	}
}

// Do runs fn up to MaxRetries+1 times. Only errors reported retryable by
// types.IsRetryable are retried; the context aborts the backoff sleep.
func (r *Retryer) Do(ctx context.Context, fn func(attempt int) error) error {
	var lastErr error

	for attempt := 0; attempt <= r.policy.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := r.Delay(attempt - 1)

			if r.policy.OnRetry != nil {
				r.policy.OnRetry(attempt, lastErr, delay)
			}
			r.logger.Debug("retrying",
				zap.Int("attempt", attempt),
				zap.Int("max_retries", r.policy.MaxRetries),
				zap.Duration("delay", delay),
				zap.Error(lastErr),
			)

			select {
			case <-ctx.Done():
				return types.NewError(types.ErrCancelled, "retry aborted").WithCause(ctx.Err())
			case <-time.After(delay):
			}
		}

		lastErr = fn(attempt)
		if lastErr == nil {
			return nil
		}
		if !types.IsRetryable(lastErr) {
			return lastErr
		}
	}

	return lastErr
}

// Delay computes the full-jitter backoff for retry i:
// rand(0, min(MaxDelay, BaseDelay * 2^i)).
func (r *Retryer) Delay(i int) time.Duration {
	ceiling := float64(r.policy.BaseDelay) * math.Pow(2, float64(i))
	if ceiling > float64(r.policy.MaxDelay) {
		ceiling = float64(r.policy.MaxDelay)
	}
	return time.Duration(r.randFloat() * ceiling)
}
