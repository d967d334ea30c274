// Package circuitbreaker gates outbound agent traffic with a per-agent
// failure counter. After a threshold of consecutive failures the breaker
// opens and dispatches fail fast; after a cooldown one successful trial
// call closes it again.
package circuitbreaker

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/flowmesh/flowmesh/types"
)

// State of a single breaker.
type State int

const (
	// StateClosed allows calls.
	StateClosed State = iota
	// StateOpen rejects calls until the cooldown elapses.
	StateOpen
	// StateHalfOpen allows trial calls after the cooldown.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config for breaker behavior, shared by all keys.
type Config struct {
	// Threshold is the consecutive-failure count that opens the breaker.
	Threshold int
	// Cooldown is how long an open breaker rejects before a trial call.
	Cooldown time.Duration
	// OnStateChange is invoked after a transition.
	OnStateChange func(agentID string, from, to State)
}

// DefaultConfig matches the engine defaults: five failures, sixty seconds.
func DefaultConfig() Config {
	return Config{Threshold: 5, Cooldown: 60 * time.Second}
}

// Registry holds one breaker per agent id. Process-local; state is not
// shared across coordinators.
type Registry struct {
	config Config
	logger *zap.Logger

	mu       sync.Mutex
	breakers map[string]*breaker

	// now is swapped in tests.
	now func() time.Time
}

type breaker struct {
	state       State
	failures    int
	lastFailure time.Time
}

// NewRegistry creates a breaker registry.
func NewRegistry(config Config, logger *zap.Logger) *Registry {
	if config.Threshold <= 0 {
		config.Threshold = 5
	}
	if config.Cooldown <= 0 {
		config.Cooldown = 60 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		config:   config,
		logger:   logger.With(zap.String("component", "circuit_breaker")),
		breakers: make(map[string]*breaker),
		now:      time.Now,
	}
}

// Allow reports whether a dispatch to the agent may proceed. When the
// breaker is open and the cooldown has elapsed it transitions to half-open
// and admits the call as a trial.
func (r *Registry) Allow(agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	b := r.breakers[agentID]
	if b == nil {
		return nil
	}

	switch b.state {
	case StateClosed, StateHalfOpen:
		return nil
	case StateOpen:
		if r.now().Sub(b.lastFailure) >= r.config.Cooldown {
			r.transition(agentID, b, StateHalfOpen)
			return nil
		}
		return types.Errorf(types.ErrAgentBreakerOpen, "breaker open for agent %s", agentID)
	}
	return nil
}

// RecordSuccess resets the agent's breaker. One success closes an open or
// half-open breaker.
func (r *Registry) RecordSuccess(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b := r.breakers[agentID]
	if b == nil {
		return
	}
	if b.state != StateClosed {
		r.transition(agentID, b, StateClosed)
	}
	b.failures = 0
}

// RecordFailure counts one failed dispatch against the agent; the caller
// decides which failures count. Reaching the threshold, or failing a
// half-open trial, opens the breaker.
func (r *Registry) RecordFailure(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b := r.breakers[agentID]
	if b == nil {
		b = &breaker{state: StateClosed}
		r.breakers[agentID] = b
	}

	b.failures++
	b.lastFailure = r.now()

	switch b.state {
	case StateClosed:
		if b.failures >= r.config.Threshold {
			r.logger.Warn("circuit breaker opened",
				zap.String("agent_id", agentID),
				zap.Int("failures", b.failures),
			)
			r.transition(agentID, b, StateOpen)
		}
	case StateHalfOpen:
		r.logger.Warn("trial call failed, breaker reopened",
			zap.String("agent_id", agentID),
		)
		r.transition(agentID, b, StateOpen)
	}
}

// StateOf returns the current state for the agent.
func (r *Registry) StateOf(agentID string) State {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b := r.breakers[agentID]; b != nil {
		return b.state
	}
	return StateClosed
}

// Reset clears the breaker for the agent.
func (r *Registry) Reset(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.breakers, agentID)
}

func (r *Registry) transition(agentID string, b *breaker, to State) {
	from := b.state
	b.state = to
	if r.config.OnStateChange != nil {
		go r.config.OnStateChange(agentID, from, to)
	}
}
