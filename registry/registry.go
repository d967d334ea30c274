// Package registry holds agent records, their capability index, and the
// background health sweeper. Health is advisory: the registry never
// refuses dispatch on an unhealthy agent.
package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/flowmesh/flowmesh/eventbus"
	"github.com/flowmesh/flowmesh/types"
)

// Config holds registry configuration.
type Config struct {
	// ProbeInterval is the sweep period for health probes.
	ProbeInterval time.Duration
	// ProbeTimeout bounds one /health call.
	ProbeTimeout time.Duration
	// UnhealthyThreshold is the consecutive-failure count that marks an
	// agent unhealthy.
	UnhealthyThreshold int
	// ProbeRate limits probes per second across the sweep.
	ProbeRate float64
}

// DefaultConfig returns the engine defaults: 30s sweeps, 5s probes,
// three strikes.
func DefaultConfig() Config {
	return Config{
		ProbeInterval:      30 * time.Second,
		ProbeTimeout:       5 * time.Second,
		UnhealthyThreshold: 3,
		ProbeRate:          50,
	}
}

// Filters narrows List results.
type Filters struct {
	Capability string
	AgentType  types.AgentType
	Health     types.HealthState
}

// Registry is the in-memory agent directory. Records are scoped by
// owning tenant; the empty tenant is system scope, visible to all.
type Registry struct {
	mu sync.RWMutex

	// agents maps tenant -> agent_id -> record.
	agents map[string]map[string]*types.AgentRecord

	// capabilities indexes capability tag -> scope key -> struct{}.
	capabilities map[string]map[scopeKey]struct{}

	// failures counts consecutive probe failures per scope key.
	failures map[scopeKey]int

	config  Config
	events  eventbus.Publisher
	logger  *zap.Logger
	sweeper *sweeper
}

type scopeKey struct {
	tenant  string
	agentID string
}

// New creates a registry. events may be nil when probe events are not
// needed.
func New(config Config, events eventbus.Publisher, logger *zap.Logger) *Registry {
	if config.ProbeInterval <= 0 {
		config.ProbeInterval = 30 * time.Second
	}
	if config.ProbeTimeout <= 0 {
		config.ProbeTimeout = 5 * time.Second
	}
	if config.UnhealthyThreshold <= 0 {
		config.UnhealthyThreshold = 3
	}
	if events == nil {
		events = eventbus.NopPublisher{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	r := &Registry{
		agents:       make(map[string]map[string]*types.AgentRecord),
		capabilities: make(map[string]map[scopeKey]struct{}),
		failures:     make(map[scopeKey]int),
		config:       config,
		events:       events,
		logger:       logger.With(zap.String("component", "agent_registry")),
	}
	r.sweeper = newSweeper(r)
	return r
}

// Start launches the background health sweeper.
func (r *Registry) Start(ctx context.Context) {
	r.sweeper.start(ctx)
	r.logger.Info("agent registry started",
		zap.Duration("probe_interval", r.config.ProbeInterval),
	)
}

// Stop halts the sweeper.
func (r *Registry) Stop() {
	r.sweeper.stop()
}

// Register adds an agent record under its owner's scope. Registering the
// same agent_id within the same scope returns the existing record; a
// collision with a different scope fails with AgentConflict.
func (r *Registry) Register(record *types.AgentRecord) (*types.AgentRecord, error) {
	if record == nil || record.AgentID == "" {
		return nil, types.NewError(types.ErrFlowInvalid, "agent record requires agent_id")
	}
	if record.Endpoint == "" {
		return nil, types.Errorf(types.ErrFlowInvalid, "agent %s requires endpoint", record.AgentID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Same-scope registration is idempotent.
	if scope := r.agents[record.OwnerTenant]; scope != nil {
		if existing, ok := scope[record.AgentID]; ok {
			return existing, nil
		}
	}

	// The id must be unique across scopes.
	for tenant, scope := range r.agents {
		if tenant == record.OwnerTenant {
			continue
		}
		if _, ok := scope[record.AgentID]; ok {
			return nil, types.Errorf(types.ErrAgentConflict,
				"agent_id %q already registered in another scope", record.AgentID)
		}
	}

	clone := *record
	now := time.Now().UTC()
	clone.CreatedAt = now
	clone.UpdatedAt = now
	if clone.Health == "" {
		clone.Health = types.HealthUnknown
	}

	scope := r.agents[clone.OwnerTenant]
	if scope == nil {
		scope = make(map[string]*types.AgentRecord)
		r.agents[clone.OwnerTenant] = scope
	}
	scope[clone.AgentID] = &clone

	key := scopeKey{clone.OwnerTenant, clone.AgentID}
	for _, cap := range clone.Capabilities {
		idx := r.capabilities[cap]
		if idx == nil {
			idx = make(map[scopeKey]struct{})
			r.capabilities[cap] = idx
		}
		idx[key] = struct{}{}
	}

	r.logger.Info("agent registered",
		zap.String("agent_id", clone.AgentID),
		zap.String("tenant_id", clone.OwnerTenant),
		zap.Strings("capabilities", clone.Capabilities),
	)
	return &clone, nil
}

// Lookup resolves an agent for a tenant: the tenant's own record first,
// then system scope.
func (r *Registry) Lookup(agentID, tenantID string) (*types.AgentRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if scope := r.agents[tenantID]; scope != nil {
		if rec, ok := scope[agentID]; ok {
			return rec, nil
		}
	}
	if tenantID != "" {
		if scope := r.agents[""]; scope != nil {
			if rec, ok := scope[agentID]; ok {
				return rec, nil
			}
		}
	}
	return nil, types.Errorf(types.ErrAgentUnknown, "agent %q not registered", agentID)
}

// Deregister removes the agent from the tenant's scope.
func (r *Registry) Deregister(agentID, tenantID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	scope := r.agents[tenantID]
	if scope == nil {
		return types.Errorf(types.ErrAgentUnknown, "agent %q not registered", agentID)
	}
	rec, ok := scope[agentID]
	if !ok {
		return types.Errorf(types.ErrAgentUnknown, "agent %q not registered", agentID)
	}

	delete(scope, agentID)
	key := scopeKey{tenantID, agentID}
	for _, cap := range rec.Capabilities {
		delete(r.capabilities[cap], key)
	}
	delete(r.failures, key)

	r.logger.Info("agent deregistered",
		zap.String("agent_id", agentID),
		zap.String("tenant_id", tenantID),
	)
	return nil
}

// List returns the agents visible to the tenant, optionally filtered.
// Results are ordered by agent_id for stable pagination upstream.
func (r *Registry) List(tenantID string, filters Filters) []*types.AgentRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*types.AgentRecord
	seen := make(map[string]bool)

	collect := func(scope map[string]*types.AgentRecord) {
		for id, rec := range scope {
			if seen[id] || !matches(rec, filters) {
				continue
			}
			seen[id] = true
			out = append(out, rec)
		}
	}

	if scope := r.agents[tenantID]; scope != nil {
		collect(scope)
	}
	if tenantID != "" {
		if scope := r.agents[""]; scope != nil {
			collect(scope)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// ByCapability returns the visible agents advertising the capability tag.
func (r *Registry) ByCapability(tag, tenantID string) []*types.AgentRecord {
	return r.List(tenantID, Filters{Capability: tag})
}

func matches(rec *types.AgentRecord, f Filters) bool {
	if f.Capability != "" && !rec.HasCapability(f.Capability) {
		return false
	}
	if f.AgentType != "" && rec.AgentType != f.AgentType {
		return false
	}
	if f.Health != "" && rec.Health != f.Health {
		return false
	}
	return true
}

// snapshot returns all records for the sweeper.
func (r *Registry) snapshot() []*types.AgentRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*types.AgentRecord
	for _, scope := range r.agents {
		for _, rec := range scope {
			out = append(out, rec)
		}
	}
	return out
}

// recordProbe applies a probe outcome to the agent's health state and
// publishes an agent.probed event on transitions and probes alike.
func (r *Registry) recordProbe(rec *types.AgentRecord, healthy bool) {
	r.mu.Lock()

	key := scopeKey{rec.OwnerTenant, rec.AgentID}
	prev := rec.Health

	if healthy {
		r.failures[key] = 0
		rec.Health = types.HealthReady
	} else {
		r.failures[key]++
		if r.failures[key] >= r.config.UnhealthyThreshold {
			rec.Health = types.HealthUnhealthy
		}
	}
	rec.LastProbeAt = time.Now().UTC()
	rec.UpdatedAt = rec.LastProbeAt

	changed := prev != rec.Health
	state := rec.Health
	r.mu.Unlock()

	if changed {
		r.logger.Info("agent health changed",
			zap.String("agent_id", rec.AgentID),
			zap.String("from", string(prev)),
			zap.String("to", string(state)),
		)
	}

	r.events.Publish(eventbus.Event{
		Type:    eventbus.AgentProbed,
		AgentID: rec.AgentID,
		Payload: map[string]any{"healthy": healthy, "state": string(state)},
	})
}
