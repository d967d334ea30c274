package store

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/flowmesh/flowmesh/types"
)

// MemoryStore is the in-memory Store used for development and tests.
// Data is lost on restart.
type MemoryStore struct {
	mu sync.RWMutex

	executions map[uuid.UUID]*types.ExecutionContext
	results    map[uuid.UUID]map[nodeKey]*types.NodeResult
	messages   map[uuid.UUID][]*types.AgentMessage
	messageIDs map[uuid.UUID]bool
	flows      map[string]map[string]*types.FlowDefinition // tenant -> flow_id
	agents     map[string]map[string]*types.AgentRecord    // tenant -> agent_id

	closed bool
}

type nodeKey struct {
	nodeID    string
	iteration int
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		executions: make(map[uuid.UUID]*types.ExecutionContext),
		results:    make(map[uuid.UUID]map[nodeKey]*types.NodeResult),
		messages:   make(map[uuid.UUID][]*types.AgentMessage),
		messageIDs: make(map[uuid.UUID]bool),
		flows:      make(map[string]map[string]*types.FlowDefinition),
		agents:     make(map[string]map[string]*types.AgentRecord),
	}
}

// CreateExecution implements Store.
func (s *MemoryStore) CreateExecution(ctx context.Context, ec *types.ExecutionContext) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return types.NewError(types.ErrStoreUnavailable, "store closed")
	}
	if _, exists := s.executions[ec.ExecutionID]; exists {
		return nil // replay of the create is a no-op
	}
	clone := *ec
	s.executions[ec.ExecutionID] = &clone
	return nil
}

// GetExecution implements Store.
func (s *MemoryStore) GetExecution(ctx context.Context, id uuid.UUID, tenantID string) (*types.ExecutionContext, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ec, ok := s.executions[id]
	if !ok || !visible(ec.TenantID, tenantID) {
		return nil, notFound("execution")
	}
	clone := *ec
	return &clone, nil
}

// Transition implements Store.
func (s *MemoryStore) Transition(ctx context.Context, id uuid.UUID, next types.ExecutionStatus, fields *TransitionFields) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ec, ok := s.executions[id]
	if !ok {
		return notFound("execution")
	}
	if ec.Status == next {
		return nil
	}
	if !ec.Status.CanTransition(next) {
		if ec.Status.Terminal() {
			return types.Errorf(types.ErrAlreadyTerminal, "execution is %s", ec.Status)
		}
		return types.Errorf(types.ErrInvalidTransition, "%s -> %s", ec.Status, next)
	}

	ec.Status = next
	ts := now()
	switch next {
	case types.StatusRunning:
		ec.StartedAt = &ts
	case types.StatusSucceeded, types.StatusFailed, types.StatusCancelled:
		ec.CompletedAt = &ts
	}
	if fields != nil {
		if fields.Output != nil {
			ec.OutputData = fields.Output
		}
		if fields.Error != nil {
			ec.Error = fields.Error
		}
	}
	return nil
}

// ListExecutions implements Store.
func (s *MemoryStore) ListExecutions(ctx context.Context, tenantID string, f ExecutionFilters, p Page) ([]*types.ExecutionContext, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*types.ExecutionContext
	for _, ec := range s.executions {
		if !visible(ec.TenantID, tenantID) {
			continue
		}
		if f.FlowID != "" && ec.FlowID != f.FlowID {
			continue
		}
		if f.Status != "" && ec.Status != f.Status {
			continue
		}
		clone := *ec
		out = append(out, &clone)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })

	if p.Offset >= len(out) {
		return nil, nil
	}
	out = out[p.Offset:]
	if len(out) > p.limit() {
		out = out[:p.limit()]
	}
	return out, nil
}

// UpsertNodeResult implements Store.
func (s *MemoryStore) UpsertNodeResult(ctx context.Context, result *types.NodeResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	byNode := s.results[result.ExecutionID]
	if byNode == nil {
		byNode = make(map[nodeKey]*types.NodeResult)
		s.results[result.ExecutionID] = byNode
	}

	key := nodeKey{result.NodeID, result.Iteration}
	clone := *result
	if prev, ok := byNode[key]; ok && prev.Attempts > clone.Attempts {
		// Attempts are monotone; never roll a row backwards.
		clone.Attempts = prev.Attempts
	}
	byNode[key] = &clone
	return nil
}

// GetNodeResults implements Store.
func (s *MemoryStore) GetNodeResults(ctx context.Context, executionID uuid.UUID) ([]*types.NodeResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*types.NodeResult
	for _, r := range s.results[executionID] {
		clone := *r
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			if out[i].NodeID == out[j].NodeID {
				return out[i].Iteration < out[j].Iteration
			}
			return out[i].NodeID < out[j].NodeID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out, nil
}

// AppendMessage implements Store.
func (s *MemoryStore) AppendMessage(ctx context.Context, msg *types.AgentMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.messageIDs[msg.MessageID] {
		return nil
	}
	s.messageIDs[msg.MessageID] = true

	clone := *msg
	s.messages[msg.ExecutionID] = append(s.messages[msg.ExecutionID], &clone)
	return nil
}

// GetMessages implements Store.
func (s *MemoryStore) GetMessages(ctx context.Context, executionID uuid.UUID) ([]*types.AgentMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msgs := s.messages[executionID]
	out := make([]*types.AgentMessage, len(msgs))
	for i, m := range msgs {
		clone := *m
		out[i] = &clone
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Metrics implements Store.
func (s *MemoryStore) Metrics(ctx context.Context, tenantID string) (*types.Metrics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m := &types.Metrics{}
	var totalMillis float64
	var finished int64

	for _, ec := range s.executions {
		if !visible(ec.TenantID, tenantID) {
			continue
		}
		m.TotalExecutions++
		switch ec.Status {
		case types.StatusSucceeded:
			m.SucceededExecutions++
		case types.StatusFailed:
			m.FailedExecutions++
		case types.StatusCancelled:
			m.CancelledExecutions++
		case types.StatusRunning:
			m.RunningExecutions++
		}
		if ec.StartedAt != nil && ec.CompletedAt != nil {
			totalMillis += float64(ec.CompletedAt.Sub(*ec.StartedAt).Milliseconds())
			finished++
		}
		if m.LastExecutionAt == nil || ec.CreatedAt.After(*m.LastExecutionAt) {
			at := ec.CreatedAt
			m.LastExecutionAt = &at
		}
	}
	if finished > 0 {
		m.AverageDurationMilli = totalMillis / float64(finished)
	}
	return m, nil
}

// SaveFlow implements Store.
func (s *MemoryStore) SaveFlow(ctx context.Context, def *types.FlowDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	scope := s.flows[def.TenantID]
	if scope == nil {
		scope = make(map[string]*types.FlowDefinition)
		s.flows[def.TenantID] = scope
	}
	clone := *def
	scope[def.FlowID] = &clone
	return nil
}

// DeleteFlow implements Store.
func (s *MemoryStore) DeleteFlow(ctx context.Context, flowID, tenantID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	scope := s.flows[tenantID]
	if scope == nil {
		return notFound("flow")
	}
	if _, ok := scope[flowID]; !ok {
		return notFound("flow")
	}
	delete(scope, flowID)
	return nil
}

// ListFlows implements Store.
func (s *MemoryStore) ListFlows(ctx context.Context, tenantID string) ([]*types.FlowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*types.FlowDefinition
	seen := make(map[string]bool)
	for _, scope := range []map[string]*types.FlowDefinition{s.flows[tenantID], s.flows[""]} {
		for id, def := range scope {
			if seen[id] {
				continue
			}
			seen[id] = true
			clone := *def
			out = append(out, &clone)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FlowID < out[j].FlowID })
	return out, nil
}

// SaveAgent implements Store.
func (s *MemoryStore) SaveAgent(ctx context.Context, rec *types.AgentRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	scope := s.agents[rec.OwnerTenant]
	if scope == nil {
		scope = make(map[string]*types.AgentRecord)
		s.agents[rec.OwnerTenant] = scope
	}
	clone := *rec
	scope[rec.AgentID] = &clone
	return nil
}

// DeleteAgent implements Store.
func (s *MemoryStore) DeleteAgent(ctx context.Context, agentID, tenantID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	scope := s.agents[tenantID]
	if scope == nil {
		return notFound("agent")
	}
	if _, ok := scope[agentID]; !ok {
		return notFound("agent")
	}
	delete(scope, agentID)
	return nil
}

// ListAgents implements Store.
func (s *MemoryStore) ListAgents(ctx context.Context, tenantID string) ([]*types.AgentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*types.AgentRecord
	seen := make(map[string]bool)
	for _, scope := range []map[string]*types.AgentRecord{s.agents[tenantID], s.agents[""]} {
		for id, rec := range scope {
			if seen[id] {
				continue
			}
			seen[id] = true
			clone := *rec
			out = append(out, &clone)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out, nil
}

// Ping implements Store.
func (s *MemoryStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return types.NewError(types.ErrStoreUnavailable, "store closed")
	}
	return nil
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
