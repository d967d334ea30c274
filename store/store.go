// Package store persists execution contexts, node results, inter-node
// messages, agent records, and flow definitions. Two implementations
// share the contract: an in-memory store for development and tests, and
// a relational store backed by GORM for production. Callers select one at
// startup; no code path branches on the mode afterwards.
package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/flowmesh/flowmesh/types"
)

// ExecutionFilters narrows ListExecutions.
type ExecutionFilters struct {
	FlowID string
	Status types.ExecutionStatus
}

// Page is offset pagination. A zero Limit falls back to 100.
type Page struct {
	Limit  int
	Offset int
}

func (p Page) limit() int {
	if p.Limit <= 0 {
		return 100
	}
	return p.Limit
}

// TransitionFields carries the optional updates applied together with a
// status transition.
type TransitionFields struct {
	Output map[string]any
	Error  *types.Error
}

// Store is the durable backend contract.
//
// Reads are always tenant-filtered: an execution owned by another tenant
// is reported as not found rather than forbidden, so existence does not
// leak across tenants.
type Store interface {
	// CreateExecution atomically persists a new context in pending state.
	CreateExecution(ctx context.Context, ec *types.ExecutionContext) error

	// GetExecution returns the execution if it is visible to the tenant.
	GetExecution(ctx context.Context, id uuid.UUID, tenantID string) (*types.ExecutionContext, error)

	// Transition compare-and-sets the execution status. Illegal
	// transitions are rejected; transitioning to the current status is a
	// no-op so write replays are harmless.
	Transition(ctx context.Context, id uuid.UUID, next types.ExecutionStatus, fields *TransitionFields) error

	// ListExecutions returns the tenant's executions, newest first.
	ListExecutions(ctx context.Context, tenantID string, f ExecutionFilters, p Page) ([]*types.ExecutionContext, error)

	// UpsertNodeResult writes a node result, idempotent on
	// (execution_id, node_id, iteration). Attempts never decrease.
	UpsertNodeResult(ctx context.Context, result *types.NodeResult) error

	// GetNodeResults returns the execution's node results ordered by
	// start time.
	GetNodeResults(ctx context.Context, executionID uuid.UUID) ([]*types.NodeResult, error)

	// AppendMessage stores one edge-traversal message, idempotent on
	// message_id.
	AppendMessage(ctx context.Context, msg *types.AgentMessage) error

	// GetMessages returns the execution's messages ordered by created_at.
	GetMessages(ctx context.Context, executionID uuid.UUID) ([]*types.AgentMessage, error)

	// Metrics aggregates execution counts and durations for the tenant.
	Metrics(ctx context.Context, tenantID string) (*types.Metrics, error)

	// SaveFlow upserts a flow definition.
	SaveFlow(ctx context.Context, def *types.FlowDefinition) error

	// DeleteFlow removes a flow from the tenant's scope.
	DeleteFlow(ctx context.Context, flowID, tenantID string) error

	// ListFlows returns the flows visible to the tenant.
	ListFlows(ctx context.Context, tenantID string) ([]*types.FlowDefinition, error)

	// SaveAgent upserts an agent record.
	SaveAgent(ctx context.Context, rec *types.AgentRecord) error

	// DeleteAgent removes an agent record from the tenant's scope.
	DeleteAgent(ctx context.Context, agentID, tenantID string) error

	// ListAgents returns the agent records visible to the tenant.
	ListAgents(ctx context.Context, tenantID string) ([]*types.AgentRecord, error)

	// Ping checks backend health.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}

// visible reports whether a row owned by ownerTenant may be read under
// the caller's tenant scope. System-scope rows are visible to everyone;
// internal callers pass the owner tenant itself.
func visible(ownerTenant, callerTenant string) bool {
	return ownerTenant == "" || ownerTenant == callerTenant
}

func notFound(what string) error {
	return types.Errorf(types.ErrNotFound, "%s not found", what)
}

func now() time.Time { return time.Now().UTC() }
