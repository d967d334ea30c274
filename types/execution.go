package types

import (
	"time"

	"github.com/google/uuid"
)

// ExecutionStatus is the lifecycle state of an execution or node.
type ExecutionStatus string

const (
	StatusPending   ExecutionStatus = "pending"
	StatusRunning   ExecutionStatus = "running"
	StatusSucceeded ExecutionStatus = "succeeded"
	StatusFailed    ExecutionStatus = "failed"
	StatusCancelled ExecutionStatus = "cancelled"
	// StatusSkipped marks nodes on a decision branch that was not chosen.
	StatusSkipped ExecutionStatus = "skipped"
)

// Terminal reports whether the status is absorbing.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether an execution may move from s to next.
// Legal transitions: pending -> running -> {succeeded, failed, cancelled},
// plus pending -> {cancelled, failed} for executions cancelled, or failing
// to start, before they run.
func (s ExecutionStatus) CanTransition(next ExecutionStatus) bool {
	switch s {
	case StatusPending:
		return next == StatusRunning || next == StatusCancelled || next == StatusFailed
	case StatusRunning:
		return next == StatusSucceeded || next == StatusFailed || next == StatusCancelled
	}
	return false
}

// ExecutionContext is one run of a flow with concrete input.
type ExecutionContext struct {
	ExecutionID uuid.UUID       `json:"execution_id"`
	FlowID      string          `json:"flow_id"`
	TenantID    string          `json:"tenant_id,omitempty"`
	Status      ExecutionStatus `json:"status"`
	InputData   map[string]any  `json:"input_data"`
	OutputData  map[string]any  `json:"output_data,omitempty"`
	Error       *Error          `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// NewExecutionContext creates a pending execution with a fresh UUID.
func NewExecutionContext(flowID, tenantID string, input map[string]any) *ExecutionContext {
	return &ExecutionContext{
		ExecutionID: uuid.New(),
		FlowID:      flowID,
		TenantID:    tenantID,
		Status:      StatusPending,
		InputData:   input,
		CreatedAt:   time.Now().UTC(),
	}
}

// NodeResult records one attempt sequence of a node within an execution.
// Primary key is (ExecutionID, NodeID, Iteration).
type NodeResult struct {
	ExecutionID uuid.UUID       `json:"execution_id"`
	NodeID      string          `json:"node_id"`
	Iteration   int             `json:"iteration"`
	AgentID     string          `json:"agent_id,omitempty"`
	Status      ExecutionStatus `json:"status"`
	Input       map[string]any  `json:"input,omitempty"`
	Output      map[string]any  `json:"output,omitempty"`
	Error       *Error          `json:"error,omitempty"`
	Attempts    int             `json:"attempts"`
	CostUSD     *float64        `json:"cost_usd,omitempty"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// AgentMessage is the durable trace of one edge traversal.
type AgentMessage struct {
	MessageID   uuid.UUID      `json:"message_id"`
	ExecutionID uuid.UUID      `json:"execution_id"`
	FromNode    string         `json:"from_node"`
	ToNode      string         `json:"to_node"`
	Payload     map[string]any `json:"payload"`
	CreatedAt   time.Time      `json:"created_at"`
}

// NewAgentMessage creates a message for the edge (from, to).
func NewAgentMessage(executionID uuid.UUID, from, to string, payload map[string]any) *AgentMessage {
	return &AgentMessage{
		MessageID:   uuid.New(),
		ExecutionID: executionID,
		FromNode:    from,
		ToNode:      to,
		Payload:     payload,
		CreatedAt:   time.Now().UTC(),
	}
}

// Metrics aggregates execution counts for reporting.
type Metrics struct {
	TotalExecutions      int64      `json:"total_executions"`
	SucceededExecutions  int64      `json:"succeeded_executions"`
	FailedExecutions     int64      `json:"failed_executions"`
	CancelledExecutions  int64      `json:"cancelled_executions"`
	RunningExecutions    int64      `json:"running_executions"`
	AverageDurationMilli float64    `json:"average_duration_ms"`
	LastExecutionAt      *time.Time `json:"last_execution_at,omitempty"`
}

// ExecuteRequest is the body POSTed to an agent's /execute endpoint.
type ExecuteRequest struct {
	ExecutionID string         `json:"execution_id"`
	NodeID      string         `json:"node_id"`
	Input       map[string]any `json:"input"`
	Config      map[string]any `json:"config,omitempty"`
}

// ExecuteResponse is the body an agent returns from POST /execute.
type ExecuteResponse struct {
	Status       string         `json:"status"`
	Output       map[string]any `json:"output,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	ExecutionID  string         `json:"execution_id"`
	// ContextUpdates carries explicit writes into the execution's
	// user scratch space, applied after the node succeeds.
	ContextUpdates map[string]any `json:"context_updates,omitempty"`
}
