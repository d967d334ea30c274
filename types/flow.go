package types

import "time"

// NodeType identifies the behavior of a flow node.
type NodeType string

const (
	// NodeTypeAgent dispatches work to a registered HTTP agent.
	NodeTypeAgent NodeType = "agent"
	// NodeTypeDecision evaluates a condition and schedules one branch.
	NodeTypeDecision NodeType = "decision"
	// NodeTypeLoop re-executes its body until a condition or iteration cap.
	NodeTypeLoop NodeType = "loop"
	// NodeTypeFork schedules all branches in parallel.
	NodeTypeFork NodeType = "fork"
	// NodeTypeJoin waits on sources according to a merge strategy.
	NodeTypeJoin NodeType = "join"
	// NodeTypeOutput aggregates terminal results.
	NodeTypeOutput NodeType = "output"
)

// MergeStrategy selects how a join node resolves its sources.
type MergeStrategy string

const (
	// MergeFirstComplete resolves on the first succeeded source; the
	// remaining sources are cancelled.
	MergeFirstComplete MergeStrategy = "first_complete"
	// MergeAllComplete resolves when every source is terminal and fails
	// if any source failed.
	MergeAllComplete MergeStrategy = "all_complete"
	// MergeBestBy resolves when all sources complete and picks the
	// succeeded source maximizing the best_by expression.
	MergeBestBy MergeStrategy = "best_by"
)

// Node is one unit of work in a flow. The populated fields depend on Type;
// the catalog validates the variant shape on load.
type Node struct {
	ID        string         `json:"id" yaml:"id"`
	Type      NodeType       `json:"type" yaml:"type"`
	DependsOn []string       `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	Config    map[string]any `json:"config,omitempty" yaml:"config,omitempty"`

	// Agent nodes.
	AgentID     string        `json:"agent_id,omitempty" yaml:"agent_id,omitempty"`
	Timeout     time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	MaxRetries  int           `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
	OnErrorNode string        `json:"on_error_node,omitempty" yaml:"on_error_node,omitempty"`

	// Decision nodes.
	Condition string `json:"condition,omitempty" yaml:"condition,omitempty"`
	ThenNode  string `json:"then,omitempty" yaml:"then,omitempty"`
	ElseNode  string `json:"else,omitempty" yaml:"else,omitempty"`

	// Loop nodes.
	Body          []string `json:"body,omitempty" yaml:"body,omitempty"`
	Until         string   `json:"until,omitempty" yaml:"until,omitempty"`
	MaxIterations int      `json:"max_iterations,omitempty" yaml:"max_iterations,omitempty"`

	// Fork nodes.
	Branches []string `json:"branches,omitempty" yaml:"branches,omitempty"`

	// Join nodes.
	Sources  []string      `json:"sources,omitempty" yaml:"sources,omitempty"`
	Strategy MergeStrategy `json:"strategy,omitempty" yaml:"strategy,omitempty"`
	BestBy   string        `json:"best_by,omitempty" yaml:"best_by,omitempty"`
}

// FlowDefinition is an immutable, validated DAG of nodes.
type FlowDefinition struct {
	FlowID      string   `json:"flow_id" yaml:"flow_id"`
	Name        string   `json:"name" yaml:"name"`
	Description string   `json:"description" yaml:"description"`
	Version     string   `json:"version" yaml:"version"`
	EntryPoint  string   `json:"entry_point" yaml:"entry_point"`
	ExitPoints  []string `json:"exit_points" yaml:"exit_points"`
	Nodes       []Node   `json:"nodes" yaml:"nodes"`

	// TenantID scopes the flow; empty means system scope.
	TenantID string `json:"tenant_id,omitempty" yaml:"-"`
}

// NodeByID returns the node with the given id, if present.
func (f *FlowDefinition) NodeByID(id string) (*Node, bool) {
	for i := range f.Nodes {
		if f.Nodes[i].ID == id {
			return &f.Nodes[i], true
		}
	}
	return nil, false
}

// IsExitPoint reports whether the node id is one of the flow's exit points.
func (f *FlowDefinition) IsExitPoint(id string) bool {
	for _, ep := range f.ExitPoints {
		if ep == id {
			return true
		}
	}
	return false
}
