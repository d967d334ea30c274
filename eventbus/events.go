// Package eventbus is the engine's internal publish/subscribe surface.
// Publishing is decoupled from the orchestrator's critical path: Publish
// never blocks, and slow subscribers lose oldest events first.
package eventbus

import (
	"time"

	"github.com/google/uuid"
)

// EventType enumerates the engine's event vocabulary.
type EventType string

const (
	ExecutionStarted   EventType = "execution.started"
	ExecutionSucceeded EventType = "execution.succeeded"
	ExecutionFailed    EventType = "execution.failed"
	ExecutionCancelled EventType = "execution.cancelled"

	NodeStarted   EventType = "node.started"
	NodeSucceeded EventType = "node.succeeded"
	NodeFailed    EventType = "node.failed"
	NodeSkipped   EventType = "node.skipped"
	NodeRetrying  EventType = "node.retrying"

	AgentProbed EventType = "agent.probed"
)

// Event is one typed record published on the bus.
type Event struct {
	Type        EventType      `json:"type"`
	ExecutionID uuid.UUID      `json:"execution_id,omitempty"`
	NodeID      string         `json:"node_id,omitempty"`
	AgentID     string         `json:"agent_id,omitempty"`
	TenantID    string         `json:"tenant_id,omitempty"`
	Payload     map[string]any `json:"payload,omitempty"`
	At          time.Time      `json:"at"`
}

// Publisher is the publish-only port the orchestrator and registry depend
// on, keeping subscribers out of their dependency graph.
type Publisher interface {
	Publish(event Event)
}

// NopPublisher discards all events.
type NopPublisher struct{}

// Publish implements Publisher.
func (NopPublisher) Publish(Event) {}
