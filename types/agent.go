package types

import "time"

// AgentType describes the role of an agent within flows.
type AgentType string

const (
	AgentTypeInput       AgentType = "input"
	AgentTypeProcessor   AgentType = "processor"
	AgentTypeOutput      AgentType = "output"
	AgentTypeConditional AgentType = "conditional"
)

// HealthState is the advisory liveness of an agent as seen by the sweeper.
type HealthState string

const (
	// HealthUnknown means the agent has not been probed yet.
	HealthUnknown HealthState = "unknown"
	// HealthReady means the last probe succeeded.
	HealthReady HealthState = "ready"
	// HealthUnhealthy means three consecutive probes failed.
	HealthUnhealthy HealthState = "unhealthy"
)

// AgentRecord describes a registered remote agent. Records with an empty
// OwnerTenant are system-scope and visible to every tenant.
type AgentRecord struct {
	AgentID      string      `json:"agent_id"`
	Name         string      `json:"name,omitempty"`
	Description  string      `json:"description,omitempty"`
	Endpoint     string      `json:"endpoint"`
	Capabilities []string    `json:"capabilities"`
	AgentType    AgentType   `json:"agent_type"`
	Version      string      `json:"version,omitempty"`
	AuthToken    string      `json:"-"`
	OwnerTenant  string      `json:"owner_tenant_id,omitempty"`
	Health       HealthState `json:"health"`
	LastProbeAt  time.Time   `json:"last_probe_at,omitempty"`
	CreatedAt    time.Time   `json:"created_at,omitempty"`
	UpdatedAt    time.Time   `json:"updated_at,omitempty"`
}

// SystemScope reports whether the record has no owning tenant.
func (r *AgentRecord) SystemScope() bool {
	return r.OwnerTenant == ""
}

// HasCapability reports whether the record advertises the capability tag.
func (r *AgentRecord) HasCapability(tag string) bool {
	for _, c := range r.Capabilities {
		if c == tag {
			return true
		}
	}
	return false
}

// HealthResponse is the body an agent returns from GET /health.
type HealthResponse struct {
	AgentID      string    `json:"agent_id"`
	Version      string    `json:"version"`
	Capabilities []string  `json:"capabilities"`
	Ready        bool      `json:"ready"`
	AgentType    AgentType `json:"agent_type"`
}
