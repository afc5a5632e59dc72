package domain

import "time"

// AgentDefinition describes a registered agent or sub-agent.
type AgentDefinition struct {
	ID          string `json:"id" yaml:"id"`
	DisplayName string `json:"display_name" yaml:"display_name"`
	Description string `json:"description,omitempty" yaml:"description"`
	// UserID scopes custom agents; empty means the shared catalog.
	UserID        string   `json:"user_id,omitempty" yaml:"user_id"`
	Endpoint      string   `json:"endpoint" yaml:"endpoint"`
	Capabilities  []string `json:"capabilities" yaml:"capabilities"`
	Category      string   `json:"category" yaml:"category"`
	Keywords      []string `json:"keywords,omitempty" yaml:"keywords"`
	IsSubAgent    bool     `json:"is_sub_agent" yaml:"is_sub_agent"`
	ParentAgentID string   `json:"parent_agent_id,omitempty" yaml:"parent_agent_id"`
	// DelegationCapabilityName is unique among active agents of one user scope.
	DelegationCapabilityName string `json:"delegation_capability_name" yaml:"delegation_capability_name"`
	// TimeoutMs is the agent-level default budget; zero defers to config.
	TimeoutMs int64     `json:"timeout_ms,omitempty" yaml:"timeout_ms"`
	Active    bool      `json:"active" yaml:"-"`
	CreatedAt time.Time `json:"created_at" yaml:"-"`
	UpdatedAt time.Time `json:"updated_at" yaml:"-"`
}

// DelegationCapability is what a supervising agent sees as a handoff target.
type DelegationCapability struct {
	Name          string   `json:"name"`
	AgentID       string   `json:"agent_id"`
	DisplayName   string   `json:"display_name"`
	Description   string   `json:"description,omitempty"`
	Category      string   `json:"category"`
	IsSubAgent    bool     `json:"is_sub_agent"`
	ParentAgentID string   `json:"parent_agent_id,omitempty"`
	Tools         []string `json:"tools,omitempty"`
}

// Capability projects the definition into its delegation capability.
func (a AgentDefinition) Capability() DelegationCapability {
	return DelegationCapability{
		Name:          a.DelegationCapabilityName,
		AgentID:       a.ID,
		DisplayName:   a.DisplayName,
		Description:   a.Description,
		Category:      a.Category,
		IsSubAgent:    a.IsSubAgent,
		ParentAgentID: a.ParentAgentID,
		Tools:         a.Capabilities,
	}
}
