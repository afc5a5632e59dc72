package domain

import (
	"encoding/json"
	"time"
)

// Interrupt is a durable pause point awaiting a human decision.
type Interrupt struct {
	ID                string          `json:"id"`
	ExecutionID       string          `json:"execution_id"`
	ToolInvocationID  string          `json:"tool_invocation_id"`
	ToolName          string          `json:"tool_name,omitempty"`
	Arguments         json.RawMessage `json:"arguments"`
	Status            InterruptStatus `json:"status"`
	CreatedAt         time.Time       `json:"created_at"`
	ExpiresAt         time.Time       `json:"expires_at"`
	ResolvedAt        *time.Time      `json:"resolved_at,omitempty"`
	ResolvedArguments json.RawMessage `json:"resolved_arguments,omitempty"`
	DecidedBy         string          `json:"decided_by,omitempty"`
	Reason            string          `json:"reason,omitempty"`
}

// EffectiveArguments returns the amended arguments when present.
func (i *Interrupt) EffectiveArguments() json.RawMessage {
	if len(i.ResolvedArguments) > 0 {
		return i.ResolvedArguments
	}
	return i.Arguments
}

// DelegationEvent is an immutable handoff request between agents.
type DelegationEvent struct {
	CorrelationID     string            `json:"correlation_id"`
	SourceExecutionID string            `json:"source_execution_id"`
	SourceAgentID     string            `json:"source_agent_id"`
	TargetAgentID     string            `json:"target_agent_id"`
	Task              string            `json:"task"`
	Context           map[string]string `json:"context,omitempty"`
	Priority          string            `json:"priority,omitempty"`
	History           []Message         `json:"conversation_history_snapshot,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
}
