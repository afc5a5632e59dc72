package domain

import (
	"encoding/json"
	"time"
)

// Tool represents a registered tool.
type Tool struct {
	Name string   `json:"name" yaml:"name"`
	Kind ToolKind `json:"kind" yaml:"kind"` // server or client
	// Category selects the timeout bucket and policy class.
	Category string `json:"category,omitempty" yaml:"category"`
	// Sensitive tools always pass through a human approval gate.
	Sensitive bool            `json:"sensitive" yaml:"sensitive"`
	Schema    json.RawMessage `json:"schema,omitempty" yaml:"-"`
	ClientID  string          `json:"client_id,omitempty" yaml:"client_id"`
	TimeoutMs int             `json:"timeout_ms" yaml:"timeout_ms"`
}

// ToolCall represents a tool execution record.
type ToolCall struct {
	ToolCallID     string          `json:"tool_call_id"`
	ExecutionID    string          `json:"execution_id"`
	ToolName       string          `json:"tool_name"`
	Kind           ToolKind        `json:"kind"`
	Status         ToolCallStatus  `json:"status"`
	Args           json.RawMessage `json:"args"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          json.RawMessage `json:"error,omitempty"`
	InterruptID    string          `json:"interrupt_id,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	TimeoutMs      int             `json:"timeout_ms"`
	CreatedAt      time.Time       `json:"created_at"`
	DeadlineAt     *time.Time      `json:"deadline_at,omitempty"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
}

// ToolError represents a tool error.
type ToolError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Raw marshals the error into the stored JSON form.
func (e ToolError) Raw() json.RawMessage {
	b, _ := json.Marshal(e)
	return b
}
