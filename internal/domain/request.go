package domain

import "encoding/json"

// StartExecutionRequest is the entry point for a user request.
type StartExecutionRequest struct {
	Input           string            `json:"input"`
	AgentID         string            `json:"agent_id,omitempty"`
	ForceSupervised bool              `json:"force_supervised,omitempty"`
	UserID          string            `json:"user_id,omitempty"`
	RequestID       string            `json:"request_id,omitempty"`
	TimeoutMs       int64             `json:"timeout_ms,omitempty"`
	Context         map[string]string `json:"context,omitempty"`
}

// StartExecutionResponse identifies the created execution.
type StartExecutionResponse struct {
	ExecutionID string `json:"execution_id"`
	ThreadID    string `json:"thread_id"`
	Mode        Mode   `json:"mode"`
	AgentID     string `json:"agent_id"`
}

// ResolveInterruptRequest carries a human decision.
type ResolveInterruptRequest struct {
	Decision         Decision        `json:"decision"`
	AmendedArguments json.RawMessage `json:"amended_arguments,omitempty"`
	Reason           string          `json:"reason,omitempty"`
	DecidedBy        string          `json:"decided_by,omitempty"`
}

// DelegateRequest is sent by an agent that wants to hand off work.
type DelegateRequest struct {
	CorrelationID     string            `json:"correlation_id"`
	SourceExecutionID string            `json:"source_execution_id"`
	TargetAgentID     string            `json:"target_agent_id"`
	Task              string            `json:"task"`
	Context           map[string]string `json:"context,omitempty"`
	Priority          string            `json:"priority,omitempty"`
	History           []Message         `json:"history,omitempty"`
	Wait              bool              `json:"wait,omitempty"`
}

// DelegateResponse identifies the child execution.
type DelegateResponse struct {
	ExecutionID string         `json:"execution_id"`
	State       ExecutionState `json:"state"`
	Result      string         `json:"result,omitempty"`
	Reason      string         `json:"reason,omitempty"`
}

// AgentInvokeRequest is the request sent to an external agent.
type AgentInvokeRequest struct {
	AgentID     string            `json:"agent_id"`
	ExecutionID string            `json:"execution_id"`
	ThreadID    string            `json:"thread_id"`
	Input       string            `json:"input"`
	Messages    []Message         `json:"messages,omitempty"`
	Context     map[string]string `json:"context,omitempty"`
	// CallbackURL is where the agent invokes tools and delegates.
	CallbackURL string `json:"callback_url,omitempty"`
}

// ToolInvokeRequest represents the request to invoke a tool.
type ToolInvokeRequest struct {
	ExecutionID    string          `json:"execution_id"`
	Args           json.RawMessage `json:"args"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	TimeoutMs      int             `json:"timeout_ms,omitempty"`
}

// ToolInvokeResponse represents the response from invoking a tool.
type ToolInvokeResponse struct {
	Status      string          `json:"status"` // succeeded, pending, failed
	ToolCallID  string          `json:"tool_call_id"`
	InterruptID string          `json:"interrupt_id,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Reason      string          `json:"reason,omitempty"`
	Error       *ToolError      `json:"error,omitempty"`
}

// ToolBatchItem is one entry of a batched tool invocation.
type ToolBatchItem struct {
	ToolName       string          `json:"tool_name"`
	Args           json.RawMessage `json:"args"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
}

// ToolBatchRequest fans out independent tool calls within one step.
type ToolBatchRequest struct {
	ExecutionID string          `json:"execution_id"`
	Calls       []ToolBatchItem `json:"calls"`
}

// ToolCallResultRequest represents a request to submit a tool call result.
type ToolCallResultRequest struct {
	Status string          `json:"status"` // SUCCEEDED or FAILED
	Result json.RawMessage `json:"result,omitempty"`
	Error  json.RawMessage `json:"error,omitempty"`
}

// ToolCallResultResponse represents the response after submitting a tool call result.
type ToolCallResultResponse struct {
	ToolCallID  string          `json:"tool_call_id"`
	Status      ToolCallStatus  `json:"status"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       json.RawMessage `json:"error,omitempty"`
	CompletedAt int64           `json:"completed_at"`
}
