package domain

import (
	"encoding/json"
	"time"
)

// Event is one entry in an execution's ordered event stream.
type Event struct {
	EventID     string          `json:"event_id"`
	ExecutionID string          `json:"execution_id"`
	Seq         int64           `json:"seq"`
	Ts          int64           `json:"ts"` // Unix milliseconds
	Type        EventType       `json:"type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// ExecutionStatusPayload accompanies lifecycle events.
type ExecutionStatusPayload struct {
	State   ExecutionState `json:"state"`
	AgentID string         `json:"agent_id,omitempty"`
	Reason  string         `json:"reason,omitempty"`
	Retried bool           `json:"retried,omitempty"`
	Result  string         `json:"result,omitempty"`
}

// RetryPayload links a timed out execution to its retry.
type RetryPayload struct {
	RetryOfExecutionID string `json:"retry_of_execution_id"`
	RetryExecutionID   string `json:"retry_execution_id"`
}

// WarningPayload reports budget consumption.
type WarningPayload struct {
	ElapsedMs int64   `json:"elapsed_ms"`
	BudgetMs  int64   `json:"budget_ms"`
	Ratio     float64 `json:"ratio"`
	Message   string  `json:"message"`
}

// DelegationPayload accompanies delegation events on the source stream.
type DelegationPayload struct {
	CorrelationID    string         `json:"correlation_id"`
	ChildExecutionID string         `json:"child_execution_id"`
	TargetAgentID    string         `json:"target_agent_id"`
	State            ExecutionState `json:"state,omitempty"`
	Result           string         `json:"result,omitempty"`
	Reason           string         `json:"reason,omitempty"`
}

// InterruptPayload accompanies interrupt events.
type InterruptPayload struct {
	InterruptID string          `json:"interrupt_id"`
	ToolCallID  string          `json:"tool_call_id"`
	ToolName    string          `json:"tool_name,omitempty"`
	Status      InterruptStatus `json:"status"`
	Args        json.RawMessage `json:"args,omitempty"`
	ExpiresAt   int64           `json:"expires_at,omitempty"`
	Reason      string          `json:"reason,omitempty"`
}

// PolicyDecisionPayload reports the policy outcome for a tool call.
type PolicyDecisionPayload struct {
	ToolCallID string `json:"tool_call_id"`
	Decision   string `json:"decision"`
	Reason     string `json:"reason,omitempty"`
}

// ToolRequestPayload asks a client to run a client-side tool.
type ToolRequestPayload struct {
	ToolCallID string          `json:"tool_call_id"`
	ToolName   string          `json:"tool_name"`
	Args       json.RawMessage `json:"args"`
	DeadlineTs int64           `json:"deadline_ts"`
}

// ToolResultPayload reports a tool call outcome.
type ToolResultPayload struct {
	ToolCallID string          `json:"tool_call_id"`
	Status     ToolCallStatus  `json:"status"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      json.RawMessage `json:"error,omitempty"`
}

// DeltaPayload carries streamed agent text.
type DeltaPayload struct {
	AgentID string `json:"agent_id"`
	Text    string `json:"text"`
}

// NewEvent builds an event with a marshaled payload.
func NewEvent(id, executionID string, t EventType, payload any, now time.Time) (*Event, error) {
	var raw json.RawMessage
	if payload != nil {
		switch p := payload.(type) {
		case json.RawMessage:
			raw = p
		default:
			b, err := json.Marshal(payload)
			if err != nil {
				return nil, err
			}
			raw = b
		}
	}
	return &Event{
		EventID:     id,
		ExecutionID: executionID,
		Ts:          now.UnixMilli(),
		Type:        t,
		Payload:     raw,
	}, nil
}
