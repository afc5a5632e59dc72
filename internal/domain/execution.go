package domain

import (
	"encoding/json"
	"time"
)

// Execution is one tracked unit of work for a single agent invocation.
type Execution struct {
	ID                 string         `json:"id"`
	ThreadID           string         `json:"thread_id"`
	AgentID            string         `json:"agent_id"`
	Mode               Mode           `json:"mode"`
	State              ExecutionState `json:"state"`
	ParentExecutionID  string         `json:"parent_execution_id,omitempty"`
	RetryOfExecutionID string         `json:"retry_of_execution_id,omitempty"`
	// RetryExecutionID points forward to the retry spawned after a timeout.
	RetryExecutionID string `json:"retry_execution_id,omitempty"`
	CorrelationID    string `json:"correlation_id,omitempty"`
	IdempotencyKey   string `json:"idempotency_key,omitempty"`
	Depth            int    `json:"depth"`

	Input   string    `json:"input"`
	History []Message `json:"history,omitempty"`
	Result  string    `json:"result,omitempty"`
	// Reason is human readable and set on every non-completed terminal state.
	Reason  string `json:"reason,omitempty"`
	Retried bool   `json:"retried"`

	CreatedAt   time.Time     `json:"created_at"`
	StartedAt   *time.Time    `json:"started_at,omitempty"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
	StepLog     []Step        `json:"step_log"`
	Usage       UsageCounters `json:"usage"`

	TimeoutMs int64  `json:"timeout_ms,omitempty"`
	Owner     string `json:"owner,omitempty"`
	Version   int64  `json:"version"`
}

// Step is one entry in an execution's ordered step log.
type Step struct {
	Seq    int             `json:"seq"`
	Type   StepType        `json:"type"`
	Ts     time.Time       `json:"ts"`
	Detail string          `json:"detail,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// UsageCounters accumulate work done by an execution. Growth in Steps or
// Messages is the liveness signal the supervisor watches.
type UsageCounters struct {
	Steps            int `json:"steps"`
	Messages         int `json:"messages"`
	ToolCalls        int `json:"tool_calls"`
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// Add sums two counters.
func (u UsageCounters) Add(o UsageCounters) UsageCounters {
	return UsageCounters{
		Steps:            u.Steps + o.Steps,
		Messages:         u.Messages + o.Messages,
		ToolCalls:        u.ToolCalls + o.ToolCalls,
		PromptTokens:     u.PromptTokens + o.PromptTokens,
		CompletionTokens: u.CompletionTokens + o.CompletionTokens,
	}
}

// Message is one entry in a thread's conversation history.
type Message struct {
	MessageID   string    `json:"message_id,omitempty"`
	ThreadID    string    `json:"thread_id,omitempty"`
	ExecutionID string    `json:"execution_id,omitempty"`
	Role        string    `json:"role"`
	Content     string    `json:"content"`
	AgentID     string    `json:"agent_id,omitempty"`
	Kind        string    `json:"kind,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Clone returns a deep copy safe to hand outside the owning registry.
func (e *Execution) Clone() *Execution {
	if e == nil {
		return nil
	}
	out := *e
	out.History = append([]Message(nil), e.History...)
	out.StepLog = make([]Step, len(e.StepLog))
	copy(out.StepLog, e.StepLog)
	if e.StartedAt != nil {
		t := *e.StartedAt
		out.StartedAt = &t
	}
	if e.CompletedAt != nil {
		t := *e.CompletedAt
		out.CompletedAt = &t
	}
	return &out
}
