package domain

// Payloads of the named events an agent streams back from /invoke.

// DeltaEventData carries a chunk of the agent's answer.
type DeltaEventData struct {
	Text        string `json:"text"`
	ExecutionID string `json:"execution_id,omitempty"`
}

// StepEventData reports intermediate agent work. Each one is progress
// evidence for the supervisor.
type StepEventData struct {
	Detail string `json:"detail"`
}

// DoneEventData ends a successful run.
type DoneEventData struct {
	FinalMessage string     `json:"final_message,omitempty"`
	Usage        *UsageData `json:"usage,omitempty"`
}

// ErrorEventData ends a failed run. Retryable marks failures the
// supervisor may retry.
type ErrorEventData struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable,omitempty"`
}

// UsageData is what an agent reports having consumed.
type UsageData struct {
	PromptTokens     int `json:"prompt_tokens,omitempty"`
	CompletionTokens int `json:"completion_tokens,omitempty"`
	TotalTokens      int `json:"total_tokens,omitempty"`
	DurationMs       int `json:"duration_ms,omitempty"`
}
