// Package domain defines the core domain models for the orchestrator.
package domain

// ExecutionState represents the lifecycle state of an execution.
type ExecutionState string

const (
	ExecutionQueued      ExecutionState = "queued"
	ExecutionRunning     ExecutionState = "running"
	ExecutionInterrupted ExecutionState = "interrupted"
	ExecutionCompleted   ExecutionState = "completed"
	ExecutionFailed      ExecutionState = "failed"
	ExecutionTimedOut    ExecutionState = "timed_out"
	ExecutionCancelled   ExecutionState = "cancelled"
)

// Terminal reports whether no further transition is allowed.
// Interrupted is a paused state and resumes to running.
func (s ExecutionState) Terminal() bool {
	switch s {
	case ExecutionCompleted, ExecutionFailed, ExecutionTimedOut, ExecutionCancelled:
		return true
	}
	return false
}

// Mode is the conversation mode an execution runs under.
type Mode string

const (
	ModeDirect     Mode = "direct"
	ModeSupervised Mode = "supervised"
)

// InterruptStatus represents the status of a human approval gate.
type InterruptStatus string

const (
	InterruptPending  InterruptStatus = "pending"
	InterruptApproved InterruptStatus = "approved"
	InterruptRejected InterruptStatus = "rejected"
	InterruptTimedOut InterruptStatus = "timed_out"
)

// Terminal reports whether the interrupt has left pending.
func (s InterruptStatus) Terminal() bool {
	return s == InterruptApproved || s == InterruptRejected || s == InterruptTimedOut
}

// Decision is a human verdict on an interrupt.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

// StepType classifies entries in an execution's step log.
type StepType string

const (
	StepRouting          StepType = "routing"
	StepAgentInvoke      StepType = "agent_invoke"
	StepAgentStep        StepType = "agent_step"
	StepToolCall         StepType = "tool_call"
	StepToolResult       StepType = "tool_result"
	StepInterrupt        StepType = "interrupt"
	StepDelegation       StepType = "delegation"
	StepDelegationResult StepType = "delegation_result"
	StepSynthesis        StepType = "synthesis"
	StepWarning          StepType = "warning"
	StepRetry            StepType = "retry"
)

// CountsAsProgress reports whether appending this step is liveness evidence.
func (t StepType) CountsAsProgress() bool {
	return t != StepWarning && t != StepRetry
}

// EventType represents the type of an event.
type EventType string

const (
	EventTypeExecutionCreated   EventType = "execution_created"
	EventTypeExecutionStarted   EventType = "execution_started"
	EventTypeExecutionCompleted EventType = "execution_completed"
	EventTypeExecutionFailed    EventType = "execution_failed"
	EventTypeExecutionTimedOut  EventType = "execution_timed_out"
	EventTypeExecutionCancelled EventType = "execution_cancelled"
	EventTypeExecutionRetried   EventType = "execution_retried"
	EventTypeExecutionPaused    EventType = "execution_paused"
	EventTypeExecutionResumed   EventType = "execution_resumed"
	EventTypeStep               EventType = "step"
	EventTypeWarning            EventType = "warning"
	EventTypeRoutingDecision    EventType = "routing_decision"
	EventTypeAgentStreamDelta   EventType = "agent_stream_delta"
	EventTypeDelegationStarted  EventType = "delegation_started"
	EventTypeDelegationResult   EventType = "delegation_result"

	// Tool events
	EventTypePolicyDecision     EventType = "policy_decision"
	EventTypeToolRequest        EventType = "tool_request" // For client tools
	EventTypeToolResult         EventType = "tool_result"
	EventTypeInterruptRequested EventType = "interrupt_requested"
	EventTypeInterruptResolved  EventType = "interrupt_resolved"
)

// ActionKind is the arbitration outcome.
type ActionKind string

const (
	ActionRespondDirectly ActionKind = "respond_directly"
	ActionDelegate        ActionKind = "delegate"
)

// ToolKind represents the kind of a tool.
type ToolKind string

const (
	ToolKindServer ToolKind = "server"
	ToolKindClient ToolKind = "client"
)

// ToolCallStatus represents the status of a tool call.
type ToolCallStatus string

const (
	ToolCallStatusCreated         ToolCallStatus = "CREATED"
	ToolCallStatusBlocked         ToolCallStatus = "BLOCKED"
	ToolCallStatusWaitingApproval ToolCallStatus = "WAITING_APPROVAL"
	ToolCallStatusRejected        ToolCallStatus = "REJECTED"
	ToolCallStatusDispatched      ToolCallStatus = "DISPATCHED"
	ToolCallStatusRunning         ToolCallStatus = "RUNNING"
	ToolCallStatusSucceeded       ToolCallStatus = "SUCCEEDED"
	ToolCallStatusFailed          ToolCallStatus = "FAILED"
	ToolCallStatusTimeout         ToolCallStatus = "TIMEOUT"
)

// Terminal reports whether the tool call has finished.
func (s ToolCallStatus) Terminal() bool {
	switch s {
	case ToolCallStatusSucceeded, ToolCallStatusFailed, ToolCallStatusTimeout, ToolCallStatusBlocked, ToolCallStatusRejected:
		return true
	}
	return false
}
