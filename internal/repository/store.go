// Package store defines the storage interface and its SQLite implementation.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/xiaot623/gogo/internal/domain"
)

var (
	// ErrAgentExists is returned when an agent id is already registered.
	ErrAgentExists = errors.New("agent already exists")
	// ErrCapabilityNameTaken is returned when an active agent in the same
	// user scope already owns the delegation capability name.
	ErrCapabilityNameTaken = errors.New("delegation capability name taken")
)

// Store defines the interface for data persistence.
type Store interface {
	// Agent operations
	CreateAgent(ctx context.Context, agent *domain.AgentDefinition) error
	UpdateAgent(ctx context.Context, agent *domain.AgentDefinition) error
	GetAgent(ctx context.Context, agentID string) (*domain.AgentDefinition, error)
	ListAgents(ctx context.Context) ([]domain.AgentDefinition, error)
	ListAgentsInScope(ctx context.Context, userID string) ([]domain.AgentDefinition, error)
	CountActiveSubAgents(ctx context.Context, parentID string) (int, error)
	CountActiveCustomAgents(ctx context.Context, userID string) (int, error)
	DeactivateAgent(ctx context.Context, agentID string) ([]string, error)

	// Execution checkpoints
	SaveExecution(ctx context.Context, exec *domain.Execution) error
	GetExecution(ctx context.Context, executionID string) (*domain.Execution, error)
	GetExecutionByIdempotencyKey(ctx context.Context, key string) (*domain.Execution, error)
	ListExecutionsByOwner(ctx context.Context, owner string, states []domain.ExecutionState) ([]domain.Execution, error)

	// Delegation de-duplication
	ClaimDelegation(ctx context.Context, event *domain.DelegationEvent, executionID string, window time.Duration) (string, bool, error)
	ReleaseDelegation(ctx context.Context, correlationID, executionID string) error

	// Interrupt operations
	CreateInterrupt(ctx context.Context, it *domain.Interrupt) error
	GetInterrupt(ctx context.Context, interruptID string) (*domain.Interrupt, error)
	ResolveInterrupt(ctx context.Context, interruptID string, status domain.InterruptStatus, resolvedArgs []byte, decidedBy, reason string, at time.Time) (bool, error)
	ListPendingInterrupts(ctx context.Context, executionID string) ([]domain.Interrupt, error)
	ListExpiredInterrupts(ctx context.Context, now time.Time, limit int) ([]domain.Interrupt, error)
	ListPendingInterruptsByOwner(ctx context.Context, owner string) ([]domain.Interrupt, error)

	// Event operations
	CreateEvent(ctx context.Context, event *domain.Event) error
	GetEvents(ctx context.Context, executionID string, afterSeq int64, types []string, limit int) ([]domain.Event, error)

	// Thread history
	CreateMessage(ctx context.Context, message *domain.Message) error
	GetThreadMessages(ctx context.Context, threadID string, limit int) ([]domain.Message, error)

	// Tool operations
	CreateTool(ctx context.Context, tool *domain.Tool) error
	UpsertTool(ctx context.Context, tool *domain.Tool) error
	GetTool(ctx context.Context, toolName string) (*domain.Tool, error)
	ListTools(ctx context.Context) ([]domain.Tool, error)

	// ToolCall operations
	CreateToolCall(ctx context.Context, toolCall *domain.ToolCall) error
	GetToolCall(ctx context.Context, toolCallID string) (*domain.ToolCall, error)
	GetToolCallByIdempotencyKey(ctx context.Context, executionID, toolName, idempotencyKey string) (*domain.ToolCall, error)
	UpdateToolCallStatus(ctx context.Context, toolCallID string, status domain.ToolCallStatus, deadline *time.Time) (bool, error)
	UpdateToolCallResult(ctx context.Context, toolCallID string, status domain.ToolCallStatus, result []byte, errData []byte) (bool, error)
	UpdateToolCallInterrupt(ctx context.Context, toolCallID, interruptID string, status domain.ToolCallStatus) (bool, error)
	ListExpiredToolCalls(ctx context.Context, now time.Time, limit int) ([]domain.ToolCall, error)

	Close() error
}

var _ Store = (*SQLiteStore)(nil)
