package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/xiaot623/gogo/internal/domain"
	"github.com/xiaot623/gogo/internal/execution"
	"github.com/xiaot623/gogo/internal/supervisor"
)

// runMeta is request context that is not part of the execution record.
type runMeta struct {
	UserID           string
	SuggestedAgentID string
	Context          map[string]string
}

var errCancelled = errors.New("execution cancelled")

// StartExecution resolves the conversation mode, creates the execution and
// starts it in the background. A repeated request id returns the execution
// created for it the first time.
func (s *Service) StartExecution(ctx context.Context, req domain.StartExecutionRequest) (*domain.StartExecutionResponse, error) {
	req.Input = strings.TrimSpace(req.Input)
	if req.Input == "" {
		return nil, domain.NewConfigurationError("input is required")
	}
	if req.TimeoutMs < 0 {
		return nil, domain.NewConfigurationError("timeout_ms must not be negative")
	}
	if req.RequestID == "" {
		return s.startExecution(ctx, req)
	}

	v, err, _ := s.starts.Do(req.RequestID, func() (any, error) {
		existing, err := s.execs.FindByKey(ctx, req.RequestID)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			s.logger.Info("start replayed", "request_id", req.RequestID, "execution_id", existing.ID)
			return startResponse(existing), nil
		}
		return s.startExecution(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	return v.(*domain.StartExecutionResponse), nil
}

func (s *Service) startExecution(ctx context.Context, req domain.StartExecutionRequest) (*domain.StartExecutionResponse, error) {
	res := s.modes.Resolve(req.AgentID, req.ForceSupervised)

	var agent *domain.AgentDefinition
	if res.Mode == domain.ModeDirect {
		var err error
		if agent, err = s.agents.Resolve(ctx, res.AgentID); err != nil {
			return nil, err
		}
	}
	if _, err := s.requestHierarchy(time.Duration(req.TimeoutMs)*time.Millisecond, agent); err != nil {
		return nil, err
	}

	history, err := s.store.GetThreadMessages(ctx, res.ThreadID, historyLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to load thread history: %w", err)
	}

	exec, err := s.execs.Create(ctx, execution.CreateOptions{
		AgentID:        res.AgentID,
		ThreadID:       res.ThreadID,
		Mode:           res.Mode,
		IdempotencyKey: req.RequestID,
		Input:          req.Input,
		History:        history,
		TimeoutMs:      req.TimeoutMs,
	})
	if err != nil {
		return nil, err
	}

	meta := runMeta{UserID: req.UserID, Context: req.Context}
	if res.Mode == domain.ModeSupervised && req.AgentID != s.cfg.SupervisorID {
		meta.SuggestedAgentID = req.AgentID
	}
	s.meta.Store(exec.ID, meta)

	s.saveMessage(ctx, exec, domain.Message{Role: "user", Content: req.Input})
	s.Emit(ctx, exec.ID, domain.EventTypeExecutionCreated, domain.ExecutionStatusPayload{State: exec.State, AgentID: exec.AgentID})
	s.logger.Info("execution created",
		"execution_id", exec.ID,
		"mode", exec.Mode,
		"agent_id", exec.AgentID,
		"thread_id", exec.ThreadID,
	)

	s.launch(exec, agent)
	return startResponse(exec), nil
}

func startResponse(exec *domain.Execution) *domain.StartExecutionResponse {
	return &domain.StartExecutionResponse{
		ExecutionID: exec.ID,
		ThreadID:    exec.ThreadID,
		Mode:        exec.Mode,
		AgentID:     exec.AgentID,
	}
}

// GetExecutionStatus returns the execution record.
func (s *Service) GetExecutionStatus(ctx context.Context, id string) (*domain.Execution, error) {
	return s.execs.Get(ctx, id)
}

// CancelExecution cancels an execution, its delegated children and its
// pending interrupts. The whole retry chain is covered: a timed out
// execution forwards the cancel to its retry, and children of every attempt
// are cancelled even when the attempt itself is already terminal.
func (s *Service) CancelExecution(ctx context.Context, id, reason string) (*domain.Execution, error) {
	exec, err := s.execs.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if reason == "" {
		reason = "cancelled by request"
	}
	if exec.State.Terminal() {
		s.cancelChildren(ctx, id)
		if exec.State == domain.ExecutionTimedOut && exec.RetryExecutionID != "" {
			return s.CancelExecution(ctx, exec.RetryExecutionID, reason)
		}
		return exec, nil
	}
	if !s.execs.IsLocal(id) {
		return nil, fmt.Errorf("execution %s is owned by %s: %w", id, exec.Owner, domain.ErrInvalidTransition)
	}

	s.cancelChildren(ctx, id)

	// Waiters publish the rejections.
	if _, err := s.interrupts.CancelForExecution(ctx, id, reason); err != nil {
		s.logger.Warn("failed to reject pending interrupts", "execution_id", id, "error", err)
	}

	cancelled, err := s.execs.Transition(ctx, id, domain.ExecutionCancelled, execution.WithReason(reason))
	if err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) {
			return s.execs.Get(ctx, id)
		}
		return nil, err
	}
	s.execs.Signal(id, errCancelled)
	s.Emit(ctx, id, domain.EventTypeExecutionCancelled, domain.ExecutionStatusPayload{
		State:   cancelled.State,
		AgentID: cancelled.AgentID,
		Reason:  cancelled.Reason,
	})
	s.logger.Info("execution cancelled", "execution_id", id, "reason", reason)
	return cancelled, nil
}

func (s *Service) cancelChildren(ctx context.Context, id string) {
	for _, child := range s.execs.Children(id) {
		if _, err := s.CancelExecution(ctx, child, "parent execution cancelled"); err != nil {
			s.logger.Warn("failed to cancel child execution", "execution_id", id, "child_execution_id", child, "error", err)
		}
	}
}

// Launch implements delegation.Launcher for child executions.
func (s *Service) Launch(ctx context.Context, child *domain.Execution) {
	agent, err := s.agents.Resolve(ctx, child.AgentID)
	if err != nil {
		s.failUnstarted(ctx, child, err)
		return
	}
	s.launch(child, agent)
}

func (s *Service) launch(exec *domain.Execution, agent *domain.AgentDefinition) {
	ctx := context.Background()
	h, err := s.hierarchyFor(ctx, exec, agent)
	if err != nil {
		s.failUnstarted(ctx, exec, err)
		return
	}
	budget := budgetFor(exec, h)
	runner := s.runnerFor(exec, agent, h)
	s.goBackground(func(ctx context.Context) {
		final, err := s.super.Run(ctx, exec.ID, budget, runner)
		if err != nil {
			s.logger.Error("execution run failed", "execution_id", exec.ID, "error", err)
			return
		}
		s.meta.Delete(exec.ID)
		if final != nil {
			s.meta.Delete(final.ID)
			s.logger.Info("execution finished",
				"execution_id", final.ID,
				"state", final.State,
				"retried", final.Retried,
			)
		}
	})
}

// hierarchyFor derives the timeout hierarchy of the request exec belongs
// to. The base is resolved once, from the root execution's override and,
// for direct requests, the root agent, so every level of one request nests.
func (s *Service) hierarchyFor(ctx context.Context, exec *domain.Execution, agent *domain.AgentDefinition) (supervisor.Hierarchy, error) {
	root := exec
	for root.ParentExecutionID != "" {
		parent, err := s.execs.Get(ctx, root.ParentExecutionID)
		if err != nil {
			return supervisor.Hierarchy{}, fmt.Errorf("failed to load parent of %s: %w", root.ID, err)
		}
		root = parent
	}
	var rootAgent *domain.AgentDefinition
	if root.Mode == domain.ModeDirect {
		if root.ID == exec.ID {
			rootAgent = agent
		} else if a, err := s.agents.Get(ctx, root.AgentID); err == nil {
			rootAgent = a
		}
	}
	return s.requestHierarchy(time.Duration(root.TimeoutMs)*time.Millisecond, rootAgent)
}

func (s *Service) requestHierarchy(override time.Duration, agent *domain.AgentDefinition) (supervisor.Hierarchy, error) {
	t := s.cfg.Timeouts
	h := t.Hierarchy(t.Resolve(override, agent))
	if err := h.Validate(); err != nil {
		return h, domain.NewConfigurationError("invalid timeout hierarchy: %v", err)
	}
	return h, nil
}

// budgetFor picks the level of h that governs exec. A root execution is the
// whole task, whatever its mode; a delegated child gets the delegation level.
// The agent level is the resolved base both derive from, and the engine
// level bounds each reasoning call.
func budgetFor(exec *domain.Execution, h supervisor.Hierarchy) time.Duration {
	if exec.ParentExecutionID != "" {
		return h.Delegation
	}
	return h.Task
}

func (s *Service) failUnstarted(ctx context.Context, exec *domain.Execution, cause error) {
	failed, err := s.execs.Transition(ctx, exec.ID, domain.ExecutionFailed, execution.WithReason(cause.Error()))
	if err != nil {
		s.logger.Warn("failed to fail execution", "execution_id", exec.ID, "error", err)
		return
	}
	s.Emit(ctx, exec.ID, domain.EventTypeExecutionFailed, domain.ExecutionStatusPayload{
		State:   failed.State,
		AgentID: failed.AgentID,
		Reason:  failed.Reason,
	})
}

// metaFor finds the request context of exec, its original or its parent.
func (s *Service) metaFor(exec *domain.Execution) runMeta {
	for _, id := range []string{exec.ID, exec.RetryOfExecutionID, exec.ParentExecutionID} {
		if id == "" {
			continue
		}
		if v, ok := s.meta.Load(id); ok {
			return v.(runMeta)
		}
	}
	return runMeta{}
}

// saveMessage appends msg to the thread history in the store.
func (s *Service) saveMessage(ctx context.Context, exec *domain.Execution, msg domain.Message) {
	msg.MessageID = "msg_" + uuid.New().String()[:8]
	msg.ThreadID = exec.ThreadID
	msg.ExecutionID = exec.ID
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.now()
	}
	if err := s.store.CreateMessage(context.WithoutCancel(ctx), &msg); err != nil {
		s.logger.Warn("failed to save message", "execution_id", exec.ID, "thread_id", exec.ThreadID, "error", err)
	}
}
