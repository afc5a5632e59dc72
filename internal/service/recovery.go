package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xiaot623/gogo/internal/domain"
)

// Recover reloads the unfinished executions this instance owned before a
// restart. Interrupted executions resume: pending approvals are waited on
// again and the agent is re-invoked with the tool outcomes in its history.
// Supervised executions waiting on such a child are resumed too. Everything
// else was cut off mid-flight and fails as orphaned.
func (s *Service) Recover(ctx context.Context) error {
	pending, err := s.store.ListExecutionsByOwner(ctx, s.cfg.InstanceID, []domain.ExecutionState{
		domain.ExecutionQueued,
		domain.ExecutionRunning,
		domain.ExecutionInterrupted,
	})
	if err != nil {
		return fmt.Errorf("failed to list executions to recover: %w", err)
	}
	if len(pending) == 0 {
		return nil
	}

	byID := make(map[string]*domain.Execution, len(pending))
	for i := range pending {
		byID[pending[i].ID] = s.execs.Restore(&pending[i])
	}
	resumable := make(map[string]bool)
	for id, exec := range byID {
		if exec.State != domain.ExecutionInterrupted {
			continue
		}
		resumable[id] = true
		for p := exec.ParentExecutionID; p != ""; {
			parent, ok := byID[p]
			if !ok || parent.Mode != domain.ModeSupervised || parent.AgentID != s.cfg.SupervisorID {
				break
			}
			resumable[p] = true
			p = parent.ParentExecutionID
		}
	}

	var resumed, orphaned int
	for id, exec := range byID {
		if !resumable[id] {
			s.failUnstarted(ctx, exec, fmt.Errorf("orphaned"))
			orphaned++
			continue
		}
		if err := s.resume(ctx, exec); err != nil {
			s.logger.Error("failed to resume execution", "execution_id", id, "error", err)
			s.failUnstarted(ctx, exec, err)
			continue
		}
		resumed++
	}
	s.logger.Info("recovered executions", "resumed", resumed, "orphaned", orphaned)
	return nil
}

func (s *Service) resume(ctx context.Context, exec *domain.Execution) error {
	var agent *domain.AgentDefinition
	if exec.AgentID != s.cfg.SupervisorID {
		var err error
		if agent, err = s.agents.Resolve(ctx, exec.AgentID); err != nil {
			return err
		}
	}
	if exec.State != domain.ExecutionInterrupted {
		s.launch(exec, agent)
		return nil
	}

	waits, err := s.rearmApprovals(ctx, exec)
	if err != nil {
		return err
	}
	s.goBackground(func(ctx context.Context) {
		for _, done := range waits {
			<-done
		}
		current, err := s.execs.Get(ctx, exec.ID)
		if err != nil || current.State.Terminal() {
			return
		}
		note := s.resumeNote(ctx, current)
		if err := s.execs.AddMessage(ctx, exec.ID, domain.Message{Role: "system", Kind: "resumed", Content: note}); err != nil {
			s.logger.Warn("failed to record resume note", "execution_id", exec.ID, "error", err)
		}
		s.Emit(ctx, exec.ID, domain.EventTypeExecutionResumed, domain.ExecutionStatusPayload{State: current.State, AgentID: current.AgentID, Reason: "recovered"})
		if current.State == domain.ExecutionInterrupted {
			if _, err := s.execs.Transition(ctx, exec.ID, domain.ExecutionRunning); err != nil {
				s.logger.Warn("failed to resume execution", "execution_id", exec.ID, "error", err)
			}
		}
		refreshed, err := s.execs.Get(ctx, exec.ID)
		if err != nil {
			return
		}
		s.launch(refreshed, agent)
	})
	return nil
}

// rearmApprovals restarts a waiter for every approval still pending on
// exec. The returned channels close when each tool call is settled.
func (s *Service) rearmApprovals(ctx context.Context, exec *domain.Execution) ([]<-chan struct{}, error) {
	pending, err := s.store.ListPendingInterrupts(ctx, exec.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending interrupts: %w", err)
	}
	var waits []<-chan struct{}
	for _, it := range pending {
		tc, err := s.store.GetToolCall(ctx, it.ToolInvocationID)
		if err != nil || tc == nil {
			continue
		}
		tool, err := s.store.GetTool(ctx, tc.ToolName)
		if err != nil || tool == nil {
			continue
		}
		// The pause taken when the approval was requested died with the
		// old process.
		if err := s.interrupts.Hold(ctx, &it); err != nil {
			return nil, err
		}
		done := make(chan struct{})
		s.goBackground(func(ctx context.Context) {
			defer close(done)
			s.settleApproval(ctx, tc, tool, it.ID)
		})
		waits = append(waits, done)
	}
	return waits, nil
}

// resumeNote summarizes the tool calls recorded on exec so the agent can
// continue where it stopped.
func (s *Service) resumeNote(ctx context.Context, exec *domain.Execution) string {
	var b strings.Builder
	b.WriteString("Execution resumed after a restart.")
	for _, step := range exec.StepLog {
		if step.Type != domain.StepToolCall || len(step.Data) == 0 {
			continue
		}
		var ref struct {
			ToolCallID string `json:"tool_call_id"`
		}
		if err := json.Unmarshal(step.Data, &ref); err != nil || ref.ToolCallID == "" {
			continue
		}
		tc, err := s.store.GetToolCall(ctx, ref.ToolCallID)
		if err != nil || tc == nil {
			continue
		}
		fmt.Fprintf(&b, "\nTool call %s (%s): %s", tc.ToolCallID, tc.ToolName, tc.Status)
		if len(tc.Result) > 0 {
			fmt.Fprintf(&b, " result=%s", tc.Result)
		}
		if len(tc.Error) > 0 {
			fmt.Fprintf(&b, " error=%s", tc.Error)
		}
	}
	return b.String()
}
