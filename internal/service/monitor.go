package service

import (
	"context"
	"time"

	"github.com/xiaot623/gogo/internal/domain"
)

const (
	sweepTimeout   = 2 * time.Second
	toolSweepBatch = 100
)

// RunMonitors runs the background sweeps until ctx is done: expired
// approvals and tool calls on every tick, retention on the slower sweep
// interval, and a registry replay so agents changed by other instances
// reach the local router.
func (s *Service) RunMonitors(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.MonitorInterval)
	defer ticker.Stop()
	retention := time.NewTicker(s.cfg.SweepInterval)
	defer retention.Stop()
	resync := time.NewTicker(s.cfg.RegistrySyncInterval)
	defer resync.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepInterrupts(ctx)
			s.adoptApprovals(ctx)
			s.sweepToolCallTimeouts(ctx)
		case <-retention.C:
			if n := s.execs.SweepExpired(); n > 0 {
				s.logger.Info("evicted finished executions", "count", n)
			}
		case <-resync.C:
			if err := s.agents.Sync(ctx); err != nil {
				s.logger.Warn("registry sync failed", "error", err)
			}
		}
	}
}

// adoptApprovals pauses local executions whose approvals were requested
// through another instance.
func (s *Service) adoptApprovals(ctx context.Context) {
	sweepCtx, cancel := context.WithTimeout(ctx, sweepTimeout)
	defer cancel()
	if err := s.interrupts.Adopt(sweepCtx, s.cfg.InstanceID); err != nil {
		s.logger.Warn("approval adoption failed", "error", err)
	}
}

// sweepInterrupts expires approvals nobody is waiting on in this process,
// for instance after their owner died. Waiters observe the new status.
func (s *Service) sweepInterrupts(ctx context.Context) {
	sweepCtx, cancel := context.WithTimeout(ctx, sweepTimeout)
	defer cancel()

	expired, err := s.interrupts.SweepExpired(sweepCtx)
	if err != nil {
		s.logger.Warn("interrupt sweep failed", "error", err)
		return
	}
	for _, it := range expired {
		if s.execs.IsLocal(it.ExecutionID) {
			continue
		}
		// No local waiter: close the tool call here.
		tc, err := s.store.GetToolCall(sweepCtx, it.ToolInvocationID)
		if err != nil || tc == nil {
			continue
		}
		s.Emit(sweepCtx, it.ExecutionID, domain.EventTypeInterruptResolved, interruptPayload(&it))
		s.completeToolCall(sweepCtx, tc, domain.ToolCallStatusTimeout, nil,
			domain.ToolError{Code: "approval_timeout", Message: "approval deadline passed"}.Raw())
	}
}

func (s *Service) sweepToolCallTimeouts(ctx context.Context) {
	sweepCtx, cancel := context.WithTimeout(ctx, sweepTimeout)
	defer cancel()

	expired, err := s.store.ListExpiredToolCalls(sweepCtx, s.now(), toolSweepBatch)
	if err != nil {
		s.logger.Warn("tool timeout sweep failed", "error", err)
		return
	}
	for i := range expired {
		tc := &expired[i]
		errData := domain.ToolError{Code: "timeout", Message: "tool call timed out"}.Raw()
		updated, err := s.store.UpdateToolCallResult(sweepCtx, tc.ToolCallID, domain.ToolCallStatusTimeout, nil, errData)
		if err != nil {
			s.logger.Warn("failed to mark tool call timeout", "tool_call_id", tc.ToolCallID, "error", err)
			continue
		}
		if !updated {
			continue
		}
		now := s.now()
		tc.Status = domain.ToolCallStatusTimeout
		tc.Error = errData
		tc.CompletedAt = &now
		s.finishToolCall(sweepCtx, tc)
		s.logger.Info("tool call timed out", "tool_call_id", tc.ToolCallID, "tool", tc.ToolName, "timeout_ms", tc.TimeoutMs)
	}
}
