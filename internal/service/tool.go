package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/xiaot623/gogo/internal/domain"
	"github.com/xiaot623/gogo/internal/policy"
	"golang.org/x/sync/errgroup"
)

const (
	defaultToolWait  = 30 * time.Second
	batchConcurrency = 8
)

// InvokeTool runs a tool on behalf of an execution. The policy decides
// whether the call runs, is refused, or waits for a human. Calls that do not
// finish immediately return status "pending"; callers wait with WaitToolCall.
func (s *Service) InvokeTool(ctx context.Context, toolName string, req domain.ToolInvokeRequest) (*domain.ToolInvokeResponse, error) {
	exec, err := s.execs.Get(ctx, req.ExecutionID)
	if err != nil {
		return nil, err
	}
	if exec.State.Terminal() {
		return nil, fmt.Errorf("execution %s is %s: %w", exec.ID, exec.State, domain.ErrInvalidTransition)
	}

	if req.IdempotencyKey != "" {
		existing, err := s.store.GetToolCallByIdempotencyKey(ctx, exec.ID, toolName, req.IdempotencyKey)
		if err != nil {
			return nil, fmt.Errorf("failed to get tool call: %w", err)
		}
		if existing != nil {
			return toolResponse(existing), nil
		}
	}

	tool, err := s.store.GetTool(ctx, toolName)
	if err != nil {
		return nil, fmt.Errorf("failed to get tool: %w", err)
	}
	if tool == nil {
		return nil, domain.NewConfigurationError("unknown tool %s", toolName)
	}

	args := req.Args
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	if !json.Valid(args) {
		return nil, domain.NewConfigurationError("tool arguments are not valid JSON")
	}
	var argsMap map[string]any
	if err := json.Unmarshal(args, &argsMap); err != nil {
		return nil, domain.NewConfigurationError("tool arguments must be a JSON object")
	}

	decision, err := s.policy.Evaluate(ctx, policy.Input{
		ToolName:    toolName,
		Args:        argsMap,
		Sensitive:   tool.Sensitive,
		Category:    tool.Category,
		AgentID:     exec.AgentID,
		ExecutionID: exec.ID,
	})
	if err != nil {
		return nil, fmt.Errorf("policy evaluation failed: %w", err)
	}

	now := s.now()
	tc := &domain.ToolCall{
		ToolCallID:     "tc_" + uuid.New().String(),
		ExecutionID:    exec.ID,
		ToolName:       toolName,
		Kind:           tool.Kind,
		Status:         domain.ToolCallStatusCreated,
		Args:           args,
		IdempotencyKey: req.IdempotencyKey,
		TimeoutMs:      s.toolTimeoutMs(req.TimeoutMs, tool),
		CreatedAt:      now,
	}
	switch decision.Action {
	case policy.Block:
		tc.Status = domain.ToolCallStatusBlocked
		tc.Error = domain.ToolError{Code: "blocked", Message: decision.Reason}.Raw()
		tc.CompletedAt = &now
	case policy.RequireApproval:
		tc.Status = domain.ToolCallStatusWaitingApproval
	}
	if err := s.store.CreateToolCall(ctx, tc); err != nil {
		return nil, fmt.Errorf("failed to create tool call: %w", err)
	}

	s.recordUsage(exec.ID, domain.UsageCounters{ToolCalls: 1})
	s.appendStep(ctx, exec.ID, domain.StepToolCall, toolName, map[string]string{
		"tool_call_id": tc.ToolCallID,
		"decision":     decision.Action,
	})
	s.Emit(ctx, exec.ID, domain.EventTypePolicyDecision, domain.PolicyDecisionPayload{
		ToolCallID: tc.ToolCallID,
		Decision:   decision.Action,
		Reason:     decision.Reason,
	})
	s.logger.Info("tool call created",
		"execution_id", exec.ID,
		"tool_call_id", tc.ToolCallID,
		"tool", toolName,
		"decision", decision.Action,
	)

	switch decision.Action {
	case policy.Block:
		s.metrics.ToolCall(toolName, string(tc.Status))
		return toolResponse(tc), nil
	case policy.RequireApproval:
		return s.requestApproval(ctx, tc, tool)
	default:
		return s.dispatch(ctx, tc, tool, args)
	}
}

// InvokeTools fans out independent calls of one step and returns the
// responses in request order. A call that cannot be created is reported as
// a failed item rather than failing the batch.
func (s *Service) InvokeTools(ctx context.Context, req domain.ToolBatchRequest) ([]domain.ToolInvokeResponse, error) {
	if len(req.Calls) == 0 {
		return nil, domain.NewConfigurationError("batch has no calls")
	}
	out := make([]domain.ToolInvokeResponse, len(req.Calls))
	var g errgroup.Group
	g.SetLimit(batchConcurrency)
	for i, call := range req.Calls {
		g.Go(func() error {
			resp, err := s.InvokeTool(ctx, call.ToolName, domain.ToolInvokeRequest{
				ExecutionID:    req.ExecutionID,
				Args:           call.Args,
				IdempotencyKey: call.IdempotencyKey,
			})
			if err != nil {
				out[i] = domain.ToolInvokeResponse{
					Status: "failed",
					Error:  &domain.ToolError{Code: "invalid_request", Message: err.Error()},
				}
				return nil
			}
			out[i] = *resp
			return nil
		})
	}
	_ = g.Wait()
	return out, nil
}

func (s *Service) requestApproval(ctx context.Context, tc *domain.ToolCall, tool *domain.Tool) (*domain.ToolInvokeResponse, error) {
	it, err := s.interrupts.RequestApproval(ctx, tc.ExecutionID, tc.ToolCallID, tc.ToolName, tc.Args)
	if err != nil {
		s.completeToolCall(ctx, tc, domain.ToolCallStatusFailed, nil, domain.ToolError{Code: "approval_unavailable", Message: err.Error()}.Raw())
		return nil, err
	}
	if _, err := s.store.UpdateToolCallInterrupt(ctx, tc.ToolCallID, it.ID, domain.ToolCallStatusWaitingApproval); err != nil {
		s.logger.Warn("failed to link interrupt to tool call", "tool_call_id", tc.ToolCallID, "interrupt_id", it.ID, "error", err)
	}
	tc.InterruptID = it.ID

	payload := interruptPayload(it)
	s.appendStep(ctx, tc.ExecutionID, domain.StepInterrupt, "approval required for "+tc.ToolName, payload)
	s.Emit(ctx, tc.ExecutionID, domain.EventTypeInterruptRequested, payload)

	s.awaitApproval(tc, tool, it.ID)
	return toolResponse(tc), nil
}

// awaitApproval settles the tool call in the background once the decision
// arrives.
func (s *Service) awaitApproval(tc *domain.ToolCall, tool *domain.Tool, interruptID string) {
	s.goBackground(func(ctx context.Context) {
		s.settleApproval(ctx, tc, tool, interruptID)
	})
}

// settleApproval waits for the decision and then runs, rejects or times out
// the tool call.
func (s *Service) settleApproval(ctx context.Context, tc *domain.ToolCall, tool *domain.Tool, interruptID string) {
	it, err := s.interrupts.Wait(ctx, interruptID)
	if it != nil && it.Status.Terminal() {
		s.Emit(ctx, tc.ExecutionID, domain.EventTypeInterruptResolved, interruptPayload(it))
	}
	switch {
	case errors.Is(err, domain.ErrApprovalTimeout):
		s.completeToolCall(ctx, tc, domain.ToolCallStatusTimeout, nil,
			domain.ToolError{Code: "approval_timeout", Message: "approval deadline passed"}.Raw())
	case err != nil:
		s.logger.Error("failed to wait for approval", "interrupt_id", interruptID, "tool_call_id", tc.ToolCallID, "error", err)
	case it.Status == domain.InterruptApproved:
		if _, err := s.dispatch(ctx, tc, tool, it.EffectiveArguments()); err != nil {
			s.logger.Error("failed to dispatch approved tool call", "tool_call_id", tc.ToolCallID, "error", err)
		}
	default:
		reason := it.Reason
		if reason == "" {
			reason = "rejected by " + it.DecidedBy
		}
		s.completeToolCall(ctx, tc, domain.ToolCallStatusRejected, nil,
			domain.ToolError{Code: "rejected", Message: reason}.Raw())
	}
}

// dispatch hands a client tool to the presentation layer or runs a server
// tool through its executor.
func (s *Service) dispatch(ctx context.Context, tc *domain.ToolCall, tool *domain.Tool, args json.RawMessage) (*domain.ToolInvokeResponse, error) {
	timeout := time.Duration(tc.TimeoutMs) * time.Millisecond
	deadline := s.now().Add(timeout)

	if tool.Kind == domain.ToolKindClient {
		ok, err := s.store.UpdateToolCallStatus(ctx, tc.ToolCallID, domain.ToolCallStatusDispatched, &deadline)
		if err != nil {
			return nil, fmt.Errorf("failed to dispatch tool call: %w", err)
		}
		if !ok {
			return s.currentToolCall(ctx, tc.ToolCallID)
		}
		tc.Status = domain.ToolCallStatusDispatched
		tc.DeadlineAt = &deadline
		s.Emit(ctx, tc.ExecutionID, domain.EventTypeToolRequest, domain.ToolRequestPayload{
			ToolCallID: tc.ToolCallID,
			ToolName:   tc.ToolName,
			Args:       args,
			DeadlineTs: deadline.UnixMilli(),
		})
		return toolResponse(tc), nil
	}

	ok, err := s.store.UpdateToolCallStatus(ctx, tc.ToolCallID, domain.ToolCallStatusRunning, &deadline)
	if err != nil {
		return nil, fmt.Errorf("failed to start tool call: %w", err)
	}
	if !ok {
		return s.currentToolCall(ctx, tc.ToolCallID)
	}
	out := s.tools.Run(ctx, tc.ToolName, args, timeout)
	return s.completeToolCall(ctx, tc, out.Status, out.Result, out.Error), nil
}

// completeToolCall records the terminal outcome once. When something else
// finished the call first, that outcome is returned instead.
func (s *Service) completeToolCall(ctx context.Context, tc *domain.ToolCall, status domain.ToolCallStatus, result, errData json.RawMessage) *domain.ToolInvokeResponse {
	ctx = context.WithoutCancel(ctx)
	ok, err := s.store.UpdateToolCallResult(ctx, tc.ToolCallID, status, result, errData)
	if err != nil {
		s.logger.Error("failed to record tool call result", "tool_call_id", tc.ToolCallID, "error", err)
	}
	if !ok {
		if current, err := s.store.GetToolCall(ctx, tc.ToolCallID); err == nil && current != nil {
			return toolResponse(current)
		}
	}

	now := s.now()
	tc.Status = status
	tc.Result = result
	tc.Error = errData
	tc.CompletedAt = &now
	s.finishToolCall(ctx, tc)
	return toolResponse(tc)
}

// finishToolCall publishes a terminal tool call on its execution.
func (s *Service) finishToolCall(ctx context.Context, tc *domain.ToolCall) {
	payload := domain.ToolResultPayload{
		ToolCallID: tc.ToolCallID,
		Status:     tc.Status,
		Result:     tc.Result,
		Error:      tc.Error,
	}
	s.appendStep(ctx, tc.ExecutionID, domain.StepToolResult, fmt.Sprintf("%s %s", tc.ToolName, strings.ToLower(string(tc.Status))), payload)
	s.Emit(ctx, tc.ExecutionID, domain.EventTypeToolResult, payload)
	s.metrics.ToolCall(tc.ToolName, string(tc.Status))
}

func (s *Service) currentToolCall(ctx context.Context, id string) (*domain.ToolInvokeResponse, error) {
	tc, err := s.GetToolCall(ctx, id)
	if err != nil {
		return nil, err
	}
	return toolResponse(tc), nil
}

// GetToolCall returns a tool call from the store.
func (s *Service) GetToolCall(ctx context.Context, toolCallID string) (*domain.ToolCall, error) {
	tc, err := s.store.GetToolCall(ctx, toolCallID)
	if err != nil {
		return nil, fmt.Errorf("failed to get tool call: %w", err)
	}
	if tc == nil {
		return nil, fmt.Errorf("tool call %s: %w", toolCallID, domain.ErrNotFound)
	}
	return tc, nil
}

// WaitToolCall polls the store until the tool call is terminal or timeoutMs
// passes, then returns its current state. Any instance can answer.
func (s *Service) WaitToolCall(ctx context.Context, toolCallID string, timeoutMs int) (*domain.ToolCall, error) {
	wait := time.Duration(timeoutMs) * time.Millisecond
	if wait <= 0 {
		wait = defaultToolWait
	}
	timeout := time.NewTimer(wait)
	defer timeout.Stop()
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		tc, err := s.GetToolCall(ctx, toolCallID)
		if err != nil {
			return nil, err
		}
		if tc.Status.Terminal() {
			return tc, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timeout.C:
			return tc, nil
		case <-ticker.C:
		}
	}
}

// SubmitToolResult records the outcome a client reports for a client tool.
// Submitting to a finished call returns the recorded outcome.
func (s *Service) SubmitToolResult(ctx context.Context, toolCallID string, req domain.ToolCallResultRequest) (*domain.ToolCallResultResponse, error) {
	tc, err := s.GetToolCall(ctx, toolCallID)
	if err != nil {
		return nil, err
	}
	if tc.Status.Terminal() {
		return resultResponse(tc), nil
	}
	if tc.Status != domain.ToolCallStatusDispatched && tc.Status != domain.ToolCallStatusRunning {
		return nil, fmt.Errorf("tool call is in state %s, cannot submit result: %w", tc.Status, domain.ErrInvalidTransition)
	}

	var status domain.ToolCallStatus
	switch strings.ToUpper(req.Status) {
	case string(domain.ToolCallStatusSucceeded):
		status = domain.ToolCallStatusSucceeded
	case string(domain.ToolCallStatusFailed):
		status = domain.ToolCallStatusFailed
	default:
		return nil, domain.NewConfigurationError("status must be SUCCEEDED or FAILED, got %q", req.Status)
	}

	s.completeToolCall(ctx, tc, status, req.Result, req.Error)
	current, err := s.GetToolCall(ctx, toolCallID)
	if err != nil {
		return nil, err
	}
	return resultResponse(current), nil
}

func (s *Service) toolTimeoutMs(requested int, tool *domain.Tool) int {
	switch {
	case requested > 0:
		return requested
	case tool.TimeoutMs > 0:
		return tool.TimeoutMs
	default:
		return int(s.cfg.ToolTimeout.Milliseconds())
	}
}

// appendStep records a step on a local execution. Tool calls for an
// execution owned by another instance are kept only in the store.
func (s *Service) appendStep(ctx context.Context, executionID string, typ domain.StepType, detail string, data any) {
	if _, err := s.execs.AppendStep(ctx, executionID, typ, detail, data); err != nil && !errors.Is(err, domain.ErrNotFound) {
		s.logger.Warn("failed to append step", "execution_id", executionID, "type", typ, "error", err)
	}
}

// recordUsage adds to a local execution's counters. Usage of an execution
// owned by another instance is not counted here.
func (s *Service) recordUsage(executionID string, delta domain.UsageCounters) {
	err := s.execs.RecordUsage(executionID, delta)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		s.logger.Debug("usage not recorded, execution not local", "execution_id", executionID)
	case err != nil:
		s.logger.Warn("failed to record usage", "execution_id", executionID, "error", err)
	}
}

func toolResponse(tc *domain.ToolCall) *domain.ToolInvokeResponse {
	resp := &domain.ToolInvokeResponse{ToolCallID: tc.ToolCallID, InterruptID: tc.InterruptID}
	switch tc.Status {
	case domain.ToolCallStatusSucceeded:
		resp.Status = "succeeded"
		resp.Result = tc.Result
	case domain.ToolCallStatusWaitingApproval:
		resp.Status = "pending"
		resp.Reason = "waiting_approval"
	case domain.ToolCallStatusDispatched:
		resp.Status = "pending"
		resp.Reason = "waiting_client"
	case domain.ToolCallStatusCreated, domain.ToolCallStatusRunning:
		resp.Status = "pending"
		resp.Reason = "running"
	default:
		resp.Status = "failed"
		resp.Reason = strings.ToLower(string(tc.Status))
		if len(tc.Error) > 0 {
			var te domain.ToolError
			if err := json.Unmarshal(tc.Error, &te); err == nil && te.Code != "" {
				resp.Error = &te
			}
		}
	}
	return resp
}

func resultResponse(tc *domain.ToolCall) *domain.ToolCallResultResponse {
	var completedAt int64
	if tc.CompletedAt != nil {
		completedAt = tc.CompletedAt.UnixMilli()
	}
	return &domain.ToolCallResultResponse{
		ToolCallID:  tc.ToolCallID,
		Status:      tc.Status,
		Result:      tc.Result,
		Error:       tc.Error,
		CompletedAt: completedAt,
	}
}
