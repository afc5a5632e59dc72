package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/xiaot623/gogo/internal/adapter/agentclient"
	"github.com/xiaot623/gogo/internal/domain"
	"github.com/xiaot623/gogo/internal/routing"
	"github.com/xiaot623/gogo/internal/supervisor"
)

func (s *Service) runnerFor(exec *domain.Execution, agent *domain.AgentDefinition, h supervisor.Hierarchy) supervisor.Runner {
	if exec.Mode == domain.ModeSupervised && exec.AgentID == s.cfg.SupervisorID {
		return func(ctx context.Context, exec *domain.Execution) (string, error) {
			return s.runSupervised(ctx, exec, h)
		}
	}
	return s.agentRunner(agent)
}

// agentRunner invokes an external agent and streams its output onto the
// execution's event stream.
func (s *Service) agentRunner(agent *domain.AgentDefinition) supervisor.Runner {
	return func(ctx context.Context, exec *domain.Execution) (string, error) {
		if agent == nil {
			return "", domain.NewConfigurationError("agent %s is not available", exec.AgentID)
		}
		if s.agentClient == nil {
			return "", domain.NewConfigurationError("no agent client configured")
		}
		if _, err := s.execs.AppendStep(ctx, exec.ID, domain.StepAgentInvoke, "invoking "+agent.ID, map[string]string{"endpoint": agent.Endpoint}); err != nil {
			return "", err
		}

		req := &domain.AgentInvokeRequest{
			AgentID:     agent.ID,
			ExecutionID: exec.ID,
			ThreadID:    exec.ThreadID,
			Input:       exec.Input,
			Messages:    exec.History,
			Context:     s.metaFor(exec).Context,
			CallbackURL: s.cfg.CallbackURL,
		}

		var streamed strings.Builder
		var final string
		err := s.agentClient.Invoke(ctx, agent.Endpoint, req, func(ev agentclient.Event) error {
			if ev.DecodeErr != nil {
				if ev.Name == agentclient.EventError {
					return fmt.Errorf("agent %s reported an unreadable error: %s", agent.ID, ev.Data)
				}
				s.logger.Warn("skipping malformed agent event", "execution_id", exec.ID, "event", ev.Name, "error", ev.DecodeErr)
				return nil
			}
			switch {
			case ev.Delta != nil:
				streamed.WriteString(ev.Delta.Text)
				s.Emit(ctx, exec.ID, domain.EventTypeAgentStreamDelta, domain.DeltaPayload{AgentID: agent.ID, Text: ev.Delta.Text})
			case ev.Step != nil:
				if _, err := s.execs.AppendStep(ctx, exec.ID, domain.StepAgentStep, ev.Step.Detail, nil); err != nil {
					return err
				}
			case ev.Done != nil:
				final = ev.Done.FinalMessage
				if u := ev.Done.Usage; u != nil {
					s.recordUsage(exec.ID, domain.UsageCounters{
						PromptTokens:     u.PromptTokens,
						CompletionTokens: u.CompletionTokens,
					})
				}
			case ev.Failure != nil:
				agentErr := fmt.Errorf("agent %s: %s: %s", agent.ID, ev.Failure.Code, ev.Failure.Message)
				if ev.Failure.Retryable {
					return domain.NewTransientError("agent.invoke", agentErr)
				}
				return agentErr
			}
			return nil
		})
		if err != nil {
			return "", err
		}

		if final == "" {
			final = streamed.String()
		}
		s.recordAnswer(ctx, exec, agent.ID, final)
		return final, nil
	}
}

// runSupervised routes a supervised request and either answers it or hands
// it to the chosen agent and synthesizes the child's result. Reasoning
// calls are bounded by the engine level of h.
func (s *Service) runSupervised(ctx context.Context, exec *domain.Execution, h supervisor.Hierarchy) (string, error) {
	if childID := s.reusableChild(ctx, exec); childID != "" {
		return s.awaitChild(ctx, exec, childID)
	}

	meta := s.metaFor(exec)
	routeCtx, cancelRoute := context.WithTimeout(ctx, h.Engine)
	route, err := s.router.Route(routeCtx, routing.Request{
		Input:            exec.Input,
		UserID:           meta.UserID,
		SuggestedAgentID: meta.SuggestedAgentID,
	})
	cancelRoute()
	if err != nil {
		return "", err
	}
	detail := fmt.Sprintf("%s via %s", route.Action.Kind, route.Stage)
	if route.Action.AgentID != "" {
		detail += " to " + route.Action.AgentID
	}
	if _, err := s.execs.AppendStep(ctx, exec.ID, domain.StepRouting, detail, route); err != nil {
		return "", err
	}
	s.Emit(ctx, exec.ID, domain.EventTypeRoutingDecision, route)

	if route.Action.Kind != domain.ActionDelegate {
		return s.respondDirectly(ctx, exec, h.Engine)
	}
	childID, err := s.coord.Delegate(ctx, domain.DelegationEvent{
		CorrelationID:     "corr_" + exec.ID,
		SourceExecutionID: exec.ID,
		SourceAgentID:     exec.AgentID,
		TargetAgentID:     route.Action.AgentID,
		Task:              exec.Input,
		Context:           meta.Context,
		History:           exec.History,
	})
	if err != nil {
		return "", err
	}
	return s.awaitChild(ctx, exec, childID)
}

// reusableChild returns a child of exec, or of the execution it retries,
// that is still running or already completed. A retry picks it up instead
// of routing the same request a second time.
func (s *Service) reusableChild(ctx context.Context, exec *domain.Execution) string {
	candidates := s.execs.Children(exec.ID)
	if exec.RetryOfExecutionID != "" {
		candidates = append(candidates, s.execs.Children(exec.RetryOfExecutionID)...)
	}
	for _, id := range candidates {
		child, err := s.execs.Get(ctx, id)
		if err != nil || child.RetryOfExecutionID != "" {
			continue
		}
		if !child.State.Terminal() || child.State == domain.ExecutionCompleted ||
			(child.State == domain.ExecutionTimedOut && child.RetryExecutionID != "") {
			return child.ID
		}
	}
	return ""
}

func (s *Service) awaitChild(ctx context.Context, exec *domain.Execution, childID string) (string, error) {
	final, err := s.coord.Await(ctx, childID)
	if err != nil {
		if ctx.Err() != nil {
			s.abandonChild(exec, childID, context.Cause(ctx))
		}
		return "", err
	}
	if final.State != domain.ExecutionCompleted {
		return "", fmt.Errorf("delegated execution %s %s: %s", final.ID, final.State, final.Reason)
	}

	synth := map[string]string{"synthesized_from": final.ID, "agent_id": final.AgentID}
	if _, err := s.execs.AppendStep(ctx, exec.ID, domain.StepSynthesis, "result from "+final.AgentID, synth); err != nil {
		return "", err
	}
	// The child already wrote the answer to the shared thread.
	if err := s.execs.AddMessage(ctx, exec.ID, domain.Message{Role: "assistant", Content: final.Result, AgentID: final.AgentID}); err != nil {
		s.logger.Warn("failed to record synthesized answer", "execution_id", exec.ID, "error", err)
	}
	return final.Result, nil
}

// abandonChild cancels the child of a parent attempt that stopped waiting.
// A first attempt that timed out leaves the child running for its retry.
func (s *Service) abandonChild(exec *domain.Execution, childID string, cause error) {
	var timeout *domain.TimeoutError
	if errors.As(cause, &timeout) && exec.RetryOfExecutionID == "" && !exec.Retried {
		s.logger.Info("keeping delegated execution for retry", "execution_id", exec.ID, "child_execution_id", childID)
		return
	}
	reason := "parent execution ended"
	if cause != nil {
		reason = "parent execution ended: " + cause.Error()
	}
	if _, err := s.CancelExecution(context.Background(), childID, reason); err != nil {
		s.logger.Warn("failed to cancel delegated execution", "execution_id", exec.ID, "child_execution_id", childID, "error", err)
	}
}

func (s *Service) respondDirectly(ctx context.Context, exec *domain.Execution, limit time.Duration) (string, error) {
	if s.responder == nil {
		return "", domain.NewConfigurationError("no responder configured for %s", exec.AgentID)
	}
	callCtx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()
	answer, usage, err := s.responder.Respond(callCtx, exec.Input, exec.History)
	if err != nil {
		return "", err
	}
	if usage != nil {
		s.recordUsage(exec.ID, domain.UsageCounters{
			PromptTokens:     usage.PromptTokens,
			CompletionTokens: usage.CompletionTokens,
		})
	}
	s.recordAnswer(ctx, exec, exec.AgentID, answer)
	return answer, nil
}

// recordAnswer appends the final answer to the execution and its thread.
func (s *Service) recordAnswer(ctx context.Context, exec *domain.Execution, agentID, answer string) {
	msg := domain.Message{Role: "assistant", Content: answer, AgentID: agentID}
	if err := s.execs.AddMessage(ctx, exec.ID, msg); err != nil {
		s.logger.Warn("failed to record answer", "execution_id", exec.ID, "error", err)
	}
	s.saveMessage(ctx, exec, msg)
}
