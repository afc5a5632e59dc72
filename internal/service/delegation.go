package service

import (
	"context"

	"github.com/xiaot623/gogo/internal/domain"
)

// Delegate handles a handoff requested by a running agent. With Wait set
// it blocks until the child, or its retry, is terminal.
func (s *Service) Delegate(ctx context.Context, req domain.DelegateRequest) (*domain.DelegateResponse, error) {
	childID, err := s.coord.Delegate(ctx, domain.DelegationEvent{
		CorrelationID:     req.CorrelationID,
		SourceExecutionID: req.SourceExecutionID,
		TargetAgentID:     req.TargetAgentID,
		Task:              req.Task,
		Context:           req.Context,
		Priority:          req.Priority,
		History:           req.History,
	})
	if err != nil {
		return nil, err
	}

	if !req.Wait {
		child, err := s.execs.Get(ctx, childID)
		if err != nil {
			return nil, err
		}
		return &domain.DelegateResponse{ExecutionID: child.ID, State: child.State}, nil
	}

	final, err := s.coord.Await(ctx, childID)
	if err != nil {
		return nil, err
	}
	return &domain.DelegateResponse{
		ExecutionID: final.ID,
		State:       final.State,
		Result:      final.Result,
		Reason:      final.Reason,
	}, nil
}
