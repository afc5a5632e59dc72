package service

import (
	"context"

	"github.com/xiaot623/gogo/internal/domain"
)

// GetInterrupt returns an interrupt by id.
func (s *Service) GetInterrupt(ctx context.Context, id string) (*domain.Interrupt, error) {
	return s.interrupts.Get(ctx, id)
}

// ResolveInterrupt records a human decision. Any instance can resolve any
// interrupt; the instance waiting on it picks the decision up from the store
// and publishes interrupt_resolved.
func (s *Service) ResolveInterrupt(ctx context.Context, id string, req domain.ResolveInterruptRequest) (*domain.Interrupt, error) {
	return s.interrupts.Resolve(ctx, id, req.Decision, req.AmendedArguments, req.DecidedBy, req.Reason)
}

func interruptPayload(it *domain.Interrupt) domain.InterruptPayload {
	return domain.InterruptPayload{
		InterruptID: it.ID,
		ToolCallID:  it.ToolInvocationID,
		ToolName:    it.ToolName,
		Status:      it.Status,
		Args:        it.EffectiveArguments(),
		ExpiresAt:   it.ExpiresAt.UnixMilli(),
		Reason:      it.Reason,
	}
}
