package service

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/xiaot623/gogo/internal/domain"
)

const defaultEventLimit = 500

// Emit records an event on an execution's stream and fans it out to live
// subscribers and the ingress gateway. Failures are logged; the caller's
// work is never rolled back because an event could not be delivered.
func (s *Service) Emit(ctx context.Context, executionID string, t domain.EventType, payload any) {
	evt, err := domain.NewEvent("evt_"+uuid.New().String()[:8], executionID, t, payload, s.now())
	if err != nil {
		s.logger.Error("failed to build event", "execution_id", executionID, "type", t, "error", err)
		return
	}
	ctx = context.WithoutCancel(ctx)
	if err := s.store.CreateEvent(ctx, evt); err != nil {
		s.logger.Error("failed to record event", "execution_id", executionID, "type", t, "error", err)
		return
	}
	if s.hub != nil {
		s.hub.Publish(evt)
	}
	s.pushIngress(ctx, executionID, evt)
}

func (s *Service) pushIngress(ctx context.Context, executionID string, evt *domain.Event) {
	if s.ingress == nil || !s.ingress.Enabled() {
		return
	}
	exec, err := s.execs.Get(ctx, executionID)
	if err != nil {
		return
	}
	if _, err := s.ingress.PushEvent(ctx, exec.ThreadID, evt); err != nil {
		s.logger.Warn("failed to push event to ingress", "execution_id", executionID, "type", evt.Type, "error", err)
	}
}

// GetEvents returns the events of an execution after afterSeq.
func (s *Service) GetEvents(ctx context.Context, executionID string, afterSeq int64, types []string, limit int) ([]domain.Event, error) {
	if _, err := s.execs.Get(ctx, executionID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > defaultEventLimit {
		limit = defaultEventLimit
	}
	events, err := s.store.GetEvents(ctx, executionID, afterSeq, types, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get events: %w", err)
	}
	if events == nil {
		events = []domain.Event{}
	}
	return events, nil
}
