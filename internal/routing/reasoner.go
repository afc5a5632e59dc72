package routing

import (
	"context"
	"fmt"

	"github.com/xiaot623/gogo/internal/domain"
)

// HintFollower is a deterministic Reasoner. It delegates to an explicit
// hint, then a preferred heuristic hint, then a cached decision, and
// otherwise answers directly.
type HintFollower struct{}

// Decide implements Reasoner.
func (HintFollower) Decide(_ context.Context, _ string, hints []domain.RoutingHint) (domain.Action, error) {
	for _, stage := range []string{domain.StageExplicit, domain.StageHeuristic, domain.StageCache} {
		for _, h := range hints {
			if h.Stage != stage {
				continue
			}
			if stage == domain.StageHeuristic && !h.Preferred {
				continue
			}
			return domain.Action{
				Kind:       domain.ActionDelegate,
				AgentID:    h.AgentID,
				Confidence: h.Confidence,
				Rationale:  fmt.Sprintf("following %s hint", stage),
			}, nil
		}
	}
	return domain.Action{Kind: domain.ActionRespondDirectly, Rationale: "no decisive hint"}, nil
}

// ReasonerFunc adapts a function to Reasoner.
type ReasonerFunc func(ctx context.Context, input string, hints []domain.RoutingHint) (domain.Action, error)

// Decide implements Reasoner.
func (f ReasonerFunc) Decide(ctx context.Context, input string, hints []domain.RoutingHint) (domain.Action, error) {
	return f(ctx, input, hints)
}
