package routing

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/xiaot623/gogo/internal/domain"
	"github.com/xiaot623/gogo/internal/metrics"
	"github.com/xiaot623/gogo/internal/telemetry"
)

// Reasoner makes the binding routing choice from the input and hints.
type Reasoner interface {
	Decide(ctx context.Context, input string, hints []domain.RoutingHint) (domain.Action, error)
}

// AgentResolver returns an active agent or a ConfigurationError.
type AgentResolver interface {
	Resolve(ctx context.Context, id string) (*domain.AgentDefinition, error)
}

// Config holds the router thresholds.
type Config struct {
	// AcceptThreshold is the confidence a delegate decision needs to be cached.
	AcceptThreshold float64
	// HeuristicThreshold is the score the top heuristic hint needs to be preferred.
	HeuristicThreshold float64
	// SeparationMargin is the lead the top hint needs over the runner-up.
	SeparationMargin float64
}

// Request is one routing question.
type Request struct {
	Input  string
	UserID string
	// SuggestedAgentID is an explicit agent named by a supervised request. It
	// becomes a hint, never a decision.
	SuggestedAgentID string
}

// Router runs the pattern, heuristic, and arbitration stages.
type Router struct {
	patterns  *PatternStage
	heuristic *Heuristic
	cache     *Cache
	reasoner  Reasoner
	agents    AgentResolver
	cfg       Config
	metrics   *metrics.Metrics
	logger    *slog.Logger
	tracer    trace.Tracer
}

// NewRouter wires the stages together.
func NewRouter(patterns *PatternStage, heuristic *Heuristic, cache *Cache, reasoner Reasoner, agents AgentResolver, cfg Config, m *metrics.Metrics, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		patterns:  patterns,
		heuristic: heuristic,
		cache:     cache,
		reasoner:  reasoner,
		agents:    agents,
		cfg:       cfg,
		metrics:   m,
		logger:    logger.With("component", "router"),
		tracer:    telemetry.Tracer("gogo/routing"),
	}
}

// AgentUpserted forwards registry changes to the stages.
func (r *Router) AgentUpserted(def domain.AgentDefinition) {
	r.patterns.AgentUpserted(def)
	r.heuristic.AgentUpserted(def)
}

// AgentsDeactivated forwards registry changes to the stages and drops
// cached decisions for the removed agents.
func (r *Router) AgentsDeactivated(ids []string) {
	r.patterns.AgentsDeactivated(ids)
	r.heuristic.AgentsDeactivated(ids)
	r.cache.Forget(ids...)
}

// Route decides who handles req. A strong pattern match is final. Otherwise
// cache and heuristic output become hints and the reasoner decides.
func (r *Router) Route(ctx context.Context, req Request) (*domain.RouteResult, error) {
	ctx, span := r.tracer.Start(ctx, "routing.Route")
	defer span.End()

	res, err := r.route(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(
		attribute.String("routing.stage", res.Stage),
		attribute.String("routing.action", string(res.Action.Kind)),
		attribute.String("routing.agent_id", res.Action.AgentID),
		attribute.Int("routing.hints", len(res.Hints)),
	)
	r.metrics.RoutingDecision(res.Stage, string(res.Action.Kind))
	return res, nil
}

func (r *Router) route(ctx context.Context, req Request) (*domain.RouteResult, error) {
	query := Normalize(req.Input)
	var hints []domain.RoutingHint

	if m, ok := r.patterns.Match(req.Input); ok {
		if m.Strong() {
			agent, err := r.agents.Resolve(ctx, m.AgentIDs[0])
			if err == nil {
				r.logger.Debug("pattern match", "category", m.Category, "agent_id", agent.ID)
				return &domain.RouteResult{
					Action: domain.Action{
						Kind:       domain.ActionDelegate,
						AgentID:    agent.ID,
						Confidence: 1.0,
						Rationale:  "matched " + m.Category + " pattern",
					},
					Stage: domain.StagePattern,
					Query: query,
				}, nil
			}
			r.logger.Warn("pattern bound to unavailable agent", "category", m.Category, "agent_id", m.AgentIDs[0], "error", err)
		}
		// Several agents share the category: each gets a weak hint.
		for _, id := range m.AgentIDs {
			hints = append(hints, domain.RoutingHint{AgentID: id, Confidence: 0.8, Stage: domain.StagePattern})
		}
	}

	if req.SuggestedAgentID != "" {
		hints = append(hints, domain.RoutingHint{AgentID: req.SuggestedAgentID, Confidence: 1.0, Stage: domain.StageExplicit})
	}

	if d, ok := r.cache.Get(query); ok {
		hints = append(hints, domain.RoutingHint{AgentID: d.AgentID, Confidence: d.Confidence, Stage: domain.StageCache})
	}

	scored := r.heuristic.Score(req.Input, req.UserID)
	MarkPreferred(scored, r.cfg.HeuristicThreshold, r.cfg.SeparationMargin)
	hints = append(hints, scored...)

	action, err := r.reasoner.Decide(ctx, req.Input, hints)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		r.logger.Warn("arbitration failed, responding directly", "error", err)
		action = domain.Action{
			Kind:      domain.ActionRespondDirectly,
			Rationale: fmt.Sprintf("arbitration unavailable: %v", err),
		}
	}

	switch action.Kind {
	case domain.ActionRespondDirectly:
	case domain.ActionDelegate:
		if action.AgentID == "" {
			return nil, domain.NewConfigurationError("arbitration chose to delegate without naming an agent")
		}
		agent, err := r.agents.Resolve(ctx, action.AgentID)
		if err != nil {
			return nil, err
		}
		// Custom agents stay out of the shared cache.
		if agent.UserID == "" {
			r.cache.Put(query, agent.ID, action.Confidence)
		}
	default:
		return nil, domain.NewConfigurationError("unknown arbitration action %q", action.Kind)
	}

	return &domain.RouteResult{
		Action: action,
		Stage:  domain.StageArbitration,
		Hints:  hints,
		Query:  query,
	}, nil
}
