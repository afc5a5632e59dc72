// Package delegation hands work from one execution to another agent.
package delegation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/xiaot623/gogo/internal/domain"
	"github.com/xiaot623/gogo/internal/execution"
	"github.com/xiaot623/gogo/internal/metrics"
	"github.com/xiaot623/gogo/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultMaxDepth     = 3
	defaultDedupeWindow = 10 * time.Minute
)

// Claimer records the child execution for a correlation id durably, so a
// replay on any instance finds the first child. A claim whose child was
// never created is released.
type Claimer interface {
	ClaimDelegation(ctx context.Context, event *domain.DelegationEvent, executionID string, window time.Duration) (string, bool, error)
	ReleaseDelegation(ctx context.Context, correlationID, executionID string) error
}

// AgentResolver returns active agents.
type AgentResolver interface {
	Resolve(ctx context.Context, id string) (*domain.AgentDefinition, error)
}

// Executions is the part of the execution registry the coordinator uses.
type Executions interface {
	Get(ctx context.Context, id string) (*domain.Execution, error)
	Create(ctx context.Context, opts execution.CreateOptions) (*domain.Execution, error)
	Wait(ctx context.Context, id string) (*domain.Execution, error)
	AppendStep(ctx context.Context, id string, typ domain.StepType, detail string, data any) (domain.Step, error)
}

// Launcher starts running a newly created child execution in the background.
type Launcher interface {
	Launch(ctx context.Context, exec *domain.Execution)
}

// Emitter publishes events on an execution's stream.
type Emitter interface {
	Emit(ctx context.Context, executionID string, t domain.EventType, payload any)
}

// Config configures the coordinator.
type Config struct {
	MaxDepth     int
	DedupeWindow time.Duration
}

type claim struct {
	done chan struct{}
	id   string
	err  error
	at   time.Time
}

// Coordinator creates child executions for delegation events.
type Coordinator struct {
	claimer  Claimer
	agents   AgentResolver
	execs    Executions
	launcher Launcher
	emitter  Emitter
	cfg      Config
	metrics  *metrics.Metrics
	logger   *slog.Logger
	tracer   trace.Tracer
	now      func() time.Time

	mu     sync.Mutex
	claims map[string]*claim
}

// NewCoordinator creates a coordinator. launcher and emitter may be set
// later with SetLauncher and SetEmitter.
func NewCoordinator(claimer Claimer, agents AgentResolver, execs Executions, cfg Config, m *metrics.Metrics, logger *slog.Logger) *Coordinator {
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = defaultMaxDepth
	}
	if cfg.DedupeWindow <= 0 {
		cfg.DedupeWindow = defaultDedupeWindow
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		claimer: claimer,
		agents:  agents,
		execs:   execs,
		cfg:     cfg,
		metrics: m,
		logger:  logger.With("component", "delegation"),
		tracer:  telemetry.Tracer("gogo/delegation"),
		now:     time.Now,
		claims:  make(map[string]*claim),
	}
}

// SetLauncher sets the launcher used for new children.
func (c *Coordinator) SetLauncher(l Launcher) { c.launcher = l }

// SetEmitter sets the event emitter.
func (c *Coordinator) SetEmitter(e Emitter) { c.emitter = e }

// Delegate creates (or finds) the child execution for ev and starts it.
// Replaying a correlation id within the dedupe window returns the existing
// child, whichever source execution repeats it.
func (c *Coordinator) Delegate(ctx context.Context, ev domain.DelegationEvent) (string, error) {
	if ev.SourceExecutionID == "" {
		return "", domain.NewConfigurationError("delegation requires a source execution")
	}
	if ev.TargetAgentID == "" {
		return "", domain.NewConfigurationError("delegation requires a target agent")
	}
	if ev.CorrelationID == "" {
		ev.CorrelationID = "corr_" + uuid.New().String()[:8]
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = c.now()
	}

	ctx, span := c.tracer.Start(ctx, "delegation.Delegate", trace.WithAttributes(
		attribute.String("correlation_id", ev.CorrelationID),
		attribute.String("source_execution_id", ev.SourceExecutionID),
		attribute.String("target_agent_id", ev.TargetAgentID),
	))
	defer span.End()

	key := ev.CorrelationID
	c.mu.Lock()
	if cl, ok := c.claims[key]; ok && c.now().Sub(cl.at) < c.cfg.DedupeWindow {
		c.mu.Unlock()
		<-cl.done
		if cl.err == nil {
			c.metrics.Delegation("deduplicated")
		}
		return cl.id, cl.err
	}
	cl := &claim{done: make(chan struct{}), at: c.now()}
	c.claims[key] = cl
	c.mu.Unlock()

	cl.id, cl.err = c.delegate(ctx, ev)
	close(cl.done)
	if cl.err != nil {
		c.mu.Lock()
		if c.claims[key] == cl {
			delete(c.claims, key)
		}
		c.mu.Unlock()
		span.RecordError(cl.err)
		span.SetStatus(codes.Error, cl.err.Error())
	}
	c.pruneClaims()
	return cl.id, cl.err
}

func (c *Coordinator) delegate(ctx context.Context, ev domain.DelegationEvent) (string, error) {
	source, err := c.execs.Get(ctx, ev.SourceExecutionID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return "", domain.NewConfigurationError("source execution %s not found", ev.SourceExecutionID)
		}
		return "", err
	}
	depth := source.Depth + 1
	if depth > c.cfg.MaxDepth {
		c.metrics.Delegation("depth_exceeded")
		return "", &domain.DelegationDepthExceededError{Depth: depth, MaxDepth: c.cfg.MaxDepth}
	}
	target, err := c.agents.Resolve(ctx, ev.TargetAgentID)
	if err != nil {
		c.metrics.Delegation("rejected")
		return "", err
	}
	if ev.SourceAgentID == "" {
		ev.SourceAgentID = source.AgentID
	}

	childID := "exec_" + uuid.New().String()[:8]
	if c.claimer != nil {
		existing, claimed, err := c.claimer.ClaimDelegation(ctx, &ev, childID, c.cfg.DedupeWindow)
		if err != nil {
			return "", fmt.Errorf("failed to claim delegation: %w", err)
		}
		if !claimed {
			c.metrics.Delegation("deduplicated")
			c.logger.Info("delegation replayed", "correlation_id", ev.CorrelationID, "execution_id", existing)
			return existing, nil
		}
	}

	history := append([]domain.Message(nil), ev.History...)
	history = append(history, HandoffMessage(ev, c.now()))

	child, err := c.execs.Create(ctx, execution.CreateOptions{
		ID:                childID,
		AgentID:           target.ID,
		ThreadID:          source.ThreadID,
		Mode:              source.Mode,
		ParentExecutionID: source.ID,
		CorrelationID:     ev.CorrelationID,
		Depth:             depth,
		Input:             ev.Task,
		History:           history,
	})
	if err != nil {
		if c.claimer != nil {
			if relErr := c.claimer.ReleaseDelegation(context.WithoutCancel(ctx), ev.CorrelationID, childID); relErr != nil {
				c.logger.Error("failed to release delegation claim", "correlation_id", ev.CorrelationID, "error", relErr)
			}
		}
		return "", fmt.Errorf("failed to create child execution: %w", err)
	}

	payload := domain.DelegationPayload{
		CorrelationID:    ev.CorrelationID,
		ChildExecutionID: child.ID,
		TargetAgentID:    target.ID,
	}
	if _, err := c.execs.AppendStep(ctx, source.ID, domain.StepDelegation, "delegated to "+target.ID, payload); err != nil {
		c.logger.Warn("failed to record delegation step", "execution_id", source.ID, "error", err)
	}
	c.emit(ctx, source.ID, domain.EventTypeDelegationStarted, payload)

	c.metrics.Delegation("created")
	c.logger.Info("delegation created",
		"correlation_id", ev.CorrelationID,
		"source_execution_id", source.ID,
		"child_execution_id", child.ID,
		"target_agent_id", target.ID,
		"depth", depth,
	)
	if c.launcher != nil {
		c.launcher.Launch(context.WithoutCancel(ctx), child)
	}
	return child.ID, nil
}

// Await blocks until the child, or the retry that replaced it after a
// timeout, is terminal. The outcome is recorded on the parent's stream.
func (c *Coordinator) Await(ctx context.Context, childID string) (*domain.Execution, error) {
	ctx, span := c.tracer.Start(ctx, "delegation.Await", trace.WithAttributes(attribute.String("child_execution_id", childID)))
	defer span.End()

	var final *domain.Execution
	id := childID
	for {
		exec, err := c.execs.Wait(ctx, id)
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
		final = exec
		if exec.State != domain.ExecutionTimedOut || exec.RetryExecutionID == "" {
			break
		}
		id = exec.RetryExecutionID
	}

	parentID := final.ParentExecutionID
	if parentID == "" {
		if first, err := c.execs.Get(ctx, childID); err == nil {
			parentID = first.ParentExecutionID
		}
	}
	if parentID == "" {
		return final, nil
	}

	payload := domain.DelegationPayload{
		CorrelationID:    final.CorrelationID,
		ChildExecutionID: final.ID,
		TargetAgentID:    final.AgentID,
		State:            final.State,
		Result:           final.Result,
		Reason:           final.Reason,
	}
	detail := fmt.Sprintf("%s %s", final.AgentID, final.State)
	if _, err := c.execs.AppendStep(ctx, parentID, domain.StepDelegationResult, detail, payload); err != nil {
		c.logger.Warn("failed to record delegation result", "execution_id", parentID, "error", err)
	}
	c.emit(ctx, parentID, domain.EventTypeDelegationResult, payload)
	return final, nil
}

// HandoffMessage annotates the child's history with who handed off and why.
func HandoffMessage(ev domain.DelegationEvent, at time.Time) domain.Message {
	var b strings.Builder
	fmt.Fprintf(&b, "Handoff from %s: %s", ev.SourceAgentID, ev.Task)
	if ev.Priority != "" {
		fmt.Fprintf(&b, "\nPriority: %s", ev.Priority)
	}
	if len(ev.Context) > 0 {
		keys := make([]string, 0, len(ev.Context))
		for k := range ev.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString("\nContext:")
		for _, k := range keys {
			fmt.Fprintf(&b, "\n- %s: %s", k, ev.Context[k])
		}
	}
	return domain.Message{
		Role:      "system",
		Kind:      "handoff",
		AgentID:   ev.SourceAgentID,
		Content:   b.String(),
		CreatedAt: at,
	}
}

func (c *Coordinator) emit(ctx context.Context, executionID string, t domain.EventType, payload any) {
	if c.emitter != nil {
		c.emitter.Emit(ctx, executionID, t, payload)
	}
}

func (c *Coordinator) pruneClaims() {
	cutoff := c.now().Add(-c.cfg.DedupeWindow)
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, cl := range c.claims {
		if cl.at.Before(cutoff) {
			delete(c.claims, k)
		}
	}
}
