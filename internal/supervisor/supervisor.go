// Package supervisor enforces execution budgets and retries timed out work
// once.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/xiaot623/gogo/internal/domain"
	"github.com/xiaot623/gogo/internal/execution"
	"github.com/xiaot623/gogo/internal/metrics"
	"github.com/xiaot623/gogo/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultWarnRatio     = 0.8
	defaultGraceRatio    = 0.25
	defaultCeilingFactor = 3.0
	defaultWatchInterval = time.Second
)

// Executions is the part of the execution registry the supervisor drives.
type Executions interface {
	Get(ctx context.Context, id string) (*domain.Execution, error)
	Create(ctx context.Context, opts execution.CreateOptions) (*domain.Execution, error)
	Transition(ctx context.Context, id string, to domain.ExecutionState, opts ...execution.TransitionOption) (*domain.Execution, error)
	AppendStep(ctx context.Context, id string, typ domain.StepType, detail string, data any) (domain.Step, error)
	Clock(id string) (execution.Clock, bool)
	SetCancel(id string, cancel context.CancelCauseFunc)
}

// Emitter publishes events on an execution's stream.
type Emitter interface {
	Emit(ctx context.Context, executionID string, t domain.EventType, payload any)
}

// Runner does the work of one attempt and returns its final text.
type Runner func(ctx context.Context, exec *domain.Execution) (string, error)

// Config configures the watchdog.
type Config struct {
	WarnRatio     float64
	GraceRatio    float64
	CeilingFactor float64
	WatchInterval time.Duration
}

// Supervisor runs executions under a liveness-aware budget.
type Supervisor struct {
	execs   Executions
	emitter Emitter
	cfg     Config
	metrics *metrics.Metrics
	logger  *slog.Logger
	tracer  trace.Tracer
}

// New creates a supervisor. emitter may be nil.
func New(execs Executions, emitter Emitter, cfg Config, m *metrics.Metrics, logger *slog.Logger) *Supervisor {
	if cfg.WarnRatio <= 0 || cfg.WarnRatio >= 1 {
		cfg.WarnRatio = defaultWarnRatio
	}
	if cfg.GraceRatio <= 0 {
		cfg.GraceRatio = defaultGraceRatio
	}
	if cfg.CeilingFactor < 1 {
		cfg.CeilingFactor = defaultCeilingFactor
	}
	if cfg.WatchInterval <= 0 {
		cfg.WatchInterval = defaultWatchInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		execs:   execs,
		emitter: emitter,
		cfg:     cfg,
		metrics: m,
		logger:  logger.With("component", "supervisor"),
		tracer:  telemetry.Tracer("gogo/supervisor"),
	}
}

// Run executes id under budget. On the first timeout the execution is marked
// timed_out and a single retry runs with the same input and history; a
// second timeout fails the retry. It returns the last execution attempted.
// The returned error is reserved for registry failures; run outcomes are
// reported through the execution's state.
func (s *Supervisor) Run(ctx context.Context, id string, budget time.Duration, run Runner) (*domain.Execution, error) {
	ctx, span := s.tracer.Start(ctx, "supervisor.Run", trace.WithAttributes(
		attribute.String("execution_id", id),
		attribute.Int64("budget_ms", budget.Milliseconds()),
	))
	defer span.End()

	exec, err := s.execs.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	for {
		final, timeoutErr, err := s.attempt(ctx, exec, budget, run)
		if err != nil {
			span.RecordError(err)
			return final, err
		}
		if timeoutErr == nil {
			span.SetAttributes(attribute.String("state", string(final.State)))
			return final, nil
		}

		if exec.RetryOfExecutionID != "" || exec.Retried {
			failed, err := s.execs.Transition(ctx, exec.ID, domain.ExecutionFailed,
				execution.WithReason("timed out again after automatic retry: "+timeoutErr.Error()),
				execution.WithRetried())
			if err != nil {
				return s.current(ctx, exec.ID, err)
			}
			s.emitStatus(ctx, failed, domain.EventTypeExecutionFailed)
			span.SetAttributes(attribute.String("state", string(failed.State)))
			return failed, nil
		}

		retry, err := s.retry(ctx, exec, timeoutErr)
		if err != nil {
			return s.current(ctx, exec.ID, err)
		}
		exec = retry
	}
}

// retry creates the replacement execution and then closes the original,
// so anyone watching the original finds the link once it is terminal.
func (s *Supervisor) retry(ctx context.Context, exec *domain.Execution, cause *domain.TimeoutError) (*domain.Execution, error) {
	retry, err := s.execs.Create(ctx, execution.CreateOptions{
		AgentID:            exec.AgentID,
		ThreadID:           exec.ThreadID,
		Mode:               exec.Mode,
		ParentExecutionID:  exec.ParentExecutionID,
		RetryOfExecutionID: exec.ID,
		CorrelationID:      exec.CorrelationID,
		Depth:              exec.Depth,
		Input:              exec.Input,
		History:            exec.History,
		TimeoutMs:          exec.TimeoutMs,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create retry execution: %w", err)
	}
	timedOut, err := s.execs.Transition(ctx, exec.ID, domain.ExecutionTimedOut,
		execution.WithReason(cause.Error()),
		execution.WithRetried(),
		execution.WithRetryExecution(retry.ID))
	if err != nil {
		_, _ = s.execs.Transition(ctx, retry.ID, domain.ExecutionCancelled, execution.WithReason("original execution already finished"))
		return nil, err
	}
	s.metrics.ExecutionRetried()
	s.emitStatus(ctx, timedOut, domain.EventTypeExecutionTimedOut)
	s.emit(ctx, exec.ID, domain.EventTypeExecutionRetried, domain.RetryPayload{RetryOfExecutionID: exec.ID, RetryExecutionID: retry.ID})
	s.emit(ctx, retry.ID, domain.EventTypeExecutionCreated, domain.ExecutionStatusPayload{State: retry.State, AgentID: retry.AgentID})
	s.logger.Warn("execution timed out, retrying once",
		"execution_id", exec.ID,
		"retry_execution_id", retry.ID,
		"budget", cause.Budget,
		"active", cause.Elapsed,
	)
	return retry, nil
}

type outcome struct {
	result string
	err    error
}

// attempt runs one execution until it finishes or the watchdog fires.
func (s *Supervisor) attempt(ctx context.Context, exec *domain.Execution, budget time.Duration, run Runner) (*domain.Execution, *domain.TimeoutError, error) {
	if exec.State == domain.ExecutionQueued {
		started, err := s.execs.Transition(ctx, exec.ID, domain.ExecutionRunning)
		if err != nil {
			return nil, nil, err
		}
		s.emitStatus(ctx, started, domain.EventTypeExecutionStarted)
		exec = started
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	s.execs.SetCancel(exec.ID, cancel)

	done := make(chan outcome, 1)
	go func() {
		result, err := run(runCtx, exec)
		done <- outcome{result: result, err: err}
	}()

	ticker := time.NewTicker(s.cfg.WatchInterval)
	defer ticker.Stop()
	warned := false
	grace := time.Duration(float64(budget) * s.cfg.GraceRatio)
	ceiling := time.Duration(float64(budget) * s.cfg.CeilingFactor)

	for {
		select {
		case out := <-done:
			final, err := s.finish(ctx, exec.ID, out)
			return final, nil, err

		case <-ticker.C:
			clock, ok := s.execs.Clock(exec.ID)
			if !ok || clock.State.Terminal() || clock.Paused {
				continue
			}
			if !warned && clock.Active >= time.Duration(float64(budget)*s.cfg.WarnRatio) {
				warned = true
				s.warn(ctx, exec.ID, clock.Active, budget)
			}
			overBudget := clock.Active > budget && clock.SinceProgress > grace
			if !overBudget && clock.Active <= ceiling {
				continue
			}
			terr := &domain.TimeoutError{
				ExecutionID:   exec.ID,
				Budget:        budget,
				Elapsed:       clock.Active,
				SinceProgress: clock.SinceProgress,
			}
			cancel(terr)
			// A result that raced the watchdog wins.
			select {
			case out := <-done:
				final, err := s.finish(ctx, exec.ID, out)
				return final, nil, err
			default:
			}
			return exec, terr, nil
		}
	}
}

// finish records the attempt's outcome unless something else, such as a
// cancel request, already made the execution terminal.
func (s *Supervisor) finish(ctx context.Context, id string, out outcome) (*domain.Execution, error) {
	current, err := s.execs.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.State.Terminal() {
		return current, nil
	}
	if current.State == domain.ExecutionInterrupted {
		// The runner returned while an approval was outstanding.
		if current, err = s.execs.Transition(ctx, id, domain.ExecutionRunning); err != nil {
			return s.current(ctx, id, err)
		}
	}

	switch {
	case out.err == nil:
		done, err := s.execs.Transition(ctx, id, domain.ExecutionCompleted, execution.WithResult(out.result))
		if err != nil {
			return s.current(ctx, id, err)
		}
		s.emitStatus(ctx, done, domain.EventTypeExecutionCompleted)
		return done, nil
	case errors.Is(out.err, context.Canceled) && ctx.Err() != nil:
		cancelled, err := s.execs.Transition(ctx, id, domain.ExecutionCancelled, execution.WithReason("cancelled"))
		if err != nil {
			return s.current(ctx, id, err)
		}
		s.emitStatus(ctx, cancelled, domain.EventTypeExecutionCancelled)
		return cancelled, nil
	default:
		failed, err := s.execs.Transition(ctx, id, domain.ExecutionFailed, execution.WithReason(out.err.Error()))
		if err != nil {
			return s.current(ctx, id, err)
		}
		s.emitStatus(ctx, failed, domain.EventTypeExecutionFailed)
		return failed, nil
	}
}

// current resolves a failed transition: an execution that became terminal
// concurrently is reported as is.
func (s *Supervisor) current(ctx context.Context, id string, cause error) (*domain.Execution, error) {
	if errors.Is(cause, domain.ErrInvalidTransition) {
		if exec, err := s.execs.Get(ctx, id); err == nil && exec.State.Terminal() {
			return exec, nil
		}
	}
	return nil, cause
}

func (s *Supervisor) warn(ctx context.Context, id string, active, budget time.Duration) {
	ratio := float64(active) / float64(budget)
	payload := domain.WarningPayload{
		ElapsedMs: active.Milliseconds(),
		BudgetMs:  budget.Milliseconds(),
		Ratio:     ratio,
		Message:   fmt.Sprintf("%.0f%% of the %s budget used", ratio*100, budget),
	}
	if _, err := s.execs.AppendStep(ctx, id, domain.StepWarning, payload.Message, payload); err != nil {
		s.logger.Warn("failed to record budget warning", "execution_id", id, "error", err)
	}
	s.emit(ctx, id, domain.EventTypeWarning, payload)
	s.metrics.BudgetWarning()
	s.logger.Info("execution near budget", "execution_id", id, "active", active, "budget", budget)
}

func (s *Supervisor) emitStatus(ctx context.Context, exec *domain.Execution, t domain.EventType) {
	s.emit(ctx, exec.ID, t, domain.ExecutionStatusPayload{
		State:   exec.State,
		AgentID: exec.AgentID,
		Reason:  exec.Reason,
		Retried: exec.Retried,
		Result:  exec.Result,
	})
}

func (s *Supervisor) emit(ctx context.Context, id string, t domain.EventType, payload any) {
	if s.emitter != nil {
		s.emitter.Emit(ctx, id, t, payload)
	}
}
