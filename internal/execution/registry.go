// Package execution tracks in-flight and recently finished executions.
package execution

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/xiaot623/gogo/internal/domain"
	"github.com/xiaot623/gogo/internal/metrics"
)

const (
	shardCount       = 16
	defaultRetention = 15 * time.Minute
	pollInterval     = 200 * time.Millisecond
)

// Checkpointer persists execution snapshots so other processes can read them.
type Checkpointer interface {
	SaveExecution(ctx context.Context, exec *domain.Execution) error
	GetExecution(ctx context.Context, executionID string) (*domain.Execution, error)
	GetExecutionByIdempotencyKey(ctx context.Context, key string) (*domain.Execution, error)
}

var transitions = map[domain.ExecutionState]map[domain.ExecutionState]bool{
	domain.ExecutionQueued: {
		domain.ExecutionRunning:   true,
		domain.ExecutionFailed:    true,
		domain.ExecutionCancelled: true,
	},
	domain.ExecutionRunning: {
		domain.ExecutionCompleted:   true,
		domain.ExecutionFailed:      true,
		domain.ExecutionTimedOut:    true,
		domain.ExecutionInterrupted: true,
		domain.ExecutionCancelled:   true,
	},
	domain.ExecutionInterrupted: {
		domain.ExecutionRunning:   true,
		domain.ExecutionCompleted: true,
		domain.ExecutionFailed:    true,
		domain.ExecutionTimedOut:  true,
		domain.ExecutionCancelled: true,
	},
}

// CanTransition reports whether the lifecycle allows from -> to.
func CanTransition(from, to domain.ExecutionState) bool {
	return transitions[from][to]
}

// CreateOptions describe a new execution.
type CreateOptions struct {
	// ID is generated when empty.
	ID                 string
	AgentID            string
	ThreadID           string
	Mode               domain.Mode
	ParentExecutionID  string
	RetryOfExecutionID string
	CorrelationID      string
	IdempotencyKey     string
	Depth              int
	Input              string
	History            []domain.Message
	TimeoutMs          int64
}

// Clock is the supervisor's view of an execution's time accounting.
type Clock struct {
	State domain.ExecutionState
	// Active excludes time spent paused on interrupts.
	Active time.Duration
	// SinceProgress is active time since the last progress evidence.
	SinceProgress time.Duration
	Paused        bool
}

type entry struct {
	mu     sync.Mutex
	exec   *domain.Execution
	done   chan struct{}
	cancel context.CancelCauseFunc

	clockStart     time.Time
	pauseDepth     int
	pausedAt       time.Time
	pausedTotal    time.Duration
	progressActive time.Duration
	terminalAt     time.Time
}

func (e *entry) activeLocked(now time.Time) time.Duration {
	if e.clockStart.IsZero() {
		return 0
	}
	d := now.Sub(e.clockStart) - e.pausedTotal
	if e.pauseDepth > 0 {
		d -= now.Sub(e.pausedAt)
	}
	if d < 0 {
		d = 0
	}
	return d
}

func (e *entry) markProgressLocked(now time.Time) {
	e.progressActive = e.activeLocked(now)
}

type shard struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

// Registry is a sharded map of executions. Every mutation goes through a
// transition method and is checkpointed.
type Registry struct {
	shards    [shardCount]*shard
	cp        Checkpointer
	owner     string
	retention time.Duration
	logger    *slog.Logger
	metrics   *metrics.Metrics
	now       func() time.Time

	imu      sync.RWMutex
	byKey    map[string]string
	children map[string][]string
}

// Option configures a Registry.
type Option func(*Registry)

// WithOwner sets the instance id recorded on checkpoints.
func WithOwner(owner string) Option { return func(r *Registry) { r.owner = owner } }

// WithRetention sets how long terminal executions stay in memory.
func WithRetention(d time.Duration) Option { return func(r *Registry) { r.retention = d } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(r *Registry) { r.logger = l } }

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option { return func(r *Registry) { r.metrics = m } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(r *Registry) { r.now = now } }

// NewRegistry creates a registry. cp may be nil for a purely local registry.
func NewRegistry(cp Checkpointer, opts ...Option) *Registry {
	r := &Registry{
		cp:        cp,
		retention: defaultRetention,
		logger:    slog.Default(),
		now:       time.Now,
		byKey:     make(map[string]string),
		children:  make(map[string][]string),
	}
	for i := range r.shards {
		r.shards[i] = &shard{entries: make(map[string]*entry)}
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "execution_registry")
	return r
}

func (r *Registry) shardFor(id string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return r.shards[h.Sum32()%shardCount]
}

func (r *Registry) lookup(id string) (*entry, bool) {
	s := r.shardFor(id)
	s.mu.RLock()
	e, ok := s.entries[id]
	s.mu.RUnlock()
	return e, ok
}

// Create registers a queued execution and checkpoints it.
func (r *Registry) Create(ctx context.Context, opts CreateOptions) (*domain.Execution, error) {
	if opts.AgentID == "" {
		return nil, domain.NewConfigurationError("execution requires an agent id")
	}
	id := opts.ID
	if id == "" {
		id = "exec_" + uuid.New().String()[:8]
	}
	exec := &domain.Execution{
		ID:                 id,
		ThreadID:           opts.ThreadID,
		AgentID:            opts.AgentID,
		Mode:               opts.Mode,
		State:              domain.ExecutionQueued,
		ParentExecutionID:  opts.ParentExecutionID,
		RetryOfExecutionID: opts.RetryOfExecutionID,
		CorrelationID:      opts.CorrelationID,
		IdempotencyKey:     opts.IdempotencyKey,
		Depth:              opts.Depth,
		Input:              opts.Input,
		History:            append([]domain.Message(nil), opts.History...),
		CreatedAt:          r.now(),
		StepLog:            []domain.Step{},
		Usage:              domain.UsageCounters{Messages: len(opts.History)},
		TimeoutMs:          opts.TimeoutMs,
		Owner:              r.owner,
		Version:            1,
	}
	e := &entry{exec: exec, done: make(chan struct{})}

	s := r.shardFor(id)
	s.mu.Lock()
	if _, exists := s.entries[id]; exists {
		s.mu.Unlock()
		return nil, fmt.Errorf("execution %s already exists", id)
	}
	s.entries[id] = e
	s.mu.Unlock()

	if r.cp != nil {
		if err := r.cp.SaveExecution(ctx, exec.Clone()); err != nil {
			s.mu.Lock()
			delete(s.entries, id)
			s.mu.Unlock()
			return nil, fmt.Errorf("failed to checkpoint execution: %w", err)
		}
	}

	r.imu.Lock()
	if opts.IdempotencyKey != "" {
		if _, taken := r.byKey[opts.IdempotencyKey]; !taken {
			r.byKey[opts.IdempotencyKey] = id
		}
	}
	if opts.ParentExecutionID != "" {
		r.children[opts.ParentExecutionID] = append(r.children[opts.ParentExecutionID], id)
	}
	r.imu.Unlock()

	r.metrics.ExecutionStarted(string(opts.Mode))
	return exec.Clone(), nil
}

// Restore loads a checkpoint owned by this instance back into memory. The
// clock restarts at restore time.
func (r *Registry) Restore(exec *domain.Execution) *domain.Execution {
	cp := exec.Clone()
	cp.Owner = r.owner
	e := &entry{exec: cp, done: make(chan struct{})}
	if cp.State == domain.ExecutionRunning || cp.State == domain.ExecutionInterrupted {
		e.clockStart = r.now()
	}
	if cp.State.Terminal() {
		close(e.done)
		e.terminalAt = r.now()
	}

	s := r.shardFor(cp.ID)
	s.mu.Lock()
	s.entries[cp.ID] = e
	s.mu.Unlock()

	r.imu.Lock()
	if cp.IdempotencyKey != "" {
		if _, taken := r.byKey[cp.IdempotencyKey]; !taken {
			r.byKey[cp.IdempotencyKey] = cp.ID
		}
	}
	if cp.ParentExecutionID != "" {
		r.children[cp.ParentExecutionID] = appendUnique(r.children[cp.ParentExecutionID], cp.ID)
	}
	r.imu.Unlock()
	return cp.Clone()
}

// Get returns a snapshot. Executions unknown locally are read from the
// checkpoint store.
func (r *Registry) Get(ctx context.Context, id string) (*domain.Execution, error) {
	if e, ok := r.lookup(id); ok {
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.exec.Clone(), nil
	}
	if r.cp != nil {
		exec, err := r.cp.GetExecution(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("failed to load execution: %w", err)
		}
		if exec != nil {
			return exec, nil
		}
	}
	return nil, fmt.Errorf("execution %s: %w", id, domain.ErrNotFound)
}

// IsLocal reports whether this process owns the execution in memory.
func (r *Registry) IsLocal(id string) bool {
	_, ok := r.lookup(id)
	return ok
}

// FindByKey returns the execution started for an idempotency key.
func (r *Registry) FindByKey(ctx context.Context, key string) (*domain.Execution, error) {
	r.imu.RLock()
	id, ok := r.byKey[key]
	r.imu.RUnlock()
	if ok {
		return r.Get(ctx, id)
	}
	if r.cp == nil {
		return nil, nil
	}
	exec, err := r.cp.GetExecutionByIdempotencyKey(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to find execution: %w", err)
	}
	return exec, nil
}

// TransitionOption sets fields alongside a state change.
type TransitionOption func(*domain.Execution)

// WithReason records the human readable reason.
func WithReason(reason string) TransitionOption {
	return func(e *domain.Execution) { e.Reason = reason }
}

// WithResult records the final result.
func WithResult(result string) TransitionOption {
	return func(e *domain.Execution) { e.Result = result }
}

// WithRetried marks that an automatic retry was already attempted.
func WithRetried() TransitionOption {
	return func(e *domain.Execution) { e.Retried = true }
}

// WithRetryExecution links the retry spawned for this execution.
func WithRetryExecution(id string) TransitionOption {
	return func(e *domain.Execution) { e.RetryExecutionID = id }
}

// Transition moves an execution to a new state if the lifecycle allows it.
func (r *Registry) Transition(ctx context.Context, id string, to domain.ExecutionState, opts ...TransitionOption) (*domain.Execution, error) {
	e, ok := r.lookup(id)
	if !ok {
		return nil, fmt.Errorf("execution %s: %w", id, domain.ErrNotFound)
	}

	e.mu.Lock()
	from := e.exec.State
	if !CanTransition(from, to) {
		e.mu.Unlock()
		return nil, fmt.Errorf("%s -> %s for %s: %w", from, to, id, domain.ErrInvalidTransition)
	}
	now := r.now()
	r.applyLocked(e, to, now)
	for _, opt := range opts {
		opt(e.exec)
	}
	snap := r.bumpLocked(e)
	e.mu.Unlock()

	if to.Terminal() {
		r.metrics.ExecutionFinished(string(to))
	}
	r.checkpoint(ctx, snap)
	return snap, nil
}

func (r *Registry) applyLocked(e *entry, to domain.ExecutionState, now time.Time) {
	e.exec.State = to
	if to == domain.ExecutionRunning && e.exec.StartedAt == nil {
		t := now
		e.exec.StartedAt = &t
	}
	if to == domain.ExecutionRunning && e.clockStart.IsZero() {
		e.clockStart = now
		e.progressActive = 0
	}
	if to.Terminal() {
		t := now
		e.exec.CompletedAt = &t
		e.terminalAt = now
		close(e.done)
	}
}

func (r *Registry) bumpLocked(e *entry) *domain.Execution {
	e.exec.Version++
	return e.exec.Clone()
}

func (r *Registry) checkpoint(ctx context.Context, snap *domain.Execution) {
	if r.cp == nil {
		return
	}
	if err := r.cp.SaveExecution(context.WithoutCancel(ctx), snap); err != nil {
		r.logger.Warn("checkpoint failed", "execution_id", snap.ID, "version", snap.Version, "error", err)
	}
}

// AppendStep adds a step to the log. Steps other than warnings and retries
// are progress evidence for the execution and its ancestors.
func (r *Registry) AppendStep(ctx context.Context, id string, typ domain.StepType, detail string, data any) (domain.Step, error) {
	e, ok := r.lookup(id)
	if !ok {
		return domain.Step{}, fmt.Errorf("execution %s: %w", id, domain.ErrNotFound)
	}
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return domain.Step{}, fmt.Errorf("marshal step data: %w", err)
		}
		raw = b
	}

	now := r.now()
	e.mu.Lock()
	step := domain.Step{Seq: len(e.exec.StepLog) + 1, Type: typ, Ts: now, Detail: detail, Data: raw}
	e.exec.StepLog = append(e.exec.StepLog, step)
	e.exec.Usage.Steps++
	parent := e.exec.ParentExecutionID
	if typ.CountsAsProgress() {
		e.markProgressLocked(now)
	}
	snap := r.bumpLocked(e)
	e.mu.Unlock()

	if typ.CountsAsProgress() {
		r.propagateProgress(parent, now)
	}
	r.checkpoint(ctx, snap)
	return step, nil
}

// AddMessage appends to the execution's history.
func (r *Registry) AddMessage(ctx context.Context, id string, msg domain.Message) error {
	e, ok := r.lookup(id)
	if !ok {
		return fmt.Errorf("execution %s: %w", id, domain.ErrNotFound)
	}
	now := r.now()
	e.mu.Lock()
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now
	}
	e.exec.History = append(e.exec.History, msg)
	e.exec.Usage.Messages++
	e.markProgressLocked(now)
	parent := e.exec.ParentExecutionID
	snap := r.bumpLocked(e)
	e.mu.Unlock()

	r.propagateProgress(parent, now)
	r.checkpoint(ctx, snap)
	return nil
}

// RecordUsage adds counters. Growth in steps or messages counts as progress.
func (r *Registry) RecordUsage(id string, delta domain.UsageCounters) error {
	e, ok := r.lookup(id)
	if !ok {
		return fmt.Errorf("execution %s: %w", id, domain.ErrNotFound)
	}
	now := r.now()
	e.mu.Lock()
	e.exec.Usage = e.exec.Usage.Add(delta)
	progressed := delta.Steps > 0 || delta.Messages > 0
	if progressed {
		e.markProgressLocked(now)
	}
	parent := e.exec.ParentExecutionID
	e.exec.Version++
	e.mu.Unlock()

	if progressed {
		r.propagateProgress(parent, now)
	}
	return nil
}

func (r *Registry) propagateProgress(id string, now time.Time) {
	for id != "" {
		e, ok := r.lookup(id)
		if !ok {
			return
		}
		e.mu.Lock()
		e.markProgressLocked(now)
		next := e.exec.ParentExecutionID
		e.mu.Unlock()
		id = next
	}
}

// Pause suspends the clock of an execution and its ancestors. The first
// pause moves a running execution to interrupted.
func (r *Registry) Pause(ctx context.Context, id string) error {
	e, ok := r.lookup(id)
	if !ok {
		return fmt.Errorf("execution %s: %w", id, domain.ErrNotFound)
	}
	now := r.now()

	e.mu.Lock()
	pauseClockLocked(e, now)
	var snap *domain.Execution
	if e.exec.State == domain.ExecutionRunning {
		e.exec.State = domain.ExecutionInterrupted
		snap = r.bumpLocked(e)
	}
	parent := e.exec.ParentExecutionID
	e.mu.Unlock()

	r.walkAncestors(parent, func(a *entry) { pauseClockLocked(a, now) })
	if snap != nil {
		r.checkpoint(ctx, snap)
	}
	return nil
}

// Resume releases one pause. When the last pause is released an interrupted
// execution returns to running.
func (r *Registry) Resume(ctx context.Context, id string) error {
	e, ok := r.lookup(id)
	if !ok {
		return fmt.Errorf("execution %s: %w", id, domain.ErrNotFound)
	}
	now := r.now()

	e.mu.Lock()
	resumeClockLocked(e, now)
	var snap *domain.Execution
	if e.pauseDepth == 0 && e.exec.State == domain.ExecutionInterrupted {
		e.exec.State = domain.ExecutionRunning
		e.markProgressLocked(now)
		snap = r.bumpLocked(e)
	}
	parent := e.exec.ParentExecutionID
	e.mu.Unlock()

	r.walkAncestors(parent, func(a *entry) { resumeClockLocked(a, now) })
	if snap != nil {
		r.checkpoint(ctx, snap)
	}
	return nil
}

func pauseClockLocked(e *entry, now time.Time) {
	if e.pauseDepth == 0 {
		e.pausedAt = now
	}
	e.pauseDepth++
}

func resumeClockLocked(e *entry, now time.Time) {
	if e.pauseDepth == 0 {
		return
	}
	e.pauseDepth--
	if e.pauseDepth == 0 {
		e.pausedTotal += now.Sub(e.pausedAt)
	}
}

func (r *Registry) walkAncestors(id string, fn func(*entry)) {
	for id != "" {
		e, ok := r.lookup(id)
		if !ok {
			return
		}
		e.mu.Lock()
		fn(e)
		next := e.exec.ParentExecutionID
		e.mu.Unlock()
		id = next
	}
}

// Clock returns time accounting for a local execution.
func (r *Registry) Clock(id string) (Clock, bool) {
	e, ok := r.lookup(id)
	if !ok {
		return Clock{}, false
	}
	now := r.now()
	e.mu.Lock()
	defer e.mu.Unlock()
	active := e.activeLocked(now)
	since := active - e.progressActive
	if since < 0 {
		since = 0
	}
	return Clock{State: e.exec.State, Active: active, SinceProgress: since, Paused: e.pauseDepth > 0}, true
}

// ActiveElapsed returns elapsed time excluding pauses.
func (r *Registry) ActiveElapsed(id string) time.Duration {
	c, _ := r.Clock(id)
	return c.Active
}

// SetCancel stores the cancel function of the goroutine running id.
func (r *Registry) SetCancel(id string, cancel context.CancelCauseFunc) {
	if e, ok := r.lookup(id); ok {
		e.mu.Lock()
		e.cancel = cancel
		e.mu.Unlock()
	}
}

// Signal cancels the goroutine running id, if any. It reports whether a
// cancel function was registered.
func (r *Registry) Signal(id string, cause error) bool {
	e, ok := r.lookup(id)
	if !ok {
		return false
	}
	e.mu.Lock()
	cancel := e.cancel
	e.mu.Unlock()
	if cancel == nil {
		return false
	}
	cancel(cause)
	return true
}

// Done returns a channel closed when the execution reaches a terminal state.
func (r *Registry) Done(id string) (<-chan struct{}, bool) {
	e, ok := r.lookup(id)
	if !ok {
		return nil, false
	}
	return e.done, true
}

// Wait blocks until the execution is terminal. Executions owned by another
// process are polled through the checkpoint store.
func (r *Registry) Wait(ctx context.Context, id string) (*domain.Execution, error) {
	if done, ok := r.Done(id); ok {
		select {
		case <-done:
			return r.Get(ctx, id)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		exec, err := r.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if exec.State.Terminal() {
			return exec, nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Children lists the executions created with id as parent.
func (r *Registry) Children(id string) []string {
	r.imu.RLock()
	defer r.imu.RUnlock()
	return append([]string(nil), r.children[id]...)
}

// SweepExpired evicts executions terminal for longer than the retention
// window. It returns the number evicted.
func (r *Registry) SweepExpired() int {
	cutoff := r.now().Add(-r.retention)
	var evicted []*domain.Execution
	for _, s := range r.shards {
		s.mu.Lock()
		for id, e := range s.entries {
			e.mu.Lock()
			expired := e.exec.State.Terminal() && !e.terminalAt.IsZero() && e.terminalAt.Before(cutoff)
			var exec *domain.Execution
			if expired {
				exec = e.exec
			}
			e.mu.Unlock()
			if expired {
				delete(s.entries, id)
				evicted = append(evicted, exec)
			}
		}
		s.mu.Unlock()
	}
	if len(evicted) == 0 {
		return 0
	}

	r.imu.Lock()
	for _, exec := range evicted {
		if exec.IdempotencyKey != "" && r.byKey[exec.IdempotencyKey] == exec.ID {
			delete(r.byKey, exec.IdempotencyKey)
		}
		delete(r.children, exec.ID)
		if exec.ParentExecutionID != "" {
			r.children[exec.ParentExecutionID] = remove(r.children[exec.ParentExecutionID], exec.ID)
			if len(r.children[exec.ParentExecutionID]) == 0 {
				delete(r.children, exec.ParentExecutionID)
			}
		}
	}
	r.imu.Unlock()

	r.logger.Debug("swept executions", "count", len(evicted))
	return len(evicted)
}

// Len reports how many executions are held in memory.
func (r *Registry) Len() int {
	n := 0
	for _, s := range r.shards {
		s.mu.RLock()
		n += len(s.entries)
		s.mu.RUnlock()
	}
	return n
}

func appendUnique(ids []string, id string) []string {
	for _, existing := range ids {
		if existing == id {
			return ids
		}
	}
	return append(ids, id)
}

func remove(ids []string, id string) []string {
	out := ids[:0]
	for _, existing := range ids {
		if existing != id {
			out = append(out, existing)
		}
	}
	return out
}
