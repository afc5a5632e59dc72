// Package interrupt implements durable human approval gates.
package interrupt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/xiaot623/gogo/internal/domain"
	"github.com/xiaot623/gogo/internal/metrics"
)

const (
	defaultApprovalTimeout = 30 * time.Minute
	defaultPollInterval    = 250 * time.Millisecond
	defaultCacheSize       = 512
	sweepBatch             = 100
)

// Store is the durable interrupt storage. It is the source of truth.
type Store interface {
	CreateInterrupt(ctx context.Context, it *domain.Interrupt) error
	GetInterrupt(ctx context.Context, interruptID string) (*domain.Interrupt, error)
	ResolveInterrupt(ctx context.Context, interruptID string, status domain.InterruptStatus, resolvedArgs []byte, decidedBy, reason string, at time.Time) (bool, error)
	ListPendingInterrupts(ctx context.Context, executionID string) ([]domain.Interrupt, error)
	ListExpiredInterrupts(ctx context.Context, now time.Time, limit int) ([]domain.Interrupt, error)
	ListPendingInterruptsByOwner(ctx context.Context, owner string) ([]domain.Interrupt, error)
}

// Clock suspends an execution's timeout budget while it waits on a human.
type Clock interface {
	Pause(ctx context.Context, executionID string) error
	Resume(ctx context.Context, executionID string) error
}

// Config configures the manager.
type Config struct {
	ApprovalTimeout time.Duration
	PollInterval    time.Duration
	CacheSize       int
}

// Manager creates, resolves, and waits on interrupts.
type Manager struct {
	store   Store
	clock   Clock
	cache   *lru.Cache[string, domain.Interrupt]
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	// hmu guards held: the pauses this instance applied, by interrupt id.
	hmu  sync.Mutex
	held map[string]hold
}

type hold struct {
	executionID string
	// adopted holds were taken for approvals requested through another
	// instance. No local Wait releases them.
	adopted bool
}

// NewManager creates a manager. clock may be nil.
func NewManager(st Store, clock Clock, cfg Config, m *metrics.Metrics, logger *slog.Logger) *Manager {
	if cfg.ApprovalTimeout <= 0 {
		cfg.ApprovalTimeout = defaultApprovalTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = defaultCacheSize
	}
	cache, _ := lru.New[string, domain.Interrupt](cfg.CacheSize)
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:   st,
		clock:   clock,
		cache:   cache,
		cfg:     cfg,
		logger:  logger.With("component", "interrupt"),
		metrics: m,
		now:     time.Now,
		held:    make(map[string]hold),
	}
}

// ApprovalTimeout returns the configured approval deadline.
func (m *Manager) ApprovalTimeout() time.Duration {
	return m.cfg.ApprovalTimeout
}

// RequestApproval persists a pending interrupt and pauses the execution's
// clock. The caller must follow up with exactly one Wait.
func (m *Manager) RequestApproval(ctx context.Context, executionID, toolInvocationID, toolName string, args json.RawMessage) (*domain.Interrupt, error) {
	now := m.now()
	it := &domain.Interrupt{
		ID:               "int_" + uuid.New().String()[:8],
		ExecutionID:      executionID,
		ToolInvocationID: toolInvocationID,
		ToolName:         toolName,
		Arguments:        args,
		Status:           domain.InterruptPending,
		CreatedAt:        now,
		ExpiresAt:        now.Add(m.cfg.ApprovalTimeout),
	}
	m.hmu.Lock()
	defer m.hmu.Unlock()
	if err := m.store.CreateInterrupt(ctx, it); err != nil {
		return nil, fmt.Errorf("failed to persist interrupt: %w", err)
	}
	switch err := m.holdLocked(ctx, it.ID, executionID, false); {
	case errors.Is(err, domain.ErrNotFound):
		m.logger.Info("execution not local, its owner pauses the clock", "interrupt_id", it.ID, "execution_id", executionID)
	case err != nil:
		m.logger.Warn("failed to pause execution clock", "execution_id", executionID, "error", err)
	}
	m.metrics.Interrupt(string(domain.InterruptPending))
	m.logger.Info("approval requested", "interrupt_id", it.ID, "execution_id", executionID, "tool", toolName)
	return it, nil
}

// Get returns an interrupt, serving terminal records from cache.
func (m *Manager) Get(ctx context.Context, id string) (*domain.Interrupt, error) {
	if it, ok := m.cache.Get(id); ok {
		return &it, nil
	}
	it, err := m.store.GetInterrupt(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get interrupt: %w", err)
	}
	if it == nil {
		return nil, fmt.Errorf("interrupt %s: %w", id, domain.ErrNotFound)
	}
	if it.Status.Terminal() {
		m.cache.Add(id, *it)
	}
	return it, nil
}

// Resolve records a human decision. Only the first resolution wins; later
// calls get ErrInterruptResolved.
func (m *Manager) Resolve(ctx context.Context, id string, decision domain.Decision, amended json.RawMessage, decidedBy, reason string) (*domain.Interrupt, error) {
	var status domain.InterruptStatus
	switch decision {
	case domain.DecisionApprove:
		status = domain.InterruptApproved
	case domain.DecisionReject:
		status = domain.InterruptRejected
		amended = nil
	default:
		return nil, domain.NewConfigurationError("unknown decision %q", decision)
	}
	if len(amended) > 0 && !json.Valid(amended) {
		return nil, domain.NewConfigurationError("amended arguments are not valid JSON")
	}

	it, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if it.Status.Terminal() {
		return it, fmt.Errorf("interrupt %s is %s: %w", id, it.Status, domain.ErrInterruptResolved)
	}
	if !m.now().Before(it.ExpiresAt) {
		expired, _ := m.expire(ctx, id)
		if expired != nil {
			it = expired
		}
		return it, fmt.Errorf("interrupt %s: %w: %w", id, domain.ErrInterruptResolved, domain.ErrApprovalTimeout)
	}

	ok, err := m.store.ResolveInterrupt(ctx, id, status, amended, decidedBy, reason, m.now())
	if err != nil {
		return nil, fmt.Errorf("failed to resolve interrupt: %w", err)
	}
	resolved, gerr := m.reload(ctx, id)
	if gerr != nil {
		return nil, gerr
	}
	if !ok {
		return resolved, fmt.Errorf("interrupt %s is %s: %w", id, resolved.Status, domain.ErrInterruptResolved)
	}
	m.metrics.Interrupt(string(status))
	m.logger.Info("interrupt resolved", "interrupt_id", id, "status", status, "decided_by", decidedBy)
	return resolved, nil
}

// Wait blocks until the interrupt leaves pending, expiring it once the
// approval deadline passes. The execution clock resumes on return. A timed
// out interrupt is returned together with ErrApprovalTimeout.
func (m *Manager) Wait(ctx context.Context, id string) (*domain.Interrupt, error) {
	it, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	defer m.release(context.WithoutCancel(ctx), it.ID)

	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()
	for {
		if it.Status.Terminal() {
			if it.Status == domain.InterruptTimedOut {
				return it, domain.ErrApprovalTimeout
			}
			return it, nil
		}
		if !m.now().Before(it.ExpiresAt) {
			if expired, err := m.expire(ctx, id); err == nil && expired != nil {
				it = expired
				continue
			}
		}

		select {
		case <-ctx.Done():
			return it, ctx.Err()
		case <-ticker.C:
		}

		it, err = m.Get(ctx, id)
		if err != nil {
			return nil, err
		}
	}
}

// SweepExpired times out pending interrupts past their deadline and returns
// the ones this call expired.
func (m *Manager) SweepExpired(ctx context.Context) ([]domain.Interrupt, error) {
	pending, err := m.store.ListExpiredInterrupts(ctx, m.now(), sweepBatch)
	if err != nil {
		return nil, fmt.Errorf("failed to list expired interrupts: %w", err)
	}
	var out []domain.Interrupt
	for _, p := range pending {
		it, err := m.expire(ctx, p.ID)
		if err != nil {
			m.logger.Warn("failed to expire interrupt", "interrupt_id", p.ID, "error", err)
			continue
		}
		if it != nil {
			out = append(out, *it)
		}
	}
	return out, nil
}

// CancelForExecution rejects every pending interrupt of an execution.
func (m *Manager) CancelForExecution(ctx context.Context, executionID, reason string) ([]domain.Interrupt, error) {
	pending, err := m.store.ListPendingInterrupts(ctx, executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending interrupts: %w", err)
	}
	var out []domain.Interrupt
	for _, p := range pending {
		ok, err := m.store.ResolveInterrupt(ctx, p.ID, domain.InterruptRejected, nil, "system", reason, m.now())
		if err != nil {
			return out, fmt.Errorf("failed to reject interrupt: %w", err)
		}
		if !ok {
			continue
		}
		it, err := m.reload(ctx, p.ID)
		if err != nil {
			return out, err
		}
		m.metrics.Interrupt(string(domain.InterruptRejected))
		out = append(out, *it)
	}
	return out, nil
}

// expire moves a pending interrupt to timed_out. It returns nil when another
// caller already resolved it.
func (m *Manager) expire(ctx context.Context, id string) (*domain.Interrupt, error) {
	ok, err := m.store.ResolveInterrupt(ctx, id, domain.InterruptTimedOut, nil, "system", "approval deadline passed", m.now())
	if err != nil {
		return nil, err
	}
	it, err := m.reload(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	m.metrics.Interrupt(string(domain.InterruptTimedOut))
	m.logger.Info("interrupt timed out", "interrupt_id", id, "execution_id", it.ExecutionID)
	return it, nil
}

func (m *Manager) reload(ctx context.Context, id string) (*domain.Interrupt, error) {
	it, err := m.store.GetInterrupt(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get interrupt: %w", err)
	}
	if it == nil {
		return nil, fmt.Errorf("interrupt %s: %w", id, domain.ErrNotFound)
	}
	if it.Status.Terminal() {
		m.cache.Add(id, *it)
	}
	return it, nil
}

// Hold pauses the clock for a pending interrupt whose original pause was
// lost, for instance with a restarted process. A later Wait releases it.
func (m *Manager) Hold(ctx context.Context, it *domain.Interrupt) error {
	m.hmu.Lock()
	defer m.hmu.Unlock()
	if _, ok := m.held[it.ID]; ok {
		return nil
	}
	return m.holdLocked(ctx, it.ID, it.ExecutionID, false)
}

// Adopt pauses the clocks of owner's executions for approvals requested
// through other instances, and resumes them once those approvals leave
// pending.
func (m *Manager) Adopt(ctx context.Context, owner string) error {
	if m.clock == nil {
		return nil
	}
	m.hmu.Lock()
	defer m.hmu.Unlock()

	pending, err := m.store.ListPendingInterruptsByOwner(ctx, owner)
	if err != nil {
		return fmt.Errorf("failed to list pending interrupts: %w", err)
	}
	open := make(map[string]struct{}, len(pending))
	for _, it := range pending {
		open[it.ID] = struct{}{}
		if _, ok := m.held[it.ID]; ok {
			continue
		}
		if err := m.holdLocked(ctx, it.ID, it.ExecutionID, true); err != nil {
			if !errors.Is(err, domain.ErrNotFound) {
				m.logger.Warn("failed to pause execution clock", "execution_id", it.ExecutionID, "error", err)
			}
			continue
		}
		m.logger.Info("paused clock for approval requested elsewhere", "interrupt_id", it.ID, "execution_id", it.ExecutionID)
	}
	for id, h := range m.held {
		if _, ok := open[id]; ok || !h.adopted {
			continue
		}
		delete(m.held, id)
		m.resumeClock(ctx, h.executionID)
	}
	return nil
}

func (m *Manager) holdLocked(ctx context.Context, interruptID, executionID string, adopted bool) error {
	if m.clock == nil {
		return nil
	}
	if err := m.clock.Pause(ctx, executionID); err != nil {
		return err
	}
	m.held[interruptID] = hold{executionID: executionID, adopted: adopted}
	return nil
}

// release resumes the clock if this instance paused it for interruptID.
func (m *Manager) release(ctx context.Context, interruptID string) {
	m.hmu.Lock()
	h, ok := m.held[interruptID]
	delete(m.held, interruptID)
	m.hmu.Unlock()
	if ok {
		m.resumeClock(ctx, h.executionID)
	}
}

func (m *Manager) resumeClock(ctx context.Context, executionID string) {
	if err := m.clock.Resume(ctx, executionID); err != nil && !errors.Is(err, domain.ErrNotFound) {
		m.logger.Warn("failed to resume execution clock", "execution_id", executionID, "error", err)
	}
}
