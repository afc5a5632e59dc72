package interrupt

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xiaot623/gogo/internal/domain"
	"github.com/xiaot623/gogo/internal/logging"
	"github.com/xiaot623/gogo/tests/helpers"
)

type countingClock struct {
	paused  atomic.Int32
	resumed atomic.Int32
}

func (c *countingClock) Pause(context.Context, string) error {
	c.paused.Add(1)
	return nil
}

func (c *countingClock) Resume(context.Context, string) error {
	c.resumed.Add(1)
	return nil
}

func newTestManager(t *testing.T, st Store, clock Clock, cfg Config) *Manager {
	t.Helper()
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 10 * time.Millisecond
	}
	return NewManager(st, clock, cfg, nil, logging.Discard())
}

func TestRequestApprovalPersistsBeforePausing(t *testing.T) {
	ctx := context.Background()
	st := helpers.NewTestSQLiteStore(t)
	clock := &countingClock{}
	m := newTestManager(t, st, clock, Config{ApprovalTimeout: time.Minute})

	it, err := m.RequestApproval(ctx, "exec_1", "call_1", "payments.transfer", json.RawMessage(`{"amount":100}`))
	require.NoError(t, err)
	assert.Equal(t, domain.InterruptPending, it.Status)
	assert.Equal(t, int32(1), clock.paused.Load())

	stored, err := st.GetInterrupt(ctx, it.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, "call_1", stored.ToolInvocationID)
	assert.JSONEq(t, `{"amount":100}`, string(stored.Arguments))
	assert.WithinDuration(t, it.CreatedAt.Add(time.Minute), stored.ExpiresAt, time.Millisecond)
}

func TestResolveApproveWithAmendedArguments(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, helpers.NewTestSQLiteStore(t), nil, Config{})

	it, err := m.RequestApproval(ctx, "exec_1", "call_1", "payments.transfer", json.RawMessage(`{"amount":100}`))
	require.NoError(t, err)

	resolved, err := m.Resolve(ctx, it.ID, domain.DecisionApprove, json.RawMessage(`{"amount":50}`), "ana", "lowered")
	require.NoError(t, err)
	assert.Equal(t, domain.InterruptApproved, resolved.Status)
	assert.Equal(t, "ana", resolved.DecidedBy)
	assert.JSONEq(t, `{"amount":50}`, string(resolved.EffectiveArguments()))

	_, err = m.Resolve(ctx, it.ID, domain.DecisionReject, nil, "bob", "")
	assert.ErrorIs(t, err, domain.ErrInterruptResolved)
}

func TestResolveRejectsUnknownDecision(t *testing.T) {
	m := newTestManager(t, helpers.NewTestSQLiteStore(t), nil, Config{})
	_, err := m.Resolve(context.Background(), "int_x", domain.Decision("maybe"), nil, "", "")
	assert.True(t, domain.IsConfiguration(err))

	_, err = m.Resolve(context.Background(), "int_missing", domain.DecisionApprove, nil, "", "")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestConcurrentResolveHasOneWinner(t *testing.T) {
	ctx := context.Background()
	dsn := helpers.NewSharedSQLiteDSN(t)
	a := newTestManager(t, helpers.OpenSQLiteStore(t, dsn), nil, Config{})
	b := newTestManager(t, helpers.OpenSQLiteStore(t, dsn), nil, Config{})

	it, err := a.RequestApproval(ctx, "exec_1", "call_1", "email.send", json.RawMessage(`{}`))
	require.NoError(t, err)

	var (
		wg       sync.WaitGroup
		wins     atomic.Int32
		resolved atomic.Int32
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m := a
			decision := domain.DecisionApprove
			if i%2 == 1 {
				m = b
				decision = domain.DecisionReject
			}
			_, err := m.Resolve(ctx, it.ID, decision, nil, "user", "")
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, domain.ErrInterruptResolved):
				resolved.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(7), resolved.Load())
}

func TestWaitSeesResolutionFromAnotherInstance(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	dsn := helpers.NewSharedSQLiteDSN(t)
	clock := &countingClock{}
	owner := newTestManager(t, helpers.OpenSQLiteStore(t, dsn), clock, Config{})
	other := newTestManager(t, helpers.OpenSQLiteStore(t, dsn), nil, Config{})

	it, err := owner.RequestApproval(ctx, "exec_1", "call_1", "payments.transfer", json.RawMessage(`{"amount":1}`))
	require.NoError(t, err)

	go func() {
		time.Sleep(50 * time.Millisecond)
		_, _ = other.Resolve(context.Background(), it.ID, domain.DecisionApprove, nil, "ops", "")
	}()

	got, err := owner.Wait(ctx, it.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.InterruptApproved, got.Status)
	assert.Equal(t, int32(1), clock.resumed.Load(), "clock resumes once the wait ends")
}

func TestWaitExpiresPastDeadline(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	m := newTestManager(t, helpers.NewTestSQLiteStore(t), nil, Config{ApprovalTimeout: 30 * time.Millisecond})

	it, err := m.RequestApproval(ctx, "exec_1", "call_1", "email.send", nil)
	require.NoError(t, err)

	got, err := m.Wait(ctx, it.ID)
	assert.ErrorIs(t, err, domain.ErrApprovalTimeout)
	require.NotNil(t, got)
	assert.Equal(t, domain.InterruptTimedOut, got.Status)

	_, err = m.Resolve(ctx, it.ID, domain.DecisionApprove, nil, "late", "")
	assert.ErrorIs(t, err, domain.ErrInterruptResolved)
}

func TestResolveAfterDeadlineTimesOut(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, helpers.NewTestSQLiteStore(t), nil, Config{ApprovalTimeout: time.Minute})
	now := time.Now()
	m.now = func() time.Time { return now }

	it, err := m.RequestApproval(ctx, "exec_1", "call_1", "email.send", nil)
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	got, err := m.Resolve(ctx, it.ID, domain.DecisionApprove, nil, "late", "")
	assert.ErrorIs(t, err, domain.ErrInterruptResolved)
	assert.ErrorIs(t, err, domain.ErrApprovalTimeout)
	assert.Equal(t, domain.InterruptTimedOut, got.Status)
}

func TestSweepExpiredAndCancelForExecution(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, helpers.NewTestSQLiteStore(t), nil, Config{ApprovalTimeout: time.Minute})
	now := time.Now()
	m.now = func() time.Time { return now }

	stale, err := m.RequestApproval(ctx, "exec_1", "call_1", "email.send", nil)
	require.NoError(t, err)
	now = now.Add(50 * time.Second)
	fresh, err := m.RequestApproval(ctx, "exec_2", "call_2", "email.send", nil)
	require.NoError(t, err)

	now = now.Add(20 * time.Second)
	expired, err := m.SweepExpired(ctx)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, stale.ID, expired[0].ID)

	cancelled, err := m.CancelForExecution(ctx, "exec_2", "execution cancelled")
	require.NoError(t, err)
	require.Len(t, cancelled, 1)
	assert.Equal(t, fresh.ID, cancelled[0].ID)
	assert.Equal(t, domain.InterruptRejected, cancelled[0].Status)
	assert.Equal(t, "system", cancelled[0].DecidedBy)
}

// ownerClock only knows the executions of its own instance.
type ownerClock struct {
	countingClock
	local map[string]bool
}

func (c *ownerClock) Pause(ctx context.Context, id string) error {
	if !c.local[id] {
		return domain.ErrNotFound
	}
	return c.countingClock.Pause(ctx, id)
}

func (c *ownerClock) Resume(ctx context.Context, id string) error {
	if !c.local[id] {
		return domain.ErrNotFound
	}
	return c.countingClock.Resume(ctx, id)
}

func TestAdoptPausesOwnerForApprovalRequestedElsewhere(t *testing.T) {
	ctx := context.Background()
	dsn := helpers.NewSharedSQLiteDSN(t)
	st := helpers.OpenSQLiteStore(t, dsn)
	now := time.Now()
	for id, owner := range map[string]string{"exec_a": "node-a", "exec_b": "node-b"} {
		require.NoError(t, st.SaveExecution(ctx, &domain.Execution{
			ID: id, AgentID: "payments", Mode: domain.ModeDirect, State: domain.ExecutionRunning,
			Input: "pay bob", CreatedAt: now, Owner: owner,
		}))
	}

	ownerClk := &ownerClock{local: map[string]bool{"exec_a": true}}
	owner := newTestManager(t, st, ownerClk, Config{})
	elsewhereClk := &ownerClock{local: map[string]bool{"exec_b": true}}
	elsewhere := newTestManager(t, helpers.OpenSQLiteStore(t, dsn), elsewhereClk, Config{})

	it, err := elsewhere.RequestApproval(ctx, "exec_a", "call_1", "payments.transfer", json.RawMessage(`{"amount":1}`))
	require.NoError(t, err)
	_, err = elsewhere.RequestApproval(ctx, "exec_b", "call_2", "payments.transfer", json.RawMessage(`{"amount":2}`))
	require.NoError(t, err)
	assert.Equal(t, int32(0), ownerClk.paused.Load())

	require.NoError(t, owner.Adopt(ctx, "node-a"))
	require.NoError(t, owner.Adopt(ctx, "node-a"))
	assert.Equal(t, int32(1), ownerClk.paused.Load(), "one pause per approval")
	assert.Equal(t, int32(0), ownerClk.resumed.Load())

	_, err = elsewhere.Resolve(ctx, it.ID, domain.DecisionApprove, nil, "ops", "")
	require.NoError(t, err)
	_, err = elsewhere.Wait(ctx, it.ID)
	require.NoError(t, err)
	assert.Equal(t, int32(0), elsewhereClk.resumed.Load(), "the requester never held the clock")

	require.NoError(t, owner.Adopt(ctx, "node-a"))
	assert.Equal(t, int32(1), ownerClk.resumed.Load())
}

func TestHoldIsReleasedByWait(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	st := helpers.NewTestSQLiteStore(t)
	clock := &countingClock{}
	before := newTestManager(t, st, nil, Config{})
	it, err := before.RequestApproval(ctx, "exec_1", "call_1", "email.send", nil)
	require.NoError(t, err)

	after := newTestManager(t, st, clock, Config{})
	require.NoError(t, after.Hold(ctx, it))
	require.NoError(t, after.Hold(ctx, it))
	assert.Equal(t, int32(1), clock.paused.Load())

	_, err = after.Resolve(ctx, it.ID, domain.DecisionReject, nil, "ops", "")
	require.NoError(t, err)
	_, err = after.Wait(ctx, it.ID)
	require.NoError(t, err)
	assert.Equal(t, int32(1), clock.resumed.Load())
}
