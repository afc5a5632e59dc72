package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xiaot623/gogo/internal/domain"
	"github.com/xiaot623/gogo/internal/logging"
	"github.com/xiaot623/gogo/tests/helpers"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestRegistry(t *testing.T, opts ...Option) (*Registry, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	opts = append([]Option{WithClock(clock.Now), WithLogger(logging.Discard()), WithOwner("node-a")}, opts...)
	return NewRegistry(helpers.NewTestSQLiteStore(t), opts...), clock
}

func TestTransitionTable(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRegistry(t)

	exec, err := r.Create(ctx, CreateOptions{AgentID: "weather", ThreadID: "weather_direct", Input: "hi"})
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionQueued, exec.State)

	_, err = r.Transition(ctx, exec.ID, domain.ExecutionCompleted)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	running, err := r.Transition(ctx, exec.ID, domain.ExecutionRunning)
	require.NoError(t, err)
	require.NotNil(t, running.StartedAt)

	done, err := r.Transition(ctx, exec.ID, domain.ExecutionCompleted, WithResult("sunny"))
	require.NoError(t, err)
	assert.Equal(t, "sunny", done.Result)
	require.NotNil(t, done.CompletedAt)

	_, err = r.Transition(ctx, exec.ID, domain.ExecutionRunning)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition, "terminal states are final")

	ch, ok := r.Done(exec.ID)
	require.True(t, ok)
	select {
	case <-ch:
	default:
		t.Fatal("done channel must be closed on terminal state")
	}
}

func TestGetFallsBackToCheckpoint(t *testing.T) {
	ctx := context.Background()
	st := helpers.NewTestSQLiteStore(t)
	a := NewRegistry(st, WithOwner("node-a"), WithLogger(logging.Discard()))
	b := NewRegistry(st, WithOwner("node-b"), WithLogger(logging.Discard()))

	exec, err := a.Create(ctx, CreateOptions{AgentID: "weather", IdempotencyKey: "req-1"})
	require.NoError(t, err)
	_, err = a.Transition(ctx, exec.ID, domain.ExecutionRunning)
	require.NoError(t, err)
	_, err = a.AppendStep(ctx, exec.ID, domain.StepAgentInvoke, "calling weather", nil)
	require.NoError(t, err)

	got, err := b.Get(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionRunning, got.State)
	assert.Equal(t, "node-a", got.Owner)
	assert.Len(t, got.StepLog, 1)
	assert.False(t, b.IsLocal(exec.ID))

	byKey, err := b.FindByKey(ctx, "req-1")
	require.NoError(t, err)
	require.NotNil(t, byKey)
	assert.Equal(t, exec.ID, byKey.ID)

	_, err = b.Get(ctx, "exec_missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestWaitPollsRemoteExecution(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	st := helpers.NewTestSQLiteStore(t)
	a := NewRegistry(st, WithLogger(logging.Discard()))
	b := NewRegistry(st, WithLogger(logging.Discard()))

	exec, err := a.Create(ctx, CreateOptions{AgentID: "weather"})
	require.NoError(t, err)
	_, err = a.Transition(ctx, exec.ID, domain.ExecutionRunning)
	require.NoError(t, err)

	go func() {
		time.Sleep(50 * time.Millisecond)
		_, _ = a.Transition(context.Background(), exec.ID, domain.ExecutionFailed, WithReason("boom"))
	}()

	got, err := b.Wait(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionFailed, got.State)
	assert.Equal(t, "boom", got.Reason)
}

func TestPauseExcludesWaitFromActiveTime(t *testing.T) {
	ctx := context.Background()
	r, clock := newTestRegistry(t)

	parent, err := r.Create(ctx, CreateOptions{AgentID: "supervisor"})
	require.NoError(t, err)
	_, err = r.Transition(ctx, parent.ID, domain.ExecutionRunning)
	require.NoError(t, err)
	child, err := r.Create(ctx, CreateOptions{AgentID: "payments", ParentExecutionID: parent.ID, Depth: 1})
	require.NoError(t, err)
	_, err = r.Transition(ctx, child.ID, domain.ExecutionRunning)
	require.NoError(t, err)

	clock.Advance(10 * time.Second)
	require.NoError(t, r.Pause(ctx, child.ID))

	got, err := r.Get(ctx, child.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionInterrupted, got.State)

	clock.Advance(3 * time.Minute)
	c, ok := r.Clock(child.ID)
	require.True(t, ok)
	assert.True(t, c.Paused)
	assert.Equal(t, 10*time.Second, c.Active)
	assert.Equal(t, 10*time.Second, r.ActiveElapsed(parent.ID), "ancestor clocks pause too")

	require.NoError(t, r.Resume(ctx, child.ID))
	clock.Advance(5 * time.Second)
	got, err = r.Get(ctx, child.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionRunning, got.State)
	assert.Equal(t, 15*time.Second, r.ActiveElapsed(child.ID))
	assert.Equal(t, 15*time.Second, r.ActiveElapsed(parent.ID))
}

func TestPauseIsReferenceCounted(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRegistry(t)

	exec, err := r.Create(ctx, CreateOptions{AgentID: "payments"})
	require.NoError(t, err)
	_, err = r.Transition(ctx, exec.ID, domain.ExecutionRunning)
	require.NoError(t, err)

	require.NoError(t, r.Pause(ctx, exec.ID))
	require.NoError(t, r.Pause(ctx, exec.ID))
	require.NoError(t, r.Resume(ctx, exec.ID))

	got, _ := r.Get(ctx, exec.ID)
	assert.Equal(t, domain.ExecutionInterrupted, got.State, "one interrupt still pending")

	require.NoError(t, r.Resume(ctx, exec.ID))
	got, _ = r.Get(ctx, exec.ID)
	assert.Equal(t, domain.ExecutionRunning, got.State)
}

func TestProgressPropagatesToAncestors(t *testing.T) {
	ctx := context.Background()
	r, clock := newTestRegistry(t)

	parent, _ := r.Create(ctx, CreateOptions{AgentID: "supervisor"})
	_, _ = r.Transition(ctx, parent.ID, domain.ExecutionRunning)
	child, _ := r.Create(ctx, CreateOptions{AgentID: "research", ParentExecutionID: parent.ID})
	_, _ = r.Transition(ctx, child.ID, domain.ExecutionRunning)

	clock.Advance(20 * time.Second)
	_, err := r.AppendStep(ctx, child.ID, domain.StepAgentStep, "searching", nil)
	require.NoError(t, err)
	clock.Advance(2 * time.Second)

	c, _ := r.Clock(parent.ID)
	assert.Equal(t, 2*time.Second, c.SinceProgress)

	// Warnings are not progress.
	clock.Advance(3 * time.Second)
	_, err = r.AppendStep(ctx, child.ID, domain.StepWarning, "80% of budget used", nil)
	require.NoError(t, err)
	c, _ = r.Clock(child.ID)
	assert.Equal(t, 5*time.Second, c.SinceProgress)
}

func TestSweepExpired(t *testing.T) {
	ctx := context.Background()
	r, clock := newTestRegistry(t, WithRetention(time.Minute))

	done, _ := r.Create(ctx, CreateOptions{AgentID: "a", IdempotencyKey: "k"})
	_, _ = r.Transition(ctx, done.ID, domain.ExecutionRunning)
	_, _ = r.Transition(ctx, done.ID, domain.ExecutionCompleted)
	live, _ := r.Create(ctx, CreateOptions{AgentID: "b"})
	_, _ = r.Transition(ctx, live.ID, domain.ExecutionRunning)

	assert.Equal(t, 0, r.SweepExpired())
	clock.Advance(2 * time.Minute)
	assert.Equal(t, 1, r.SweepExpired())
	assert.Equal(t, 1, r.Len())

	// Evicted executions stay readable from the checkpoint store.
	got, err := r.Get(ctx, done.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionCompleted, got.State)
}

func TestConcurrentCreateTransitionGet(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry(nil, WithLogger(logging.Discard()))

	var wg sync.WaitGroup
	errs := make(chan error, 64)
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			exec, err := r.Create(ctx, CreateOptions{AgentID: fmt.Sprintf("agent-%d", i%4)})
			if err != nil {
				errs <- err
				return
			}
			if _, err := r.Transition(ctx, exec.ID, domain.ExecutionRunning); err != nil {
				errs <- err
				return
			}
			for j := 0; j < 5; j++ {
				if _, err := r.AppendStep(ctx, exec.ID, domain.StepAgentStep, "", nil); err != nil {
					errs <- err
					return
				}
				if _, err := r.Get(ctx, exec.ID); err != nil {
					errs <- err
					return
				}
			}
			if _, err := r.Transition(ctx, exec.ID, domain.ExecutionCompleted); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent access failed: %v", err)
	}
	assert.Equal(t, 64, r.Len())
}

func TestSignalCancelsRunningGoroutine(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry(nil, WithLogger(logging.Discard()))
	exec, _ := r.Create(ctx, CreateOptions{AgentID: "a"})

	runCtx, cancel := context.WithCancelCause(ctx)
	r.SetCancel(exec.ID, cancel)
	cause := errors.New("user cancelled")
	assert.True(t, r.Signal(exec.ID, cause))
	assert.ErrorIs(t, context.Cause(runCtx), cause)
}
