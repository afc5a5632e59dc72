package delegation

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xiaot623/gogo/internal/domain"
	"github.com/xiaot623/gogo/internal/execution"
	"github.com/xiaot623/gogo/internal/logging"
	store "github.com/xiaot623/gogo/internal/repository"
	"github.com/xiaot623/gogo/tests/helpers"
)

type staticAgents map[string]bool

func (s staticAgents) Resolve(_ context.Context, id string) (*domain.AgentDefinition, error) {
	if !s[id] {
		return nil, domain.NewConfigurationError("agent %s not found or inactive", id)
	}
	return &domain.AgentDefinition{ID: id, Active: true}, nil
}

type recordingLauncher struct {
	mu       sync.Mutex
	launched []string
}

func (l *recordingLauncher) Launch(_ context.Context, exec *domain.Execution) {
	l.mu.Lock()
	l.launched = append(l.launched, exec.ID)
	l.mu.Unlock()
}

func (l *recordingLauncher) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.launched)
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []domain.EventType
}

func (e *recordingEmitter) Emit(_ context.Context, _ string, t domain.EventType, _ any) {
	e.mu.Lock()
	e.events = append(e.events, t)
	e.mu.Unlock()
}

type fixture struct {
	coord    *Coordinator
	execs    *execution.Registry
	launcher *recordingLauncher
	emitter  *recordingEmitter
	parent   *domain.Execution
}

func newFixture(t *testing.T, st *store.SQLiteStore, cfg Config) *fixture {
	t.Helper()
	execs := execution.NewRegistry(st, execution.WithLogger(logging.Discard()))
	coord := NewCoordinator(st, staticAgents{"calendar": true, "payments": true}, execs, cfg, nil, logging.Discard())
	launcher := &recordingLauncher{}
	emitter := &recordingEmitter{}
	coord.SetLauncher(launcher)
	coord.SetEmitter(emitter)

	parent, err := execs.Create(context.Background(), execution.CreateOptions{
		AgentID:  "supervisor",
		ThreadID: "supervisor_supervised",
		Mode:     domain.ModeSupervised,
	})
	require.NoError(t, err)
	_, err = execs.Transition(context.Background(), parent.ID, domain.ExecutionRunning)
	require.NoError(t, err)
	return &fixture{coord: coord, execs: execs, launcher: launcher, emitter: emitter, parent: parent}
}

func TestDelegateCarriesHistoryAndHandoff(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, helpers.NewTestSQLiteStore(t), Config{})

	ev := domain.DelegationEvent{
		CorrelationID:     "corr-1",
		SourceExecutionID: f.parent.ID,
		TargetAgentID:     "calendar",
		Task:              "book a room for friday",
		Priority:          "high",
		Context:           map[string]string{"timezone": "UTC", "attendees": "4"},
		History: []domain.Message{
			{Role: "user", Content: "I need a meeting room"},
			{Role: "assistant", Content: "Which day?"},
			{Role: "user", Content: "Friday"},
		},
	}
	childID, err := f.coord.Delegate(ctx, ev)
	require.NoError(t, err)

	child, err := f.execs.Get(ctx, childID)
	require.NoError(t, err)
	assert.Equal(t, f.parent.ID, child.ParentExecutionID)
	assert.Equal(t, 1, child.Depth)
	assert.Equal(t, "book a room for friday", child.Input)
	require.Len(t, child.History, 4)
	assert.Equal(t, "I need a meeting room", child.History[0].Content)
	handoff := child.History[3]
	assert.Equal(t, "handoff", handoff.Kind)
	assert.Equal(t, "supervisor", handoff.AgentID)
	assert.Contains(t, handoff.Content, "Priority: high")
	assert.Contains(t, handoff.Content, "- attendees: 4\n- timezone: UTC")

	parent, err := f.execs.Get(ctx, f.parent.ID)
	require.NoError(t, err)
	require.NotEmpty(t, parent.StepLog)
	assert.Equal(t, domain.StepDelegation, parent.StepLog[len(parent.StepLog)-1].Type)
	assert.Contains(t, f.emitter.events, domain.EventTypeDelegationStarted)
	assert.Equal(t, 1, f.launcher.count())
}

func TestDelegateDeduplicatesCorrelationID(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, helpers.NewTestSQLiteStore(t), Config{})
	ev := domain.DelegationEvent{CorrelationID: "corr-dup", SourceExecutionID: f.parent.ID, TargetAgentID: "calendar", Task: "x"}

	var wg sync.WaitGroup
	ids := make([]string, 10)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := f.coord.Delegate(ctx, ev)
			if err != nil {
				t.Errorf("delegate: %v", err)
			}
			ids[i] = id
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	assert.Equal(t, 1, f.launcher.count())
	assert.Len(t, f.execs.Children(f.parent.ID), 1)
}

func TestDelegateDeduplicatesCorrelationIDAcrossSources(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, helpers.NewTestSQLiteStore(t), Config{})
	other, err := f.execs.Create(ctx, execution.CreateOptions{AgentID: "supervisor", Mode: domain.ModeSupervised})
	require.NoError(t, err)

	first, err := f.coord.Delegate(ctx, domain.DelegationEvent{CorrelationID: "corr-1", SourceExecutionID: f.parent.ID, TargetAgentID: "calendar", Task: "x"})
	require.NoError(t, err)
	second, err := f.coord.Delegate(ctx, domain.DelegationEvent{CorrelationID: "corr-1", SourceExecutionID: other.ID, TargetAgentID: "calendar", Task: "x"})
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, f.launcher.count())
	assert.Empty(t, f.execs.Children(other.ID))
}

// failingCheckpoint refuses execution saves while fail is set.
type failingCheckpoint struct {
	*store.SQLiteStore
	fail atomic.Bool
}

func (c *failingCheckpoint) SaveExecution(ctx context.Context, exec *domain.Execution) error {
	if c.fail.Load() {
		return errors.New("disk full")
	}
	return c.SQLiteStore.SaveExecution(ctx, exec)
}

func TestDelegateReleasesClaimWhenChildCannotBeCreated(t *testing.T) {
	ctx := context.Background()
	st := helpers.NewTestSQLiteStore(t)
	cp := &failingCheckpoint{SQLiteStore: st}
	execs := execution.NewRegistry(cp, execution.WithLogger(logging.Discard()))
	coord := NewCoordinator(st, staticAgents{"calendar": true}, execs, Config{}, nil, logging.Discard())
	launcher := &recordingLauncher{}
	coord.SetLauncher(launcher)

	parent, err := execs.Create(ctx, execution.CreateOptions{AgentID: "supervisor", Mode: domain.ModeSupervised})
	require.NoError(t, err)
	ev := domain.DelegationEvent{CorrelationID: "corr-retry", SourceExecutionID: parent.ID, TargetAgentID: "calendar", Task: "x"}

	cp.fail.Store(true)
	_, err = coord.Delegate(ctx, ev)
	require.Error(t, err)
	assert.Zero(t, launcher.count())

	cp.fail.Store(false)
	childID, err := coord.Delegate(ctx, ev)
	require.NoError(t, err)
	child, err := execs.Get(ctx, childID)
	require.NoError(t, err)
	assert.Equal(t, parent.ID, child.ParentExecutionID)
	assert.Equal(t, 1, launcher.count())
}

func TestDelegateDeduplicatesAcrossInstances(t *testing.T) {
	ctx := context.Background()
	dsn := helpers.NewSharedSQLiteDSN(t)
	a := newFixture(t, helpers.OpenSQLiteStore(t, dsn), Config{})
	b := newFixture(t, helpers.OpenSQLiteStore(t, dsn), Config{})

	ev := domain.DelegationEvent{CorrelationID: "corr-x", SourceExecutionID: a.parent.ID, TargetAgentID: "payments", Task: "refund"}
	first, err := a.coord.Delegate(ctx, ev)
	require.NoError(t, err)
	second, err := b.coord.Delegate(ctx, ev)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 0, b.launcher.count(), "the replaying instance must not start a second child")
}

func TestDelegateDepthGuard(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, helpers.NewTestSQLiteStore(t), Config{MaxDepth: 1})

	childID, err := f.coord.Delegate(ctx, domain.DelegationEvent{SourceExecutionID: f.parent.ID, TargetAgentID: "calendar", Task: "a"})
	require.NoError(t, err)

	_, err = f.coord.Delegate(ctx, domain.DelegationEvent{SourceExecutionID: childID, TargetAgentID: "payments", Task: "b"})
	var depthErr *domain.DelegationDepthExceededError
	require.ErrorAs(t, err, &depthErr)
	assert.Equal(t, 2, depthErr.Depth)
	assert.Equal(t, 1, depthErr.MaxDepth)
}

func TestDelegateUnknownTarget(t *testing.T) {
	f := newFixture(t, helpers.NewTestSQLiteStore(t), Config{})
	_, err := f.coord.Delegate(context.Background(), domain.DelegationEvent{SourceExecutionID: f.parent.ID, TargetAgentID: "ghost"})
	assert.True(t, domain.IsConfiguration(err))
	assert.Zero(t, f.launcher.count())
}

func TestAwaitFollowsRetryAndRecordsResult(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	f := newFixture(t, helpers.NewTestSQLiteStore(t), Config{})

	childID, err := f.coord.Delegate(ctx, domain.DelegationEvent{CorrelationID: "c", SourceExecutionID: f.parent.ID, TargetAgentID: "calendar", Task: "t"})
	require.NoError(t, err)

	go func() {
		bg := context.Background()
		_, _ = f.execs.Transition(bg, childID, domain.ExecutionRunning)
		retry, _ := f.execs.Create(bg, execution.CreateOptions{
			AgentID:            "calendar",
			ParentExecutionID:  f.parent.ID,
			RetryOfExecutionID: childID,
			CorrelationID:      "c",
		})
		_, _ = f.execs.Transition(bg, childID, domain.ExecutionTimedOut, execution.WithRetryExecution(retry.ID))
		time.Sleep(20 * time.Millisecond)
		_, _ = f.execs.Transition(bg, retry.ID, domain.ExecutionRunning)
		_, _ = f.execs.Transition(bg, retry.ID, domain.ExecutionCompleted, execution.WithResult("booked"))
	}()

	final, err := f.coord.Await(ctx, childID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionCompleted, final.State)
	assert.Equal(t, childID, final.RetryOfExecutionID)
	assert.Equal(t, "booked", final.Result)

	parent, err := f.execs.Get(ctx, f.parent.ID)
	require.NoError(t, err)
	last := parent.StepLog[len(parent.StepLog)-1]
	assert.Equal(t, domain.StepDelegationResult, last.Type)
	assert.Contains(t, string(last.Data), `"result":"booked"`)
	assert.Contains(t, f.emitter.events, domain.EventTypeDelegationResult)
}
