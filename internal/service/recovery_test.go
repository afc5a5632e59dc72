package service

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xiaot623/gogo/internal/domain"
	"github.com/xiaot623/gogo/internal/execution"
	"github.com/xiaot623/gogo/internal/interrupt"
	"github.com/xiaot623/gogo/internal/logging"
	"github.com/xiaot623/gogo/tests/helpers"
)

func TestRecoverResumesInterruptedAndFailsOrphans(t *testing.T) {
	st := helpers.NewTestSQLiteStore(t)
	ctx := context.Background()

	// State left behind by a previous process of node-a.
	before := execution.NewRegistry(st, execution.WithOwner("node-a"), execution.WithLogger(logging.Discard()))
	orphan, err := before.Create(ctx, executionOptions("payments"))
	require.NoError(t, err)
	_, err = before.Transition(ctx, orphan.ID, domain.ExecutionRunning)
	require.NoError(t, err)

	waiting, err := before.Create(ctx, executionOptions("payments"))
	require.NoError(t, err)
	_, err = before.Transition(ctx, waiting.ID, domain.ExecutionRunning)
	require.NoError(t, err)
	tc := &domain.ToolCall{
		ToolCallID:  "tc_recover",
		ExecutionID: waiting.ID,
		ToolName:    "payments.transfer",
		Kind:        domain.ToolKindServer,
		Status:      domain.ToolCallStatusWaitingApproval,
		Args:        json.RawMessage(`{"amount":500,"to":"bob"}`),
		TimeoutMs:   10000,
		CreatedAt:   time.Now(),
	}
	require.NoError(t, st.CreateToolCall(ctx, tc))
	_, err = before.AppendStep(ctx, waiting.ID, domain.StepToolCall, tc.ToolName, map[string]string{"tool_call_id": tc.ToolCallID})
	require.NoError(t, err)
	mgr := interrupt.NewManager(st, before, interrupt.Config{}, nil, logging.Discard())
	it, err := mgr.RequestApproval(ctx, waiting.ID, tc.ToolCallID, tc.ToolName, tc.Args)
	require.NoError(t, err)
	_, err = st.UpdateToolCallInterrupt(ctx, tc.ToolCallID, it.ID, domain.ToolCallStatusWaitingApproval)
	require.NoError(t, err)

	// The restarted process.
	h := newHarness(t, withStore(st), withOwner("node-a"))
	requests := make(chan domain.AgentInvokeRequest, 1)
	srv := newAgentServer(t, func(w *sseWriter, req domain.AgentInvokeRequest, _ *http.Request) {
		requests <- req
		w.done("transfer confirmed")
	})
	h.register(t, domain.AgentDefinition{ID: "payments", DisplayName: "Payments", Endpoint: srv.URL})

	require.NoError(t, h.svc.Recover(ctx))

	failed, err := h.svc.GetExecutionStatus(ctx, orphan.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionFailed, failed.State)
	assert.Equal(t, "orphaned", failed.Reason)

	paused, err := h.svc.GetExecutionStatus(ctx, waiting.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionInterrupted, paused.State)

	_, err = h.svc.ResolveInterrupt(ctx, it.ID, domain.ResolveInterruptRequest{Decision: domain.DecisionApprove, DecidedBy: "ops"})
	require.NoError(t, err)

	final := h.waitTerminal(t, waiting.ID)
	require.Equal(t, domain.ExecutionCompleted, final.State, final.Reason)
	assert.Equal(t, "transfer confirmed", final.Result)

	req := <-requests
	var note *domain.Message
	for i := range req.Messages {
		if req.Messages[i].Kind == "resumed" {
			note = &req.Messages[i]
		}
	}
	require.NotNil(t, note)
	assert.True(t, strings.Contains(note.Content, "tc_recover (payments.transfer): SUCCEEDED"), note.Content)

	stored, err := h.svc.GetToolCall(ctx, tc.ToolCallID)
	require.NoError(t, err)
	assert.Equal(t, domain.ToolCallStatusSucceeded, stored.Status)
	assert.Contains(t, h.eventTypes(t, waiting.ID), domain.EventTypeExecutionResumed)
}

func TestRecoverIgnoresOtherOwners(t *testing.T) {
	st := helpers.NewTestSQLiteStore(t)
	ctx := context.Background()

	other := execution.NewRegistry(st, execution.WithOwner("node-b"), execution.WithLogger(logging.Discard()))
	exec, err := other.Create(ctx, executionOptions("payments"))
	require.NoError(t, err)
	_, err = other.Transition(ctx, exec.ID, domain.ExecutionRunning)
	require.NoError(t, err)

	h := newHarness(t, withStore(st), withOwner("node-a"))
	require.NoError(t, h.svc.Recover(ctx))

	assert.False(t, h.execs.IsLocal(exec.ID))
	seen, err := h.svc.GetExecutionStatus(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionRunning, seen.State)
}
