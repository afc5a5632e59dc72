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
	"github.com/xiaot623/gogo/tests/helpers"
)

// runningExecution creates a local execution that tools can be invoked on.
func runningExecution(t *testing.T, h *harness) *domain.Execution {
	t.Helper()
	ctx := context.Background()
	exec, err := h.execs.Create(ctx, executionOptions("planner"))
	require.NoError(t, err)
	exec, err = h.execs.Transition(ctx, exec.ID, domain.ExecutionRunning)
	require.NoError(t, err)
	return exec
}

func TestInvokeToolPolicyOutcomes(t *testing.T) {
	h := newHarness(t)
	exec := runningExecution(t, h)
	ctx := context.Background()

	blocked, err := h.svc.InvokeTool(ctx, "dangerous.command", domain.ToolInvokeRequest{ExecutionID: exec.ID})
	require.NoError(t, err)
	assert.Equal(t, "failed", blocked.Status)
	require.NotNil(t, blocked.Error)
	assert.Equal(t, "blocked", blocked.Error.Code)
	tc, err := h.svc.GetToolCall(ctx, blocked.ToolCallID)
	require.NoError(t, err)
	assert.Equal(t, domain.ToolCallStatusBlocked, tc.Status)

	ok, err := h.svc.InvokeTool(ctx, "weather.query", domain.ToolInvokeRequest{
		ExecutionID:    exec.ID,
		Args:           json.RawMessage(`{"city":"Paris"}`),
		IdempotencyKey: "weather-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "succeeded", ok.Status)
	assert.Contains(t, string(ok.Result), "Paris")

	replay, err := h.svc.InvokeTool(ctx, "weather.query", domain.ToolInvokeRequest{
		ExecutionID:    exec.ID,
		Args:           json.RawMessage(`{"city":"Rome"}`),
		IdempotencyKey: "weather-1",
	})
	require.NoError(t, err)
	assert.Equal(t, ok.ToolCallID, replay.ToolCallID)
	assert.Contains(t, string(replay.Result), "Paris")

	_, err = h.svc.InvokeTool(ctx, "no.such.tool", domain.ToolInvokeRequest{ExecutionID: exec.ID})
	assert.True(t, domain.IsConfiguration(err))

	_, err = h.svc.InvokeTool(ctx, "weather.query", domain.ToolInvokeRequest{ExecutionID: exec.ID, Args: json.RawMessage(`{`)})
	assert.True(t, domain.IsConfiguration(err))
	_, err = h.svc.InvokeTool(ctx, "weather.query", domain.ToolInvokeRequest{ExecutionID: exec.ID, Args: json.RawMessage(`["Paris"]`)})
	assert.True(t, domain.IsConfiguration(err))

	_, err = h.svc.InvokeTool(ctx, "weather.query", domain.ToolInvokeRequest{ExecutionID: "exec_missing"})
	assert.ErrorIs(t, err, domain.ErrNotFound)

	current, err := h.execs.Get(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, current.Usage.ToolCalls)

	types := h.eventTypes(t, exec.ID)
	assert.Contains(t, types, domain.EventTypePolicyDecision)
	assert.Contains(t, types, domain.EventTypeToolResult)
}

func TestInvokeToolsKeepsRequestOrder(t *testing.T) {
	h := newHarness(t)
	exec := runningExecution(t, h)

	out, err := h.svc.InvokeTools(context.Background(), domain.ToolBatchRequest{
		ExecutionID: exec.ID,
		Calls: []domain.ToolBatchItem{
			{ToolName: "weather.query", Args: json.RawMessage(`{"city":"Oslo"}`)},
			{ToolName: "no.such.tool"},
			{ToolName: "calendar.lookup", Args: json.RawMessage(`{"date":"2026-01-02"}`)},
		},
	})
	require.NoError(t, err)
	require.Len(t, out, 3)
	assert.Equal(t, "succeeded", out[0].Status)
	assert.Contains(t, string(out[0].Result), "Oslo")
	assert.Equal(t, "failed", out[1].Status)
	assert.Equal(t, "invalid_request", out[1].Error.Code)
	assert.Equal(t, "succeeded", out[2].Status)
	assert.Contains(t, string(out[2].Result), "2026-01-02")

	_, err = h.svc.InvokeTools(context.Background(), domain.ToolBatchRequest{ExecutionID: exec.ID})
	assert.True(t, domain.IsConfiguration(err))
}

func TestClientToolResultSubmission(t *testing.T) {
	h := newHarness(t)
	exec := runningExecution(t, h)
	ctx := context.Background()

	resp, err := h.svc.InvokeTool(ctx, "browser.screenshot", domain.ToolInvokeRequest{
		ExecutionID: exec.ID,
		Args:        json.RawMessage(`{"url":"https://example.com"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, "pending", resp.Status)
	assert.Equal(t, "waiting_client", resp.Reason)
	assert.Contains(t, h.eventTypes(t, exec.ID), domain.EventTypeToolRequest)

	_, err = h.svc.SubmitToolResult(ctx, resp.ToolCallID, domain.ToolCallResultRequest{Status: "DONE"})
	assert.True(t, domain.IsConfiguration(err))

	result, err := h.svc.SubmitToolResult(ctx, resp.ToolCallID, domain.ToolCallResultRequest{
		Status: "succeeded",
		Result: json.RawMessage(`{"image":"shot.png"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, domain.ToolCallStatusSucceeded, result.Status)

	// A late duplicate gets the recorded outcome.
	again, err := h.svc.SubmitToolResult(ctx, resp.ToolCallID, domain.ToolCallResultRequest{Status: "FAILED"})
	require.NoError(t, err)
	assert.Equal(t, domain.ToolCallStatusSucceeded, again.Status)

	tc, err := h.svc.WaitToolCall(ctx, resp.ToolCallID, 100)
	require.NoError(t, err)
	assert.JSONEq(t, `{"image":"shot.png"}`, string(tc.Result))

	_, err = h.svc.SubmitToolResult(ctx, "tc_missing", domain.ToolCallResultRequest{Status: "SUCCEEDED"})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestToolCallTimeoutSweep(t *testing.T) {
	h := newHarness(t)
	exec := runningExecution(t, h)
	ctx := context.Background()

	resp, err := h.svc.InvokeTool(ctx, "browser.screenshot", domain.ToolInvokeRequest{ExecutionID: exec.ID, TimeoutMs: 1})
	require.NoError(t, err)
	require.Equal(t, "pending", resp.Status)

	time.Sleep(20 * time.Millisecond)
	h.svc.sweepToolCallTimeouts(ctx)

	tc, err := h.svc.GetToolCall(ctx, resp.ToolCallID)
	require.NoError(t, err)
	assert.Equal(t, domain.ToolCallStatusTimeout, tc.Status)

	// The client answering afterwards does not change the outcome.
	late, err := h.svc.SubmitToolResult(ctx, resp.ToolCallID, domain.ToolCallResultRequest{Status: "SUCCEEDED"})
	require.NoError(t, err)
	assert.Equal(t, domain.ToolCallStatusTimeout, late.Status)
}

func TestInvokeToolOnFinishedExecution(t *testing.T) {
	h := newHarness(t)
	exec := runningExecution(t, h)
	ctx := context.Background()
	_, err := h.execs.Transition(ctx, exec.ID, domain.ExecutionCompleted)
	require.NoError(t, err)

	_, err = h.svc.InvokeTool(ctx, "weather.query", domain.ToolInvokeRequest{ExecutionID: exec.ID})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestApprovalResolvedOnAnotherInstance(t *testing.T) {
	dsn := helpers.NewSharedSQLiteDSN(t)
	a := newHarness(t, withStore(helpers.OpenSQLiteStore(t, dsn)), withOwner("node-a"))
	b := newHarness(t, withStore(helpers.OpenSQLiteStore(t, dsn)), withOwner("node-b"))

	pending := make(chan *domain.ToolInvokeResponse, 1)
	srv := newAgentServer(t, func(w *sseWriter, req domain.AgentInvokeRequest, r *http.Request) {
		resp, err := a.svc.InvokeTool(r.Context(), "payments.transfer", domain.ToolInvokeRequest{
			ExecutionID: req.ExecutionID,
			Args:        json.RawMessage(`{"amount":500,"to":"bob"}`),
		})
		if err != nil {
			t.Errorf("invoke tool: %v", err)
			close(pending)
			return
		}
		pending <- resp
		tc, err := a.svc.WaitToolCall(r.Context(), resp.ToolCallID, 5000)
		if err != nil {
			w.send("error", domain.ErrorEventData{Message: err.Error()})
			return
		}
		w.done("transfer " + strings.ToLower(string(tc.Status)))
	})
	a.register(t, domain.AgentDefinition{ID: "payments", DisplayName: "Payments", Endpoint: srv.URL})

	ctx := context.Background()
	start, err := a.svc.StartExecution(ctx, domain.StartExecutionRequest{Input: "pay bob 500", AgentID: "payments"})
	require.NoError(t, err)

	p := <-pending
	require.NotNil(t, p)
	require.NotEmpty(t, p.InterruptID)
	clock, ok := a.execs.Clock(start.ExecutionID)
	require.True(t, ok)
	assert.True(t, clock.Paused)

	seen, err := b.svc.GetExecutionStatus(ctx, start.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionInterrupted, seen.State)

	it, err := b.svc.ResolveInterrupt(ctx, p.InterruptID, domain.ResolveInterruptRequest{
		Decision:         domain.DecisionApprove,
		AmendedArguments: json.RawMessage(`{"amount":50,"to":"bob"}`),
		DecidedBy:        "alice",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.InterruptApproved, it.Status)

	tc, err := b.svc.WaitToolCall(ctx, p.ToolCallID, 5000)
	require.NoError(t, err)
	require.Equal(t, domain.ToolCallStatusSucceeded, tc.Status)
	assert.Contains(t, string(tc.Result), `"amount":50`)

	final := a.waitTerminal(t, start.ExecutionID)
	require.Equal(t, domain.ExecutionCompleted, final.State, final.Reason)
	assert.Equal(t, "transfer succeeded", final.Result)

	_, err = b.svc.ResolveInterrupt(ctx, p.InterruptID, domain.ResolveInterruptRequest{Decision: domain.DecisionReject, DecidedBy: "bob"})
	assert.ErrorIs(t, err, domain.ErrInterruptResolved)

	types := a.eventTypes(t, start.ExecutionID)
	assert.Contains(t, types, domain.EventTypeInterruptRequested)
	assert.Contains(t, types, domain.EventTypeInterruptResolved)
}

func TestApprovalRequestedOnAnotherInstancePausesOwner(t *testing.T) {
	dsn := helpers.NewSharedSQLiteDSN(t)
	a := newHarness(t, withStore(helpers.OpenSQLiteStore(t, dsn)), withOwner("node-a"))
	b := newHarness(t, withStore(helpers.OpenSQLiteStore(t, dsn)), withOwner("node-b"))

	monitors, stop := context.WithCancel(context.Background())
	t.Cleanup(stop)
	go a.svc.RunMonitors(monitors)

	pending := make(chan *domain.ToolInvokeResponse, 1)
	srv := newAgentServer(t, func(w *sseWriter, req domain.AgentInvokeRequest, r *http.Request) {
		resp, err := b.svc.InvokeTool(r.Context(), "payments.transfer", domain.ToolInvokeRequest{
			ExecutionID: req.ExecutionID,
			Args:        json.RawMessage(`{"amount":500,"to":"bob"}`),
		})
		if err != nil {
			t.Errorf("invoke tool: %v", err)
			close(pending)
			return
		}
		pending <- resp
		tc, err := b.svc.WaitToolCall(r.Context(), resp.ToolCallID, 5000)
		if err != nil {
			w.send("error", domain.ErrorEventData{Message: err.Error()})
			return
		}
		w.done("transfer " + strings.ToLower(string(tc.Status)))
	})
	a.register(t, domain.AgentDefinition{ID: "payments", DisplayName: "Payments", Endpoint: srv.URL})

	ctx := context.Background()
	start, err := a.svc.StartExecution(ctx, domain.StartExecutionRequest{Input: "pay bob 500", AgentID: "payments"})
	require.NoError(t, err)

	p := <-pending
	require.NotNil(t, p)
	require.NotEmpty(t, p.InterruptID)
	assert.Eventually(t, func() bool {
		clock, ok := a.execs.Clock(start.ExecutionID)
		return ok && clock.Paused
	}, 2*time.Second, 10*time.Millisecond, "owner pauses the clock for a remote approval")

	_, err = b.svc.ResolveInterrupt(ctx, p.InterruptID, domain.ResolveInterruptRequest{Decision: domain.DecisionApprove, DecidedBy: "alice"})
	require.NoError(t, err)

	final := a.waitTerminal(t, start.ExecutionID)
	require.Equal(t, domain.ExecutionCompleted, final.State, final.Reason)
	assert.Equal(t, "transfer succeeded", final.Result)
	assert.Eventually(t, func() bool {
		clock, ok := a.execs.Clock(start.ExecutionID)
		return ok && !clock.Paused
	}, 2*time.Second, 10*time.Millisecond)
}
