package v1

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/gogo/internal/domain"
)

func TestDelegate(t *testing.T) {
	handler, env := newTestHandler(t)
	exec := env.RunningExecution(t, "planner")

	rec := serve(t, handler.Delegate, call{method: http.MethodPost, path: "/v1/delegations",
		body: domain.DelegateRequest{SourceExecutionID: exec.ID, TargetAgentID: "docs"}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, errorBody(t, rec), "task")

	rec = serve(t, handler.Delegate, call{method: http.MethodPost, path: "/v1/delegations",
		body: domain.DelegateRequest{SourceExecutionID: exec.ID, TargetAgentID: "ghost", Task: "summarize"}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// The target is unreachable, so the child fails once launched; the
	// handoff itself is accepted.
	_, err := env.Agents.Register(t.Context(), domain.AgentDefinition{ID: "docs", Endpoint: "http://127.0.0.1:1"})
	require.NoError(t, err)
	req := domain.DelegateRequest{CorrelationID: "corr-7", SourceExecutionID: exec.ID, TargetAgentID: "docs", Task: "summarize"}
	rec = serve(t, handler.Delegate, call{method: http.MethodPost, path: "/v1/delegations", body: req})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	first := decode[domain.DelegateResponse](t, rec)
	require.NotEmpty(t, first.ExecutionID)

	rec = serve(t, handler.Delegate, call{method: http.MethodPost, path: "/v1/delegations", body: req})
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, first.ExecutionID, decode[domain.DelegateResponse](t, rec).ExecutionID)
}
