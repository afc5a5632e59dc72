package internalapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/gogo/internal/adapter/llm"
	"github.com/xiaot623/gogo/internal/domain"
	"github.com/xiaot623/gogo/internal/service/servicetest"
)

type staticResponder string

func (r staticResponder) Respond(context.Context, string, []domain.Message) (string, *llm.Usage, error) {
	return string(r), nil, nil
}

func newServer(t *testing.T) (*echo.Echo, *servicetest.Env) {
	t.Helper()
	env := servicetest.New(t, staticResponder("ok"))
	e := echo.New()
	NewHandler(env.Service).RegisterRoutes(e)
	return e, env
}

func post(e *echo.Echo, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestStartExecution(t *testing.T) {
	e, _ := newServer(t)

	rec := post(e, "/internal/executions", `{"input":"hello"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp domain.StartExecutionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.ExecutionID)

	rec = post(e, "/internal/executions", `{"input":""}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCancelExecution(t *testing.T) {
	e, env := newServer(t)
	exec := env.RunningExecution(t, "planner")

	rec := post(e, "/internal/executions/"+exec.ID+"/cancel", `{"reason":"ingress disconnect"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"state":"cancelled"`)

	rec = post(e, "/internal/executions/exec_missing/cancel", `{}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSubmitToolResult(t *testing.T) {
	e, env := newServer(t)
	exec := env.RunningExecution(t, "planner")
	pending, err := env.Service.InvokeTool(context.Background(), "browser.screenshot", domain.ToolInvokeRequest{ExecutionID: exec.ID})
	require.NoError(t, err)

	rec := post(e, "/internal/tool_calls/"+pending.ToolCallID+"/submit", `{"status":"SUCCEEDED","result":{"ok":true}}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), pending.ToolCallID)

	rec = post(e, "/internal/tool_calls/tc_missing/submit", `{"status":"SUCCEEDED"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSubmitDecision(t *testing.T) {
	e, env := newServer(t)
	exec := env.RunningExecution(t, "planner")
	pending, err := env.Service.InvokeTool(context.Background(), "email.send", domain.ToolInvokeRequest{
		ExecutionID: exec.ID,
		Args:        json.RawMessage(`{"to":"a@example.com","body":"hi"}`),
	})
	require.NoError(t, err)
	require.NotEmpty(t, pending.InterruptID)

	rec := post(e, "/internal/interrupts/"+pending.InterruptID+"/submit", `{"decision":"later"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = post(e, "/internal/interrupts/"+pending.InterruptID+"/submit", `{"decision":"Approved","decided_by":"ops"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = post(e, "/internal/interrupts/"+pending.InterruptID+"/submit", `{"decision":"reject"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
}
