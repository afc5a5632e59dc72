package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/gogo/internal/adapter/llm"
	"github.com/xiaot623/gogo/internal/domain"
	"github.com/xiaot623/gogo/internal/logging"
	"github.com/xiaot623/gogo/internal/metrics"
	"github.com/xiaot623/gogo/internal/service/servicetest"
	"github.com/xiaot623/gogo/internal/transport/ws"
)

type staticResponder string

func (r staticResponder) Respond(context.Context, string, []domain.Message) (string, *llm.Usage, error) {
	return string(r), nil, nil
}

func get(h http.Handler, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestExternalServerRoutes(t *testing.T) {
	env := servicetest.New(t, staticResponder("ok"))
	reg := prometheus.NewRegistry()
	m := metrics.MustNew(reg)
	m.ExecutionStarted("direct")

	e := NewExternalServer(env.Service, ws.NewHandler(env.Service, env.Hub, ws.Config{}, logging.Discard()), reg)

	rec := get(e, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = get(e, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "gogo_executions_started_total")

	rec = get(e, "/v1/executions/exec_missing/stream")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// Internal routes are not exposed publicly.
	req := httptest.NewRequest(http.MethodPost, "/internal/executions", nil)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestInternalServerRoutes(t *testing.T) {
	env := servicetest.New(t, staticResponder("ok"))
	e := NewInternalServer(env.Service)

	assert.Equal(t, http.StatusNotFound, get(e, "/health").Code)

	req := httptest.NewRequest(http.MethodPost, "/internal/executions/exec_missing/cancel", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
