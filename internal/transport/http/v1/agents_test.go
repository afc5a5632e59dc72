package v1

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/gogo/internal/domain"
)

func TestAgentRoutes(t *testing.T) {
	handler, _ := newTestHandler(t)

	t.Run("Register Missing Endpoint", func(t *testing.T) {
		rec := serve(t, handler.RegisterAgent, call{method: http.MethodPost, path: "/v1/agents",
			body: domain.AgentDefinition{ID: "calendar"}})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("Register Reserved ID", func(t *testing.T) {
		rec := serve(t, handler.RegisterAgent, call{method: http.MethodPost, path: "/v1/agents",
			body: domain.AgentDefinition{ID: "supervisor", Endpoint: "http://localhost:9000"}})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	for _, def := range []domain.AgentDefinition{
		{ID: "calendar", DisplayName: "Calendar", Endpoint: "http://localhost:9001", Category: "scheduling"},
		{ID: "mail", DisplayName: "Mail", Endpoint: "http://localhost:9002", Category: "communication"},
	} {
		rec := serve(t, handler.RegisterAgent, call{method: http.MethodPost, path: "/v1/agents", body: def})
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
		got := decode[domain.AgentDefinition](t, rec)
		assert.True(t, got.Active)
		assert.NotEmpty(t, got.DelegationCapabilityName)
	}

	rec := serve(t, handler.GetAgent, call{method: http.MethodGet, path: "/v1/agents/:agent_id",
		params: map[string]string{"agent_id": "calendar"}})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "scheduling", decode[domain.AgentDefinition](t, rec).Category)

	rec = serve(t, handler.GetAgent, call{method: http.MethodGet, path: "/v1/agents/:agent_id",
		params: map[string]string{"agent_id": "ghost"}})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = serve(t, handler.ListAgents, call{method: http.MethodGet, path: "/v1/agents"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[map[string][]domain.AgentDefinition](t, rec)["agents"], 2)

	rec = serve(t, handler.ListCapabilities, call{method: http.MethodGet, path: "/v1/agents/:agent_id/capabilities",
		params: map[string]string{"agent_id": "calendar"}})
	require.Equal(t, http.StatusOK, rec.Code)
	caps := decode[map[string][]domain.DelegationCapability](t, rec)["capabilities"]
	require.Len(t, caps, 1)
	assert.Equal(t, "mail", caps[0].AgentID)

	rec = serve(t, handler.DeleteAgent, call{method: http.MethodDelete, path: "/v1/agents/:agent_id",
		params: map[string]string{"agent_id": "mail"}})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"mail"}, decode[map[string][]string](t, rec)["deactivated"])

	rec = serve(t, handler.ListAgents, call{method: http.MethodGet, path: "/v1/agents"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[map[string][]domain.AgentDefinition](t, rec)["agents"], 1)
}
