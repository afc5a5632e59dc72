package v1

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/gogo/internal/domain"
	"github.com/xiaot623/gogo/internal/transport/http/httperr"
)

// RegisterAgent registers a new agent. An id is generated when omitted.
// POST /v1/agents
func (h *Handler) RegisterAgent(c echo.Context) error {
	var req domain.AgentDefinition
	if err := c.Bind(&req); err != nil {
		return httperr.BadRequest(c, "invalid request body")
	}

	agent, err := h.service.RegisterAgent(c.Request().Context(), req)
	if err != nil {
		return httperr.JSON(c, err)
	}
	return c.JSON(http.StatusCreated, agent)
}

// UpdateAgent replaces an agent definition.
// PUT /v1/agents/:agent_id
func (h *Handler) UpdateAgent(c echo.Context) error {
	var req domain.AgentDefinition
	if err := c.Bind(&req); err != nil {
		return httperr.BadRequest(c, "invalid request body")
	}
	req.ID = c.Param("agent_id")

	agent, err := h.service.UpdateAgent(c.Request().Context(), req)
	if err != nil {
		return httperr.JSON(c, err)
	}
	return c.JSON(http.StatusOK, agent)
}

// ListAgents lists the active agents visible to a user.
// GET /v1/agents?user_id=
func (h *Handler) ListAgents(c echo.Context) error {
	agents, err := h.service.ListAgents(c.Request().Context(), c.QueryParam("user_id"))
	if err != nil {
		return httperr.JSON(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"agents": agents,
	})
}

// GetAgent gets a specific agent by ID.
// GET /v1/agents/:agent_id
func (h *Handler) GetAgent(c echo.Context) error {
	agent, err := h.service.GetAgent(c.Request().Context(), c.Param("agent_id"))
	if err != nil {
		return httperr.JSON(c, err)
	}
	return c.JSON(http.StatusOK, agent)
}

// DeleteAgent deactivates an agent and its sub-agents.
// DELETE /v1/agents/:agent_id
func (h *Handler) DeleteAgent(c echo.Context) error {
	ids, err := h.service.DeactivateAgent(c.Request().Context(), c.Param("agent_id"))
	if err != nil {
		return httperr.JSON(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"deactivated": ids,
	})
}

// ListCapabilities returns the handoff targets an agent can delegate to.
// GET /v1/agents/:agent_id/capabilities
func (h *Handler) ListCapabilities(c echo.Context) error {
	caps, err := h.service.ListCapabilities(c.Request().Context(), c.Param("agent_id"))
	if err != nil {
		return httperr.JSON(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"capabilities": caps,
	})
}
