// Package internalapi provides HTTP handlers for the internal orchestrator
// API. It is only reachable by the ingress service.
package internalapi

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/gogo/internal/domain"
	"github.com/xiaot623/gogo/internal/service"
	"github.com/xiaot623/gogo/internal/transport/http/httperr"
	v1 "github.com/xiaot623/gogo/internal/transport/http/v1"
)

// Handler handles internal HTTP requests from ingress.
type Handler struct {
	service *service.Service
}

// NewHandler creates a new internal API handler.
func NewHandler(service *service.Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes registers internal routes with the echo server.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.POST("/internal/executions", h.StartExecution)
	e.POST("/internal/executions/:execution_id/cancel", h.CancelExecution)
	e.POST("/internal/tool_calls/:tool_call_id/submit", h.SubmitToolResult)
	e.POST("/internal/interrupts/:interrupt_id/submit", h.SubmitDecision)
}

// StartExecution starts an execution on behalf of ingress.
// POST /internal/executions
func (h *Handler) StartExecution(c echo.Context) error {
	var req domain.StartExecutionRequest
	if err := c.Bind(&req); err != nil {
		return httperr.BadRequest(c, "invalid request body")
	}
	resp, err := h.service.StartExecution(c.Request().Context(), req)
	if err != nil {
		return httperr.JSON(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

// CancelExecution cancels an execution.
// POST /internal/executions/:execution_id/cancel
func (h *Handler) CancelExecution(c echo.Context) error {
	var req v1.CancelRequest
	if c.Request().ContentLength > 0 {
		if err := c.Bind(&req); err != nil {
			return httperr.BadRequest(c, "invalid request body")
		}
	}
	exec, err := h.service.CancelExecution(c.Request().Context(), c.Param("execution_id"), req.Reason)
	if err != nil {
		return httperr.JSON(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"execution_id": exec.ID,
		"state":        exec.State,
	})
}

// SubmitToolResult relays a client tool result received over the ingress
// WebSocket.
// POST /internal/tool_calls/:tool_call_id/submit
func (h *Handler) SubmitToolResult(c echo.Context) error {
	var req domain.ToolCallResultRequest
	if err := c.Bind(&req); err != nil {
		return httperr.BadRequest(c, "invalid request body")
	}
	resp, err := h.service.SubmitToolResult(c.Request().Context(), c.Param("tool_call_id"), req)
	if err != nil {
		return httperr.JSON(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

// SubmitDecision relays an approval decision.
// POST /internal/interrupts/:interrupt_id/submit
func (h *Handler) SubmitDecision(c echo.Context) error {
	var req domain.ResolveInterruptRequest
	if err := c.Bind(&req); err != nil {
		return httperr.BadRequest(c, "invalid request body")
	}
	req.Decision = v1.NormalizeDecision(string(req.Decision))
	if req.Decision == "" {
		return httperr.BadRequest(c, "decision must be approve or reject")
	}
	if _, err := h.service.ResolveInterrupt(c.Request().Context(), c.Param("interrupt_id"), req); err != nil {
		return httperr.JSON(c, err)
	}
	return c.JSON(http.StatusOK, map[string]bool{"ok": true})
}
