// Package v1 is the public HTTP API: executions and interrupts for
// clients, the agent registry for operators, and the tool and delegation
// callbacks agents make while they run.
package v1

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/gogo/internal/service"
)

// Version is reported by /health and attached to traces.
const Version = "0.2.0"

// Handler serves the /v1 routes.
type Handler struct {
	service *service.Service
}

func NewHandler(svc *service.Service) *Handler {
	return &Handler{service: svc}
}

// RegisterRoutes mounts the API on e.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	api := e.Group("/v1")

	executions := api.Group("/executions")
	executions.POST("", h.StartExecution)
	executions.GET("/:execution_id", h.GetExecution)
	executions.GET("/:execution_id/events", h.GetExecutionEvents)
	executions.POST("/:execution_id/cancel", h.CancelExecution)

	interrupts := api.Group("/interrupts/:interrupt_id")
	interrupts.GET("", h.GetInterrupt)
	interrupts.POST("/resolve", h.ResolveInterrupt)

	agents := api.Group("/agents")
	agents.GET("", h.ListAgents)
	agents.POST("", h.RegisterAgent)
	agents.GET("/:agent_id", h.GetAgent)
	agents.PUT("/:agent_id", h.UpdateAgent)
	agents.DELETE("/:agent_id", h.DeleteAgent)
	agents.GET("/:agent_id/capabilities", h.ListCapabilities)

	// Callbacks from running agents.
	api.POST("/tools/batch", h.InvokeTools)
	api.POST("/tools/:tool_name/invoke", h.InvokeTool)
	calls := api.Group("/tool_calls/:tool_call_id")
	calls.GET("", h.GetToolCall)
	calls.POST("/wait", h.WaitToolCall)
	calls.POST("/result", h.SubmitToolResult)
	api.POST("/delegations", h.Delegate)

	e.GET("/health", h.Health)
}

func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, echo.Map{"status": "healthy", "version": Version})
}
