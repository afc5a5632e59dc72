package v1

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/gogo/internal/domain"
	"github.com/xiaot623/gogo/internal/transport/http/httperr"
)

const defaultWaitMs = 60000

// WaitRequest is the optional body of a wait call.
type WaitRequest struct {
	TimeoutMs int `json:"timeout_ms,omitempty"`
}

// InvokeTool handles tool invocation.
// POST /v1/tools/:tool_name/invoke
func (h *Handler) InvokeTool(c echo.Context) error {
	var req domain.ToolInvokeRequest
	if err := c.Bind(&req); err != nil {
		return httperr.BadRequest(c, "invalid request body")
	}
	if req.ExecutionID == "" {
		return httperr.BadRequest(c, "execution_id is required")
	}

	resp, err := h.service.InvokeTool(c.Request().Context(), c.Param("tool_name"), req)
	if err != nil {
		return httperr.JSON(c, err)
	}
	// Blocked and rejected calls are outcomes, not transport errors.
	return c.JSON(http.StatusOK, resp)
}

// InvokeTools runs independent tool calls of one step concurrently.
// POST /v1/tools/batch
func (h *Handler) InvokeTools(c echo.Context) error {
	var req domain.ToolBatchRequest
	if err := c.Bind(&req); err != nil {
		return httperr.BadRequest(c, "invalid request body")
	}
	if req.ExecutionID == "" {
		return httperr.BadRequest(c, "execution_id is required")
	}

	results, err := h.service.InvokeTools(c.Request().Context(), req)
	if err != nil {
		return httperr.JSON(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"results": results,
	})
}

// GetToolCall retrieves the status of a tool call.
// GET /v1/tool_calls/:tool_call_id
func (h *Handler) GetToolCall(c echo.Context) error {
	tc, err := h.service.GetToolCall(c.Request().Context(), c.Param("tool_call_id"))
	if err != nil {
		return httperr.JSON(c, err)
	}
	return c.JSON(http.StatusOK, tc)
}

// WaitToolCall blocks until the tool call finishes or the wait expires and
// returns its state either way.
// POST /v1/tool_calls/:tool_call_id/wait
func (h *Handler) WaitToolCall(c echo.Context) error {
	timeoutMs := defaultWaitMs
	var req WaitRequest
	if c.Request().ContentLength > 0 {
		if err := c.Bind(&req); err != nil {
			return httperr.BadRequest(c, "invalid request body")
		}
		if req.TimeoutMs > 0 {
			timeoutMs = req.TimeoutMs
		}
	}
	if t := c.QueryParam("timeout_ms"); t != "" {
		if val, err := strconv.Atoi(t); err == nil && val > 0 {
			timeoutMs = val
		}
	}

	tc, err := h.service.WaitToolCall(c.Request().Context(), c.Param("tool_call_id"), timeoutMs)
	if err != nil {
		return httperr.JSON(c, err)
	}
	return c.JSON(http.StatusOK, tc)
}

// SubmitToolResult records the outcome of a client tool.
// POST /v1/tool_calls/:tool_call_id/result
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
