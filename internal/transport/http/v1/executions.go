package v1

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/gogo/internal/domain"
	"github.com/xiaot623/gogo/internal/transport/http/httperr"
)

// CancelRequest is the optional body of a cancel call.
type CancelRequest struct {
	Reason string `json:"reason,omitempty"`
}

// EventsResponse wraps a page of execution events.
type EventsResponse struct {
	ExecutionID string         `json:"execution_id"`
	Events      []domain.Event `json:"events"`
	// NextSeq is the after_seq to pass for the following page.
	NextSeq int64 `json:"next_seq"`
}

// StartExecution starts an execution and returns before it finishes.
// POST /v1/executions
func (h *Handler) StartExecution(c echo.Context) error {
	var req domain.StartExecutionRequest
	if err := c.Bind(&req); err != nil {
		return httperr.BadRequest(c, "invalid request body")
	}
	if req.RequestID == "" {
		req.RequestID = c.Request().Header.Get("Idempotency-Key")
	}

	resp, err := h.service.StartExecution(c.Request().Context(), req)
	if err != nil {
		return httperr.JSON(c, err)
	}
	return c.JSON(http.StatusAccepted, resp)
}

// GetExecution returns the current snapshot of an execution.
// GET /v1/executions/:execution_id
func (h *Handler) GetExecution(c echo.Context) error {
	exec, err := h.service.GetExecutionStatus(c.Request().Context(), c.Param("execution_id"))
	if err != nil {
		return httperr.JSON(c, err)
	}
	return c.JSON(http.StatusOK, exec)
}

// CancelExecution cancels an execution and its children.
// POST /v1/executions/:execution_id/cancel
func (h *Handler) CancelExecution(c echo.Context) error {
	var req CancelRequest
	if c.Request().ContentLength > 0 {
		if err := c.Bind(&req); err != nil {
			return httperr.BadRequest(c, "invalid request body")
		}
	}

	exec, err := h.service.CancelExecution(c.Request().Context(), c.Param("execution_id"), req.Reason)
	if err != nil {
		return httperr.JSON(c, err)
	}
	return c.JSON(http.StatusOK, exec)
}

// GetExecutionEvents returns events after a sequence number.
// GET /v1/executions/:execution_id/events?after_seq=0&types=a,b&limit=100
func (h *Handler) GetExecutionEvents(c echo.Context) error {
	executionID := c.Param("execution_id")

	var afterSeq int64
	if v := c.QueryParam("after_seq"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			return httperr.BadRequest(c, "after_seq must be a non-negative integer")
		}
		afterSeq = n
	}
	limit := 0
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return httperr.BadRequest(c, "limit must be a non-negative integer")
		}
		limit = n
	}
	var types []string
	if v := c.QueryParam("types"); v != "" {
		types = strings.Split(v, ",")
	}

	events, err := h.service.GetEvents(c.Request().Context(), executionID, afterSeq, types, limit)
	if err != nil {
		return httperr.JSON(c, err)
	}
	next := afterSeq
	if len(events) > 0 {
		next = events[len(events)-1].Seq
	}
	return c.JSON(http.StatusOK, EventsResponse{
		ExecutionID: executionID,
		Events:      events,
		NextSeq:     next,
	})
}
