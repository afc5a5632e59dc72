package v1

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/gogo/internal/domain"
	"github.com/xiaot623/gogo/internal/transport/http/httperr"
)

// Delegate hands work from a running execution to another agent.
// Replaying a correlation id returns the existing child.
// POST /v1/delegations
func (h *Handler) Delegate(c echo.Context) error {
	var req domain.DelegateRequest
	if err := c.Bind(&req); err != nil {
		return httperr.BadRequest(c, "invalid request body")
	}
	if req.Task == "" {
		return httperr.BadRequest(c, "task is required")
	}

	resp, err := h.service.Delegate(c.Request().Context(), req)
	if err != nil {
		return httperr.JSON(c, err)
	}
	status := http.StatusAccepted
	if req.Wait {
		status = http.StatusOK
	}
	return c.JSON(status, resp)
}
