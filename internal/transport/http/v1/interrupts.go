package v1

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/gogo/internal/domain"
	"github.com/xiaot623/gogo/internal/transport/http/httperr"
)

// GetInterrupt returns an interrupt.
// GET /v1/interrupts/:interrupt_id
func (h *Handler) GetInterrupt(c echo.Context) error {
	it, err := h.service.GetInterrupt(c.Request().Context(), c.Param("interrupt_id"))
	if err != nil {
		return httperr.JSON(c, err)
	}
	return c.JSON(http.StatusOK, it)
}

// ResolveInterrupt records an approve or reject decision. Any instance
// accepts it.
// POST /v1/interrupts/:interrupt_id/resolve
func (h *Handler) ResolveInterrupt(c echo.Context) error {
	var req domain.ResolveInterruptRequest
	if err := c.Bind(&req); err != nil {
		return httperr.BadRequest(c, "invalid request body")
	}
	req.Decision = NormalizeDecision(string(req.Decision))
	if req.Decision == "" {
		return httperr.BadRequest(c, "decision must be approve or reject")
	}

	it, err := h.service.ResolveInterrupt(c.Request().Context(), c.Param("interrupt_id"), req)
	if err != nil {
		return httperr.JSON(c, err)
	}
	return c.JSON(http.StatusOK, it)
}

// NormalizeDecision accepts the common spellings of a decision and returns
// "" for anything else.
func NormalizeDecision(decision string) domain.Decision {
	switch strings.ToLower(strings.TrimSpace(decision)) {
	case "approve", "approved":
		return domain.DecisionApprove
	case "reject", "rejected":
		return domain.DecisionReject
	default:
		return ""
	}
}
