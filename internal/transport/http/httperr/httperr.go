// Package httperr maps orchestrator errors to HTTP responses.
package httperr

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/gogo/internal/domain"
)

// Status returns the HTTP status for err.
func Status(err error) int {
	var (
		dup   *domain.DuplicateCapabilityNameError
		depth *domain.DelegationDepthExceededError
	)
	switch {
	case domain.IsConfiguration(err):
		return http.StatusBadRequest
	case errors.As(err, &depth):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrInterruptResolved),
		errors.As(err, &dup):
		return http.StatusConflict
	case domain.IsQuotaExceeded(err):
		return http.StatusTooManyRequests
	case domain.IsTransient(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// JSON writes err as {"error": "..."} with the mapped status.
func JSON(c echo.Context, err error) error {
	return c.JSON(Status(err), map[string]string{"error": err.Error()})
}

// BadRequest writes a 400 with msg.
func BadRequest(c echo.Context, msg string) error {
	return c.JSON(http.StatusBadRequest, map[string]string{"error": msg})
}
