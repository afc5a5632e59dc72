package httperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/xiaot623/gogo/internal/domain"
)

func TestStatus(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"configuration", domain.NewConfigurationError("unknown agent %s", "x"), http.StatusBadRequest},
		{"depth", &domain.DelegationDepthExceededError{Depth: 4, MaxDepth: 3}, http.StatusBadRequest},
		{"not found", fmt.Errorf("execution exec_1: %w", domain.ErrNotFound), http.StatusNotFound},
		{"transition", fmt.Errorf("wrapped: %w", domain.ErrInvalidTransition), http.StatusConflict},
		{"resolved", domain.ErrInterruptResolved, http.StatusConflict},
		{"duplicate name", &domain.DuplicateCapabilityNameError{Name: "mail"}, http.StatusConflict},
		{"quota", &domain.QuotaExceededError{Quota: "custom_agents", Scope: "u1", Limit: 2}, http.StatusTooManyRequests},
		{"transient", domain.NewTransientError("agent.invoke", errors.New("boom")), http.StatusServiceUnavailable},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Status(tc.err))
		})
	}
}
