package supervisor

import (
	"fmt"
	"time"

	"github.com/xiaot623/gogo/internal/domain"
)

const (
	defaultFallback = 5 * time.Minute
	defaultMargin   = 0.2
)

// TimeoutConfig holds the inputs for budget resolution.
type TimeoutConfig struct {
	// Default is the environment-level default. Zero means unset.
	Default    time.Duration
	Fallback   time.Duration
	Categories map[string]time.Duration
	// Margin is the per-level scale between hierarchy levels.
	Margin float64
}

// Resolve picks the agent-level budget. Precedence: per-call override,
// agent definition, environment default, category bucket, fallback.
func (c TimeoutConfig) Resolve(override time.Duration, agent *domain.AgentDefinition) time.Duration {
	if override > 0 {
		return override
	}
	if agent != nil && agent.TimeoutMs > 0 {
		return time.Duration(agent.TimeoutMs) * time.Millisecond
	}
	if c.Default > 0 {
		return c.Default
	}
	if agent != nil {
		if d, ok := c.Categories[agent.Category]; ok && d > 0 {
			return d
		}
	}
	if c.Fallback > 0 {
		return c.Fallback
	}
	return defaultFallback
}

// Hierarchy is the set of nested budgets derived from one agent budget.
type Hierarchy struct {
	Engine     time.Duration `json:"engine"`
	Agent      time.Duration `json:"agent"`
	Delegation time.Duration `json:"delegation"`
	Task       time.Duration `json:"task"`
}

// Hierarchy derives nested budgets around the agent budget.
func (c TimeoutConfig) Hierarchy(agent time.Duration) Hierarchy {
	scale := 1 + c.Margin
	if c.Margin <= 0 {
		scale = 1 + defaultMargin
	}
	delegation := time.Duration(float64(agent) * scale)
	return Hierarchy{
		Engine:     time.Duration(float64(agent) / scale),
		Agent:      agent,
		Delegation: delegation,
		Task:       time.Duration(float64(delegation) * scale),
	}
}

// Validate checks that every outer level is at least as long as the next
// inner one.
func (h Hierarchy) Validate() error {
	levels := []struct {
		name string
		d    time.Duration
	}{
		{"engine", h.Engine},
		{"agent", h.Agent},
		{"delegation", h.Delegation},
		{"task", h.Task},
	}
	for i := 1; i < len(levels); i++ {
		inner, outer := levels[i-1], levels[i]
		if outer.d < inner.d {
			return fmt.Errorf("%s timeout %s is shorter than %s timeout %s", outer.name, outer.d, inner.name, inner.d)
		}
	}
	if h.Engine <= 0 {
		return fmt.Errorf("engine timeout must be positive, got %s", h.Engine)
	}
	return nil
}
