// Package metrics exposes Prometheus collectors for orchestration activity.
package metrics

import (
	"errors"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "gogo"

// Metrics groups the orchestrator's collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	routingDecisions   *prometheus.CounterVec
	routingCache       *prometheus.CounterVec
	executionsStarted  *prometheus.CounterVec
	executionsFinished *prometheus.CounterVec
	executionRetries   prometheus.Counter
	executionWarnings  prometheus.Counter
	executionsActive   prometheus.Gauge
	interrupts         *prometheus.CounterVec
	delegations        *prometheus.CounterVec
	toolCalls          *prometheus.CounterVec
}

var (
	defaultOnce sync.Once
	shared      *Metrics
)

// Default returns collectors registered with the global Prometheus registry.
// They are created once so repeated service construction does not panic.
func Default() *Metrics {
	defaultOnce.Do(func() {
		shared = MustNew(prometheus.DefaultRegisterer)
	})
	return shared
}

// MustNew constructs collectors on reg. Tests should pass a fresh registry.
func MustNew(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		routingDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "routing",
			Name:      "decisions_total",
			Help:      "Routing decisions by deciding stage and action.",
		}, []string{"stage", "action"}),
		routingCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "routing",
			Name:      "cache_lookups_total",
			Help:      "Routing cache lookups by result.",
		}, []string{"result"}),
		executionsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "executions",
			Name:      "started_total",
			Help:      "Executions created by conversation mode.",
		}, []string{"mode"}),
		executionsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "executions",
			Name:      "finished_total",
			Help:      "Executions reaching a terminal state.",
		}, []string{"state"}),
		executionRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "executions",
			Name:      "retries_total",
			Help:      "Automatic retries spawned after a timeout.",
		}),
		executionWarnings: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "executions",
			Name:      "budget_warnings_total",
			Help:      "Executions that crossed the budget warning threshold.",
		}),
		executionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "executions",
			Name:      "active",
			Help:      "Executions currently tracked and not terminal.",
		}),
		interrupts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "interrupts",
			Name:      "transitions_total",
			Help:      "Interrupt records created or resolved, by status.",
		}, []string{"status"}),
		delegations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "delegation",
			Name:      "requests_total",
			Help:      "Delegation requests by outcome.",
		}, []string{"outcome"}),
		toolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tools",
			Name:      "calls_total",
			Help:      "Tool calls by tool and final status.",
		}, []string{"tool", "status"}),
	}

	m.routingDecisions = register(reg, m.routingDecisions)
	m.routingCache = register(reg, m.routingCache)
	m.executionsStarted = register(reg, m.executionsStarted)
	m.executionsFinished = register(reg, m.executionsFinished)
	m.interrupts = register(reg, m.interrupts)
	m.delegations = register(reg, m.delegations)
	m.toolCalls = register(reg, m.toolCalls)
	m.executionRetries = register(reg, m.executionRetries)
	m.executionWarnings = register(reg, m.executionWarnings)
	m.executionsActive = register(reg, m.executionsActive)
	return m
}

// register reuses an already-registered collector of the same description
// and panics on any other registration error, like promauto.
func register[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(T); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

// RoutingDecision counts a routing outcome.
func (m *Metrics) RoutingDecision(stage, action string) {
	if m == nil {
		return
	}
	m.routingDecisions.WithLabelValues(stage, action).Inc()
}

// CacheLookup counts a routing cache hit or miss.
func (m *Metrics) CacheLookup(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.routingCache.WithLabelValues(result).Inc()
}

// ExecutionStarted counts a new execution and bumps the active gauge.
func (m *Metrics) ExecutionStarted(mode string) {
	if m == nil {
		return
	}
	m.executionsStarted.WithLabelValues(mode).Inc()
	m.executionsActive.Inc()
}

// ExecutionFinished counts a terminal transition and drops the active gauge.
func (m *Metrics) ExecutionFinished(state string) {
	if m == nil {
		return
	}
	m.executionsFinished.WithLabelValues(state).Inc()
	m.executionsActive.Dec()
}

// ExecutionRetried counts an automatic retry.
func (m *Metrics) ExecutionRetried() {
	if m == nil {
		return
	}
	m.executionRetries.Inc()
}

// BudgetWarning counts an 80% budget warning.
func (m *Metrics) BudgetWarning() {
	if m == nil {
		return
	}
	m.executionWarnings.Inc()
}

// Interrupt counts an interrupt status change.
func (m *Metrics) Interrupt(status string) {
	if m == nil {
		return
	}
	m.interrupts.WithLabelValues(status).Inc()
}

// Delegation counts a delegation outcome (created, deduplicated, rejected).
func (m *Metrics) Delegation(outcome string) {
	if m == nil {
		return
	}
	m.delegations.WithLabelValues(outcome).Inc()
}

// ToolCall counts a tool call reaching status.
func (m *Metrics) ToolCall(tool, status string) {
	if m == nil {
		return
	}
	m.toolCalls.WithLabelValues(tool, status).Inc()
}
