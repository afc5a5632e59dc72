// Package servicetest wires a Service over an in-memory store for transport
// tests.
package servicetest

import (
	"context"
	"testing"
	"time"

	"github.com/xiaot623/gogo/internal/adapter/agentclient"
	"github.com/xiaot623/gogo/internal/domain"
	"github.com/xiaot623/gogo/internal/execution"
	"github.com/xiaot623/gogo/internal/interrupt"
	"github.com/xiaot623/gogo/internal/logging"
	"github.com/xiaot623/gogo/internal/policy"
	"github.com/xiaot623/gogo/internal/registry"
	store "github.com/xiaot623/gogo/internal/repository"
	"github.com/xiaot623/gogo/internal/routing"
	"github.com/xiaot623/gogo/internal/service"
	"github.com/xiaot623/gogo/internal/stream"
	"github.com/xiaot623/gogo/internal/supervisor"
	"github.com/xiaot623/gogo/tests/helpers"
)

// Env is a running service and the parts tests poke at directly.
type Env struct {
	Service    *service.Service
	Store      store.Store
	Executions *execution.Registry
	Agents     *registry.Registry
	Hub        *stream.Hub
}

// New builds a service with routing, policy and interrupts configured the
// way cmd/orchestrator does, but with short poll intervals. Everything is
// torn down with the test.
func New(t *testing.T, responder service.Responder) *Env {
	t.Helper()
	st := helpers.NewTestSQLiteStore(t)
	logger := logging.Discard()

	execs := execution.NewRegistry(st, execution.WithOwner("test"), execution.WithLogger(logger))
	agents := registry.New(st, registry.Config{}, logger)
	patterns, err := routing.NewPatternStage(routing.DefaultPatterns)
	if err != nil {
		t.Fatalf("pattern stage: %v", err)
	}
	router := routing.NewRouter(patterns, routing.NewHeuristic(),
		routing.NewCache(routing.CacheConfig{Size: 16, TTL: time.Minute, Threshold: 0.75}, nil),
		routing.HintFollower{}, agents,
		routing.Config{AcceptThreshold: 0.75, HeuristicThreshold: 0.55, SeparationMargin: 0.15},
		nil, logger)
	agents.Subscribe(router)

	engine, err := policy.NewEngine(context.Background(), policy.DefaultPolicy)
	if err != nil {
		t.Fatalf("policy engine: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	hub := stream.NewHub(logger)
	go hub.Run(ctx)

	svc := service.New(service.Deps{
		Store:       st,
		Executions:  execs,
		Agents:      agents,
		Router:      router,
		Interrupts:  interrupt.NewManager(st, execs, interrupt.Config{PollInterval: 10 * time.Millisecond}, nil, logger),
		Policy:      engine,
		AgentClient: agentclient.NewClient(),
		Responder:   responder,
		Hub:         hub,
		Logger:      logger,
	}, service.Config{
		InstanceID:   "test",
		PollInterval: 10 * time.Millisecond,
		Supervisor:   supervisor.Config{WatchInterval: 10 * time.Millisecond},
	})
	t.Cleanup(func() {
		shutdownCtx, done := context.WithTimeout(context.Background(), 2*time.Second)
		defer done()
		_ = svc.Shutdown(shutdownCtx)
		cancel()
	})
	return &Env{Service: svc, Store: st, Executions: execs, Agents: agents, Hub: hub}
}

// RunningExecution creates a local running execution for agentID.
func (e *Env) RunningExecution(t *testing.T, agentID string) *domain.Execution {
	t.Helper()
	ctx := context.Background()
	exec, err := e.Executions.Create(ctx, execution.CreateOptions{
		AgentID:  agentID,
		ThreadID: agentID + "_direct",
		Mode:     domain.ModeDirect,
		Input:    "test input",
	})
	if err != nil {
		t.Fatalf("create execution: %v", err)
	}
	if exec, err = e.Executions.Transition(ctx, exec.ID, domain.ExecutionRunning); err != nil {
		t.Fatalf("start execution: %v", err)
	}
	return exec
}
