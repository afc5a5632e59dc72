// Command orchestrator runs the agent orchestration core: the public API,
// the internal ingress API and the JSON-RPC endpoint.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/xiaot623/gogo/internal/adapter/agentclient"
	"github.com/xiaot623/gogo/internal/adapter/ingress"
	"github.com/xiaot623/gogo/internal/adapter/llm"
	"github.com/xiaot623/gogo/internal/catalog"
	"github.com/xiaot623/gogo/internal/config"
	"github.com/xiaot623/gogo/internal/delegation"
	"github.com/xiaot623/gogo/internal/execution"
	"github.com/xiaot623/gogo/internal/interrupt"
	"github.com/xiaot623/gogo/internal/logging"
	"github.com/xiaot623/gogo/internal/metrics"
	"github.com/xiaot623/gogo/internal/policy"
	"github.com/xiaot623/gogo/internal/registry"
	store "github.com/xiaot623/gogo/internal/repository"
	"github.com/xiaot623/gogo/internal/routing"
	"github.com/xiaot623/gogo/internal/service"
	"github.com/xiaot623/gogo/internal/stream"
	"github.com/xiaot623/gogo/internal/supervisor"
	"github.com/xiaot623/gogo/internal/telemetry"
	transport "github.com/xiaot623/gogo/internal/transport/http"
	v1 "github.com/xiaot623/gogo/internal/transport/http/v1"
	"github.com/xiaot623/gogo/internal/transport/rpc"
	"github.com/xiaot623/gogo/internal/transport/ws"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		slog.Error("orchestrator exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := logging.New(cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("starting orchestrator",
		"instance_id", cfg.InstanceID,
		"http_port", cfg.HTTPPort,
		"internal_port", cfg.InternalPort,
		"rpc_port", cfg.RPCPort,
		"database", cfg.DatabaseURL,
		"mode", cfg.Mode,
	)

	shutdownTracing, err := telemetry.Init(ctx, cfg.Telemetry.Endpoint, "gogo-orchestrator", v1.Version, cfg.Telemetry.Insecure)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("failed to flush traces", "error", err)
		}
	}()

	db, err := store.NewSQLiteStore(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	defer db.Close()

	m := metrics.Default()

	execs := execution.NewRegistry(db,
		execution.WithOwner(cfg.InstanceID),
		execution.WithRetention(cfg.Executions.Retention),
		execution.WithLogger(logger),
		execution.WithMetrics(m),
	)
	agents := registry.New(db, registry.Config{
		MaxSubAgentsPerParent:  cfg.Registry.MaxSubAgentsPerParent,
		MaxCustomAgentsPerUser: cfg.Registry.MaxCustomAgentsPerUser,
		MaxNameAttempts:        cfg.Registry.MaxNameAttempts,
	}, logger)

	patterns, err := routing.NewPatternStage(routing.DefaultPatterns)
	if err != nil {
		return fmt.Errorf("failed to compile routing patterns: %w", err)
	}

	llmClient := llm.NewLLMClient(cfg.Mode, cfg.LiteLLMURL, cfg.LiteLLMAPIKey, cfg.LLMTimeout, logger)
	arbiter := llm.NewArbiter(llmClient, agents, llm.ArbiterConfig{
		Model:        cfg.Model,
		SupervisorID: cfg.SupervisorAgentID,
		Timeout:      cfg.LLMTimeout,
	}, logger)
	var reasoner routing.Reasoner = arbiter
	if llm.IsMock(cfg.Mode) {
		reasoner = routing.HintFollower{}
	}

	router := routing.NewRouter(patterns, routing.NewHeuristic(),
		routing.NewCache(routing.CacheConfig{
			Size:      cfg.Routing.CacheSize,
			TTL:       cfg.Routing.CacheTTL,
			Threshold: cfg.Routing.AcceptThreshold,
		}, m),
		reasoner, agents,
		routing.Config{
			AcceptThreshold:    cfg.Routing.AcceptThreshold,
			HeuristicThreshold: cfg.Routing.HeuristicThreshold,
			SeparationMargin:   cfg.Routing.SeparationMargin,
		},
		m, logger)
	agents.Subscribe(router)

	cat, err := catalog.Load(cfg.CatalogPath)
	if err != nil {
		return err
	}
	if err := cat.Seed(ctx, agents, db, patterns, logger); err != nil {
		return err
	}
	if err := agents.Sync(ctx); err != nil {
		return fmt.Errorf("failed to load agents: %w", err)
	}

	engine, err := policy.NewEngine(ctx, policy.DefaultPolicy)
	if err != nil {
		return fmt.Errorf("failed to initialize policy engine: %w", err)
	}
	interrupts := interrupt.NewManager(db, execs, interrupt.Config{ApprovalTimeout: cfg.Timeouts.Approval}, m, logger)

	hub := stream.NewHub(logger)
	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()
	go hub.Run(hubCtx)

	gateway := ingress.NewClient(cfg.IngressURL)
	defer gateway.Close()

	svc := service.New(service.Deps{
		Store:       db,
		Executions:  execs,
		Agents:      agents,
		Router:      router,
		Interrupts:  interrupts,
		Policy:      engine,
		AgentClient: agentclient.NewClient(),
		Responder:   arbiter,
		Hub:         hub,
		Ingress:     gateway,
		Metrics:     m,
		Logger:      logger,
	}, service.Config{
		InstanceID:           cfg.InstanceID,
		SupervisorID:         cfg.SupervisorAgentID,
		CallbackURL:          cfg.CallbackURL,
		ToolTimeout:          cfg.Timeouts.Tool,
		SweepInterval:        cfg.Executions.SweepInterval,
		RegistrySyncInterval: cfg.Registry.SyncInterval,
		Timeouts: supervisor.TimeoutConfig{
			Default:    cfg.Timeouts.Default,
			Fallback:   cfg.Timeouts.Fallback,
			Categories: cfg.Timeouts.Categories,
			Margin:     cfg.Timeouts.Margin,
		},
		Supervisor: supervisor.Config{
			WarnRatio:     cfg.Timeouts.WarnRatio,
			GraceRatio:    cfg.Timeouts.GraceRatio,
			CeilingFactor: cfg.Timeouts.CeilingFactor,
			WatchInterval: cfg.Timeouts.WatchInterval,
		},
		Delegation: delegation.Config{
			MaxDepth:     cfg.Delegation.MaxDepth,
			DedupeWindow: cfg.Delegation.DedupeWindow,
		},
	})

	if err := svc.Recover(ctx); err != nil {
		logger.Error("failed to recover executions", "error", err)
	}

	external := transport.NewExternalServer(svc, ws.NewHandler(svc, hub, ws.Config{}, logger), prometheus.DefaultGatherer)
	internal := transport.NewInternalServer(svc)
	rpcServer, err := rpc.NewServer(svc, logger)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		svc.RunMonitors(gctx)
		return nil
	})
	g.Go(func() error { return serve(external, cfg.HTTPPort) })
	g.Go(func() error { return serve(internal, cfg.InternalPort) })
	g.Go(func() error { return rpcServer.Start(fmt.Sprintf(":%d", cfg.RPCPort)) })
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down orchestrator")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return errors.Join(
			external.Shutdown(shutdownCtx),
			internal.Shutdown(shutdownCtx),
			rpcServer.Shutdown(shutdownCtx),
			svc.Shutdown(shutdownCtx),
		)
	})

	err = g.Wait()
	logger.Info("orchestrator stopped")
	return err
}

func serve(e *echo.Echo, port int) error {
	if err := e.Start(fmt.Sprintf(":%d", port)); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
