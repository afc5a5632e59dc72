// Package service implements the orchestrator's use cases on top of the
// routing, delegation, supervision and interrupt components.
package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/xiaot623/gogo/internal/adapter/agentclient"
	"github.com/xiaot623/gogo/internal/adapter/ingress"
	"github.com/xiaot623/gogo/internal/adapter/llm"
	"github.com/xiaot623/gogo/internal/delegation"
	"github.com/xiaot623/gogo/internal/domain"
	"github.com/xiaot623/gogo/internal/execution"
	"github.com/xiaot623/gogo/internal/interrupt"
	"github.com/xiaot623/gogo/internal/metrics"
	"github.com/xiaot623/gogo/internal/mode"
	"github.com/xiaot623/gogo/internal/policy"
	"github.com/xiaot623/gogo/internal/registry"
	store "github.com/xiaot623/gogo/internal/repository"
	"github.com/xiaot623/gogo/internal/routing"
	"github.com/xiaot623/gogo/internal/stream"
	"github.com/xiaot623/gogo/internal/supervisor"
	"github.com/xiaot623/gogo/internal/tools"
	"golang.org/x/sync/singleflight"
)

const (
	defaultToolTimeout     = 60 * time.Second
	defaultMonitorInterval = 500 * time.Millisecond
	defaultSweepInterval   = time.Minute
	defaultRegistrySync    = 30 * time.Second
	defaultPollInterval    = 250 * time.Millisecond
	historyLimit           = 50
)

// AgentInvoker streams one invocation of an external agent.
type AgentInvoker interface {
	Invoke(ctx context.Context, endpoint string, req *domain.AgentInvokeRequest, handle agentclient.Handler) error
}

// Router decides who handles a supervised request.
type Router interface {
	Route(ctx context.Context, req routing.Request) (*domain.RouteResult, error)
}

// Responder answers requests the supervisor keeps for itself.
type Responder interface {
	Respond(ctx context.Context, input string, history []domain.Message) (string, *llm.Usage, error)
}

// Config holds service settings.
type Config struct {
	InstanceID   string
	SupervisorID string
	// CallbackURL is handed to agents so they can reach the tool gateway.
	CallbackURL     string
	ToolTimeout     time.Duration
	MonitorInterval time.Duration
	SweepInterval   time.Duration
	// RegistrySyncInterval replays shared agents into local routing.
	RegistrySyncInterval time.Duration
	PollInterval         time.Duration
	Timeouts             supervisor.TimeoutConfig
	Supervisor           supervisor.Config
	Delegation           delegation.Config
}

// Deps are the collaborators the service is built from.
type Deps struct {
	Store       store.Store
	Executions  *execution.Registry
	Agents      *registry.Registry
	Router      Router
	Interrupts  *interrupt.Manager
	Policy      *policy.Engine
	Tools       *tools.Registry
	AgentClient AgentInvoker
	Responder   Responder
	Hub         *stream.Hub
	Ingress     *ingress.Client
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
}

// Service is the orchestrator facade used by every transport.
type Service struct {
	store       store.Store
	execs       *execution.Registry
	agents      *registry.Registry
	router      Router
	modes       mode.Resolver
	coord       *delegation.Coordinator
	super       *supervisor.Supervisor
	interrupts  *interrupt.Manager
	policy      *policy.Engine
	tools       *tools.Registry
	agentClient AgentInvoker
	responder   Responder
	hub         *stream.Hub
	ingress     *ingress.Client
	cfg         Config
	metrics     *metrics.Metrics
	logger      *slog.Logger
	now         func() time.Time

	// Runs outlive the request that started them.
	base   context.Context
	wg     sync.WaitGroup
	starts singleflight.Group
	meta   sync.Map // execution id -> runMeta
}

// New wires the service. The delegation coordinator and supervisor are built
// here because both publish through the service's event stream.
func New(d Deps, cfg Config) *Service {
	if cfg.ToolTimeout <= 0 {
		cfg.ToolTimeout = defaultToolTimeout
	}
	if cfg.MonitorInterval <= 0 {
		cfg.MonitorInterval = defaultMonitorInterval
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	if cfg.RegistrySyncInterval <= 0 {
		cfg.RegistrySyncInterval = defaultRegistrySync
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.SupervisorID == "" {
		cfg.SupervisorID = "supervisor"
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	toolRegistry := d.Tools
	if toolRegistry == nil {
		toolRegistry = tools.DefaultRegistry
	}

	s := &Service{
		store:       d.Store,
		execs:       d.Executions,
		agents:      d.Agents,
		router:      d.Router,
		modes:       mode.Resolver{SupervisorID: cfg.SupervisorID},
		interrupts:  d.Interrupts,
		policy:      d.Policy,
		tools:       toolRegistry,
		agentClient: d.AgentClient,
		responder:   d.Responder,
		hub:         d.Hub,
		ingress:     d.Ingress,
		cfg:         cfg,
		metrics:     d.Metrics,
		logger:      logger.With("component", "service"),
		now:         time.Now,
		base:        context.Background(),
	}
	s.coord = delegation.NewCoordinator(d.Store, d.Agents, d.Executions, cfg.Delegation, d.Metrics, logger)
	s.coord.SetLauncher(s)
	s.coord.SetEmitter(s)
	s.super = supervisor.New(d.Executions, s, cfg.Supervisor, d.Metrics, logger)
	return s
}

// Shutdown waits for in-flight runs until ctx expires. Runs still going are
// left to their checkpoints and picked up by Recover on the next boot.
func (s *Service) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Coordinator exposes the delegation coordinator.
func (s *Service) Coordinator() *delegation.Coordinator { return s.coord }

func (s *Service) goBackground(fn func(ctx context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn(s.base)
	}()
}
