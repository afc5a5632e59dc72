package service

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/xiaot623/gogo/internal/adapter/agentclient"
	"github.com/xiaot623/gogo/internal/adapter/llm"
	"github.com/xiaot623/gogo/internal/domain"
	"github.com/xiaot623/gogo/internal/execution"
	"github.com/xiaot623/gogo/internal/interrupt"
	"github.com/xiaot623/gogo/internal/logging"
	"github.com/xiaot623/gogo/internal/policy"
	"github.com/xiaot623/gogo/internal/registry"
	store "github.com/xiaot623/gogo/internal/repository"
	"github.com/xiaot623/gogo/internal/routing"
	"github.com/xiaot623/gogo/internal/supervisor"
	"github.com/xiaot623/gogo/internal/tools"
	"github.com/xiaot623/gogo/tests/helpers"
)

type harness struct {
	svc        *Service
	store      store.Store
	execs      *execution.Registry
	agents     *registry.Registry
	router     *routing.Router
	interrupts *interrupt.Manager
}

type harnessConfig struct {
	store     store.Store
	owner     string
	reasoner  routing.Reasoner
	responder Responder
	watch     time.Duration
}

type harnessOption func(*harnessConfig)

func withStore(st store.Store) harnessOption { return func(c *harnessConfig) { c.store = st } }
func withOwner(owner string) harnessOption   { return func(c *harnessConfig) { c.owner = owner } }
func withReasoner(r routing.Reasoner) harnessOption {
	return func(c *harnessConfig) { c.reasoner = r }
}
func withResponder(r Responder) harnessOption { return func(c *harnessConfig) { c.responder = r } }
func withWatchInterval(d time.Duration) harnessOption {
	return func(c *harnessConfig) { c.watch = d }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	cfg := harnessConfig{owner: "node-a", reasoner: routing.HintFollower{}, watch: 10 * time.Millisecond}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.store == nil {
		cfg.store = helpers.NewTestSQLiteStore(t)
	}
	logger := logging.Discard()

	execs := execution.NewRegistry(cfg.store, execution.WithOwner(cfg.owner), execution.WithLogger(logger))
	agents := registry.New(cfg.store, registry.Config{}, logger)
	patterns, err := routing.NewPatternStage(routing.DefaultPatterns)
	require.NoError(t, err)
	router := routing.NewRouter(patterns, routing.NewHeuristic(),
		routing.NewCache(routing.CacheConfig{Size: 16, TTL: time.Minute, Threshold: 0.75}, nil),
		cfg.reasoner, agents,
		routing.Config{AcceptThreshold: 0.75, HeuristicThreshold: 0.55, SeparationMargin: 0.15},
		nil, logger)
	agents.Subscribe(router)
	require.NoError(t, agents.Sync(context.Background()))

	interrupts := interrupt.NewManager(cfg.store, execs, interrupt.Config{PollInterval: 10 * time.Millisecond}, nil, logger)
	engine, err := policy.NewEngine(context.Background(), policy.DefaultPolicy)
	require.NoError(t, err)

	svc := New(Deps{
		Store:       cfg.store,
		Executions:  execs,
		Agents:      agents,
		Router:      router,
		Interrupts:  interrupts,
		Policy:      engine,
		Tools:       tools.DefaultRegistry,
		AgentClient: agentclient.NewClient(),
		Responder:   cfg.responder,
		Logger:      logger,
	}, Config{
		InstanceID:           cfg.owner,
		PollInterval:         10 * time.Millisecond,
		MonitorInterval:      20 * time.Millisecond,
		Supervisor:           supervisor.Config{WatchInterval: cfg.watch},
		RegistrySyncInterval: 20 * time.Millisecond,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = svc.Shutdown(ctx)
	})
	return &harness{svc: svc, store: cfg.store, execs: execs, agents: agents, router: router, interrupts: interrupts}
}

func (h *harness) register(t *testing.T, def domain.AgentDefinition) {
	t.Helper()
	_, err := h.agents.Register(context.Background(), def)
	require.NoError(t, err)
}

func (h *harness) waitTerminal(t *testing.T, id string) *domain.Execution {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	exec, err := h.execs.Wait(ctx, id)
	require.NoError(t, err, "execution %s did not finish", id)
	return exec
}

func (h *harness) eventTypes(t *testing.T, id string) []domain.EventType {
	t.Helper()
	events, err := h.svc.GetEvents(context.Background(), id, 0, nil, 0)
	require.NoError(t, err)
	out := make([]domain.EventType, 0, len(events))
	for _, e := range events {
		out = append(out, e.Type)
	}
	return out
}

type sseWriter struct {
	w http.ResponseWriter
}

func (s *sseWriter) send(event string, data any) {
	b, _ := json.Marshal(data)
	fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, b)
	if f, ok := s.w.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *sseWriter) done(final string) {
	s.send("done", domain.DoneEventData{FinalMessage: final, Usage: &domain.UsageData{PromptTokens: 3, CompletionTokens: 5}})
}

type agentFunc func(w *sseWriter, req domain.AgentInvokeRequest, r *http.Request)

// newAgentServer serves an SSE agent at /invoke.
func newAgentServer(t *testing.T, fn agentFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/invoke" {
			http.NotFound(w, r)
			return
		}
		var req domain.AgentInvokeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		fn(&sseWriter{w: w}, req, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func answering(final string) agentFunc {
	return func(w *sseWriter, _ domain.AgentInvokeRequest, _ *http.Request) {
		w.done(final)
	}
}

type staticResponder string

func (r staticResponder) Respond(context.Context, string, []domain.Message) (string, *llm.Usage, error) {
	return string(r), &llm.Usage{PromptTokens: 1, CompletionTokens: 2}, nil
}

func executionOptions(agentID string) execution.CreateOptions {
	return execution.CreateOptions{
		AgentID:  agentID,
		ThreadID: agentID + "_direct",
		Mode:     domain.ModeDirect,
		Input:    "plan the week",
	}
}
