// Package registry is the durable catalog of agents and the delegation
// capabilities they expose.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/xiaot623/gogo/internal/domain"
	store "github.com/xiaot623/gogo/internal/repository"
)

// Listener observes catalog changes. The routing stages use it to grow
// their vocabulary without a restart.
type Listener interface {
	AgentUpserted(def domain.AgentDefinition)
	AgentsDeactivated(ids []string)
}

// Config holds the registry soft limits.
type Config struct {
	MaxSubAgentsPerParent  int
	MaxCustomAgentsPerUser int
	MaxNameAttempts        int
}

// Registry reads and writes agent definitions through the durable store.
// Nothing is cached: every read reflects what other processes wrote.
type Registry struct {
	store  store.Store
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	// mu serializes quota checks and name claims within this process.
	mu sync.Mutex

	lmu       sync.RWMutex
	listeners []Listener
}

// New creates a registry.
func New(st store.Store, cfg Config, logger *slog.Logger) *Registry {
	if cfg.MaxNameAttempts <= 0 {
		cfg.MaxNameAttempts = 5
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		store:  st,
		cfg:    cfg,
		logger: logger.With("component", "registry"),
		now:    time.Now,
	}
}

// Subscribe adds a listener.
func (r *Registry) Subscribe(l Listener) {
	r.lmu.Lock()
	r.listeners = append(r.listeners, l)
	r.lmu.Unlock()
}

// Sync replays the stored agents to the listeners: active ones as upserts,
// inactive ones as deactivations. It runs at boot and then periodically, so
// agents registered or removed by another instance reach local routing.
func (r *Registry) Sync(ctx context.Context) error {
	agents, err := r.store.ListAgents(ctx)
	if err != nil {
		return fmt.Errorf("failed to list agents: %w", err)
	}
	var inactive []string
	for _, a := range agents {
		if a.Active {
			r.notifyUpserted(a)
		} else {
			inactive = append(inactive, a.ID)
		}
	}
	if len(inactive) > 0 {
		r.notifyDeactivated(inactive)
	}
	return nil
}

var nonIdent = regexp.MustCompile(`[^a-z0-9]+`)

// DefaultCapabilityName derives the handoff name for an agent id.
func DefaultCapabilityName(agentID string) string {
	name := strings.Trim(nonIdent.ReplaceAllString(strings.ToLower(agentID), "_"), "_")
	return "transfer_to_" + name
}

// Register validates and stores a new definition. A capability name taken in
// the same user scope is disambiguated with a numeric suffix.
func (r *Registry) Register(ctx context.Context, def domain.AgentDefinition) (*domain.AgentDefinition, error) {
	if def.ID == "" {
		def.ID = "agent_" + uuid.New().String()[:8]
	}
	if def.DisplayName == "" {
		def.DisplayName = def.ID
	}
	if def.DelegationCapabilityName == "" {
		def.DelegationCapabilityName = DefaultCapabilityName(def.ID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if def.IsSubAgent || def.ParentAgentID != "" {
		if def.ParentAgentID == "" {
			return nil, domain.NewConfigurationError("sub-agent %s has no parent", def.ID)
		}
		parent, err := r.store.GetAgent(ctx, def.ParentAgentID)
		if err != nil {
			return nil, fmt.Errorf("failed to get parent agent: %w", err)
		}
		if parent == nil || !parent.Active {
			return nil, domain.NewConfigurationError("parent agent %s not found or inactive", def.ParentAgentID)
		}
		if parent.IsSubAgent {
			return nil, domain.NewConfigurationError("parent agent %s is itself a sub-agent", def.ParentAgentID)
		}
		def.IsSubAgent = true
		if def.UserID == "" {
			def.UserID = parent.UserID
		}
		if r.cfg.MaxSubAgentsPerParent > 0 {
			n, err := r.store.CountActiveSubAgents(ctx, parent.ID)
			if err != nil {
				return nil, fmt.Errorf("failed to count sub-agents: %w", err)
			}
			if n >= r.cfg.MaxSubAgentsPerParent {
				return nil, &domain.QuotaExceededError{Quota: "sub_agents_per_parent", Scope: parent.ID, Limit: r.cfg.MaxSubAgentsPerParent}
			}
		}
	}

	if def.UserID != "" && r.cfg.MaxCustomAgentsPerUser > 0 {
		n, err := r.store.CountActiveCustomAgents(ctx, def.UserID)
		if err != nil {
			return nil, fmt.Errorf("failed to count custom agents: %w", err)
		}
		if n >= r.cfg.MaxCustomAgentsPerUser {
			return nil, &domain.QuotaExceededError{Quota: "custom_agents_per_user", Scope: def.UserID, Limit: r.cfg.MaxCustomAgentsPerUser}
		}
	}

	now := r.now()
	def.Active = true
	def.CreatedAt = now
	def.UpdatedAt = now

	if err := r.claimName(&def, func(d *domain.AgentDefinition) error {
		return r.store.CreateAgent(ctx, d)
	}); err != nil {
		return nil, err
	}

	r.logger.Info("agent registered", "agent_id", def.ID, "capability", def.DelegationCapabilityName, "sub_agent", def.IsSubAgent)
	r.notifyUpserted(def)
	return &def, nil
}

// Update rewrites the mutable fields of an active agent.
func (r *Registry) Update(ctx context.Context, def domain.AgentDefinition) (*domain.AgentDefinition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, err := r.store.GetAgent(ctx, def.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to get agent: %w", err)
	}
	if existing == nil || !existing.Active {
		return nil, fmt.Errorf("agent %s: %w", def.ID, domain.ErrNotFound)
	}

	merged := *existing
	if def.DisplayName != "" {
		merged.DisplayName = def.DisplayName
	}
	if def.Description != "" {
		merged.Description = def.Description
	}
	if def.Endpoint != "" {
		merged.Endpoint = def.Endpoint
	}
	if def.Capabilities != nil {
		merged.Capabilities = def.Capabilities
	}
	if def.Category != "" {
		merged.Category = def.Category
	}
	if def.Keywords != nil {
		merged.Keywords = def.Keywords
	}
	if def.TimeoutMs > 0 {
		merged.TimeoutMs = def.TimeoutMs
	}
	if def.DelegationCapabilityName != "" {
		merged.DelegationCapabilityName = def.DelegationCapabilityName
	}
	merged.UpdatedAt = r.now()

	if err := r.claimName(&merged, func(d *domain.AgentDefinition) error {
		return r.store.UpdateAgent(ctx, d)
	}); err != nil {
		return nil, err
	}

	r.notifyUpserted(merged)
	return &merged, nil
}

func (r *Registry) claimName(def *domain.AgentDefinition, write func(*domain.AgentDefinition) error) error {
	base := def.DelegationCapabilityName
	for attempt := 1; attempt <= r.cfg.MaxNameAttempts; attempt++ {
		def.DelegationCapabilityName = base
		if attempt > 1 {
			def.DelegationCapabilityName = fmt.Sprintf("%s_%d", base, attempt)
		}
		err := write(def)
		switch {
		case err == nil:
			if attempt > 1 {
				r.logger.Info("capability name disambiguated", "agent_id", def.ID, "requested", base, "assigned", def.DelegationCapabilityName)
			}
			return nil
		case errors.Is(err, store.ErrCapabilityNameTaken):
			continue
		case errors.Is(err, store.ErrAgentExists):
			return fmt.Errorf("agent %s: %w", def.ID, err)
		default:
			return fmt.Errorf("failed to store agent: %w", err)
		}
	}
	def.DelegationCapabilityName = base
	return &domain.DuplicateCapabilityNameError{Name: base, UserID: def.UserID, Attempts: r.cfg.MaxNameAttempts}
}

// Get returns an agent by id, active or not.
func (r *Registry) Get(ctx context.Context, id string) (*domain.AgentDefinition, error) {
	agent, err := r.store.GetAgent(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get agent: %w", err)
	}
	if agent == nil {
		return nil, fmt.Errorf("agent %s: %w", id, domain.ErrNotFound)
	}
	return agent, nil
}

// Resolve returns an active agent or a ConfigurationError.
func (r *Registry) Resolve(ctx context.Context, id string) (*domain.AgentDefinition, error) {
	agent, err := r.store.GetAgent(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get agent: %w", err)
	}
	if agent == nil {
		return nil, domain.NewConfigurationError("agent %s not found", id)
	}
	if !agent.Active {
		return nil, domain.NewConfigurationError("agent %s is inactive", id)
	}
	return agent, nil
}

// List returns the active agents visible to a user.
func (r *Registry) List(ctx context.Context, userID string) ([]domain.AgentDefinition, error) {
	agents, err := r.store.ListAgentsInScope(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	return agents, nil
}

// ListAll returns every agent including deactivated ones.
func (r *Registry) ListAll(ctx context.Context) ([]domain.AgentDefinition, error) {
	agents, err := r.store.ListAgents(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	return agents, nil
}

// ListDelegationCapabilities returns the handoff targets available to an
// agent: active agents in its user scope, excluding itself. It is read from
// the store on every call.
func (r *Registry) ListDelegationCapabilities(ctx context.Context, forAgentID string) ([]domain.DelegationCapability, error) {
	userID := ""
	if forAgentID != "" {
		self, err := r.store.GetAgent(ctx, forAgentID)
		if err != nil {
			return nil, fmt.Errorf("failed to get agent: %w", err)
		}
		if self != nil {
			userID = self.UserID
		}
	}

	agents, err := r.store.ListAgentsInScope(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}

	caps := make([]domain.DelegationCapability, 0, len(agents))
	for _, a := range agents {
		if a.ID == forAgentID {
			continue
		}
		caps = append(caps, a.Capability())
	}
	sort.Slice(caps, func(i, j int) bool { return caps[i].Name < caps[j].Name })
	return caps, nil
}

// Deactivate soft-deletes an agent along with its sub-agents.
func (r *Registry) Deactivate(ctx context.Context, id string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids, err := r.store.DeactivateAgent(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to deactivate agent: %w", err)
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("agent %s: %w", id, domain.ErrNotFound)
	}
	r.logger.Info("agent deactivated", "agent_id", id, "cascade", len(ids)-1)
	r.notifyDeactivated(ids)
	return ids, nil
}

func (r *Registry) notifyUpserted(def domain.AgentDefinition) {
	r.lmu.RLock()
	defer r.lmu.RUnlock()
	for _, l := range r.listeners {
		l.AgentUpserted(def)
	}
}

func (r *Registry) notifyDeactivated(ids []string) {
	r.lmu.RLock()
	defer r.lmu.RUnlock()
	for _, l := range r.listeners {
		l.AgentsDeactivated(ids)
	}
}
