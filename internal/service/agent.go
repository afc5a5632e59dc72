package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/xiaot623/gogo/internal/domain"
)

// RegisterAgent adds an agent or sub-agent to the catalog. Routing stages
// learn about it through the registry's listeners.
func (s *Service) RegisterAgent(ctx context.Context, def domain.AgentDefinition) (*domain.AgentDefinition, error) {
	def.Endpoint = strings.TrimSpace(def.Endpoint)
	if def.Endpoint == "" {
		return nil, domain.NewConfigurationError("agent endpoint is required")
	}
	if def.ID == s.cfg.SupervisorID {
		return nil, domain.NewConfigurationError("agent id %s is reserved", def.ID)
	}
	return s.agents.Register(ctx, def)
}

// UpdateAgent replaces an agent definition.
func (s *Service) UpdateAgent(ctx context.Context, def domain.AgentDefinition) (*domain.AgentDefinition, error) {
	return s.agents.Update(ctx, def)
}

// GetAgent returns an agent, active or not.
func (s *Service) GetAgent(ctx context.Context, id string) (*domain.AgentDefinition, error) {
	return s.agents.Get(ctx, id)
}

// ListAgents returns the active agents visible to a user.
func (s *Service) ListAgents(ctx context.Context, userID string) ([]domain.AgentDefinition, error) {
	agents, err := s.agents.List(ctx, userID)
	if err != nil {
		return nil, err
	}
	if agents == nil {
		agents = []domain.AgentDefinition{}
	}
	return agents, nil
}

// DeactivateAgent removes an agent and its sub-agents from routing. It
// returns every id deactivated.
func (s *Service) DeactivateAgent(ctx context.Context, id string) ([]string, error) {
	return s.agents.Deactivate(ctx, id)
}

// ListCapabilities returns the delegation targets an agent can hand off to,
// read live from the registry.
func (s *Service) ListCapabilities(ctx context.Context, agentID string) ([]domain.DelegationCapability, error) {
	if agentID != s.cfg.SupervisorID {
		if _, err := s.agents.Get(ctx, agentID); err != nil {
			return nil, err
		}
	}
	caps, err := s.agents.ListDelegationCapabilities(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list capabilities: %w", err)
	}
	return caps, nil
}
