// Package catalog loads the YAML seed of agents, tools and routing patterns.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/xiaot623/gogo/internal/domain"
	store "github.com/xiaot623/gogo/internal/repository"
)

// Catalog is the on-disk seed file.
type Catalog struct {
	Agents   []domain.AgentDefinition `yaml:"agents"`
	Tools    []domain.Tool            `yaml:"tools"`
	Patterns map[string][]string      `yaml:"patterns"`
}

// AgentRegistry is the part of the agent registry the seeder writes to.
type AgentRegistry interface {
	Get(ctx context.Context, id string) (*domain.AgentDefinition, error)
	Register(ctx context.Context, def domain.AgentDefinition) (*domain.AgentDefinition, error)
	Update(ctx context.Context, def domain.AgentDefinition) (*domain.AgentDefinition, error)
}

// ToolStore persists tool definitions.
type ToolStore interface {
	UpsertTool(ctx context.Context, tool *domain.Tool) error
}

// PatternSink accepts extra routing rules.
type PatternSink interface {
	AddRule(category, expr string) error
}

// Load reads a catalog file. A missing file yields an empty catalog.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Catalog{}, nil
		}
		return nil, fmt.Errorf("failed to read catalog %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes catalog YAML and validates it.
func Parse(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks ids and tool kinds.
func (c *Catalog) Validate() error {
	seen := make(map[string]bool, len(c.Agents))
	for i, a := range c.Agents {
		if a.ID == "" {
			return domain.NewConfigurationError("catalog agent #%d has no id", i+1)
		}
		if seen[a.ID] {
			return domain.NewConfigurationError("catalog agent %s listed twice", a.ID)
		}
		seen[a.ID] = true
		if a.Endpoint == "" {
			return domain.NewConfigurationError("catalog agent %s has no endpoint", a.ID)
		}
	}
	for i, t := range c.Tools {
		if t.Name == "" {
			return domain.NewConfigurationError("catalog tool #%d has no name", i+1)
		}
		switch t.Kind {
		case domain.ToolKindServer, domain.ToolKindClient:
		case "":
			c.Tools[i].Kind = domain.ToolKindServer
		default:
			return domain.NewConfigurationError("catalog tool %s has unknown kind %q", t.Name, t.Kind)
		}
	}
	return nil
}

// Seed writes the catalog into the registry and tool store. Agents already
// registered are updated in place. Parents are registered before their
// sub-agents regardless of file order.
func (c *Catalog) Seed(ctx context.Context, agents AgentRegistry, tools ToolStore, patterns PatternSink, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "catalog")

	ordered := make([]domain.AgentDefinition, 0, len(c.Agents))
	for _, a := range c.Agents {
		if a.ParentAgentID == "" {
			ordered = append(ordered, a)
		}
	}
	for _, a := range c.Agents {
		if a.ParentAgentID != "" {
			ordered = append(ordered, a)
		}
	}

	for _, def := range ordered {
		existing, err := agents.Get(ctx, def.ID)
		switch {
		case err == nil && existing.Active:
			_, err = agents.Update(ctx, def)
		case err == nil || errors.Is(err, domain.ErrNotFound):
			_, err = agents.Register(ctx, def)
			if errors.Is(err, store.ErrAgentExists) {
				logger.Warn("agent id taken by a deactivated agent, skipping", "agent_id", def.ID)
				err = nil
			}
		}
		if err != nil {
			return fmt.Errorf("failed to seed agent %s: %w", def.ID, err)
		}
	}

	for i := range c.Tools {
		if err := tools.UpsertTool(ctx, &c.Tools[i]); err != nil {
			return fmt.Errorf("failed to seed tool %s: %w", c.Tools[i].Name, err)
		}
	}

	if patterns != nil {
		for category, exprs := range c.Patterns {
			for _, expr := range exprs {
				if err := patterns.AddRule(category, expr); err != nil {
					return err
				}
			}
		}
	}

	logger.Info("catalog seeded", "agents", len(c.Agents), "tools", len(c.Tools), "pattern_categories", len(c.Patterns))
	return nil
}
