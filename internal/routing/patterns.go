package routing

import (
	"fmt"
	"regexp"
	"sort"
	"sync"

	"github.com/xiaot623/gogo/internal/domain"
)

// DefaultPatterns are the lexical rules per category shipped with the
// orchestrator. Catalog files may add more.
var DefaultPatterns = map[string][]string{
	"scheduling": {
		`(?i)\b(schedule|reschedule|book)\b.*\b(meeting|call|appointment|event)\b`,
		`(?i)\b(what('s| is) on my calendar|free slot|availability)\b`,
	},
	"communication": {
		`(?i)\b(send|draft|write|reply to|forward)\b.*\b(e-?mail|message)\b`,
	},
	"documents": {
		`(?i)\b(summari[sz]e|proofread|edit)\b.*\b(document|doc|pdf|report)\b`,
	},
	"research": {
		`(?i)\b(search the web|look up|research)\b`,
	},
}

type patternRule struct {
	category string
	expr     *regexp.Regexp
}

// PatternMatch is the outcome of the pattern stage.
type PatternMatch struct {
	Category string
	// AgentIDs are the agents bound to the matched category.
	AgentIDs []string
}

// Strong reports whether exactly one agent owns the matched category.
func (m PatternMatch) Strong() bool {
	return len(m.AgentIDs) == 1
}

// PatternStage matches deterministic per-category rules. Categories are bound
// to agents as the registry reports them.
type PatternStage struct {
	mu       sync.RWMutex
	rules    []patternRule
	bindings map[string]map[string]struct{} // category -> agent ids
	agentCat map[string]string
}

// NewPatternStage compiles the given rules.
func NewPatternStage(patterns map[string][]string) (*PatternStage, error) {
	p := &PatternStage{
		bindings: make(map[string]map[string]struct{}),
		agentCat: make(map[string]string),
	}
	categories := make([]string, 0, len(patterns))
	for c := range patterns {
		categories = append(categories, c)
	}
	sort.Strings(categories)
	for _, c := range categories {
		for _, expr := range patterns[c] {
			if err := p.AddRule(c, expr); err != nil {
				return nil, err
			}
		}
	}
	return p, nil
}

// AddRule compiles and appends a rule for category.
func (p *PatternStage) AddRule(category, expr string) error {
	re, err := regexp.Compile(expr)
	if err != nil {
		return fmt.Errorf("invalid pattern for %s: %w", category, err)
	}
	p.mu.Lock()
	p.rules = append(p.rules, patternRule{category: category, expr: re})
	p.mu.Unlock()
	return nil
}

// Match returns the first rule that matches input. Rules are tried in the
// order they were added.
func (p *PatternStage) Match(input string) (PatternMatch, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, r := range p.rules {
		if !r.expr.MatchString(input) {
			continue
		}
		ids := make([]string, 0, len(p.bindings[r.category]))
		for id := range p.bindings[r.category] {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		return PatternMatch{Category: r.category, AgentIDs: ids}, true
	}
	return PatternMatch{}, false
}

// AgentUpserted binds a shared top-level agent to its category.
func (p *PatternStage) AgentUpserted(def domain.AgentDefinition) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.unbindLocked(def.ID)
	if def.Category == "" || def.IsSubAgent || def.UserID != "" || !def.Active {
		return
	}
	set, ok := p.bindings[def.Category]
	if !ok {
		set = make(map[string]struct{})
		p.bindings[def.Category] = set
	}
	set[def.ID] = struct{}{}
	p.agentCat[def.ID] = def.Category
}

// AgentsDeactivated removes bindings.
func (p *PatternStage) AgentsDeactivated(ids []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, id := range ids {
		p.unbindLocked(id)
	}
}

func (p *PatternStage) unbindLocked(id string) {
	if c, ok := p.agentCat[id]; ok {
		delete(p.bindings[c], id)
		delete(p.agentCat, id)
	}
}
