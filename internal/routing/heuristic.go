package routing

import (
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/xiaot623/gogo/internal/domain"
)

const (
	// DefaultKeywordWeight applies to agent keywords without an explicit weight.
	DefaultKeywordWeight = 0.45
	categoryWeight       = 0.3
)

type vocabEntry struct {
	userID string
	terms  map[string]float64
	// extra holds terms added through Extend; they survive re-registration.
	extra map[string]float64
}

func (e *vocabEntry) weight(term string) float64 {
	w := e.terms[term]
	if x := e.extra[term]; x > w {
		w = x
	}
	return w
}

// Heuristic scores agents by weighted keyword overlap. Scores combine as
// 1 - prod(1 - w) over matched terms, so they stay in [0,1].
type Heuristic struct {
	mu     sync.RWMutex
	agents map[string]*vocabEntry
}

// NewHeuristic creates an empty scorer.
func NewHeuristic() *Heuristic {
	return &Heuristic{agents: make(map[string]*vocabEntry)}
}

// Extend adds or reweights terms for an agent.
func (h *Heuristic) Extend(agentID string, terms map[string]float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	e := h.entryLocked(agentID)
	for term, w := range terms {
		t := normalizeText(term)
		if t == "" || w <= 0 {
			continue
		}
		if w > 1 {
			w = 1
		}
		e.extra[t] = w
	}
}

func (h *Heuristic) entryLocked(agentID string) *vocabEntry {
	e, ok := h.agents[agentID]
	if !ok {
		e = &vocabEntry{terms: make(map[string]float64), extra: make(map[string]float64)}
		h.agents[agentID] = e
	}
	return e
}

// AgentUpserted replaces the agent's derived vocabulary.
func (h *Heuristic) AgentUpserted(def domain.AgentDefinition) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !def.Active {
		delete(h.agents, def.ID)
		return
	}
	e := h.entryLocked(def.ID)
	e.userID = def.UserID
	e.terms = make(map[string]float64)
	if def.Category != "" {
		e.terms[normalizeText(def.Category)] = categoryWeight
	}
	for _, kw := range def.Keywords {
		if t := normalizeText(kw); t != "" {
			e.terms[t] = DefaultKeywordWeight
		}
	}
}

// AgentsDeactivated drops vocabularies.
func (h *Heuristic) AgentsDeactivated(ids []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, id := range ids {
		delete(h.agents, id)
	}
}

// Score returns every positive agent score visible to userID, best first.
func (h *Heuristic) Score(input, userID string) []domain.RoutingHint {
	padded := " " + normalizeText(input) + " "

	h.mu.RLock()
	defer h.mu.RUnlock()

	var hints []domain.RoutingHint
	for id, e := range h.agents {
		if e.userID != "" && e.userID != userID {
			continue
		}
		miss := 1.0
		seen := make(map[string]struct{}, len(e.terms)+len(e.extra))
		for _, set := range []map[string]float64{e.terms, e.extra} {
			for term := range set {
				if _, dup := seen[term]; dup {
					continue
				}
				seen[term] = struct{}{}
				if strings.Contains(padded, " "+term+" ") {
					miss *= 1 - e.weight(term)
				}
			}
		}
		if score := 1 - miss; score > 0 {
			hints = append(hints, domain.RoutingHint{AgentID: id, Confidence: score, Stage: domain.StageHeuristic})
		}
	}
	sort.Slice(hints, func(i, j int) bool {
		if hints[i].Confidence != hints[j].Confidence {
			return hints[i].Confidence > hints[j].Confidence
		}
		return hints[i].AgentID < hints[j].AgentID
	})
	return hints
}

// MarkPreferred flags the top hint when it clears threshold and leads the
// runner-up by at least margin.
func MarkPreferred(hints []domain.RoutingHint, threshold, margin float64) {
	if len(hints) == 0 || hints[0].Confidence < threshold {
		return
	}
	if len(hints) > 1 && hints[0].Confidence-hints[1].Confidence < margin {
		return
	}
	hints[0].Preferred = true
}

func normalizeText(s string) string {
	return strings.Join(strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}), " ")
}
