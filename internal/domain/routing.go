package domain

import "time"

// RoutingDecision binds a normalized query to an agent. Never mutated.
type RoutingDecision struct {
	NormalizedQuery string    `json:"normalized_query"`
	AgentID         string    `json:"agent_id"`
	Confidence      float64   `json:"confidence"`
	CreatedAt       time.Time `json:"created_at"`
	ExpiresAt       time.Time `json:"expires_at"`
}

// RoutingHint is a non-binding suggestion passed to arbitration.
type RoutingHint struct {
	AgentID    string  `json:"agent_id"`
	Confidence float64 `json:"confidence"`
	Stage      string  `json:"stage"`
	// Preferred marks a hint that cleared the threshold and separation margin.
	Preferred bool `json:"preferred,omitempty"`
}

// Action is the binding outcome of arbitration.
type Action struct {
	Kind       ActionKind `json:"action"`
	AgentID    string     `json:"agent_id,omitempty"`
	Confidence float64    `json:"confidence,omitempty"`
	Rationale  string     `json:"rationale,omitempty"`
}

// RouteResult is what the intent router hands back to the caller.
type RouteResult struct {
	Action Action        `json:"action"`
	Stage  string        `json:"stage"`
	Hints  []RoutingHint `json:"hints,omitempty"`
	Query  string        `json:"query"`
}

// Routing stage names.
const (
	StagePattern     = "pattern"
	StageCache       = "cache"
	StageHeuristic   = "heuristic"
	StageArbitration = "arbitration"
	StageExplicit    = "explicit"
)
