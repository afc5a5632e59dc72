// Package mode decides whether a request talks to one agent directly or goes
// through the supervisor.
package mode

import "github.com/xiaot623/gogo/internal/domain"

// Resolution is the outcome of mode resolution.
type Resolution struct {
	Mode     domain.Mode
	AgentID  string
	ThreadID string
}

// Resolver binds requests to a conversation mode.
type Resolver struct {
	SupervisorID string
}

// Resolve returns Direct for an explicit non-supervisor agent unless
// supervision is forced. Everything else is Supervised.
func (r Resolver) Resolve(targetAgentID string, forceSupervised bool) Resolution {
	if targetAgentID != "" && targetAgentID != r.SupervisorID && !forceSupervised {
		return Resolution{
			Mode:     domain.ModeDirect,
			AgentID:  targetAgentID,
			ThreadID: ThreadID(targetAgentID, domain.ModeDirect),
		}
	}
	return Resolution{
		Mode:     domain.ModeSupervised,
		AgentID:  r.SupervisorID,
		ThreadID: ThreadID(r.SupervisorID, domain.ModeSupervised),
	}
}

// ThreadID derives the thread identifier for an agent in a mode.
func ThreadID(agentID string, m domain.Mode) string {
	return agentID + "_" + string(m)
}
