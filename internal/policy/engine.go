// Package policy decides whether a tool call may run, needs a human, or is
// refused.
package policy

import (
	"context"
	"fmt"

	"github.com/open-policy-agent/opa/rego"
)

// Actions a policy can return.
const (
	Allow           = "allow"
	Block           = "block"
	RequireApproval = "require_approval"
)

// Decision is the policy outcome for one tool call.
type Decision struct {
	Action string `json:"action"`
	Reason string `json:"reason,omitempty"`
}

// Input is what the policy sees about a tool call.
type Input struct {
	ToolName    string         `json:"tool_name"`
	Args        map[string]any `json:"args"`
	Sensitive   bool           `json:"sensitive"`
	Category    string         `json:"category,omitempty"`
	AgentID     string         `json:"agent_id,omitempty"`
	ExecutionID string         `json:"execution_id,omitempty"`
}

// Engine is the OPA policy engine.
type Engine struct {
	query rego.PreparedEvalQuery
}

// NewEngine prepares policyContent. It must define data.tool_policy.decision
// as an object with action and reason.
func NewEngine(ctx context.Context, policyContent string) (*Engine, error) {
	r := rego.New(
		rego.Query("data.tool_policy.decision"),
		rego.Module("tool_policy.rego", policyContent),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego: %w", err)
	}

	return &Engine{query: query}, nil
}

// Evaluate checks the tool policy.
func (e *Engine) Evaluate(ctx context.Context, in Input) (Decision, error) {
	input := map[string]any{
		"tool_name":    in.ToolName,
		"args":         in.Args,
		"sensitive":    in.Sensitive,
		"category":     in.Category,
		"agent_id":     in.AgentID,
		"execution_id": in.ExecutionID,
	}
	if input["args"] == nil {
		input["args"] = map[string]any{}
	}

	results, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return Decision{}, fmt.Errorf("failed to evaluate policy: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return Decision{Action: Allow, Reason: "no rule matched"}, nil
	}

	switch v := results[0].Expressions[0].Value.(type) {
	case string:
		return Decision{Action: v}, nil
	case map[string]any:
		d := Decision{}
		d.Action, _ = v["action"].(string)
		d.Reason, _ = v["reason"].(string)
		if d.Action == "" {
			return Decision{}, fmt.Errorf("policy decision has no action")
		}
		return d, nil
	default:
		return Decision{}, fmt.Errorf("unexpected policy result type %T", v)
	}
}

// DefaultPolicy is the default policy content. Sensitive tools always need
// a human decision.
const DefaultPolicy = `
package tool_policy

decision = {"action": "block", "reason": "tool is disabled"} {
	input.tool_name == "dangerous.command"
} else = {"action": "require_approval", "reason": "sensitive tool"} {
	input.sensitive == true
} else = {"action": "require_approval", "reason": "transfer above 100"} {
	input.tool_name == "payments.transfer"
	input.args.amount > 100
} else = {"action": "allow", "reason": "default"} {
	true
}
`
