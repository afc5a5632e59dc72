package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/xiaot623/gogo/internal/domain"
)

// CapabilityLister lists the agents a supervisor can hand off to.
type CapabilityLister interface {
	ListDelegationCapabilities(ctx context.Context, forAgentID string) ([]domain.DelegationCapability, error)
}

// ArbiterConfig configures the Arbiter.
type ArbiterConfig struct {
	Model        string
	SupervisorID string
	// Timeout bounds each completion call.
	Timeout time.Duration
}

// Arbiter asks the model to make the binding routing choice and to answer
// requests the supervisor keeps for itself.
type Arbiter struct {
	client       LLMClient
	catalog      CapabilityLister
	cfg          ArbiterConfig
	logger       *slog.Logger
	buildBackoff func() backoff.BackOff
}

// NewArbiter creates an arbiter. catalog may be nil.
func NewArbiter(client LLMClient, catalog CapabilityLister, cfg ArbiterConfig, logger *slog.Logger) *Arbiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Arbiter{
		client:  client,
		catalog: catalog,
		cfg:     cfg,
		logger:  logger.With("component", "arbiter"),
		buildBackoff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 250 * time.Millisecond
			b.MaxElapsedTime = 15 * time.Second
			return backoff.WithMaxRetries(b, 2)
		},
	}
}

const arbiterPrompt = `You route user requests for a supervisor agent.
Decide whether the supervisor should answer directly or delegate to exactly one agent.
Hints come from cheaper routing stages; they are suggestions, not decisions.
Reply with a JSON object only: {"action": "respond_directly" | "delegate", "agent_id": "<id when delegating>", "confidence": <0..1>, "rationale": "<short reason>"}.`

type arbiterInput struct {
	Request string                        `json:"request"`
	Hints   []domain.RoutingHint          `json:"hints"`
	Agents  []domain.DelegationCapability `json:"agents"`
}

type arbiterOutput struct {
	Action     string  `json:"action"`
	AgentID    string  `json:"agent_id"`
	Confidence float64 `json:"confidence"`
	Rationale  string  `json:"rationale"`
}

// Decide implements the routing Reasoner.
func (a *Arbiter) Decide(ctx context.Context, input string, hints []domain.RoutingHint) (domain.Action, error) {
	payload := arbiterInput{Request: input, Hints: hints}
	if payload.Hints == nil {
		payload.Hints = []domain.RoutingHint{}
	}
	if a.catalog != nil {
		caps, err := a.catalog.ListDelegationCapabilities(ctx, a.cfg.SupervisorID)
		if err != nil {
			a.logger.Warn("failed to list delegation capabilities", "error", err)
		}
		payload.Agents = caps
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return domain.Action{}, fmt.Errorf("failed to marshal arbiter input: %w", err)
	}

	resp, err := a.complete(ctx, &ChatCompletionRequest{
		Model: a.cfg.Model,
		Messages: []ChatMessage{
			{Role: "system", Content: arbiterPrompt},
			{Role: "user", Content: string(body)},
		},
		ResponseFormat: map[string]any{"type": "json_object"},
	})
	if err != nil {
		return domain.Action{}, err
	}

	var out arbiterOutput
	if err := json.Unmarshal([]byte(stripFence(resp.Content())), &out); err != nil {
		return domain.Action{}, fmt.Errorf("arbiter returned invalid JSON: %w", err)
	}
	switch domain.ActionKind(out.Action) {
	case domain.ActionDelegate:
		return domain.Action{Kind: domain.ActionDelegate, AgentID: out.AgentID, Confidence: out.Confidence, Rationale: out.Rationale}, nil
	case domain.ActionRespondDirectly:
		return domain.Action{Kind: domain.ActionRespondDirectly, Confidence: out.Confidence, Rationale: out.Rationale}, nil
	default:
		return domain.Action{}, fmt.Errorf("arbiter returned unknown action %q", out.Action)
	}
}

// Respond produces the supervisor's own answer.
func (a *Arbiter) Respond(ctx context.Context, input string, history []domain.Message) (string, *Usage, error) {
	messages := []ChatMessage{{Role: "system", Content: "You are a helpful supervisor agent. Answer the user directly and concisely."}}
	for _, m := range history {
		role := m.Role
		if role != "user" && role != "assistant" && role != "system" {
			continue
		}
		messages = append(messages, ChatMessage{Role: role, Content: m.Content})
	}
	messages = append(messages, ChatMessage{Role: "user", Content: input})

	resp, err := a.complete(ctx, &ChatCompletionRequest{Model: a.cfg.Model, Messages: messages})
	if err != nil {
		return "", nil, err
	}
	return resp.Content(), resp.Usage, nil
}

// complete retries transient failures with exponential backoff.
func (a *Arbiter) complete(ctx context.Context, req *ChatCompletionRequest) (*ChatCompletionResponse, error) {
	var resp *ChatCompletionResponse
	op := func() error {
		callCtx := ctx
		if a.cfg.Timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, a.cfg.Timeout)
			defer cancel()
		}
		r, err := a.client.CreateChatCompletion(callCtx, req)
		if err != nil {
			if domain.IsTransient(err) && ctx.Err() == nil {
				return err
			}
			return backoff.Permanent(err)
		}
		resp = r
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(a.buildBackoff(), ctx)); err != nil {
		return nil, err
	}
	return resp, nil
}

func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
