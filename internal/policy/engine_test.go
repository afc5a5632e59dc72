package policy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultPolicy(t *testing.T) {
	ctx := context.Background()
	engine, err := NewEngine(ctx, DefaultPolicy)
	require.NoError(t, err)

	cases := []struct {
		name string
		in   Input
		want string
	}{
		{"plain tool", Input{ToolName: "weather.query"}, Allow},
		{"disabled tool", Input{ToolName: "dangerous.command", Sensitive: true}, Block},
		{"sensitive tool", Input{ToolName: "email.send", Sensitive: true}, RequireApproval},
		{"large transfer", Input{ToolName: "payments.transfer", Args: map[string]any{"amount": 500}}, RequireApproval},
		{"small transfer", Input{ToolName: "payments.transfer", Args: map[string]any{"amount": 5}}, Allow},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d, err := engine.Evaluate(ctx, tc.in)
			require.NoError(t, err)
			assert.Equal(t, tc.want, d.Action)
			assert.NotEmpty(t, d.Reason)
		})
	}
}

func TestStringDecisionPolicy(t *testing.T) {
	ctx := context.Background()
	engine, err := NewEngine(ctx, `
package tool_policy

default decision = "allow"
`)
	require.NoError(t, err)

	d, err := engine.Evaluate(ctx, Input{ToolName: "anything"})
	require.NoError(t, err)
	assert.Equal(t, Allow, d.Action)
}

func TestInvalidPolicy(t *testing.T) {
	_, err := NewEngine(context.Background(), "package tool_policy\n decision = {")
	assert.Error(t, err)
}
