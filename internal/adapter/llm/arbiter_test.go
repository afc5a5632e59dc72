package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xiaot623/gogo/internal/domain"
	"github.com/xiaot623/gogo/internal/logging"
)

type scriptedClient struct {
	calls     atomic.Int32
	responses []string
	errs      []error
	lastReq   *ChatCompletionRequest
}

func (s *scriptedClient) CreateChatCompletion(_ context.Context, req *ChatCompletionRequest) (*ChatCompletionResponse, error) {
	i := int(s.calls.Add(1)) - 1
	s.lastReq = req
	if i < len(s.errs) && s.errs[i] != nil {
		return nil, s.errs[i]
	}
	content := s.responses[len(s.responses)-1]
	if i < len(s.responses) {
		content = s.responses[i]
	}
	return &ChatCompletionResponse{Choices: []Choice{{Message: &ChatMessage{Role: "assistant", Content: content}}}}, nil
}

type staticCatalog []domain.DelegationCapability

func (c staticCatalog) ListDelegationCapabilities(context.Context, string) ([]domain.DelegationCapability, error) {
	return c, nil
}

func newTestArbiter(client LLMClient, catalog CapabilityLister) *Arbiter {
	a := NewArbiter(client, catalog, ArbiterConfig{Model: "test", SupervisorID: "supervisor"}, logging.Discard())
	a.buildBackoff = func() backoff.BackOff {
		return backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Millisecond), 2)
	}
	return a
}

func TestArbiterDecideDelegate(t *testing.T) {
	client := &scriptedClient{responses: []string{"```json\n{\"action\":\"delegate\",\"agent_id\":\"calendar\",\"confidence\":0.9,\"rationale\":\"meeting\"}\n```"}}
	a := newTestArbiter(client, staticCatalog{{Name: "transfer_to_calendar", AgentID: "calendar"}})

	action, err := a.Decide(context.Background(), "book a room", []domain.RoutingHint{{AgentID: "calendar", Confidence: 0.6, Stage: domain.StageHeuristic}})
	require.NoError(t, err)
	assert.Equal(t, domain.ActionDelegate, action.Kind)
	assert.Equal(t, "calendar", action.AgentID)
	assert.Equal(t, 0.9, action.Confidence)

	var sent arbiterInput
	require.NoError(t, json.Unmarshal([]byte(client.lastReq.Messages[1].Content), &sent))
	assert.Equal(t, "book a room", sent.Request)
	require.Len(t, sent.Agents, 1)
	assert.Equal(t, "transfer_to_calendar", sent.Agents[0].Name)
	assert.Equal(t, "json_object", client.lastReq.ResponseFormat["type"])
}

func TestArbiterRetriesTransientErrors(t *testing.T) {
	transient := domain.NewTransientError("llm", errors.New("503"))
	client := &scriptedClient{
		errs:      []error{transient, transient},
		responses: []string{"", "", `{"action":"respond_directly","rationale":"small talk"}`},
	}
	a := newTestArbiter(client, nil)

	action, err := a.Decide(context.Background(), "hi", nil)
	require.NoError(t, err)
	assert.Equal(t, domain.ActionRespondDirectly, action.Kind)
	assert.Equal(t, int32(3), client.calls.Load())
}

func TestArbiterGivesUpAfterThreeAttempts(t *testing.T) {
	transient := domain.NewTransientError("llm", errors.New("503"))
	client := &scriptedClient{errs: []error{transient, transient, transient, transient}, responses: []string{""}}
	a := newTestArbiter(client, nil)

	_, err := a.Decide(context.Background(), "hi", nil)
	assert.True(t, domain.IsTransient(err))
	assert.Equal(t, int32(3), client.calls.Load())
}

func TestArbiterRejectsUnknownAction(t *testing.T) {
	a := newTestArbiter(&scriptedClient{responses: []string{`{"action":"shrug"}`}}, nil)
	_, err := a.Decide(context.Background(), "hi", nil)
	assert.Error(t, err)
}

func TestArbiterRespondIncludesHistory(t *testing.T) {
	client := &scriptedClient{responses: []string{"It is sunny."}}
	a := newTestArbiter(client, nil)

	answer, _, err := a.Respond(context.Background(), "and tomorrow?", []domain.Message{
		{Role: "user", Content: "weather today?"},
		{Role: "system", Kind: "handoff", Content: "Handoff from supervisor"},
		{Role: "tool", Content: "ignored"},
	})
	require.NoError(t, err)
	assert.Equal(t, "It is sunny.", answer)
	require.Len(t, client.lastReq.Messages, 4)
	assert.Equal(t, "and tomorrow?", client.lastReq.Messages[3].Content)
}

func TestClientMapsServerErrorsToTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer key" {
			t.Fatalf("unexpected auth header: %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"1","choices":[{"index":0,"message":{"role":"assistant","content":"hello"}}],"usage":{"prompt_tokens":3,"completion_tokens":1,"total_tokens":4}}`)
	}))
	defer server.Close()

	resp, err := NewClient(server.URL+"/", "key", time.Second).CreateChatCompletion(context.Background(), &ChatCompletionRequest{Model: "m"})
	require.NoError(t, err)
	assert.Equal(t, "hello", resp.Content())
	assert.Equal(t, 4, resp.Usage.TotalTokens)

	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		fmt.Fprint(w, `{"error":{"message":"upstream down","type":"server_error"}}`)
	}))
	defer down.Close()

	_, err = NewClient(down.URL, "", time.Second).CreateChatCompletion(context.Background(), &ChatCompletionRequest{Model: "m"})
	assert.True(t, domain.IsTransient(err), "got %v", err)
	assert.True(t, strings.Contains(err.Error(), "upstream down"))
}

func TestMockClientEchoesLastUserMessage(t *testing.T) {
	resp, err := NewMockClient().CreateChatCompletion(context.Background(), &ChatCompletionRequest{
		Messages: []ChatMessage{{Role: "user", Content: "first"}, {Role: "user", Content: "second"}},
	})
	require.NoError(t, err)
	assert.Contains(t, resp.Content(), `"second"`)
	assert.True(t, IsMock("mock"))
}
