// Package llm talks to the chat-completion endpoint that backs routing
// arbitration and supervisor responses.
package llm

import (
	"context"
	"log/slog"
	"strings"
	"time"
)

// LLMClient sends one non-streaming chat completion.
type LLMClient interface {
	CreateChatCompletion(ctx context.Context, req *ChatCompletionRequest) (*ChatCompletionResponse, error)
}

var (
	_ LLMClient = (*Client)(nil)
	_ LLMClient = (*MockClient)(nil)
)

// ModeMock selects the mock client. It is read from GOGO_MODE.
const ModeMock = "MOCK"

// IsMock reports whether mode selects the mock client.
func IsMock(mode string) bool {
	return strings.EqualFold(strings.TrimSpace(mode), ModeMock)
}

// NewLLMClient picks the client for mode. Mock mode needs no endpoint.
func NewLLMClient(mode, baseURL, apiKey string, timeout time.Duration, logger *slog.Logger) LLMClient {
	if !IsMock(mode) {
		return NewClient(baseURL, apiKey, timeout)
	}
	if logger != nil {
		logger.Info("using mock llm client", "mode", mode)
	}
	return NewMockClient()
}
