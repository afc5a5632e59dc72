// Package agentclient invokes external agents and reads their SSE output.
package agentclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	backoff "github.com/cenkalti/backoff/v4"

	"github.com/xiaot623/gogo/internal/domain"
)

// Handler receives each decoded stream event. Returning an error stops the
// stream and becomes the result of Invoke.
type Handler func(Event) error

// Client posts invocations to agents.
type Client struct {
	httpClient   *http.Client
	buildBackoff func() backoff.BackOff
}

// NewClient creates a client. Opening the stream is attempted up to three
// times when the agent is unreachable or answers 5xx/429.
func NewClient() *Client {
	return &Client{
		// No client timeout: the supervisor bounds runs through ctx.
		httpClient: &http.Client{},
		buildBackoff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			b.MaxElapsedTime = 10 * time.Second
			return backoff.WithMaxRetries(b, 2)
		},
	}
}

// Invoke posts req to the agent's /invoke endpoint and feeds its event
// stream to handle. Nothing is retried once the stream is open.
func (c *Client) Invoke(ctx context.Context, endpoint string, req *domain.AgentInvokeRequest, handle Handler) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	target := strings.TrimSuffix(endpoint, "/") + "/invoke"

	var stream io.ReadCloser
	open := func() error {
		r, err := c.open(ctx, target, body, req)
		if err != nil {
			return err
		}
		stream = r
		return nil
	}
	if err := backoff.Retry(open, backoff.WithContext(c.buildBackoff(), ctx)); err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			return perm.Err
		}
		return err
	}
	defer stream.Close()

	return readStream(stream, handle)
}

// open performs one attempt. Errors worth retrying are transient; all
// others are wrapped as permanent.
func (c *Client) open(ctx context.Context, target string, body []byte, req *domain.AgentInvokeRequest) (io.ReadCloser, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("X-Execution-ID", req.ExecutionID)
	httpReq.Header.Set("X-Thread-ID", req.ThreadID)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, backoff.Permanent(ctx.Err())
		}
		return nil, domain.NewTransientError("agent invoke", err)
	}
	if resp.StatusCode == http.StatusOK {
		return resp.Body, nil
	}

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	resp.Body.Close()
	statusErr := fmt.Errorf("agent returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return nil, domain.NewTransientError("agent invoke", statusErr)
	}
	return nil, backoff.Permanent(statusErr)
}
