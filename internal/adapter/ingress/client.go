// Package ingress pushes execution events to the presentation gateway over
// JSON-RPC.
package ingress

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"net/url"
	"strings"
	"sync"
	"time"

	backoff "github.com/cenkalti/backoff/v4"

	"github.com/xiaot623/gogo/internal/domain"
)

const pushMethod = "Ingress.PushEvent"

// Client keeps one JSON-RPC connection to the gateway and redials it when
// it breaks. A nil Client or an empty address is a disabled client.
type Client struct {
	addr         string
	dialTimeout  time.Duration
	callTimeout  time.Duration
	buildBackoff func() backoff.BackOff

	mu   sync.Mutex
	conn *rpc.Client
}

// NewClient creates a client for the gateway at baseURL. Both host:port
// and URL forms are accepted.
func NewClient(baseURL string) *Client {
	return &Client{
		addr:        gatewayAddr(baseURL),
		dialTimeout: 2 * time.Second,
		callTimeout: 5 * time.Second,
		buildBackoff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 100 * time.Millisecond
			b.MaxElapsedTime = 3 * time.Second
			return backoff.WithMaxRetries(b, 2)
		},
	}
}

// Enabled reports whether a gateway address is configured.
func (c *Client) Enabled() bool {
	return c != nil && c.addr != ""
}

// PushRequest is the body of Ingress.PushEvent.
type PushRequest struct {
	// ThreadID routes the event to the conversation's connections.
	ThreadID string        `json:"thread_id"`
	Event    *domain.Event `json:"event"`
}

// PushResponse reports whether any connection received the event.
type PushResponse struct {
	OK        bool `json:"ok"`
	Delivered bool `json:"delivered"`
}

// PushEvent sends one event and reports whether a connection received it.
// Broken connections are redialed a couple of times; if the gateway stays
// unreachable the error is transient.
func (c *Client) PushEvent(ctx context.Context, threadID string, evt *domain.Event) (bool, error) {
	if !c.Enabled() {
		return false, nil
	}
	req := &PushRequest{ThreadID: threadID, Event: evt}
	var resp PushResponse
	attempt := func() error {
		resp = PushResponse{}
		err := c.call(ctx, req, &resp)
		var serverErr rpc.ServerError
		switch {
		case err == nil:
			return nil
		case errors.As(err, &serverErr), ctx.Err() != nil:
			return backoff.Permanent(err)
		default:
			return domain.NewTransientError("ingress.push", err)
		}
	}
	if err := backoff.Retry(attempt, backoff.WithContext(c.buildBackoff(), ctx)); err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			err = perm.Err
		}
		if domain.IsTransient(err) {
			return false, err
		}
		return false, fmt.Errorf("failed to push event to ingress: %w", err)
	}
	if !resp.OK {
		return false, errors.New("ingress rpc returned ok=false")
	}
	return resp.Delivered, nil
}

// Close drops the connection.
func (c *Client) Close() error {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

func (c *Client) call(ctx context.Context, req *PushRequest, resp *PushResponse) error {
	conn, err := c.connect(ctx)
	if err != nil {
		return err
	}

	timeout := time.NewTimer(c.callTimeout)
	defer timeout.Stop()
	call := conn.Go(pushMethod, req, resp, make(chan *rpc.Call, 1))
	select {
	case <-call.Done:
	case <-ctx.Done():
		c.drop(conn)
		return ctx.Err()
	case <-timeout.C:
		c.drop(conn)
		return fmt.Errorf("ingress call timed out after %s", c.callTimeout)
	}

	var serverErr rpc.ServerError
	if call.Error != nil && !errors.As(call.Error, &serverErr) {
		// The connection is unusable after a transport error.
		c.drop(conn)
	}
	return call.Error
}

func (c *Client) connect(ctx context.Context) (*rpc.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return c.conn, nil
	}
	dialer := net.Dialer{Timeout: c.dialTimeout}
	nc, err := dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return nil, err
	}
	c.conn = jsonrpc.NewClient(nc)
	return c.conn, nil
}

func (c *Client) drop(conn *rpc.Client) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == conn {
		_ = c.conn.Close()
		c.conn = nil
	}
}

func gatewayAddr(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if strings.Contains(raw, "://") {
		if u, err := url.Parse(raw); err == nil && u.Host != "" {
			return u.Host
		}
	}
	return raw
}
