// Package sandboxclient implements the Sandbox Client: the
// admin/gateway-side HTTP client for the Sandbox Service, with a
// single total request timeout (no separate connect or read timeout),
// a circuit breaker, and retries restricted to idempotent calls.
package sandboxclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/mcpbox/mcpbox/internal/domainerr"
)

// Client is the admin/gateway-side handle to one Sandbox Service instance.
type Client struct {
	baseURL      string
	serviceToken string
	httpClient   *http.Client
	breaker      *circuitBreaker
}

// New constructs a Client with its own http.Client whose Timeout is
// totalTimeout, covering the whole request; totalTimeout should exceed the
// tool's own declared timeout plus slack.
func New(baseURL, serviceToken string, totalTimeout time.Duration) *Client {
	return &Client{
		baseURL:      baseURL,
		serviceToken: serviceToken,
		httpClient:   &http.Client{Timeout: totalTimeout},
		breaker:      newCircuitBreaker(),
	}
}

// ResetBreaker is the sole external way to force the breaker back to
// closed.
func (c *Client) ResetBreaker() { c.breaker.Reset() }

// ExecuteRequest mirrors sandboxservice.executeRequest for the client side.
type ExecuteRequest struct {
	ServerID string         `json:"server_id"`
	ToolName string         `json:"tool_name"`
	Args     map[string]any `json:"args"`
	Actor    string         `json:"actor"`
}

// ExecuteResult mirrors sandboxservice.executeResponse for the client side.
type ExecuteResult struct {
	Result     any    `json:"result,omitempty"`
	Stdout     string `json:"stdout,omitempty"`
	Truncated  bool   `json:"truncated,omitempty"`
	DurationMs int64  `json:"duration_ms"`
	ErrorKind  string `json:"error_kind,omitempty"`
	Message    string `json:"message,omitempty"`
}

// Execute dispatches one tool call. Never retried: /execute is not
// idempotent.
func (c *Client) Execute(ctx context.Context, req ExecuteRequest) (*ExecuteResult, error) {
	if err := c.breaker.Allow(); err != nil {
		return nil, err
	}

	var result ExecuteResult
	err := c.doJSON(ctx, http.MethodPost, "/execute", req, &result)
	if err != nil {
		c.breaker.RecordFailure()
		return nil, err
	}
	c.breaker.RecordSuccess()
	return &result, nil
}

// Register is idempotent (replaces the full tool list) and so is retried
// with exponential backoff up to a hard ceiling. The jitter is backoff's
// default ±50% randomization of each interval, not equal jitter.
func (c *Client) Register(ctx context.Context, serverID string, tools []json.RawMessage) error {
	return c.withRetry(ctx, func() error {
		return c.doJSON(ctx, http.MethodPost, fmt.Sprintf("/servers/%s/register", serverID), map[string]any{"tools": tools}, nil)
	})
}

// Unregister is idempotent and retried the same way as Register.
func (c *Client) Unregister(ctx context.Context, serverID string) error {
	return c.withRetry(ctx, func() error {
		return c.doJSON(ctx, http.MethodPost, fmt.Sprintf("/servers/%s/unregister", serverID), nil, nil)
	})
}

// Health is a pure idempotent lookup, retried the same way.
func (c *Client) Health(ctx context.Context) error {
	return c.withRetry(ctx, func() error {
		return c.doJSON(ctx, http.MethodGet, "/health", nil, nil)
	})
}

func (c *Client) withRetry(ctx context.Context, op func() error) error {
	if err := c.breaker.Allow(); err != nil {
		return err
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 200 * time.Millisecond
	policy.MaxInterval = 5 * time.Second
	policy.MaxElapsedTime = 20 * time.Second

	err := backoff.Retry(op, backoff.WithContext(policy, ctx))
	if err != nil {
		c.breaker.RecordFailure()
		return err
	}
	c.breaker.RecordSuccess()
	return nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, body any, out any) error {
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return domainerr.Wrap(domainerr.KindInternal, err, "marshal request body")
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return domainerr.Wrap(domainerr.KindInternal, err, "build request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Service-Token", c.serviceToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return domainerr.Wrap(domainerr.KindUpstreamUnavailable, err, "sandbox service unreachable")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return domainerr.New(domainerr.KindUpstreamUnavailable, "sandbox service returned %d", resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return domainerr.New(domainerr.KindValidation, "sandbox service rejected request: %d", resp.StatusCode)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return domainerr.Wrap(domainerr.KindInternal, err, "decode response body")
		}
	}
	return nil
}
