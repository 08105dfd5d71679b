// Package provisioner is the client for the compute provider that creates and
// deletes node servers.
package provisioner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go_orchestrator/internal/model"
	"go_orchestrator/internal/nodeagent"
)

// ErrServerFailed is returned when the provider reports a server it could not build
var ErrServerFailed = errors.New("provider reported server failure")

// Pinger reports node agent health
type Pinger interface {
	Ping(ctx context.Context, node *model.Node) (*nodeagent.Health, error)
}

// Client talks to the provider API and polls node agents for readiness
type Client struct {
	httpClient   *http.Client
	baseURL      string
	token        string
	agent        Pinger
	pollInterval time.Duration
}

// Option configures a Client
type Option func(*Client)

// WithPollInterval sets how often readiness is polled
func WithPollInterval(d time.Duration) Option {
	return func(c *Client) { c.pollInterval = d }
}

// NewClient creates a Client
func NewClient(baseURL, token string, timeout time.Duration, agent Pinger, opts ...Option) *Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	c := &Client{
		httpClient:   &http.Client{Timeout: timeout},
		baseURL:      strings.TrimRight(baseURL, "/"),
		token:        token,
		agent:        agent,
		pollInterval: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ProvisionNode creates the server for node and waits until it has an
// address. The node ID is the idempotency key, so a resumed run gets the
// server created by the first attempt.
func (c *Client) ProvisionNode(ctx context.Context, node *model.Node) (string, string, error) {
	req := CreateServerRequest{
		Name:     node.ID,
		Size:     string(node.VMSize),
		Location: node.Location,
		Labels: map[string]string{
			"node_id": node.ID,
			"user_id": node.UserID,
		},
	}
	status, body, err := c.do(ctx, http.MethodPost, c.baseURL+"/v1/servers", node.ID, req)
	if err != nil {
		return "", "", fmt.Errorf("failed to send request to provider: %w", err)
	}
	if status != http.StatusOK && status != http.StatusCreated && status != http.StatusAccepted {
		return "", "", fmt.Errorf("provider returned status %d: %s", status, string(body))
	}

	var resp ServerResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", "", fmt.Errorf("failed to parse response: %w", err)
	}
	server := resp.Server
	if server.ID == "" {
		return "", "", fmt.Errorf("provider response has no server id")
	}

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	for {
		switch {
		case server.Status == ServerStatusFailed:
			return server.ID, "", fmt.Errorf("%w: server %s", ErrServerFailed, server.ID)
		case server.IPv4 != "":
			return server.ID, server.IPv4, nil
		}

		select {
		case <-ctx.Done():
			return server.ID, "", ctx.Err()
		case <-ticker.C:
		}

		fresh, err := c.getServer(ctx, server.ID)
		if err != nil {
			if ctx.Err() != nil {
				return server.ID, "", ctx.Err()
			}
			continue
		}
		server = *fresh
	}
}

// DeleteNode deletes node's server. A server that no longer exists is success.
func (c *Client) DeleteNode(ctx context.Context, node *model.Node) error {
	if node.ProviderID == "" {
		return nil
	}
	status, body, err := c.do(ctx, http.MethodDelete, c.baseURL+"/v1/servers/"+url.PathEscape(node.ProviderID), "", nil)
	if err != nil {
		return fmt.Errorf("failed to send request to provider: %w", err)
	}
	switch status {
	case http.StatusOK, http.StatusAccepted, http.StatusNoContent, http.StatusNotFound:
		return nil
	}
	return fmt.Errorf("provider returned status %d: %s", status, string(body))
}

// WaitForNodeAgentReady polls the node agent until it reports healthy or ctx ends
func (c *Client) WaitForNodeAgentReady(ctx context.Context, node *model.Node) error {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	var lastErr error
	for {
		health, err := c.agent.Ping(ctx, node)
		switch {
		case err != nil:
			lastErr = err
		case health.Status == nodeagent.HealthStatusOK:
			return nil
		default:
			lastErr = fmt.Errorf("agent status %q", health.Status)
		}

		select {
		case <-ctx.Done():
			if lastErr != nil {
				return fmt.Errorf("%w (last error: %v)", ctx.Err(), lastErr)
			}
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) getServer(ctx context.Context, id string) (*Server, error) {
	status, body, err := c.do(ctx, http.MethodGet, c.baseURL+"/v1/servers/"+url.PathEscape(id), "", nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("provider returned status %d: %s", status, string(body))
	}
	var resp ServerResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return &resp.Server, nil
}

func (c *Client) do(ctx context.Context, method, endpoint, idempotencyKey string, payload interface{}) (int, []byte, error) {
	var reader io.Reader
	if payload != nil {
		body, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to read response: %w", err)
	}
	return resp.StatusCode, body, nil
}
