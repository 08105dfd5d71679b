// Package nodeagent is the client for the agent that runs on every node and
// manages its workspaces.
package nodeagent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go_orchestrator/internal/model"
)

// ErrWorkspaceNotFound is returned when the agent has no such workspace
var ErrWorkspaceNotFound = errors.New("workspace not found on node")

const defaultAgentPort = 8443

// Client talks to node agents
type Client struct {
	httpClient   *http.Client
	scheme       string
	pollInterval time.Duration
}

// Option configures a Client
type Option func(*Client)

// WithPollInterval sets how often WaitForWorkspaceReady polls
func WithPollInterval(d time.Duration) Option {
	return func(c *Client) { c.pollInterval = d }
}

// NewClient creates a Client. scheme is "https" with an mTLS httpClient in
// production and "http" in tests.
func NewClient(httpClient *http.Client, scheme string, opts ...Option) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	if scheme == "" {
		scheme = "https"
	}
	c := &Client{httpClient: httpClient, scheme: scheme, pollInterval: 3 * time.Second}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) baseURL(node *model.Node) string {
	port := node.AgentPort
	if port == 0 {
		port = defaultAgentPort
	}
	return fmt.Sprintf("%s://%s:%d", c.scheme, node.IPAddress, port)
}

// CreateWorkspace creates the workspace on the node. An existing workspace
// with the same ID counts as success so a resumed run can re-issue the call.
func (c *Client) CreateWorkspace(ctx context.Context, node *model.Node, ws *model.Workspace, callbackToken string) error {
	req := CreateWorkspaceRequest{
		WorkspaceID:   ws.ID,
		TaskID:        ws.TaskID,
		Repository:    ws.Repository,
		Branch:        ws.Branch,
		OutputBranch:  ws.OutputBranch,
		CallbackToken: callbackToken,
	}
	status, body, err := c.do(ctx, http.MethodPost, c.baseURL(node)+"/workspaces", req)
	if err != nil {
		return fmt.Errorf("failed to send request to agent %s: %w", node.ID, err)
	}
	switch status {
	case http.StatusOK, http.StatusCreated, http.StatusConflict:
		return nil
	}
	return fmt.Errorf("agent %s returned status %d: %s", node.ID, status, string(body))
}

// GetWorkspaceStatus returns the agent's status for workspaceID
func (c *Client) GetWorkspaceStatus(ctx context.Context, node *model.Node, workspaceID string) (string, string, error) {
	status, body, err := c.do(ctx, http.MethodGet, c.baseURL(node)+"/workspaces/"+url.PathEscape(workspaceID), nil)
	if err != nil {
		return "", "", fmt.Errorf("failed to send request to agent %s: %w", node.ID, err)
	}
	if status == http.StatusNotFound {
		return "", "", ErrWorkspaceNotFound
	}
	if status != http.StatusOK {
		return "", "", fmt.Errorf("agent %s returned status %d: %s", node.ID, status, string(body))
	}

	var resp WorkspaceResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", "", fmt.Errorf("failed to parse response: %w", err)
	}
	if resp.Code != 0 {
		return "", "", fmt.Errorf("agent %s returned error code %d: %s", node.ID, resp.Code, resp.Message)
	}
	return resp.Data.Status, resp.Data.LastError, nil
}

// WaitForWorkspaceReady polls until the workspace is running. It gives up on
// ctx expiry, a missing workspace or a workspace in error.
func (c *Client) WaitForWorkspaceReady(ctx context.Context, node *model.Node, workspaceID string) error {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	var lastErr error
	for {
		status, lastError, err := c.GetWorkspaceStatus(ctx, node, workspaceID)
		switch {
		case errors.Is(err, ErrWorkspaceNotFound):
			return err
		case err != nil:
			lastErr = err
		case status == WorkspaceStatusRunning:
			return nil
		case status == WorkspaceStatusError:
			return fmt.Errorf("workspace %s failed on node: %s", workspaceID, lastError)
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

// StartAgentSession starts the agent in the workspace. An already running
// session counts as success.
func (c *Client) StartAgentSession(ctx context.Context, node *model.Node, workspaceID, agentType, initialPrompt string) error {
	req := StartAgentSessionRequest{AgentType: agentType, InitialPrompt: initialPrompt}
	endpoint := c.baseURL(node) + "/workspaces/" + url.PathEscape(workspaceID) + "/agent-session"
	status, body, err := c.do(ctx, http.MethodPost, endpoint, req)
	if err != nil {
		return fmt.Errorf("failed to send request to agent %s: %w", node.ID, err)
	}
	switch status {
	case http.StatusOK, http.StatusCreated, http.StatusConflict:
		return nil
	case http.StatusNotFound:
		return ErrWorkspaceNotFound
	}
	return fmt.Errorf("agent %s returned status %d: %s", node.ID, status, string(body))
}

// StopWorkspace stops and removes the workspace. A missing workspace is success.
func (c *Client) StopWorkspace(ctx context.Context, node *model.Node, workspaceID string) error {
	status, body, err := c.do(ctx, http.MethodDelete, c.baseURL(node)+"/workspaces/"+url.PathEscape(workspaceID), nil)
	if err != nil {
		return fmt.Errorf("failed to send request to agent %s: %w", node.ID, err)
	}
	switch status {
	case http.StatusOK, http.StatusNoContent, http.StatusNotFound:
		return nil
	}
	return fmt.Errorf("agent %s returned status %d: %s", node.ID, status, string(body))
}

// Ping returns the agent's health report
func (c *Client) Ping(ctx context.Context, node *model.Node) (*Health, error) {
	status, body, err := c.do(ctx, http.MethodGet, c.baseURL(node)+"/health", nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("agent %s returned status %d", node.ID, status)
	}
	var resp HealthResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return &resp.Data, nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, payload interface{}) (int, []byte, error) {
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
