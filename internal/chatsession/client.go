// Package chatsession notifies the transcript service when a task's agent
// session starts and stops.
package chatsession

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go_orchestrator/internal/model"
)

// CreateSessionRequest registers a new transcript
type CreateSessionRequest struct {
	TaskID    string `json:"taskId"`
	UserID    string `json:"userId"`
	Title     string `json:"title"`
	AgentType string `json:"agentType"`
	Workspace string `json:"workspaceId,omitempty"`
}

// SessionResponse is returned by create
type SessionResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    struct {
		SessionID string `json:"sessionId"`
	} `json:"data"`
}

// Client is the transcript service client
type Client struct {
	httpClient *http.Client
	baseURL    string
}

// NewClient creates a Client
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimRight(baseURL, "/"),
	}
}

// CreateSession opens a transcript for task and returns its ID
func (c *Client) CreateSession(ctx context.Context, task *model.Task) (string, error) {
	req := CreateSessionRequest{
		TaskID:    task.ID,
		UserID:    task.UserID,
		Title:     task.Title,
		AgentType: task.AgentType,
		Workspace: model.StrVal(task.WorkspaceID),
	}
	status, body, err := c.do(ctx, http.MethodPost, c.baseURL+"/sessions", req)
	if err != nil {
		return "", fmt.Errorf("failed to send request to chat service: %w", err)
	}
	if status != http.StatusOK && status != http.StatusCreated {
		return "", fmt.Errorf("chat service returned status %d: %s", status, string(body))
	}

	var resp SessionResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("failed to parse response: %w", err)
	}
	if resp.Code != 0 {
		return "", fmt.Errorf("chat service returned error code %d: %s", resp.Code, resp.Message)
	}
	if resp.Data.SessionID == "" {
		return "", fmt.Errorf("chat service returned no session id")
	}
	return resp.Data.SessionID, nil
}

// StopSession closes a transcript. An unknown session is success.
func (c *Client) StopSession(ctx context.Context, sessionID string) error {
	endpoint := c.baseURL + "/sessions/" + url.PathEscape(sessionID) + "/stop"
	status, body, err := c.do(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to send request to chat service: %w", err)
	}
	switch status {
	case http.StatusOK, http.StatusNoContent, http.StatusNotFound:
		return nil
	}
	return fmt.Errorf("chat service returned status %d: %s", status, string(body))
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
