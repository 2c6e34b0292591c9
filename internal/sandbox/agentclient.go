package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	// chatTimeout bounds a single agent turn; the agent may run tools
	// for a while before replying.
	chatTimeout = 120 * time.Second
	// controlTimeout bounds health and clear calls.
	controlTimeout = 10 * time.Second
)

// AgentClient talks to the agent server running inside one sandbox.
type AgentClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewAgentClient creates a client for the agent at baseURL.
func NewAgentClient(baseURL string) *AgentClient {
	return &AgentClient{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: chatTimeout},
	}
}

// ChatRequest is the payload for a chat turn.
type ChatRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id,omitempty"`
}

// ChatResponse is the agent's reply.
type ChatResponse struct {
	Content    string          `json:"content"`
	SessionID  string          `json:"session_id"`
	ToolEvents json.RawMessage `json:"tool_events,omitempty"`
}

// Health checks the agent's health endpoint.
func (c *AgentClient) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, controlTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("agent health: status %d", resp.StatusCode)
	}
	return nil
}

// Chat runs one agent turn.
func (c *AgentClient) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, chatTimeout)
	defer cancel()

	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("agent chat: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("agent chat: status %d: %s", resp.StatusCode, string(data))
	}

	var out ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("agent chat: decoding response: %w", err)
	}
	return &out, nil
}

// Clear resets the agent's conversation state.
func (c *AgentClient) Clear(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, controlTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/clear", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("agent clear: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("agent clear: status %d", resp.StatusCode)
	}
	return nil
}
