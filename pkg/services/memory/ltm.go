package memory

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
)

// MemoryRecord is one semantic memory returned by the long-term store.
type MemoryRecord struct {
	ID       string         `json:"id"`
	Memory   string         `json:"memory"`
	UserID   string         `json:"user_id,omitempty"`
	AgentID  string         `json:"agent_id,omitempty"`
	Score    float64        `json:"score,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// LTMClient is the HTTP adapter to the external semantic-memory service.
type LTMClient struct {
	baseURL    string
	httpClient *http.Client
}

func NewLTMClient(baseURL string, httpClient *http.Client) (*LTMClient, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("ltm base url is required")
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &LTMClient{baseURL: baseURL, httpClient: httpClient}, nil
}

func (c *LTMClient) Initialize(ctx context.Context) error {
	ok, msg := c.Healthy(ctx)
	if !ok {
		return fmt.Errorf("ltm service unhealthy: %s", msg)
	}
	return nil
}

func (c *LTMClient) Add(ctx context.Context, userID, agentID, memoryText string, metadata map[string]any) (MemoryRecord, error) {
	payload := map[string]any{
		"user_id":  userID,
		"agent_id": agentID,
		"memory":   memoryText,
	}
	if len(metadata) > 0 {
		payload["metadata"] = metadata
	}
	var out MemoryRecord
	if err := c.post(ctx, "/v1/memories", payload, &out); err != nil {
		return MemoryRecord{}, err
	}
	return out, nil
}

func (c *LTMClient) Search(ctx context.Context, userID, query string, limit int) ([]MemoryRecord, error) {
	if limit <= 0 {
		limit = 5
	}
	payload := map[string]any{
		"user_id": userID,
		"query":   query,
		"limit":   limit,
	}
	var out struct {
		Results []MemoryRecord `json:"results"`
	}
	if err := c.post(ctx, "/v1/memories/search", payload, &out); err != nil {
		return nil, err
	}
	return out.Results, nil
}

func (c *LTMClient) Delete(ctx context.Context, memoryID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+"/v1/memories/"+url.PathEscape(memoryID), nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("ltm delete: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("ltm delete: status %d", resp.StatusCode)
	}
	return nil
}

func (c *LTMClient) post(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("ltm request %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("ltm request %s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *LTMClient) Healthy(ctx context.Context) (bool, string) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return false, err.Error()
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, err.Error()
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Sprintf("status %d", resp.StatusCode)
	}
	return true, "ok"
}
