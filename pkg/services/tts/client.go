// Package tts is the narrow client for the speech-synthesis service. The
// streaming core only marks text as synthesis-ready; callers hit this
// adapter out-of-band.
package tts

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

type Client struct {
	baseURL    string
	httpClient *http.Client
	refID      string
}

// Options tune one synthesis request.
type Options struct {
	ReferenceID string
	Format      string
}

func NewClient(baseURL, defaultReferenceID string, httpClient *http.Client) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("tts base url is required")
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &Client{baseURL: baseURL, httpClient: httpClient, refID: defaultReferenceID}, nil
}

func (c *Client) Initialize(ctx context.Context) error {
	ok, msg := c.Healthy(ctx)
	if !ok {
		return fmt.Errorf("tts service unhealthy: %s", msg)
	}
	return nil
}

// Synthesize renders text to audio and returns it base64-encoded.
func (c *Client) Synthesize(ctx context.Context, text string, opts Options) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("text is required")
	}
	refID := opts.ReferenceID
	if refID == "" {
		refID = c.refID
	}
	format := opts.Format
	if format == "" {
		format = "wav"
	}

	payload := map[string]any{
		"text":   text,
		"format": format,
	}
	if refID != "" {
		payload["reference_id"] = refID
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/tts", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("tts request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("tts request: status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read tts response: %w", err)
	}
	return base64.StdEncoding.EncodeToString(audio), nil
}

func (c *Client) Healthy(ctx context.Context) (bool, string) {
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
