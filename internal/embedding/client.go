// Package embedding builds the text documents that are embedded and calls an
// OpenAI-compatible embeddings endpoint.
package embedding

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
)

const (
	// DefaultEndpoint is the public OpenAI embeddings endpoint.
	DefaultEndpoint = "https://api.openai.com/v1/embeddings"
	// DefaultModel is used when no model is configured.
	DefaultModel = "text-embedding-3-small"

	defaultTimeout  = 30 * time.Second
	maxErrorBodyLen = 2048
)

// ErrInputTooLong is returned when the provider rejects the input length.
var ErrInputTooLong = errors.New("embedding input too long")

// APIError is a non-2xx provider response.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("embedding api %d (%s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("embedding api %d: %s", e.StatusCode, e.Message)
}

// Is lets errors.Is match ErrInputTooLong for context-length rejections.
func (e *APIError) Is(target error) bool {
	if target != ErrInputTooLong {
		return false
	}
	if e.Code == "context_length_exceeded" {
		return true
	}
	msg := strings.ToLower(e.Message)
	return strings.Contains(msg, "maximum context length") ||
		strings.Contains(msg, "too long") ||
		strings.Contains(msg, "too many tokens")
}

// Config controls the HTTP client.
type Config struct {
	Endpoint string
	APIKey   string
	Model    string
	Timeout  time.Duration
}

// Client calls the embeddings endpoint.
type Client struct {
	cfg  Config
	http *http.Client
}

// NewClient validates cfg and builds a Client.
func NewClient(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("embedder.api_key is required")
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Client{cfg: cfg, http: &http.Client{Timeout: cfg.Timeout}}, nil
}

// Model returns the configured model name.
func (c *Client) Model() string { return c.cfg.Model }

// Provider returns a short provider label for audits.
func (c *Client) Provider() string { return "openai" }

type embeddingRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

type errorResponse struct {
	Error struct {
		Message string `json:"message"`
		Code    any    `json:"code"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Embed returns the vector for text.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	payload, err := json.Marshal(embeddingRequest{Model: c.cfg.Model, Input: text})
	if err != nil {
		return nil, fmt.Errorf("marshal embedding request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build embedding request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedding request: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read embedding response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, newAPIError(resp.StatusCode, body)
	}

	var parsed embeddingResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("decode embedding response: %w", err)
	}
	if len(parsed.Data) == 0 || len(parsed.Data[0].Embedding) == 0 {
		return nil, fmt.Errorf("embedding response has no vector")
	}
	return parsed.Data[0].Embedding, nil
}

func newAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: status}
	var parsed errorResponse
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error.Message != "" {
		apiErr.Message = parsed.Error.Message
		if code, ok := parsed.Error.Code.(string); ok {
			apiErr.Code = code
		}
		return apiErr
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > maxErrorBodyLen {
		msg = msg[:maxErrorBodyLen]
	}
	apiErr.Message = msg
	return apiErr
}
