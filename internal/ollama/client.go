// Package ollama provides a typed HTTP client for the Ollama REST API.
// The gateway uses it to proxy generation, chat, and model-management
// requests to a locally running backend.
package ollama

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

	"go.uber.org/zap"
)

// Client wraps the Ollama HTTP API. Each call is attempted exactly once;
// retry policy belongs to the gateway's clients.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

// New creates an Ollama client. It does not verify connectivity; call
// Heartbeat explicitly for an early health check. The timeout bounds
// every request (generation and pulls can be long, so keep it generous).
func New(baseURL string, timeout time.Duration, logger *zap.Logger) (*Client, error) {
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("parse ollama url %q: %w", baseURL, err)
	}

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}, nil
}

// BaseURL returns the backend base URL this client talks to.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Heartbeat checks whether the Ollama server is reachable.
func (c *Client) Heartbeat(ctx context.Context) error {
	body, err := c.get(ctx, "/api/tags")
	if err != nil {
		return err
	}
	body.Close()
	return nil
}

// ListModels returns the locally installed models from GET /api/tags.
func (c *Client) ListModels(ctx context.Context) ([]Model, error) {
	body, err := c.get(ctx, "/api/tags")
	if err != nil {
		return nil, err
	}
	defer body.Close()

	var result listResponse
	if err := json.NewDecoder(body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode list response: %w", err)
	}
	return result.Models, nil
}

// Ps returns the running model processes from GET /api/ps, unparsed.
func (c *Client) Ps(ctx context.Context) (json.RawMessage, error) {
	body, err := c.get(ctx, "/api/ps")
	if err != nil {
		return nil, err
	}
	defer body.Close()
	return decodeRaw(body)
}

// Generate runs a non-streaming completion and returns the backend's
// single JSON response object.
func (c *Client) Generate(ctx context.Context, req GenerateRequest) (json.RawMessage, error) {
	noStream := false
	req.Stream = &noStream

	body, err := c.post(ctx, "/api/generate", req)
	if err != nil {
		return nil, err
	}
	defer body.Close()
	return decodeRaw(body)
}

// GenerateStream runs a streaming completion. The returned body carries
// newline-delimited JSON chunks; the caller must close it, and cancelling
// ctx aborts the backend generation promptly.
func (c *Client) GenerateStream(ctx context.Context, req GenerateRequest) (io.ReadCloser, error) {
	stream := true
	req.Stream = &stream
	return c.post(ctx, "/api/generate", req)
}

// Chat runs a non-streaming chat completion.
func (c *Client) Chat(ctx context.Context, req ChatRequest) (json.RawMessage, error) {
	noStream := false
	req.Stream = &noStream

	body, err := c.post(ctx, "/api/chat", req)
	if err != nil {
		return nil, err
	}
	defer body.Close()
	return decodeRaw(body)
}

// ChatStream runs a streaming chat completion; same contract as
// GenerateStream.
func (c *Client) ChatStream(ctx context.Context, req ChatRequest) (io.ReadCloser, error) {
	stream := true
	req.Stream = &stream
	return c.post(ctx, "/api/chat", req)
}

// Pull downloads a model via POST /api/pull. May be long-running; backend
// errors (e.g. unknown model name) are reported verbatim.
func (c *Client) Pull(ctx context.Context, model string) (json.RawMessage, error) {
	payload := map[string]any{"model": model, "stream": false}
	body, err := c.post(ctx, "/api/pull", payload)
	if err != nil {
		return nil, err
	}
	defer body.Close()
	return decodeRaw(body)
}

// Stop unloads a model. Ollama has no dedicated stop route; a generate
// call with keep_alive 0 evicts the model immediately, which is what the
// ollama CLI's stop command does.
func (c *Client) Stop(ctx context.Context, model string) (json.RawMessage, error) {
	payload := map[string]any{"model": model, "keep_alive": 0}
	body, err := c.post(ctx, "/api/generate", payload)
	if err != nil {
		return nil, err
	}
	defer body.Close()
	return decodeRaw(body)
}

// get sends a GET request and returns the response body.
// The caller must close the returned body.
func (c *Client) get(ctx context.Context, path string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, http.NoBody)
	if err != nil {
		return nil, err
	}
	return c.do(req)
}

// post sends a JSON POST request and returns the response body.
// The caller must close the returned body.
func (c *Client) post(ctx context.Context, path string, payload any) (io.ReadCloser, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s request: %w", path, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req)
}

func (c *Client) do(req *http.Request) (io.ReadCloser, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama server unreachable: %w", err)
	}

	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		return nil, parseStatusError(resp)
	}

	return resp.Body, nil
}

// parseStatusError reads an error response body and returns a StatusError.
func parseStatusError(resp *http.Response) *StatusError {
	var errResp struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&errResp); err != nil {
		return &StatusError{StatusCode: resp.StatusCode, Message: resp.Status}
	}
	msg := errResp.Error
	if msg == "" {
		msg = resp.Status
	}
	return &StatusError{StatusCode: resp.StatusCode, Message: msg}
}

// decodeRaw reads a single JSON value, treating malformed backend output
// as an upstream error.
func decodeRaw(r io.Reader) (json.RawMessage, error) {
	var raw json.RawMessage
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return nil, fmt.Errorf("malformed ollama response: %w", err)
	}
	return raw, nil
}
