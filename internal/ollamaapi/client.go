// Package ollamaapi talks to the Ollama HTTP API directly. It backs the
// diagnostic subcommands and the model pull done at startup.
package ollamaapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	DefaultBaseURL = "http://localhost:11434"
	defaultTimeout = 30 * time.Second
)

type Client struct {
	baseURL string
	client  *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return NewClientWithHTTP(baseURL, &http.Client{Timeout: timeout})
}

// NewClientWithHTTP uses client for every request. A nil client means
// http.DefaultClient.
func NewClientWithHTTP(baseURL string, client *http.Client) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

// Model is one entry of /api/tags
type Model struct {
	Name       string       `json:"name"`
	Model      string       `json:"model"`
	ModifiedAt time.Time    `json:"modified_at"`
	Size       int64        `json:"size"`
	Digest     string       `json:"digest"`
	Details    ModelDetails `json:"details"`
}

type ModelDetails struct {
	Format            string `json:"format"`
	Family            string `json:"family"`
	ParameterSize     string `json:"parameter_size"`
	QuantizationLevel string `json:"quantization_level"`
}

type ShowResponse struct {
	License    string       `json:"license"`
	Modelfile  string       `json:"modelfile"`
	Parameters string       `json:"parameters"`
	Template   string       `json:"template"`
	System     string       `json:"system"`
	Details    ModelDetails `json:"details"`
}

type GenerateRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	System  string         `json:"system,omitempty"`
	Think   bool           `json:"think,omitempty"`
	Options map[string]any `json:"options,omitempty"`
}

type GenerateResponse struct {
	Model      string `json:"model"`
	Response   string `json:"response"`
	Thinking   string `json:"thinking,omitempty"`
	Done       bool   `json:"done"`
	DoneReason string `json:"done_reason,omitempty"`
}

type Message struct {
	Role     string `json:"role"`
	Content  string `json:"content"`
	Thinking string `json:"thinking,omitempty"`
}

type ChatRequest struct {
	Model    string         `json:"model"`
	Messages []Message      `json:"messages"`
	Options  map[string]any `json:"options,omitempty"`
}

type ChatResponse struct {
	Model      string  `json:"model"`
	Message    Message `json:"message"`
	Done       bool    `json:"done"`
	DoneReason string  `json:"done_reason,omitempty"`
}

// CreateRequest derives a model from an existing one
type CreateRequest struct {
	Model      string         `json:"model"`
	From       string         `json:"from"`
	System     string         `json:"system,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// ProgressResponse is one status line of a pull or create
type ProgressResponse struct {
	Status    string `json:"status"`
	Digest    string `json:"digest,omitempty"`
	Total     int64  `json:"total,omitempty"`
	Completed int64  `json:"completed,omitempty"`
}

// apiError is the body Ollama sends with a non 2xx status
type apiError struct {
	Error string `json:"error"`
}

// Healthy checks that the runtime answers
func (c *Client) Healthy(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodGet, "/api/tags", nil)
	if err != nil {
		return fmt.Errorf("ollama not reachable: %w", err)
	}
	resp.Body.Close()
	return nil
}

// ListModels returns the models available locally
func (c *Client) ListModels(ctx context.Context) ([]Model, error) {
	var out struct {
		Models []Model `json:"models"`
	}
	if err := c.call(ctx, http.MethodGet, "/api/tags", nil, &out); err != nil {
		return nil, err
	}
	return out.Models, nil
}

func (c *Client) Show(ctx context.Context, model string) (*ShowResponse, error) {
	var out ShowResponse
	if err := c.call(ctx, http.MethodPost, "/api/show", map[string]string{"model": model}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Generate streams a completion of req.Prompt. fn, if set, receives every
// response fragment; the full text is returned.
func (c *Client) Generate(ctx context.Context, req GenerateRequest, fn func(GenerateResponse)) (string, error) {
	var full strings.Builder
	err := c.stream(ctx, "/api/generate", req, func(dec *json.Decoder) (bool, error) {
		var chunk GenerateResponse
		if err := dec.Decode(&chunk); err != nil {
			return false, err
		}
		full.WriteString(chunk.Response)
		if fn != nil {
			fn(chunk)
		}
		return chunk.Done, nil
	})
	return full.String(), err
}

// Chat streams the assistant reply to req.Messages
func (c *Client) Chat(ctx context.Context, req ChatRequest, fn func(ChatResponse)) (string, error) {
	var full strings.Builder
	err := c.stream(ctx, "/api/chat", req, func(dec *json.Decoder) (bool, error) {
		var chunk ChatResponse
		if err := dec.Decode(&chunk); err != nil {
			return false, err
		}
		full.WriteString(chunk.Message.Content)
		if fn != nil {
			fn(chunk)
		}
		return chunk.Done, nil
	})
	return full.String(), err
}

// Pull downloads model, reporting progress to fn
func (c *Client) Pull(ctx context.Context, model string, fn func(ProgressResponse)) error {
	return c.progress(ctx, "/api/pull", map[string]string{"model": model}, fn)
}

func (c *Client) Create(ctx context.Context, req CreateRequest, fn func(ProgressResponse)) error {
	return c.progress(ctx, "/api/create", req, fn)
}

func (c *Client) Delete(ctx context.Context, model string) error {
	resp, err := c.do(ctx, http.MethodDelete, "/api/delete", map[string]string{"model": model})
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// HasModel reports whether model is available locally. A name without a tag
// matches the ":latest" tag.
func (c *Client) HasModel(ctx context.Context, model string) (bool, error) {
	models, err := c.ListModels(ctx)
	if err != nil {
		return false, err
	}
	want := normalizeName(model)
	for _, m := range models {
		if normalizeName(m.Name) == want {
			return true, nil
		}
	}
	return false, nil
}

// EnsureModel pulls model unless it is already available
func (c *Client) EnsureModel(ctx context.Context, model string) error {
	ok, err := c.HasModel(ctx, model)
	if err != nil {
		return err
	}
	if ok {
		log.Debug().Str("model", model).Msg("Model already available")
		return nil
	}
	log.Info().Str("model", model).Msg("Pulling model")
	return c.Pull(ctx, model, func(p ProgressResponse) {
		log.Debug().Str("model", model).Str("status", p.Status).Int64("completed", p.Completed).Int64("total", p.Total).Msg("Pull progress")
	})
}

func normalizeName(name string) string {
	if !strings.Contains(name, ":") {
		return name + ":latest"
	}
	return name
}

func (c *Client) progress(ctx context.Context, path string, body any, fn func(ProgressResponse)) error {
	return c.stream(ctx, path, body, func(dec *json.Decoder) (bool, error) {
		var p struct {
			ProgressResponse
			Error string `json:"error"`
		}
		if err := dec.Decode(&p); err != nil {
			return false, err
		}
		if p.Error != "" {
			return false, fmt.Errorf("ollama: %s", p.Error)
		}
		if fn != nil {
			fn(p.ProgressResponse)
		}
		return p.Status == "success", nil
	})
}

// stream posts body and feeds the NDJSON reply to next until it reports done
func (c *Client) stream(ctx context.Context, path string, body any, next func(*json.Decoder) (bool, error)) error {
	resp, err := c.do(ctx, http.MethodPost, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	decoder := json.NewDecoder(resp.Body)
	for decoder.More() {
		done, err := next(decoder)
		if err != nil {
			return fmt.Errorf("failed to decode %s stream: %w", path, err)
		}
		if done {
			return nil
		}
	}
	return fmt.Errorf("%s stream ended before completion", path)
}

func (c *Client) call(ctx context.Context, method, path string, body, out any) error {
	resp, err := c.do(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call %s: %w", path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(resp.Body)
		var apiErr apiError
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error != "" {
			return nil, &StatusError{StatusCode: resp.StatusCode, Message: apiErr.Error}
		}
		return nil, &StatusError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
	}
	return resp, nil
}

// StatusError is returned for any non 2xx reply
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("ollama returned %d: %s", e.StatusCode, e.Message)
}
