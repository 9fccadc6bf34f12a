// Package llm sends prompts to an OpenAI-compatible chat-completions endpoint, rotating across a
// pool of api keys and retrying with exponential backoff.
package llm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/semsql/semsql/internal/keypool"
	"github.com/semsql/semsql/internal/observability"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const (
	DefaultBaseURL = "https://api.groq.com/openai"
	DefaultModel   = "llama-3.3-70b-versatile"

	maxResponseBytes = 4 << 20
	maxErrorBody     = 1024
)

type Kind string

const (
	KindSuccess     Kind = "success"
	KindRateLimited Kind = "rate_limited"
	KindHardError   Kind = "hard_error"
)

// KeySelector hands out the next eligible key. *keypool.Pool implements it.
type KeySelector interface {
	Select() (keypool.Lease, bool)
}

type ClientConfig struct {
	BaseURL     string
	Model       string
	Temperature float64
	Timeout     time.Duration
	HTTPClient  *http.Client
}

// Response is the classified result of one exchange. Err is set for non-success kinds.
type Response struct {
	Kind     Kind
	KeyIndex int
	Status   int
	Content  string
	Err      error
}

type Client struct {
	baseURL     string
	model       string
	temperature float64
	keys        KeySelector
	http        *http.Client
}

func NewClient(cfg ClientConfig, keys KeySelector) (*Client, error) {
	if keys == nil {
		return nil, fmt.Errorf("key selector is required")
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = DefaultModel
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{
		baseURL:     baseURL,
		model:       model,
		temperature: cfg.Temperature,
		keys:        keys,
		http:        httpClient,
	}, nil
}

// Send performs exactly one chat completion request with the next eligible key.
// It returns ErrKeysExhausted without calling out when no key is eligible, and ctx.Err()
// when the context ends mid-request. Every other outcome is reported through Response.
func (c *Client) Send(ctx context.Context, prompt string) (Response, error) {
	lease, ok := c.keys.Select()
	if !ok {
		return Response{}, ErrKeysExhausted
	}

	payload, err := c.buildPayload(prompt)
	if err != nil {
		return Response{}, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return Response{}, fmt.Errorf("build chat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+lease.Secret)

	started := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			observability.ObserveLLMRequest("canceled", time.Since(started))
			return Response{}, ctxErr
		}
		observability.ObserveLLMRequest(string(KindHardError), time.Since(started))
		return hardError(lease.Index, 0, "", fmt.Errorf("request chat completion: %w", err)), nil
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Response{}, ctxErr
		}
		observability.ObserveLLMRequest(string(KindHardError), time.Since(started))
		return hardError(lease.Index, resp.StatusCode, "", fmt.Errorf("read chat response body: %w", err)), nil
	}

	out := classify(lease.Index, resp.StatusCode, resp.Status, body)
	observability.ObserveLLMRequest(string(out.Kind), time.Since(started))
	return out, nil
}

func (c *Client) buildPayload(prompt string) ([]byte, error) {
	payload := []byte(`{}`)
	var err error
	if payload, err = sjson.SetBytes(payload, "model", c.model); err != nil {
		return nil, fmt.Errorf("set chat model: %w", err)
	}
	messages := []map[string]string{{"role": "user", "content": prompt}}
	if payload, err = sjson.SetBytes(payload, "messages", messages); err != nil {
		return nil, fmt.Errorf("set chat messages: %w", err)
	}
	if c.temperature > 0 {
		if payload, err = sjson.SetBytes(payload, "temperature", c.temperature); err != nil {
			return nil, fmt.Errorf("set chat temperature: %w", err)
		}
	}
	return payload, nil
}

func classify(keyIndex, status int, statusText string, body []byte) Response {
	if status < 200 || status > 299 {
		if isRateLimited(status, statusText, body) {
			return Response{
				Kind:     KindRateLimited,
				KeyIndex: keyIndex,
				Status:   status,
				Err:      &RateLimitError{Status: status, KeyIndex: keyIndex},
			}
		}
		return hardError(keyIndex, status, truncate(string(body), maxErrorBody), nil)
	}

	content := gjson.GetBytes(body, "choices.0.message.content")
	if !content.Exists() || content.Type != gjson.String {
		return hardError(keyIndex, status, truncate(string(body), maxErrorBody), errors.New("missing choices or content"))
	}
	return Response{
		Kind:     KindSuccess,
		KeyIndex: keyIndex,
		Status:   status,
		Content:  content.String(),
	}
}

func isRateLimited(status int, statusText string, body []byte) bool {
	if status == http.StatusTooManyRequests || status == http.StatusServiceUnavailable {
		return true
	}
	if hasRateLimitSignal(statusText) {
		return true
	}
	for _, path := range []string{"error.code", "error.type", "error.message"} {
		if hasRateLimitSignal(gjson.GetBytes(body, path).String()) {
			return true
		}
	}
	return false
}

func hasRateLimitSignal(value string) bool {
	value = strings.ToLower(value)
	return strings.Contains(value, "rate limit") || strings.Contains(value, "rate_limit")
}

func hardError(keyIndex, status int, body string, err error) Response {
	return Response{
		Kind:     KindHardError,
		KeyIndex: keyIndex,
		Status:   status,
		Err:      &HardError{Status: status, Body: body, KeyIndex: keyIndex, Err: err},
	}
}

func truncate(value string, limit int) string {
	if len(value) <= limit {
		return value
	}
	return value[:limit] + "..."
}
