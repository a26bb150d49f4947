package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/stagehand-run/stagehand/pkg/schema"
)

const (
	defaultHTTPTimeout     = 120 * time.Second
	defaultMaxResponseBody = 10 * 1024 * 1024 // 10MB
)

// HTTPConfig configures the HTTP backend.
type HTTPConfig struct {
	// BaseURL is the API root, e.g. "https://api.example.com/v1".
	BaseURL string
	// APIKey is sent as a bearer token when set.
	APIKey string
	// Timeout bounds one generation call.
	Timeout time.Duration
	// MaxResponseBody caps how much of the response is read.
	MaxResponseBody int64
}

// HTTPBackend talks to any chat-completions-compatible endpoint. It maps
// HTTP status classes onto the backend error taxonomy so the executor's
// retry logic works without knowing the provider.
type HTTPBackend struct {
	config HTTPConfig
	client *http.Client
}

func NewHTTPBackend(cfg HTTPConfig) *HTTPBackend {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultHTTPTimeout
	}
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &HTTPBackend{
		config: cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

func (b *HTTPBackend) Name() string { return "http" }

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature float64   `json:"temperature,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (b *HTTPBackend) Generate(ctx context.Context, messages []Message, gen schema.GenerationConfig) (*Response, error) {
	body, err := json.Marshal(chatRequest{
		Model:       gen.Model,
		Messages:    messages,
		MaxTokens:   gen.MaxTokens,
		Temperature: gen.Temperature,
	})
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeBackendInvalid, "marshal generation request").WithCause(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		b.config.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeBackendInvalid, "build generation request").WithCause(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if b.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+b.config.APIKey)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, Classify(err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, b.config.MaxResponseBody))
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeBackendNetwork, "read generation response").WithCause(err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(resp.StatusCode, respBody)
	}

	var parsed chatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, schema.NewError(schema.ErrCodeBackendInvalid, "decode generation response").WithCause(err)
	}
	if parsed.Error != nil {
		return nil, schema.NewErrorf(schema.ErrCodeBackendInvalid, "backend error: %s", parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return nil, schema.NewError(schema.ErrCodeBackendInvalid, "backend returned no choices")
	}

	return &Response{
		Text: parsed.Choices[0].Message.Content,
		Usage: Usage{
			PromptTokens:     parsed.Usage.PromptTokens,
			CompletionTokens: parsed.Usage.CompletionTokens,
		},
	}, nil
}

// classifyStatus maps an HTTP status onto the backend error taxonomy.
// 429 and 5xx are recoverable; auth and client errors are not.
func classifyStatus(status int, body []byte) *schema.StagehandError {
	msg := fmt.Sprintf("backend returned %d", status)
	details := map[string]any{"status": status, "body": truncate(string(body), 512)}

	switch {
	case status == http.StatusTooManyRequests:
		return schema.NewError(schema.ErrCodeBackendRateLimit, msg).WithDetails(details)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return schema.NewError(schema.ErrCodeBackendAuth, msg).WithDetails(details)
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return schema.NewError(schema.ErrCodeBackendTimeout, msg).WithDetails(details)
	case status >= 500:
		return schema.NewError(schema.ErrCodeBackendNetwork, msg).WithDetails(details)
	default:
		return schema.NewError(schema.ErrCodeBackendInvalid, msg).WithDetails(details)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

var _ Backend = (*HTTPBackend)(nil)
