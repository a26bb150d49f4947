// Package backend defines the generation backend contract and ships a
// generic chat-completions HTTP client. Deployments with richer provider
// SDKs plug them in behind the same interface. The executor only cares
// about the classified error code and the verbatim response text.
package backend

import (
	"context"
	"errors"

	"github.com/stagehand-run/stagehand/pkg/schema"
)

// Message is one entry of the prompt sent to the backend.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Roles understood by backends.
const (
	RoleSystem = "system"
	RoleUser   = "user"
)

// Usage reports token accounting when the backend provides it.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// Response holds one generation result. Text is the raw output exactly as
// the backend returned it; callers must not normalize it.
type Response struct {
	Text  string `json:"text"`
	Usage Usage  `json:"usage"`
}

// Backend produces text for a resolved prompt. Implementations must return
// a *schema.StagehandError with one of the BACKEND_* codes on failure so
// the executor can tell recoverable conditions (timeout, rate limit,
// network) from terminal ones (auth, invalid request).
type Backend interface {
	Name() string
	Generate(ctx context.Context, messages []Message, gen schema.GenerationConfig) (*Response, error)
}

// Classify wraps an arbitrary backend client error in a StagehandError.
// Context cancellation and deadline expiry map to their own codes; anything
// unrecognized is treated as a network fault, which is retryable. Providers
// with richer error surfaces should classify themselves instead.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	var se *schema.StagehandError
	if errors.As(err, &se) {
		return se
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return schema.NewError(schema.ErrCodeBackendTimeout, "backend request timed out").WithCause(err)
	case errors.Is(err, context.Canceled):
		return schema.NewError(schema.ErrCodeCancelled, "backend request cancelled").WithCause(err)
	default:
		return schema.NewErrorf(schema.ErrCodeBackendNetwork, "backend request failed: %s", err.Error()).WithCause(err)
	}
}
