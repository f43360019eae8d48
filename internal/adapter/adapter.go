// Package adapter defines the contract with the external completion provider.
package adapter

import (
	"context"
	"fmt"

	"github.com/tokligence/tokligence-credits/internal/openai"
)

// ChatAdapter sends an OpenAI-compatible chat request to a provider.
type ChatAdapter interface {
	CreateCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// Func adapts a plain function to ChatAdapter.
type Func func(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)

func (f Func) CreateCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	return f(ctx, req)
}

// ProviderError is a non-2xx answer from the provider.
type ProviderError struct {
	Provider   string
	StatusCode int
	Type       string
	Code       string
	Message    string
}

func (e *ProviderError) Error() string {
	if e.Type != "" || e.Code != "" {
		return fmt.Sprintf("%s: %s (status=%d, type=%s, code=%s)", e.Provider, e.Message, e.StatusCode, e.Type, e.Code)
	}
	return fmt.Sprintf("%s: http %d: %s", e.Provider, e.StatusCode, e.Message)
}

// Retryable reports whether the provider signalled a transient condition.
func (e *ProviderError) Retryable() bool {
	return e.StatusCode == 429 || e.StatusCode >= 500
}
