// Package loopback provides a deterministic provider for local runs and tests.
package loopback

import (
	"context"
	"errors"
	"strings"

	"github.com/tokligence/tokligence-credits/internal/adapter"
	"github.com/tokligence/tokligence-credits/internal/openai"
)

var _ adapter.ChatAdapter = (*LoopbackAdapter)(nil)

// LoopbackAdapter echoes the last user message and reports token usage
// derived from message lengths (four characters per token, plus four tokens
// of framing per message).
type LoopbackAdapter struct{}

func New() *LoopbackAdapter {
	return &LoopbackAdapter{}
}

func (a *LoopbackAdapter) CreateCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	if err := ctx.Err(); err != nil {
		return openai.ChatCompletionResponse{}, err
	}
	if len(req.Messages) == 0 {
		return openai.ChatCompletionResponse{}, errors.New("loopback: no messages provided")
	}

	last := req.Messages[len(req.Messages)-1]
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if strings.EqualFold(req.Messages[i].Role, openai.RoleUser) {
			last = req.Messages[i]
			break
		}
	}
	reply := openai.ChatMessage{
		Role:    openai.RoleAssistant,
		Content: "[loopback] " + strings.TrimSpace(last.Content),
	}

	prompt := 0
	for _, m := range req.Messages {
		prompt += EstimateTokens(m.Content) + 4
	}
	usage := openai.UsageBreakdown{
		PromptTokens:     prompt,
		CompletionTokens: EstimateTokens(reply.Content),
	}
	return openai.NewCompletionResponse(req.Model, reply, usage), nil
}

// EstimateTokens approximates a token count as ceil(len/4).
func EstimateTokens(s string) int {
	return (len(s) + 3) / 4
}
