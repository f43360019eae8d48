// Package openai implements adapter.ChatAdapter against the OpenAI chat
// completions endpoint or any compatible server.
package openai

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

	"github.com/tokligence/tokligence-credits/internal/adapter"
	"github.com/tokligence/tokligence-credits/internal/openai"
)

var _ adapter.ChatAdapter = (*OpenAIAdapter)(nil)

const maxErrorBody = 4 << 10

type OpenAIAdapter struct {
	apiKey     string
	baseURL    string
	org        string
	httpClient *http.Client
}

type Config struct {
	APIKey         string
	BaseURL        string // defaults to https://api.openai.com/v1
	Organization   string
	RequestTimeout time.Duration
	HTTPClient     *http.Client
}

func New(cfg Config) (*OpenAIAdapter, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("openai: api key required")
	}
	baseURL := strings.TrimSuffix(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	client := cfg.HTTPClient
	if client == nil {
		timeout := cfg.RequestTimeout
		if timeout == 0 {
			timeout = 60 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &OpenAIAdapter{
		apiKey:     cfg.APIKey,
		baseURL:    baseURL,
		org:        cfg.Organization,
		httpClient: client,
	}, nil
}

// CreateCompletion performs one non-streaming chat completion call.
func (a *OpenAIAdapter) CreateCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	if len(req.Messages) == 0 {
		return openai.ChatCompletionResponse{}, errors.New("openai: no messages provided")
	}
	body, err := json.Marshal(req)
	if err != nil {
		return openai.ChatCompletionResponse{}, fmt.Errorf("openai: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return openai.ChatCompletionResponse{}, fmt.Errorf("openai: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)
	if a.org != "" {
		httpReq.Header.Set("OpenAI-Organization", a.org)
	}

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return openai.ChatCompletionResponse{}, fmt.Errorf("openai: send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return openai.ChatCompletionResponse{}, parseError(resp)
	}

	var completion openai.ChatCompletionResponse
	if err := json.NewDecoder(resp.Body).Decode(&completion); err != nil {
		return openai.ChatCompletionResponse{}, fmt.Errorf("openai: decode response: %w", err)
	}
	if len(completion.Choices) == 0 {
		return openai.ChatCompletionResponse{}, errors.New("openai: response contained no choices")
	}
	if completion.Usage.TotalTokens == 0 {
		completion.Usage.TotalTokens = completion.Usage.PromptTokens + completion.Usage.CompletionTokens
	}
	return completion, nil
}

func parseError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	perr := &adapter.ProviderError{Provider: "openai", StatusCode: resp.StatusCode}
	var envelope struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
			Code    any    `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &envelope); err == nil && envelope.Error.Message != "" {
		perr.Message = envelope.Error.Message
		perr.Type = envelope.Error.Type
		if envelope.Error.Code != nil {
			perr.Code = fmt.Sprint(envelope.Error.Code)
		}
		return perr
	}
	perr.Message = strings.TrimSpace(string(raw))
	return perr
}
