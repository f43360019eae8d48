// Package metering drives one chat request through authorization, the
// provider call, pricing, billing and persistence.
package metering

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tokligence/tokligence-credits/internal/adapter"
	"github.com/tokligence/tokligence-credits/internal/billing"
	"github.com/tokligence/tokligence-credits/internal/conversation"
	"github.com/tokligence/tokligence-credits/internal/credits"
	"github.com/tokligence/tokligence-credits/internal/ledger"
	"github.com/tokligence/tokligence-credits/internal/metrics"
	"github.com/tokligence/tokligence-credits/internal/openai"
	"github.com/tokligence/tokligence-credits/internal/pricing"
	"github.com/tokligence/tokligence-credits/internal/tracing"
)

// BalanceReader is the read side of the ledger used for the advisory check.
type BalanceReader interface {
	Balance(ctx context.Context, accountID string) (credits.Amount, error)
}

type Config struct {
	ProviderTimeout time.Duration
	// HistoryLimit caps how many earlier messages are sent to the provider.
	HistoryLimit    int
	MaxMessageBytes int
	// RequirePositiveBalance rejects requests from accounts with no credits
	// before the provider is called. Billing still happens after the call.
	RequirePositiveBalance bool
	SystemPrompt           string
}

func (c Config) withDefaults() Config {
	if c.ProviderTimeout <= 0 {
		c.ProviderTimeout = 60 * time.Second
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = 50
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = 32 << 10
	}
	return c
}

type Deps struct {
	Balances      BalanceReader
	Provider      adapter.ChatAdapter
	Pricing       *pricing.Calculator
	Deductor      *billing.Deductor
	Conversations conversation.Store
	Logger        zerolog.Logger
	Metrics       *metrics.Collector
}

type Request struct {
	AccountID      string
	Message        string
	ConversationID string
	Model          string
}

type Result struct {
	Reply            string
	ConversationID   string
	Model            string
	TokensUsed       int
	InputTokens      int
	OutputTokens     int
	CreditsCost      credits.Amount
	RemainingCredits credits.Amount
}

type Orchestrator struct {
	Deps
	cfg    Config
	logger zerolog.Logger
	tracer trace.Tracer
}

func New(deps Deps, cfg Config) *Orchestrator {
	return &Orchestrator{
		Deps:   deps,
		cfg:    cfg.withDefaults(),
		logger: deps.Logger.With().Str("component", "metering").Logger(),
		tracer: tracing.Tracer("metering"),
	}
}

// Chat runs the flow. Failures are returned as *StageError wrapping one of
// ErrInvalidInput, ErrUpstreamProvider, ledger.ErrInsufficientBalance or a
// store error. Once billing commits, cancellation of ctx no longer matters.
func (o *Orchestrator) Chat(ctx context.Context, req Request) (Result, error) {
	ctx, span := o.tracer.Start(ctx, "metering.Chat")
	defer span.End()

	res, state, err := o.run(ctx, req)
	span.SetAttributes(attribute.String("metering.state", state.String()))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, state.String())
		o.Metrics.RecordChat(state.String(), outcomeLabel(err))
		return Result{}, err
	}
	o.Metrics.RecordChat(StateDone.String(), "ok")
	return res, nil
}

func (o *Orchestrator) run(ctx context.Context, req Request) (Result, State, error) {
	logger := o.logger.With().Str("account_id", req.AccountID).Logger()

	// Authorizing
	message := strings.TrimSpace(req.Message)
	switch {
	case req.AccountID == "":
		return Result{}, StateAuthorizing, fail(StateAuthorizing, fmt.Errorf("%w: account required", ErrInvalidInput))
	case message == "":
		return Result{}, StateAuthorizing, fail(StateAuthorizing, fmt.Errorf("%w: message is required", ErrInvalidInput))
	case len(message) > o.cfg.MaxMessageBytes:
		return Result{}, StateAuthorizing, fail(StateAuthorizing, fmt.Errorf("%w: message exceeds %d bytes", ErrInvalidInput, o.cfg.MaxMessageBytes))
	}
	model := o.Pricing.ResolveModel(req.Model)

	balance, err := o.Balances.Balance(ctx, req.AccountID)
	if err != nil {
		return Result{}, StateAuthorizing, fail(StateAuthorizing, err)
	}
	logger.Debug().Str("balance", balance.String()).Msg("authorizing chat")
	if o.cfg.RequirePositiveBalance && balance.Sign() <= 0 {
		return Result{}, StateAuthorizing, fail(StateAuthorizing, ledger.ErrInsufficientBalance)
	}

	conv, history, err := o.loadConversation(ctx, req.AccountID, req.ConversationID, message)
	if err != nil {
		return Result{}, StateAuthorizing, fail(StateAuthorizing, err)
	}
	userMsg := conversation.Message{ConversationID: conv.ID, UserID: req.AccountID, Role: openai.RoleUser, Content: message}

	// Pricing needs the provider's usage report.
	resp, err := o.callProvider(ctx, model, req.AccountID, history, message)
	if err != nil {
		logger.Warn().Err(err).Str("model", model).Msg("provider call failed; nothing billed")
		o.persistBestEffort(ctx, logger, userMsg)
		return Result{}, StatePricing, fail(StatePricing, fmt.Errorf("%w: %w", ErrUpstreamProvider, err))
	}

	usage := pricing.Usage{Model: model, InputTokens: resp.Usage.PromptTokens, OutputTokens: resp.Usage.CompletionTokens}
	cost := o.Pricing.PriceUsage(usage)
	o.Metrics.RecordTokenUsage(model, usage.InputTokens, usage.OutputTokens)

	// Billing. The provider cost is already incurred; commit regardless of
	// whether the caller is still waiting.
	commitCtx := context.WithoutCancel(ctx)
	deduction, err := o.Deductor.Deduct(commitCtx, req.AccountID, cost, usage)
	if err != nil {
		if errors.Is(err, ledger.ErrInsufficientBalance) {
			logger.Info().Str("cost", cost.String()).Str("model", model).Msg("chat rejected after provider call: insufficient credits")
		}
		o.persistBestEffort(commitCtx, logger, userMsg)
		return Result{}, StateBilling, fail(StateBilling, err)
	}

	// Persisting
	reply := resp.Reply()
	assistantMsg := conversation.Message{
		ConversationID: conv.ID,
		UserID:         req.AccountID,
		Role:           openai.RoleAssistant,
		Content:        reply,
		TokensUsed:     usage.TotalTokens(),
		CreditsCost:    cost,
		Model:          model,
	}
	if err := o.Conversations.Append(commitCtx, userMsg, assistantMsg); err != nil {
		logger.Error().Err(err).Str("conversation_id", conv.ID).Msg("persist chat messages failed after billing")
		o.Metrics.RecordChat(StatePersisting.String(), "persist_error")
	}

	return Result{
		Reply:            reply,
		ConversationID:   conv.ID,
		Model:            model,
		TokensUsed:       usage.TotalTokens(),
		InputTokens:      usage.InputTokens,
		OutputTokens:     usage.OutputTokens,
		CreditsCost:      cost,
		RemainingCredits: deduction.Remaining,
	}, StateDone, nil
}

func (o *Orchestrator) loadConversation(ctx context.Context, accountID, conversationID, message string) (conversation.Conversation, []conversation.Message, error) {
	if conversationID == "" {
		conv, err := o.Conversations.Create(ctx, accountID, conversation.Title(message))
		return conv, nil, err
	}
	conv, err := o.Conversations.Get(ctx, accountID, conversationID)
	if err != nil {
		return conversation.Conversation{}, nil, err
	}
	history, err := o.Conversations.History(ctx, conv.ID, o.cfg.HistoryLimit)
	if err != nil {
		return conversation.Conversation{}, nil, err
	}
	return conv, history, nil
}

// callProvider bounds the provider call by ProviderTimeout. A response that
// arrived is used even if the deadline fires right after.
func (o *Orchestrator) callProvider(ctx context.Context, model, accountID string, history []conversation.Message, message string) (openai.ChatCompletionResponse, error) {
	messages := make([]openai.ChatMessage, 0, len(history)+2)
	if o.cfg.SystemPrompt != "" {
		messages = append(messages, openai.ChatMessage{Role: openai.RoleSystem, Content: o.cfg.SystemPrompt})
	}
	for _, m := range history {
		messages = append(messages, openai.ChatMessage{Role: m.Role, Content: m.Content})
	}
	messages = append(messages, openai.ChatMessage{Role: openai.RoleUser, Content: message})

	callCtx, cancel := context.WithTimeout(ctx, o.cfg.ProviderTimeout)
	defer cancel()
	callCtx, span := o.tracer.Start(callCtx, "provider.CreateCompletion", trace.WithAttributes(attribute.String("llm.model", model)))
	defer span.End()

	start := time.Now()
	resp, err := o.Provider.CreateCompletion(callCtx, openai.ChatCompletionRequest{
		Model:    model,
		Messages: messages,
		User:     accountID,
	})
	o.Metrics.RecordProviderRequest(model, time.Since(start), err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "provider error")
		return openai.ChatCompletionResponse{}, err
	}
	if resp.Usage.PromptTokens < 0 || resp.Usage.CompletionTokens < 0 {
		return openai.ChatCompletionResponse{}, fmt.Errorf("provider reported negative usage %+v", resp.Usage)
	}
	span.SetAttributes(
		attribute.Int("llm.usage.input_tokens", resp.Usage.PromptTokens),
		attribute.Int("llm.usage.output_tokens", resp.Usage.CompletionTokens),
	)
	return resp, nil
}

func (o *Orchestrator) persistBestEffort(ctx context.Context, logger zerolog.Logger, msg conversation.Message) {
	if msg.ConversationID == "" {
		return
	}
	if err := o.Conversations.Append(context.WithoutCancel(ctx), msg); err != nil {
		logger.Warn().Err(err).Str("conversation_id", msg.ConversationID).Msg("record user message failed")
	}
}

func outcomeLabel(err error) string {
	switch {
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, ErrUpstreamProvider):
		return "upstream_error"
	case errors.Is(err, ledger.ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, conversation.ErrNotFound):
		return "conversation_not_found"
	}
	return "internal_error"
}
