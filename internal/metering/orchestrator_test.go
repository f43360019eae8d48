package metering

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/tokligence/tokligence-credits/internal/adapter"
	"github.com/tokligence/tokligence-credits/internal/billing"
	"github.com/tokligence/tokligence-credits/internal/conversation"
	"github.com/tokligence/tokligence-credits/internal/credits"
	"github.com/tokligence/tokligence-credits/internal/ledger"
	"github.com/tokligence/tokligence-credits/internal/ledger/memory"
	"github.com/tokligence/tokligence-credits/internal/metrics"
	"github.com/tokligence/tokligence-credits/internal/openai"
	"github.com/tokligence/tokligence-credits/internal/pricing"
)

type harness struct {
	store *memory.Store
	convs *conversation.MemoryStore
	calls atomic.Int32
	orch  *Orchestrator
}

func newHarness(t *testing.T, balance string, cfg Config, provider adapter.Func) *harness {
	t.Helper()
	ctx := context.Background()
	h := &harness{store: memory.New(), convs: conversation.NewMemoryStore()}
	if _, err := h.store.EnsureAccount(ctx, "u1"); err != nil {
		t.Fatalf("EnsureAccount: %v", err)
	}
	if balance != "0" {
		if _, err := h.store.Apply(ctx, "u1", ledger.Entry{Kind: ledger.KindPurchase, Amount: credits.MustParse(balance), ExternalReference: "seed"}); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	counted := adapter.Func(func(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
		h.calls.Add(1)
		return provider(ctx, req)
	})
	h.orch = New(Deps{
		Balances:      h.store,
		Provider:      counted,
		Pricing:       pricing.NewCalculator(pricing.DefaultTable()),
		Deductor:      billing.NewDeductor(h.store, billing.Options{Logger: zerolog.Nop()}),
		Conversations: h.convs,
		Logger:        zerolog.Nop(),
		Metrics:       metrics.NewCollector(),
	}, cfg)
	return h
}

func fixedUsage(in, out int) adapter.Func {
	return func(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
		return openai.NewCompletionResponse(req.Model, openai.ChatMessage{Role: "assistant", Content: "Paris."},
			openai.UsageBreakdown{PromptTokens: in, CompletionTokens: out}), nil
	}
}

func (h *harness) balance(t *testing.T) credits.Amount {
	t.Helper()
	b, err := h.store.Balance(context.Background(), "u1")
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	return b
}

func (h *harness) usageCount(t *testing.T) int {
	t.Helper()
	txs, err := h.store.ListTransactions(context.Background(), "u1", ledger.Query{Kind: ledger.KindUsage})
	if err != nil {
		t.Fatalf("ListTransactions: %v", err)
	}
	return len(txs)
}

func TestChatBillsAndPersists(t *testing.T) {
	h := newHarness(t, "100", Config{}, fixedUsage(1000, 500))
	res, err := h.orch.Chat(context.Background(), Request{AccountID: "u1", Message: "  capital of France?  ", Model: "gpt-4"})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if res.Reply != "Paris." || res.InputTokens != 1000 || res.OutputTokens != 500 || res.TokensUsed != 1500 {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.CreditsCost.Cmp(credits.FromInt(30)) != 0 || res.RemainingCredits.Cmp(credits.FromInt(70)) != 0 {
		t.Fatalf("cost=%s remaining=%s", res.CreditsCost, res.RemainingCredits)
	}
	if h.balance(t).Cmp(credits.FromInt(70)) != 0 || h.usageCount(t) != 1 {
		t.Fatalf("ledger not updated: balance=%s usage=%d", h.balance(t), h.usageCount(t))
	}

	history, _ := h.convs.History(context.Background(), res.ConversationID, 0)
	if len(history) != 2 || history[0].Content != "capital of France?" || history[1].CreditsCost.Cmp(credits.FromInt(30)) != 0 {
		t.Fatalf("unexpected history %+v", history)
	}
	conv, err := h.convs.Get(context.Background(), "u1", res.ConversationID)
	if err != nil || conv.Title != "capital of France?" {
		t.Fatalf("conversation = %+v, %v", conv, err)
	}
}

func TestChatSendsHistoryForExistingConversation(t *testing.T) {
	var seen []openai.ChatMessage
	h := newHarness(t, "100", Config{SystemPrompt: "be brief"}, func(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
		seen = req.Messages
		return fixedUsage(10, 10)(ctx, req)
	})
	first, err := h.orch.Chat(context.Background(), Request{AccountID: "u1", Message: "hello"})
	if err != nil {
		t.Fatalf("first Chat: %v", err)
	}
	if _, err := h.orch.Chat(context.Background(), Request{AccountID: "u1", Message: "again", ConversationID: first.ConversationID}); err != nil {
		t.Fatalf("second Chat: %v", err)
	}
	roles := make([]string, 0, len(seen))
	for _, m := range seen {
		roles = append(roles, m.Role)
	}
	want := []string{"system", "user", "assistant", "user"}
	if len(roles) != len(want) {
		t.Fatalf("roles = %v, want %v", roles, want)
	}
	for i := range want {
		if roles[i] != want[i] {
			t.Fatalf("roles = %v, want %v", roles, want)
		}
	}

	_, err = h.orch.Chat(context.Background(), Request{AccountID: "u1", Message: "x", ConversationID: "missing"})
	if !errors.Is(err, conversation.ErrNotFound) {
		t.Fatalf("expected conversation.ErrNotFound, got %v", err)
	}
}

func TestChatUnknownModelBillsAtDefault(t *testing.T) {
	var sent string
	h := newHarness(t, "100", Config{}, func(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
		sent = req.Model
		return fixedUsage(1000, 1000)(ctx, req)
	})
	res, err := h.orch.Chat(context.Background(), Request{AccountID: "u1", Message: "hi", Model: "gpt-5-ultra"})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if sent != pricing.DefaultModel || res.Model != pricing.DefaultModel {
		t.Fatalf("unknown model should resolve to default, sent %q", sent)
	}
	if res.CreditsCost.Cmp(credits.FromInt(2)) != 0 {
		t.Fatalf("cost = %s, want 2", res.CreditsCost)
	}
}

func TestChatUpstreamFailureDoesNotBill(t *testing.T) {
	h := newHarness(t, "100", Config{}, func(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
		return openai.ChatCompletionResponse{}, &adapter.ProviderError{Provider: "openai", StatusCode: 503, Message: "overloaded"}
	})
	_, err := h.orch.Chat(context.Background(), Request{AccountID: "u1", Message: "hello"})
	if !errors.Is(err, ErrUpstreamProvider) {
		t.Fatalf("expected ErrUpstreamProvider, got %v", err)
	}
	var perr *adapter.ProviderError
	if !errors.As(err, &perr) || perr.StatusCode != 503 {
		t.Fatalf("provider error not preserved: %v", err)
	}
	if FailedState(err) != StatePricing {
		t.Fatalf("failed state = %s", FailedState(err))
	}
	if h.balance(t).Cmp(credits.FromInt(100)) != 0 || h.usageCount(t) != 0 {
		t.Fatalf("failed call billed: balance=%s usage=%d", h.balance(t), h.usageCount(t))
	}
}

func TestChatProviderTimeoutDoesNotBill(t *testing.T) {
	h := newHarness(t, "100", Config{ProviderTimeout: 30 * time.Millisecond}, func(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
		<-ctx.Done()
		return openai.ChatCompletionResponse{}, ctx.Err()
	})
	start := time.Now()
	_, err := h.orch.Chat(context.Background(), Request{AccountID: "u1", Message: "hello"})
	if !errors.Is(err, ErrUpstreamProvider) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected upstream deadline error, got %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatalf("timeout not enforced")
	}
	if h.usageCount(t) != 0 {
		t.Fatalf("timed out call billed")
	}
}

func TestChatHonoursUsageReturnedBeforeDeadline(t *testing.T) {
	h := newHarness(t, "100", Config{ProviderTimeout: 20 * time.Millisecond}, func(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
		time.Sleep(60 * time.Millisecond)
		return fixedUsage(1000, 0)(ctx, req)
	})
	res, err := h.orch.Chat(context.Background(), Request{AccountID: "u1", Message: "hello"})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if res.CreditsCost.Cmp(credits.FromInt(1)) != 0 || h.usageCount(t) != 1 {
		t.Fatalf("usage returned by provider must be billed: %+v", res)
	}
}

func TestChatInsufficientBalanceAfterCall(t *testing.T) {
	h := newHarness(t, "10", Config{}, fixedUsage(1000, 500))
	_, err := h.orch.Chat(context.Background(), Request{AccountID: "u1", Message: "hello", Model: "gpt-4"})
	if !errors.Is(err, ledger.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if FailedState(err) != StateBilling {
		t.Fatalf("failed state = %s, want billing", FailedState(err))
	}
	if h.calls.Load() != 1 {
		t.Fatalf("provider should have been called once, got %d", h.calls.Load())
	}
	if h.balance(t).Cmp(credits.FromInt(10)) != 0 || h.usageCount(t) != 0 {
		t.Fatalf("state mutated on insufficient balance")
	}
}

func TestChatRequirePositiveBalanceSkipsProvider(t *testing.T) {
	h := newHarness(t, "0", Config{RequirePositiveBalance: true}, fixedUsage(10, 10))
	_, err := h.orch.Chat(context.Background(), Request{AccountID: "u1", Message: "hello"})
	if !errors.Is(err, ledger.ErrInsufficientBalance) || FailedState(err) != StateAuthorizing {
		t.Fatalf("expected authorizing rejection, got %v", err)
	}
	if h.calls.Load() != 0 {
		t.Fatalf("provider called despite empty balance")
	}
}

func TestChatBillingSurvivesClientCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := newHarness(t, "100", Config{}, func(pctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
		resp, err := fixedUsage(1000, 0)(pctx, req)
		cancel()
		return resp, err
	})
	if _, err := h.orch.Chat(ctx, Request{AccountID: "u1", Message: "hello"}); err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if h.balance(t).Cmp(credits.FromInt(99)) != 0 {
		t.Fatalf("billing should commit after client cancel, balance=%s", h.balance(t))
	}
}

func TestChatRejectsInvalidInput(t *testing.T) {
	h := newHarness(t, "100", Config{MaxMessageBytes: 8}, fixedUsage(1, 1))
	for _, req := range []Request{
		{AccountID: "u1", Message: "   "},
		{AccountID: "u1", Message: "way too long message"},
		{Message: "hi"},
	} {
		_, err := h.orch.Chat(context.Background(), req)
		if !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("Chat(%+v) = %v, want ErrInvalidInput", req, err)
		}
	}
	if h.calls.Load() != 0 {
		t.Fatalf("provider called for invalid input")
	}
}

func TestStateString(t *testing.T) {
	if StateBilling.String() != "billing" || State(42).String() != "state(42)" {
		t.Fatalf("unexpected state names")
	}
	if FailedState(errors.New("plain")) != StateDone {
		t.Fatalf("plain errors carry no state")
	}
}
