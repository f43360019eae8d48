package ratelimit

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func TestLimiter_PerAccount(t *testing.T) {
	limiter := NewLimiter(Config{RequestsPerSecond: 0.001, BurstSize: 3})
	defer limiter.Close()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if d := limiter.Allow(ctx, "u1"); !d.Allowed {
			t.Fatalf("request %d should be allowed", i)
		}
	}
	d := limiter.Allow(ctx, "u1")
	if d.Allowed || d.RetryAfter <= 0 || d.Limit != 3 {
		t.Fatalf("4th request should be denied with a retry hint, got %+v", d)
	}
	if !limiter.Allow(ctx, "u2").Allowed {
		t.Fatal("other accounts have their own bucket")
	}
	if !limiter.Allow(ctx, "").Allowed {
		t.Fatal("anonymous requests are not limited")
	}

	if err := limiter.Reset(ctx, "u1"); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if !limiter.Allow(ctx, "u1").Allowed {
		t.Fatal("reset should refill the bucket")
	}
}

type brokenStore struct{}

func (brokenStore) Allow(context.Context, string, float64, float64) (bool, float64, error) {
	return false, 0, errors.New("connection refused")
}
func (brokenStore) Remaining(context.Context, string, float64, float64) (float64, error) {
	return 0, errors.New("connection refused")
}
func (brokenStore) Reset(context.Context, string) error { return nil }
func (brokenStore) Close() error                        { return nil }

func TestLimiter_FailsOpen(t *testing.T) {
	limiter := NewLimiter(Config{Store: brokenStore{}, BurstSize: 1, Logger: zerolog.Nop()})
	for i := 0; i < 5; i++ {
		if !limiter.Allow(context.Background(), "u1").Allowed {
			t.Fatal("store errors must not block requests")
		}
	}
	if got := limiter.Remaining(context.Background(), "u1"); got != 1 {
		t.Fatalf("Remaining on error = %v, want capacity", got)
	}
}

func TestMemoryStoreCleanup(t *testing.T) {
	store := NewMemoryStoreWithCleanup(0)
	defer store.Close()
	ctx := context.Background()
	store.Allow(ctx, "idle", 10, 1e9)
	for i := 0; i < 10; i++ {
		store.Allow(ctx, "busy", 10, 0)
	}
	store.cleanup()
	if store.Len() != 1 {
		t.Fatalf("expected only the busy bucket to remain, got %d", store.Len())
	}
	if err := store.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestMiddleware(t *testing.T) {
	limiter := NewLimiter(Config{RequestsPerSecond: 0.001, BurstSize: 2})
	defer limiter.Close()
	hits := 0
	mw := NewMiddleware(limiter, func(r *http.Request) string { return r.Header.Get("X-Account") }, zerolog.Nop(), func(*http.Request) { hits++ })
	h := mw.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	do := func(account string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/chat", nil)
		req.Header.Set("X-Account", account)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	for i := 0; i < 2; i++ {
		if rec := do("u1"); rec.Code != http.StatusNoContent {
			t.Fatalf("request %d: status %d", i, rec.Code)
		}
	}
	rec := do("u1")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" || rec.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Fatalf("missing rate limit headers: %v", rec.Header())
	}
	if hits != 1 {
		t.Fatalf("onLimit called %d times", hits)
	}
	if rec := do(""); rec.Code != http.StatusNoContent {
		t.Fatalf("unkeyed request status %d", rec.Code)
	}
}

func TestRedisStore(t *testing.T) {
	url := os.Getenv("CREDITS_TEST_REDIS_URL")
	if url == "" {
		t.Skip("CREDITS_TEST_REDIS_URL not set")
	}
	ctx := context.Background()
	store, err := NewRedisStoreFromURL(ctx, url, "credits:test:ratelimit:")
	if err != nil {
		t.Fatalf("NewRedisStoreFromURL: %v", err)
	}
	defer store.Close()
	clock := newFakeClock()
	store.now = clock.Now
	_ = store.Reset(ctx, "u1")

	for i := 0; i < 3; i++ {
		ok, _, err := store.Allow(ctx, "u1", 3, 1)
		if err != nil || !ok {
			t.Fatalf("request %d: ok=%v err=%v", i, ok, err)
		}
	}
	ok, remaining, err := store.Allow(ctx, "u1", 3, 1)
	if err != nil || ok || remaining >= 1 {
		t.Fatalf("expected denial, got ok=%v remaining=%v err=%v", ok, remaining, err)
	}
	clock.Advance(1500 * time.Millisecond)
	got, err := store.Remaining(ctx, "u1", 3, 1)
	if err != nil || got != 1.5 {
		t.Fatalf("Remaining = %v, %v; want 1.5", got, err)
	}
	_ = store.Reset(ctx, "u1")
}

var _ redis.UniversalClient = (*redis.Client)(nil)
