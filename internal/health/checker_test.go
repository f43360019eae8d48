package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

type pingFunc func(context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestCheckerStatuses(t *testing.T) {
	ok := pingFunc(func(context.Context) error { return nil })
	down := pingFunc(func(context.Context) error { return errors.New("connection refused") })

	c := New(Config{})
	c.AddDatabase("ledger", ok)
	c.AddCache("ratelimit", ok)
	if st := c.Check(context.Background()); st.Status != StatusHealthy || len(st.Components) != 2 {
		t.Fatalf("expected healthy, got %+v", st)
	}

	c.AddCache("redis", down)
	if st := c.Check(context.Background()); st.Status != StatusDegraded {
		t.Fatalf("non-critical failure should degrade, got %s", st.Status)
	}

	c.AddDatabase("conversations", down)
	if st := c.Check(context.Background()); st.Status != StatusUnhealthy {
		t.Fatalf("critical failure should be unhealthy, got %s", st.Status)
	}
	if c.LastStatus().Status != StatusUnhealthy {
		t.Fatalf("LastStatus should reflect the last check")
	}
}

func TestCheckerHTTPAndHandler(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer upstream.Close()

	c := New(Config{})
	c.AddHTTP("provider", upstream.URL)
	c.AddDatabase("nil store", nil)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var st HealthStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if st.Status != StatusHealthy || len(st.Components) != 1 || st.Components[0].Name != "provider" {
		t.Fatalf("unexpected status %+v", st)
	}

	c.AddDatabase("ledger", pingFunc(func(context.Context) error { return errors.New("closed") }))
	rec = httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}
