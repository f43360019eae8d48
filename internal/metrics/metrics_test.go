package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCollectorExposesCounters(t *testing.T) {
	c := NewCollector()
	c.RecordRequest("POST", "/api/v1/chat", 200, 15*time.Millisecond)
	c.RecordTokenUsage("gpt-4", 1000, 500)
	c.RecordProviderRequest("gpt-4", time.Second, nil)
	c.RecordProviderRequest("gpt-4", time.Second, errors.New("boom"))
	c.RecordChat("done", "ok")
	c.RecordDeduction("gpt-4", 30)
	c.RecordCredit("purchase", 1000)
	c.RecordWebhook("checkout.session.completed", "credited")

	if got := testutil.ToFloat64(c.tokens.WithLabelValues("gpt-4", "output")); got != 500 {
		t.Fatalf("output tokens = %v, want 500", got)
	}
	if got := testutil.ToFloat64(c.providerRequests.WithLabelValues("gpt-4", "error")); got != 1 {
		t.Fatalf("provider errors = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.creditsDeducted.WithLabelValues("gpt-4")); got != 30 {
		t.Fatalf("deducted = %v, want 30", got)
	}

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	for _, name := range []string{"credits_http_requests_total", "credits_webhook_events_total", "go_goroutines"} {
		if !strings.Contains(string(body), name) {
			t.Fatalf("exposition missing %s", name)
		}
	}
}

func TestNilCollectorIsNoop(t *testing.T) {
	var c *Collector
	c.RecordRequest("GET", "/", 200, time.Millisecond)
	c.RecordChat("failed", "error")
	c.RecordWebhook("x", "y")
	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 404 {
		t.Fatalf("nil collector handler status = %d", rec.Code)
	}
}
