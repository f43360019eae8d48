package ratelimit

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"
)

// KeyFunc returns the account a request is charged to, or "" to skip.
type KeyFunc func(r *http.Request) string

// Middleware rejects requests over the limit with 429.
type Middleware struct {
	limiter *Limiter
	key     KeyFunc
	logger  zerolog.Logger
	onLimit func(r *http.Request)
}

// NewMiddleware limits by key. onLimit, if set, is called for each rejected
// request.
func NewMiddleware(limiter *Limiter, key KeyFunc, logger zerolog.Logger, onLimit func(r *http.Request)) *Middleware {
	return &Middleware{limiter: limiter, key: key, logger: logger, onLimit: onLimit}
}

func (m *Middleware) Handler(next http.Handler) http.Handler {
	if m == nil || m.limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		accountID := m.key(r)
		if accountID == "" {
			next.ServeHTTP(w, r)
			return
		}
		d := m.limiter.Allow(r.Context(), accountID)
		writeHeaders(w, d)
		if !d.Allowed {
			m.logger.Info().Str("account_id", accountID).Str("path", r.URL.Path).Msg("rate limit exceeded")
			if m.onLimit != nil {
				m.onLimit(r)
			}
			secs := int(d.RetryAfter.Round(time.Second) / time.Second)
			w.Header().Set("Retry-After", strconv.Itoa(max(1, secs)))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "rate limit exceeded, try again later"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeHeaders(w http.ResponseWriter, d Decision) {
	w.Header().Set("X-RateLimit-Limit", strconv.FormatFloat(d.Limit, 'f', 0, 64))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(int(max(0, d.Remaining))))
}
