// Package httpserver exposes the chat, checkout, webhook and credit account
// endpoints over a chi router.
package httpserver

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/tokligence/tokligence-credits/internal/auth"
	"github.com/tokligence/tokligence-credits/internal/health"
	"github.com/tokligence/tokligence-credits/internal/ledger"
	"github.com/tokligence/tokligence-credits/internal/metering"
	"github.com/tokligence/tokligence-credits/internal/metrics"
	"github.com/tokligence/tokligence-credits/internal/payments"
	"github.com/tokligence/tokligence-credits/internal/ratelimit"
)

const (
	maxJSONBody    = 64 << 10
	maxWebhookBody = 256 << 10
)

// Deps wires the server to the services it fronts. Checkout, Reconciler,
// Limiter, Health and Metrics are optional.
type Deps struct {
	Ledger       ledger.Store
	Orchestrator *metering.Orchestrator
	Checkout     *payments.Checkout
	Catalog      *payments.Catalog
	Reconciler   *payments.Reconciler
	Auth         *auth.Manager
	Limiter      *ratelimit.Limiter
	Health       *health.Checker
	Metrics      *metrics.Collector
	Logger       zerolog.Logger
}

type Server struct {
	Deps
	logger zerolog.Logger
}

func New(deps Deps) *Server {
	if deps.Catalog == nil {
		if deps.Checkout != nil {
			deps.Catalog = deps.Checkout.Catalog()
		} else {
			deps.Catalog = payments.DefaultCatalog()
		}
	}
	return &Server{Deps: deps, logger: deps.Logger.With().Str("component", "http").Logger()}
}

// Router returns the full route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.observe)
	r.Use(middleware.Recoverer)

	r.Route("/api/v1", func(api chi.Router) {
		api.Get("/health", s.handleHealth)
		if s.Metrics != nil {
			api.Method(http.MethodGet, "/metrics", s.Metrics.Handler())
		}
		api.Get("/credits/packages", s.handlePackages)
		api.Post("/webhooks/stripe", s.handleStripeWebhook)

		api.Group(func(private chi.Router) {
			private.Use(s.sessionMiddleware)
			private.With(s.rateLimit).Post("/chat", s.handleChat)
			private.Post("/checkout", s.handleCheckout)
			private.Get("/credits/balance", s.handleBalance)
			private.Get("/credits/transactions", s.handleTransactions)
		})
	})
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusNotFound, errorBody{Error: "not found"})
	})
	return r
}

// observe records request metrics and writes one access log line per
// request.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		s.Metrics.RecordRequestStart()
		defer s.Metrics.RecordRequestEnd()

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		elapsed := time.Since(start)
		s.Metrics.RecordRequest(r.Method, route, status, elapsed)

		evt := s.logger.Info()
		if status >= http.StatusInternalServerError {
			evt = s.logger.Warn()
		}
		evt.Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("route", route).
			Int("status", status).
			Int("bytes", ww.BytesWritten()).
			Dur("duration", elapsed).
			Msg("http request")
	})
}

// sessionMiddleware authenticates the caller and provisions their account on
// first sight.
func (s *Server) sessionMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.Auth == nil {
			s.respondError(w, r, auth.ErrUnauthenticated)
			return
		}
		sess, err := s.Auth.ValidateToken(auth.TokenFromRequest(r))
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		if _, err := s.Ledger.EnsureAccount(r.Context(), sess.AccountID); err != nil {
			s.respondError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithSession(r.Context(), sess)))
	})
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	if s.Limiter == nil {
		return next
	}
	mw := ratelimit.NewMiddleware(s.Limiter, accountKey, s.logger, func(*http.Request) {
		s.Metrics.RecordRateLimitHit("/api/v1/chat")
	})
	return mw.Handler(next)
}

func accountKey(r *http.Request) string {
	sess, _ := auth.SessionFromContext(r.Context())
	return sess.AccountID
}
