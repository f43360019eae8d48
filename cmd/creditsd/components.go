package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/tokligence/tokligence-credits/internal/adapter"
	"github.com/tokligence/tokligence-credits/internal/adapter/loopback"
	adapteropenai "github.com/tokligence/tokligence-credits/internal/adapter/openai"
	"github.com/tokligence/tokligence-credits/internal/auth"
	"github.com/tokligence/tokligence-credits/internal/billing"
	"github.com/tokligence/tokligence-credits/internal/bootstrap"
	"github.com/tokligence/tokligence-credits/internal/config"
	"github.com/tokligence/tokligence-credits/internal/health"
	"github.com/tokligence/tokligence-credits/internal/hooks"
	"github.com/tokligence/tokligence-credits/internal/httpserver"
	"github.com/tokligence/tokligence-credits/internal/metering"
	"github.com/tokligence/tokligence-credits/internal/metrics"
	"github.com/tokligence/tokligence-credits/internal/payments"
	"github.com/tokligence/tokligence-credits/internal/pricing"
	"github.com/tokligence/tokligence-credits/internal/ratelimit"
)

// application owns every long-lived component and closes them in reverse
// order of construction.
type application struct {
	deps    httpserver.Deps
	closers []io.Closer
}

func (a *application) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (a *application) track(c io.Closer) {
	a.closers = append(a.closers, c)
}

func build(ctx context.Context, cfg config.Config, logger zerolog.Logger) (app *application, err error) {
	app = &application{}
	defer func() {
		if err != nil {
			app.Close()
		}
	}()

	var collector *metrics.Collector
	if cfg.Server.MetricsEnabled {
		collector = metrics.NewCollector()
	}
	checker := health.New(health.Config{Timeout: 3 * time.Second})

	if cfg.Ledger.Backend == "memory" {
		logger.Warn().Msg("memory ledger selected; balances are lost on restart")
	}
	stores, err := bootstrap.OpenStores(cfg.Ledger)
	if err != nil {
		return app, err
	}
	app.track(stores)
	for name, p := range stores.Pingers() {
		checker.AddDatabase(name, p)
	}
	store, convs := stores.Ledger, stores.Conversations

	dispatcher := hooks.NewDispatcher(hooks.LogHandler(logger.With().Str("component", "hooks").Logger()))
	if h := cfg.HookScript().Handler(); h != nil {
		dispatcher.Register(h)
		logger.Info().Str("command", cfg.Hooks.Command).Msg("hook script enabled")
	}

	table := pricing.DefaultTable()
	if cfg.Billing.PricingFile != "" {
		if table, err = pricing.LoadFile(cfg.Billing.PricingFile); err != nil {
			return app, fmt.Errorf("load pricing: %w", err)
		}
	}
	catalog, err := payments.LoadCatalog(cfg.Billing.CatalogFile)
	if err != nil {
		return app, fmt.Errorf("load catalog: %w", err)
	}

	provider, err := newProvider(cfg, checker)
	if err != nil {
		return app, err
	}

	opts := billing.Options{Logger: logger, Metrics: collector, Hooks: dispatcher}
	orch := metering.New(metering.Deps{
		Balances:      store,
		Provider:      provider,
		Pricing:       pricing.NewCalculator(table),
		Deductor:      billing.NewDeductor(store, opts),
		Conversations: convs,
		Logger:        logger,
		Metrics:       collector,
	}, metering.Config{
		ProviderTimeout:        cfg.Provider.Timeout,
		HistoryLimit:           cfg.Provider.HistoryLimit,
		MaxMessageBytes:        cfg.Provider.MaxMessageBytes,
		RequirePositiveBalance: cfg.Billing.RequirePositiveBalance,
		SystemPrompt:           cfg.Provider.SystemPrompt,
	})

	authManager, err := auth.NewManager(cfg.Auth.Secret)
	if err != nil {
		return app, err
	}

	app.deps = httpserver.Deps{
		Ledger:       store,
		Orchestrator: orch,
		Catalog:      catalog,
		Auth:         authManager,
		Health:       checker,
		Metrics:      collector,
		Logger:       logger,
	}
	if cfg.Stripe.SecretKey != "" {
		app.deps.Checkout = payments.NewStripeCheckout(payments.CheckoutConfig{
			SecretKey: cfg.Stripe.SecretKey,
			AppURL:    cfg.Server.AppURL,
		}, catalog, logger)
		app.deps.Reconciler = payments.NewReconciler(payments.ReconcilerConfig{
			WebhookSecret: cfg.Stripe.WebhookSecret,
			Tolerance:     cfg.Stripe.WebhookTolerance,
		}, billing.NewCrediter(store, opts), payments.ReconcilerOptions{
			Logger:  logger,
			Metrics: collector,
			Hooks:   dispatcher,
		})
		checker.AddHTTP("stripe", "https://api.stripe.com")
	} else {
		logger.Warn().Msg("stripe.secret_key not set; checkout and webhooks disabled")
	}

	if cfg.RateLimit.Enabled {
		limiter, err := newLimiter(ctx, cfg, logger, checker)
		if err != nil {
			return app, err
		}
		app.track(limiter)
		app.deps.Limiter = limiter
	}
	return app, nil
}

func newProvider(cfg config.Config, checker *health.Checker) (adapter.ChatAdapter, error) {
	switch cfg.Provider.Name {
	case "openai":
		a, err := adapteropenai.New(adapteropenai.Config{
			APIKey:         cfg.Provider.APIKey,
			BaseURL:        cfg.Provider.BaseURL,
			Organization:   cfg.Provider.Organization,
			RequestTimeout: cfg.Provider.Timeout,
			HTTPClient:     &http.Client{Timeout: cfg.Provider.Timeout},
		})
		if err != nil {
			return nil, fmt.Errorf("openai adapter: %w", err)
		}
		baseURL := cfg.Provider.BaseURL
		if baseURL == "" {
			baseURL = "https://api.openai.com/v1"
		}
		checker.AddHTTP("provider", baseURL)
		return a, nil
	default:
		return loopback.New(), nil
	}
}

func newLimiter(ctx context.Context, cfg config.Config, logger zerolog.Logger, checker *health.Checker) (*ratelimit.Limiter, error) {
	var store ratelimit.Store
	if cfg.RateLimit.RedisURL != "" {
		rs, err := ratelimit.NewRedisStoreFromURL(ctx, cfg.RateLimit.RedisURL, cfg.RateLimit.KeyPrefix)
		if err != nil {
			return nil, fmt.Errorf("rate limit redis: %w", err)
		}
		checker.AddCache("ratelimit", rs)
		store = rs
	}
	return ratelimit.NewLimiter(ratelimit.Config{
		Store:             store,
		RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
		BurstSize:         cfg.RateLimit.Burst,
		Logger:            logger,
	}), nil
}
