// Package ratelimit throttles chat requests per account with a token bucket,
// kept in process memory or in Redis when several instances share limits.
package ratelimit

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Store keeps one bucket per key.
type Store interface {
	// Allow consumes one token from key's bucket.
	Allow(ctx context.Context, key string, capacity, refillRate float64) (allowed bool, remaining float64, err error)
	Remaining(ctx context.Context, key string, capacity, refillRate float64) (float64, error)
	Reset(ctx context.Context, key string) error
	Close() error
}

type Config struct {
	// Store defaults to a MemoryStore.
	Store Store

	RequestsPerSecond float64
	BurstSize         float64
	Logger            zerolog.Logger
}

func DefaultConfig() Config {
	return Config{RequestsPerSecond: 1, BurstSize: 20}
}

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed    bool
	Remaining  float64
	Limit      float64
	RetryAfter time.Duration
}

type Limiter struct {
	store      Store
	capacity   float64
	refillRate float64
	logger     zerolog.Logger
}

func NewLimiter(cfg Config) *Limiter {
	def := DefaultConfig()
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = def.RequestsPerSecond
	}
	if cfg.BurstSize <= 0 {
		cfg.BurstSize = def.BurstSize
	}
	store := cfg.Store
	if store == nil {
		store = NewMemoryStore()
	}
	return &Limiter{
		store:      store,
		capacity:   cfg.BurstSize,
		refillRate: cfg.RequestsPerSecond,
		logger:     cfg.Logger.With().Str("component", "ratelimit").Logger(),
	}
}

// Allow checks accountID's bucket. Store failures let the request through.
func (l *Limiter) Allow(ctx context.Context, accountID string) Decision {
	d := Decision{Allowed: true, Remaining: l.capacity, Limit: l.capacity}
	if accountID == "" {
		return d
	}
	allowed, remaining, err := l.store.Allow(ctx, accountID, l.capacity, l.refillRate)
	if err != nil {
		l.logger.Warn().Err(err).Str("account_id", accountID).Msg("rate limit store unavailable; allowing request")
		return d
	}
	d.Allowed = allowed
	d.Remaining = remaining
	if !allowed {
		d.RetryAfter = waitFor(remaining, l.refillRate)
	}
	return d
}

func (l *Limiter) Remaining(ctx context.Context, accountID string) float64 {
	remaining, err := l.store.Remaining(ctx, accountID, l.capacity, l.refillRate)
	if err != nil {
		return l.capacity
	}
	return remaining
}

func (l *Limiter) Reset(ctx context.Context, accountID string) error {
	return l.store.Reset(ctx, accountID)
}

func (l *Limiter) Close() error {
	return l.store.Close()
}
