// Package billing holds the two services allowed to move credits: the
// Deductor for metered usage and the Crediter for purchases and refunds. Both
// delegate every mutation to a single ledger.Store.Apply call.
package billing

import (
	"errors"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"github.com/tokligence/tokligence-credits/internal/hooks"
	"github.com/tokligence/tokligence-credits/internal/ledger"
	"github.com/tokligence/tokligence-credits/internal/metrics"
	"github.com/tokligence/tokligence-credits/internal/tracing"
)

var (
	ErrInvalidAmount    = errors.New("billing: invalid amount")
	ErrMissingReference = errors.New("billing: external reference required")
)

// Options carries the optional collaborators shared by both services.
type Options struct {
	Logger  zerolog.Logger
	Metrics *metrics.Collector
	Hooks   *hooks.Dispatcher
}

type deps struct {
	logger  zerolog.Logger
	metrics *metrics.Collector
	hooks   *hooks.Dispatcher
	tracer  trace.Tracer
}

func newDeps(opts Options, component string) deps {
	return deps{
		logger:  opts.Logger.With().Str("component", component).Logger(),
		metrics: opts.Metrics,
		hooks:   opts.Hooks,
		tracer:  tracing.Tracer("billing"),
	}
}

// ledgerReason is the metrics label for a rejected Apply.
func ledgerReason(err error) string {
	switch {
	case errors.Is(err, ledger.ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, ledger.ErrDuplicateReference):
		return "duplicate_reference"
	case errors.Is(err, ledger.ErrAccountNotFound):
		return "account_not_found"
	}
	return "internal"
}
