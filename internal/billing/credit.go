package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/tokligence/tokligence-credits/internal/credits"
	"github.com/tokligence/tokligence-credits/internal/hooks"
	"github.com/tokligence/tokligence-credits/internal/ledger"
)

// Credit reports the outcome of a Credit or Refund call.
type Credit struct {
	Amount  credits.Amount
	Balance credits.Amount
	// AlreadyApplied is set when the reference had been applied before and
	// this call changed nothing.
	AlreadyApplied bool
}

// Crediter applies purchases and refunds exactly once per external reference.
type Crediter struct {
	store ledger.Store
	deps
}

func NewCrediter(store ledger.Store, opts Options) *Crediter {
	return &Crediter{store: store, deps: newDeps(opts, "crediter")}
}

// Credit adds a confirmed purchase. Replays of the same reference return
// success with AlreadyApplied set.
func (c *Crediter) Credit(ctx context.Context, accountID string, amount credits.Amount, reference, description string) (Credit, error) {
	if description == "" {
		description = PurchaseDescription(amount)
	}
	return c.apply(ctx, accountID, ledger.KindPurchase, amount, reference, description)
}

// Refund returns credits to an account, keyed on the refund's own reference.
func (c *Crediter) Refund(ctx context.Context, accountID string, amount credits.Amount, reference, description string) (Credit, error) {
	if description == "" {
		description = fmt.Sprintf("Refunded %s Credits", amount)
	}
	return c.apply(ctx, accountID, ledger.KindRefund, amount, reference, description)
}

func (c *Crediter) apply(ctx context.Context, accountID string, kind ledger.Kind, amount credits.Amount, reference, description string) (Credit, error) {
	reference = strings.TrimSpace(reference)
	if amount.Sign() <= 0 {
		return Credit{}, fmt.Errorf("%w: %s must be > 0, got %s", ErrInvalidAmount, kind, amount)
	}
	if reference == "" {
		return Credit{}, ErrMissingReference
	}

	ctx, span := c.tracer.Start(ctx, "billing.Credit")
	defer span.End()
	span.SetAttributes(
		attribute.String("account.id", accountID),
		attribute.String("credits.kind", string(kind)),
		attribute.String("credits.amount", amount.String()),
		attribute.String("payment.reference", reference),
	)

	logger := c.logger.With().Str("account_id", accountID).Str("reference", reference).Str("kind", string(kind)).Logger()
	balance, err := c.store.Apply(ctx, accountID, ledger.Entry{
		Kind:              kind,
		Amount:            amount,
		Description:       description,
		ExternalReference: reference,
	})
	switch {
	case err == nil:
	case errors.Is(err, ledger.ErrDuplicateReference):
		span.SetAttributes(attribute.Bool("credits.already_applied", true))
		current, berr := c.store.Balance(ctx, accountID)
		if berr != nil {
			return Credit{}, berr
		}
		logger.Info().Msg("reference already applied")
		return Credit{Amount: amount, Balance: current, AlreadyApplied: true}, nil
	default:
		c.metrics.RecordLedgerError(ledgerReason(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, ledgerReason(err))
		logger.Error().Err(err).Str("amount", amount.String()).Msg("credit failed")
		return Credit{}, err
	}

	c.metrics.RecordCredit(string(kind), amount.Float64())
	logger.Info().Str("amount", amount.String()).Str("balance", balance.String()).Msg("credits applied")

	evtType := hooks.EventPurchaseApplied
	if kind == ledger.KindRefund {
		evtType = hooks.EventRefundApplied
	}
	evt := hooks.NewEvent(evtType, accountID)
	evt.Amount = amount.String()
	evt.Balance = balance.String()
	evt.Reference = reference
	if err := c.hooks.Emit(ctx, evt); err != nil {
		logger.Warn().Err(err).Msg("credit hook failed")
	}
	return Credit{Amount: amount, Balance: balance}, nil
}

// PurchaseDescription renders the audit text stored on purchase transactions.
func PurchaseDescription(amount credits.Amount) string {
	return fmt.Sprintf("Purchased %s Credits", amount)
}
