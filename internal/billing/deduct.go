package billing

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/tokligence/tokligence-credits/internal/credits"
	"github.com/tokligence/tokligence-credits/internal/hooks"
	"github.com/tokligence/tokligence-credits/internal/ledger"
	"github.com/tokligence/tokligence-credits/internal/pricing"
)

// Deduction reports the outcome of a successful Deduct.
type Deduction struct {
	Charged   credits.Amount
	Remaining credits.Amount
}

// Deductor debits usage. It never reads a balance to decide whether a debit
// may proceed; the store's Apply makes that decision atomically.
type Deductor struct {
	store ledger.Store
	deps
}

func NewDeductor(store ledger.Store, opts Options) *Deductor {
	return &Deductor{store: store, deps: newDeps(opts, "deductor")}
}

// Deduct charges amount for usage. A zero amount records nothing and returns
// the current balance. ledger.ErrInsufficientBalance leaves state unchanged.
func (d *Deductor) Deduct(ctx context.Context, accountID string, amount credits.Amount, usage pricing.Usage) (Deduction, error) {
	if amount.IsNegative() {
		return Deduction{}, fmt.Errorf("%w: deduction must be >= 0, got %s", ErrInvalidAmount, amount)
	}
	ctx, span := d.tracer.Start(ctx, "billing.Deduct")
	defer span.End()
	span.SetAttributes(
		attribute.String("account.id", accountID),
		attribute.String("credits.amount", amount.String()),
		attribute.String("llm.model", usage.Model),
	)

	if amount.IsZero() {
		balance, err := d.store.Balance(ctx, accountID)
		if err != nil {
			return Deduction{}, err
		}
		return Deduction{Remaining: balance}, nil
	}

	entry := ledger.Entry{
		Kind:        ledger.KindUsage,
		Amount:      amount.Neg(),
		Description: UsageDescription(usage, amount),
	}
	remaining, err := d.store.Apply(ctx, accountID, entry)
	if err != nil {
		d.metrics.RecordLedgerError(ledgerReason(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, ledgerReason(err))
		if errors.Is(err, ledger.ErrInsufficientBalance) {
			d.logger.Info().Str("account_id", accountID).Str("amount", amount.String()).Msg("deduction rejected: insufficient balance")
			return Deduction{}, err
		}
		d.logger.Error().Err(err).Str("account_id", accountID).Str("amount", amount.String()).Msg("deduction failed")
		return Deduction{}, err
	}

	d.metrics.RecordDeduction(usage.Model, amount.Float64())
	d.logger.Debug().Str("account_id", accountID).Str("amount", amount.String()).Str("remaining", remaining.String()).Msg("usage deducted")
	if remaining.IsZero() {
		evt := hooks.NewEvent(hooks.EventBalanceDepleted, accountID)
		evt.Amount = amount.String()
		evt.Balance = remaining.String()
		if err := d.hooks.Emit(ctx, evt); err != nil {
			d.logger.Warn().Err(err).Str("account_id", accountID).Msg("balance depleted hook failed")
		}
	}
	return Deduction{Charged: amount, Remaining: remaining}, nil
}

// UsageDescription renders the audit text stored on usage transactions.
func UsageDescription(usage pricing.Usage, cost credits.Amount) string {
	return fmt.Sprintf("Used %d tokens (%s credits) - %s", usage.TotalTokens(), cost.Fixed(4), usage.Model)
}
