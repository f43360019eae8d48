package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tokligence/tokligence-credits/internal/billing"
	"github.com/tokligence/tokligence-credits/internal/credits"
	"github.com/tokligence/tokligence-credits/internal/hooks"
	"github.com/tokligence/tokligence-credits/internal/metrics"
	"github.com/tokligence/tokligence-credits/internal/tracing"
)

var (
	ErrInvalidSignature = errors.New("payments: invalid webhook signature")
	ErrMalformedEvent   = errors.New("payments: malformed webhook event")
)

// Outcome classifies a handled notification.
type Outcome string

const (
	OutcomeCredited       Outcome = "credited"
	OutcomeAlreadyApplied Outcome = "already_applied"
	OutcomeIgnored        Outcome = "ignored"
	OutcomeFailed         Outcome = "error"
)

// DefaultTolerance bounds the age of a signed notification.
const DefaultTolerance = 300 * time.Second

// Receipt describes what Handle did with one notification.
type Receipt struct {
	Outcome   Outcome
	EventID   string
	EventType string
	AccountID string
	Amount    credits.Amount
	Reference string
	Balance   credits.Amount
}

type ReconcilerConfig struct {
	WebhookSecret string
	Tolerance     time.Duration
}

type ReconcilerOptions struct {
	Logger  zerolog.Logger
	Metrics *metrics.Collector
	Hooks   *hooks.Dispatcher
}

// Reconciler turns verified checkout notifications into purchase credits.
// Stripe retries deliveries, so the same payment may arrive many times; the
// Crediter keys on the payment reference and applies it once.
type Reconciler struct {
	secret    string
	tolerance time.Duration
	crediter  *billing.Crediter
	logger    zerolog.Logger
	metrics   *metrics.Collector
	hooks     *hooks.Dispatcher
	tracer    trace.Tracer
}

func NewReconciler(cfg ReconcilerConfig, crediter *billing.Crediter, opts ReconcilerOptions) *Reconciler {
	tolerance := cfg.Tolerance
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	return &Reconciler{
		secret:    cfg.WebhookSecret,
		tolerance: tolerance,
		crediter:  crediter,
		logger:    opts.Logger.With().Str("component", "reconciler").Logger(),
		metrics:   opts.Metrics,
		hooks:     opts.Hooks,
		tracer:    tracing.Tracer("payments"),
	}
}

// Handle verifies and applies one notification. ErrInvalidSignature and
// ErrMalformedEvent mean the payload was rejected; any other error is a
// crediting failure on a verified event, which callers should still
// acknowledge so the processor stops retrying.
func (r *Reconciler) Handle(ctx context.Context, payload []byte, signatureHeader string) (Receipt, error) {
	ctx, span := r.tracer.Start(ctx, "payments.Webhook")
	defer span.End()

	if r.secret == "" {
		r.metrics.RecordWebhook("unknown", "invalid_signature")
		return Receipt{}, fmt.Errorf("%w: webhook secret not configured", ErrInvalidSignature)
	}
	if err := webhook.ValidatePayloadWithTolerance(payload, signatureHeader, r.secret, r.tolerance); err != nil {
		r.metrics.RecordWebhook("unknown", "invalid_signature")
		r.logger.Warn().Err(err).Msg("webhook signature rejected")
		span.SetStatus(codes.Error, "invalid signature")
		return Receipt{}, fmt.Errorf("%w: %w", ErrInvalidSignature, err)
	}
	event, err := webhook.ConstructEventWithOptions(payload, signatureHeader, r.secret, webhook.ConstructEventOptions{
		Tolerance:                r.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		r.metrics.RecordWebhook("unknown", "malformed")
		return Receipt{}, fmt.Errorf("%w: %w", ErrMalformedEvent, err)
	}

	eventType := string(event.Type)
	span.SetAttributes(attribute.String("stripe.event_id", event.ID), attribute.String("stripe.event_type", eventType))
	logger := r.logger.With().Str("event_id", event.ID).Str("event_type", eventType).Logger()
	receipt := Receipt{EventID: event.ID, EventType: eventType}

	switch event.Type {
	case stripe.EventTypeCheckoutSessionCompleted, stripe.EventTypeCheckoutSessionAsyncPaymentSucceeded:
	default:
		logger.Debug().Msg("webhook event ignored")
		receipt.Outcome = OutcomeIgnored
		r.metrics.RecordWebhook(eventType, string(receipt.Outcome))
		return receipt, nil
	}

	purchase, paid, err := extractPurchase(event)
	if err != nil {
		logger.Error().Err(err).Msg("checkout event could not be read")
		r.metrics.RecordWebhook(eventType, "malformed")
		r.emitFailure(ctx, logger, receipt, err)
		span.SetStatus(codes.Error, "malformed")
		return receipt, fmt.Errorf("%w: %w", ErrMalformedEvent, err)
	}
	receipt.AccountID = purchase.accountID
	receipt.Amount = purchase.amount
	receipt.Reference = purchase.reference
	if !paid {
		logger.Info().Str("reference", purchase.reference).Msg("checkout not paid yet; waiting for async confirmation")
		receipt.Outcome = OutcomeIgnored
		r.metrics.RecordWebhook(eventType, string(receipt.Outcome))
		return receipt, nil
	}

	credit, err := r.crediter.Credit(ctx, purchase.accountID, purchase.amount, purchase.reference, billing.PurchaseDescription(purchase.amount))
	if err != nil {
		logger.Error().Err(err).
			Str("account_id", purchase.accountID).
			Str("reference", purchase.reference).
			Str("amount", purchase.amount.String()).
			Msg("verified payment could not be credited")
		receipt.Outcome = OutcomeFailed
		r.metrics.RecordWebhook(eventType, string(receipt.Outcome))
		r.emitFailure(ctx, logger, receipt, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "credit failed")
		return receipt, err
	}

	receipt.Balance = credit.Balance
	receipt.Outcome = OutcomeCredited
	if credit.AlreadyApplied {
		receipt.Outcome = OutcomeAlreadyApplied
	}
	r.metrics.RecordWebhook(eventType, string(receipt.Outcome))
	logger.Info().
		Str("account_id", purchase.accountID).
		Str("reference", purchase.reference).
		Str("outcome", string(receipt.Outcome)).
		Msg("checkout reconciled")
	return receipt, nil
}

func (r *Reconciler) emitFailure(ctx context.Context, logger zerolog.Logger, receipt Receipt, cause error) {
	evt := hooks.NewEvent(hooks.EventWebhookFailed, receipt.AccountID)
	evt.Reference = receipt.Reference
	if !receipt.Amount.IsZero() {
		evt.Amount = receipt.Amount.String()
	}
	evt.Metadata = map[string]string{
		"stripe_event_id":   receipt.EventID,
		"stripe_event_type": receipt.EventType,
		"error":             cause.Error(),
	}
	if err := r.hooks.Emit(context.WithoutCancel(ctx), evt); err != nil {
		logger.Warn().Err(err).Msg("webhook failure hook failed")
	}
}

type purchase struct {
	accountID string
	amount    credits.Amount
	reference string
}

// extractPurchase reads the account, amount and payment reference from a
// checkout session event. paid is false while payment is still pending.
func extractPurchase(event stripe.Event) (purchase, bool, error) {
	if event.Data == nil || len(event.Data.Raw) == 0 {
		return purchase{}, false, errors.New("event has no data object")
	}
	var sess stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
		return purchase{}, false, fmt.Errorf("decode checkout session: %w", err)
	}
	if sess.ID == "" {
		return purchase{}, false, errors.New("checkout session id missing")
	}

	p := purchase{reference: sess.ID}
	if sess.PaymentIntent != nil && sess.PaymentIntent.ID != "" {
		p.reference = sess.PaymentIntent.ID
	}
	p.accountID = strings.TrimSpace(sess.Metadata[MetadataUserID])
	if p.accountID == "" {
		p.accountID = strings.TrimSpace(sess.ClientReferenceID)
	}
	if p.accountID == "" {
		return p, false, fmt.Errorf("session %s: no account in metadata or client_reference_id", sess.ID)
	}
	amount, err := creditsFromMetadata(sess.Metadata)
	if err != nil {
		return p, false, fmt.Errorf("session %s: %w", sess.ID, err)
	}
	p.amount = amount
	return p, sess.PaymentStatus != stripe.CheckoutSessionPaymentStatusUnpaid, nil
}
