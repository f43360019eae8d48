package payments

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
	"golang.org/x/sync/errgroup"

	"github.com/tokligence/tokligence-credits/internal/billing"
	"github.com/tokligence/tokligence-credits/internal/credits"
	"github.com/tokligence/tokligence-credits/internal/hooks"
	"github.com/tokligence/tokligence-credits/internal/ledger"
	"github.com/tokligence/tokligence-credits/internal/ledger/memory"
)

const testSecret = "whsec_test_secret"

func TestDefaultCatalog(t *testing.T) {
	c := DefaultCatalog()
	list := c.List()
	require.Len(t, list, 3)
	require.Equal(t, []string{"small", "medium", "large"}, []string{list[0].Type, list[1].Type, list[2].Type})

	p, err := c.Lookup(" Medium ")
	require.NoError(t, err)
	require.Equal(t, "Professional", p.Name)
	require.Equal(t, 0, p.Credits.Cmp(credits.FromInt(5000)))
	require.Equal(t, "39.99", p.Price())
	require.Equal(t, "Professional - 5000 Credits", p.LineItemName())

	_, err = c.Lookup("gold")
	require.ErrorIs(t, err, ErrUnknownPackage)
}

func TestLoadCatalog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "packages.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
packages:
  trial:
    name: Trial
    credits: 250.5
    price_cents: 199
  Team:
    name: Team
    credits: "20000"
    price_cents: 12900
    currency: EUR
`), 0o600))

	c, err := LoadCatalog(path)
	require.NoError(t, err)
	trial, err := c.Lookup("trial")
	require.NoError(t, err)
	require.Equal(t, "250.5", trial.Credits.String())
	require.Equal(t, "usd", trial.Currency)
	team, err := c.Lookup("team")
	require.NoError(t, err)
	require.Equal(t, "eur", team.Currency)

	require.NoError(t, os.WriteFile(path, []byte("packages:\n  bad: {name: Bad, credits: 0, price_cents: 100}\n"), 0o600))
	_, err = LoadCatalog(path)
	require.Error(t, err)

	c, err = LoadCatalog("")
	require.NoError(t, err)
	require.Len(t, c.List(), 3)
}

type fakeSessions struct {
	params *stripe.CheckoutSessionParams
	err    error
}

func (f *fakeSessions) New(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
	f.params = params
	if f.err != nil {
		return nil, f.err
	}
	return &stripe.CheckoutSession{ID: "cs_test_1", URL: "https://checkout.stripe.test/cs_test_1"}, nil
}

func TestCheckoutStart(t *testing.T) {
	fake := &fakeSessions{}
	co := NewCheckout(fake, "https://app.example/", nil, zerolog.Nop())

	sess, err := co.Start(context.Background(), "u1", "small")
	require.NoError(t, err)
	require.Equal(t, Session{ID: "cs_test_1", RedirectURL: "https://checkout.stripe.test/cs_test_1"}, sess)

	p := fake.params
	require.Equal(t, "payment", *p.Mode)
	require.Equal(t, "u1", *p.ClientReferenceID)
	require.Equal(t, "https://app.example/dashboard?success=true", *p.SuccessURL)
	require.Equal(t, "https://app.example/dashboard?canceled=true", *p.CancelURL)
	require.Len(t, p.LineItems, 1)
	require.Equal(t, int64(999), *p.LineItems[0].PriceData.UnitAmount)
	require.Equal(t, "Starter - 1000 Credits", *p.LineItems[0].PriceData.ProductData.Name)
	require.Equal(t, map[string]string{"user_id": "u1", "credits": "1000", "package_type": "small"}, p.Metadata)
}

func TestCheckoutErrors(t *testing.T) {
	fake := &fakeSessions{err: errors.New("card network down")}
	co := NewCheckout(fake, "https://app.example", nil, zerolog.Nop())

	_, err := co.Start(context.Background(), "u1", "platinum")
	require.ErrorIs(t, err, ErrUnknownPackage)
	require.Nil(t, fake.params, "unknown package must not reach the processor")

	_, err = co.Start(context.Background(), "u1", "large")
	require.ErrorIs(t, err, ErrProcessor)
}

type reconcilerFixture struct {
	store  *memory.Store
	rec    *Reconciler
	mu     sync.Mutex
	events []hooks.Event
}

func newReconcilerFixture(t *testing.T) *reconcilerFixture {
	t.Helper()
	f := &reconcilerFixture{store: memory.New()}
	_, err := f.store.EnsureAccount(context.Background(), "u1")
	require.NoError(t, err)
	dispatcher := hooks.NewDispatcher(func(_ context.Context, evt hooks.Event) error {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.events = append(f.events, evt)
		return nil
	})
	crediter := billing.NewCrediter(f.store, billing.Options{Logger: zerolog.Nop(), Hooks: dispatcher})
	f.rec = NewReconciler(ReconcilerConfig{WebhookSecret: testSecret}, crediter, ReconcilerOptions{Logger: zerolog.Nop(), Hooks: dispatcher})
	return f
}

func (f *reconcilerFixture) balance(t *testing.T) string {
	t.Helper()
	b, err := f.store.Balance(context.Background(), "u1")
	require.NoError(t, err)
	return b.String()
}

func (f *reconcilerFixture) eventTypes() []hooks.EventType {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]hooks.EventType, 0, len(f.events))
	for _, e := range f.events {
		out = append(out, e.Type)
	}
	return out
}

func checkoutEvent(t *testing.T, eventID, eventType string, session map[string]any) []byte {
	t.Helper()
	raw, err := json.Marshal(map[string]any{
		"id":          eventID,
		"object":      "event",
		"type":        eventType,
		"api_version": stripe.APIVersion,
		"created":     time.Now().Unix(),
		"data":        map[string]any{"object": session},
	})
	require.NoError(t, err)
	return raw
}

func paidSession(paymentIntent string) map[string]any {
	return map[string]any{
		"id":                  "cs_test_1",
		"object":              "checkout.session",
		"payment_status":      "paid",
		"payment_intent":      paymentIntent,
		"client_reference_id": "u1",
		"metadata":            map[string]string{"user_id": "u1", "credits": "1000", "package_type": "small"},
	}
}

func sign(payload []byte, at time.Time) string {
	return webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    testSecret,
		Timestamp: at,
	}).Header
}

func TestReconcilerCreditsOnceAcrossReplays(t *testing.T) {
	f := newReconcilerFixture(t)
	payload := checkoutEvent(t, "evt_1", "checkout.session.completed", paidSession("pi_123"))
	header := sign(payload, time.Now())

	first, err := f.rec.Handle(context.Background(), payload, header)
	require.NoError(t, err)
	require.Equal(t, OutcomeCredited, first.Outcome)
	require.Equal(t, "pi_123", first.Reference)
	require.Equal(t, "1000", f.balance(t))

	again, err := f.rec.Handle(context.Background(), payload, header)
	require.NoError(t, err)
	require.Equal(t, OutcomeAlreadyApplied, again.Outcome)
	require.Equal(t, "1000", f.balance(t))

	// The async confirmation for the same payment is a different event but
	// the same payment intent.
	async := checkoutEvent(t, "evt_2", "checkout.session.async_payment_succeeded", paidSession("pi_123"))
	res, err := f.rec.Handle(context.Background(), async, sign(async, time.Now()))
	require.NoError(t, err)
	require.Equal(t, OutcomeAlreadyApplied, res.Outcome)
	require.Equal(t, "1000", f.balance(t))

	txs, err := f.store.ListTransactions(context.Background(), "u1", ledger.Query{})
	require.NoError(t, err)
	require.Len(t, txs, 1)
	require.Equal(t, "Purchased 1000 Credits", txs[0].Description)
	require.Equal(t, []hooks.EventType{hooks.EventPurchaseApplied}, f.eventTypes())
}

func TestReconcilerConcurrentReplays(t *testing.T) {
	f := newReconcilerFixture(t)
	payload := checkoutEvent(t, "evt_1", "checkout.session.completed", paidSession("pi_conc"))
	header := sign(payload, time.Now())

	var g errgroup.Group
	outcomes := make([]Outcome, 10)
	for i := range outcomes {
		g.Go(func() error {
			r, err := f.rec.Handle(context.Background(), payload, header)
			outcomes[i] = r.Outcome
			return err
		})
	}
	require.NoError(t, g.Wait())

	credited := 0
	for _, o := range outcomes {
		if o == OutcomeCredited {
			credited++
		}
	}
	require.Equal(t, 1, credited)
	require.Equal(t, "1000", f.balance(t))

	rec, err := f.store.Reconcile(context.Background(), "u1")
	require.NoError(t, err)
	require.True(t, rec.Balanced())
}

func TestReconcilerRejectsBadSignatures(t *testing.T) {
	f := newReconcilerFixture(t)
	payload := checkoutEvent(t, "evt_1", "checkout.session.completed", paidSession("pi_123"))

	_, err := f.rec.Handle(context.Background(), payload, "t=1,v1=deadbeef")
	require.ErrorIs(t, err, ErrInvalidSignature)

	tampered := append([]byte(nil), payload...)
	header := sign(payload, time.Now())
	tampered = append(tampered, ' ')
	_, err = f.rec.Handle(context.Background(), tampered, header)
	require.ErrorIs(t, err, ErrInvalidSignature)

	_, err = f.rec.Handle(context.Background(), payload, sign(payload, time.Now().Add(-time.Hour)))
	require.ErrorIs(t, err, ErrInvalidSignature)

	require.Equal(t, "0", f.balance(t))
	require.Empty(t, f.eventTypes())
}

func TestReconcilerIgnoresUnpaidAndOtherEvents(t *testing.T) {
	f := newReconcilerFixture(t)

	unpaid := paidSession("pi_123")
	unpaid["payment_status"] = "unpaid"
	payload := checkoutEvent(t, "evt_1", "checkout.session.completed", unpaid)
	res, err := f.rec.Handle(context.Background(), payload, sign(payload, time.Now()))
	require.NoError(t, err)
	require.Equal(t, OutcomeIgnored, res.Outcome)

	other := checkoutEvent(t, "evt_2", "customer.created", map[string]any{"id": "cus_1", "object": "customer"})
	res, err = f.rec.Handle(context.Background(), other, sign(other, time.Now()))
	require.NoError(t, err)
	require.Equal(t, OutcomeIgnored, res.Outcome)

	require.Equal(t, "0", f.balance(t))
}

func TestReconcilerFallsBackToSessionFields(t *testing.T) {
	f := newReconcilerFixture(t)
	sess := map[string]any{
		"id":                  "cs_fallback",
		"object":              "checkout.session",
		"payment_status":      "no_payment_required",
		"client_reference_id": "u1",
		"metadata":            map[string]string{"credits": "12.5"},
	}
	payload := checkoutEvent(t, "evt_1", "checkout.session.completed", sess)
	res, err := f.rec.Handle(context.Background(), payload, sign(payload, time.Now()))
	require.NoError(t, err)
	require.Equal(t, OutcomeCredited, res.Outcome)
	require.Equal(t, "cs_fallback", res.Reference)
	require.Equal(t, "u1", res.AccountID)
	require.Equal(t, "12.5", f.balance(t))
}

func TestReconcilerMalformedAndFailedEvents(t *testing.T) {
	f := newReconcilerFixture(t)

	noCredits := paidSession("pi_1")
	noCredits["metadata"] = map[string]string{"user_id": "u1"}
	payload := checkoutEvent(t, "evt_1", "checkout.session.completed", noCredits)
	_, err := f.rec.Handle(context.Background(), payload, sign(payload, time.Now()))
	require.ErrorIs(t, err, ErrMalformedEvent)

	negative := paidSession("pi_2")
	negative["metadata"] = map[string]string{"user_id": "u1", "credits": "-5"}
	payload = checkoutEvent(t, "evt_2", "checkout.session.completed", negative)
	_, err = f.rec.Handle(context.Background(), payload, sign(payload, time.Now()))
	require.ErrorIs(t, err, ErrMalformedEvent)

	stranger := paidSession("pi_3")
	stranger["metadata"] = map[string]string{"user_id": "ghost", "credits": "10"}
	payload = checkoutEvent(t, "evt_3", "checkout.session.completed", stranger)
	res, err := f.rec.Handle(context.Background(), payload, sign(payload, time.Now()))
	require.ErrorIs(t, err, ledger.ErrAccountNotFound)
	require.NotErrorIs(t, err, ErrMalformedEvent)
	require.Equal(t, OutcomeFailed, res.Outcome)

	require.Equal(t, []hooks.EventType{hooks.EventWebhookFailed, hooks.EventWebhookFailed, hooks.EventWebhookFailed}, f.eventTypes())
	require.Equal(t, "0", f.balance(t))
}
