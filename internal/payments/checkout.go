package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/stripe/stripe-go/v82"
	checkoutsession "github.com/stripe/stripe-go/v82/checkout/session"

	"github.com/tokligence/tokligence-credits/internal/credits"
)

// ErrProcessor wraps failures reported by the payment processor.
var ErrProcessor = errors.New("payments: processor error")

// Metadata keys written on every checkout session and read back by the
// Reconciler.
const (
	MetadataUserID      = "user_id"
	MetadataCredits     = "credits"
	MetadataPackageType = "package_type"
)

// SessionCreator creates Stripe Checkout sessions. checkoutsession.Client
// satisfies it.
type SessionCreator interface {
	New(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
}

type CheckoutConfig struct {
	SecretKey string
	// AppURL is the public base URL the payment page redirects back to.
	AppURL string
	// Backend overrides the Stripe API backend; nil uses the default.
	Backend stripe.Backend
}

// Session is what the client needs to continue to the payment page.
type Session struct {
	ID          string `json:"session_id"`
	RedirectURL string `json:"redirect_url"`
}

// Checkout starts hosted payment sessions for catalog packages.
type Checkout struct {
	catalog  *Catalog
	sessions SessionCreator
	appURL   string
	logger   zerolog.Logger
}

// NewStripeCheckout talks to the Stripe API with cfg.SecretKey.
func NewStripeCheckout(cfg CheckoutConfig, catalog *Catalog, logger zerolog.Logger) *Checkout {
	backend := cfg.Backend
	if backend == nil {
		backend = stripe.GetBackend(stripe.APIBackend)
	}
	return NewCheckout(checkoutsession.Client{B: backend, Key: cfg.SecretKey}, cfg.AppURL, catalog, logger)
}

func NewCheckout(sessions SessionCreator, appURL string, catalog *Catalog, logger zerolog.Logger) *Checkout {
	if catalog == nil {
		catalog = DefaultCatalog()
	}
	return &Checkout{
		catalog:  catalog,
		sessions: sessions,
		appURL:   strings.TrimRight(appURL, "/"),
		logger:   logger.With().Str("component", "checkout").Logger(),
	}
}

func (c *Checkout) Catalog() *Catalog { return c.catalog }

// Start creates a checkout session for packageType on behalf of accountID.
// No ledger state changes here; credits arrive through the webhook.
func (c *Checkout) Start(ctx context.Context, accountID, packageType string) (Session, error) {
	pkg, err := c.catalog.Lookup(packageType)
	if err != nil {
		return Session{}, err
	}
	params := SessionParams(pkg, accountID, c.appURL)
	params.Context = ctx

	sess, err := c.sessions.New(params)
	if err != nil {
		c.logger.Error().Err(err).Str("account_id", accountID).Str("package_type", pkg.Type).Msg("create checkout session failed")
		return Session{}, fmt.Errorf("%w: %w", ErrProcessor, err)
	}
	c.logger.Info().
		Str("account_id", accountID).
		Str("package_type", pkg.Type).
		Str("session_id", sess.ID).
		Msg("checkout session created")
	return Session{ID: sess.ID, RedirectURL: sess.URL}, nil
}

// SessionParams builds the Stripe request for one package purchase.
func SessionParams(pkg Package, accountID, appURL string) *stripe.CheckoutSessionParams {
	return &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		ClientReferenceID: stripe.String(accountID),
		SuccessURL:        stripe.String(appURL + "/dashboard?success=true"),
		CancelURL:         stripe.String(appURL + "/dashboard?canceled=true"),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency: stripe.String(pkg.Currency),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripe.String(pkg.LineItemName()),
					},
					UnitAmount: stripe.Int64(pkg.PriceCents),
				},
				Quantity: stripe.Int64(1),
			},
		},
		Metadata: map[string]string{
			MetadataUserID:      accountID,
			MetadataCredits:     pkg.Credits.String(),
			MetadataPackageType: pkg.Type,
		},
	}
}

// creditsFromMetadata parses the purchased amount recorded on a session.
func creditsFromMetadata(md map[string]string) (credits.Amount, error) {
	raw, ok := md[MetadataCredits]
	if !ok || strings.TrimSpace(raw) == "" {
		return credits.Amount{}, errors.New("metadata.credits missing")
	}
	amount, err := credits.Parse(strings.TrimSpace(raw))
	if err != nil {
		return credits.Amount{}, fmt.Errorf("metadata.credits: %w", err)
	}
	if amount.Sign() <= 0 {
		return credits.Amount{}, fmt.Errorf("metadata.credits must be > 0, got %s", amount)
	}
	return amount, nil
}
