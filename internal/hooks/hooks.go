// Package hooks fans ledger lifecycle events out to operator handlers such as
// audit sinks, notification scripts or CRM bridges.
package hooks

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// EventType names a ledger lifecycle transition.
type EventType string

const (
	// EventPurchaseApplied fires once per newly credited payment.
	EventPurchaseApplied EventType = "credits.purchase.applied"
	// EventRefundApplied fires once per newly applied refund.
	EventRefundApplied EventType = "credits.refund.applied"
	// EventBalanceDepleted fires when a deduction leaves the balance at zero.
	EventBalanceDepleted EventType = "credits.balance.depleted"
	// EventWebhookFailed fires when a verified payment notification could not
	// be applied and needs manual follow-up.
	EventWebhookFailed EventType = "credits.webhook.failed"
)

// Event is the envelope handed to every handler.
type Event struct {
	ID         string            `json:"id"`
	Type       EventType         `json:"type"`
	OccurredAt time.Time         `json:"occurred_at"`
	AccountID  string            `json:"account_id"`
	Amount     string            `json:"amount,omitempty"`
	Balance    string            `json:"balance,omitempty"`
	Reference  string            `json:"reference,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// NewEvent stamps an id and timestamp on a new event.
func NewEvent(t EventType, accountID string) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       t,
		OccurredAt: time.Now().UTC(),
		AccountID:  accountID,
	}
}

// Handler reacts to an Event. Implementations should be idempotent.
type Handler func(context.Context, Event) error

// Dispatcher runs handlers sequentially in registration order. A nil
// *Dispatcher drops events.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers []Handler
}

func NewDispatcher(handlers ...Handler) *Dispatcher {
	d := &Dispatcher{}
	for _, h := range handlers {
		d.Register(h)
	}
	return d
}

func (d *Dispatcher) Register(h Handler) {
	if h == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers = append(d.handlers, h)
}

// Emit delivers evt to every handler and joins their errors.
func (d *Dispatcher) Emit(ctx context.Context, evt Event) error {
	if d == nil {
		return nil
	}
	d.mu.RLock()
	handlers := append([]Handler(nil), d.handlers...)
	d.mu.RUnlock()

	var errs []error
	for _, h := range handlers {
		if err := h(ctx, evt); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogHandler writes each event to logger at info level.
func LogHandler(logger zerolog.Logger) Handler {
	return func(_ context.Context, evt Event) error {
		logger.Info().
			Str("event_id", evt.ID).
			Str("event", string(evt.Type)).
			Str("account_id", evt.AccountID).
			Str("amount", evt.Amount).
			Str("balance", evt.Balance).
			Str("reference", evt.Reference).
			Msg("ledger event")
		return nil
	}
}
