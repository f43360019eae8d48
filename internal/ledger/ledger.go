// Package ledger defines the credit ledger contract: per-account balances plus
// an append-only transaction log that always reconciles with them.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tokligence/tokligence-credits/internal/credits"
)

var (
	ErrAccountNotFound     = errors.New("ledger: account not found")
	ErrInsufficientBalance = errors.New("ledger: insufficient balance")
	ErrDuplicateReference  = errors.New("ledger: duplicate external reference")
	ErrInvalidEntry        = errors.New("ledger: invalid entry")
)

// Kind classifies why a balance changed.
type Kind string

const (
	KindPurchase Kind = "purchase"
	KindUsage    Kind = "usage"
	KindRefund   Kind = "refund"
)

func (k Kind) Valid() bool {
	switch k {
	case KindPurchase, KindUsage, KindRefund:
		return true
	}
	return false
}

// Account holds the current balance for one user.
type Account struct {
	ID        string         `json:"id"`
	Balance   credits.Amount `json:"balance"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Entry is a balance change submitted to Store.Apply.
type Entry struct {
	Kind              Kind
	Amount            credits.Amount
	Description       string
	ExternalReference string
}

// Validate checks that the sign of Amount matches Kind. Usage entries debit,
// purchases and refunds credit, and zero-valued entries are never recorded.
func (e Entry) Validate() error {
	if !e.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidEntry, e.Kind)
	}
	switch {
	case e.Amount.IsZero():
		return fmt.Errorf("%w: zero amount", ErrInvalidEntry)
	case e.Kind == KindUsage && e.Amount.Sign() > 0:
		return fmt.Errorf("%w: usage must be negative", ErrInvalidEntry)
	case e.Kind != KindUsage && e.Amount.Sign() < 0:
		return fmt.Errorf("%w: %s must be positive", ErrInvalidEntry, e.Kind)
	}
	return nil
}

// Normalized returns e with its amount quantized to the ledger scale.
func (e Entry) Normalized() Entry {
	e.Amount = e.Amount.Round(credits.Scale)
	return e
}

// Transaction is an immutable ledger record.
type Transaction struct {
	ID                string         `json:"id"`
	AccountID         string         `json:"account_id"`
	Kind              Kind           `json:"kind"`
	Amount            credits.Amount `json:"amount"`
	BalanceAfter      credits.Amount `json:"balance_after"`
	Description       string         `json:"description"`
	ExternalReference string         `json:"external_reference,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
}

// Query filters ListTransactions. Zero Limit means DefaultListLimit.
type Query struct {
	Limit int
	Kind  Kind
}

const (
	DefaultListLimit = 50
	MaxListLimit     = 500
)

// EffectiveLimit clamps q.Limit into [1, MaxListLimit].
func (q Query) EffectiveLimit() int {
	switch {
	case q.Limit <= 0:
		return DefaultListLimit
	case q.Limit > MaxListLimit:
		return MaxListLimit
	}
	return q.Limit
}

// Reconciliation compares the stored balance with the transaction log.
type Reconciliation struct {
	AccountID    string         `json:"account_id"`
	Balance      credits.Amount `json:"balance"`
	Sum          credits.Amount `json:"sum"`
	Transactions int            `json:"transactions"`
}

func (r Reconciliation) Balanced() bool { return r.Balance.Cmp(r.Sum) == 0 }

// Store is the single source of truth for balances. Apply is the only way to
// mutate a balance and implementations must linearize concurrent Apply calls
// for the same account.
type Store interface {
	// EnsureAccount creates the account with a zero balance if missing.
	EnsureAccount(ctx context.Context, accountID string) (Account, error)
	// Balance fails with ErrAccountNotFound for unknown accounts.
	Balance(ctx context.Context, accountID string) (credits.Amount, error)
	// Apply validates and commits the balance change and its transaction
	// record as one unit, returning the new balance.
	Apply(ctx context.Context, accountID string, entry Entry) (credits.Amount, error)
	// ListTransactions returns the newest transactions first.
	ListTransactions(ctx context.Context, accountID string, q Query) ([]Transaction, error)
	Reconcile(ctx context.Context, accountID string) (Reconciliation, error)
	// ListAccounts returns every account id in ascending order.
	ListAccounts(ctx context.Context) ([]string, error)
	Close() error
}
