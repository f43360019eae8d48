// Package memory provides an in-process ledger.Store used for development
// and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tokligence/tokligence-credits/internal/credits"
	"github.com/tokligence/tokligence-credits/internal/ledger"
)

type account struct {
	mu      sync.Mutex
	info    ledger.Account
	history []ledger.Transaction
}

// Store keeps balances in memory. Each account has its own lock; the
// external reference index has a separate one.
type Store struct {
	mu       sync.RWMutex
	accounts map[string]*account

	refMu sync.Mutex
	refs  map[string]string

	now func() time.Time
}

func New() *Store {
	return &Store{
		accounts: make(map[string]*account),
		refs:     make(map[string]string),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) lookup(id string) (*account, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acct, ok := s.accounts[id]
	return acct, ok
}

func (s *Store) EnsureAccount(_ context.Context, accountID string) (ledger.Account, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return ledger.Account{}, fmt.Errorf("%w: empty account id", ledger.ErrAccountNotFound)
	}
	s.mu.Lock()
	acct, ok := s.accounts[accountID]
	if !ok {
		now := s.now()
		acct = &account{info: ledger.Account{ID: accountID, CreatedAt: now, UpdatedAt: now}}
		s.accounts[accountID] = acct
	}
	s.mu.Unlock()

	acct.mu.Lock()
	defer acct.mu.Unlock()
	return acct.info, nil
}

func (s *Store) Balance(_ context.Context, accountID string) (credits.Amount, error) {
	acct, ok := s.lookup(accountID)
	if !ok {
		return credits.Amount{}, ledger.ErrAccountNotFound
	}
	acct.mu.Lock()
	defer acct.mu.Unlock()
	return acct.info.Balance, nil
}

func (s *Store) Apply(_ context.Context, accountID string, entry ledger.Entry) (credits.Amount, error) {
	if err := entry.Validate(); err != nil {
		return credits.Amount{}, err
	}
	entry = entry.Normalized()
	acct, ok := s.lookup(accountID)
	if !ok {
		return credits.Amount{}, ledger.ErrAccountNotFound
	}

	acct.mu.Lock()
	defer acct.mu.Unlock()

	next := acct.info.Balance.Add(entry.Amount)
	if next.IsNegative() {
		return acct.info.Balance, ledger.ErrInsufficientBalance
	}

	if ref := entry.ExternalReference; ref != "" {
		s.refMu.Lock()
		if _, exists := s.refs[ref]; exists {
			s.refMu.Unlock()
			return acct.info.Balance, ledger.ErrDuplicateReference
		}
		s.refs[ref] = accountID
		s.refMu.Unlock()
	}

	now := s.now()
	acct.info.Balance = next
	acct.info.UpdatedAt = now
	acct.history = append(acct.history, ledger.Transaction{
		ID:                uuid.NewString(),
		AccountID:         accountID,
		Kind:              entry.Kind,
		Amount:            entry.Amount,
		BalanceAfter:      next,
		Description:       entry.Description,
		ExternalReference: entry.ExternalReference,
		CreatedAt:         now,
	})
	return next, nil
}

func (s *Store) ListTransactions(_ context.Context, accountID string, q ledger.Query) ([]ledger.Transaction, error) {
	acct, ok := s.lookup(accountID)
	if !ok {
		return nil, ledger.ErrAccountNotFound
	}
	acct.mu.Lock()
	defer acct.mu.Unlock()

	limit := q.EffectiveLimit()
	out := make([]ledger.Transaction, 0, min(limit, len(acct.history)))
	for i := len(acct.history) - 1; i >= 0 && len(out) < limit; i-- {
		tx := acct.history[i]
		if q.Kind != "" && tx.Kind != q.Kind {
			continue
		}
		out = append(out, tx)
	}
	return out, nil
}

func (s *Store) Reconcile(_ context.Context, accountID string) (ledger.Reconciliation, error) {
	acct, ok := s.lookup(accountID)
	if !ok {
		return ledger.Reconciliation{}, ledger.ErrAccountNotFound
	}
	acct.mu.Lock()
	defer acct.mu.Unlock()

	rec := ledger.Reconciliation{AccountID: accountID, Balance: acct.info.Balance, Transactions: len(acct.history)}
	for _, tx := range acct.history {
		rec.Sum = rec.Sum.Add(tx.Amount)
	}
	return rec, nil
}

func (s *Store) ListAccounts(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.accounts))
	for id := range s.accounts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *Store) Close() error { return nil }
