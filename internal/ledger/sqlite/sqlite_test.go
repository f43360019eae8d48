package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/tokligence/tokligence-credits/internal/credits"
	"github.com/tokligence/tokligence-credits/internal/ledger"
	"github.com/tokligence/tokligence-credits/internal/ledger/ledgertest"
)

func TestSQLiteStoreConformance(t *testing.T) {
	ledgertest.Run(t, func(t *testing.T) ledger.Store {
		store, err := New(filepath.Join(t.TempDir(), "ledger.db"))
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		return store
	})
}

func TestStoreSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "ledger.db")
	store, err := New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()
	if _, err := store.EnsureAccount(ctx, "user-1"); err != nil {
		t.Fatalf("EnsureAccount: %v", err)
	}
	if _, err := store.Apply(ctx, "user-1", ledger.Entry{
		Kind:              ledger.KindPurchase,
		Amount:            credits.MustParse("1000"),
		Description:       "Purchased 1000 Credits",
		ExternalReference: "pi_1",
	}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := New(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	t.Cleanup(func() { _ = reopened.Close() })

	balance, err := reopened.Balance(ctx, "user-1")
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if balance.Cmp(credits.FromInt(1000)) != 0 {
		t.Fatalf("expected balance 1000 after reopen, got %s", balance)
	}
	_, err = reopened.Apply(ctx, "user-1", ledger.Entry{Kind: ledger.KindPurchase, Amount: credits.FromInt(1), ExternalReference: "pi_1"})
	if err != ledger.ErrDuplicateReference {
		t.Fatalf("expected duplicate reference after reopen, got %v", err)
	}
}
