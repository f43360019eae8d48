// Package ledgertest holds the behavioural suite every ledger.Store backend
// must pass.
package ledgertest

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/tokligence/tokligence-credits/internal/credits"
	"github.com/tokligence/tokligence-credits/internal/ledger"
)

// Factory returns a fresh, empty store. The suite closes it.
type Factory func(t *testing.T) ledger.Store

// Run executes the suite against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s ledger.Store)
	}{
		{"EnsureAccountIsIdempotent", testEnsureAccount},
		{"UnknownAccount", testUnknownAccount},
		{"RejectsInvalidEntries", testInvalidEntries},
		{"NonNegativity", testNonNegativity},
		{"Reconciliation", testReconciliation},
		{"DuplicateReferenceSequential", testDuplicateSequential},
		{"DuplicateReferenceConcurrent", testDuplicateConcurrent},
		{"DuplicateReferenceAcrossAccounts", testDuplicateAcrossAccounts},
		{"ConcurrentDeductRace", testConcurrentDeductRace},
		{"ConcurrentMixedTraffic", testConcurrentMixed},
		{"FractionalAmounts", testFractional},
		{"ListTransactions", testListTransactions},
		{"ListAccounts", testListAccounts},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := newStore(t)
			t.Cleanup(func() { _ = s.Close() })
			tc.fn(t, s)
		})
	}
}

func purchase(amount, ref string) ledger.Entry {
	return ledger.Entry{Kind: ledger.KindPurchase, Amount: credits.MustParse(amount), Description: "purchase", ExternalReference: ref}
}

func usage(amount string) ledger.Entry {
	return ledger.Entry{Kind: ledger.KindUsage, Amount: credits.MustParse(amount).Neg(), Description: "usage"}
}

func fund(t *testing.T, s ledger.Store, id, amount string) {
	t.Helper()
	ctx := context.Background()
	_, err := s.EnsureAccount(ctx, id)
	require.NoError(t, err)
	_, err = s.Apply(ctx, id, purchase(amount, "seed-"+id))
	require.NoError(t, err)
}

func requireBalance(t *testing.T, s ledger.Store, id, want string) {
	t.Helper()
	got, err := s.Balance(context.Background(), id)
	require.NoError(t, err)
	require.Zerof(t, got.Cmp(credits.MustParse(want)), "balance = %s, want %s", got, want)
}

func requireReconciled(t *testing.T, s ledger.Store, id string) ledger.Reconciliation {
	t.Helper()
	rec, err := s.Reconcile(context.Background(), id)
	require.NoError(t, err)
	require.Truef(t, rec.Balanced(), "balance %s != sum %s", rec.Balance, rec.Sum)
	return rec
}

func testEnsureAccount(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	first, err := s.EnsureAccount(ctx, "acct-1")
	require.NoError(t, err)
	require.Equal(t, "acct-1", first.ID)
	require.True(t, first.Balance.IsZero())

	fund(t, s, "acct-1", "10")
	again, err := s.EnsureAccount(ctx, "acct-1")
	require.NoError(t, err)
	require.Zero(t, again.Balance.Cmp(credits.FromInt(10)), "EnsureAccount must not reset balance")
}

func testUnknownAccount(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	_, err := s.Balance(ctx, "ghost")
	require.ErrorIs(t, err, ledger.ErrAccountNotFound)
	_, err = s.Apply(ctx, "ghost", purchase("5", "ref-ghost"))
	require.ErrorIs(t, err, ledger.ErrAccountNotFound)

	// The failed purchase must not burn its reference.
	_, err = s.EnsureAccount(ctx, "ghost")
	require.NoError(t, err)
	_, err = s.Apply(ctx, "ghost", purchase("5", "ref-ghost"))
	require.NoError(t, err)
}

func testInvalidEntries(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	fund(t, s, "acct", "10")
	bad := []ledger.Entry{
		{Kind: ledger.KindUsage, Amount: credits.FromInt(1)},
		{Kind: ledger.KindPurchase, Amount: credits.FromInt(-1)},
		{Kind: ledger.KindRefund, Amount: credits.Amount{}},
		{Kind: "bonus", Amount: credits.FromInt(1)},
	}
	for _, e := range bad {
		_, err := s.Apply(ctx, "acct", e)
		require.ErrorIs(t, err, ledger.ErrInvalidEntry)
	}
	requireBalance(t, s, "acct", "10")
}

func testNonNegativity(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	fund(t, s, "acct", "100")
	for i := 0; i < 3; i++ {
		_, err := s.Apply(ctx, "acct", usage("30"))
		require.NoError(t, err)
	}
	_, err := s.Apply(ctx, "acct", usage("30"))
	require.ErrorIs(t, err, ledger.ErrInsufficientBalance)
	requireBalance(t, s, "acct", "10")

	left, err := s.Apply(ctx, "acct", usage("10"))
	require.NoError(t, err)
	require.True(t, left.IsZero())
	requireReconciled(t, s, "acct")
}

func testReconciliation(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	fund(t, s, "acct", "50")
	steps := []ledger.Entry{
		usage("12.5"),
		purchase("1000", "ref-a"),
		usage("0.0035"),
		{Kind: ledger.KindRefund, Amount: credits.MustParse("7.25"), Description: "refund", ExternalReference: "refund-1"},
		usage("999"),
	}
	for _, e := range steps {
		_, err := s.Apply(ctx, "acct", e)
		require.NoError(t, err)
	}
	rec := requireReconciled(t, s, "acct")
	require.Equal(t, 6, rec.Transactions)
	require.Zerof(t, rec.Balance.Cmp(credits.MustParse("45.7465")), "balance = %s", rec.Balance)
}

func testDuplicateSequential(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	_, err := s.EnsureAccount(ctx, "acct")
	require.NoError(t, err)
	_, err = s.Apply(ctx, "acct", purchase("500", "ref-123"))
	require.NoError(t, err)
	_, err = s.Apply(ctx, "acct", purchase("500", "ref-123"))
	require.ErrorIs(t, err, ledger.ErrDuplicateReference)
	requireBalance(t, s, "acct", "500")

	txs, err := s.ListTransactions(ctx, "acct", ledger.Query{})
	require.NoError(t, err)
	require.Len(t, txs, 1)
	require.Equal(t, "ref-123", txs[0].ExternalReference)
}

func testDuplicateConcurrent(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	_, err := s.EnsureAccount(ctx, "acct")
	require.NoError(t, err)

	var applied, duplicates atomic.Int32
	var g errgroup.Group
	for i := 0; i < 8; i++ {
		g.Go(func() error {
			_, err := s.Apply(ctx, "acct", purchase("500", "ref-123"))
			switch {
			case err == nil:
				applied.Add(1)
			case errors.Is(err, ledger.ErrDuplicateReference):
				duplicates.Add(1)
			default:
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	require.EqualValues(t, 1, applied.Load())
	require.EqualValues(t, 7, duplicates.Load())
	requireBalance(t, s, "acct", "500")
	requireReconciled(t, s, "acct")
}

func testDuplicateAcrossAccounts(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	for _, id := range []string{"a", "b"} {
		_, err := s.EnsureAccount(ctx, id)
		require.NoError(t, err)
	}
	_, err := s.Apply(ctx, "a", purchase("5", "pi_shared"))
	require.NoError(t, err)
	_, err = s.Apply(ctx, "b", purchase("5", "pi_shared"))
	require.ErrorIs(t, err, ledger.ErrDuplicateReference)
	requireBalance(t, s, "b", "0")
}

func testConcurrentDeductRace(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	fund(t, s, "acct", "100")

	var ok, insufficient atomic.Int32
	var g errgroup.Group
	for i := 0; i < 2; i++ {
		g.Go(func() error {
			_, err := s.Apply(ctx, "acct", usage("80"))
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, ledger.ErrInsufficientBalance):
				insufficient.Add(1)
			default:
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	require.EqualValues(t, 1, ok.Load())
	require.EqualValues(t, 1, insufficient.Load())
	requireBalance(t, s, "acct", "20")
	requireReconciled(t, s, "acct")
}

func testConcurrentMixed(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	fund(t, s, "acct", "100")

	var spent atomic.Int32
	var g errgroup.Group
	for i := 0; i < 25; i++ {
		g.Go(func() error {
			_, err := s.Apply(ctx, "acct", usage("10"))
			if errors.Is(err, ledger.ErrInsufficientBalance) {
				return nil
			}
			if err == nil {
				spent.Add(10)
			}
			return err
		})
	}
	for i := 0; i < 5; i++ {
		ref := fmt.Sprintf("topup-%d", i%3)
		g.Go(func() error {
			_, err := s.Apply(ctx, "acct", purchase("10", ref))
			if errors.Is(err, ledger.ErrDuplicateReference) {
				return nil
			}
			return err
		})
	}
	require.NoError(t, g.Wait())

	rec := requireReconciled(t, s, "acct")
	require.False(t, rec.Balance.IsNegative())
	require.LessOrEqual(t, spent.Load(), int32(130))
	want := credits.FromInt(130 - int64(spent.Load()))
	require.Zerof(t, rec.Balance.Cmp(want), "balance = %s, want %s", rec.Balance, want)
}

func testFractional(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	fund(t, s, "acct", "1")
	bal, err := s.Apply(ctx, "acct", usage("0.0035"))
	require.NoError(t, err)
	require.Equal(t, "0.9965", bal.String())
	_, err = s.Apply(ctx, "acct", usage("0.00000001"))
	require.NoError(t, err)
	requireBalance(t, s, "acct", "0.99649999")
	requireReconciled(t, s, "acct")
}

func testListTransactions(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	fund(t, s, "acct", "100")
	for i := 1; i <= 3; i++ {
		_, err := s.Apply(ctx, "acct", usage(fmt.Sprint(i)))
		require.NoError(t, err)
	}

	txs, err := s.ListTransactions(ctx, "acct", ledger.Query{})
	require.NoError(t, err)
	require.Len(t, txs, 4)
	require.Equal(t, ledger.KindUsage, txs[0].Kind)
	require.Zero(t, txs[0].Amount.Cmp(credits.FromInt(-3)))
	require.Zero(t, txs[0].BalanceAfter.Cmp(credits.FromInt(94)))
	require.Equal(t, ledger.KindPurchase, txs[3].Kind)
	require.NotEmpty(t, txs[0].ID)
	require.False(t, txs[0].CreatedAt.IsZero())

	limited, err := s.ListTransactions(ctx, "acct", ledger.Query{Limit: 2})
	require.NoError(t, err)
	require.Len(t, limited, 2)

	purchases, err := s.ListTransactions(ctx, "acct", ledger.Query{Kind: ledger.KindPurchase})
	require.NoError(t, err)
	require.Len(t, purchases, 1)

	_, err = s.ListTransactions(ctx, "ghost", ledger.Query{})
	require.ErrorIs(t, err, ledger.ErrAccountNotFound)
}

func testListAccounts(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	for _, id := range []string{"zed", "alpha", "mid"} {
		_, err := s.EnsureAccount(ctx, id)
		require.NoError(t, err)
	}
	ids, err := s.ListAccounts(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"alpha", "mid", "zed"}, ids)
}
