package postgres

import (
	"os"
	"testing"

	"github.com/tokligence/tokligence-credits/internal/ledger"
	"github.com/tokligence/tokligence-credits/internal/ledger/ledgertest"
)

// testDSN points at a disposable database; the suite truncates its tables.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("CREDITS_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("CREDITS_TEST_POSTGRES_DSN not set")
	}
	return dsn
}

func TestPostgresStoreConformance(t *testing.T) {
	dsn := testDSN(t)
	ledgertest.Run(t, func(t *testing.T) ledger.Store {
		store, err := New(dsn, PoolConfig{MaxOpen: 16})
		if err != nil {
			t.Skipf("Skipping test: cannot connect to database: %v", err)
		}
		if _, err := store.db.Exec(`TRUNCATE transactions, accounts RESTART IDENTITY`); err != nil {
			t.Fatalf("truncate: %v", err)
		}
		return store
	})
}
