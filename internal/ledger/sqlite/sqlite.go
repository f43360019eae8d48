// Package sqlite implements ledger.Store on an embedded SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	// register sqlite driver
	_ "modernc.org/sqlite"

	"github.com/tokligence/tokligence-credits/internal/credits"
	"github.com/tokligence/tokligence-credits/internal/ledger"
)

// maxCASAttempts bounds the optimistic retry loop in Apply.
const maxCASAttempts = 5

var errVersionConflict = errors.New("sqlite ledger: version conflict")

// Store implements ledger.Store backed by SQLite. Balances are kept as
// canonical decimal text and every write runs in an IMMEDIATE transaction.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// New opens (or creates) a SQLite ledger at path.
func New(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create ledger directory: %w", err)
	}
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One writer at a time; readers share the same connection.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}

	s := &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
	if err := s.initSchema(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS accounts (
	id TEXT PRIMARY KEY,
	balance TEXT NOT NULL DEFAULT '0',
	version INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS transactions (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	account_id TEXT NOT NULL REFERENCES accounts(id),
	kind TEXT NOT NULL CHECK(kind IN ('purchase','usage','refund')),
	amount TEXT NOT NULL,
	balance_after TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	external_reference TEXT,
	created_at TIMESTAMP NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_transactions_external_reference ON transactions(external_reference) WHERE external_reference IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_transactions_account_seq ON transactions(account_id, seq DESC);
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Close releases underlying database resources.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) EnsureAccount(ctx context.Context, accountID string) (ledger.Account, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return ledger.Account{}, fmt.Errorf("%w: empty account id", ledger.ErrAccountNotFound)
	}
	now := s.now()
	if _, err := s.db.ExecContext(ctx, `
INSERT INTO accounts(id, balance, version, created_at, updated_at)
VALUES(?, '0', 0, ?, ?)
ON CONFLICT(id) DO NOTHING`, accountID, now, now); err != nil {
		return ledger.Account{}, fmt.Errorf("ensure account: %w", err)
	}
	var acct ledger.Account
	err := s.db.QueryRowContext(ctx, `SELECT id, balance, created_at, updated_at FROM accounts WHERE id = ?`, accountID).
		Scan(&acct.ID, &acct.Balance, &acct.CreatedAt, &acct.UpdatedAt)
	if err != nil {
		return ledger.Account{}, fmt.Errorf("load account: %w", err)
	}
	return acct, nil
}

func (s *Store) Balance(ctx context.Context, accountID string) (credits.Amount, error) {
	var balance credits.Amount
	err := s.db.QueryRowContext(ctx, `SELECT balance FROM accounts WHERE id = ?`, accountID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return credits.Amount{}, ledger.ErrAccountNotFound
	}
	if err != nil {
		return credits.Amount{}, fmt.Errorf("read balance: %w", err)
	}
	return balance, nil
}

func (s *Store) Apply(ctx context.Context, accountID string, entry ledger.Entry) (credits.Amount, error) {
	if err := entry.Validate(); err != nil {
		return credits.Amount{}, err
	}
	entry = entry.Normalized()
	for attempt := 0; ; attempt++ {
		balance, err := s.applyOnce(ctx, accountID, entry)
		if errors.Is(err, errVersionConflict) && attempt < maxCASAttempts {
			continue
		}
		return balance, err
	}
}

func (s *Store) applyOnce(ctx context.Context, accountID string, entry ledger.Entry) (credits.Amount, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return credits.Amount{}, fmt.Errorf("begin apply: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		current credits.Amount
		version int64
	)
	err = tx.QueryRowContext(ctx, `SELECT balance, version FROM accounts WHERE id = ?`, accountID).Scan(&current, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return credits.Amount{}, ledger.ErrAccountNotFound
	}
	if err != nil {
		return credits.Amount{}, fmt.Errorf("read balance: %w", err)
	}

	next := current.Add(entry.Amount)
	if next.IsNegative() {
		return current, ledger.ErrInsufficientBalance
	}

	if entry.ExternalReference != "" {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM transactions WHERE external_reference = ?`, entry.ExternalReference).Scan(&exists)
		if err == nil {
			return current, ledger.ErrDuplicateReference
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return credits.Amount{}, fmt.Errorf("check reference: %w", err)
		}
	}

	now := s.now()
	res, err := tx.ExecContext(ctx, `
UPDATE accounts SET balance = ?, version = version + 1, updated_at = ?
WHERE id = ? AND version = ?`, next, now, accountID, version)
	if err != nil {
		return credits.Amount{}, fmt.Errorf("update balance: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return credits.Amount{}, fmt.Errorf("update balance: %w", err)
	} else if n == 0 {
		return credits.Amount{}, errVersionConflict
	}

	_, err = tx.ExecContext(ctx, `
INSERT INTO transactions(id, account_id, kind, amount, balance_after, description, external_reference, created_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(),
		accountID,
		string(entry.Kind),
		entry.Amount,
		next,
		entry.Description,
		nullString(entry.ExternalReference),
		now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return current, ledger.ErrDuplicateReference
		}
		return credits.Amount{}, fmt.Errorf("insert transaction: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return credits.Amount{}, fmt.Errorf("commit apply: %w", err)
	}
	return next, nil
}

func (s *Store) ListTransactions(ctx context.Context, accountID string, q ledger.Query) ([]ledger.Transaction, error) {
	if _, err := s.Balance(ctx, accountID); err != nil {
		return nil, err
	}
	query := `
SELECT id, account_id, kind, amount, balance_after, description, COALESCE(external_reference, ''), created_at
FROM transactions
WHERE account_id = ?`
	args := []any{accountID}
	if q.Kind != "" {
		query += ` AND kind = ?`
		args = append(args, string(q.Kind))
	}
	query += ` ORDER BY seq DESC LIMIT ?`
	args = append(args, q.EffectiveLimit())

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	var out []ledger.Transaction
	for rows.Next() {
		var (
			tx   ledger.Transaction
			kind string
		)
		if err := rows.Scan(&tx.ID, &tx.AccountID, &kind, &tx.Amount, &tx.BalanceAfter, &tx.Description, &tx.ExternalReference, &tx.CreatedAt); err != nil {
			return nil, err
		}
		tx.Kind = ledger.Kind(kind)
		out = append(out, tx)
	}
	return out, rows.Err()
}

// Reconcile sums amounts in Go because SQLite would add the decimal text as
// floating point.
func (s *Store) Reconcile(ctx context.Context, accountID string) (ledger.Reconciliation, error) {
	balance, err := s.Balance(ctx, accountID)
	if err != nil {
		return ledger.Reconciliation{}, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT amount FROM transactions WHERE account_id = ?`, accountID)
	if err != nil {
		return ledger.Reconciliation{}, fmt.Errorf("reconcile: %w", err)
	}
	defer rows.Close()

	rec := ledger.Reconciliation{AccountID: accountID, Balance: balance}
	for rows.Next() {
		var amount credits.Amount
		if err := rows.Scan(&amount); err != nil {
			return ledger.Reconciliation{}, err
		}
		rec.Sum = rec.Sum.Add(amount)
		rec.Transactions++
	}
	return rec, rows.Err()
}

func (s *Store) ListAccounts(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM accounts ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
