// Package postgres implements ledger.Store on PostgreSQL through pgx.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/tokligence/tokligence-credits/internal/credits"
	"github.com/tokligence/tokligence-credits/internal/ledger"
)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

// PoolConfig mirrors database/sql pool knobs. Zero values keep driver defaults.
type PoolConfig struct {
	MaxOpen     int
	MaxIdle     int
	MaxLifetime time.Duration
	MaxIdleTime time.Duration
}

// Store implements ledger.Store backed by PostgreSQL.
type Store struct {
	db *sql.DB
}

// New opens a PostgreSQL-backed ledger using dsn and applies the schema.
func New(dsn string, pool PoolConfig) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres db: %w", err)
	}
	if pool.MaxOpen > 0 {
		db.SetMaxOpenConns(pool.MaxOpen)
	}
	if pool.MaxIdle > 0 {
		db.SetMaxIdleConns(pool.MaxIdle)
	}
	if pool.MaxLifetime > 0 {
		db.SetConnMaxLifetime(pool.MaxLifetime)
	}
	if pool.MaxIdleTime > 0 {
		db.SetConnMaxIdleTime(pool.MaxIdleTime)
	}

	s := &Store{db: db}
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
	balance NUMERIC(28,8) NOT NULL DEFAULT 0 CHECK (balance >= 0),
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS transactions (
	seq BIGSERIAL PRIMARY KEY,
	id UUID NOT NULL UNIQUE,
	account_id TEXT NOT NULL REFERENCES accounts(id),
	kind TEXT NOT NULL CHECK (kind IN ('purchase','usage','refund')),
	amount NUMERIC(28,8) NOT NULL,
	balance_after NUMERIC(28,8) NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	external_reference TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
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
	if _, err := s.db.ExecContext(ctx, `INSERT INTO accounts(id) VALUES($1) ON CONFLICT (id) DO NOTHING`, accountID); err != nil {
		return ledger.Account{}, fmt.Errorf("ensure account: %w", err)
	}
	var acct ledger.Account
	err := s.db.QueryRowContext(ctx, `SELECT id, balance::text, created_at, updated_at FROM accounts WHERE id = $1`, accountID).
		Scan(&acct.ID, &acct.Balance, &acct.CreatedAt, &acct.UpdatedAt)
	if err != nil {
		return ledger.Account{}, fmt.Errorf("load account: %w", err)
	}
	return acct, nil
}

func (s *Store) Balance(ctx context.Context, accountID string) (credits.Amount, error) {
	var balance credits.Amount
	err := s.db.QueryRowContext(ctx, `SELECT balance::text FROM accounts WHERE id = $1`, accountID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return credits.Amount{}, ledger.ErrAccountNotFound
	}
	if err != nil {
		return credits.Amount{}, fmt.Errorf("read balance: %w", err)
	}
	return balance, nil
}

// Apply relies on a single conditional UPDATE: the row lock it takes
// serializes concurrent writers for the account and the WHERE clause
// enforces non-negativity without a prior read.
func (s *Store) Apply(ctx context.Context, accountID string, entry ledger.Entry) (credits.Amount, error) {
	if err := entry.Validate(); err != nil {
		return credits.Amount{}, err
	}
	entry = entry.Normalized()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return credits.Amount{}, fmt.Errorf("begin apply: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var next credits.Amount
	err = tx.QueryRowContext(ctx, `
UPDATE accounts
SET balance = balance + $1::numeric, updated_at = NOW()
WHERE id = $2 AND balance + $1::numeric >= 0
RETURNING balance::text`, entry.Amount, accountID).Scan(&next)
	if errors.Is(err, sql.ErrNoRows) {
		return credits.Amount{}, s.classifyRejected(ctx, tx, accountID)
	}
	if err != nil {
		return credits.Amount{}, fmt.Errorf("update balance: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
INSERT INTO transactions(id, account_id, kind, amount, balance_after, description, external_reference)
VALUES($1, $2, $3, $4::numeric, $5::numeric, $6, $7)`,
		uuid.New(),
		accountID,
		string(entry.Kind),
		entry.Amount,
		next,
		entry.Description,
		sql.NullString{String: entry.ExternalReference, Valid: entry.ExternalReference != ""},
	)
	if err != nil {
		switch pgCode(err) {
		case pgUniqueViolation:
			return credits.Amount{}, ledger.ErrDuplicateReference
		case pgForeignKeyViolation:
			return credits.Amount{}, ledger.ErrAccountNotFound
		}
		return credits.Amount{}, fmt.Errorf("insert transaction: %w", err)
	}
	if err := tx.Commit(); err != nil {
		if pgCode(err) == pgUniqueViolation {
			return credits.Amount{}, ledger.ErrDuplicateReference
		}
		return credits.Amount{}, fmt.Errorf("commit apply: %w", err)
	}
	return next, nil
}

func (s *Store) classifyRejected(ctx context.Context, tx *sql.Tx, accountID string) error {
	var exists bool
	if err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM accounts WHERE id = $1)`, accountID).Scan(&exists); err != nil {
		return fmt.Errorf("lookup account: %w", err)
	}
	if !exists {
		return ledger.ErrAccountNotFound
	}
	return ledger.ErrInsufficientBalance
}

func (s *Store) ListTransactions(ctx context.Context, accountID string, q ledger.Query) ([]ledger.Transaction, error) {
	if _, err := s.Balance(ctx, accountID); err != nil {
		return nil, err
	}
	query := `
SELECT id::text, account_id, kind, amount::text, balance_after::text, description, COALESCE(external_reference, ''), created_at
FROM transactions
WHERE account_id = $1`
	args := []any{accountID}
	if q.Kind != "" {
		args = append(args, string(q.Kind))
		query += fmt.Sprintf(` AND kind = $%d`, len(args))
	}
	args = append(args, q.EffectiveLimit())
	query += fmt.Sprintf(` ORDER BY seq DESC LIMIT $%d`, len(args))

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

func (s *Store) Reconcile(ctx context.Context, accountID string) (ledger.Reconciliation, error) {
	rec := ledger.Reconciliation{AccountID: accountID}
	err := s.db.QueryRowContext(ctx, `
SELECT a.balance::text, COALESCE(SUM(t.amount), 0)::text, COUNT(t.seq)
FROM accounts a
LEFT JOIN transactions t ON t.account_id = a.id
WHERE a.id = $1
GROUP BY a.balance`, accountID).Scan(&rec.Balance, &rec.Sum, &rec.Transactions)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Reconciliation{}, ledger.ErrAccountNotFound
	}
	if err != nil {
		return ledger.Reconciliation{}, fmt.Errorf("reconcile: %w", err)
	}
	return rec, nil
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

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}
