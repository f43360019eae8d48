package bootstrap

import (
	"context"
	"errors"
	"fmt"

	"github.com/tokligence/tokligence-credits/internal/config"
	"github.com/tokligence/tokligence-credits/internal/conversation"
	"github.com/tokligence/tokligence-credits/internal/conversation/sqlstore"
	"github.com/tokligence/tokligence-credits/internal/ledger"
	"github.com/tokligence/tokligence-credits/internal/ledger/memory"
	"github.com/tokligence/tokligence-credits/internal/ledger/postgres"
	"github.com/tokligence/tokligence-credits/internal/ledger/sqlite"
)

// Pinger is satisfied by the SQL-backed stores.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Stores bundles the ledger and conversation stores of one backend.
type Stores struct {
	Ledger        ledger.Store
	Conversations conversation.Store
}

// Pingers returns the stores that can be health checked, keyed by name.
func (s Stores) Pingers() map[string]Pinger {
	out := make(map[string]Pinger, 2)
	if p, ok := s.Ledger.(Pinger); ok {
		out["ledger"] = p
	}
	if p, ok := s.Conversations.(Pinger); ok {
		out["conversations"] = p
	}
	return out
}

func (s Stores) Close() error {
	var errs []error
	if s.Conversations != nil {
		errs = append(errs, s.Conversations.Close())
	}
	if s.Ledger != nil {
		errs = append(errs, s.Ledger.Close())
	}
	return errors.Join(errs...)
}

// OpenStores opens the backend named by cfg.Backend. SQLite keeps both
// stores in one database file; Postgres shares one DSN.
func OpenStores(cfg config.LedgerConfig) (Stores, error) {
	switch cfg.Backend {
	case "memory":
		return Stores{Ledger: memory.New(), Conversations: conversation.NewMemoryStore()}, nil
	case "sqlite":
		l, err := sqlite.New(cfg.Path)
		if err != nil {
			return Stores{}, fmt.Errorf("open ledger: %w", err)
		}
		c, err := sqlstore.OpenSQLite(cfg.Path)
		if err != nil {
			l.Close()
			return Stores{}, fmt.Errorf("open conversations: %w", err)
		}
		return Stores{Ledger: l, Conversations: c}, nil
	case "postgres":
		l, err := postgres.New(cfg.DSN, postgres.PoolConfig{
			MaxOpen:     cfg.MaxOpenConns,
			MaxIdle:     cfg.MaxIdleConns,
			MaxLifetime: cfg.ConnMaxLifetime,
		})
		if err != nil {
			return Stores{}, fmt.Errorf("open ledger: %w", err)
		}
		c, err := sqlstore.OpenPostgres(cfg.DSN, cfg.MaxOpenConns)
		if err != nil {
			l.Close()
			return Stores{}, fmt.Errorf("open conversations: %w", err)
		}
		return Stores{Ledger: l, Conversations: c}, nil
	}
	return Stores{}, fmt.Errorf("unknown ledger backend %q", cfg.Backend)
}
