package sqlstore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/tokligence/tokligence-credits/internal/conversation"
	"github.com/tokligence/tokligence-credits/internal/credits"
)

func exercise(t *testing.T, s conversation.Store) {
	t.Helper()
	ctx := context.Background()

	c, err := s.Create(ctx, "user-1", conversation.Title("What is the capital of France?"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	got, err := s.Get(ctx, "user-1", c.ID)
	if err != nil || got.Title != "What is the capital of France?" {
		t.Fatalf("Get = %+v, %v", got, err)
	}
	if _, err := s.Get(ctx, "user-2", c.ID); !errors.Is(err, conversation.ErrNotFound) {
		t.Fatalf("Get for other user = %v, want ErrNotFound", err)
	}

	err = s.Append(ctx,
		conversation.Message{ConversationID: c.ID, UserID: "user-1", Role: "user", Content: "What is the capital of France?"},
		conversation.Message{ConversationID: c.ID, UserID: "user-1", Role: "assistant", Content: "Paris.", TokensUsed: 42, CreditsCost: credits.MustParse("0.042"), Model: "gpt-3.5-turbo"},
	)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	history, err := s.History(ctx, c.ID, 10)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 2 || history[0].Role != "user" || history[1].Role != "assistant" {
		t.Fatalf("unexpected history %+v", history)
	}
	if history[1].CreditsCost.Cmp(credits.MustParse("0.042")) != 0 || history[1].TokensUsed != 42 {
		t.Fatalf("assistant message lost accounting: %+v", history[1])
	}

	last, err := s.History(ctx, c.ID, 1)
	if err != nil || len(last) != 1 || last[0].Content != "Paris." {
		t.Fatalf("History(limit 1) = %+v, %v", last, err)
	}
	if err := s.Append(ctx, conversation.Message{ConversationID: "nope", UserID: "user-1", Role: "user", Content: "x"}); !errors.Is(err, conversation.ErrNotFound) {
		t.Fatalf("Append to missing conversation = %v", err)
	}
}

func TestSQLiteStore(t *testing.T) {
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "chat.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	exercise(t, s)
}

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("CREDITS_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("CREDITS_TEST_POSTGRES_DSN not set")
	}
	s, err := OpenPostgres(dsn, 4)
	if err != nil {
		t.Skipf("Skipping test: cannot connect to database: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	exercise(t, s)
}

func TestRebind(t *testing.T) {
	s := &Store{dialect: dialectPostgres}
	if got := s.rebind("SELECT ? , ?"); got != "SELECT $1 , $2" {
		t.Fatalf("rebind = %q", got)
	}
	s.dialect = dialectSQLite
	if got := s.rebind("SELECT ?"); got != "SELECT ?" {
		t.Fatalf("sqlite rebind changed query: %q", got)
	}
}
