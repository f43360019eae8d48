// Package sqlstore implements conversation.Store on SQLite (modernc) or
// PostgreSQL (lib/pq) using the same schema.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/tokligence/tokligence-credits/internal/conversation"
)

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

// Store implements conversation.Store.
type Store struct {
	db      *sql.DB
	dialect dialect
}

// OpenSQLite opens (or creates) a SQLite conversation database at path.
func OpenSQLite(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create conversation directory: %w", err)
	}
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	return open(db, dialectSQLite)
}

// OpenPostgres connects through lib/pq.
func OpenPostgres(dsn string, maxOpen int) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres db: %w", err)
	}
	if maxOpen > 0 {
		db.SetMaxOpenConns(maxOpen)
	}
	return open(db, dialectPostgres)
}

func open(db *sql.DB, d dialect) (*Store, error) {
	s := &Store{db: db, dialect: d}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	ts := "TIMESTAMP"
	if s.dialect == dialectPostgres {
		ts = "TIMESTAMPTZ"
	}
	schema := `
CREATE TABLE IF NOT EXISTS conversations (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	title TEXT NOT NULL DEFAULT '',
	created_at ` + ts + ` NOT NULL,
	updated_at ` + ts + ` NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_conversations_user_updated ON conversations(user_id, updated_at DESC);
CREATE TABLE IF NOT EXISTS chat_messages (
	id TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL REFERENCES conversations(id),
	user_id TEXT NOT NULL,
	role TEXT NOT NULL CHECK(role IN ('system','user','assistant')),
	content TEXT NOT NULL,
	tokens_used INTEGER NOT NULL DEFAULT 0,
	credits_cost TEXT NOT NULL DEFAULT '0',
	model TEXT NOT NULL DEFAULT '',
	created_at ` + ts + ` NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_chat_messages_conversation_created ON chat_messages(conversation_id, created_at);
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("apply conversation schema: %w", err)
	}
	return nil
}

// rebind rewrites ? placeholders to $n for PostgreSQL.
func (s *Store) rebind(query string) string {
	if s.dialect != dialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Create(ctx context.Context, userID, title string) (conversation.Conversation, error) {
	now := time.Now().UTC()
	c := conversation.Conversation{ID: uuid.NewString(), UserID: userID, Title: title, CreatedAt: now, UpdatedAt: now}
	_, err := s.db.ExecContext(ctx, s.rebind(`INSERT INTO conversations(id, user_id, title, created_at, updated_at) VALUES(?, ?, ?, ?, ?)`),
		c.ID, c.UserID, c.Title, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return conversation.Conversation{}, fmt.Errorf("create conversation: %w", err)
	}
	return c, nil
}

func (s *Store) Get(ctx context.Context, userID, conversationID string) (conversation.Conversation, error) {
	var c conversation.Conversation
	err := s.db.QueryRowContext(ctx, s.rebind(`
SELECT id, user_id, title, created_at, updated_at FROM conversations WHERE id = ? AND user_id = ?`), conversationID, userID).
		Scan(&c.ID, &c.UserID, &c.Title, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return conversation.Conversation{}, conversation.ErrNotFound
	}
	if err != nil {
		return conversation.Conversation{}, fmt.Errorf("get conversation: %w", err)
	}
	return c, nil
}

func (s *Store) History(ctx context.Context, conversationID string, limit int) ([]conversation.Message, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(`
SELECT id, conversation_id, user_id, role, content, tokens_used, credits_cost, model, created_at
FROM chat_messages
WHERE conversation_id = ?
ORDER BY created_at DESC
LIMIT ?`), conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	defer rows.Close()

	var out []conversation.Message
	for rows.Next() {
		var m conversation.Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.UserID, &m.Role, &m.Content, &m.TokensUsed, &m.CreditsCost, &m.Model, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	slices.Reverse(out)
	return out, nil
}

func (s *Store) Append(ctx context.Context, msgs ...conversation.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	insert := s.rebind(`
INSERT INTO chat_messages(id, conversation_id, user_id, role, content, tokens_used, credits_cost, model, created_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	touch := s.rebind(`UPDATE conversations SET updated_at = ? WHERE id = ?`)
	now := time.Now().UTC()
	for i, m := range msgs {
		if m.ID == "" {
			m.ID = uuid.NewString()
		}
		if m.CreatedAt.IsZero() {
			// keep insertion order stable when both messages share a clock tick
			m.CreatedAt = now.Add(time.Duration(i) * time.Microsecond)
		}
		res, err := tx.ExecContext(ctx, touch, m.CreatedAt, m.ConversationID)
		if err != nil {
			return fmt.Errorf("touch conversation: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return conversation.ErrNotFound
		}
		if _, err := tx.ExecContext(ctx, insert, m.ID, m.ConversationID, m.UserID, m.Role, m.Content, m.TokensUsed, m.CreditsCost, m.Model, m.CreatedAt); err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
	}
	return tx.Commit()
}
