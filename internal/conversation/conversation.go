// Package conversation stores chat history for the metering flow. Billing
// never depends on it; a failed write here is logged, not surfaced.
package conversation

import (
	"context"
	"errors"
	"time"

	"github.com/tokligence/tokligence-credits/internal/credits"
)

var ErrNotFound = errors.New("conversation: not found")

// TitleLength caps titles derived from the first message.
const TitleLength = 50

type Conversation struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Message struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversation_id"`
	UserID         string         `json:"user_id"`
	Role           string         `json:"role"`
	Content        string         `json:"content"`
	TokensUsed     int            `json:"tokens_used"`
	CreditsCost    credits.Amount `json:"credits_cost"`
	Model          string         `json:"model,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// Store persists conversations and their messages.
type Store interface {
	Create(ctx context.Context, userID, title string) (Conversation, error)
	// Get fails with ErrNotFound when the conversation does not exist or
	// belongs to another user.
	Get(ctx context.Context, userID, conversationID string) (Conversation, error)
	// History returns up to limit most recent messages, oldest first.
	History(ctx context.Context, conversationID string, limit int) ([]Message, error)
	// Append records messages and bumps the conversation's updated_at.
	Append(ctx context.Context, msgs ...Message) error
	Close() error
}

// Title derives a conversation title from its opening message.
func Title(message string) string {
	runes := []rune(message)
	if len(runes) <= TitleLength {
		return message
	}
	return string(runes[:TitleLength])
}
