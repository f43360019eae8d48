package conversation

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps conversations in process memory.
type MemoryStore struct {
	mu       sync.RWMutex
	convs    map[string]Conversation
	messages map[string][]Message
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		convs:    make(map[string]Conversation),
		messages: make(map[string][]Message),
	}
}

func (s *MemoryStore) Create(_ context.Context, userID, title string) (Conversation, error) {
	now := time.Now().UTC()
	c := Conversation{ID: uuid.NewString(), UserID: userID, Title: title, CreatedAt: now, UpdatedAt: now}
	s.mu.Lock()
	s.convs[c.ID] = c
	s.mu.Unlock()
	return c, nil
}

func (s *MemoryStore) Get(_ context.Context, userID, conversationID string) (Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.convs[conversationID]
	if !ok || c.UserID != userID {
		return Conversation{}, ErrNotFound
	}
	return c, nil
}

func (s *MemoryStore) History(_ context.Context, conversationID string, limit int) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := s.messages[conversationID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return append([]Message(nil), msgs...), nil
}

func (s *MemoryStore) Append(_ context.Context, msgs ...Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range msgs {
		if _, ok := s.convs[m.ConversationID]; !ok {
			return ErrNotFound
		}
	}
	now := time.Now().UTC()
	for _, m := range msgs {
		c := s.convs[m.ConversationID]
		if m.ID == "" {
			m.ID = uuid.NewString()
		}
		if m.CreatedAt.IsZero() {
			m.CreatedAt = now
		}
		s.messages[m.ConversationID] = append(s.messages[m.ConversationID], m)
		c.UpdatedAt = now
		s.convs[c.ID] = c
	}
	return nil
}

func (s *MemoryStore) Close() error { return nil }
