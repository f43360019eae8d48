package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps buckets in process memory. Idle buckets are swept
// periodically.
type MemoryStore struct {
	mu      sync.RWMutex
	buckets map[string]*TokenBucket

	cleanupInterval time.Duration
	stop            chan struct{}
	stopOnce        sync.Once
}

func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithCleanup(5 * time.Minute)
}

// NewMemoryStoreWithCleanup starts a sweeper running every cleanupInterval;
// zero disables it.
func NewMemoryStoreWithCleanup(cleanupInterval time.Duration) *MemoryStore {
	s := &MemoryStore{
		buckets:         make(map[string]*TokenBucket),
		cleanupInterval: cleanupInterval,
		stop:            make(chan struct{}),
	}
	go s.cleanupLoop()
	return s
}

func (s *MemoryStore) Allow(_ context.Context, key string, capacity, refillRate float64) (bool, float64, error) {
	allowed, remaining := s.bucket(key, capacity, refillRate).Allow()
	return allowed, remaining, nil
}

func (s *MemoryStore) Remaining(_ context.Context, key string, capacity, refillRate float64) (float64, error) {
	return s.bucket(key, capacity, refillRate).Remaining(), nil
}

func (s *MemoryStore) Reset(_ context.Context, key string) error {
	s.mu.RLock()
	b, ok := s.buckets[key]
	s.mu.RUnlock()
	if ok {
		b.Reset()
	}
	return nil
}

func (s *MemoryStore) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })
	return nil
}

// Len reports the number of live buckets.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.buckets)
}

func (s *MemoryStore) bucket(key string, capacity, refillRate float64) *TokenBucket {
	s.mu.RLock()
	b, ok := s.buckets[key]
	s.mu.RUnlock()
	if ok {
		return b
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok = s.buckets[key]; ok {
		return b
	}
	b = NewTokenBucket(capacity, refillRate)
	s.buckets[key] = b
	return b
}

func (s *MemoryStore) cleanupLoop() {
	if s.cleanupInterval <= 0 {
		return
	}
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.cleanup()
		case <-s.stop:
			return
		}
	}
}

// cleanup drops buckets that have refilled to near capacity, i.e. accounts
// that have been idle.
func (s *MemoryStore) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, b := range s.buckets {
		if b.Remaining() >= b.capacity*0.95 {
			delete(s.buckets, key)
		}
	}
}
