// Package idempotency records which deliveries have already been handled so
// that at-least-once inputs are processed once.
package idempotency

import (
	"context"
	"sync"
	"time"
)

// DefaultTTL is how long a key is remembered.
const DefaultTTL = 24 * time.Hour

// Store hands out once-only claims on keys.
type Store interface {
	// Claim returns true the first time key is seen within the TTL.
	Claim(ctx context.Context, key string) (bool, error)
}

// MemoryStore holds claimed keys in process memory.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]time.Time
	ttl     time.Duration
	clock   func() time.Time
}

// NewMemoryStore creates an in-memory store. Expired keys are swept lazily.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryStore{
		entries: make(map[string]time.Time),
		ttl:     ttl,
		clock:   time.Now,
	}
}

func (s *MemoryStore) Claim(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	if at, ok := s.entries[key]; ok && now.Sub(at) < s.ttl {
		return false, nil
	}
	s.entries[key] = now
	if len(s.entries)%256 == 0 {
		s.sweep(now)
	}
	return true, nil
}

func (s *MemoryStore) sweep(now time.Time) {
	for k, at := range s.entries {
		if now.Sub(at) >= s.ttl {
			delete(s.entries, k)
		}
	}
}
