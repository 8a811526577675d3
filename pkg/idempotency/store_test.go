package idempotency

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_ClaimOnce(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(time.Minute)

	first, err := s.Claim(ctx, "cb-1")
	require.NoError(t, err)
	assert.True(t, first)

	again, err := s.Claim(ctx, "cb-1")
	require.NoError(t, err)
	assert.False(t, again)

	other, err := s.Claim(ctx, "cb-2")
	require.NoError(t, err)
	assert.True(t, other)
}

func TestMemoryStore_Expiry(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	s := NewMemoryStore(time.Minute)
	s.clock = func() time.Time { return now }

	ok, _ := s.Claim(ctx, "k")
	require.True(t, ok)

	now = now.Add(2 * time.Minute)
	ok, _ = s.Claim(ctx, "k")
	assert.True(t, ok, "expired keys can be claimed again")
}

func TestMemoryStore_Concurrent(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(time.Minute)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := s.Claim(ctx, "same"); ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

// TestRedisStore_Integration requires a running Redis.
// We skip if connection fails.
func TestRedisStore_Integration(t *testing.T) {
	s := NewRedisStore("localhost:6379", "", 0, time.Minute)
	defer func() { _ = s.Close() }()
	ctx := context.Background()
	if err := s.Ping(ctx); err != nil {
		t.Skip("Skipping Redis integration test: redis not available")
	}

	key := "test-" + uuid.NewString()
	ok, err := s.Claim(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Claim(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)
}
