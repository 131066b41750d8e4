package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// LocalStore keeps buckets in process memory. Used when no redis is configured;
// limits are then per instance rather than shared.
type LocalStore struct {
	mu      sync.Mutex
	buckets *expirable.LRU[string, *bucket]
}

// NewLocalStore remembers up to size buckets, each for a minute of inactivity.
func NewLocalStore(size int) *LocalStore {
	if size <= 0 {
		size = 100_000
	}
	return &LocalStore{
		buckets: expirable.NewLRU[string, *bucket](size, nil, bucketTTL),
	}
}

func (s *LocalStore) Take(_ context.Context, key string, capacity int, ratePerSec float64, now time.Time) (Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.buckets.Get(key)
	if !ok {
		b = &bucket{tokens: float64(capacity), last: now}
	}
	dec := b.take(capacity, ratePerSec, now)
	// Add refreshes the TTL.
	s.buckets.Add(key, b)
	return dec, nil
}

// Len returns the number of live buckets.
func (s *LocalStore) Len() int {
	return s.buckets.Len()
}
