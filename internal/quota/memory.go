package quota

import (
	"context"
	"sync"
	"time"
)

const bucketSweepInterval = 2 * time.Minute

type bucket struct {
	value     float64
	expiresAt time.Time
}

// MemoryStore keeps quota buckets in process memory. Buckets self-expire:
// every access treats an expired bucket as absent, and a periodic sweep
// reclaims the map entries.
type MemoryStore struct {
	mu        sync.Mutex
	buckets   map[string]bucket
	lastSweep time.Time
	nowFn     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		buckets: make(map[string]bucket),
		nowFn:   func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) Add(_ context.Context, key string, delta float64, ttl time.Duration, ceiling float64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.nowFn()
	s.maybeSweep(now)

	current, ok := s.buckets[key]
	if !ok || !now.Before(current.expiresAt) {
		current = bucket{value: 0, expiresAt: now.Add(ttl)}
	}

	next := current.value + delta
	if next < 0 {
		next = 0
	}
	if delta > 0 && ceiling > 0 && next > ceiling {
		return false, nil
	}

	current.value = next
	s.buckets[key] = current
	return true, nil
}

func (s *MemoryStore) Get(_ context.Context, key string) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.buckets[key]
	if !ok || !s.nowFn().Before(current.expiresAt) {
		return 0, nil
	}
	return current.value, nil
}

func (s *MemoryStore) maybeSweep(now time.Time) {
	if !s.lastSweep.IsZero() && now.Sub(s.lastSweep) < bucketSweepInterval {
		return
	}
	for key, current := range s.buckets {
		if !now.Before(current.expiresAt) {
			delete(s.buckets, key)
		}
	}
	s.lastSweep = now
}
