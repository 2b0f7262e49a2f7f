package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process Store. Each key has its own lock, so
// contention on one source never blocks another.
type MemoryStore struct {
	mu       sync.Mutex
	counters map[string]*memoryCounter
	now      func() time.Time
}

type memoryCounter struct {
	mu        sync.Mutex
	count     int64
	expiresAt time.Time
	// dead is set when Sweep removes the counter from the map; holders of a
	// stale pointer must look the key up again.
	dead bool
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty MemoryStore using the wall clock.
func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithClock(time.Now)
}

// NewMemoryStoreWithClock creates a MemoryStore that reads time from now.
func NewMemoryStoreWithClock(now func() time.Time) *MemoryStore {
	return &MemoryStore{
		counters: make(map[string]*memoryCounter),
		now:      now,
	}
}

func (s *MemoryStore) lookup(key string, create bool) *memoryCounter {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.counters[key]
	if !ok && create {
		c = &memoryCounter{}
		s.counters[key] = c
	}
	return c
}

// Get implements Store.
func (s *MemoryStore) Get(ctx context.Context, key string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	c := s.lookup(key, false)
	if c == nil {
		return 0, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dead || !s.now().Before(c.expiresAt) {
		return 0, nil
	}
	return c.count, nil
}

// IncrementBelow implements Store.
func (s *MemoryStore) IncrementBelow(ctx context.Context, key string, ceiling int64, ttl time.Duration) (int64, bool, error) {
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}
	for {
		c := s.lookup(key, true)
		c.mu.Lock()
		if c.dead {
			c.mu.Unlock()
			continue
		}
		now := s.now()
		if c.expiresAt.IsZero() || !now.Before(c.expiresAt) {
			c.count = 0
			c.expiresAt = now.Add(ttl)
		}
		if c.count >= ceiling {
			count := c.count
			c.mu.Unlock()
			return count, false, nil
		}
		c.count++
		count := c.count
		c.mu.Unlock()
		return count, true, nil
	}
}

// Decrement implements Store.
func (s *MemoryStore) Decrement(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c := s.lookup(key, false)
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dead || !s.now().Before(c.expiresAt) {
		return nil
	}
	if c.count > 0 {
		c.count--
	}
	return nil
}

// Sweep removes expired counters and reports how many were dropped.
func (s *MemoryStore) Sweep() int {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for key, c := range s.counters {
		c.mu.Lock()
		if !c.expiresAt.IsZero() && !now.Before(c.expiresAt) {
			c.dead = true
			delete(s.counters, key)
			removed++
		}
		c.mu.Unlock()
	}
	return removed
}

// RunSweeper calls Sweep every interval until ctx is cancelled.
func (s *MemoryStore) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}
