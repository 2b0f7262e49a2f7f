// Package ratelimit bounds accepted contact submissions per source within a
// fixed window. Counter state lives in an injected Store so that several
// server instances can share it.
package ratelimit

import (
	"context"
	"time"
)

// Store is a counter store with per-key expiry. Every method must be atomic
// with respect to concurrent callers using the same key.
type Store interface {
	// Get returns the current count for key, or 0 when the key is absent or
	// its window has expired.
	Get(ctx context.Context, key string) (int64, error)

	// IncrementBelow increments key only if its current count is below
	// ceiling, returning the resulting count and whether the increment
	// happened. An absent or expired key starts again from zero with a fresh
	// ttl. The ttl is not extended by later increments.
	IncrementBelow(ctx context.Context, key string, ceiling int64, ttl time.Duration) (int64, bool, error)

	// Decrement undoes one increment. It never takes a count below zero and
	// leaves the expiry untouched.
	Decrement(ctx context.Context, key string) error
}
