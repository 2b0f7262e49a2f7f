package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	// DefaultCeiling is the number of accepted submissions allowed per window.
	DefaultCeiling = 5
	// DefaultWindow is the fixed window length.
	DefaultWindow = time.Hour
	// KeyPrefix namespaces counter keys in a shared store.
	KeyPrefix = "contact_rate_limit_"
)

// ErrStoreRequired is returned by New when no store is given.
var ErrStoreRequired = errors.New("ratelimit: store is required")

// Config holds the limiter policy. Zero values fall back to the defaults.
type Config struct {
	Ceiling int64
	Window  time.Duration
}

// Limiter is a fixed-window counter keyed by source identifier.
//
// Capacity is consumed in two steps: Check is a cheap read used to reject a
// source that is already at the ceiling, and Reserve is the atomic
// increment-if-below-ceiling taken just before a submission is persisted.
// A reservation whose write fails is handed back with Release.
type Limiter struct {
	store   Store
	ceiling int64
	window  time.Duration
}

// New creates a Limiter over store.
func New(store Store, cfg Config) (*Limiter, error) {
	if store == nil {
		return nil, ErrStoreRequired
	}
	if cfg.Ceiling < 0 || cfg.Window < 0 {
		return nil, fmt.Errorf("ratelimit: ceiling and window must not be negative")
	}
	if cfg.Ceiling == 0 {
		cfg.Ceiling = DefaultCeiling
	}
	if cfg.Window == 0 {
		cfg.Window = DefaultWindow
	}
	return &Limiter{store: store, ceiling: cfg.Ceiling, window: cfg.Window}, nil
}

// Key returns the store key for sourceID.
func Key(sourceID string) string {
	id := strings.ToLower(strings.TrimSpace(sourceID))
	if id == "" {
		id = "unknown"
	}
	return KeyPrefix + id
}

// Check reports whether sourceID still has capacity. It does not consume any.
func (l *Limiter) Check(ctx context.Context, sourceID string) (bool, error) {
	count, err := l.store.Get(ctx, Key(sourceID))
	if err != nil {
		return false, fmt.Errorf("rate limit check: %w", err)
	}
	return count < l.ceiling, nil
}

// Reserve atomically takes one unit of capacity for sourceID. It returns
// false when the ceiling has already been reached.
func (l *Limiter) Reserve(ctx context.Context, sourceID string) (bool, error) {
	_, ok, err := l.store.IncrementBelow(ctx, Key(sourceID), l.ceiling, l.window)
	if err != nil {
		return false, fmt.Errorf("rate limit reserve: %w", err)
	}
	return ok, nil
}

// Release returns a unit taken by Reserve.
func (l *Limiter) Release(ctx context.Context, sourceID string) error {
	if err := l.store.Decrement(ctx, Key(sourceID)); err != nil {
		return fmt.Errorf("rate limit release: %w", err)
	}
	return nil
}

// Ceiling returns the configured ceiling.
func (l *Limiter) Ceiling() int64 { return l.ceiling }

// Window returns the configured window.
func (l *Limiter) Window() time.Duration { return l.window }
