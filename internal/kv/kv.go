package kv

import (
	"context"
	"time"
)

// Store is the shared expiring key-value surface the sync engine needs:
// plain values with TTL, atomic counters, and expiring string sets (used as
// the reverse-dependency index). Implementations must be safe for concurrent
// use from request handlers.
//
// A ttl <= 0 means the key does not expire.
type Store interface {
	// Get returns the value for key. The second return is false when the key
	// is absent or expired.
	Get(ctx context.Context, key string) (string, bool, error)

	// SetWithTTL upserts key with the given lifetime.
	SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error

	// Incr atomically adds delta to the counter at key (creating it at delta)
	// and returns the new value. Counters never expire.
	Incr(ctx context.Context, key string, delta int64) (int64, error)

	// SAdd adds members to the set at key. Adding an existing member is a
	// no-op.
	SAdd(ctx context.Context, key string, members ...string) error

	// SMembers returns the non-expired members of the set at key. A missing
	// set yields an empty slice, not an error.
	SMembers(ctx context.Context, key string) ([]string, error)

	// SetExpire moves the expiry of key (value or set) to now+ttl.
	SetExpire(ctx context.Context, key string, ttl time.Duration) error

	// Delete removes the given keys, both plain values and sets. Missing keys
	// are ignored.
	Delete(ctx context.Context, keys ...string) error
}
