// Package cache defines an abstract byte-oriented cache used as the shared
// layer under the typed leaderboard page cache. Implementations may use
// in-memory maps (default) or Redis; the tiered variant combines both for
// multi-instance deployments. Encoding is left to the caller.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key does not exist in the cache.
var ErrNotFound = errors.New("cache: key not found")

// Cache abstracts a key-value cache with TTL support.
// All operations are safe for concurrent use.
type Cache interface {
	// Get retrieves the value associated with key.
	// Returns ErrNotFound if the key does not exist or has expired.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores a value with the given TTL. A zero TTL means the entry
	// does not expire (or uses the implementation's default expiration).
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes a key from the cache. It is not an error to delete
	// a key that does not exist.
	Delete(ctx context.Context, key string) error

	// DeleteMatching removes all keys containing the given substring and
	// returns the number removed. Leaderboard keys embed their category,
	// so category-scoped invalidation passes ":<category>:" here.
	DeleteMatching(ctx context.Context, substr string) (int, error)

	// Exists reports whether the key exists and has not expired.
	Exists(ctx context.Context, key string) (bool, error)

	// Ping verifies connectivity to the underlying cache backend.
	Ping(ctx context.Context) error

	// Close releases all resources held by the cache implementation.
	Close() error
}
