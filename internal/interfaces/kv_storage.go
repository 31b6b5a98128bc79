package interfaces

import (
	"context"
	"errors"
	"time"
)

// ErrKeyNotFound is returned when a key is not found in the key/value store
var ErrKeyNotFound = errors.New("key not found")

// KeyValueStorage defines operations for the TTL-aware key/value cache.
// It backs the cancellation flags, the crawled-URL dedup keys, rate-limit
// windows, progress snapshots, and the browser-pool status snapshot.
type KeyValueStorage interface {
	// Get retrieves a value by key, ErrKeyNotFound if absent or expired
	Get(ctx context.Context, key string) (string, error)

	// Set inserts or updates a key with an expiry; ttl <= 0 means no expiry
	Set(ctx context.Context, key string, value string, ttl time.Duration) error

	// SetNX sets the key only if it does not already exist.
	// Returns true when this call created the key.
	SetNX(ctx context.Context, key string, value string, ttl time.Duration) (bool, error)

	// Delete removes a key; deleting a missing key is not an error
	Delete(ctx context.Context, key string) error

	// Exists reports whether the key is present and unexpired
	Exists(ctx context.Context, key string) (bool, error)

	// Increment atomically bumps an integer counter, creating it at 1
	// with the given ttl. Used for sliding rate-limit windows.
	Increment(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// ListByPrefix returns all live keys with the given prefix
	ListByPrefix(ctx context.Context, prefix string) (map[string]string, error)

	// DeleteByPrefix removes all keys with the given prefix
	DeleteByPrefix(ctx context.Context, prefix string) (int, error)
}
