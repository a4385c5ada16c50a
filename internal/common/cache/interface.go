package cache

import (
	"context"
	"time"
)

// Cache defines the unified interface for cache operations.
// The evaluation service only needs key-value, hash and lock primitives.
type Cache interface {
	BasicOps
	HashOps
	LockOps

	// Ping verifies the cache connection is alive
	Ping(ctx context.Context) error

	// Close closes the cache connection
	Close() error
}

// BasicOps defines basic key-value operations
type BasicOps interface {
	// Get retrieves the value for the given key, "" when missing
	Get(ctx context.Context, key string) (string, error)

	// Set stores a key-value pair with optional TTL
	// If ttl is 0, the key will not expire
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error

	// Del deletes one or more keys
	Del(ctx context.Context, keys ...string) error
}

// HashOps defines hash (map) operations
type HashOps interface {
	// HSet sets field in the hash stored at key to value
	HSet(ctx context.Context, key, field string, value interface{}) error

	// HGet returns the value associated with field, "" when missing
	HGet(ctx context.Context, key, field string) (string, error)

	// HGetAll returns all fields and values of the hash stored at key
	HGetAll(ctx context.Context, key string) (map[string]string, error)

	// HDel deletes one or more fields from the hash stored at key
	HDel(ctx context.Context, key string, fields ...string) error
}

// LockOps defines distributed lock operations.
// A lock is owned by the token that acquired it; release and extension
// by any other token are no-ops.
type LockOps interface {
	// TryLock attempts to acquire the lock at key for token
	// Returns true if lock was acquired, false otherwise
	TryLock(ctx context.Context, key, token string, ttl time.Duration) (bool, error)

	// Unlock releases the lock when it is still owned by token
	Unlock(ctx context.Context, key, token string) error

	// ExtendLock extends the TTL of a lock still owned by token
	ExtendLock(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
}
