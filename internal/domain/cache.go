package domain

import (
	"context"
	"time"
)

// Cache defines the interface for caching operations.
// Supports two-phase caching: local LRU (Community) + Redis (Pro).
type Cache interface {
	// Get retrieves a value from cache.
	// Returns nil, nil if key not found.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores a value in cache with expiration.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes a value from cache.
	Delete(ctx context.Context, key string) error

	// GetTransaction retrieves a cached transaction record.
	GetTransaction(ctx context.Context, txID string) (*TransactionRecord, error)

	// SetTransaction caches a transaction record for read-through lookups.
	SetTransaction(ctx context.Context, rec *TransactionRecord, ttl time.Duration) error

	// GetIdempotent resolves an idempotency key to a transaction ID ("" on miss).
	GetIdempotent(ctx context.Context, key string) (string, error)

	// SetIdempotent remembers which transaction an idempotency key produced.
	SetIdempotent(ctx context.Context, key string, txID string, ttl time.Duration) error

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// CacheConfig holds configuration for cache initialization.
type CacheConfig struct {
	// Type is the cache type: "memory" or "redis"
	Type string

	// Local LRU cache settings (Community tier)
	LocalMaxSize int
	LocalTTL     time.Duration

	// Redis settings (Pro tier)
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Two-phase settings
	EnableTwoPhase bool // If true, check local first, then Redis

	// TTLs applied by the intake service
	RecordTTL      time.Duration
	IdempotencyTTL time.Duration
}
