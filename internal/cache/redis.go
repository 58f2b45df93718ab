package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix           = "kestrel:"
	redisConnectTimeout = 15 * time.Second
)

// RedisCache implements Cache using Redis.
// Used as the Pro tier cache and as L2 in two-phase caching.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache creates a new Redis cache.
// The initial ping is retried with exponential backoff.
func NewRedisCache(addr, password string, db int) (*RedisCache, error) {
	if addr == "" {
		addr = "localhost:6379"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), redisConnectTimeout)
	defer cancel()

	ping := func() error { return client.Ping(ctx).Err() }
	policy := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)
	err := backoff.RetryNotify(ping, policy, func(err error, next time.Duration) {
		slog.Warn("redis not ready, retrying", "addr", addr, "retry_in", next, "error", err)
	})
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisCache{client: client}, nil
}

// Get retrieves a value from Redis.
func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := c.client.Get(ctx, keyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return val, nil
}

// Set stores a value in Redis with TTL.
func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.client.Set(ctx, keyPrefix+key, value, ttl).Err()
}

// Delete removes a value from Redis.
func (c *RedisCache) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, keyPrefix+key).Err()
}

// GetTransaction retrieves a cached transaction record.
func (c *RedisCache) GetTransaction(ctx context.Context, txID string) (*domain.TransactionRecord, error) {
	return getRecord(ctx, c, txID)
}

// SetTransaction caches a transaction record.
func (c *RedisCache) SetTransaction(ctx context.Context, rec *domain.TransactionRecord, ttl time.Duration) error {
	return setRecord(ctx, c, rec, ttl)
}

// GetIdempotent resolves an idempotency key.
func (c *RedisCache) GetIdempotent(ctx context.Context, key string) (string, error) {
	return getIdempotent(ctx, c, key)
}

// SetIdempotent records the transaction produced under key.
// SETNX keeps the first writer when two nodes race on the same key.
func (c *RedisCache) SetIdempotent(ctx context.Context, key string, txID string, ttl time.Duration) error {
	return c.client.SetNX(ctx, keyPrefix+idempotencyKey(key), txID, ttl).Err()
}

// Ping checks Redis connectivity.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (c *RedisCache) Close() error {
	return c.client.Close()
}
