// Package cache wraps the Redis fast store used for real-time counters,
// pending-sync bookkeeping, and live session records.
//
// All operations rely on Redis's own atomicity for single keys; the only
// multi-key operation, IncrPair, runs inside a MULTI/EXEC transaction so the
// per-user and global counters always move together.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache wraps a Redis client.
type Cache struct {
	rdb    *redis.Client
	logger *slog.Logger
}

// Options configures the Redis connection.
type Options struct {
	Addr     string
	Password string
	DB       int
}

// New connects to Redis and verifies the connection with a ping.
func New(ctx context.Context, opts Options, logger *slog.Logger) (*Cache, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis at %s: %w", opts.Addr, err)
	}

	if logger != nil {
		logger.Info("Redis connected", "addr", opts.Addr, "db", opts.DB)
	}

	return &Cache{rdb: rdb, logger: logger}, nil
}

// NewWithClient wraps an existing client. Used by tests with miniredis.
func NewWithClient(rdb *redis.Client, logger *slog.Logger) *Cache {
	return &Cache{rdb: rdb, logger: logger}
}

// Close closes the underlying connection.
func (c *Cache) Close() error {
	if c.logger != nil {
		c.logger.Info("Closing Redis connection")
	}
	return c.rdb.Close()
}

// Get retrieves a string value. The second return is false on a missing key.
func (c *Cache) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := c.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get %s: %w", key, err)
	}
	return val, true, nil
}

// GetInt64 retrieves an integer value. The second return is false on a missing key.
func (c *Cache) GetInt64(ctx context.Context, key string) (int64, bool, error) {
	val, err := c.rdb.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("get %s: %w", key, err)
	}
	return val, true, nil
}

// Set stores a string value. A zero ttl means no expiry.
func (c *Cache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := c.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

// IncrBy atomically adds n to the integer at key and returns the new value.
func (c *Cache) IncrBy(ctx context.Context, key string, n int64) (int64, error) {
	val, err := c.rdb.IncrBy(ctx, key, n).Result()
	if err != nil {
		return 0, fmt.Errorf("incrby %s: %w", key, err)
	}
	return val, nil
}

// IncrPair atomically adds n to both keys inside a MULTI/EXEC transaction
// and returns the new value of the first key.
func (c *Cache) IncrPair(ctx context.Context, first, second string, n int64) (int64, error) {
	var firstCmd *redis.IntCmd
	_, err := c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		firstCmd = pipe.IncrBy(ctx, first, n)
		pipe.IncrBy(ctx, second, n)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("incr pair %s/%s: %w", first, second, err)
	}
	return firstCmd.Val(), nil
}

// Del removes the given keys. Missing keys are not an error.
func (c *Cache) Del(ctx context.Context, keys ...string) error {
	if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("del: %w", err)
	}
	return nil
}

// TTL returns the remaining time to live of a key.
// Returns -1 for keys without expiry and -2 for missing keys, as Redis does.
func (c *Cache) TTL(ctx context.Context, key string) (time.Duration, error) {
	ttl, err := c.rdb.TTL(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("ttl %s: %w", key, err)
	}
	return ttl, nil
}

// Set operations.

// SAdd adds members to the set at key.
func (c *Cache) SAdd(ctx context.Context, key string, members ...string) error {
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	if err := c.rdb.SAdd(ctx, key, args...).Err(); err != nil {
		return fmt.Errorf("sadd %s: %w", key, err)
	}
	return nil
}

// SRem removes members from the set at key.
func (c *Cache) SRem(ctx context.Context, key string, members ...string) error {
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	if err := c.rdb.SRem(ctx, key, args...).Err(); err != nil {
		return fmt.Errorf("srem %s: %w", key, err)
	}
	return nil
}

// SMembers returns all members of the set at key.
func (c *Cache) SMembers(ctx context.Context, key string) ([]string, error) {
	members, err := c.rdb.SMembers(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("smembers %s: %w", key, err)
	}
	return members, nil
}

// SCard returns the cardinality of the set at key.
func (c *Cache) SCard(ctx context.Context, key string) (int64, error) {
	n, err := c.rdb.SCard(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("scard %s: %w", key, err)
	}
	return n, nil
}

// SIsMember reports whether member is in the set at key.
func (c *Cache) SIsMember(ctx context.Context, key, member string) (bool, error) {
	ok, err := c.rdb.SIsMember(ctx, key, member).Result()
	if err != nil {
		return false, fmt.Errorf("sismember %s: %w", key, err)
	}
	return ok, nil
}

// Hash operations.

// HSet stores a field in the hash at key.
func (c *Cache) HSet(ctx context.Context, key, field, value string) error {
	if err := c.rdb.HSet(ctx, key, field, value).Err(); err != nil {
		return fmt.Errorf("hset %s.%s: %w", key, field, err)
	}
	return nil
}

// HGet retrieves a field from the hash at key. The second return is false
// when the field or hash is missing.
func (c *Cache) HGet(ctx context.Context, key, field string) (string, bool, error) {
	val, err := c.rdb.HGet(ctx, key, field).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("hget %s.%s: %w", key, field, err)
	}
	return val, true, nil
}

// HGetAll returns all fields of the hash at key. Missing hashes yield an empty map.
func (c *Cache) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	fields, err := c.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("hgetall %s: %w", key, err)
	}
	return fields, nil
}

// HDel removes fields from the hash at key.
func (c *Cache) HDel(ctx context.Context, key string, fields ...string) error {
	if err := c.rdb.HDel(ctx, key, fields...).Err(); err != nil {
		return fmt.Errorf("hdel %s: %w", key, err)
	}
	return nil
}
