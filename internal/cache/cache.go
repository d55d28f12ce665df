// Package cache implements a Redis cache.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	redis "github.com/go-redis/redis/v8"
)

type Cache interface {
	Get(ctx context.Context, key string) (any, error)
	SetTTL(ctx context.Context, key string, value any, ttl time.Duration) error
	Exists(ctx context.Context, key string) (bool, error)
}

type RedisCache struct {
	conn *redis.Client
}

// NewRedisClient connects to Redis and verifies the connection. The same
// connection backs both the cache and the distributed lock.
func NewRedisClient(ctx context.Context, addr string) (*redis.Client, error) {
	opt, err := redis.ParseURL(addr)
	if err != nil {
		return nil, fmt.Errorf("parsing redis URL: %w", err)
	}
	client := redis.NewClient(opt)

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("pinging redis: %w", err)
	}

	return client, nil
}

func NewRedisCache(ctx context.Context, addr string) (Cache, error) {
	client, err := NewRedisClient(ctx, addr)
	if err != nil {
		return nil, err
	}
	return &RedisCache{conn: client}, nil
}

// NewRedisCacheFromClient wraps an existing connection.
func NewRedisCacheFromClient(client *redis.Client) Cache {
	return &RedisCache{conn: client}
}

// SetTTL stores a value that expires after ttl. A zero ttl keeps the key
// until it is overwritten.
func (rc *RedisCache) SetTTL(ctx context.Context, key string, value any, ttl time.Duration) error {
	return rc.conn.Set(ctx, key, value, ttl).Err()
}

// Exists reports whether the key is present and unexpired.
func (rc *RedisCache) Exists(ctx context.Context, key string) (bool, error) {
	n, err := rc.conn.Exists(ctx, key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Get retrieves a value from the cache. A missing key yields the empty
// string, not an error.
func (rc *RedisCache) Get(ctx context.Context, key string) (any, error) {
	value, err := rc.conn.Get(ctx, key).Result()
	if err == nil || errors.Is(err, redis.Nil) {
		return value, nil
	}

	return nil, err
}
