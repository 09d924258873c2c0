// Package redis implements a shared seen-URL cache on Redis so several
// workers skip links another worker already offered.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type keyValue interface {
	Exists(ctx context.Context, keys ...string) (int64, error)
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Close() error
}

type redisKV struct {
	client *redis.Client
}

func (r *redisKV) Exists(ctx context.Context, keys ...string) (int64, error) {
	return r.client.Exists(ctx, keys...).Result()
}

func (r *redisKV) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return r.client.SetNX(ctx, key, value, ttl).Result()
}

func (r *redisKV) Close() error {
	return r.client.Close()
}

// Cache keys URLs under a prefix with a TTL.
type Cache struct {
	kv     keyValue
	prefix string
	ttl    time.Duration
}

// Options selects the Redis server and key layout.
type Options struct {
	Addr     string
	Password string
	DB       int
	// Prefix defaults to "forum:seen:".
	Prefix string
	TTL    time.Duration
}

// New connects to the configured server.
func New(opts Options) (*Cache, error) {
	if opts.Addr == "" {
		return nil, fmt.Errorf("redis address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	return newCache(&redisKV{client: client}, opts.Prefix, opts.TTL)
}

func newCache(kv keyValue, prefix string, ttl time.Duration) (*Cache, error) {
	if ttl <= 0 {
		return nil, fmt.Errorf("seen cache ttl must be positive")
	}
	if prefix == "" {
		prefix = "forum:seen:"
	}
	return &Cache{kv: kv, prefix: prefix, ttl: ttl}, nil
}

// Filter returns urls without a live key.
func (c *Cache) Filter(ctx context.Context, urls []string) ([]string, error) {
	fresh := make([]string, 0, len(urls))
	for _, u := range urls {
		n, err := c.kv.Exists(ctx, c.prefix+u)
		if err != nil {
			return nil, fmt.Errorf("redis exists: %w", err)
		}
		if n == 0 {
			fresh = append(fresh, u)
		}
	}
	return fresh, nil
}

// Mark sets a key per URL if absent.
func (c *Cache) Mark(ctx context.Context, urls []string) error {
	for _, u := range urls {
		if _, err := c.kv.SetNX(ctx, c.prefix+u, "1", c.ttl); err != nil {
			return fmt.Errorf("redis setnx: %w", err)
		}
	}
	return nil
}

// Close closes the client.
func (c *Cache) Close() error {
	return c.kv.Close()
}
