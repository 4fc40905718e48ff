// Package cache provides a small key/value cache backed by Redis. Callers
// that run without Redis get NopKV, which misses on every read.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
)

// ErrMiss is returned by Get when the key is absent or expired.
var ErrMiss = errors.New("cache miss")

// KV is the cache contract used by the domain services.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

// Key joins parts with ':' after the given namespace.
func Key(namespace string, parts ...string) string {
	return namespace + ":" + strings.Join(parts, ":")
}

// RedisKV implements KV on a go-redis client. Every key is prefixed so several
// deployments can share one Redis.
type RedisKV struct {
	c      *redis.Client
	prefix string
}

// NewRedisKV wraps an existing client.
func NewRedisKV(c *redis.Client, prefix string) *RedisKV {
	return &RedisKV{c: c, prefix: prefix}
}

// Open parses a redis:// URL, connects and pings.
func Open(ctx context.Context, url, prefix string) (*RedisKV, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	c := redis.NewClient(opts)
	if err := c.Ping(ctx).Err(); err != nil {
		c.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}
	return NewRedisKV(c, prefix), nil
}

func (r *RedisKV) key(k string) string {
	if r.prefix == "" {
		return k
	}
	return r.prefix + ":" + k
}

func (r *RedisKV) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := r.c.Get(ctx, r.key(key)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrMiss
		}
		return nil, err
	}
	return val, nil
}

func (r *RedisKV) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return r.c.Set(ctx, r.key(key), value, ttl).Err()
}

func (r *RedisKV) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = r.key(k)
	}
	return r.c.Del(ctx, full...).Err()
}

// Ping reports whether Redis is reachable.
func (r *RedisKV) Ping(ctx context.Context) error {
	return r.c.Ping(ctx).Err()
}

func (r *RedisKV) Close() error {
	return r.c.Close()
}

// NopKV never stores anything.
type NopKV struct{}

func (NopKV) Get(context.Context, string) ([]byte, error)              { return nil, ErrMiss }
func (NopKV) Set(context.Context, string, []byte, time.Duration) error { return nil }
func (NopKV) Delete(context.Context, ...string) error                  { return nil }

// GetJSON decodes a cached JSON value into dst.
func GetJSON(ctx context.Context, kv KV, key string, dst interface{}) error {
	raw, err := kv.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("decoding cached %s: %w", key, err)
	}
	return nil
}

// SetJSON encodes v as JSON and stores it.
func SetJSON(ctx context.Context, kv KV, key string, v interface{}, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s for cache: %w", key, err)
	}
	return kv.Set(ctx, key, raw, ttl)
}
