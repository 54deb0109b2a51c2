package cache

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/joao-brasil/registry-resilience/internal/metrics"
)

// DefaultKeyPrefix namespaces shared cache keys in Redis.
const DefaultKeyPrefix = "registry:cache:"

// RedisConfig holds the connection settings of the shared tier.
type RedisConfig struct {
	Addr         string
	Password     string
	DB           int
	KeyPrefix    string
	PoolSize     int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// RedisStore is the shared cache tier. Values are opaque bytes; expiry is
// delegated to Redis key TTLs.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore connects to Redis and verifies connectivity.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	s := NewRedisStoreFromClient(client, cfg.KeyPrefix)
	if err := s.Ping(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	log.Printf("[cache] Redis tier connected: %s (prefix=%s)", cfg.Addr, s.prefix)
	return s, nil
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

// Get returns the bytes stored under key. ok is false on a miss.
func (s *RedisStore) Get(ctx context.Context, key string) (data []byte, ok bool, err error) {
	data, err = s.client.Get(ctx, s.prefix+key).Bytes()
	switch {
	case errors.Is(err, redis.Nil):
		metrics.CacheOperations.WithLabelValues("redis", "miss").Inc()
		return nil, false, nil
	case err != nil:
		metrics.RedisOperations.WithLabelValues("cache_get", "error").Inc()
		return nil, false, fmt.Errorf("redis get %s: %w", key, err)
	}
	metrics.CacheOperations.WithLabelValues("redis", "hit").Inc()
	return data, true, nil
}

// Set stores data under key for ttl.
func (s *RedisStore) Set(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if err := s.client.Set(ctx, s.prefix+key, data, ttl).Err(); err != nil {
		metrics.RedisOperations.WithLabelValues("cache_set", "error").Inc()
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	metrics.CacheOperations.WithLabelValues("redis", "set").Inc()
	return nil
}

// Delete removes key.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.prefix+key).Err(); err != nil {
		metrics.RedisOperations.WithLabelValues("cache_del", "error").Inc()
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	return nil
}

// DeletePrefix removes every key starting with prefix and returns the count.
func (s *RedisStore) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	var (
		cursor  uint64
		removed int
	)
	for {
		keys, next, err := s.client.Scan(ctx, cursor, scanPattern(s.prefix+prefix), 100).Result()
		if err != nil {
			metrics.RedisOperations.WithLabelValues("cache_scan", "error").Inc()
			return removed, fmt.Errorf("redis scan %s*: %w", prefix, err)
		}
		if len(keys) > 0 {
			n, err := s.client.Del(ctx, keys...).Result()
			if err != nil {
				return removed, fmt.Errorf("redis del: %w", err)
			}
			removed += int(n)
		}
		cursor = next
		if cursor == 0 {
			return removed, nil
		}
	}
}

// globMeta escapes the characters SCAN MATCH treats as a glob.
var globMeta = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

// scanPattern matches every key starting with prefix, taken literally.
func scanPattern(prefix string) string {
	return globMeta.Replace(prefix) + "*"
}

// Ping checks connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		metrics.RedisOperations.WithLabelValues("ping", "error").Inc()
		return err
	}
	metrics.RedisOperations.WithLabelValues("ping", "ok").Inc()
	return nil
}

// Close closes the Redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
