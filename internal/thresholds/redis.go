package thresholds

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// SharedCache is a cross-process cache of the threshold configuration.
type SharedCache interface {
	// Get returns ok=false on a miss.
	Get(ctx context.Context) (Config, bool, error)
	Set(ctx context.Context, cfg Config) error
	Invalidate(ctx context.Context) error
}

// RedisCache stores the configuration as JSON under a single key.
type RedisCache struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

// NewRedisCache creates a redis-backed shared cache.
func NewRedisCache(client *redis.Client, key string, ttl time.Duration) (*RedisCache, error) {
	if client == nil {
		return nil, errors.New("redis client cannot be nil")
	}
	if key == "" {
		return nil, errors.New("redis key cannot be empty")
	}
	return &RedisCache{client: client, key: key, ttl: ttl}, nil
}

// Get implements SharedCache.
func (r *RedisCache) Get(ctx context.Context) (Config, bool, error) {
	val, err := r.client.Get(ctx, r.key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Config{}, false, nil
		}
		return Config{}, false, err
	}
	var cfg Config
	if err := json.Unmarshal([]byte(val), &cfg); err != nil {
		return Config{}, false, fmt.Errorf("failed to decode cached thresholds: %w", err)
	}
	return cfg, true, nil
}

// Set implements SharedCache.
func (r *RedisCache) Set(ctx context.Context, cfg Config) error {
	b, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, r.key, b, r.ttl).Err()
}

// Invalidate implements SharedCache.
func (r *RedisCache) Invalidate(ctx context.Context) error {
	return r.client.Del(ctx, r.key).Err()
}
