package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/sells-group/payee-cli/internal/metrics"
)

// Redis is a shared tier storing JSON values under a key prefix. Redis errors
// are logged and treated as misses.
type Redis[V any] struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	m      *metrics.Metrics
}

// NewRedis creates a Redis-backed tier.
func NewRedis[V any](client *redis.Client, prefix string, ttl time.Duration, m *metrics.Metrics) *Redis[V] {
	return &Redis[V]{client: client, prefix: prefix, ttl: ttl, m: m}
}

// Get implements Tier.
func (r *Redis[V]) Get(ctx context.Context, key string) (V, bool) {
	var v V
	data, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		r.m.CacheLookup("redis", false)
		return v, false
	}
	if err != nil {
		zap.L().Debug("cache: redis get failed", zap.String("key", key), zap.Error(err))
		r.m.CacheLookup("redis", false)
		return v, false
	}
	if err := json.Unmarshal(data, &v); err != nil {
		zap.L().Warn("cache: redis value corrupt", zap.String("key", key), zap.Error(err))
		r.m.CacheLookup("redis", false)
		return v, false
	}
	r.m.CacheLookup("redis", true)
	return v, true
}

// Set implements Tier.
func (r *Redis[V]) Set(ctx context.Context, key string, v V) {
	data, err := json.Marshal(v)
	if err != nil {
		zap.L().Warn("cache: marshal value", zap.String("key", key), zap.Error(err))
		return
	}
	if err := r.client.Set(ctx, r.prefix+key, data, r.ttl).Err(); err != nil {
		zap.L().Debug("cache: redis set failed", zap.String("key", key), zap.Error(err))
	}
}

// Connect parses a redis URL and verifies connectivity.
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close() //nolint:errcheck
		return nil, err
	}
	return client, nil
}
