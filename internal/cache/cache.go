// Package cache provides the bounded, time-limited cache tiers used by the
// classification cascade and the matching engine. Eviction only affects cost.
package cache

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"

	"github.com/sells-group/payee-cli/internal/metrics"
	"github.com/sells-group/payee-cli/internal/model"
)

// Tier is one key/value cache level. Implementations are safe for concurrent use.
type Tier[V any] interface {
	Get(ctx context.Context, key string) (V, bool)
	Set(ctx context.Context, key string, v V)
}

// LRU is an in-process size- and TTL-bounded tier.
type LRU[V any] struct {
	name string
	lru  *expirable.LRU[string, V]
	m    *metrics.Metrics
}

// NewLRU creates an in-process tier. size <= 0 defaults to 10,000 entries.
func NewLRU[V any](name string, size int, ttl time.Duration, m *metrics.Metrics) *LRU[V] {
	if size <= 0 {
		size = 10_000
	}
	return &LRU[V]{name: name, lru: expirable.NewLRU[string, V](size, nil, ttl), m: m}
}

// Get implements Tier.
func (c *LRU[V]) Get(_ context.Context, key string) (V, bool) {
	v, ok := c.lru.Get(key)
	c.m.CacheLookup(c.name, ok)
	return v, ok
}

// Set implements Tier.
func (c *LRU[V]) Set(_ context.Context, key string, v V) {
	c.lru.Add(key, v)
}

// Len returns the number of live entries.
func (c *LRU[V]) Len() int {
	return c.lru.Len()
}

// Layered reads tiers in order and backfills faster tiers on a slower-tier hit.
// Writes go to every tier.
type Layered[V any] struct {
	tiers []Tier[V]
}

// NewLayered stacks tiers fastest first.
func NewLayered[V any](tiers ...Tier[V]) *Layered[V] {
	return &Layered[V]{tiers: tiers}
}

// Get implements Tier.
func (l *Layered[V]) Get(ctx context.Context, key string) (V, bool) {
	for i, t := range l.tiers {
		if v, ok := t.Get(ctx, key); ok {
			for j := 0; j < i; j++ {
				l.tiers[j].Set(ctx, key, v)
			}
			return v, true
		}
	}
	var zero V
	return zero, false
}

// Set implements Tier.
func (l *Layered[V]) Set(ctx context.Context, key string, v V) {
	for _, t := range l.tiers {
		t.Set(ctx, key, v)
	}
}

// Config sizes the three cache tiers.
type Config struct {
	FingerprintSize int
	FingerprintTTL  time.Duration
	MatchSize       int
	MatchTTL        time.Duration
	AISize          int
	AITTL           time.Duration
}

// Caches bundles the tiers shared by one pipeline.
type Caches struct {
	// Fingerprint maps name+address fingerprints to classifications.
	Fingerprint Tier[model.Classification]
	// Match maps a normalized name plus locality to a match result.
	Match Tier[model.MatchResult]
	// AI maps a normalized name plus compact context to a fresh AI classification.
	AI Tier[model.Classification]
}

// New builds the cache tiers. When rdb is non-nil the AI tier is backed by a
// shared Redis tier under the in-process LRU.
func New(cfg Config, rdb *redis.Client, m *metrics.Metrics) *Caches {
	c := &Caches{
		Fingerprint: NewLRU[model.Classification]("fingerprint", cfg.FingerprintSize, cfg.FingerprintTTL, m),
		Match:       NewLRU[model.MatchResult]("match", cfg.MatchSize, cfg.MatchTTL, m),
	}
	ai := NewLRU[model.Classification]("ai", cfg.AISize, cfg.AITTL, m)
	if rdb != nil {
		c.AI = NewLayered[model.Classification](ai, NewRedis[model.Classification](rdb, "payee:ai:", cfg.AITTL, m))
	} else {
		c.AI = ai
	}
	return c
}
