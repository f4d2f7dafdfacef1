package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/payee-cli/internal/model"
)

type mapTier[V any] struct {
	mu   sync.Mutex
	data map[string]V
	gets int
}

func newMapTier[V any]() *mapTier[V] {
	return &mapTier[V]{data: map[string]V{}}
}

func (m *mapTier[V]) Get(_ context.Context, key string) (V, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gets++
	v, ok := m.data[key]
	return v, ok
}

func (m *mapTier[V]) Set(_ context.Context, key string, v V) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = v
}

func TestLRU_RoundTrip(t *testing.T) {
	ctx := context.Background()
	c := NewLRU[model.Classification]("fingerprint", 10, time.Hour, nil)

	_, ok := c.Get(ctx, "k")
	assert.False(t, ok)

	want := model.Classification{Category: model.CategoryBusiness, Confidence: 0.92, Stage: model.StageFingerprint}
	c.Set(ctx, "k", want)
	got, ok := c.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, want, got)
}

func TestLRU_EvictsOldest(t *testing.T) {
	ctx := context.Background()
	c := NewLRU[int]("t", 2, time.Hour, nil)
	c.Set(ctx, "a", 1)
	c.Set(ctx, "b", 2)
	c.Set(ctx, "c", 3)

	_, ok := c.Get(ctx, "a")
	assert.False(t, ok)
	assert.Equal(t, 2, c.Len())
}

func TestLRU_Expires(t *testing.T) {
	ctx := context.Background()
	c := NewLRU[int]("t", 2, 20*time.Millisecond, nil)
	c.Set(ctx, "a", 1)

	assert.Eventually(t, func() bool {
		_, ok := c.Get(ctx, "a")
		return !ok
	}, time.Second, 10*time.Millisecond)
}

func TestLayered_BackfillsFasterTier(t *testing.T) {
	ctx := context.Background()
	fast, slow := newMapTier[string](), newMapTier[string]()
	slow.Set(ctx, "k", "v")

	l := NewLayered[string](fast, slow)
	v, ok := l.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, "v", v)

	v, ok = fast.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, "v", v)

	l.Set(ctx, "x", "y")
	_, ok = slow.Get(ctx, "x")
	assert.True(t, ok)

	_, ok = l.Get(ctx, "missing")
	assert.False(t, ok)
}

func TestRedis_UnreachableIsMiss(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { client.Close() }) //nolint:errcheck

	r := NewRedis[model.Classification](client, "test:", time.Minute, nil)
	ctx := context.Background()
	assert.NotPanics(t, func() { r.Set(ctx, "k", model.Classification{}) })
	_, ok := r.Get(ctx, "k")
	assert.False(t, ok)
}

func TestNew_WithoutRedis(t *testing.T) {
	c := New(Config{FingerprintSize: 5, MatchSize: 5, AISize: 5, AITTL: time.Hour}, nil, nil)
	ctx := context.Background()

	c.Match.Set(ctx, "acme|tx", model.MatchResult{Matched: true, Method: model.MatchMethodExact, Confidence: 1})
	got, ok := c.Match.Get(ctx, "acme|tx")
	require.True(t, ok)
	assert.True(t, got.Matched)

	_, isLRU := c.AI.(*LRU[model.Classification])
	assert.True(t, isLRU)
}

func TestConnect_BadURL(t *testing.T) {
	_, err := Connect(context.Background(), "not a url")
	assert.Error(t, err)
}
