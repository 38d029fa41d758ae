package identity

import (
	"context"
	"encoding/json"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/StricklySoft/stricklysoft-identity/pkg/auth"
	sserr "github.com/StricklySoft/stricklysoft-identity/pkg/errors"
)

// DefaultRedisKeyPrefix namespaces claims entries in a shared Redis.
const DefaultRedisKeyPrefix = "identity:claims:"

// ClaimsCache stores enriched principals by (provider, external id). It is
// advisory: a stale entry lives at most until its TTL or an explicit
// Delete.
type ClaimsCache interface {
	// Get returns the cached principal. A miss is (nil, false, nil).
	Get(ctx context.Context, key string) (*auth.Principal, bool, error)
	Set(ctx context.Context, key string, p *auth.Principal, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

// CacheKey is the cache key of a provider identity.
func CacheKey(provider, externalID string) string {
	return provider + ":" + externalID
}

// ---------------------------------------------------------------------------
// In-process cache
// ---------------------------------------------------------------------------

// MemoryCache is a process-local [ClaimsCache].
type MemoryCache struct {
	c *gocache.Cache
}

var _ ClaimsCache = (*MemoryCache)(nil)

// NewMemoryCache returns a cache whose entries default to ttl. Expired
// entries are purged every cleanup interval.
func NewMemoryCache(ttl, cleanup time.Duration) *MemoryCache {
	return &MemoryCache{c: gocache.New(ttl, cleanup)}
}

func (m *MemoryCache) Get(_ context.Context, key string) (*auth.Principal, bool, error) {
	v, ok := m.c.Get(key)
	if !ok {
		return nil, false, nil
	}
	p, ok := v.(*auth.Principal)
	return p, ok, nil
}

func (m *MemoryCache) Set(_ context.Context, key string, p *auth.Principal, ttl time.Duration) error {
	m.c.Set(key, p, ttl)
	return nil
}

func (m *MemoryCache) Delete(_ context.Context, keys ...string) error {
	for _, k := range keys {
		m.c.Delete(k)
	}
	return nil
}

// Len returns the number of entries, including expired ones not yet
// purged.
func (m *MemoryCache) Len() int { return m.c.ItemCount() }

// NopCache never stores anything; every lookup resolves through the
// repository.
type NopCache struct{}

var _ ClaimsCache = NopCache{}

func (NopCache) Get(context.Context, string) (*auth.Principal, bool, error)        { return nil, false, nil }
func (NopCache) Set(context.Context, string, *auth.Principal, time.Duration) error { return nil }
func (NopCache) Delete(context.Context, ...string) error                           { return nil }

// ---------------------------------------------------------------------------
// Redis cache
// ---------------------------------------------------------------------------

// RedisStore is the part of the Redis client the cache uses. It is
// satisfied by [*redis.Client] from pkg/clients/redis.
type RedisStore interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	Get(ctx context.Context, key string) (string, error)
	Del(ctx context.Context, keys ...string) (int64, error)
}

// RedisCache shares principals between replicas as JSON documents.
type RedisCache struct {
	store  RedisStore
	prefix string
}

var _ ClaimsCache = (*RedisCache)(nil)

// NewRedisCache returns a cache over store. An empty prefix selects
// [DefaultRedisKeyPrefix].
func NewRedisCache(store RedisStore, prefix string) *RedisCache {
	if prefix == "" {
		prefix = DefaultRedisKeyPrefix
	}
	return &RedisCache{store: store, prefix: prefix}
}

func (r *RedisCache) Get(ctx context.Context, key string) (*auth.Principal, bool, error) {
	raw, err := r.store.Get(ctx, r.prefix+key)
	if sserr.IsNotFound(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var p auth.Principal
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		// A corrupt entry is treated as a miss and overwritten later.
		return nil, false, nil
	}
	return &p, true, nil
}

func (r *RedisCache) Set(ctx context.Context, key string, p *auth.Principal, ttl time.Duration) error {
	b, err := json.Marshal(p)
	if err != nil {
		return sserr.Wrap(err, sserr.CodeInternal, "identity: failed to encode principal")
	}
	return r.store.Set(ctx, r.prefix+key, string(b), ttl)
}

func (r *RedisCache) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	prefixed := make([]string, len(keys))
	for i, k := range keys {
		prefixed[i] = r.prefix + k
	}
	_, err := r.store.Del(ctx, prefixed...)
	return err
}
