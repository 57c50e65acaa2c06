// Package cache implements typed cache-aside lookups on a KeyValueStore.
//
// A Cache only reads and writes; it performs no invalidation, refresh-ahead or
// stampede protection. Callers check Get before expensive work and Put after.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ChuLiYu/beaver-relay/internal/store"
)

// ErrEmptyKey is returned for an empty cache key.
var ErrEmptyKey = errors.New("cache: empty key")

// Cache stores values of type V as JSON under cache:v1:{namespace}:{key}.
type Cache[V any] struct {
	kv        store.KeyValueStore
	namespace string
	ttl       time.Duration
}

// New returns a cache for one namespace. A ttl of 0 keeps entries until overwritten.
func New[V any](kv store.KeyValueStore, namespace string, ttl time.Duration) *Cache[V] {
	return &Cache[V]{kv: kv, namespace: namespace, ttl: ttl}
}

// Namespace returns the namespace the cache writes under.
func (c *Cache[V]) Namespace() string {
	return c.namespace
}

// Key returns the store key for key.
func (c *Cache[V]) Key(key string) string {
	return store.CacheKey(c.namespace, key)
}

// Get returns the cached value and whether it was present.
// A value that no longer decodes is reported as an error, not a miss.
func (c *Cache[V]) Get(ctx context.Context, key string) (V, bool, error) {
	var zero V
	if key == "" {
		return zero, false, ErrEmptyKey
	}

	raw, err := c.kv.Get(ctx, c.Key(key))
	if errors.Is(err, store.ErrNotFound) {
		return zero, false, nil
	}
	if err != nil {
		return zero, false, fmt.Errorf("cache get %s: %w", c.Key(key), err)
	}

	var v V
	if err := json.Unmarshal(raw, &v); err != nil {
		return zero, false, fmt.Errorf("cache decode %s: %w", c.Key(key), err)
	}
	return v, true, nil
}

// Put stores value with the cache's default TTL.
func (c *Cache[V]) Put(ctx context.Context, key string, value V) error {
	return c.PutTTL(ctx, key, value, c.ttl)
}

// PutTTL stores value with an explicit TTL.
func (c *Cache[V]) PutTTL(ctx context.Context, key string, value V, ttl time.Duration) error {
	if key == "" {
		return ErrEmptyKey
	}

	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache encode %s: %w", c.Key(key), err)
	}
	if err := c.kv.Set(ctx, c.Key(key), raw, ttl); err != nil {
		return fmt.Errorf("cache put %s: %w", c.Key(key), err)
	}
	return nil
}

// Delete removes key and reports whether it was cached.
func (c *Cache[V]) Delete(ctx context.Context, key string) (bool, error) {
	if key == "" {
		return false, ErrEmptyKey
	}

	ok, err := c.kv.Delete(ctx, c.Key(key))
	if err != nil {
		return false, fmt.Errorf("cache delete %s: %w", c.Key(key), err)
	}
	return ok, nil
}
