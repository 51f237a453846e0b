// Package memcache is the in-process tile cache tier: an LRU with per-entry
// TTL and a byte-size budget.
package memcache

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/tilevault/tilevault/internal/cache"
	"github.com/tilevault/tilevault/internal/observability"
)

type entry struct {
	data      []byte
	expiresAt time.Time
}

type Cache struct {
	mu         sync.Mutex
	lru        *lru.Cache[string, *entry]
	maxBytes   int64
	curBytes   int64
	defaultTTL time.Duration

	hits   atomic.Uint64
	misses atomic.Uint64

	now func() time.Time
}

var (
	_ cache.Store         = (*Cache)(nil)
	_ cache.PrefixDeleter = (*Cache)(nil)
)

// New builds a cache bounded by entry count and total byte size.
func New(maxEntries int, maxBytes int64, defaultTTL time.Duration) *Cache {
	if maxEntries <= 0 {
		maxEntries = 1000
	}
	if maxBytes <= 0 {
		maxBytes = 100 << 20
	}
	if defaultTTL <= 0 {
		defaultTTL = time.Hour
	}
	c := &Cache{maxBytes: maxBytes, defaultTTL: defaultTTL, now: time.Now}
	c.lru, _ = lru.NewWithEvict[string, *entry](maxEntries, func(_ string, e *entry) {
		c.curBytes -= int64(len(e.data))
	})
	return c
}

func (c *Cache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.lru.Get(key)
	if !ok {
		c.misses.Add(1)
		observability.IncCacheMiss("memory")
		return nil, false, nil
	}
	if c.now().After(e.expiresAt) {
		c.lru.Remove(key)
		c.misses.Add(1)
		observability.IncCacheMiss("memory")
		return nil, false, nil
	}
	c.hits.Add(1)
	observability.IncCacheHit("memory")
	return e.data, true, nil
}

func (c *Cache) Set(_ context.Context, key string, val []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	size := int64(len(val))
	if size > c.maxBytes {
		return nil // never cache something larger than the whole budget
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.lru.Remove(key)
	for c.curBytes+size > c.maxBytes && c.lru.Len() > 0 {
		c.lru.RemoveOldest()
	}
	c.lru.Add(key, &entry{data: val, expiresAt: c.now().Add(ttl)})
	c.curBytes += size
	return nil
}

func (c *Cache) Del(_ context.Context, keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		c.lru.Remove(k)
	}
	return nil
}

// DelPrefix removes every entry whose key starts with prefix and returns the
// count. The LRU keeps keys in memory, so a full sweep is cheap at this size.
func (c *Cache) DelPrefix(_ context.Context, prefix string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var n int
	for _, k := range c.lru.Keys() {
		if strings.HasPrefix(k, prefix) {
			c.lru.Remove(k)
			n++
		}
	}
	return n, nil
}

// Purge drops every entry.
func (c *Cache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Purge()
	c.curBytes = 0
}

func (c *Cache) Stats() cache.Stats {
	c.mu.Lock()
	entries := c.lru.Len()
	bytes := c.curBytes
	c.mu.Unlock()

	h, m := c.hits.Load(), c.misses.Load()
	s := cache.Stats{Entries: entries, Bytes: bytes, Hits: h, Misses: m}
	if total := h + m; total > 0 {
		s.HitRate = float64(h) / float64(total)
	}
	return s
}
