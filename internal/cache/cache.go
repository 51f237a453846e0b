// Package cache defines the tile cache contract and the tiered engine
// that fronts Redis with an in-process LRU.
package cache

import (
	"context"
	"time"
)

// Store is the contract every cache tier satisfies.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, val []byte, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
}

// PrefixDeleter is implemented by tiers that can drop a whole key range,
// used to invalidate a provider/zoom slice without enumerating tiles.
type PrefixDeleter interface {
	DelPrefix(ctx context.Context, prefix string) (int, error)
}

// Stats describes a tier's hit counters for /stats.
type Stats struct {
	Entries int     `json:"entries"`
	Bytes   int64   `json:"bytes,omitempty"`
	Hits    uint64  `json:"hits"`
	Misses  uint64  `json:"misses"`
	HitRate float64 `json:"hit_rate"`
}

// Tiered layers a fast front store over a shared back store. Reads fill the
// front tier on a back-tier hit; writes and deletes go to both.
type Tiered struct {
	Front Store // in-process
	Back  Store // redis; may be nil when disabled
}

func (t *Tiered) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if v, ok, err := t.Front.Get(ctx, key); err == nil && ok {
		return v, true, nil
	}
	if t.Back == nil {
		return nil, false, nil
	}
	v, ok, err := t.Back.Get(ctx, key)
	if err != nil || !ok {
		return nil, ok, err
	}
	// refill the front tier; TTL bookkeeping stays with the back tier
	_ = t.Front.Set(ctx, key, v, 0)
	return v, true, nil
}

func (t *Tiered) Set(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	_ = t.Front.Set(ctx, key, val, ttl)
	if t.Back == nil {
		return nil
	}
	return t.Back.Set(ctx, key, val, ttl)
}

func (t *Tiered) Del(ctx context.Context, keys ...string) error {
	_ = t.Front.Del(ctx, keys...)
	if t.Back == nil {
		return nil
	}
	return t.Back.Del(ctx, keys...)
}

// DelPrefix drops a key range from every tier that supports it and returns
// the larger per-tier count. Tiers without prefix deletion are skipped; their
// entries age out on TTL.
func (t *Tiered) DelPrefix(ctx context.Context, prefix string) (int, error) {
	var n int
	if pd, ok := t.Front.(PrefixDeleter); ok {
		m, err := pd.DelPrefix(ctx, prefix)
		if err != nil {
			return m, err
		}
		n = m
	}
	if pd, ok := t.Back.(PrefixDeleter); ok {
		m, err := pd.DelPrefix(ctx, prefix)
		if err != nil {
			return max(n, m), err
		}
		n = max(n, m)
	}
	return n, nil
}
