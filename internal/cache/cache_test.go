package cache

import (
	"context"
	"testing"
	"time"
)

type fakeStore struct {
	m    map[string][]byte
	sets int
	dels int
}

func newFakeStore() *fakeStore { return &fakeStore{m: map[string][]byte{}} }

func (f *fakeStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	v, ok := f.m[key]
	return v, ok, nil
}

func (f *fakeStore) Set(_ context.Context, key string, val []byte, _ time.Duration) error {
	f.m[key] = val
	f.sets++
	return nil
}

func (f *fakeStore) Del(_ context.Context, keys ...string) error {
	for _, k := range keys {
		delete(f.m, k)
	}
	f.dels++
	return nil
}

func TestTieredFrontHit(t *testing.T) {
	front, back := newFakeStore(), newFakeStore()
	front.m["k"] = []byte("front")
	back.m["k"] = []byte("back")

	tc := &Tiered{Front: front, Back: back}
	v, ok, err := tc.Get(context.Background(), "k")
	if err != nil || !ok || string(v) != "front" {
		t.Fatalf("Get: v=%q ok=%v err=%v", v, ok, err)
	}
}

func TestTieredBackHitRefillsFront(t *testing.T) {
	front, back := newFakeStore(), newFakeStore()
	back.m["k"] = []byte("back")

	tc := &Tiered{Front: front, Back: back}
	v, ok, err := tc.Get(context.Background(), "k")
	if err != nil || !ok || string(v) != "back" {
		t.Fatalf("Get: v=%q ok=%v err=%v", v, ok, err)
	}
	if got, ok := front.m["k"]; !ok || string(got) != "back" {
		t.Fatalf("front not refilled: %q ok=%v", got, ok)
	}
}

func TestTieredWritesAndDeletesBothTiers(t *testing.T) {
	front, back := newFakeStore(), newFakeStore()
	tc := &Tiered{Front: front, Back: back}
	ctx := context.Background()

	if err := tc.Set(ctx, "k", []byte("v"), time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if front.sets != 1 || back.sets != 1 {
		t.Fatalf("sets: front=%d back=%d", front.sets, back.sets)
	}
	if err := tc.Del(ctx, "k"); err != nil {
		t.Fatalf("Del: %v", err)
	}
	if _, ok, _ := tc.Get(ctx, "k"); ok {
		t.Fatal("key should be gone from both tiers")
	}
}

type fakePrefixStore struct {
	*fakeStore
	prefixDels []string
}

func (f *fakePrefixStore) DelPrefix(_ context.Context, prefix string) (int, error) {
	f.prefixDels = append(f.prefixDels, prefix)
	var n int
	for k := range f.m {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			delete(f.m, k)
			n++
		}
	}
	return n, nil
}

func TestTieredDelPrefix(t *testing.T) {
	front := &fakePrefixStore{fakeStore: newFakeStore()}
	back := &fakePrefixStore{fakeStore: newFakeStore()}
	for _, m := range []map[string][]byte{front.m, back.m} {
		m["tile:osm:12:1:1"] = []byte("a")
		m["tile:osm:12:1:2"] = []byte("b")
		m["tile:osm:13:1:1"] = []byte("c")
	}

	tc := &Tiered{Front: front, Back: back}
	n, err := tc.DelPrefix(context.Background(), "tile:osm:12:")
	if err != nil {
		t.Fatalf("DelPrefix: %v", err)
	}
	if n != 2 {
		t.Fatalf("deleted %d keys, want 2", n)
	}
	if len(front.prefixDels) != 1 || len(back.prefixDels) != 1 {
		t.Fatalf("prefix dels: front=%v back=%v", front.prefixDels, back.prefixDels)
	}
	if _, ok, _ := tc.Get(context.Background(), "tile:osm:13:1:1"); !ok {
		t.Fatal("other zoom should survive")
	}
}

// A tier without prefix deletion is skipped rather than failing the purge.
func TestTieredDelPrefixPlainTier(t *testing.T) {
	front := newFakeStore()
	back := &fakePrefixStore{fakeStore: newFakeStore()}
	back.m["tile:osm:12:1:1"] = []byte("a")

	tc := &Tiered{Front: front, Back: back}
	n, err := tc.DelPrefix(context.Background(), "tile:osm:12:")
	if err != nil || n != 1 {
		t.Fatalf("DelPrefix: n=%d err=%v", n, err)
	}
}

func TestTieredNilBack(t *testing.T) {
	front := newFakeStore()
	tc := &Tiered{Front: front}
	ctx := context.Background()

	if err := tc.Set(ctx, "k", []byte("v"), time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if v, ok, err := tc.Get(ctx, "k"); err != nil || !ok || string(v) != "v" {
		t.Fatalf("Get: v=%q ok=%v err=%v", v, ok, err)
	}
	if err := tc.Del(ctx, "k"); err != nil {
		t.Fatalf("Del: %v", err)
	}
	if _, ok, _ := tc.Get(ctx, "missing"); ok {
		t.Fatal("miss expected")
	}
}
