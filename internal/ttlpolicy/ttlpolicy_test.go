package ttlpolicy

import (
	"testing"
	"time"

	"github.com/tilevault/tilevault/internal/hotness/expdecay"
)

func TestTTLBuckets(t *testing.T) {
	tr := expdecay.New(time.Hour)
	p := New(tr, 30*time.Minute, time.Hour, 2*time.Hour, 3, 10)

	key := "tile:osm:14:1:1"
	if got := p.TTLFor(key, time.Hour); got != 30*time.Minute {
		t.Fatalf("cold TTL = %v", got)
	}
	if tier := p.Tier(key); tier != "cold" {
		t.Fatalf("tier = %q", tier)
	}

	for range 5 {
		p.Touch(key)
	}
	if got := p.TTLFor(key, time.Hour); got != time.Hour {
		t.Fatalf("warm TTL = %v", got)
	}

	for range 10 {
		p.Touch(key)
	}
	if got := p.TTLFor(key, time.Hour); got != 2*time.Hour {
		t.Fatalf("hot TTL = %v", got)
	}
	if tier := p.Tier(key); tier != "hot" {
		t.Fatalf("tier = %q", tier)
	}
}

// With tracking off every key gets the provider's base TTL, including the
// per-provider override, never the cold bucket.
func TestNopTrackerUsesBase(t *testing.T) {
	p := New(nil, 30*time.Minute, time.Hour, 2*time.Hour, 3, 10)
	p.Touch("k")
	if got := p.TTLFor("k", time.Hour); got != time.Hour {
		t.Fatalf("default TTL = %v", got)
	}
	if got := p.TTLFor("k", 10*time.Minute); got != 10*time.Minute {
		t.Fatalf("override TTL = %v", got)
	}
	// an unset base falls back to the warm bucket duration
	if got := p.TTLFor("k", 0); got != time.Hour {
		t.Fatalf("zero base TTL = %v", got)
	}
}

func TestWarmBucketTracksBase(t *testing.T) {
	tr := expdecay.New(time.Hour)
	p := New(tr, 30*time.Minute, time.Hour, 2*time.Hour, 3, 10)
	for range 5 {
		p.Touch("k")
	}
	if got := p.TTLFor("k", 45*time.Minute); got != 45*time.Minute {
		t.Fatalf("warm TTL = %v", got)
	}
}

func TestDisabledThresholds(t *testing.T) {
	tr := expdecay.New(time.Hour)
	p := New(tr, 10*time.Minute, time.Hour, 2*time.Hour, 0, 0)
	for range 100 {
		p.Touch("k")
	}
	if got := p.TTLFor("k", time.Hour); got != 10*time.Minute {
		t.Fatalf("thresholds disabled, TTL = %v", got)
	}
}
