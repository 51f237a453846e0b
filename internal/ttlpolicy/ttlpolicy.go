// Package ttlpolicy maps tile hotness to cache TTLs.
package ttlpolicy

import (
	"time"

	"github.com/tilevault/tilevault/internal/hotness"
)

// Policy buckets keys into cold, warm, and hot tiers by hotness score.
// Hot tiles live longer in cache; cold tiles are allowed to age out fast.
type Policy struct {
	Tracker hotness.Interface

	Cold time.Duration
	Warm time.Duration
	Hot  time.Duration

	WarmAt float64
	HotAt  float64
}

func New(tracker hotness.Interface, cold, warm, hot time.Duration, warmAt, hotAt float64) *Policy {
	if tracker == nil {
		tracker = hotness.Nop{}
	}
	return &Policy{
		Tracker: tracker,
		Cold:    cold, Warm: warm, Hot: hot,
		WarmAt: warmAt, HotAt: hotAt,
	}
}

// Touch records one request against a key.
func (p *Policy) Touch(key string) { p.Tracker.Inc(key) }

// TTLFor returns the cache TTL for a key. base is the provider's configured
// TTL and is what the key gets when hotness tracking is off; with tracking
// on, hot keys move to the longer bucket and cold keys to the shorter one.
func (p *Policy) TTLFor(key string, base time.Duration) time.Duration {
	if base <= 0 {
		base = p.Warm
	}
	if _, off := p.Tracker.(hotness.Nop); off {
		return base
	}
	score := p.Tracker.Score(key)
	switch {
	case p.HotAt > 0 && score >= p.HotAt:
		if p.Hot > 0 {
			return p.Hot
		}
	case p.WarmAt > 0 && score >= p.WarmAt:
		return base
	default:
		if p.Cold > 0 {
			return p.Cold
		}
	}
	return base
}

// Tier names the bucket a key currently falls in, for stats and logs.
func (p *Policy) Tier(key string) string {
	score := p.Tracker.Score(key)
	switch {
	case p.HotAt > 0 && score >= p.HotAt:
		return "hot"
	case p.WarmAt > 0 && score >= p.WarmAt:
		return "warm"
	default:
		return "cold"
	}
}
