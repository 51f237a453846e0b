// Package expdecay scores tile keys with an exponentially decaying counter.
// Each request adds one to a key's score; the score halves every HalfLife of
// silence, so briefly popular tiles cool off on their own.
package expdecay

import (
	"math"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/tilevault/tilevault/internal/hotness"
)

const numShards = 64

// pruneFloor is the score below which a counter is considered fully cooled.
const pruneFloor = 0.01

type Tracker struct {
	HalfLife time.Duration

	now func() time.Time

	shards [numShards]shard
}

type shard struct {
	mu sync.RWMutex
	m  map[string]*counter
}

type counter struct {
	score float64
	last  time.Time
}

var _ hotness.Interface = (*Tracker)(nil)

func New(halfLife time.Duration) *Tracker {
	if halfLife <= 0 {
		halfLife = time.Minute
	}
	t := &Tracker{HalfLife: halfLife, now: time.Now}
	for i := range t.shards {
		t.shards[i].m = make(map[string]*counter)
	}
	return t
}

func (t *Tracker) Inc(key string) {
	if key == "" {
		return
	}
	s := t.pick(key)
	n := t.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.m[key]
	if c == nil {
		s.m[key] = &counter{score: 1, last: n}
		return
	}
	dt := n.Sub(c.last).Seconds()
	c.score = decay(c.score, dt, t.HalfLife.Seconds()) + 1.0
	c.last = n
}

func (t *Tracker) Score(key string) float64 {
	if key == "" {
		return 0
	}
	s := t.pick(key)
	n := t.now()

	s.mu.RLock()
	c := s.m[key]
	if c == nil {
		s.mu.RUnlock()
		return 0
	}
	score, last := c.score, c.last
	s.mu.RUnlock()

	dt := n.Sub(last).Seconds()
	return decay(score, dt, t.HalfLife.Seconds())
}

func (t *Tracker) Reset(keys ...string) {
	for _, key := range keys {
		if key == "" {
			continue
		}
		s := t.pick(key)
		s.mu.Lock()
		delete(s.m, key)
		s.mu.Unlock()
	}
}

// Size returns the number of tracked keys across all shards.
func (t *Tracker) Size() int {
	total := 0
	for i := range t.shards {
		t.shards[i].mu.RLock()
		total += len(t.shards[i].m)
		t.shards[i].mu.RUnlock()
	}
	return total
}

// ByProvider counts tracked keys per provider, read from the tile key
// format `tile:{provider}:...`. Keys of another shape land under "".
func (t *Tracker) ByProvider() map[string]int {
	out := map[string]int{}
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.RLock()
		for key := range s.m {
			out[providerOf(key)]++
		}
		s.mu.RUnlock()
	}
	return out
}

// Prune drops counters that have decayed to effectively zero and returns the
// count. Without it the maps only grow, one entry per tile ever requested.
func (t *Tracker) Prune() int {
	n := t.now()
	half := t.HalfLife.Seconds()
	pruned := 0
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.Lock()
		for key, c := range s.m {
			if decay(c.score, n.Sub(c.last).Seconds(), half) < pruneFloor {
				delete(s.m, key)
				pruned++
			}
		}
		s.mu.Unlock()
	}
	return pruned
}

func providerOf(key string) string {
	rest, ok := strings.CutPrefix(key, "tile:")
	if !ok {
		return ""
	}
	provider, _, ok := strings.Cut(rest, ":")
	if !ok {
		return ""
	}
	return provider
}

func decay(score, dt, halfLife float64) float64 {
	if score == 0 || dt <= 0 || halfLife <= 0 {
		return score
	}
	lambda := math.Ln2 / halfLife
	return score * math.Exp(-lambda*dt)
}

func (t *Tracker) pick(key string) *shard {
	h := xxhash.Sum64String(key)
	return &t.shards[h&(numShards-1)]
}
