// Package hotness tracks per-tile request temperature.
package hotness

type Interface interface {
	Inc(key string)
	Score(key string) float64
	Reset(keys ...string)
	Size() int
}

// Pruner is implemented by trackers that can drop fully cooled counters.
type Pruner interface {
	Prune() int
}

// Nop discards all observations; used when adaptive TTLs are disabled.
type Nop struct{}

func (Nop) Inc(string)           {}
func (Nop) Score(string) float64 { return 0 }
func (Nop) Reset(...string)      {}
func (Nop) Size() int            { return 0 }
