// Package invalidation defines the imagery refresh events consumed from
// Kafka.
package invalidation

import (
	"fmt"
	"strings"
	"time"

	"github.com/tilevault/tilevault/internal/tilemath"
)

// Event operations.
const (
	// OpRefresh drops cached copies so the next request refetches upstream.
	OpRefresh = "refresh"
	// OpExpire additionally removes the tile files and marks their
	// registry rows missing.
	OpExpire = "expire"
)

// Event is one imagery invalidation message, version 1. It targets either
// an explicit tile list or a bbox with zoom levels, never both.
type Event struct {
	Version  int             `json:"version"`
	Op       string          `json:"op"`
	Provider string          `json:"provider"`
	TS       time.Time       `json:"ts"`
	Seq      int64           `json:"seq,omitempty"`
	Source   string          `json:"source,omitempty"`
	BBox     *tilemath.BBox  `json:"bbox,omitempty"`
	Zooms    []int           `json:"zooms,omitempty"`
	Tiles    []tilemath.Tile `json:"tiles,omitempty"`
}

func (e Event) Validate() error {
	if e.Version != 1 {
		return fmt.Errorf("version must be 1")
	}
	switch e.Op {
	case OpRefresh, OpExpire:
	default:
		return fmt.Errorf("op must be refresh|expire")
	}
	if strings.TrimSpace(e.Provider) == "" {
		return fmt.Errorf("provider is required")
	}
	if e.TS.IsZero() {
		return fmt.Errorf("ts is required")
	}
	hasBBox := e.BBox != nil
	hasTiles := len(e.Tiles) > 0
	if hasBBox == hasTiles {
		return fmt.Errorf("exactly one of bbox or tiles is required")
	}
	if hasBBox {
		if err := e.BBox.Validate(); err != nil {
			return fmt.Errorf("bbox: %w", err)
		}
		if len(e.Zooms) == 0 {
			return fmt.Errorf("bbox events need at least one zoom")
		}
		for _, z := range e.Zooms {
			if z < 0 || z > tilemath.MaxZoom {
				return fmt.Errorf("zoom %d out of range", z)
			}
		}
		return nil
	}
	for _, t := range e.Tiles {
		if !t.Valid() {
			return fmt.Errorf("tile %s out of range", t)
		}
	}
	return nil
}

// DedupeKey identifies the event stream for sequence deduplication.
func (e Event) DedupeKey() string {
	if e.Source != "" {
		return e.Provider + "|" + e.Source
	}
	return e.Provider
}
