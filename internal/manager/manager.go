// Package manager orchestrates tile retrieval: cache lookups, upstream
// fetches, disk persistence, and bulk region downloads.
package manager

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/tilevault/tilevault/internal/cache"
	"github.com/tilevault/tilevault/internal/cache/keys"
	"github.com/tilevault/tilevault/internal/hotness"
	"github.com/tilevault/tilevault/internal/provider"
	"github.com/tilevault/tilevault/internal/registry"
	"github.com/tilevault/tilevault/internal/store/tiledisk"
	"github.com/tilevault/tilevault/internal/tilemath"
	"github.com/tilevault/tilevault/internal/ttlpolicy"
)

// ErrRegionTooLarge rejects region downloads above the tile budget.
var ErrRegionTooLarge = errors.New("region exceeds tile budget")

// ErrInvalidTile marks requests for coordinates outside the grid or the
// provider's zoom range.
var ErrInvalidTile = errors.New("invalid tile request")

type Manager struct {
	providers *provider.Registry
	fetcher   *provider.Fetcher
	cache     *cache.Tiered
	disk      *tiledisk.Store
	reg       *registry.Store
	policy    *ttlpolicy.Policy
	ttlBase   func(provider string) time.Duration
	log       zerolog.Logger

	sf singleflight.Group

	workers        int
	maxRegionTiles int

	jobs *jobSet
}

type Options struct {
	Workers        int // concurrent upstream fetches per region download
	MaxRegionTiles int // hard cap on tiles per region request

	// TTLBase returns the configured base cache TTL for a provider.
	// Hotness tiers scale around it when tracking is enabled.
	TTLBase func(provider string) time.Duration
}

func New(
	providers *provider.Registry,
	fetcher *provider.Fetcher,
	tileCache *cache.Tiered,
	disk *tiledisk.Store,
	reg *registry.Store,
	policy *ttlpolicy.Policy,
	log zerolog.Logger,
	opts Options,
) *Manager {
	if opts.Workers <= 0 {
		opts.Workers = 8
	}
	if opts.MaxRegionTiles <= 0 {
		opts.MaxRegionTiles = 50000
	}
	if opts.TTLBase == nil {
		opts.TTLBase = func(string) time.Duration { return 0 }
	}
	return &Manager{
		providers:      providers,
		fetcher:        fetcher,
		cache:          tileCache,
		disk:           disk,
		reg:            reg,
		policy:         policy,
		ttlBase:        opts.TTLBase,
		log:            log.With().Str("component", "manager").Logger(),
		workers:        opts.Workers,
		maxRegionTiles: opts.MaxRegionTiles,
		jobs:           newJobSet(),
	}
}

// FetchTile returns tile bytes, serving from cache tiers and disk before
// going upstream. Concurrent requests for the same tile share one fetch.
func (m *Manager) FetchTile(ctx context.Context, providerName string, t tilemath.Tile) ([]byte, string, error) {
	p, err := m.providers.Get(providerName)
	if err != nil {
		return nil, "", err
	}
	if !t.Valid() {
		return nil, "", fmt.Errorf("%w: %s out of range", ErrInvalidTile, t)
	}
	if t.Z > p.MaxZoom() {
		return nil, "", fmt.Errorf("%w: zoom %d above provider %s max %d", ErrInvalidTile, t.Z, p.Name(), p.MaxZoom())
	}

	key := keys.Tile(p.Name(), t, "")
	m.policy.Touch(key)

	if data, ok, err := m.cache.Get(ctx, key); err == nil && ok {
		return data, p.Format(), nil
	}

	v, err, _ := m.sf.Do(key, func() (any, error) {
		return m.fillTile(ctx, p, t, key, "")
	})
	if err != nil {
		return nil, "", err
	}
	return v.([]byte), p.Format(), nil
}

// fillTile loads a tile on cache miss: disk first, then upstream. The result
// lands on disk, in the registry, and in both cache tiers.
func (m *Manager) fillTile(ctx context.Context, p provider.Provider, t tilemath.Tile, key, regionID string) ([]byte, error) {
	ttl := m.policy.TTLFor(key, m.ttlBase(p.Name()))

	if data, err := m.disk.Read(p.Name(), t, p.Format()); err == nil {
		_ = m.cache.Set(ctx, key, data, ttl)
		return data, nil
	} else if !errors.Is(err, tiledisk.ErrNotFound) {
		m.log.Warn().Err(err).Str("tile", t.String()).Msg("disk read failed, refetching")
	}

	data, err := m.fetcher.Fetch(ctx, p, t)
	if err != nil {
		if regErr := m.reg.UpsertTile(ctx, registry.TileRecord{
			Provider: p.Name(),
			Tile:     t,
			Status:   registry.StatusFailed,
			RegionID: regionID,
		}); regErr != nil {
			m.log.Warn().Err(regErr).Str("tile", t.String()).Msg("record failed tile")
		}
		return nil, err
	}

	path, checksum, err := m.disk.Write(p.Name(), t, p.Format(), data)
	if err != nil {
		// the tile is still usable this request even if persistence failed
		m.log.Error().Err(err).Str("tile", t.String()).Msg("persist tile")
		_ = m.cache.Set(ctx, key, data, ttl)
		return data, nil
	}

	if err := m.reg.UpsertTile(ctx, registry.TileRecord{
		Provider:     p.Name(),
		Tile:         t,
		FilePath:     path,
		SizeBytes:    int64(len(data)),
		Checksum:     checksum,
		Status:       registry.StatusReady,
		RegionID:     regionID,
		DownloadedAt: time.Now(),
	}); err != nil {
		m.log.Warn().Err(err).Str("tile", t.String()).Msg("record tile")
	}

	_ = m.cache.Set(ctx, key, data, ttl)
	return data, nil
}

// Invalidate drops a tile from the cache tiers without touching disk.
func (m *Manager) Invalidate(ctx context.Context, providerName string, tiles []tilemath.Tile) error {
	ks := make([]string, 0, len(tiles))
	for _, t := range tiles {
		ks = append(ks, keys.Tile(providerName, t, ""))
	}
	m.policy.Tracker.Reset(ks...)
	return m.cache.Del(ctx, ks...)
}

// InvalidateZooms drops every cached tile of a provider at the given zoom
// levels by key prefix. Used when an event covers more tiles than are worth
// enumerating.
func (m *Manager) InvalidateZooms(ctx context.Context, providerName string, zooms []int) error {
	for _, z := range zooms {
		n, err := m.cache.DelPrefix(ctx, keys.Prefix(providerName, z))
		if err != nil {
			return fmt.Errorf("invalidate %s zoom %d: %w", providerName, z, err)
		}
		m.log.Info().Str("provider", providerName).Int("zoom", z).Int("dropped", n).
			Msg("zoom cache invalidated")
	}
	return nil
}

// ExpireZooms drops whole zoom levels from cache and disk and flips their
// registry rows to missing so the next request refetches.
func (m *Manager) ExpireZooms(ctx context.Context, providerName string, zooms []int) error {
	p, err := m.providers.Get(providerName)
	if err != nil {
		return err
	}
	if err := m.InvalidateZooms(ctx, providerName, zooms); err != nil {
		m.log.Warn().Err(err).Msg("cache invalidate during zoom expire")
	}
	for _, z := range zooms {
		if err := m.disk.RemoveZoom(p.Name(), z); err != nil {
			return err
		}
		n, err := m.reg.MarkZoomStatus(ctx, p.Name(), z, registry.StatusMissing)
		if err != nil {
			return err
		}
		m.log.Info().Str("provider", p.Name()).Int("zoom", z).Int("rows", n).
			Msg("zoom expired")
	}
	return nil
}

// Expire drops tiles from cache, disk, and flips their registry rows to
// missing so the next request refetches.
func (m *Manager) Expire(ctx context.Context, providerName string, tiles []tilemath.Tile) error {
	p, err := m.providers.Get(providerName)
	if err != nil {
		return err
	}
	if err := m.Invalidate(ctx, providerName, tiles); err != nil {
		m.log.Warn().Err(err).Msg("cache invalidate during expire")
	}
	for _, t := range tiles {
		if err := m.disk.Remove(p.Name(), t, p.Format()); err != nil {
			return err
		}
		if err := m.reg.MarkTileStatus(ctx, p.Name(), t, registry.StatusMissing); err != nil &&
			!errors.Is(err, registry.ErrNotFound) {
			return err
		}
	}
	return nil
}

// CoverageReport summarizes how much of a bbox is present on disk.
type CoverageReport struct {
	Provider string          `json:"provider"`
	Zoom     int             `json:"zoom"`
	Expected int             `json:"expected"`
	Present  int             `json:"present"`
	Coverage float64         `json:"coverage"`
	Missing  []tilemath.Tile `json:"missing,omitempty"`
}

const maxMissingListed = 20

// VerifyCoverage checks which tiles of a bbox at one zoom exist on disk.
// The missing list is capped; Expected minus Present is the true count.
func (m *Manager) VerifyCoverage(ctx context.Context, providerName string, b tilemath.BBox, zoom int) (CoverageReport, error) {
	p, err := m.providers.Get(providerName)
	if err != nil {
		return CoverageReport{}, err
	}
	if err := b.Validate(); err != nil {
		return CoverageReport{}, err
	}

	rep := CoverageReport{Provider: p.Name(), Zoom: zoom}
	for _, t := range tilemath.Cover(b, zoom) {
		if err := ctx.Err(); err != nil {
			return CoverageReport{}, err
		}
		rep.Expected++
		ok, _, err := m.disk.Exists(p.Name(), t, p.Format())
		if err != nil {
			return CoverageReport{}, err
		}
		if ok {
			rep.Present++
		} else if len(rep.Missing) < maxMissingListed {
			rep.Missing = append(rep.Missing, t)
		}
	}
	if rep.Expected > 0 {
		rep.Coverage = float64(rep.Present) / float64(rep.Expected)
	}
	return rep, nil
}

// CleanupResult reports what a maintenance sweep changed.
type CleanupResult struct {
	MarkedMissing     int `json:"marked_missing"`
	DuplicatesRemoved int `json:"duplicates_removed"`
	HotnessPruned     int `json:"hotness_pruned"`
}

// Cleanup reconciles the registry with the filesystem and drops cooled
// hotness counters.
func (m *Manager) Cleanup(ctx context.Context) (CleanupResult, error) {
	var res CleanupResult
	n, err := m.reg.MarkMissing(ctx, func(path string) bool {
		_, err := os.Stat(path)
		return err == nil
	})
	if err != nil {
		return res, fmt.Errorf("mark missing tiles: %w", err)
	}
	res.MarkedMissing = n

	dups, err := m.reg.DeleteDuplicates(ctx)
	if err != nil {
		return res, fmt.Errorf("delete duplicates: %w", err)
	}
	res.DuplicatesRemoved = dups

	if p, ok := m.policy.Tracker.(hotness.Pruner); ok {
		res.HotnessPruned = p.Prune()
	}
	return res, nil
}

// Registry exposes the metadata store for read paths (API handlers).
func (m *Manager) Registry() *registry.Store { return m.reg }

// Policy exposes the TTL policy for stats.
func (m *Manager) Policy() *ttlpolicy.Policy { return m.policy }

// Disk exposes the on-disk tile store for export.
func (m *Manager) Disk() *tiledisk.Store { return m.disk }

// Providers exposes the provider registry.
func (m *Manager) Providers() *provider.Registry { return m.providers }
