// Package export packages downloaded tiles into offline archives for field
// devices.
package export

import (
	"archive/zip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	h3 "github.com/uber/h3-go/v4"

	"github.com/tilevault/tilevault/internal/provider"
	"github.com/tilevault/tilevault/internal/store/tiledisk"
	"github.com/tilevault/tilevault/internal/tilemath"
)

// ErrNoTiles means nothing inside the requested bounds is on disk.
var ErrNoTiles = errors.New("no tiles to export")

// Options selects what goes into an archive.
type Options struct {
	Provider string
	Bounds   tilemath.BBox
	MinZoom  int
	MaxZoom  int

	// RegionID is an optional label recorded in the manifest.
	RegionID string

	// H3Resolution > 0 adds an h3_index.json mapping cells to tile paths
	// for offline spatial lookup. Valid range 0..15.
	H3Resolution int
}

func (o Options) validate(p provider.Provider) error {
	if err := o.Bounds.Validate(); err != nil {
		return err
	}
	if o.MinZoom > o.MaxZoom {
		return fmt.Errorf("zoom range %d..%d is inverted", o.MinZoom, o.MaxZoom)
	}
	if o.MaxZoom > p.MaxZoom() {
		return fmt.Errorf("zoom %d above provider %s max %d", o.MaxZoom, p.Name(), p.MaxZoom())
	}
	if o.H3Resolution < 0 || o.H3Resolution > 15 {
		return fmt.Errorf("h3 resolution %d out of range 0..15", o.H3Resolution)
	}
	return nil
}

// ManifestTile is one tile entry in the archive manifest.
type ManifestTile struct {
	Z         int    `json:"z"`
	X         int    `json:"x"`
	Y         int    `json:"y"`
	Path      string `json:"path"`
	SizeBytes int64  `json:"size_bytes"`
}

// Manifest describes an exported archive.
type Manifest struct {
	Provider    string         `json:"provider"`
	Format      string         `json:"format"`
	Attribution string         `json:"attribution,omitempty"`
	RegionID    string         `json:"region_id,omitempty"`
	Bounds      tilemath.BBox  `json:"bounds"`
	MinZoom     int            `json:"min_zoom"`
	MaxZoom     int            `json:"max_zoom"`
	TileCount   int            `json:"tile_count"`
	TotalBytes  int64          `json:"total_bytes"`
	GeneratedAt time.Time      `json:"generated_at"`
	Tiles       []ManifestTile `json:"tiles"`
}

type Exporter struct {
	providers *provider.Registry
	disk      *tiledisk.Store
}

func New(providers *provider.Registry, disk *tiledisk.Store) *Exporter {
	return &Exporter{providers: providers, disk: disk}
}

// Describe builds the manifest an archive would carry without writing any
// archive bytes.
func (e *Exporter) Describe(ctx context.Context, opts Options) (Manifest, error) {
	p, err := e.providers.Get(opts.Provider)
	if err != nil {
		return Manifest{}, err
	}
	if err := opts.validate(p); err != nil {
		return Manifest{}, err
	}
	man, _, err := e.scan(ctx, p, opts)
	return man, err
}

// WriteArchive streams a zip with the selected tiles, a manifest.json, a
// tiles.geojson coverage index, and optionally an H3 lookup index. Tiles
// absent from disk are skipped, not fetched.
func (e *Exporter) WriteArchive(ctx context.Context, w io.Writer, opts Options) (Manifest, error) {
	p, err := e.providers.Get(opts.Provider)
	if err != nil {
		return Manifest{}, err
	}
	if err := opts.validate(p); err != nil {
		return Manifest{}, err
	}

	man, present, err := e.scan(ctx, p, opts)
	if err != nil {
		return Manifest{}, err
	}

	zw := zip.NewWriter(w)
	for i, t := range present {
		if err := ctx.Err(); err != nil {
			_ = zw.Close()
			return Manifest{}, err
		}
		if err := e.copyTile(zw, p, t, man.Tiles[i].Path); err != nil {
			_ = zw.Close()
			return Manifest{}, err
		}
	}

	if err := writeJSONEntry(zw, "manifest.json", man); err != nil {
		_ = zw.Close()
		return Manifest{}, err
	}
	if err := writeJSONEntry(zw, "tiles.geojson", coverageGeoJSON(man)); err != nil {
		_ = zw.Close()
		return Manifest{}, err
	}
	if opts.H3Resolution > 0 {
		idx, err := h3Index(present, p.Format(), opts.H3Resolution)
		if err != nil {
			_ = zw.Close()
			return Manifest{}, err
		}
		if err := writeJSONEntry(zw, "h3_index.json", idx); err != nil {
			_ = zw.Close()
			return Manifest{}, err
		}
	}

	if err := zw.Close(); err != nil {
		return Manifest{}, fmt.Errorf("finalize archive: %w", err)
	}
	return man, nil
}

// scan walks the requested pyramid and records which tiles are on disk.
func (e *Exporter) scan(ctx context.Context, p provider.Provider, opts Options) (Manifest, []tilemath.Tile, error) {
	man := Manifest{
		Provider:    p.Name(),
		Format:      p.Format(),
		Attribution: p.Attribution(),
		RegionID:    opts.RegionID,
		Bounds:      opts.Bounds,
		MinZoom:     opts.MinZoom,
		MaxZoom:     opts.MaxZoom,
		GeneratedAt: time.Now().UTC(),
	}

	var present []tilemath.Tile
	for z := opts.MinZoom; z <= opts.MaxZoom; z++ {
		for _, t := range tilemath.Cover(opts.Bounds, z) {
			if err := ctx.Err(); err != nil {
				return Manifest{}, nil, err
			}
			ok, size, err := e.disk.Exists(p.Name(), t, p.Format())
			if err != nil {
				return Manifest{}, nil, err
			}
			if !ok {
				continue
			}
			present = append(present, t)
			man.Tiles = append(man.Tiles, ManifestTile{
				Z: t.Z, X: t.X, Y: t.Y,
				Path:      archivePath(t, p.Format()),
				SizeBytes: size,
			})
			man.TotalBytes += size
		}
	}
	if len(present) == 0 {
		return Manifest{}, nil, ErrNoTiles
	}
	man.TileCount = len(present)
	return man, present, nil
}

func archivePath(t tilemath.Tile, format string) string {
	return fmt.Sprintf("tiles/%d/%d/%d.%s", t.Z, t.X, t.Y, format)
}

// copyTile streams one tile file into the archive without recompressing;
// tile images are already compressed.
func (e *Exporter) copyTile(zw *zip.Writer, p provider.Provider, t tilemath.Tile, name string) error {
	f, err := os.Open(e.disk.Path(p.Name(), t, p.Format()))
	if err != nil {
		return fmt.Errorf("open tile %s: %w", t, err)
	}
	defer f.Close()

	entry, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Store})
	if err != nil {
		return fmt.Errorf("create archive entry %s: %w", name, err)
	}
	if _, err := io.Copy(entry, f); err != nil {
		return fmt.Errorf("copy tile %s: %w", t, err)
	}
	return nil
}

func writeJSONEntry(zw *zip.Writer, name string, v any) error {
	entry, err := zw.Create(name)
	if err != nil {
		return fmt.Errorf("create archive entry %s: %w", name, err)
	}
	enc := json.NewEncoder(entry)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}
	return nil
}

type geoJSONFeature struct {
	Type       string         `json:"type"`
	Geometry   map[string]any `json:"geometry"`
	Properties map[string]any `json:"properties"`
}

type geoJSONCollection struct {
	Type     string           `json:"type"`
	Features []geoJSONFeature `json:"features"`
}

// coverageGeoJSON renders each exported tile footprint as a polygon so the
// archive can be previewed in any GIS tool.
func coverageGeoJSON(man Manifest) geoJSONCollection {
	fc := geoJSONCollection{Type: "FeatureCollection"}
	for _, mt := range man.Tiles {
		b := (tilemath.Tile{Z: mt.Z, X: mt.X, Y: mt.Y}).Bounds()
		ring := [][]float64{
			{b.MinLon, b.MinLat},
			{b.MaxLon, b.MinLat},
			{b.MaxLon, b.MaxLat},
			{b.MinLon, b.MaxLat},
			{b.MinLon, b.MinLat},
		}
		fc.Features = append(fc.Features, geoJSONFeature{
			Type: "Feature",
			Geometry: map[string]any{
				"type":        "Polygon",
				"coordinates": [][][]float64{ring},
			},
			Properties: map[string]any{
				"z": mt.Z, "x": mt.X, "y": mt.Y,
				"path": mt.Path,
			},
		})
	}
	return fc
}

// h3Index maps H3 cells covering the exported tiles to the archive paths
// that contain them, keyed for constant-time lookup on the device.
func h3Index(tiles []tilemath.Tile, format string, res int) (map[string][]string, error) {
	out := map[string][]string{}
	for _, t := range tiles {
		lat, lon := t.Center()
		cell, err := h3.LatLngToCell(h3.LatLng{Lat: lat, Lng: lon}, res)
		if err != nil {
			return nil, fmt.Errorf("h3 cell for %s: %w", t, err)
		}
		key := cell.String()
		out[key] = append(out[key], archivePath(t, format))
	}
	for _, paths := range out {
		sort.Strings(paths)
	}
	return out, nil
}
