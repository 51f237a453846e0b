// Package registry persists tile metadata, regions, and comparison results
// in SQLite.
package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tilevault/tilevault/internal/registry/migrations"
	"github.com/tilevault/tilevault/internal/tilemath"
)

// ErrNotFound marks a lookup that matched no row.
var ErrNotFound = errors.New("registry: not found")

// Tile lifecycle states.
const (
	StatusPending = "pending"
	StatusReady   = "ready"
	StatusFailed  = "failed"
	StatusMissing = "missing"
)

// Region lifecycle states.
const (
	RegionPending     = "pending"
	RegionDownloading = "downloading"
	RegionComplete    = "complete"
	RegionFailed      = "failed"
)

type ProviderInfo struct {
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
	TileSize    int    `json:"tile_size"`
	MaxZoom     int    `json:"max_zoom"`
	Format      string `json:"format"`
	Attribution string `json:"attribution,omitempty"`
}

type Region struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Bounds     tilemath.BBox `json:"bounds"`
	MinZoom    int           `json:"min_zoom"`
	MaxZoom    int           `json:"max_zoom"`
	Provider   string        `json:"provider"`
	Status     string        `json:"status"`
	TilesTotal int           `json:"tiles_total"`
	TilesDone  int           `json:"tiles_done"`
	LastError  string        `json:"last_error,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
	UpdatedAt  time.Time     `json:"updated_at"`
}

type TileRecord struct {
	ID           int64         `json:"id"`
	Provider     string        `json:"provider"`
	Tile         tilemath.Tile `json:"tile"`
	FilePath     string        `json:"file_path,omitempty"`
	SizeBytes    int64         `json:"size_bytes"`
	Checksum     string        `json:"checksum,omitempty"`
	Status       string        `json:"status"`
	RegionID     string        `json:"region_id,omitempty"`
	DownloadedAt time.Time     `json:"downloaded_at,omitzero"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

type Comparison struct {
	ID            int64         `json:"id"`
	ProviderA     string        `json:"provider_a"`
	ProviderB     string        `json:"provider_b"`
	Tile          tilemath.Tile `json:"tile"`
	MSE           float64       `json:"mse"`
	PSNR          float64       `json:"psnr"`
	SSIM          float64       `json:"ssim"`
	HistogramCorr float64       `json:"histogram_correlation"`
	CreatedAt     time.Time     `json:"created_at"`
}

// Store is the SQLite-backed registry.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the registry database and applies migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("registry path is required")
	}
	clean := filepath.Clean(path)
	if dir := filepath.Dir(clean); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create registry dir: %w", err)
		}
	}
	dsn := clean + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open registry db: %w", err)
	}
	// modernc sqlite is single-writer
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping registry db: %w", err)
	}
	if err := applyMigrations(ctx, db, migrations.FS); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply migrations: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func toMillis(t time.Time) int64   { return t.UTC().UnixMilli() }
func fromMillis(v int64) time.Time { return time.UnixMilli(v).UTC() }

// EnsureProvider inserts or refreshes one provider row.
func (s *Store) EnsureProvider(ctx context.Context, p ProviderInfo) error {
	if p.Name == "" {
		return errors.New("provider name is required")
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO providers (name, display_name, tile_size, max_zoom, format, attribution, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (name) DO UPDATE SET
    display_name = excluded.display_name,
    tile_size = excluded.tile_size,
    max_zoom = excluded.max_zoom,
    format = excluded.format,
    attribution = excluded.attribution`,
		p.Name, p.DisplayName, p.TileSize, p.MaxZoom, p.Format, p.Attribution,
		toMillis(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("ensure provider %q: %w", p.Name, err)
	}
	return nil
}

// Providers lists the registered providers by name.
func (s *Store) Providers(ctx context.Context) ([]ProviderInfo, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT name, display_name, tile_size, max_zoom, format, attribution
FROM providers ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list providers: %w", err)
	}
	defer rows.Close()

	var out []ProviderInfo
	for rows.Next() {
		var p ProviderInfo
		if err := rows.Scan(&p.Name, &p.DisplayName, &p.TileSize, &p.MaxZoom, &p.Format, &p.Attribution); err != nil {
			return nil, fmt.Errorf("scan provider: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
