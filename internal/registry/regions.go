package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// CreateRegion inserts a region in the pending state.
func (s *Store) CreateRegion(ctx context.Context, r Region) error {
	if r.ID == "" {
		return errors.New("region id is required")
	}
	if r.Name == "" {
		return errors.New("region name is required")
	}
	if err := r.Bounds.Validate(); err != nil {
		return fmt.Errorf("region bounds: %w", err)
	}
	if r.MinZoom > r.MaxZoom {
		return fmt.Errorf("region zoom range %d..%d is inverted", r.MinZoom, r.MaxZoom)
	}
	status := r.Status
	if status == "" {
		status = RegionPending
	}
	now := toMillis(time.Now())
	_, err := s.db.ExecContext(ctx, `
INSERT INTO regions (id, name, min_lon, min_lat, max_lon, max_lat,
    min_zoom, max_zoom, provider, status, tiles_total, tiles_done,
    last_error, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, '', ?, ?)`,
		r.ID, r.Name,
		r.Bounds.MinLon, r.Bounds.MinLat, r.Bounds.MaxLon, r.Bounds.MaxLat,
		r.MinZoom, r.MaxZoom, r.Provider, status,
		r.TilesTotal, r.TilesDone, now, now,
	)
	if err != nil {
		return fmt.Errorf("create region %q: %w", r.ID, err)
	}
	return nil
}

// Region returns one region by id.
func (s *Store) Region(ctx context.Context, id string) (Region, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, name, min_lon, min_lat, max_lon, max_lat,
    min_zoom, max_zoom, provider, status, tiles_total, tiles_done,
    last_error, created_at, updated_at
FROM regions WHERE id = ?`, id)
	return scanRegion(row)
}

// Regions lists regions newest first, paged. A limit at or below zero takes
// the default page size of 100.
func (s *Store) Regions(ctx context.Context, limit, offset int) ([]Region, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, name, min_lon, min_lat, max_lon, max_lat,
    min_zoom, max_zoom, provider, status, tiles_total, tiles_done,
    last_error, created_at, updated_at
FROM regions ORDER BY created_at DESC, id
LIMIT ? OFFSET ?`, limit, max(offset, 0))
	if err != nil {
		return nil, fmt.Errorf("list regions: %w", err)
	}
	defer rows.Close()

	var out []Region
	for rows.Next() {
		r, err := scanRegion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// UpdateRegionStatus moves a region to a new state, recording the failure
// reason when one is given.
func (s *Store) UpdateRegionStatus(ctx context.Context, id, status, lastError string) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE regions SET status = ?, last_error = ?, updated_at = ? WHERE id = ?`,
		status, lastError, toMillis(time.Now()), id)
	if err != nil {
		return fmt.Errorf("update region %q status: %w", id, err)
	}
	return requireRow(res, id)
}

// UpdateRegionProgress records download counters for a region.
func (s *Store) UpdateRegionProgress(ctx context.Context, id string, total, done int) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE regions SET tiles_total = ?, tiles_done = ?, updated_at = ? WHERE id = ?`,
		total, done, toMillis(time.Now()), id)
	if err != nil {
		return fmt.Errorf("update region %q progress: %w", id, err)
	}
	return requireRow(res, id)
}

// DeleteRegion removes a region row. Tile rows keep their region_id so the
// files remain attributable until cleanup.
func (s *Store) DeleteRegion(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM regions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete region %q: %w", id, err)
	}
	return requireRow(res, id)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRegion(row rowScanner) (Region, error) {
	var (
		r                Region
		created, updated int64
	)
	err := row.Scan(&r.ID, &r.Name,
		&r.Bounds.MinLon, &r.Bounds.MinLat, &r.Bounds.MaxLon, &r.Bounds.MaxLat,
		&r.MinZoom, &r.MaxZoom, &r.Provider, &r.Status,
		&r.TilesTotal, &r.TilesDone, &r.LastError, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return Region{}, ErrNotFound
	}
	if err != nil {
		return Region{}, fmt.Errorf("scan region: %w", err)
	}
	r.CreatedAt = fromMillis(created)
	r.UpdatedAt = fromMillis(updated)
	return r, nil
}

func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("region %q: %w", id, ErrNotFound)
	}
	return nil
}
