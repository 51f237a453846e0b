package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tilevault/tilevault/internal/tilemath"
)

// UpsertTile records a downloaded (or attempted) tile, replacing any earlier
// row for the same provider and coordinates.
func (s *Store) UpsertTile(ctx context.Context, rec TileRecord) error {
	if rec.Provider == "" {
		return errors.New("tile provider is required")
	}
	if !rec.Tile.Valid() {
		return fmt.Errorf("tile %s out of range", rec.Tile)
	}
	status := rec.Status
	if status == "" {
		status = StatusPending
	}
	var downloaded any
	if !rec.DownloadedAt.IsZero() {
		downloaded = toMillis(rec.DownloadedAt)
	}
	var region any
	if rec.RegionID != "" {
		region = rec.RegionID
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO tiles (provider, z, x, y, file_path, size_bytes, checksum,
    status, region_id, downloaded_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (provider, z, x, y) DO UPDATE SET
    file_path = excluded.file_path,
    size_bytes = excluded.size_bytes,
    checksum = excluded.checksum,
    status = excluded.status,
    region_id = COALESCE(excluded.region_id, tiles.region_id),
    downloaded_at = COALESCE(excluded.downloaded_at, tiles.downloaded_at),
    updated_at = excluded.updated_at`,
		rec.Provider, rec.Tile.Z, rec.Tile.X, rec.Tile.Y,
		rec.FilePath, rec.SizeBytes, rec.Checksum,
		status, region, downloaded, toMillis(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("upsert tile %s/%s: %w", rec.Provider, rec.Tile, err)
	}
	return nil
}

// Tile returns the record for one tile.
func (s *Store) Tile(ctx context.Context, provider string, t tilemath.Tile) (TileRecord, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, provider, z, x, y, file_path, size_bytes, checksum,
    status, region_id, downloaded_at, updated_at
FROM tiles WHERE provider = ? AND z = ? AND x = ? AND y = ?`,
		provider, t.Z, t.X, t.Y)
	return scanTile(row)
}

// MarkTileStatus flips the status of an existing tile row.
func (s *Store) MarkTileStatus(ctx context.Context, provider string, t tilemath.Tile, status string) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE tiles SET status = ?, updated_at = ?
WHERE provider = ? AND z = ? AND x = ? AND y = ?`,
		status, toMillis(time.Now()), provider, t.Z, t.X, t.Y)
	if err != nil {
		return fmt.Errorf("mark tile %s/%s: %w", provider, t, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("tile %s/%s: %w", provider, t, ErrNotFound)
	}
	return nil
}

// MarkZoomStatus flips every tile of a provider at one zoom level to the
// given status and returns the number of rows changed.
func (s *Store) MarkZoomStatus(ctx context.Context, provider string, zoom int, status string) (int, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE tiles SET status = ?, updated_at = ?
WHERE provider = ? AND z = ?`,
		status, toMillis(time.Now()), provider, zoom)
	if err != nil {
		return 0, fmt.Errorf("mark zoom %s/%d: %w", provider, zoom, err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// TileFilter narrows QueryTiles. Zero values mean "any".
type TileFilter struct {
	Provider string
	Status   string
	RegionID string
	Zoom     int // -1 for any
	Bounds   *tilemath.BBox
	Limit    int
	Offset   int
}

// QueryTiles lists tile records matching the filter, newest first.
func (s *Store) QueryTiles(ctx context.Context, f TileFilter) ([]TileRecord, error) {
	var (
		where []string
		args  []any
	)
	if f.Provider != "" {
		where = append(where, "provider = ?")
		args = append(args, f.Provider)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	if f.RegionID != "" {
		where = append(where, "region_id = ?")
		args = append(args, f.RegionID)
	}
	if f.Zoom >= 0 {
		where = append(where, "z = ?")
		args = append(args, f.Zoom)
	}

	q := `
SELECT id, provider, z, x, y, file_path, size_bytes, checksum,
    status, region_id, downloaded_at, updated_at
FROM tiles`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY updated_at DESC, id DESC"
	limit := f.Limit
	if limit <= 0 {
		limit = 500
	}
	offset := max(f.Offset, 0)
	// The bbox cut happens in Go (tiles store no lat/lon columns), so the
	// page window must be applied after it or pages come back short and
	// offsets skip matching rows. Without a bbox the database pages.
	if f.Bounds == nil {
		q += " LIMIT ? OFFSET ?"
		args = append(args, limit, offset)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query tiles: %w", err)
	}
	defer rows.Close()

	var (
		out     []TileRecord
		skipped int
	)
	for rows.Next() {
		rec, err := scanTile(rows)
		if err != nil {
			return nil, err
		}
		if f.Bounds != nil {
			if !f.Bounds.Intersects(rec.Tile.Bounds()) {
				continue
			}
			if skipped < offset {
				skipped++
				continue
			}
			if len(out) == limit {
				break
			}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// CountByStatus returns per-status tile counts, optionally for one provider.
func (s *Store) CountByStatus(ctx context.Context, provider string) (map[string]int, error) {
	q := "SELECT status, COUNT(*) FROM tiles"
	var args []any
	if provider != "" {
		q += " WHERE provider = ?"
		args = append(args, provider)
	}
	q += " GROUP BY status"

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("count tiles: %w", err)
	}
	defer rows.Close()

	out := map[string]int{}
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		out[status] = n
	}
	return out, rows.Err()
}

// MarkMissing flips ready tiles whose file is gone to the missing state.
// keep reports whether the recorded file path still exists.
func (s *Store) MarkMissing(ctx context.Context, keep func(path string) bool) (int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, file_path FROM tiles WHERE status = ? AND file_path != ''`,
		StatusReady)
	if err != nil {
		return 0, fmt.Errorf("scan ready tiles: %w", err)
	}
	var stale []int64
	for rows.Next() {
		var (
			id   int64
			path string
		)
		if err := rows.Scan(&id, &path); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan tile row: %w", err)
		}
		if !keep(path) {
			stale = append(stale, id)
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, err
	}
	rows.Close()

	now := toMillis(time.Now())
	for _, id := range stale {
		if _, err := s.db.ExecContext(ctx,
			`UPDATE tiles SET status = ?, updated_at = ? WHERE id = ?`,
			StatusMissing, now, id); err != nil {
			return 0, fmt.Errorf("mark tile %d missing: %w", id, err)
		}
	}
	return len(stale), nil
}

// DeleteByStatus removes tile rows in a given state and returns the count.
func (s *Store) DeleteByStatus(ctx context.Context, provider, status string) (int, error) {
	q := "DELETE FROM tiles WHERE status = ?"
	args := []any{status}
	if provider != "" {
		q += " AND provider = ?"
		args = append(args, provider)
	}
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, fmt.Errorf("delete %s tiles: %w", status, err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// DeleteDuplicates drops redundant rows sharing provider and coordinates,
// keeping the newest. The unique index prevents new duplicates; this sweeps
// databases created before it existed.
func (s *Store) DeleteDuplicates(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `
DELETE FROM tiles WHERE id NOT IN (
    SELECT MAX(id) FROM tiles GROUP BY provider, z, x, y
)`)
	if err != nil {
		return 0, fmt.Errorf("delete duplicate tiles: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func scanTile(row rowScanner) (TileRecord, error) {
	var (
		rec        TileRecord
		region     sql.NullString
		downloaded sql.NullInt64
		updated    int64
	)
	err := row.Scan(&rec.ID, &rec.Provider,
		&rec.Tile.Z, &rec.Tile.X, &rec.Tile.Y,
		&rec.FilePath, &rec.SizeBytes, &rec.Checksum,
		&rec.Status, &region, &downloaded, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return TileRecord{}, ErrNotFound
	}
	if err != nil {
		return TileRecord{}, fmt.Errorf("scan tile: %w", err)
	}
	rec.RegionID = region.String
	if downloaded.Valid {
		rec.DownloadedAt = fromMillis(downloaded.Int64)
	}
	rec.UpdatedAt = fromMillis(updated)
	return rec, nil
}
