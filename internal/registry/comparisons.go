package registry

import (
	"context"
	"fmt"
	"time"
)

// InsertComparison stores one image similarity result.
func (s *Store) InsertComparison(ctx context.Context, c Comparison) (int64, error) {
	if c.ProviderA == "" || c.ProviderB == "" {
		return 0, fmt.Errorf("comparison needs two providers")
	}
	res, err := s.db.ExecContext(ctx, `
INSERT INTO tile_comparisons (provider_a, provider_b, z, x, y,
    mse, psnr, ssim, histogram_correlation, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ProviderA, c.ProviderB, c.Tile.Z, c.Tile.X, c.Tile.Y,
		c.MSE, c.PSNR, c.SSIM, c.HistogramCorr, toMillis(time.Now()),
	)
	if err != nil {
		return 0, fmt.Errorf("insert comparison: %w", err)
	}
	return res.LastInsertId()
}

// Comparisons lists stored results, newest first, optionally for one
// provider pair.
func (s *Store) Comparisons(ctx context.Context, providerA, providerB string, limit int) ([]Comparison, error) {
	q := `
SELECT id, provider_a, provider_b, z, x, y,
    mse, psnr, ssim, histogram_correlation, created_at
FROM tile_comparisons`
	var args []any
	if providerA != "" && providerB != "" {
		q += " WHERE provider_a = ? AND provider_b = ?"
		args = append(args, providerA, providerB)
	}
	if limit <= 0 {
		limit = 100
	}
	q += " ORDER BY created_at DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list comparisons: %w", err)
	}
	defer rows.Close()

	var out []Comparison
	for rows.Next() {
		var (
			c       Comparison
			created int64
		)
		if err := rows.Scan(&c.ID, &c.ProviderA, &c.ProviderB,
			&c.Tile.Z, &c.Tile.X, &c.Tile.Y,
			&c.MSE, &c.PSNR, &c.SSIM, &c.HistogramCorr, &created); err != nil {
			return nil, fmt.Errorf("scan comparison: %w", err)
		}
		c.CreatedAt = fromMillis(created)
		out = append(out, c)
	}
	return out, rows.Err()
}
