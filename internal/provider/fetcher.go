package provider

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tilevault/tilevault/internal/observability"
	"github.com/tilevault/tilevault/internal/tilemath"
)

const userAgent = "tilevault/1.0 (+https://github.com/tilevault/tilevault)"

// maxTileBytes caps a single tile download; anything larger is not a tile.
const maxTileBytes = 16 << 20

// Fetcher downloads tiles from upstream providers over a shared HTTP client.
type Fetcher struct {
	client  *http.Client
	timeout time.Duration
}

func NewFetcher(client *http.Client, timeout time.Duration) *Fetcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Fetcher{client: client, timeout: timeout}
}

// Fetch downloads one tile and returns its bytes.
func (f *Fetcher) Fetch(ctx context.Context, p Provider, t tilemath.Tile) ([]byte, error) {
	u, err := p.TileURL(t)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("build request for %s tile %s: %w", p.Name(), t, err)
	}
	req.Header.Set("User-Agent", userAgent)

	start := time.Now()
	resp, err := f.client.Do(req)
	observability.ObserveUpstreamLatency(p.Name(), time.Since(start).Seconds())
	observability.IncTileDownload(p.Name(), err)
	if err != nil {
		return nil, fmt.Errorf("%s tile %s fetch: %w", p.Name(), t, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%s tile %s status=%d body=%q",
			p.Name(), t, resp.StatusCode, strings.TrimSpace(string(b)))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxTileBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%s tile %s read: %w", p.Name(), t, err)
	}
	if len(body) > maxTileBytes {
		return nil, fmt.Errorf("%s tile %s exceeds %d bytes", p.Name(), t, maxTileBytes)
	}
	if len(body) == 0 {
		return nil, fmt.Errorf("%s tile %s: empty response", p.Name(), t)
	}
	return body, nil
}
