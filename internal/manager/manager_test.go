package manager

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/tilevault/tilevault/internal/cache"
	"github.com/tilevault/tilevault/internal/cache/keys"
	"github.com/tilevault/tilevault/internal/cache/memcache"
	"github.com/tilevault/tilevault/internal/hotness/expdecay"
	"github.com/tilevault/tilevault/internal/provider"
	"github.com/tilevault/tilevault/internal/registry"
	"github.com/tilevault/tilevault/internal/store/tiledisk"
	"github.com/tilevault/tilevault/internal/tilemath"
	"github.com/tilevault/tilevault/internal/ttlpolicy"
)

type testProvider struct {
	base string
	fail bool
}

func (p *testProvider) Name() string        { return "test" }
func (p *testProvider) DisplayName() string { return "Test" }
func (p *testProvider) MaxZoom() int        { return 18 }
func (p *testProvider) TileSize() int       { return 256 }
func (p *testProvider) Format() string      { return "png" }
func (p *testProvider) RequiresKey() bool   { return false }
func (p *testProvider) Enabled() bool       { return true }
func (p *testProvider) Attribution() string { return "" }
func (p *testProvider) TileURL(t tilemath.Tile) (string, error) {
	return p.base + "/" + t.String(), nil
}

type env struct {
	m        *Manager
	disk     *tiledisk.Store
	reg      *registry.Store
	requests *atomic.Int64
}

func newEnv(t *testing.T, upstreamStatus int) *env {
	t.Helper()

	var requests atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		if upstreamStatus != http.StatusOK {
			http.Error(w, "nope", upstreamStatus)
			return
		}
		_, _ = w.Write([]byte("tile " + r.URL.Path))
	}))
	t.Cleanup(srv.Close)

	providers := provider.NewRegistry(provider.Keys{})
	providers.Register(&testProvider{base: srv.URL})

	disk, err := tiledisk.New(t.TempDir())
	if err != nil {
		t.Fatalf("tiledisk: %v", err)
	}
	reg, err := registry.Open(context.Background(), filepath.Join(t.TempDir(), "tiles.db"))
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	t.Cleanup(func() { _ = reg.Close() })

	tc := &cache.Tiered{Front: memcache.New(100, 1<<20, time.Minute)}
	policy := ttlpolicy.New(expdecay.New(time.Minute), 30*time.Second, time.Minute, 2*time.Minute, 3, 10)
	fetcher := provider.NewFetcher(srv.Client(), 2*time.Second)

	m := New(providers, fetcher, tc, disk, reg, policy, zerolog.Nop(),
		Options{Workers: 4, MaxRegionTiles: 1000})
	return &env{m: m, disk: disk, reg: reg, requests: &requests}
}

func TestFetchTileMissThenCached(t *testing.T) {
	e := newEnv(t, http.StatusOK)
	ctx := context.Background()
	tile := tilemath.Tile{Z: 10, X: 5, Y: 6}

	data, format, err := e.m.FetchTile(ctx, "test", tile)
	if err != nil {
		t.Fatalf("FetchTile: %v", err)
	}
	if format != "png" || string(data) != "tile /10/5/6" {
		t.Fatalf("data=%q format=%q", data, format)
	}

	// persisted on disk and recorded
	if ok, _, _ := e.disk.Exists("test", tile, "png"); !ok {
		t.Fatal("tile not on disk")
	}
	rec, err := e.reg.Tile(ctx, "test", tile)
	if err != nil || rec.Status != registry.StatusReady || rec.Checksum == "" {
		t.Fatalf("record = %+v err=%v", rec, err)
	}

	// second request is served from cache
	before := e.requests.Load()
	if _, _, err := e.m.FetchTile(ctx, "test", tile); err != nil {
		t.Fatalf("FetchTile cached: %v", err)
	}
	if e.requests.Load() != before {
		t.Fatal("cached request hit upstream")
	}
}

func TestFetchTileDiskFallback(t *testing.T) {
	e := newEnv(t, http.StatusOK)
	ctx := context.Background()
	tile := tilemath.Tile{Z: 8, X: 1, Y: 2}

	if _, _, err := e.disk.Write("test", tile, "png", []byte("from disk")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	data, _, err := e.m.FetchTile(ctx, "test", tile)
	if err != nil {
		t.Fatalf("FetchTile: %v", err)
	}
	if string(data) != "from disk" {
		t.Fatalf("data = %q", data)
	}
	if e.requests.Load() != 0 {
		t.Fatal("disk hit should not call upstream")
	}
}

func TestFetchTileUpstreamFailure(t *testing.T) {
	e := newEnv(t, http.StatusForbidden)
	ctx := context.Background()
	tile := tilemath.Tile{Z: 9, X: 3, Y: 4}

	if _, _, err := e.m.FetchTile(ctx, "test", tile); err == nil {
		t.Fatal("expected upstream error")
	}
	rec, err := e.reg.Tile(ctx, "test", tile)
	if err != nil || rec.Status != registry.StatusFailed {
		t.Fatalf("record = %+v err=%v", rec, err)
	}
}

func TestFetchTileValidation(t *testing.T) {
	e := newEnv(t, http.StatusOK)
	ctx := context.Background()

	if _, _, err := e.m.FetchTile(ctx, "unknown", tilemath.Tile{Z: 1, X: 0, Y: 0}); !errors.Is(err, provider.ErrUnknown) {
		t.Fatalf("err = %v", err)
	}
	if _, _, err := e.m.FetchTile(ctx, "test", tilemath.Tile{Z: 19, X: 0, Y: 0}); err == nil {
		t.Fatal("expected zoom error")
	}
	if _, _, err := e.m.FetchTile(ctx, "test", tilemath.Tile{Z: 2, X: 9, Y: 0}); err == nil {
		t.Fatal("expected range error")
	}
}

func waitForJob(t *testing.T, m *Manager, id string) Progress {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		p, ok := m.Job(id)
		if !ok {
			t.Fatalf("job %s vanished", id)
		}
		if p.Status != JobRunning {
			return p
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("job did not finish")
	return Progress{}
}

func TestDownloadRegion(t *testing.T) {
	e := newEnv(t, http.StatusOK)
	ctx := context.Background()

	r := registry.Region{
		ID:       "reg-1",
		Name:     "test area",
		Bounds:   tilemath.BBox{MinLon: -0.2, MinLat: -0.2, MaxLon: 0.2, MaxLat: 0.2},
		MinZoom:  8,
		MaxZoom:  9,
		Provider: "test",
	}
	if err := e.reg.CreateRegion(ctx, r); err != nil {
		t.Fatalf("CreateRegion: %v", err)
	}

	prog, err := e.m.DownloadRegion(ctx, r)
	if err != nil {
		t.Fatalf("DownloadRegion: %v", err)
	}
	if prog.Total != e.m.EstimateRegion(r) || prog.Total == 0 {
		t.Fatalf("total = %d", prog.Total)
	}

	final := waitForJob(t, e.m, prog.ID)
	if final.Status != JobComplete || final.Done != final.Total || final.Failed != 0 {
		t.Fatalf("final = %+v", final)
	}

	got, err := e.reg.Region(ctx, "reg-1")
	if err != nil || got.Status != registry.RegionComplete || got.TilesDone != final.Total {
		t.Fatalf("region = %+v err=%v", got, err)
	}
	counts, _ := e.reg.CountByStatus(ctx, "test")
	if counts[registry.StatusReady] != final.Total {
		t.Fatalf("ready tiles = %d, want %d", counts[registry.StatusReady], final.Total)
	}

	if len(e.m.Jobs()) != 1 {
		t.Fatalf("Jobs() = %d", len(e.m.Jobs()))
	}
}

func TestDownloadRegionFailure(t *testing.T) {
	e := newEnv(t, http.StatusBadGateway)
	ctx := context.Background()

	r := registry.Region{
		ID:       "reg-2",
		Name:     "failing",
		Bounds:   tilemath.BBox{MinLon: 0, MinLat: 0, MaxLon: 0.1, MaxLat: 0.1},
		MinZoom:  6,
		MaxZoom:  6,
		Provider: "test",
	}
	if err := e.reg.CreateRegion(ctx, r); err != nil {
		t.Fatalf("CreateRegion: %v", err)
	}
	prog, err := e.m.DownloadRegion(ctx, r)
	if err != nil {
		t.Fatalf("DownloadRegion: %v", err)
	}
	final := waitForJob(t, e.m, prog.ID)
	if final.Status != JobFailed || final.Failed == 0 || final.LastError == "" {
		t.Fatalf("final = %+v", final)
	}
	got, _ := e.reg.Region(ctx, "reg-2")
	if got.Status != registry.RegionFailed {
		t.Fatalf("region status = %q", got.Status)
	}
}

func TestDownloadRegionBudget(t *testing.T) {
	e := newEnv(t, http.StatusOK)
	r := registry.Region{
		ID:       "reg-3",
		Name:     "world",
		Bounds:   tilemath.BBox{MinLon: -179, MinLat: -80, MaxLon: 179, MaxLat: 80},
		MinZoom:  1,
		MaxZoom:  12,
		Provider: "test",
	}
	if _, err := e.m.DownloadRegion(context.Background(), r); !errors.Is(err, ErrRegionTooLarge) {
		t.Fatalf("err = %v", err)
	}
}

func TestVerifyCoverage(t *testing.T) {
	e := newEnv(t, http.StatusOK)
	ctx := context.Background()

	b := tilemath.BBox{MinLon: -0.2, MinLat: -0.2, MaxLon: 0.2, MaxLat: 0.2}
	tiles := tilemath.Cover(b, 9)
	if len(tiles) < 2 {
		t.Fatalf("cover too small: %d", len(tiles))
	}
	if _, _, err := e.disk.Write("test", tiles[0], "png", []byte("x")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	rep, err := e.m.VerifyCoverage(ctx, "test", b, 9)
	if err != nil {
		t.Fatalf("VerifyCoverage: %v", err)
	}
	if rep.Expected != len(tiles) || rep.Present != 1 {
		t.Fatalf("report = %+v", rep)
	}
	if len(rep.Missing) != min(len(tiles)-1, 20) {
		t.Fatalf("missing = %d", len(rep.Missing))
	}
}

func TestExpire(t *testing.T) {
	e := newEnv(t, http.StatusOK)
	ctx := context.Background()
	tile := tilemath.Tile{Z: 10, X: 5, Y: 6}

	if _, _, err := e.m.FetchTile(ctx, "test", tile); err != nil {
		t.Fatalf("FetchTile: %v", err)
	}
	if err := e.m.Expire(ctx, "test", []tilemath.Tile{tile}); err != nil {
		t.Fatalf("Expire: %v", err)
	}
	if ok, _, _ := e.disk.Exists("test", tile, "png"); ok {
		t.Fatal("expired tile still on disk")
	}
	rec, err := e.reg.Tile(ctx, "test", tile)
	if err != nil || rec.Status != registry.StatusMissing {
		t.Fatalf("record = %+v err=%v", rec, err)
	}

	// next request refetches
	before := e.requests.Load()
	if _, _, err := e.m.FetchTile(ctx, "test", tile); err != nil {
		t.Fatalf("refetch: %v", err)
	}
	if e.requests.Load() != before+1 {
		t.Fatal("expire did not force a refetch")
	}
}

type recordingStore struct {
	data map[string][]byte
	ttls map[string]time.Duration
}

func newRecordingStore() *recordingStore {
	return &recordingStore{data: map[string][]byte{}, ttls: map[string]time.Duration{}}
}

func (s *recordingStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	v, ok := s.data[key]
	return v, ok, nil
}

func (s *recordingStore) Set(_ context.Context, key string, val []byte, ttl time.Duration) error {
	s.data[key] = val
	s.ttls[key] = ttl
	return nil
}

func (s *recordingStore) Del(_ context.Context, keys ...string) error {
	for _, k := range keys {
		delete(s.data, k)
		delete(s.ttls, k)
	}
	return nil
}

// The per-provider TTL from configuration must reach the cache write as-is
// when hotness tracking is off; it used to collapse to the cold bucket.
func TestProviderTTLReachesCache(t *testing.T) {
	ctx := context.Background()
	tile := tilemath.Tile{Z: 7, X: 3, Y: 3}

	providers := provider.NewRegistry(provider.Keys{})
	providers.Register(&testProvider{})

	disk, err := tiledisk.New(t.TempDir())
	if err != nil {
		t.Fatalf("tiledisk: %v", err)
	}
	if _, _, err := disk.Write("test", tile, "png", []byte("stored")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	reg, err := registry.Open(ctx, filepath.Join(t.TempDir(), "tiles.db"))
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	t.Cleanup(func() { _ = reg.Close() })

	front := newRecordingStore()
	tc := &cache.Tiered{Front: front}
	policy := ttlpolicy.New(nil, 30*time.Minute, time.Hour, 2*time.Hour, 3, 10)
	fetcher := provider.NewFetcher(http.DefaultClient, time.Second)

	m := New(providers, fetcher, tc, disk, reg, policy, zerolog.Nop(), Options{
		TTLBase: func(name string) time.Duration {
			if name == "test" {
				return 10 * time.Minute
			}
			return time.Hour
		},
	})

	if _, _, err := m.FetchTile(ctx, "test", tile); err != nil {
		t.Fatalf("FetchTile: %v", err)
	}
	key := keys.Tile("test", tile, "")
	if got := front.ttls[key]; got != 10*time.Minute {
		t.Fatalf("cache TTL = %v, want provider override 10m", got)
	}
}

func TestExpireZooms(t *testing.T) {
	e := newEnv(t, http.StatusOK)
	ctx := context.Background()
	hit := tilemath.Tile{Z: 12, X: 5, Y: 6}
	kept := tilemath.Tile{Z: 11, X: 2, Y: 3}

	for _, tile := range []tilemath.Tile{hit, kept} {
		if _, _, err := e.m.FetchTile(ctx, "test", tile); err != nil {
			t.Fatalf("FetchTile: %v", err)
		}
	}
	if err := e.m.ExpireZooms(ctx, "test", []int{12}); err != nil {
		t.Fatalf("ExpireZooms: %v", err)
	}

	if ok, _, _ := e.disk.Exists("test", hit, "png"); ok {
		t.Fatal("expired zoom still on disk")
	}
	if ok, _, _ := e.disk.Exists("test", kept, "png"); !ok {
		t.Fatal("other zoom removed from disk")
	}
	rec, err := e.reg.Tile(ctx, "test", hit)
	if err != nil || rec.Status != registry.StatusMissing {
		t.Fatalf("record = %+v err=%v", rec, err)
	}
	rec, err = e.reg.Tile(ctx, "test", kept)
	if err != nil || rec.Status != registry.StatusReady {
		t.Fatalf("kept record = %+v err=%v", rec, err)
	}

	// the cache prefix purge forces a refetch
	before := e.requests.Load()
	if _, _, err := e.m.FetchTile(ctx, "test", hit); err != nil {
		t.Fatalf("refetch: %v", err)
	}
	if e.requests.Load() != before+1 {
		t.Fatal("zoom expire did not force a refetch")
	}
	before = e.requests.Load()
	if _, _, err := e.m.FetchTile(ctx, "test", kept); err != nil {
		t.Fatalf("kept fetch: %v", err)
	}
	if e.requests.Load() != before {
		t.Fatal("untouched zoom should still serve from cache")
	}
}

func TestCleanup(t *testing.T) {
	e := newEnv(t, http.StatusOK)
	ctx := context.Background()
	tile := tilemath.Tile{Z: 10, X: 5, Y: 6}

	if _, _, err := e.m.FetchTile(ctx, "test", tile); err != nil {
		t.Fatalf("FetchTile: %v", err)
	}
	rec, err := e.reg.Tile(ctx, "test", tile)
	if err != nil {
		t.Fatalf("Tile: %v", err)
	}
	if err := os.Remove(rec.FilePath); err != nil {
		t.Fatalf("remove file: %v", err)
	}

	res, err := e.m.Cleanup(ctx)
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if res.MarkedMissing != 1 || res.DuplicatesRemoved != 0 {
		t.Fatalf("result = %+v", res)
	}
}
