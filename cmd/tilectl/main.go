// tilectl operates on the local tile store directly, without a running
// server. Subcommands: download, export, verify.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/tilevault/tilevault/internal/cache"
	"github.com/tilevault/tilevault/internal/cache/memcache"
	"github.com/tilevault/tilevault/internal/config"
	"github.com/tilevault/tilevault/internal/export"
	"github.com/tilevault/tilevault/internal/httpclient"
	"github.com/tilevault/tilevault/internal/logger"
	"github.com/tilevault/tilevault/internal/manager"
	"github.com/tilevault/tilevault/internal/provider"
	"github.com/tilevault/tilevault/internal/registry"
	"github.com/tilevault/tilevault/internal/store/tiledisk"
	"github.com/tilevault/tilevault/internal/tilemath"
	"github.com/tilevault/tilevault/internal/ttlpolicy"
)

func main() {
	os.Exit(run())
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: tilectl <download|export|verify> [flags]")
	fmt.Fprintln(os.Stderr, "run 'tilectl <command> -h' for command flags")
}

func run() int {
	if len(os.Args) < 2 {
		usage()
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var err error
	switch os.Args[1] {
	case "download":
		err = runDownload(ctx, os.Args[2:])
	case "export":
		err = runExport(ctx, os.Args[2:])
	case "verify":
		err = runVerify(ctx, os.Args[2:])
	case "-h", "--help", "help":
		usage()
		return 0
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		usage()
		return 2
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}
	return 0
}

type stores struct {
	providers *provider.Registry
	disk      *tiledisk.Store
	reg       *registry.Store
	mgr       *manager.Manager
}

func openStores(ctx context.Context, cfg config.Config, withManager bool) (*stores, func(), error) {
	providers := provider.NewRegistry(provider.Keys{
		GoogleMapsAPIKey:  cfg.GoogleMapsAPIKey,
		BingMapsAPIKey:    cfg.BingMapsAPIKey,
		MapboxAccessToken: cfg.MapboxAccessToken,
	})
	disk, err := tiledisk.New(cfg.TilesDir)
	if err != nil {
		return nil, nil, err
	}
	reg, err := registry.Open(ctx, cfg.DBPath)
	if err != nil {
		return nil, nil, err
	}
	s := &stores{providers: providers, disk: disk, reg: reg}
	if withManager {
		zl := logger.Build(logger.Config{Level: cfg.LogLevel, Console: true, Component: "tilectl"}, os.Stderr)
		fetcher := provider.NewFetcher(httpclient.NewOutbound(cfg.DownloadTimeout), cfg.DownloadTimeout)
		tiered := &cache.Tiered{Front: memcache.New(cfg.MemCacheMaxEntries, cfg.MemCacheMaxBytes, cfg.CacheTTLDefault)}
		policy := ttlpolicy.New(nil, cfg.TTLCold, cfg.TTLWarm, cfg.TTLHot, cfg.WarmThreshold, cfg.HotThreshold)
		s.mgr = manager.New(providers, fetcher, tiered, disk, reg, policy, zl, manager.Options{
			Workers: cfg.MaxConcurrentDownloads,
			TTLBase: cfg.TTLFor,
		})
	}
	return s, func() { _ = reg.Close() }, nil
}

func runDownload(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("download", flag.ExitOnError)
	providerName := fs.String("provider", "osm", "tile provider")
	bboxRaw := fs.String("bbox", "", "region bounds as min_lon,min_lat,max_lon,max_lat")
	minZoom := fs.Int("min-zoom", 10, "minimum zoom level")
	maxZoom := fs.Int("max-zoom", 14, "maximum zoom level")
	name := fs.String("name", "", "region name (defaults to the bbox)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	b, err := tilemath.ParseBBox(*bboxRaw)
	if err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	s, closeFn, err := openStores(ctx, cfg, true)
	if err != nil {
		return err
	}
	defer closeFn()

	if err := ensureProviders(ctx, s); err != nil {
		return err
	}

	region := registry.Region{
		ID:       uuid.NewString(),
		Name:     *name,
		Bounds:   b,
		MinZoom:  *minZoom,
		MaxZoom:  *maxZoom,
		Provider: *providerName,
	}
	if region.Name == "" {
		region.Name = *bboxRaw
	}
	if err := s.reg.CreateRegion(ctx, region); err != nil {
		return err
	}

	prog, err := s.mgr.DownloadRegion(ctx, region)
	if err != nil {
		return err
	}
	fmt.Printf("job %s: %d tiles\n", prog.ID, prog.Total)

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.mgr.CancelJob(prog.ID)
			return ctx.Err()
		case <-ticker.C:
		}
		p, ok := s.mgr.Job(prog.ID)
		if !ok {
			return fmt.Errorf("job %s disappeared", prog.ID)
		}
		fmt.Printf("\r%s: %d/%d done, %d failed", p.Status, p.Done, p.Total, p.Failed)
		if p.Status != manager.JobRunning {
			fmt.Println()
			if p.Status == manager.JobFailed {
				return fmt.Errorf("download failed: %s", p.LastError)
			}
			return nil
		}
	}
}

func runExport(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	providerName := fs.String("provider", "osm", "tile provider")
	bboxRaw := fs.String("bbox", "", "bounds as min_lon,min_lat,max_lon,max_lat")
	minZoom := fs.Int("min-zoom", 10, "minimum zoom level")
	maxZoom := fs.Int("max-zoom", 14, "maximum zoom level")
	h3Res := fs.Int("h3-res", 0, "H3 resolution for the spatial index (0 disables)")
	out := fs.String("out", "tiles.zip", "output archive path")
	if err := fs.Parse(args); err != nil {
		return err
	}

	b, err := tilemath.ParseBBox(*bboxRaw)
	if err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	s, closeFn, err := openStores(ctx, cfg, false)
	if err != nil {
		return err
	}
	defer closeFn()

	f, err := os.Create(*out)
	if err != nil {
		return err
	}
	exp := export.New(s.providers, s.disk)
	manifest, err := exp.WriteArchive(ctx, f, export.Options{
		Provider:     *providerName,
		Bounds:       b,
		MinZoom:      *minZoom,
		MaxZoom:      *maxZoom,
		H3Resolution: *h3Res,
	})
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(*out)
		return err
	}
	fmt.Printf("wrote %s: %d tiles, %d bytes of imagery\n", *out, manifest.TileCount, manifest.TotalBytes)
	return nil
}

func runVerify(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("verify", flag.ExitOnError)
	providerName := fs.String("provider", "osm", "tile provider")
	bboxRaw := fs.String("bbox", "", "bounds as min_lon,min_lat,max_lon,max_lat")
	zoom := fs.Int("zoom", 12, "zoom level to verify")
	if err := fs.Parse(args); err != nil {
		return err
	}

	b, err := tilemath.ParseBBox(*bboxRaw)
	if err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	s, closeFn, err := openStores(ctx, cfg, true)
	if err != nil {
		return err
	}
	defer closeFn()

	rep, err := s.mgr.VerifyCoverage(ctx, *providerName, b, *zoom)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(rep)
}

func ensureProviders(ctx context.Context, s *stores) error {
	for _, p := range s.providers.All() {
		err := s.reg.EnsureProvider(ctx, registry.ProviderInfo{
			Name:        p.Name(),
			DisplayName: p.DisplayName(),
			TileSize:    p.TileSize(),
			MaxZoom:     p.MaxZoom(),
			Format:      p.Format(),
			Attribution: p.Attribution(),
		})
		if err != nil {
			return err
		}
	}
	return nil
}
