// Package server wires the service together and runs the HTTP listener.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/tilevault/tilevault/internal/api"
	"github.com/tilevault/tilevault/internal/cache"
	"github.com/tilevault/tilevault/internal/cache/memcache"
	"github.com/tilevault/tilevault/internal/cache/redisstore"
	"github.com/tilevault/tilevault/internal/config"
	"github.com/tilevault/tilevault/internal/export"
	"github.com/tilevault/tilevault/internal/health"
	"github.com/tilevault/tilevault/internal/hotness"
	"github.com/tilevault/tilevault/internal/hotness/expdecay"
	"github.com/tilevault/tilevault/internal/httpclient"
	"github.com/tilevault/tilevault/internal/invalidation/kafkaconsumer"
	"github.com/tilevault/tilevault/internal/manager"
	"github.com/tilevault/tilevault/internal/metrics"
	"github.com/tilevault/tilevault/internal/provider"
	"github.com/tilevault/tilevault/internal/registry"
	"github.com/tilevault/tilevault/internal/store/tiledisk"
	"github.com/tilevault/tilevault/internal/ttlpolicy"
)

// Version is stamped at build time.
var Version = "dev"

// Run assembles every component and serves until ctx is canceled.
func Run(ctx context.Context, cfg config.Config, zlog zerolog.Logger, log *slog.Logger) error {
	providers := provider.NewRegistry(provider.Keys{
		GoogleMapsAPIKey:  cfg.GoogleMapsAPIKey,
		BingMapsAPIKey:    cfg.BingMapsAPIKey,
		MapboxAccessToken: cfg.MapboxAccessToken,
	})

	disk, err := tiledisk.New(cfg.TilesDir)
	if err != nil {
		return fmt.Errorf("tile store: %w", err)
	}
	reg, err := registry.Open(ctx, cfg.DBPath)
	if err != nil {
		return fmt.Errorf("registry: %w", err)
	}
	defer func() { _ = reg.Close() }()

	for _, p := range providers.All() {
		err := reg.EnsureProvider(ctx, registry.ProviderInfo{
			Name:        p.Name(),
			DisplayName: p.DisplayName(),
			TileSize:    p.TileSize(),
			MaxZoom:     p.MaxZoom(),
			Format:      p.Format(),
			Attribution: p.Attribution(),
		})
		if err != nil {
			return fmt.Errorf("register provider %s: %w", p.Name(), err)
		}
	}

	mem := memcache.New(cfg.MemCacheMaxEntries, cfg.MemCacheMaxBytes, cfg.CacheTTLDefault)
	tiered := &cache.Tiered{Front: mem}
	if cfg.RedisEnabled {
		rc, err := redisstore.New(ctx, cfg.RedisAddr,
			redisstore.WithReadTimeout(cfg.CacheOpTimeout),
			redisstore.WithWriteTimeout(cfg.CacheOpTimeout))
		if err != nil {
			// degraded but serviceable; the memory tier still works
			log.Warn("redis unavailable, running on memory cache only", "addr", cfg.RedisAddr, "err", err)
		} else {
			defer func() { _ = rc.Close() }()
			tiered.Back = rc
		}
	}

	var tracker hotness.Interface = hotness.Nop{}
	if cfg.HotnessEnabled {
		tracker = expdecay.New(cfg.HotHalfLife)
	}
	policy := ttlpolicy.New(tracker, cfg.TTLCold, cfg.TTLWarm, cfg.TTLHot,
		cfg.WarmThreshold, cfg.HotThreshold)

	fetcher := provider.NewFetcher(httpclient.NewOutbound(cfg.DownloadTimeout), cfg.DownloadTimeout)
	mgr := manager.New(providers, fetcher, tiered, disk, reg, policy, zlog, manager.Options{
		Workers: cfg.MaxConcurrentDownloads,
		TTLBase: cfg.TTLFor,
	})
	exporter := export.New(providers, disk)

	if cfg.MetricsEnabled {
		metrics.Serve(ctx, metrics.Config{
			Addr:    cfg.MetricsAddr,
			Path:    cfg.MetricsPath,
			Version: Version,
		}, log)
	}

	var ready health.ReadinessReporter = health.Always{}
	if cfg.Invalidation.Enabled {
		consumer := kafkaconsumer.New(cfg.Invalidation, mgr, zlog)
		ready = consumer
		go func() {
			if err := consumer.Start(ctx); err != nil {
				log.Error("invalidation consumer exited", "err", err)
			}
		}()
	}

	handler := api.New(cfg, mgr, exporter, mem, log, ready).Router()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      120 * time.Second, // exports stream large archives
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("http listen", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		return err
	}
}
