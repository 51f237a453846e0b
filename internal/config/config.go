// Package config loads service configuration from the environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

type Invalidation struct {
	Enabled          bool          `env:"INVALIDATION_ENABLED" envDefault:"false"`
	Brokers          []string      `env:"KAFKA_BROKERS" envDefault:"localhost:9092"`
	Topic            string        `env:"KAFKA_TOPIC" envDefault:"imagery-refresh"`
	GroupID          string        `env:"KAFKA_GROUP_ID" envDefault:"tilevault-invalidator"`
	SessionTimeout   time.Duration `env:"KAFKA_SESSION_TIMEOUT" envDefault:"10s"`
	Heartbeat        time.Duration `env:"KAFKA_HEARTBEAT" envDefault:"3s"`
	RebalanceTimeout time.Duration `env:"KAFKA_REBALANCE_TIMEOUT" envDefault:"60s"`
	InitialOldest    bool          `env:"KAFKA_INITIAL_OLDEST" envDefault:"false"`
	MaxTilesPerEvent int           `env:"INVALIDATION_MAX_TILES" envDefault:"4096"`
}

type Config struct {
	Addr     string `env:"ADDR" envDefault:":8000"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	TilesDir string `env:"TILES_DIR" envDefault:"data/tiles"`
	CacheDir string `env:"CACHE_DIR" envDefault:"data/cache"`
	DBPath   string `env:"DB_PATH" envDefault:"data/tiles.db"`

	RedisAddr    string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisEnabled bool   `env:"REDIS_ENABLED" envDefault:"true"`

	GoogleMapsAPIKey  string `env:"GOOGLE_MAPS_API_KEY"`
	BingMapsAPIKey    string `env:"BING_MAPS_API_KEY"`
	MapboxAccessToken string `env:"MAPBOX_ACCESS_TOKEN"`

	DefaultTileSize        int           `env:"DEFAULT_TILE_SIZE" envDefault:"256"`
	MaxZoom                int           `env:"MAX_ZOOM" envDefault:"20"`
	DefaultGSD             float64       `env:"DEFAULT_GSD_METERS" envDefault:"0.6"`
	MaxConcurrentDownloads int           `env:"MAX_CONCURRENT_DOWNLOADS" envDefault:"5"`
	DownloadTimeout        time.Duration `env:"DOWNLOAD_TIMEOUT" envDefault:"30s"`

	MemCacheMaxBytes   int64         `env:"MEMCACHE_MAX_BYTES" envDefault:"104857600"`
	MemCacheMaxEntries int           `env:"MEMCACHE_MAX_ENTRIES" envDefault:"1000"`
	CacheTTLDefault    time.Duration `env:"CACHE_TTL_DEFAULT" envDefault:"1h"`
	CacheTTLOverrides  string        `env:"CACHE_TTL_OVERRIDES"`
	CacheOpTimeout     time.Duration `env:"CACHE_OP_TIMEOUT" envDefault:"250ms"`

	HotnessEnabled  bool          `env:"HOTNESS_ENABLED" envDefault:"false"`
	HotHalfLife     time.Duration `env:"HOT_HALF_LIFE" envDefault:"1m"`
	WarmThreshold   float64       `env:"WARM_THRESHOLD" envDefault:"2"`
	HotThreshold    float64       `env:"HOT_THRESHOLD" envDefault:"10"`
	TTLCold         time.Duration `env:"TTL_COLD"`
	TTLWarm         time.Duration `env:"TTL_WARM"`
	TTLHot          time.Duration `env:"TTL_HOT"`

	MetricsEnabled bool   `env:"METRICS_ENABLED" envDefault:"false"`
	MetricsAddr    string `env:"METRICS_ADDR" envDefault:":9090"`
	MetricsPath    string `env:"METRICS_PATH" envDefault:"/metrics"`

	Invalidation Invalidation

	// parsed from CacheTTLOverrides
	TTLOverrides map[string]time.Duration `env:"-"`
}

// Load reads configuration from environment variables and normalizes
// derived fields.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	cfg.TTLOverrides = ParseTTLOverrides(cfg.CacheTTLOverrides)

	if cfg.TTLCold <= 0 {
		cfg.TTLCold = cfg.CacheTTLDefault / 2
	}
	if cfg.TTLWarm <= 0 {
		cfg.TTLWarm = cfg.CacheTTLDefault
	}
	if cfg.TTLHot <= 0 {
		cfg.TTLHot = 2 * cfg.CacheTTLDefault
	}
	if cfg.MaxZoom > 23 {
		cfg.MaxZoom = 23
	}
	if cfg.MaxConcurrentDownloads <= 0 {
		cfg.MaxConcurrentDownloads = 5
	}
	return cfg, nil
}

// TTLFor returns the cache TTL for a provider, honoring overrides.
func (c Config) TTLFor(provider string) time.Duration {
	if d, ok := c.TTLOverrides[provider]; ok {
		return d
	}
	return c.CacheTTLDefault
}

// ParseTTLOverrides parses "osm=10m,esri=1h" into a map. Malformed entries
// are skipped.
func ParseTTLOverrides(s string) map[string]time.Duration {
	out := map[string]time.Duration{}
	for _, p := range strings.Split(strings.TrimSpace(s), ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		k := strings.TrimSpace(kv[0])
		if k == "" {
			continue
		}
		if d, err := time.ParseDuration(strings.TrimSpace(kv[1])); err == nil {
			out[k] = d
		}
	}
	return out
}
