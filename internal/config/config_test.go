package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Addr != ":8000" {
		t.Fatalf("Addr = %q, want :8000", cfg.Addr)
	}
	if cfg.TilesDir != "data/tiles" || cfg.CacheDir != "data/cache" {
		t.Fatalf("dirs = %q, %q", cfg.TilesDir, cfg.CacheDir)
	}
	if cfg.TTLCold != cfg.CacheTTLDefault/2 || cfg.TTLHot != 2*cfg.CacheTTLDefault {
		t.Fatalf("derived TTLs: cold=%v hot=%v default=%v", cfg.TTLCold, cfg.TTLHot, cfg.CacheTTLDefault)
	}
}

func TestLoadOverridesFromEnv(t *testing.T) {
	t.Setenv("ADDR", ":9100")
	t.Setenv("CACHE_TTL_OVERRIDES", "osm=10m,esri=1h")
	t.Setenv("MAX_ZOOM", "30")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Addr != ":9100" {
		t.Fatalf("Addr = %q", cfg.Addr)
	}
	if cfg.TTLFor("osm") != 10*time.Minute {
		t.Fatalf("osm TTL = %v", cfg.TTLFor("osm"))
	}
	if cfg.TTLFor("naip") != cfg.CacheTTLDefault {
		t.Fatalf("fallback TTL = %v", cfg.TTLFor("naip"))
	}
	if cfg.MaxZoom != 23 {
		t.Fatalf("MaxZoom not capped: %d", cfg.MaxZoom)
	}
}

func TestParseTTLOverrides(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want int
	}{
		{"empty", "", 0},
		{"single", "osm=5m", 1},
		{"multiple with spaces", " osm=5m , esri = 30s ", 2},
		{"malformed skipped", "osm=5m,broken,=10s,x=notdur", 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := ParseTTLOverrides(tc.in)
			if len(got) != tc.want {
				t.Fatalf("len = %d, want %d (%v)", len(got), tc.want, got)
			}
		})
	}
}
