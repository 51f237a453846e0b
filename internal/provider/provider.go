// Package provider defines upstream tile imagery sources and the registry
// that selects between them.
package provider

import (
	"errors"
	"fmt"

	"github.com/tilevault/tilevault/internal/tilemath"
)

var ErrUnknown = errors.New("unknown provider")

// ErrKeyRequired is returned when building a URL for a key-gated provider
// with no credential configured.
var ErrKeyRequired = errors.New("provider requires an API key")

// Provider describes one upstream imagery source.
type Provider interface {
	// Name is the stable identifier used in URLs, cache keys and the
	// registry database.
	Name() string
	DisplayName() string
	MaxZoom() int
	TileSize() int
	// Format is the image file extension served by the provider
	// (png, jpg, tif).
	Format() string
	RequiresKey() bool
	// Enabled reports whether the provider can be used; key-gated
	// providers are disabled until configured.
	Enabled() bool
	Attribution() string
	// TileURL returns the upstream URL for one tile.
	TileURL(t tilemath.Tile) (string, error)
}

// ContentType maps a provider format to the HTTP content type for its tiles.
func ContentType(format string) string {
	switch format {
	case "jpg", "jpeg":
		return "image/jpeg"
	case "tif", "tiff":
		return "image/tiff"
	case "webp":
		return "image/webp"
	default:
		return "image/png"
	}
}

func checkZoom(p Provider, t tilemath.Tile) error {
	if !t.Valid() {
		return fmt.Errorf("invalid tile %s", t)
	}
	if t.Z > p.MaxZoom() {
		return fmt.Errorf("zoom %d exceeds %s max zoom %d", t.Z, p.Name(), p.MaxZoom())
	}
	return nil
}
