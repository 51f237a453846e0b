package provider

import (
	"fmt"

	"github.com/tilevault/tilevault/internal/tilemath"
)

// Google serves satellite imagery through the Static Maps API. Fetching
// Google's tile servers directly would violate their terms, so tiles are
// addressed by center point and zoom instead.
type Google struct {
	APIKey string
}

func (g *Google) Name() string        { return "google" }
func (g *Google) DisplayName() string { return "Google Maps" }
func (g *Google) MaxZoom() int        { return 21 }
func (g *Google) TileSize() int       { return tilemath.DefaultTileSize }
func (g *Google) Format() string      { return "png" }
func (g *Google) RequiresKey() bool   { return true }
func (g *Google) Enabled() bool       { return g.APIKey != "" }
func (g *Google) Attribution() string { return "Map data ©Google" }

func (g *Google) TileURL(t tilemath.Tile) (string, error) {
	if g.APIKey == "" {
		return "", fmt.Errorf("%w: google", ErrKeyRequired)
	}
	if err := checkZoom(g, t); err != nil {
		return "", err
	}
	lat, lon := t.Center()
	return fmt.Sprintf(
		"https://maps.googleapis.com/maps/api/staticmap?center=%f,%f&zoom=%d&size=%dx%d&maptype=satellite&format=png&key=%s",
		lat, lon, t.Z, g.TileSize(), g.TileSize(), g.APIKey), nil
}

// Bing serves aerial imagery through the REST Imagery API, addressed by
// center point. The quadkey for the tile is retained as metadata.
type Bing struct {
	APIKey string
}

func (b *Bing) Name() string        { return "bing" }
func (b *Bing) DisplayName() string { return "Bing Maps" }
func (b *Bing) MaxZoom() int        { return 21 }
func (b *Bing) TileSize() int       { return tilemath.DefaultTileSize }
func (b *Bing) Format() string      { return "png" }
func (b *Bing) RequiresKey() bool   { return true }
func (b *Bing) Enabled() bool       { return b.APIKey != "" }
func (b *Bing) Attribution() string { return "© Microsoft, Earthstar Geographics" }

func (b *Bing) TileURL(t tilemath.Tile) (string, error) {
	if b.APIKey == "" {
		return "", fmt.Errorf("%w: bing", ErrKeyRequired)
	}
	if err := checkZoom(b, t); err != nil {
		return "", err
	}
	lat, lon := t.Center()
	return fmt.Sprintf(
		"https://dev.virtualearth.net/REST/v1/Imagery/Map/Aerial/%f,%f/%d?mapSize=%d,%d&format=png&key=%s",
		lat, lon, t.Z, b.TileSize(), b.TileSize(), b.APIKey), nil
}

// Mapbox serves the mapbox.satellite raster tileset at 2x scale.
type Mapbox struct {
	AccessToken string
}

func (m *Mapbox) Name() string        { return "mapbox" }
func (m *Mapbox) DisplayName() string { return "Mapbox Satellite" }
func (m *Mapbox) MaxZoom() int        { return 22 }
func (m *Mapbox) TileSize() int       { return 512 } // @2x tiles
func (m *Mapbox) Format() string      { return "png" }
func (m *Mapbox) RequiresKey() bool   { return true }
func (m *Mapbox) Enabled() bool       { return m.AccessToken != "" }
func (m *Mapbox) Attribution() string { return "© Mapbox, © Maxar" }

func (m *Mapbox) TileURL(t tilemath.Tile) (string, error) {
	if m.AccessToken == "" {
		return "", fmt.Errorf("%w: mapbox", ErrKeyRequired)
	}
	if err := checkZoom(m, t); err != nil {
		return "", err
	}
	return fmt.Sprintf(
		"https://api.mapbox.com/v4/mapbox.satellite/%d/%d/%d@2x.png?access_token=%s",
		t.Z, t.X, t.Y, m.AccessToken), nil
}
