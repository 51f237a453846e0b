package provider

import (
	"fmt"
	"sync/atomic"

	"github.com/tilevault/tilevault/internal/tilemath"
)

// OSM serves rendered OpenStreetMap tiles. Not satellite imagery, but useful
// as a reference layer. OSM's usage policy requires a descriptive User-Agent,
// which the fetcher sets on every request.
type OSM struct {
	serverIdx atomic.Uint32
}

var osmServers = []string{
	"https://a.tile.openstreetmap.org",
	"https://b.tile.openstreetmap.org",
	"https://c.tile.openstreetmap.org",
}

func (o *OSM) Name() string        { return "osm" }
func (o *OSM) DisplayName() string { return "OpenStreetMap" }
func (o *OSM) MaxZoom() int        { return 19 }
func (o *OSM) TileSize() int       { return tilemath.DefaultTileSize }
func (o *OSM) Format() string      { return "png" }
func (o *OSM) RequiresKey() bool   { return false }
func (o *OSM) Enabled() bool       { return true }
func (o *OSM) Attribution() string { return "© OpenStreetMap contributors (ODbL)" }

func (o *OSM) TileURL(t tilemath.Tile) (string, error) {
	if err := checkZoom(o, t); err != nil {
		return "", err
	}
	// round-robin across the public tile servers
	idx := o.serverIdx.Add(1) % uint32(len(osmServers))
	return fmt.Sprintf("%s/%d/%d/%d.png", osmServers[idx], t.Z, t.X, t.Y), nil
}

// ESRI serves ArcGIS Online World Imagery. Free tier, global coverage.
type ESRI struct {
	// Clarity switches to the enhanced imagery endpoint available in
	// selected urban areas.
	Clarity bool
}

func (e *ESRI) Name() string {
	if e.Clarity {
		return "esri-clarity"
	}
	return "esri"
}

func (e *ESRI) DisplayName() string {
	if e.Clarity {
		return "ESRI Clarity"
	}
	return "ESRI World Imagery"
}

func (e *ESRI) MaxZoom() int      { return 23 }
func (e *ESRI) TileSize() int     { return tilemath.DefaultTileSize }
func (e *ESRI) Format() string    { return "jpg" }
func (e *ESRI) RequiresKey() bool { return false }
func (e *ESRI) Enabled() bool     { return true }
func (e *ESRI) Attribution() string {
	return "Esri, Maxar, Earthstar Geographics, and the GIS User Community"
}

func (e *ESRI) TileURL(t tilemath.Tile) (string, error) {
	if err := checkZoom(e, t); err != nil {
		return "", err
	}
	base := "https://server.arcgisonline.com/ArcGIS/rest/services/World_Imagery/MapServer/tile"
	if e.Clarity {
		base = "https://clarity.maptiles.arcgis.com/arcgis/rest/services/World_Imagery/MapServer/tile"
	}
	// ArcGIS tile scheme is {z}/{y}/{x}
	return fmt.Sprintf("%s/%d/%d/%d", base, t.Z, t.Y, t.X), nil
}

// NAIP serves USDA aerial imagery of the continental US through the ArcGIS
// ImageServer export endpoint. Free, 0.6-1m resolution.
type NAIP struct{}

const naipBase = "https://gis.apfo.usda.gov/arcgis/rest/services/NAIP/USDA_CONUS_PRIME/ImageServer"

func (NAIP) Name() string        { return "naip" }
func (NAIP) DisplayName() string { return "NAIP (USDA)" }
func (NAIP) MaxZoom() int        { return 18 }
func (NAIP) TileSize() int       { return tilemath.DefaultTileSize }
func (NAIP) Format() string      { return "tif" }
func (NAIP) RequiresKey() bool   { return false }
func (NAIP) Enabled() bool       { return true }
func (NAIP) Attribution() string { return "USDA NAIP, Continental US" }

func (n NAIP) TileURL(t tilemath.Tile) (string, error) {
	if err := checkZoom(n, t); err != nil {
		return "", err
	}
	b := t.Bounds()
	return fmt.Sprintf(
		"%s/exportImage?bbox=%f,%f,%f,%f&bboxSR=4326&imageSR=4326&size=%d,%d&format=tiff&f=image",
		naipBase, b.MinLon, b.MinLat, b.MaxLon, b.MaxLat, n.TileSize(), n.TileSize()), nil
}

// Sentinel serves the EOX Sentinel-2 cloudless mosaic via WMS. Free, global
// land coverage at 10m.
type Sentinel struct{}

const sentinelWMS = "https://tiles.maps.eox.at/wms"

func (Sentinel) Name() string        { return "sentinel" }
func (Sentinel) DisplayName() string { return "Sentinel-2 (ESA)" }
func (Sentinel) MaxZoom() int        { return 18 }
func (Sentinel) TileSize() int       { return tilemath.DefaultTileSize }
func (Sentinel) Format() string      { return "png" }
func (Sentinel) RequiresKey() bool   { return false }
func (Sentinel) Enabled() bool       { return true }
func (Sentinel) Attribution() string { return "Sentinel-2 cloudless by EOX (contains modified Copernicus data)" }

func (s Sentinel) TileURL(t tilemath.Tile) (string, error) {
	if err := checkZoom(s, t); err != nil {
		return "", err
	}
	b := t.Bounds()
	return fmt.Sprintf(
		"%s?SERVICE=WMS&VERSION=1.1.1&REQUEST=GetMap&LAYERS=s2cloudless-2020&STYLES=&SRS=EPSG:4326&BBOX=%f,%f,%f,%f&WIDTH=%d&HEIGHT=%d&FORMAT=image/png",
		sentinelWMS, b.MinLon, b.MinLat, b.MaxLon, b.MaxLat, s.TileSize(), s.TileSize()), nil
}

// Carto serves CARTO's raster basemap, the free OSM-compatible hybrid layer.
type Carto struct{}

func (Carto) Name() string        { return "carto" }
func (Carto) DisplayName() string { return "CARTO Basemap" }
func (Carto) MaxZoom() int        { return 19 }
func (Carto) TileSize() int       { return tilemath.DefaultTileSize }
func (Carto) Format() string      { return "png" }
func (Carto) RequiresKey() bool   { return false }
func (Carto) Enabled() bool       { return true }
func (Carto) Attribution() string { return "© CARTO, © OpenStreetMap contributors" }

func (c Carto) TileURL(t tilemath.Tile) (string, error) {
	if err := checkZoom(c, t); err != nil {
		return "", err
	}
	return fmt.Sprintf("https://basemaps.cartocdn.com/rastertiles/voyager/%d/%d/%d.png", t.Z, t.X, t.Y), nil
}
