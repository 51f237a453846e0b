// Package tilemath implements the Web Mercator XYZ tile scheme: conversions
// between tiles and WGS84 coordinates, bounding-box coverage, and ground
// sampling distance.
package tilemath

import (
	"fmt"
	"math"
	"strings"
)

// EarthCircumference is the equatorial circumference in meters (WGS84).
const EarthCircumference = 40075016.686

// DefaultTileSize is the edge length in pixels of a standard raster tile.
const DefaultTileSize = 256

// MaxZoom is the highest zoom level any provider is allowed to claim.
const MaxZoom = 23

// Tile addresses a single tile in the XYZ scheme.
type Tile struct {
	Z int `json:"z"`
	X int `json:"x"`
	Y int `json:"y"`
}

func (t Tile) String() string {
	return fmt.Sprintf("%d/%d/%d", t.Z, t.X, t.Y)
}

// Valid reports whether the tile coordinates are inside the 2^z grid.
func (t Tile) Valid() bool {
	if t.Z < 0 || t.Z > MaxZoom {
		return false
	}
	n := 1 << t.Z
	return t.X >= 0 && t.X < n && t.Y >= 0 && t.Y < n
}

// Bounds returns the WGS84 bounding box covered by the tile.
func (t Tile) Bounds() BBox {
	n := math.Exp2(float64(t.Z))

	lonW := float64(t.X)/n*360.0 - 180.0
	lonE := float64(t.X+1)/n*360.0 - 180.0
	latN := math.Atan(math.Sinh(math.Pi*(1-2*float64(t.Y)/n))) * 180 / math.Pi
	latS := math.Atan(math.Sinh(math.Pi*(1-2*float64(t.Y+1)/n))) * 180 / math.Pi

	return BBox{MinLon: lonW, MinLat: latS, MaxLon: lonE, MaxLat: latN}
}

// Center returns the tile's center point.
func (t Tile) Center() (lat, lon float64) {
	b := t.Bounds()
	return (b.MinLat + b.MaxLat) / 2, (b.MinLon + b.MaxLon) / 2
}

// Quadkey returns the Bing Maps quadkey for the tile, one digit per zoom
// level.
func (t Tile) Quadkey() string {
	var sb strings.Builder
	sb.Grow(t.Z)
	for i := t.Z; i > 0; i-- {
		digit := byte('0')
		mask := 1 << (i - 1)
		if t.X&mask != 0 {
			digit++
		}
		if t.Y&mask != 0 {
			digit += 2
		}
		sb.WriteByte(digit)
	}
	return sb.String()
}

// AtCoords returns the tile containing the given point, clamped to the grid.
func AtCoords(lat, lon float64, zoom int) Tile {
	n := math.Exp2(float64(zoom))
	x := int((lon + 180.0) / 360.0 * n)
	latRad := lat * math.Pi / 180
	y := int((1.0 - math.Asinh(math.Tan(latRad))/math.Pi) / 2.0 * n)

	limit := int(n) - 1
	return Tile{Z: zoom, X: clamp(x, 0, limit), Y: clamp(y, 0, limit)}
}

// Cover returns every tile at the given zoom intersecting the bounding box,
// in row-major order (west to east, north to south).
func Cover(b BBox, zoom int) []Tile {
	nw := AtCoords(b.MaxLat, b.MinLon, zoom)
	se := AtCoords(b.MinLat, b.MaxLon, zoom)

	tiles := make([]Tile, 0, (se.X-nw.X+1)*(se.Y-nw.Y+1))
	for y := nw.Y; y <= se.Y; y++ {
		for x := nw.X; x <= se.X; x++ {
			tiles = append(tiles, Tile{Z: zoom, X: x, Y: y})
		}
	}
	return tiles
}

// CoverCount returns len(Cover(b, zoom)) without materializing the slice.
func CoverCount(b BBox, zoom int) int {
	nw := AtCoords(b.MaxLat, b.MinLon, zoom)
	se := AtCoords(b.MinLat, b.MaxLon, zoom)
	return (se.X - nw.X + 1) * (se.Y - nw.Y + 1)
}

// GSD returns the ground sampling distance in meters per pixel at the given
// latitude and zoom. Each zoom level halves the GSD; the cosine term accounts
// for Mercator stretching away from the equator.
func GSD(lat float64, zoom, tileSize int) float64 {
	if tileSize <= 0 {
		tileSize = DefaultTileSize
	}
	atEquator := EarthCircumference / (float64(tileSize) * math.Exp2(float64(zoom)))
	return atEquator * math.Cos(lat*math.Pi/180)
}

// ZoomForGSD returns the lowest zoom whose GSD at the given latitude is at or
// below the target, capped at max.
func ZoomForGSD(target, lat float64, tileSize, max int) int {
	if target <= 0 {
		return max
	}
	for z := 0; z <= max; z++ {
		if GSD(lat, z, tileSize) <= target {
			return z
		}
	}
	return max
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
