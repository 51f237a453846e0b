package tilemath

import (
	"math"
	"testing"
)

func TestZoomZeroCoversWorld(t *testing.T) {
	b := Tile{Z: 0, X: 0, Y: 0}.Bounds()
	if b.MinLon != -180 || b.MaxLon != 180 {
		t.Fatalf("longitude span = [%f,%f], want [-180,180]", b.MinLon, b.MaxLon)
	}
	// Mercator latitude limit
	if math.Abs(b.MaxLat-85.0511) > 0.001 || math.Abs(b.MinLat+85.0511) > 0.001 {
		t.Fatalf("latitude span = [%f,%f], want ~[-85.0511,85.0511]", b.MinLat, b.MaxLat)
	}
}

func TestAtCoordsRoundTrip(t *testing.T) {
	cases := []struct {
		name     string
		lat, lon float64
		zoom     int
	}{
		{"stockholm", 59.3293, 18.0686, 14},
		{"equator origin", 0, 0, 10},
		{"southern hemisphere", -33.8688, 151.2093, 12},
		{"western hemisphere", 37.7749, -122.4194, 16},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tile := AtCoords(tc.lat, tc.lon, tc.zoom)
			if !tile.Valid() {
				t.Fatalf("tile %v invalid", tile)
			}
			if !tile.Bounds().Contains(tc.lat, tc.lon) {
				t.Fatalf("bounds %v do not contain %f,%f", tile.Bounds(), tc.lat, tc.lon)
			}
		})
	}
}

func TestAtCoordsClampsAtPoles(t *testing.T) {
	tile := AtCoords(89.9, 0, 4)
	if tile.Y != 0 {
		t.Fatalf("near north pole Y=%d, want 0", tile.Y)
	}
	tile = AtCoords(-89.9, 0, 4)
	if tile.Y != 15 {
		t.Fatalf("near south pole Y=%d, want 15", tile.Y)
	}
	tile = AtCoords(0, 180, 3)
	if tile.X != 7 {
		t.Fatalf("antimeridian X=%d, want 7", tile.X)
	}
}

func TestCoverAdjacency(t *testing.T) {
	b := BBox{MinLon: 17.9, MinLat: 59.2, MaxLon: 18.2, MaxLat: 59.4}
	tiles := Cover(b, 12)
	if len(tiles) == 0 {
		t.Fatal("no tiles covering bbox")
	}
	if len(tiles) != CoverCount(b, 12) {
		t.Fatalf("CoverCount=%d, len(Cover)=%d", CoverCount(b, 12), len(tiles))
	}
	// every tile's bounds must intersect the query box
	for _, tile := range tiles {
		if !tile.Bounds().Intersects(b) {
			t.Fatalf("tile %v does not intersect %v", tile, b)
		}
	}
	// corner tiles must contain the corners
	if !tiles[0].Bounds().Contains(b.MaxLat, b.MinLon) {
		t.Fatalf("first tile %v missing NW corner", tiles[0])
	}
	if !tiles[len(tiles)-1].Bounds().Contains(b.MinLat, b.MaxLon) {
		t.Fatalf("last tile %v missing SE corner", tiles[len(tiles)-1])
	}
}

func TestQuadkey(t *testing.T) {
	cases := []struct {
		tile Tile
		want string
	}{
		{Tile{Z: 1, X: 0, Y: 0}, "0"},
		{Tile{Z: 1, X: 1, Y: 0}, "1"},
		{Tile{Z: 1, X: 0, Y: 1}, "2"},
		{Tile{Z: 1, X: 1, Y: 1}, "3"},
		{Tile{Z: 3, X: 3, Y: 5}, "213"},
	}
	for _, tc := range cases {
		if got := tc.tile.Quadkey(); got != tc.want {
			t.Errorf("%v quadkey = %q, want %q", tc.tile, got, tc.want)
		}
	}
}

func TestGSDHalvesPerZoom(t *testing.T) {
	g10 := GSD(0, 10, 256)
	g11 := GSD(0, 11, 256)
	if math.Abs(g10/g11-2) > 1e-9 {
		t.Fatalf("GSD ratio between zooms = %f, want 2", g10/g11)
	}
	// at the equator, zoom 0 is the full circumference over one tile
	if math.Abs(GSD(0, 0, 256)-EarthCircumference/256) > 1e-6 {
		t.Fatalf("zoom 0 GSD = %f", GSD(0, 0, 256))
	}
	// higher latitude shrinks GSD
	if GSD(60, 10, 256) >= g10 {
		t.Fatal("GSD at 60N should be below equatorial GSD")
	}
}

func TestZoomForGSD(t *testing.T) {
	z := ZoomForGSD(0.6, 40, 256, 20)
	if g := GSD(40, z, 256); g > 0.6 {
		t.Fatalf("zoom %d has GSD %f > 0.6", z, g)
	}
	if z > 0 {
		if g := GSD(40, z-1, 256); g <= 0.6 {
			t.Fatalf("zoom %d already satisfies target", z-1)
		}
	}
	if got := ZoomForGSD(0, 0, 256, 18); got != 18 {
		t.Fatalf("zero target should return max, got %d", got)
	}
}

func TestParseBBox(t *testing.T) {
	cases := []struct {
		name    string
		in      string
		wantErr bool
	}{
		{"valid", "17.9,59.2,18.2,59.4", false},
		{"spaces", " 17.9 , 59.2 , 18.2 , 59.4 ", false},
		{"too few", "17.9,59.2,18.2", true},
		{"not numeric", "a,b,c,d", true},
		{"inverted", "18.2,59.2,17.9,59.4", true},
		{"lat out of range", "17.9,-95,18.2,59.4", true},
		{"lon out of range", "-200,59.2,18.2,59.4", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseBBox(tc.in)
			if (err != nil) != tc.wantErr {
				t.Fatalf("ParseBBox(%q) err=%v, wantErr=%v", tc.in, err, tc.wantErr)
			}
		})
	}
}

func TestBBoxUnionIntersects(t *testing.T) {
	a := BBox{MinLon: 0, MinLat: 0, MaxLon: 10, MaxLat: 10}
	b := BBox{MinLon: 5, MinLat: 5, MaxLon: 15, MaxLat: 15}
	c := BBox{MinLon: 20, MinLat: 20, MaxLon: 25, MaxLat: 25}

	if !a.Intersects(b) {
		t.Fatal("overlapping boxes reported as disjoint")
	}
	if a.Intersects(c) {
		t.Fatal("disjoint boxes reported as intersecting")
	}
	u := a.Union(b)
	if u.MinLon != 0 || u.MaxLon != 15 || u.MinLat != 0 || u.MaxLat != 15 {
		t.Fatalf("union = %v", u)
	}
}
