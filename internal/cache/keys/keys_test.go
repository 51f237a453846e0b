package keys

import (
	"strings"
	"testing"

	"github.com/tilevault/tilevault/internal/tilemath"
)

func TestTileKeyStable(t *testing.T) {
	tile := tilemath.Tile{Z: 14, X: 9512, Y: 4633}
	a := Tile("osm", tile, "")
	b := Tile("osm", tile, "")
	if a != b {
		t.Fatalf("keys differ: %q vs %q", a, b)
	}
	if a != "tile:osm:14:9512:4633" {
		t.Fatalf("key = %q", a)
	}
}

func TestTileKeyVariantsDiffer(t *testing.T) {
	tile := tilemath.Tile{Z: 10, X: 1, Y: 2}
	if Tile("esri", tile, "scale=2") == Tile("esri", tile, "scale=1") {
		t.Fatal("variants should produce distinct keys")
	}
	// long variants are truncated but still distinguished by hash
	long1 := strings.Repeat("a", 100) + "1"
	long2 := strings.Repeat("a", 100) + "2"
	if Tile("esri", tile, long1) == Tile("esri", tile, long2) {
		t.Fatal("truncated variants must not collide")
	}
}

func TestTileKeySanitized(t *testing.T) {
	tile := tilemath.Tile{Z: 1, X: 0, Y: 0}
	k := Tile("weird provider/name", tile, "fmt png;x=1")
	if strings.ContainsAny(k, " /;") {
		t.Fatalf("key not sanitized: %q", k)
	}
}

func TestPrefixMatchesKeys(t *testing.T) {
	tile := tilemath.Tile{Z: 12, X: 5, Y: 6}
	k := Tile("naip", tile, "")
	if !strings.HasPrefix(k, Prefix("naip", 12)) {
		t.Fatalf("key %q does not start with prefix %q", k, Prefix("naip", 12))
	}
	if strings.HasPrefix(k, Prefix("naip", 13)) {
		t.Fatal("prefix for other zoom should not match")
	}
}
