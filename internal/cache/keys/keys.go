// Package keys builds cache keys for tiles.
package keys

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/cespare/xxhash/v2"

	"github.com/tilevault/tilevault/internal/tilemath"
)

// Tile returns the cache key for a tile. Variant captures request parameters
// beyond the coordinates (format or scale); it is sanitized for readability
// and hashed so distinct variants never collide after truncation.
func Tile(provider string, t tilemath.Tile, variant string) string {
	if variant == "" {
		return fmt.Sprintf("tile:%s:%d:%d:%d", sanitize(provider), t.Z, t.X, t.Y)
	}
	safe := sanitize(variant)
	const maxVariantLen = 64
	if len(safe) > maxVariantLen {
		safe = safe[:maxVariantLen]
	}
	sum := xxhash.Sum64String(variant)
	return fmt.Sprintf("tile:%s:%d:%d:%d:v=%s:h=%016x", sanitize(provider), t.Z, t.X, t.Y, safe, sum)
}

// Prefix returns the key prefix shared by all tiles of a provider at a zoom,
// used for targeted invalidation.
func Prefix(provider string, zoom int) string {
	return fmt.Sprintf("tile:%s:%d:", sanitize(provider), zoom)
}

func sanitize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	var prev rune
	for _, r := range s {
		out := r
		switch {
		case unicode.IsSpace(r):
			out = '_'
		case isAlphaNum(r) || r == '_' || r == '-' || r == '=' || r == '.':
		default:
			out = '-'
		}
		if (out == '_' || out == '-') && out == prev {
			continue
		}
		b.WriteRune(out)
		prev = out
	}
	return b.String()
}

func isAlphaNum(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
}
