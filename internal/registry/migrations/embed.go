package migrations

import "embed"

// FS holds the embedded SQLite schema migrations for the tile registry.
//
//go:embed *.sql
var FS embed.FS
