package migrations

import "embed"

// Files contains SQL migrations embedded into the binary, named with a flat
// ordered convention (e.g., 001_init.sql).
//
//go:embed *.sql
var Files embed.FS
