package migrations

import "embed"

// Files exposes the SQL migrations applied by the MySQL task recorder.
//
//go:embed *.sql
var Files embed.FS
