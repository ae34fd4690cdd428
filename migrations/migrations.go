// Package migrations holds the embedded schema migration files.
package migrations

import "embed"

// FS holds the goose SQL migrations. They are applied automatically when
// storage opens a database, and by hand through cmd/migrate.
//
//go:embed *.sql
var FS embed.FS
