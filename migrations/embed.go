package migrations

import "embed"

// FS holds the SQL migrations applied by db.Migrate and cmd/migrate.
//
//go:embed *.sql
var FS embed.FS
