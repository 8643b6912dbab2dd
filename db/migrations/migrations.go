// Package migrations embeds the SQL schema migrations applied by db/migrator.
package migrations

import "embed"

// FS holds every *.sql migration, applied in filename order.
//
//go:embed *.sql
var FS embed.FS
