// Package migrations embeds the SQL migration files applied by
// pgstore.RunMigrations.
package migrations

import "embed"

// FS holds the embedded *.up.sql / *.down.sql migration files.
//
//go:embed *.sql
var FS embed.FS
