// Package migrations embeds the catalog schema.
package migrations

import "embed"

// FS contains the catalog's SQL migration files.
//
//go:embed *.sql
var FS embed.FS
