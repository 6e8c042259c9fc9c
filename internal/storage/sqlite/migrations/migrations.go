// Package migrations embeds the SQLite schema migrations for the engine store.
package migrations

import "embed"

// FS holds the embedded engine schema migrations.
//
//go:embed engine/*.sql
var FS embed.FS
