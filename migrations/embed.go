// Package migrations embeds the Postgres schema migrations so the binary
// can migrate its own database.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
