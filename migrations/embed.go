// Package migrations embeds the goose SQL migrations applied at server
// startup.
package migrations

import "embed"

// FS holds every numbered migration file in this directory.
//
//go:embed *.sql
var FS embed.FS
