// Package migrations embeds the SQLite schema of the retry task queue.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
