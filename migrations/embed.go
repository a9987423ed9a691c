// Package migrations embeds the goose SQL migrations for every supported store.
package migrations

import "embed"

// FS holds the postgres/ and sqlite/ migration directories.
//
//go:embed postgres/*.sql sqlite/*.sql
var FS embed.FS
