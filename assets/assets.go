// Package assets embeds the SQL schema migrations shipped with genpipe.
package assets

import "embed"

const (
	PostgresMigrationDir = "migrations/postgres"
	SqliteMigrationDir   = "migrations/sqlite"
)

//go:embed migrations/*
var EmbedMigrations embed.FS
