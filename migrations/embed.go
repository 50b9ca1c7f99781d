// Package migrations embeds the SQLite schema into the binary.
//
// Importing the package registers the files with the database package, so
// db.Migrate applies them without the SQL being present on disk.
package migrations

import (
	"embed"

	"github.com/nerrad567/powertime-core/internal/infrastructure/database"
)

//go:embed *.sql
var migrationsFS embed.FS

func init() {
	database.MigrationsFS = migrationsFS
	database.MigrationsDir = "."
}
