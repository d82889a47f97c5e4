// Package migrations embeds the SQL schema migrations into the binary.
//
// Files follow the naming convention YYYYMMDD_HHMMSS_description.up.sql
// with an optional matching .down.sql for rollback.
package migrations

import (
	"embed"

	"github.com/meshpool/nodepool-core/internal/infrastructure/database"
)

//go:embed *.sql
var files embed.FS

func init() {
	database.MigrationsFS = files
	database.MigrationsDir = "."
}
