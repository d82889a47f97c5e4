// Package database provides SQLite persistence for the nodepool inventory.
//
// The store holds the node roster, configuration snapshots, check results,
// and heard history. SQLite fits the deployment model: a single binary on
// a workstation or gateway host, no server to run, and the whole fleet
// state in one portable file.
//
// # Schema Migrations
//
// Schema changes ship as embedded SQL files named
// YYYYMMDD_HHMMSS_description.up.sql (with an optional .down.sql for
// rollback). Migrate() applies pending migrations in version order, each
// in its own transaction, tracked in the schema_migrations table.
//
// # Concurrency
//
// WAL mode allows readers during writes, but the connection pool is
// capped at one connection because SQLite supports a single writer.
// Callers should keep transactions short.
//
// Usage:
//
//	db, err := database.Open(database.Config{
//	    Path:        cfg.Database.Path,
//	    WALMode:     cfg.Database.WALMode,
//	    BusyTimeout: cfg.Database.BusyTimeout,
//	})
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx); err != nil {
//	    return err
//	}
package database
