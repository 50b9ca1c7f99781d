// Package database opens the PowerTime SQLite database and applies its
// schema migrations.
//
// The database backs the optional SQLite device registry and the switch
// journal. Connections use WAL mode and a busy timeout, with a single open
// connection so writers queue instead of failing.
//
// Usage:
//
//	db, err := database.Open(database.Config{Path: cfg.Database.Path, WALMode: true, BusyTimeout: 5})
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx); err != nil {
//	    return err
//	}
//
// Migration files are named YYYYMMDD_HHMMSS_description.up.sql with a
// matching .down.sql, and are additive: new columns are nullable or carry a
// default.
package database
