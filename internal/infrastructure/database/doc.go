// Package database provides SQLite connectivity for the Onecta bridge.
//
// The database holds the per-account OAuth token store (kv_store) and the
// command audit log (audit_logs). Migrations are embedded from the
// top-level migrations package and applied at start-up.
//
// Usage:
//
//	db, err := database.Open(ctx, database.Config{Path: cfg.Database.Path, WALMode: true})
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx); err != nil {
//	    return err
//	}
//
// Migration files are named YYYYMMDD_HHMMSS_description.up.sql with an
// optional matching .down.sql. Migrations are additive: new columns must be
// nullable or carry a default.
package database
