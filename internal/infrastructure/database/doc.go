// Package database opens the bridge's optional SQLite file and applies its
// schema migrations.
//
// Three tables live there: per-frame-id traffic counters and the dropped
// translation log (written by the CAN recorder), and the audit log of
// conversion table loads. Translation never waits on any of them.
//
//	db, err := database.Open(ctx, cfg.Database)
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//	if err := db.Migrate(ctx, migrations.FS); err != nil {
//	    return err
//	}
//
// Migrations are pairs of YYYYMMDD_HHMMSS_name.up.sql and .down.sql files.
// They only add: new columns are NULLABLE or have a DEFAULT. The file is
// created with mode 0600 and every query is parameterised.
package database
