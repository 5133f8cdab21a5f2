// Package database opens the SQLite observation store and runs its
// migrations.
//
// Migrations come from an fs.FS, normally the embedded migrations package,
// and are named <YYYYMMDD>_<HHMMSS>_<name>.up.sql with an optional .down.sql.
// Applied versions are kept in schema_migrations.
//
//	db, err := database.Open(ctx, cfg.Database)
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//	err = db.Migrate(ctx, migrations.FS, migrations.Dir)
package database
