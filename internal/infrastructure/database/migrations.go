package database

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"path"
	"slices"
	"strings"
	"time"
)

// Migration is one schema change, loaded from
// <YYYYMMDD>_<HHMMSS>_<name>.up.sql and an optional matching .down.sql.
type Migration struct {
	Version string // YYYYMMDD_HHMMSS
	Name    string
	Up      string
	Down    string
}

// Status is the migration state of a database against a migration set.
type Status struct {
	Applied []string // versions, oldest first
	Pending []Migration
}

const schemaTable = `CREATE TABLE IF NOT EXISTS schema_migrations (
	version    TEXT PRIMARY KEY,
	applied_at TEXT NOT NULL
)`

// Migrate applies every pending migration in dir, each in its own
// transaction. A failure stops the run; earlier migrations stay applied.
func (db *DB) Migrate(ctx context.Context, fsys fs.FS, dir string) error {
	st, err := db.MigrationStatus(ctx, fsys, dir)
	if err != nil {
		return err
	}
	for _, m := range st.Pending {
		err := db.inTx(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, m.Up); err != nil {
				return err
			}
			_, err := tx.ExecContext(ctx,
				"INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)",
				m.Version, time.Now().UTC().Format(time.RFC3339))
			return err
		})
		if err != nil {
			return fmt.Errorf("applying migration %s_%s: %w", m.Version, m.Name, err)
		}
	}
	return nil
}

// Rollback reverts the newest applied migration. It is a no-op on a
// database with nothing applied.
func (db *DB) Rollback(ctx context.Context, fsys fs.FS, dir string) error {
	st, err := db.MigrationStatus(ctx, fsys, dir)
	if err != nil || len(st.Applied) == 0 {
		return err
	}
	version := st.Applied[len(st.Applied)-1]

	all, err := LoadMigrations(fsys, dir)
	if err != nil {
		return err
	}
	i := slices.IndexFunc(all, func(m Migration) bool { return m.Version == version })
	if i < 0 || all[i].Down == "" {
		return fmt.Errorf("migration %s has no down SQL", version)
	}

	return db.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, all[i].Down); err != nil {
			return fmt.Errorf("rolling back %s: %w", version, err)
		}
		_, err := tx.ExecContext(ctx, "DELETE FROM schema_migrations WHERE version = ?", version)
		return err
	})
}

// MigrationStatus compares the versions recorded in schema_migrations with
// the migrations in dir.
func (db *DB) MigrationStatus(ctx context.Context, fsys fs.FS, dir string) (Status, error) {
	var st Status
	if _, err := db.ExecContext(ctx, schemaTable); err != nil {
		return st, fmt.Errorf("creating migrations table: %w", err)
	}

	rows, err := db.QueryContext(ctx, "SELECT version FROM schema_migrations ORDER BY version")
	if err != nil {
		return st, fmt.Errorf("querying migrations: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return st, fmt.Errorf("scanning migration row: %w", err)
		}
		st.Applied = append(st.Applied, v)
	}
	if err := rows.Err(); err != nil {
		return st, err
	}

	all, err := LoadMigrations(fsys, dir)
	if err != nil {
		return st, err
	}
	for _, m := range all {
		if !slices.Contains(st.Applied, m.Version) {
			st.Pending = append(st.Pending, m)
		}
	}
	return st, nil
}

func (db *DB) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// LoadMigrations reads the migrations in dir, oldest first. A nil fsys or
// a missing dir yields none.
func LoadMigrations(fsys fs.FS, dir string) ([]Migration, error) {
	if fsys == nil {
		return nil, nil
	}
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, nil //nolint:nilerr // no directory, no migrations
	}

	var out []Migration
	find := func(version string) *Migration {
		for i := range out {
			if out[i].Version == version {
				return &out[i]
			}
		}
		out = append(out, Migration{Version: version})
		return &out[len(out)-1]
	}

	for _, e := range entries {
		f, ok := parseMigrationFile(e.Name())
		if e.IsDir() || !ok {
			continue
		}
		body, err := fs.ReadFile(fsys, path.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", e.Name(), err)
		}
		m := find(f.version)
		if f.up {
			m.Name, m.Up = f.name, string(body)
		} else {
			m.Down = string(body)
		}
	}

	for _, m := range out {
		if m.Up == "" {
			return nil, fmt.Errorf("migration %s has no up SQL", m.Version)
		}
	}
	slices.SortFunc(out, func(a, b Migration) int { return strings.Compare(a.Version, b.Version) })
	return out, nil
}

type migrationFile struct {
	version string
	name    string
	up      bool
}

// parseMigrationFile splits "20260301_120000_bus_observations.up.sql".
func parseMigrationFile(filename string) (migrationFile, bool) {
	var f migrationFile
	base, ok := strings.CutSuffix(filename, ".sql")
	if !ok {
		return f, false
	}
	if b, ok := strings.CutSuffix(base, ".up"); ok {
		base, f.up = b, true
	} else if b, ok := strings.CutSuffix(base, ".down"); ok {
		base = b
	} else {
		return f, false
	}

	parts := strings.SplitN(base, "_", 3)
	if len(parts) != 3 || parts[2] == "" {
		return f, false
	}
	f.version, f.name = parts[0]+"_"+parts[1], parts[2]
	return f, true
}
