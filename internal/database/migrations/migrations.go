package migrations

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed files/*.sql
var migrationFiles embed.FS

// versionTable is where golang-migrate's sqlite3 driver records the schema version.
const versionTable = "schema_migrations"

// Migration is one embedded schema migration.
type Migration struct {
	Version    uint
	Identifier string
}

// ID returns the migration's stable identifier, e.g. "0002_container_exclusive".
func (m Migration) ID() string {
	return fmt.Sprintf("%04d_%s", m.Version, m.Identifier)
}

// Status describes the migration state of one database.
type Status struct {
	Version uint
	Dirty   bool
	Applied []string
	Pending []string
}

// All returns every embedded migration in version order.
func All() ([]Migration, error) {
	src, err := iofs.New(migrationFiles, "files")
	if err != nil {
		return nil, fmt.Errorf("failed to read migration files: %w", err)
	}
	defer src.Close()

	return listMigrations(src)
}

// Latest returns the highest embedded migration version.
func Latest() (uint, error) {
	all, err := All()
	if err != nil {
		return 0, err
	}
	if len(all) == 0 {
		return 0, fmt.Errorf("no embedded migrations")
	}
	return all[len(all)-1].Version, nil
}

// ReadVersion returns the recorded schema version without creating the
// version table. ok is false when no version has been recorded.
func ReadVersion(db *sql.DB) (version uint, dirty bool, ok bool, err error) {
	var name string
	err = db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", versionTable).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, false, nil
	}
	if err != nil {
		return 0, false, false, fmt.Errorf("looking up version table: %w", err)
	}

	var v int64
	err = db.QueryRow("SELECT version, dirty FROM " + versionTable + " LIMIT 1").Scan(&v, &dirty)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, false, nil
	}
	if err != nil {
		return 0, false, false, fmt.Errorf("reading schema version: %w", err)
	}
	if v < 0 {
		return 0, false, false, nil
	}
	return uint(v), dirty, true, nil
}

// GetStatus reports applied and pending migration IDs. It only reads.
// A dirty version is listed as pending, since its script did not complete.
func GetStatus(db *sql.DB) (*Status, error) {
	version, dirty, ok, err := ReadVersion(db)
	if err != nil {
		return nil, err
	}
	all, err := All()
	if err != nil {
		return nil, err
	}

	st := &Status{Version: version, Dirty: dirty, Applied: []string{}, Pending: []string{}}
	for _, m := range all {
		switch {
		case !ok:
			st.Pending = append(st.Pending, m.ID())
		case m.Version < version, m.Version == version && !dirty:
			st.Applied = append(st.Applied, m.ID())
		default:
			st.Pending = append(st.Pending, m.ID())
		}
	}
	return st, nil
}

// CheckDBMigrationStatus verifies that the database schema is up-to-date.
// Returns nil if the database is at the latest version.
// Returns an error describing any version mismatch or migration issues.
func CheckDBMigrationStatus(db *sql.DB) error {
	version, dirty, ok, err := ReadVersion(db)
	if err != nil {
		return fmt.Errorf("failed to get database version: %w", err)
	}
	if !ok {
		return fmt.Errorf("database has no schema version (needs migration)")
	}
	if dirty {
		return fmt.Errorf("database is in dirty state at version %d (migration failed previously)", version)
	}

	latestVersion, err := Latest()
	if err != nil {
		return fmt.Errorf("failed to determine latest version: %w", err)
	}

	if version < latestVersion {
		return fmt.Errorf("database is at version %d but latest is %d (%d migrations behind)",
			version, latestVersion, latestVersion-version)
	}
	if version > latestVersion {
		return fmt.Errorf("database version %d is ahead of binary version %d (binary needs update)",
			version, latestVersion)
	}
	return nil
}

// MigrateUp runs all pending migrations and returns the IDs applied by this call.
func MigrateUp(db *sql.DB) ([]string, error) {
	before, _, beforeOK, err := ReadVersion(db)
	if err != nil {
		return nil, err
	}

	m, err := newMigrate(db)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	// Note: We don't close m here because it would close the db connection
	// The caller owns the db and is responsible for closing it

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return nil, fmt.Errorf("migration failed: %w", err)
	}

	after, _, _, err := ReadVersion(db)
	if err != nil {
		return nil, err
	}
	all, err := All()
	if err != nil {
		return nil, err
	}

	applied := []string{}
	for _, mig := range all {
		if (!beforeOK || mig.Version > before) && mig.Version <= after {
			applied = append(applied, mig.ID())
		}
	}
	return applied, nil
}

// MigrateTo moves the database to exactly the given version. Used to build
// stores at older schema versions.
func MigrateTo(db *sql.DB, version uint) error {
	m, err := newMigrate(db)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	if err := m.Migrate(version); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrating to version %d: %w", version, err)
	}
	return nil
}

// newMigrate creates a new migrate instance for the given database.
func newMigrate(db *sql.DB) (*migrate.Migrate, error) {
	sourceDriver, err := iofs.New(migrationFiles, "files")
	if err != nil {
		return nil, fmt.Errorf("failed to create source driver: %w", err)
	}

	dbDriver, err := sqlite3.WithInstance(db, &sqlite3.Config{MigrationsTable: versionTable})
	if err != nil {
		sourceDriver.Close()
		return nil, fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", dbDriver)
	if err != nil {
		sourceDriver.Close()
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}

	return m, nil
}

// listMigrations walks the source from its first version to its last.
func listMigrations(src source.Driver) ([]Migration, error) {
	version, err := src.First()
	if err != nil {
		return nil, err
	}

	var out []Migration
	for {
		r, identifier, err := src.ReadUp(version)
		if err != nil {
			return nil, fmt.Errorf("reading migration %d: %w", version, err)
		}
		r.Close()
		out = append(out, Migration{Version: version, Identifier: identifier})

		next, err := src.Next(version)
		if err != nil {
			// Any error from Next() means there are no more migrations
			break
		}
		version = next
	}
	return out, nil
}
