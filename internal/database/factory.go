package database

import (
	"database/sql"
	"fmt"
	"os"

	"labsnap/internal/config"
	"labsnap/internal/database/migrations"
	"labsnap/internal/snap"
)

// NewStoreFromConfig opens the live store described by cfg.
func NewStoreFromConfig(cfg config.StoreConfig) (*SQLiteStore, error) {
	switch cfg.Type {
	case "sqlite", "":
		if cfg.Path == "" {
			return nil, fmt.Errorf("path required for sqlite store")
		}
		return NewSQLiteStore(cfg.Path)
	case "memory":
		return NewSQLiteStore(":memory:")
	default:
		return nil, fmt.Errorf("unknown store type: %s", cfg.Type)
	}
}

// Opener opens SQLite stores on artifact database files.
type Opener struct{}

func (Opener) OpenStore(path string) (snap.Store, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	return NewSQLiteStore(path)
}

// Applier applies the embedded migrations to SQLite database files.
// Every call opens and closes its own connection.
type Applier struct{}

// Status reports applied and pending migrations without modifying the file.
func (Applier) Status(path string) (*snap.MigrationStatus, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("migration status: %w", err)
	}
	db, err := OpenConnection(path)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	st, err := migrations.GetStatus(db)
	if err != nil {
		return nil, fmt.Errorf("migration status: %w", err)
	}
	return &snap.MigrationStatus{Applied: st.Applied, Pending: st.Pending, Dirty: st.Dirty}, nil
}

// Up applies every pending migration, creating the database file if needed.
func (Applier) Up(path string) ([]string, error) {
	db, err := OpenConnection(path)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	applied, err := migrations.MigrateUp(db)
	if err != nil {
		return nil, fmt.Errorf("applying migrations: %w", err)
	}
	return applied, nil
}

func checkMigrations(db *sql.DB) error {
	return migrations.CheckDBMigrationStatus(db)
}

var (
	_ snap.StoreOpener      = Opener{}
	_ snap.MigrationApplier = Applier{}
)
