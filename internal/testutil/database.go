package testutil

import (
	"database/sql"
	"strconv"
	"testing"

	"labsnap/internal/database/migrations"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// Latest asks NewStoreFile for a fully migrated store.
const Latest uint = 0

const fixtureTime = "2024-01-01T00:00:00Z"

// NewStoreFile creates a SQLite store at path migrated to version (Latest for
// all migrations) and returns an open connection to it. The connection is
// closed when the test completes; close it earlier to release the file.
func NewStoreFile(t *testing.T, path string, version uint) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		t.Fatalf("failed to enable foreign keys: %v", err)
	}

	if version == Latest {
		if _, err := migrations.MigrateUp(db); err != nil {
			t.Fatalf("failed to migrate: %v", err)
		}
	} else if err := migrations.MigrateTo(db, version); err != nil {
		t.Fatalf("failed to migrate to %d: %v", version, err)
	}
	return db
}

// AddContainer inserts a container and returns its id. exclusive is only
// written when true, so it works on stores that predate the column.
func AddContainer(t *testing.T, db *sql.DB, barcode string, exclusive bool) int64 {
	t.Helper()

	var res sql.Result
	var err error
	if exclusive {
		res, err = db.Exec(`INSERT INTO containers (barcode, kind, location, created_at, updated_at, is_exclusive)
			VALUES (?, 'tube', 'bench', ?, ?, 1)`, barcode, fixtureTime, fixtureTime)
	} else {
		res, err = db.Exec(`INSERT INTO containers (barcode, kind, location, created_at, updated_at)
			VALUES (?, 'bag', 'bench', ?, ?)`, barcode, fixtureTime, fixtureTime)
	}
	if err != nil {
		t.Fatalf("inserting container %s: %v", barcode, err)
	}
	id, _ := res.LastInsertId()
	return id
}

// SetExclusive flips a container's exclusivity flag directly, bypassing any
// occupancy guardrail.
func SetExclusive(t *testing.T, db *sql.DB, containerID int64) {
	t.Helper()
	if _, err := db.Exec("UPDATE containers SET is_exclusive = 1 WHERE id = ?", containerID); err != nil {
		t.Fatalf("setting container %d exclusive: %v", containerID, err)
	}
}

// AddSample inserts a sample and returns its id. containerID 0 leaves the
// sample unassigned.
func AddSample(t *testing.T, db *sql.DB, externalID, status string, containerID int64) int64 {
	t.Helper()

	var cid any
	if containerID != 0 {
		cid = containerID
	}
	res, err := db.Exec(`INSERT INTO samples (external_id, specimen_type, status, container_id, received_at, created_at, updated_at)
		VALUES (?, 'blood', ?, ?, ?, ?, ?)`, externalID, status, cid, fixtureTime, fixtureTime, fixtureTime)
	if err != nil {
		t.Fatalf("inserting sample %s: %v", externalID, err)
	}
	id, _ := res.LastInsertId()
	return id
}

// AddStatusEvent records a status change event for a sample.
func AddStatusEvent(t *testing.T, db *sql.DB, sampleID int64, from, to string) {
	t.Helper()
	var fromStatus any
	if from != "" {
		fromStatus = from
	}
	_, err := db.Exec(`INSERT INTO sample_events (sample_id, event_type, from_status, to_status, created_at)
		VALUES (?, 'status_changed', ?, ?, ?)`, sampleID, fromStatus, to, fixtureTime)
	if err != nil {
		t.Fatalf("inserting event for sample %d: %v", sampleID, err)
	}
}

// SeedStore creates a fully migrated store at path holding the given number
// of samples (S-1, S-2, ...) in one non-exclusive container, each with one
// status event. The connection is closed before returning.
func SeedStore(t *testing.T, path string, samples int) {
	t.Helper()

	db := NewStoreFile(t, path, Latest)
	cid := AddContainer(t, db, "BOX-1", false)
	for i := 1; i <= samples; i++ {
		sid := AddSample(t, db, sampleID(i), "received", cid)
		AddStatusEvent(t, db, sid, "", "received")
	}
	if err := db.Close(); err != nil {
		t.Fatalf("closing seeded store: %v", err)
	}
}

func sampleID(i int) string {
	return "S-" + strconv.Itoa(i)
}
