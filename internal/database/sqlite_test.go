package database

import (
	"database/sql"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"labsnap/internal/snap"
	"labsnap/internal/testutil"
)

// newTestStore creates a store file migrated to version and returns both the
// store and a raw connection for seeding.
func newTestStore(t *testing.T, version uint) (*SQLiteStore, *sql.DB) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "lims.sqlite3")
	raw := testutil.NewStoreFile(t, path, version)

	store, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store, raw
}

func TestSQLiteStore_Path(t *testing.T) {
	store, _ := newTestStore(t, 1)
	if filepath.Base(store.Path()) != "lims.sqlite3" {
		t.Errorf("Path() = %q, want the opened file", store.Path())
	}
}

func TestSQLiteStore_SchemaVersion(t *testing.T) {
	tests := []struct {
		version uint
		want    SchemaVersion
	}{
		{1, SchemaBase},
		{2, SchemaContainerExclusive},
		{3, SchemaAuditEvents},
		{testutil.Latest, SchemaAuditActor},
	}
	for _, tt := range tests {
		store, _ := newTestStore(t, tt.version)
		got, err := store.SchemaVersion()
		if err != nil {
			t.Fatalf("SchemaVersion() error = %v", err)
		}
		if got != tt.want {
			t.Errorf("SchemaVersion() at migration %d = %d, want %d", tt.version, got, tt.want)
		}
	}

	t.Run("unmigrated file", func(t *testing.T) {
		store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "empty.sqlite3"))
		if err != nil {
			t.Fatalf("NewSQLiteStore() error = %v", err)
		}
		defer store.Close()
		got, err := store.SchemaVersion()
		if err != nil {
			t.Fatalf("SchemaVersion() error = %v", err)
		}
		if got != SchemaUnknown {
			t.Errorf("SchemaVersion() = %d, want SchemaUnknown", got)
		}
	})
}

func TestSQLiteStore_IntegrityCheck(t *testing.T) {
	store, _ := newTestStore(t, testutil.Latest)

	ok, msgs, err := store.IntegrityCheck()
	if err != nil {
		t.Fatalf("IntegrityCheck() error = %v", err)
	}
	if !ok || len(msgs) != 0 {
		t.Errorf("IntegrityCheck() = %v, %v, want true, none", ok, msgs)
	}
}

func TestSQLiteStore_ForeignKeyCheck(t *testing.T) {
	store, raw := newTestStore(t, testutil.Latest)

	violations, err := store.ForeignKeyCheck()
	if err != nil {
		t.Fatalf("ForeignKeyCheck() error = %v", err)
	}
	if len(violations) != 0 {
		t.Errorf("ForeignKeyCheck() = %v, want none", violations)
	}

	// Orphan a sample behind the enforcement's back.
	raw.SetMaxOpenConns(1)
	if _, err := raw.Exec("PRAGMA foreign_keys = OFF"); err != nil {
		t.Fatalf("disabling foreign keys: %v", err)
	}
	if _, err := raw.Exec(`INSERT INTO samples (external_id, specimen_type, container_id, received_at, created_at, updated_at)
		VALUES ('S-X', 'blood', 42, 'x', 'x', 'x')`); err != nil {
		t.Fatalf("inserting orphan: %v", err)
	}

	violations, err = store.ForeignKeyCheck()
	if err != nil {
		t.Fatalf("ForeignKeyCheck() error = %v", err)
	}
	if len(violations) != 1 {
		t.Errorf("ForeignKeyCheck() = %v, want one violation", violations)
	}
}

func TestSQLiteStore_Counts(t *testing.T) {
	t.Run("latest schema", func(t *testing.T) {
		store, raw := newTestStore(t, testutil.Latest)
		cid := testutil.AddContainer(t, raw, "BOX-1", false)
		s1 := testutil.AddSample(t, raw, "S-1", "received", cid)
		testutil.AddSample(t, raw, "S-2", "received", cid)
		testutil.AddStatusEvent(t, raw, s1, "", "received")

		got, err := store.Counts()
		if err != nil {
			t.Fatalf("Counts() error = %v", err)
		}
		want := map[string]int64{"samples": 2, "containers": 1, "sample_events": 1, "audit_events": 0}
		if !reflect.DeepEqual(got, want) {
			t.Errorf("Counts() = %v, want %v", got, want)
		}
	})

	t.Run("audit table absent", func(t *testing.T) {
		store, _ := newTestStore(t, 1)
		got, err := store.Counts()
		if err != nil {
			t.Fatalf("Counts() error = %v", err)
		}
		if _, ok := got["audit_events"]; ok {
			t.Errorf("Counts() = %v, audit_events should be omitted", got)
		}
	})
}

func TestSQLiteStore_StatusCounts(t *testing.T) {
	store, raw := newTestStore(t, testutil.Latest)
	testutil.AddSample(t, raw, "S-1", "received", 0)
	testutil.AddSample(t, raw, "S-2", "processing", 0)
	testutil.AddSample(t, raw, "S-3", "received", 0)

	got, err := store.StatusCounts()
	if err != nil {
		t.Fatalf("StatusCounts() error = %v", err)
	}
	want := []snap.StatusCount{{Status: "processing", Count: 1}, {Status: "received", Count: 2}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("StatusCounts() = %v, want %v", got, want)
	}
}

func TestSQLiteStore_AuditContainers(t *testing.T) {
	t.Run("clean", func(t *testing.T) {
		store, raw := newTestStore(t, testutil.Latest)
		cid := testutil.AddContainer(t, raw, "TUBE-1", true)
		testutil.AddSample(t, raw, "S-1", "received", cid)

		res, err := store.AuditContainers()
		if err != nil {
			t.Fatalf("AuditContainers() error = %v", err)
		}
		if !res.OK || res.RC != 0 {
			t.Errorf("AuditContainers() = %+v, want ok", res)
		}

		n, err := store.ExclusiveOccupiedCount()
		if err != nil {
			t.Fatalf("ExclusiveOccupiedCount() error = %v", err)
		}
		if n == nil || *n != 1 {
			t.Errorf("ExclusiveOccupiedCount() = %v, want 1", n)
		}
	})

	t.Run("exclusive container holding two samples", func(t *testing.T) {
		store, raw := newTestStore(t, testutil.Latest)
		cid := testutil.AddContainer(t, raw, "BAG-1", false)
		testutil.AddSample(t, raw, "S-1", "received", cid)
		testutil.AddSample(t, raw, "S-2", "received", cid)
		testutil.SetExclusive(t, raw, cid)

		res, err := store.AuditContainers()
		if err != nil {
			t.Fatalf("AuditContainers() error = %v", err)
		}
		if res.OK || res.RC != 2 {
			t.Errorf("AuditContainers() = %+v, want rc 2", res)
		}
		if len(res.Issues) != 1 {
			t.Errorf("Issues = %v, want one", res.Issues)
		}
	})

	t.Run("schema without exclusivity", func(t *testing.T) {
		store, _ := newTestStore(t, 1)

		res, err := store.AuditContainers()
		if err != nil {
			t.Fatalf("AuditContainers() error = %v", err)
		}
		if !res.OK {
			t.Errorf("AuditContainers() = %+v, want ok", res)
		}
		n, err := store.ExclusiveOccupiedCount()
		if err != nil {
			t.Fatalf("ExclusiveOccupiedCount() error = %v", err)
		}
		if n != nil {
			t.Errorf("ExclusiveOccupiedCount() = %d, want nil", *n)
		}
	})
}

func TestSQLiteStore_FindSampleExport(t *testing.T) {
	store, raw := newTestStore(t, testutil.Latest)
	cid := testutil.AddContainer(t, raw, "BOX-9", false)
	sid := testutil.AddSample(t, raw, "S-1", "processing", cid)
	testutil.AddStatusEvent(t, raw, sid, "", "received")
	testutil.AddStatusEvent(t, raw, sid, "received", "processing")

	t.Run("returns nil when sample not found", func(t *testing.T) {
		got, err := store.FindSampleExport("missing")
		if err != nil {
			t.Fatalf("FindSampleExport() error = %v", err)
		}
		if got != nil {
			t.Errorf("FindSampleExport() = %v, want nil", got)
		}
	})

	t.Run("returns sample with events", func(t *testing.T) {
		got, err := store.FindSampleExport("S-1")
		if err != nil {
			t.Fatalf("FindSampleExport() error = %v", err)
		}
		if got == nil {
			t.Fatal("FindSampleExport() = nil")
		}
		if got.Sample.Status != "processing" {
			t.Errorf("Status = %q, want processing", got.Sample.Status)
		}
		if got.Sample.ContainerBarcode == nil || *got.Sample.ContainerBarcode != "BOX-9" {
			t.Errorf("ContainerBarcode = %v, want BOX-9", got.Sample.ContainerBarcode)
		}
		if len(got.Events) != 2 {
			t.Fatalf("len(Events) = %d, want 2", len(got.Events))
		}
		if got.Events[0].FromStatus != nil {
			t.Errorf("first event FromStatus = %q, want nil", *got.Events[0].FromStatus)
		}
	})
}

func TestSQLiteStore_RecordAuditEvent(t *testing.T) {
	ev := snap.AuditEvent{
		EventType:  "snapshot_restored",
		EntityType: "snapshot",
		EntityID:   "snapshot-20240301-090000Z",
		Actor:      "labsnap",
		Note:       "restored",
		Payload:    `{"force":true}`,
		CreatedAt:  time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC),
	}

	t.Run("latest schema writes every field", func(t *testing.T) {
		store, raw := newTestStore(t, testutil.Latest)
		if err := store.RecordAuditEvent(ev); err != nil {
			t.Fatalf("RecordAuditEvent() error = %v", err)
		}
		var actor, payload sql.NullString
		if err := raw.QueryRow("SELECT actor, payload_json FROM audit_events").Scan(&actor, &payload); err != nil {
			t.Fatalf("query error = %v", err)
		}
		if actor.String != "labsnap" || payload.String != `{"force":true}` {
			t.Errorf("actor, payload = %q, %q", actor.String, payload.String)
		}
	})

	t.Run("older schema drops undeclared fields", func(t *testing.T) {
		store, raw := newTestStore(t, 3)
		if err := store.RecordAuditEvent(ev); err != nil {
			t.Fatalf("RecordAuditEvent() error = %v", err)
		}
		var n int
		if err := raw.QueryRow("SELECT COUNT(*) FROM audit_events WHERE event_type = 'snapshot_restored'").Scan(&n); err != nil {
			t.Fatalf("query error = %v", err)
		}
		if n != 1 {
			t.Errorf("audit rows = %d, want 1", n)
		}
	})

	t.Run("schema without audit table fails", func(t *testing.T) {
		store, _ := newTestStore(t, 2)
		if err := store.RecordAuditEvent(ev); err == nil {
			t.Error("RecordAuditEvent() expected error")
		}
	})
}

func TestSQLiteStore_BackupTo(t *testing.T) {
	store, raw := newTestStore(t, testutil.Latest)
	testutil.AddSample(t, raw, "S-1", "received", 0)

	dest := filepath.Join(t.TempDir(), "copy.sqlite3")
	if err := store.BackupTo(dest); err != nil {
		t.Fatalf("BackupTo() error = %v", err)
	}
	if _, err := os.Stat(dest); err != nil {
		t.Fatalf("backup not created: %v", err)
	}

	copyStore, err := NewSQLiteStore(dest)
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	defer copyStore.Close()
	counts, err := copyStore.Counts()
	if err != nil {
		t.Fatalf("Counts() error = %v", err)
	}
	if counts["samples"] != 1 {
		t.Errorf("copied samples = %d, want 1", counts["samples"])
	}
}
