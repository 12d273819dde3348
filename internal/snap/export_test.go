package snap_test

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"labsnap/internal/manifest"
	"labsnap/internal/snap"
	"labsnap/internal/testutil"
)

func TestExport(t *testing.T) {
	t.Run("writes directory, archive and manifest", func(t *testing.T) {
		f := newFixture(t, 3)
		res := f.export(t)

		if res.Name != "snapshot-20240301-090000Z" {
			t.Errorf("Name = %q, want %q", res.Name, "snapshot-20240301-090000Z")
		}
		if got, want := res.SnapshotDir, filepath.Join(f.exports, res.Name); got != want {
			t.Errorf("SnapshotDir = %q, want %q", got, want)
		}
		if got, want := res.Tarball, filepath.Join(f.exports, res.Name+".tar.gz"); got != want {
			t.Errorf("Tarball = %q, want %q", got, want)
		}

		m, err := manifest.Load(res.SnapshotDir)
		if err != nil {
			t.Fatalf("manifest.Load() error = %v", err)
		}
		if got := testutil.FileSHA256(t, filepath.Join(res.SnapshotDir, manifest.DBFileName)); m.DB.SHA256 != got {
			t.Errorf("manifest db sha256 = %s, want %s", m.DB.SHA256, got)
		}
		if m.Tarball == nil {
			t.Fatal("manifest has no tarball entry")
		}
		if m.Tarball.Path != res.Name+".tar.gz" {
			t.Errorf("tarball path = %q, want base name", m.Tarball.Path)
		}
		if got := testutil.FileSHA256(t, res.Tarball); m.Tarball.SHA256 != got {
			t.Errorf("manifest tarball sha256 = %s, want %s", m.Tarball.SHA256, got)
		}
		if m.ID != "id-1" || m.Name != res.Name || m.CreatedAt != "2024-03-01T09:00:00Z" {
			t.Errorf("manifest identity = (%q, %q, %q)", m.ID, m.Name, m.CreatedAt)
		}
		if len(res.IncludedSamples) != 0 {
			t.Errorf("IncludedSamples = %v, want none", res.IncludedSamples)
		}

		if err := manifest.Validate(res.SnapshotDir, "", true); err != nil {
			t.Errorf("Validate() of fresh export error = %v", err)
		}
	})

	t.Run("same second gets a suffix", func(t *testing.T) {
		f := newFixture(t, 1)
		first, err := f.svc.Export(snap.ExportOptions{})
		if err != nil {
			t.Fatalf("Export() error = %v", err)
		}
		second, err := f.svc.Export(snap.ExportOptions{})
		if err != nil {
			t.Fatalf("Export() error = %v", err)
		}
		if first.Name == second.Name {
			t.Fatalf("both exports named %q", first.Name)
		}
		if second.Name != first.Name+"-2" {
			t.Errorf("second name = %q, want %q", second.Name, first.Name+"-2")
		}
	})

	t.Run("includes sample exports", func(t *testing.T) {
		f := newFixture(t, 3)
		res := f.export(t, "S-1", " S-2 ", "S-1")

		if len(res.IncludedSamples) != 2 || res.IncludedSamples[0] != "S-1" || res.IncludedSamples[1] != "S-2" {
			t.Fatalf("IncludedSamples = %v, want [S-1 S-2]", res.IncludedSamples)
		}
		for _, inc := range res.Manifest.IncludedExports.Samples {
			want := "exports/samples/sample-" + inc.ExternalID + ".json"
			if inc.Path != want {
				t.Errorf("path for %s = %q, want %q", inc.ExternalID, inc.Path, want)
			}
			data := readFile(t, filepath.Join(res.SnapshotDir, filepath.FromSlash(inc.Path)))
			if got := testutil.SHA256Hex(data); got != inc.SHA256 {
				t.Errorf("sha256 for %s = %s, want %s", inc.ExternalID, inc.SHA256, got)
			}
			var exp snap.SampleExport
			if err := json.Unmarshal(data, &exp); err != nil {
				t.Fatalf("decoding %s: %v", inc.Path, err)
			}
			if exp.Sample.ExternalID != inc.ExternalID {
				t.Errorf("external_id = %q, want %q", exp.Sample.ExternalID, inc.ExternalID)
			}
			if len(exp.Events) != 1 || exp.Events[0].EventType != "status_changed" {
				t.Errorf("events = %+v, want one status_changed event", exp.Events)
			}
		}
		if err := manifest.Validate(res.SnapshotDir, "", true); err != nil {
			t.Errorf("Validate(checkIncluded) error = %v", err)
		}
	})

	t.Run("unknown sample fails before writing", func(t *testing.T) {
		f := newFixture(t, 1)
		res, err := f.svc.Export(snap.ExportOptions{IncludeSamples: []string{"S-1", "S-404"}})
		if !errors.Is(err, snap.ErrSampleNotFound) {
			t.Fatalf("Export() error = %v, want ErrSampleNotFound", err)
		}
		if res == nil || res.OK || res.RC != 2 || res.Error != "sample_not_found" || res.Name != "" {
			t.Errorf("Export() result = %+v, want a failed report with sample_not_found", res)
		}
		entries, err := os.ReadDir(f.exports)
		if err != nil && !os.IsNotExist(err) {
			t.Fatalf("reading exports: %v", err)
		}
		if len(entries) != 0 {
			t.Errorf("exports dir has %d entries after failed export", len(entries))
		}
	})

	for _, tc := range []struct {
		name string
		wrap func(snap.Store) snap.Store
	}{
		{"failed copy removes both halves", func(s snap.Store) snap.Store { return &failingBackupStore{Store: s} }},
		{"failed pack removes both halves", func(s snap.Store) snap.Store { return &unpackableBackupStore{Store: s} }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, 1, withLiveStore(tc.wrap))
			res, err := f.svc.Export(snap.ExportOptions{})
			if err == nil {
				t.Fatal("Export() succeeded")
			}
			if res == nil || res.OK || res.RC != 1 || res.Error != "error" {
				t.Errorf("Export() result = %+v, want a failed report", res)
			}
			entries, err := os.ReadDir(f.exports)
			if err != nil {
				t.Fatalf("reading exports: %v", err)
			}
			for _, e := range entries {
				t.Errorf("exports dir still has %s after failed export", e.Name())
			}
		})
	}

	t.Run("custom destination", func(t *testing.T) {
		f := newFixture(t, 1)
		dest := filepath.Join(f.dir, "elsewhere")
		res, err := f.svc.Export(snap.ExportOptions{DestDir: dest})
		if err != nil {
			t.Fatalf("Export() error = %v", err)
		}
		if filepath.Dir(res.SnapshotDir) != dest {
			t.Errorf("SnapshotDir = %q, want under %q", res.SnapshotDir, dest)
		}
	})
}

// failingBackupStore leaves a partial copy behind and then fails.
type failingBackupStore struct {
	snap.Store
}

func (s *failingBackupStore) BackupTo(destPath string) error {
	if err := os.WriteFile(destPath, []byte("partial"), 0o644); err != nil {
		return err
	}
	return errors.New("disk full")
}

// unpackableBackupStore copies the store and drops a symlink next to it,
// which the archive packer refuses.
type unpackableBackupStore struct {
	snap.Store
}

func (s *unpackableBackupStore) BackupTo(destPath string) error {
	if err := s.Store.BackupTo(destPath); err != nil {
		return err
	}
	return os.Symlink(destPath, filepath.Join(filepath.Dir(destPath), "link"))
}
