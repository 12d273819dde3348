package manifest

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"labsnap/internal/fs"
)

// newSnapshot builds a snapshot directory with a database file, one included
// export and a manifest that matches both.
func newSnapshot(t *testing.T) (string, *Manifest) {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "snapshot-20240102-030405Z")
	if err := os.MkdirAll(filepath.Join(dir, "exports", "samples"), 0o755); err != nil {
		t.Fatalf("MkdirAll() error = %v", err)
	}
	writeFile(t, filepath.Join(dir, DBFileName), "database bytes")
	writeFile(t, filepath.Join(dir, "exports", "samples", "S-1.json"), `{"sample":{}}`)

	m := &Manifest{
		SchemaVersion: SchemaVersion,
		DB:            Digest{SHA256: mustHash(t, filepath.Join(dir, DBFileName))},
		IncludedExports: IncludedExports{Samples: []IncludedSample{{
			ExternalID: "S-1",
			Path:       "exports/samples/S-1.json",
			SHA256:     mustHash(t, filepath.Join(dir, "exports", "samples", "S-1.json")),
		}}},
	}
	if err := Write(dir, m); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	return dir, m
}

func writeFile(t *testing.T, path, data string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("WriteFile(%s) error = %v", path, err)
	}
}

func mustHash(t *testing.T, path string) string {
	t.Helper()
	sum, err := fs.HashFile(path)
	if err != nil {
		t.Fatalf("HashFile(%s) error = %v", path, err)
	}
	return sum
}

func TestValidate_NoManifestPasses(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, DBFileName), "anything")

	if err := Validate(dir, "", true); err != nil {
		t.Errorf("Validate() error = %v, want nil", err)
	}
}

func TestValidate_Matching(t *testing.T) {
	dir, _ := newSnapshot(t)
	if err := Validate(dir, "", true); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestValidate_ModifiedDatabase(t *testing.T) {
	dir, _ := newSnapshot(t)
	writeFile(t, filepath.Join(dir, DBFileName), "database bytes, tampered")

	err := Validate(dir, "", false)
	if !errors.Is(err, ErrMismatch) {
		t.Errorf("Validate() error = %v, want ErrMismatch", err)
	}
}

func TestValidate_Archive(t *testing.T) {
	t.Run("archive without tarball entry is incomplete", func(t *testing.T) {
		dir, _ := newSnapshot(t)
		writeFile(t, ArchivePath(dir), "archive bytes")

		err := Validate(dir, "", false)
		if !errors.Is(err, ErrIncomplete) {
			t.Errorf("Validate() error = %v, want ErrIncomplete", err)
		}
	})

	t.Run("matching tarball entry", func(t *testing.T) {
		dir, m := newSnapshot(t)
		archive := ArchivePath(dir)
		writeFile(t, archive, "archive bytes")
		m.Tarball = &Tarball{Path: filepath.Base(archive), SHA256: mustHash(t, archive)}
		if err := Write(dir, m); err != nil {
			t.Fatalf("Write() error = %v", err)
		}

		if err := Validate(dir, "", false); err != nil {
			t.Errorf("Validate() error = %v", err)
		}
	})

	t.Run("tampered archive", func(t *testing.T) {
		dir, m := newSnapshot(t)
		archive := ArchivePath(dir)
		writeFile(t, archive, "archive bytes")
		m.Tarball = &Tarball{Path: filepath.Base(archive), SHA256: mustHash(t, archive)}
		if err := Write(dir, m); err != nil {
			t.Fatalf("Write() error = %v", err)
		}
		writeFile(t, archive, "other bytes")

		if err := Validate(dir, "", false); !errors.Is(err, ErrMismatch) {
			t.Errorf("Validate() error = %v, want ErrMismatch", err)
		}
	})

	t.Run("tampered tgz sibling", func(t *testing.T) {
		dir, m := newSnapshot(t)
		archive := filepath.Clean(dir) + ".tgz"
		writeFile(t, archive, "archive bytes")
		m.Tarball = &Tarball{Path: filepath.Base(archive), SHA256: mustHash(t, archive)}
		if err := Write(dir, m); err != nil {
			t.Fatalf("Write() error = %v", err)
		}
		if err := Validate(dir, "", false); err != nil {
			t.Fatalf("Validate() error = %v", err)
		}

		writeFile(t, archive, "other bytes")
		if err := Validate(dir, "", false); !errors.Is(err, ErrMismatch) {
			t.Errorf("Validate() error = %v, want ErrMismatch", err)
		}
	})

	t.Run("explicit archive path", func(t *testing.T) {
		dir, _ := newSnapshot(t)
		other := filepath.Join(t.TempDir(), "elsewhere.tar.gz")
		writeFile(t, other, "archive bytes")

		if err := Validate(dir, other, false); !errors.Is(err, ErrIncomplete) {
			t.Errorf("Validate() error = %v, want ErrIncomplete", err)
		}
	})
}

func TestValidate_IncludedExports(t *testing.T) {
	t.Run("modified export only fails when checked", func(t *testing.T) {
		dir, _ := newSnapshot(t)
		writeFile(t, filepath.Join(dir, "exports", "samples", "S-1.json"), `{"sample":{"x":1}}`)

		if err := Validate(dir, "", false); err != nil {
			t.Errorf("Validate(checkIncluded=false) error = %v", err)
		}
		if err := Validate(dir, "", true); !errors.Is(err, ErrMismatch) {
			t.Errorf("Validate(checkIncluded=true) error = %v, want ErrMismatch", err)
		}
	})

	t.Run("missing export", func(t *testing.T) {
		dir, _ := newSnapshot(t)
		if err := os.Remove(filepath.Join(dir, "exports", "samples", "S-1.json")); err != nil {
			t.Fatalf("Remove() error = %v", err)
		}
		if err := Validate(dir, "", true); !errors.Is(err, ErrIncomplete) {
			t.Errorf("Validate() error = %v, want ErrIncomplete", err)
		}
	})

	escapes := []string{"../outside.json", "exports/../../outside.json", "/etc/passwd"}
	for _, p := range escapes {
		t.Run("rejects "+p, func(t *testing.T) {
			dir, m := newSnapshot(t)
			writeFile(t, filepath.Join(filepath.Dir(dir), "outside.json"), "x")
			m.IncludedExports.Samples[0].Path = p
			if err := Write(dir, m); err != nil {
				t.Fatalf("Write() error = %v", err)
			}

			if err := Validate(dir, "", true); !errors.Is(err, ErrMismatch) {
				t.Errorf("Validate() error = %v, want ErrMismatch", err)
			}
		})
	}

	t.Run("rejects symlink out of snapshot", func(t *testing.T) {
		dir, m := newSnapshot(t)
		outside := filepath.Join(filepath.Dir(dir), "outside.json")
		writeFile(t, outside, "x")
		if err := os.Symlink(outside, filepath.Join(dir, "link.json")); err != nil {
			t.Skipf("symlinks unsupported: %v", err)
		}
		m.IncludedExports.Samples[0].Path = "link.json"
		m.IncludedExports.Samples[0].SHA256 = mustHash(t, outside)
		if err := Write(dir, m); err != nil {
			t.Fatalf("Write() error = %v", err)
		}

		if err := Validate(dir, "", true); !errors.Is(err, ErrMismatch) {
			t.Errorf("Validate() error = %v, want ErrMismatch", err)
		}
	})
}

func TestLoad(t *testing.T) {
	t.Run("missing manifest", func(t *testing.T) {
		_, err := Load(t.TempDir())
		if !errors.Is(err, os.ErrNotExist) {
			t.Errorf("Load() error = %v, want os.ErrNotExist", err)
		}
	})

	t.Run("invalid JSON", func(t *testing.T) {
		dir := t.TempDir()
		writeFile(t, Path(dir), "{not json")
		if _, err := Load(dir); !errors.Is(err, ErrMismatch) {
			t.Errorf("Load() error = %v, want ErrMismatch", err)
		}
	})

	t.Run("round trip keeps sample ids", func(t *testing.T) {
		dir, _ := newSnapshot(t)
		m, err := Load(dir)
		if err != nil {
			t.Fatalf("Load() error = %v", err)
		}
		ids := m.SampleIDs()
		if len(ids) != 1 || ids[0] != "S-1" {
			t.Errorf("SampleIDs() = %v, want [S-1]", ids)
		}
	})
}
