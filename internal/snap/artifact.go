package snap

import (
	"errors"
	"fmt"
	iofs "io/fs"
	"os"
	"path/filepath"
	"strings"

	"labsnap/internal/fs"
	"labsnap/internal/manifest"
)

// VaultPrefix marks an artifact reference that names a published archive.
const VaultPrefix = "vault:"

// dbSearchDepth bounds how deep a directory artifact is searched for its database.
const dbSearchDepth = 3

var bareDBSuffixes = []string{".sqlite3", ".sqlite", ".db"}

// resolvedArtifact locates the database behind an artifact reference.
type resolvedArtifact struct {
	// DB is the database file to copy from. It is never written to.
	DB string
	// SnapshotDir is the directory holding DB and its manifest, or "" for a bare database.
	SnapshotDir string
	// Tarball is the archive the snapshot was extracted from, if any.
	Tarball string
}

// resolveArtifact turns ref into a concrete database file and validates its
// manifest. Archives (and vault fetches) are unpacked under work, which the
// caller owns and removes.
func (s *Service) resolveArtifact(ref, work string) (*resolvedArtifact, error) {
	if name, ok := strings.CutPrefix(ref, VaultPrefix); ok {
		local, err := s.fetchToDir(name, filepath.Join(work, "vault"))
		if err != nil {
			return nil, err
		}
		return s.resolveArchive(local, work)
	}

	info, err := os.Stat(ref)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrArtifactResolution, err)
	}

	if info.IsDir() {
		db, err := findDB(ref, dbSearchDepth)
		if err != nil {
			return nil, err
		}
		snapDir := filepath.Dir(db)
		if err := manifest.Validate(snapDir, "", true); err != nil {
			return nil, fmt.Errorf("validating %s: %w", snapDir, err)
		}
		return &resolvedArtifact{DB: db, SnapshotDir: snapDir}, nil
	}

	name := filepath.Base(ref)
	if _, ok := archiveBase(name); ok {
		return s.resolveArchive(ref, work)
	}
	for _, suf := range bareDBSuffixes {
		if strings.HasSuffix(name, suf) {
			return resolveBareDB(ref)
		}
	}
	return nil, fmt.Errorf("%w: unsupported artifact type %s; pass a snapshot dir, archive or database file", ErrArtifactResolution, ref)
}

// resolveArchive extracts archive under work and validates the extracted
// snapshot. When the archive's sibling directory is still on disk its
// manifest also vouches for the archive digest.
func (s *Service) resolveArchive(archive, work string) (*resolvedArtifact, error) {
	dest := filepath.Join(work, "extract")
	if err := fs.Extract(archive, dest); err != nil {
		if errors.Is(err, fs.ErrUnsafeArchive) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrArtifactResolution, err)
	}

	db, err := findDB(dest, -1)
	if err != nil {
		return nil, err
	}
	snapDir := filepath.Dir(db)
	if err := manifest.Validate(snapDir, "", true); err != nil {
		return nil, fmt.Errorf("validating extracted snapshot: %w", err)
	}

	if base, ok := archiveBase(filepath.Base(archive)); ok {
		sibling := filepath.Join(filepath.Dir(archive), base)
		m, err := manifest.Load(sibling)
		switch {
		case err == nil:
			if err := manifest.ValidateArchive(archive, m); err != nil {
				return nil, fmt.Errorf("validating %s against %s: %w", archive, sibling, err)
			}
		case !errors.Is(err, os.ErrNotExist):
			return nil, err
		}
	}

	s.logger.Debug("extracted archive", "archive", archive, "db", db)
	return &resolvedArtifact{DB: db, SnapshotDir: snapDir, Tarball: archive}, nil
}

// resolveBareDB accepts a database file directly. A lims.sqlite3 sitting in
// a snapshot directory is validated against that directory's manifest.
func resolveBareDB(path string) (*resolvedArtifact, error) {
	if filepath.Base(path) == manifest.DBFileName {
		dir := filepath.Dir(path)
		if _, err := os.Stat(manifest.Path(dir)); err == nil {
			if err := manifest.Validate(dir, "", true); err != nil {
				return nil, fmt.Errorf("validating %s: %w", dir, err)
			}
			return &resolvedArtifact{DB: path, SnapshotDir: dir}, nil
		}
	}
	return &resolvedArtifact{DB: path}, nil
}

// findDB locates the single snapshot database under root. maxDepth < 0
// means unbounded.
func findDB(root string, maxDepth int) (string, error) {
	direct := filepath.Join(root, manifest.DBFileName)
	if info, err := os.Stat(direct); err == nil && info.Mode().IsRegular() {
		return direct, nil
	}

	var found []string
	err := filepath.WalkDir(root, func(path string, d iofs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		depth := 0
		if rel != "." {
			depth = len(strings.Split(filepath.ToSlash(rel), "/"))
		}
		if d.IsDir() {
			if maxDepth >= 0 && depth >= maxDepth {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Name() == manifest.DBFileName && d.Type().IsRegular() {
			found = append(found, path)
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: searching %s: %v", ErrArtifactResolution, root, err)
	}

	switch len(found) {
	case 0:
		return "", fmt.Errorf("%w: no %s found in %s", ErrArtifactResolution, manifest.DBFileName, root)
	case 1:
		return found[0], nil
	default:
		return "", fmt.Errorf("%w: %d copies of %s found in %s (ambiguous)", ErrArtifactResolution, len(found), manifest.DBFileName, root)
	}
}
