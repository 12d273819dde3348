package manifest

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"labsnap/internal/fs"
)

var (
	// ErrMismatch means a live digest differs from the one the manifest records,
	// or the manifest itself cannot be trusted.
	ErrMismatch = errors.New("manifest_mismatch")

	// ErrIncomplete means the manifest lacks an entry for something that exists,
	// or names something that does not.
	ErrIncomplete = errors.New("manifest_incomplete")
)

// ArchiveSuffixes are the recognised archive extensions. The first is the
// one Export writes.
var ArchiveSuffixes = []string{".tar.gz", ".tgz"}

// ArchivePath returns the conventional sibling archive path of a snapshot directory.
func ArchivePath(snapDir string) string {
	return filepath.Clean(snapDir) + ArchiveSuffixes[0]
}

// SiblingArchives returns the sibling archive path of snapDir for every
// recognised suffix, whether or not the file exists.
func SiblingArchives(snapDir string) []string {
	out := make([]string, 0, len(ArchiveSuffixes))
	for _, suf := range ArchiveSuffixes {
		out = append(out, filepath.Clean(snapDir)+suf)
	}
	return out
}

// Validate checks the contents of snapDir against its manifest.
//
// A snapshot without manifest.json passes. Otherwise the database digest
// must match. If archivePath is empty every sibling archive (<snapDir>.tar.gz,
// <snapDir>.tgz) is checked; an archive that exists must match the
// manifest's tarball entry.
// With checkIncluded every included export is resolved strictly inside
// snapDir and re-hashed.
func Validate(snapDir, archivePath string, checkIncluded bool) error {
	m, err := Load(snapDir)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}

	if err := validateDB(snapDir, m); err != nil {
		return err
	}

	archives := []string{archivePath}
	if archivePath == "" {
		archives = SiblingArchives(snapDir)
	}
	for _, a := range archives {
		if err := ValidateArchive(a, m); err != nil {
			return err
		}
	}

	if checkIncluded {
		for _, inc := range m.IncludedExports.Samples {
			if err := validateIncluded(snapDir, inc); err != nil {
				return err
			}
		}
	}
	return nil
}

func validateDB(snapDir string, m *Manifest) error {
	if m.DB.SHA256 == "" {
		return fmt.Errorf("%w: manifest has no db digest", ErrIncomplete)
	}
	dbPath := filepath.Join(snapDir, DBFileName)
	if _, err := os.Stat(dbPath); err != nil {
		return fmt.Errorf("%w: snapshot database missing: %v", ErrIncomplete, err)
	}
	got, err := fs.HashFile(dbPath)
	if err != nil {
		return err
	}
	if got != m.DB.SHA256 {
		return fmt.Errorf("%w: db sha256 %s, manifest records %s", ErrMismatch, got, m.DB.SHA256)
	}
	return nil
}

// ValidateArchive checks the archive at archivePath against m. A missing
// archive passes; an existing archive needs a tarball entry with a matching digest.
func ValidateArchive(archivePath string, m *Manifest) error {
	info, err := os.Stat(archivePath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("stat archive: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf("archive path is a directory: %s", archivePath)
	}

	if m.Tarball == nil || m.Tarball.SHA256 == "" {
		return fmt.Errorf("%w: archive %s exists but manifest has no tarball entry",
			ErrIncomplete, filepath.Base(archivePath))
	}
	got, err := fs.HashFile(archivePath)
	if err != nil {
		return err
	}
	if got != m.Tarball.SHA256 {
		return fmt.Errorf("%w: tarball sha256 %s, manifest records %s", ErrMismatch, got, m.Tarball.SHA256)
	}
	return nil
}

func validateIncluded(snapDir string, inc IncludedSample) error {
	if inc.Path == "" {
		return fmt.Errorf("%w: included export %q has no path", ErrIncomplete, inc.ExternalID)
	}
	if inc.SHA256 == "" {
		return fmt.Errorf("%w: included export %q has no digest", ErrIncomplete, inc.ExternalID)
	}

	p, err := ResolveIncluded(snapDir, inc.Path)
	if err != nil {
		return err
	}
	if _, err := os.Stat(p); err != nil {
		return fmt.Errorf("%w: included export missing: %s", ErrIncomplete, inc.Path)
	}

	got, err := fs.HashFile(p)
	if err != nil {
		return err
	}
	if got != inc.SHA256 {
		return fmt.Errorf("%w: included export %s sha256 %s, manifest records %s",
			ErrMismatch, inc.Path, got, inc.SHA256)
	}
	return nil
}

// ResolveIncluded maps a manifest-declared path onto the filesystem,
// refusing anything that would land outside snapDir. Symlinks are resolved
// before the containment check.
func ResolveIncluded(snapDir, declared string) (string, error) {
	if filepath.IsAbs(declared) || strings.HasPrefix(declared, "/") || strings.HasPrefix(declared, `\`) {
		return "", fmt.Errorf("%w: included export path is absolute: %s", ErrMismatch, declared)
	}
	for _, seg := range strings.FieldsFunc(declared, func(r rune) bool { return r == '/' || r == '\\' }) {
		if seg == ".." {
			return "", fmt.Errorf("%w: included export path escapes snapshot: %s", ErrMismatch, declared)
		}
	}

	root, err := filepath.Abs(snapDir)
	if err != nil {
		return "", fmt.Errorf("resolving snapshot directory: %w", err)
	}
	p := filepath.Join(root, filepath.FromSlash(declared))

	realRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		return "", fmt.Errorf("resolving snapshot directory: %w", err)
	}
	if realP, err := filepath.EvalSymlinks(p); err == nil {
		if !fs.Within(realRoot, realP) {
			return "", fmt.Errorf("%w: included export resolves outside snapshot: %s", ErrMismatch, declared)
		}
	}
	if !fs.Within(root, p) || p == root {
		return "", fmt.Errorf("%w: included export path escapes snapshot: %s", ErrMismatch, declared)
	}
	return p, nil
}
