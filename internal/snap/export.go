package snap

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"labsnap/internal/fs"
	"labsnap/internal/manifest"
)

// SampleExportDir is where per-sample export files live inside a snapshot directory.
const SampleExportDir = "exports/samples"

var unsafeFileChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// ExportOptions controls a single export.
type ExportOptions struct {
	// DestDir is the artifact root to write into. Defaults to the service's exports dir.
	DestDir string
	// IncludeSamples lists external IDs whose per-sample export files are bundled.
	IncludeSamples []string
}

// ExportResult describes a newly written snapshot. On failure OK is false,
// Error carries the taxonomy code and no artifact fields are set.
type ExportResult struct {
	Schema          string             `json:"schema"`
	SchemaVersion   int                `json:"schema_version"`
	OK              bool               `json:"ok"`
	RC              int                `json:"rc"`
	Name            string             `json:"name,omitempty"`
	SnapshotDir     string             `json:"snapshot_dir,omitempty"`
	Tarball         string             `json:"tarball,omitempty"`
	IncludedSamples []string           `json:"included_samples"`
	Manifest        *manifest.Manifest `json:"manifest,omitempty"`
	Error           string             `json:"error,omitempty"`
}

// sampleFileName returns the export file name for an external ID.
func sampleFileName(externalID string) string {
	safe := strings.Trim(unsafeFileChars.ReplaceAllString(externalID, "_"), "_")
	return "sample-" + safe + ".json"
}

// Export copies the live store into a new uniquely named snapshot directory,
// writes the requested per-sample exports and the manifest, then packs the
// directory into its archive and records the archive digest. If any step
// fails, both halves are removed.
func (s *Service) Export(opts ExportOptions) (*ExportResult, error) {
	res := &ExportResult{
		Schema:          "snapshot_export_result",
		SchemaVersion:   1,
		RC:              2,
		IncludedSamples: []string{},
	}
	fail := func(err error) (*ExportResult, error) {
		res.Error = Code(err)
		res.RC = verdictRC(err)
		s.logger.Warn("export failed", "error", err)
		return res, err
	}

	if s.store == nil {
		return fail(errors.New("export requires a live store"))
	}
	dest := opts.DestDir
	if dest == "" {
		dest = s.opts.ExportsDir
	}

	ids, err := normalizeIDs(opts.IncludeSamples)
	if err != nil {
		return fail(err)
	}

	// All requested samples must exist before anything is written.
	exports := make([]*SampleExport, 0, len(ids))
	files := make(map[string]string, len(ids))
	for _, id := range ids {
		exp, err := s.store.FindSampleExport(id)
		if err != nil {
			return fail(fmt.Errorf("reading sample %s: %w", id, err))
		}
		if exp == nil {
			return fail(fmt.Errorf("%w: %s", ErrSampleNotFound, id))
		}
		name := sampleFileName(id)
		if other, ok := files[name]; ok {
			return fail(fmt.Errorf("%w: samples %q and %q map to the same export file %s", ErrInvalidArgument, other, id, name))
		}
		files[name] = id
		exports = append(exports, exp)
	}

	if err := os.MkdirAll(dest, 0o755); err != nil {
		return fail(fmt.Errorf("creating exports dir: %w", err))
	}

	now := s.clock.Now().UTC()
	name, snapDir, err := createSnapshotDir(dest, now)
	if err != nil {
		return fail(err)
	}
	archive := filepath.Join(dest, ArchiveName(name))

	m, err := s.writeSnapshot(snapDir, archive, name, now, exports)
	if err != nil {
		if rmErr := os.RemoveAll(snapDir); rmErr != nil {
			s.logger.Warn("failed to remove partial snapshot", "dir", snapDir, "error", rmErr)
		}
		if rmErr := os.Remove(archive); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			s.logger.Warn("failed to remove partial archive", "path", archive, "error", rmErr)
		}
		return fail(err)
	}

	s.logger.Info("exported snapshot", "name", name, "samples", len(ids), "db_sha256", m.DB.SHA256)
	res.OK = true
	res.RC = 0
	res.Name = name
	res.SnapshotDir = snapDir
	res.Tarball = archive
	res.IncludedSamples = m.SampleIDs()
	res.Manifest = m
	return res, nil
}

func (s *Service) writeSnapshot(snapDir, archive, name string, now time.Time, exports []*SampleExport) (*manifest.Manifest, error) {
	dbPath := filepath.Join(snapDir, manifest.DBFileName)
	if err := s.store.BackupTo(dbPath); err != nil {
		return nil, fmt.Errorf("copying store: %w", err)
	}
	dbSum, err := fs.HashFile(dbPath)
	if err != nil {
		return nil, fmt.Errorf("hashing snapshot db: %w", err)
	}

	m := &manifest.Manifest{
		SchemaVersion: manifest.SchemaVersion,
		ID:            s.idgen.New(),
		Name:          name,
		CreatedAt:     now.Format(time.RFC3339),
		DB:            manifest.Digest{SHA256: dbSum},
	}

	if len(exports) > 0 {
		if err := os.MkdirAll(filepath.Join(snapDir, filepath.FromSlash(SampleExportDir)), 0o755); err != nil {
			return nil, fmt.Errorf("creating sample export dir: %w", err)
		}
	}
	for _, exp := range exports {
		rel := path.Join(SampleExportDir, sampleFileName(exp.Sample.ExternalID))
		sum, err := writeSampleExport(filepath.Join(snapDir, filepath.FromSlash(rel)), exp)
		if err != nil {
			return nil, err
		}
		m.IncludedExports.Samples = append(m.IncludedExports.Samples, manifest.IncludedSample{
			ExternalID: exp.Sample.ExternalID,
			Path:       rel,
			SHA256:     sum,
		})
	}

	if err := manifest.Write(snapDir, m); err != nil {
		return nil, err
	}

	if err := fs.Pack(snapDir, archive); err != nil {
		return nil, fmt.Errorf("packing snapshot: %w", err)
	}
	archiveSum, err := fs.HashFile(archive)
	if err != nil {
		return nil, fmt.Errorf("hashing archive: %w", err)
	}
	m.Tarball = &manifest.Tarball{Path: filepath.Base(archive), SHA256: archiveSum}
	if err := manifest.Write(snapDir, m); err != nil {
		return nil, err
	}
	return m, nil
}

func writeSampleExport(path string, exp *SampleExport) (string, error) {
	if exp.Events == nil {
		exp.Events = []SampleEvent{}
	}
	data, err := json.MarshalIndent(exp, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encoding sample %s: %w", exp.Sample.ExternalID, err)
	}
	data = append(data, '\n')
	if err := fs.WriteFileAtomic(path, bytes.NewReader(data), 0o644); err != nil {
		return "", fmt.Errorf("writing sample %s: %w", exp.Sample.ExternalID, err)
	}
	return fs.HashReader(bytes.NewReader(data))
}

// createSnapshotDir picks the first free name for t, appending -2, -3, ...
// when the second is already taken by either half, and creates the directory.
func createSnapshotDir(dest string, t time.Time) (string, string, error) {
	for seq := 1; ; seq++ {
		name := FormatName(t, seq)
		if taken(dest, name) {
			continue
		}
		dir := filepath.Join(dest, name)
		err := os.Mkdir(dir, 0o755)
		if errors.Is(err, os.ErrExist) {
			continue
		}
		if err != nil {
			return "", "", fmt.Errorf("creating snapshot dir: %w", err)
		}
		return name, dir, nil
	}
}

func taken(dest, name string) bool {
	if _, err := os.Lstat(filepath.Join(dest, name)); err == nil {
		return true
	}
	for _, suf := range archiveSuffixes {
		if _, err := os.Lstat(filepath.Join(dest, name+suf)); err == nil {
			return true
		}
	}
	return false
}

// normalizeIDs trims and de-duplicates external IDs, keeping first-seen order.
func normalizeIDs(ids []string) ([]string, error) {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			return nil, fmt.Errorf("%w: empty sample id", ErrInvalidArgument)
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out, nil
}
