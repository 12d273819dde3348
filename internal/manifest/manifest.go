// Package manifest defines the per-snapshot manifest.json document and the
// validator that checks a snapshot's contents against it.
package manifest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"labsnap/internal/fs"
)

const (
	// FileName is the manifest's name inside a snapshot directory.
	FileName = "manifest.json"

	// DBFileName is the embedded database file inside a snapshot directory.
	DBFileName = "lims.sqlite3"

	// SchemaVersion is written into every new manifest.
	SchemaVersion = 1
)

// Manifest records the expected digests of one snapshot.
type Manifest struct {
	SchemaVersion   int             `json:"schema_version,omitempty"`
	ID              string          `json:"id,omitempty"`
	Name            string          `json:"name,omitempty"`
	CreatedAt       string          `json:"created_at,omitempty"`
	DB              Digest          `json:"db"`
	Tarball         *Tarball        `json:"tarball,omitempty"`
	IncludedExports IncludedExports `json:"included_exports"`
}

// Digest is a content fingerprint.
type Digest struct {
	SHA256 string `json:"sha256"`
}

// Tarball describes the archive paired with a snapshot directory.
// Path is the archive's base name.
type Tarball struct {
	Path   string `json:"path"`
	SHA256 string `json:"sha256"`
}

// IncludedExports lists per-entity export files bundled into a snapshot.
type IncludedExports struct {
	Samples []IncludedSample `json:"samples"`
}

// IncludedSample is one per-sample export file. Path is relative to the
// snapshot directory and uses forward slashes.
type IncludedSample struct {
	ExternalID string `json:"external_id"`
	Path       string `json:"path"`
	SHA256     string `json:"sha256"`
}

// SampleIDs returns the external IDs of the included sample exports in manifest order.
func (m *Manifest) SampleIDs() []string {
	ids := make([]string, 0, len(m.IncludedExports.Samples))
	for _, s := range m.IncludedExports.Samples {
		ids = append(ids, s.ExternalID)
	}
	return ids
}

// Path returns the manifest path for a snapshot directory.
func Path(snapDir string) string {
	return filepath.Join(snapDir, FileName)
}

// Load reads the manifest of snapDir. A missing manifest yields an error
// matching os.ErrNotExist.
func Load(snapDir string) (*Manifest, error) {
	data, err := os.ReadFile(Path(snapDir))
	if err != nil {
		return nil, err
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: manifest is not valid JSON: %v", ErrMismatch, err)
	}
	return &m, nil
}

// Write stores m as snapDir/manifest.json, replacing any previous file atomically.
func Write(snapDir string, m *Manifest) error {
	if m.IncludedExports.Samples == nil {
		m.IncludedExports.Samples = []IncludedSample{}
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding manifest: %w", err)
	}
	data = append(data, '\n')

	if err := fs.WriteFileAtomic(Path(snapDir), bytes.NewReader(data), 0o644); err != nil {
		return fmt.Errorf("writing manifest: %w", err)
	}
	return nil
}
