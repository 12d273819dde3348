package snap

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"labsnap/internal/fs"
	"labsnap/internal/manifest"
)

// SidecarSuffix is appended to an archive's vault key to form the key of its digest sidecar.
const SidecarSuffix = ".sha256"

// PublishResult describes an archive copied into the vault.
type PublishResult struct {
	Schema    string `json:"schema"`
	OK        bool   `json:"ok"`
	RC        int    `json:"rc"`
	Ref       string `json:"ref"`
	Name      string `json:"name,omitempty"`
	Archive   string `json:"archive,omitempty"`
	Key       string `json:"key,omitempty"`
	SHA256    string `json:"sha256,omitempty"`
	SizeBytes int64  `json:"size_bytes,omitempty"`
	Error     string `json:"error,omitempty"`
}

// FetchResult describes an archive fetched from the vault into the exports
// dir, together with the snapshot directory unpacked next to it. Extracted is
// false when an existing snapshot directory was kept.
type FetchResult struct {
	Schema      string `json:"schema"`
	OK          bool   `json:"ok"`
	RC          int    `json:"rc"`
	Ref         string `json:"ref"`
	Name        string `json:"name,omitempty"`
	Key         string `json:"key,omitempty"`
	Path        string `json:"path,omitempty"`
	SHA256      string `json:"sha256,omitempty"`
	SnapshotDir string `json:"snapshot_dir,omitempty"`
	Extracted   bool   `json:"extracted"`
	Error       string `json:"error,omitempty"`
}

func (s *Service) requireVault() error {
	if s.vault == nil {
		return errors.New("no vault configured")
	}
	return nil
}

// Latest returns the path of the n-th newest archive in the exports dir,
// 1 being the newest.
func (s *Service) Latest(n int) (string, error) {
	if n < 1 {
		return "", fmt.Errorf("%w: n must be at least 1, got %d", ErrInvalidArgument, n)
	}
	pop, err := scanArtifacts(s.opts.ExportsDir)
	if err != nil {
		return "", err
	}

	seen := 0
	for _, a := range pop.ordered {
		if len(a.archives) == 0 {
			continue
		}
		seen++
		if seen == n {
			return filepath.Abs(a.archives[0])
		}
	}
	return "", fmt.Errorf("%w: %d archive(s) in %s, wanted #%d", ErrArtifactResolution, seen, s.opts.ExportsDir, n)
}

// locateArchive finds the archive for ref, which is either an archive path
// or an artifact name in the exports dir.
func (s *Service) locateArchive(ref string) (name, archive string, err error) {
	name, err = pinName(ref)
	if err != nil {
		return "", "", err
	}
	if info, err := os.Stat(ref); err == nil && info.Mode().IsRegular() {
		if _, ok := archiveBase(filepath.Base(ref)); ok {
			return name, ref, nil
		}
	}

	pop, err := scanArtifacts(s.opts.ExportsDir)
	if err != nil {
		return "", "", err
	}
	a, ok := pop.byName[name]
	if !ok || len(a.archives) == 0 {
		return "", "", fmt.Errorf("%w: no archive for %s in %s", ErrArtifactResolution, name, s.opts.ExportsDir)
	}
	return name, a.archives[0], nil
}

// Publish validates an archive and copies it, with a digest sidecar, into the vault.
func (s *Service) Publish(ref string) (*PublishResult, error) {
	res := &PublishResult{Schema: "snapshot_publish_result", RC: 2, Ref: ref}
	fail := func(err error) (*PublishResult, error) {
		res.Error = Code(err)
		res.RC = verdictRC(err)
		s.logger.Warn("publish failed", "ref", ref, "error", err)
		return res, err
	}

	if err := s.requireVault(); err != nil {
		return fail(err)
	}
	name, archive, err := s.locateArchive(ref)
	if err != nil {
		return fail(err)
	}
	res.Name, res.Archive = name, archive

	work, cleanup, err := s.workDir("publish")
	if err != nil {
		return fail(err)
	}
	defer cleanup()
	if _, err := s.resolveArchive(archive, work); err != nil {
		return fail(err)
	}

	sum, err := fs.HashFile(archive)
	if err != nil {
		return fail(fmt.Errorf("hashing archive: %w", err))
	}
	f, err := os.Open(archive)
	if err != nil {
		return fail(fmt.Errorf("opening archive: %w", err))
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return fail(fmt.Errorf("stat archive: %w", err))
	}

	key := ArchiveName(name)
	if err := s.vault.PutObject(key, f, info.Size()); err != nil {
		return fail(fmt.Errorf("uploading %s: %w", key, err))
	}
	sidecar := []byte(fmt.Sprintf("%s  %s\n", sum, key))
	if err := s.vault.PutObject(key+SidecarSuffix, bytes.NewReader(sidecar), int64(len(sidecar))); err != nil {
		return fail(fmt.Errorf("uploading %s%s: %w", key, SidecarSuffix, err))
	}

	s.logger.Info("published snapshot", "name", name, "key", key, "sha256", sum, "size", info.Size())
	res.OK, res.RC = true, 0
	res.Key, res.SHA256, res.SizeBytes = key, sum, info.Size()
	return res, nil
}

// Fetch downloads a published archive into the exports dir after checking it
// against its sidecar digest and validating its contents, then unpacks it as
// the snapshot directory so the artifact is a complete pair. An existing
// archive of the same name is only replaced with force; an existing
// directory is kept unless force is set.
func (s *Service) Fetch(ref string, force bool) (*FetchResult, error) {
	res := &FetchResult{Schema: "snapshot_fetch_result", RC: 2, Ref: ref}
	fail := func(err error) (*FetchResult, error) {
		res.Error = Code(err)
		res.RC = verdictRC(err)
		s.logger.Warn("fetch failed", "ref", ref, "error", err)
		return res, err
	}

	if err := s.requireVault(); err != nil {
		return fail(err)
	}
	name, err := pinName(ref)
	if err != nil {
		return fail(err)
	}
	key := ArchiveName(name)
	target := filepath.Join(s.opts.ExportsDir, key)
	res.Name, res.Key = name, key
	if _, err := os.Stat(target); err == nil && !force {
		return fail(fmt.Errorf("%w: %s", ErrTargetExists, target))
	}

	work, cleanup, err := s.workDir("fetch")
	if err != nil {
		return fail(err)
	}
	defer cleanup()

	local, err := s.fetchToDir(name, filepath.Join(work, "vault"))
	if err != nil {
		return fail(err)
	}
	if _, err := s.resolveArchive(local, work); err != nil {
		return fail(err)
	}
	sum, err := fs.HashFile(local)
	if err != nil {
		return fail(err)
	}

	if err := os.MkdirAll(s.opts.ExportsDir, 0o755); err != nil {
		return fail(fmt.Errorf("creating exports dir: %w", err))
	}
	if err := fs.CopyFile(local, target, 0o644); err != nil {
		return fail(fmt.Errorf("writing %s: %w", target, err))
	}
	res.Path, res.SHA256 = target, sum

	snapDir := filepath.Join(s.opts.ExportsDir, name)
	extracted, err := installSnapshotDir(target, snapDir, sum, force)
	if err != nil {
		return fail(fmt.Errorf("unpacking %s: %w", snapDir, err))
	}
	res.SnapshotDir, res.Extracted = snapDir, extracted

	s.logger.Info("fetched snapshot", "name", name, "path", target, "extracted", extracted)
	res.OK, res.RC = true, 0
	return res, nil
}

// installSnapshotDir unpacks archive into snapDir and records the archive
// digest in the unpacked manifest, as Export leaves it. The directory is
// staged next to snapDir and renamed into place.
func installSnapshotDir(archive, snapDir, sum string, force bool) (bool, error) {
	if _, err := os.Stat(snapDir); err == nil && !force {
		return false, nil
	}

	staging, err := os.MkdirTemp(filepath.Dir(snapDir), ".fetch-*")
	if err != nil {
		return false, err
	}
	defer os.RemoveAll(staging)

	dir := filepath.Join(staging, "snapshot")
	if err := fs.Extract(archive, dir); err != nil {
		return false, err
	}
	m, err := manifest.Load(dir)
	switch {
	case err == nil:
		m.Tarball = &manifest.Tarball{Path: filepath.Base(archive), SHA256: sum}
		if err := manifest.Write(dir, m); err != nil {
			return false, err
		}
	case !errors.Is(err, os.ErrNotExist):
		return false, err
	}

	if err := os.RemoveAll(snapDir); err != nil {
		return false, err
	}
	if err := os.Rename(dir, snapDir); err != nil {
		return false, err
	}
	return true, nil
}

// Published lists the artifact names in the vault that have both an archive
// and a sidecar.
func (s *Service) Published() ([]string, error) {
	if err := s.requireVault(); err != nil {
		return nil, err
	}
	keys, err := s.vault.ListObjects()
	if err != nil {
		return nil, fmt.Errorf("listing vault: %w", err)
	}

	present := make(map[string]bool, len(keys))
	for _, k := range keys {
		present[k] = true
	}
	names := []string{}
	for _, k := range keys {
		base, ok := archiveBase(k)
		if !ok || !present[k+SidecarSuffix] {
			continue
		}
		if _, ok := ParseName(base); ok {
			names = append(names, base)
		}
	}
	return names, nil
}

// fetchToDir downloads the archive for name into dir and checks it against
// its sidecar digest. It returns the local archive path.
func (s *Service) fetchToDir(name, dir string) (string, error) {
	if err := s.requireVault(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrArtifactResolution, err)
	}
	name, err := pinName(name)
	if err != nil {
		return "", err
	}
	key := ArchiveName(name)

	var sidecar bytes.Buffer
	if err := s.vault.GetObject(key+SidecarSuffix, &sidecar); err != nil {
		return "", fmt.Errorf("%w: fetching %s%s: %v", ErrArtifactResolution, key, SidecarSuffix, err)
	}
	want, err := parseSidecar(sidecar.String())
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", err
	}
	local := filepath.Join(dir, key)
	f, err := os.Create(local)
	if err != nil {
		return "", err
	}
	if err := s.vault.GetObject(key, f); err != nil {
		f.Close()
		return "", fmt.Errorf("%w: fetching %s: %v", ErrArtifactResolution, key, err)
	}
	if err := f.Close(); err != nil {
		return "", err
	}

	got, err := fs.HashFile(local)
	if err != nil {
		return "", err
	}
	if got != want {
		return "", fmt.Errorf("%w: vault object %s has sha256 %s, sidecar says %s", ErrManifestMismatch, key, got, want)
	}
	s.logger.Debug("fetched vault object", "key", key, "path", local)
	return local, nil
}

func parseSidecar(content string) (string, error) {
	fields := strings.Fields(content)
	if len(fields) == 0 {
		return "", fmt.Errorf("%w: empty digest sidecar", ErrManifestIncomplete)
	}
	sum := strings.ToLower(fields[0])
	if b, err := hex.DecodeString(sum); err != nil || len(b) != 32 {
		return "", fmt.Errorf("%w: malformed digest sidecar %q", ErrManifestMismatch, fields[0])
	}
	return sum, nil
}
