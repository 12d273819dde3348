package snap

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"labsnap/internal/fs"
)

// RestoreOptions are the overwrite guardrails of a restore.
type RestoreOptions struct {
	// Force allows replacing an existing target.
	Force bool
	// Backup copies an existing target aside before it is replaced.
	Backup bool
}

// RestoreResult describes a restore.
type RestoreResult struct {
	Schema             string      `json:"schema"`
	OK                 bool        `json:"ok"`
	RC                 int         `json:"rc"`
	Artifact           string      `json:"artifact"`
	Target             string      `json:"target"`
	ResolvedSnapshotDB string      `json:"resolved_snapshot_db,omitempty"`
	Backup             string      `json:"backup,omitempty"`
	MigrationsApplied  []string    `json:"migrations_applied"`
	DBSHA256           string      `json:"db_sha256,omitempty"`
	AuditEvent         *SideEffect `json:"audit_event,omitempty"`
	Error              string      `json:"error,omitempty"`
}

// Restore replaces the store at target with the database of an artifact.
// The artifact is resolved and validated, and the restored copy is staged
// and migrated next to target, before anything at target is touched. An
// existing target is only replaced with Force, and is copied aside first
// with Backup. A snapshot_restored audit event is then written into the
// restored store as a best-effort side effect.
func (s *Service) Restore(ref, target string, opts RestoreOptions) (*RestoreResult, error) {
	res := &RestoreResult{
		Schema:            "snapshot_restore_result",
		RC:                2,
		Artifact:          ref,
		Target:            target,
		MigrationsApplied: []string{},
	}
	fail := func(err error) (*RestoreResult, error) {
		res.Error = Code(err)
		res.RC = verdictRC(err)
		s.logger.Warn("restore failed", "artifact", ref, "target", target, "error", err)
		return res, err
	}

	info, err := os.Stat(target)
	exists := err == nil
	switch {
	case err != nil && !errors.Is(err, os.ErrNotExist):
		return fail(fmt.Errorf("checking target: %w", err))
	case exists && info.IsDir():
		return fail(fmt.Errorf("target %s is a directory", target))
	case exists && !opts.Force:
		return fail(fmt.Errorf("%w: target DB already exists: %s (use force to overwrite)", ErrTargetExists, target))
	}

	work, cleanup, err := s.workDir("restore")
	if err != nil {
		return fail(err)
	}
	defer cleanup()

	art, err := s.resolveArtifact(ref, work)
	if err != nil {
		return fail(err)
	}
	res.ResolvedSnapshotDB = art.DB

	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fail(fmt.Errorf("creating target dir: %w", err))
	}

	staged := filepath.Join(dir, "."+filepath.Base(target)+".restore-"+s.idgen.New())
	defer os.Remove(staged)

	if err := fs.CopyFile(art.DB, staged, 0o644); err != nil {
		return fail(fmt.Errorf("staging restored db: %w", err))
	}
	applied, err := s.migrator.Up(staged)
	if err != nil {
		return fail(fmt.Errorf("migrating restored db: %w", err))
	}
	if applied != nil {
		res.MigrationsApplied = applied
	}
	sum, err := fs.HashFile(staged)
	if err != nil {
		return fail(fmt.Errorf("hashing restored db: %w", err))
	}
	res.DBSHA256 = sum

	if exists && opts.Backup {
		backup, err := s.backupTarget(target, info.Mode().Perm())
		if err != nil {
			return fail(err)
		}
		res.Backup = backup
		s.logger.Info("backed up restore target", "target", target, "backup", backup)
	}

	if err := os.Rename(staged, target); err != nil {
		return fail(fmt.Errorf("replacing target: %w", err))
	}
	// Journal files of the replaced database must not be replayed onto the restored one.
	for _, suffix := range []string{"-wal", "-shm", "-journal"} {
		if err := os.Remove(target + suffix); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("failed to remove stale journal file", "path", target+suffix, "error", err)
		}
	}

	audit := sideEffectOf(s.recordRestore(ref, res))
	if !audit.OK {
		s.logger.Warn("restore audit event not recorded", "target", target, "error", audit.Error)
	}
	res.AuditEvent = &audit

	res.OK = true
	res.RC = 0
	s.logger.Info("restored snapshot", "artifact", ref, "target", target, "migrations_applied", len(res.MigrationsApplied))
	return res, nil
}

// backupTarget copies target to <target>.bak-<timestamp>, adding a numeric
// suffix if that name is taken.
func (s *Service) backupTarget(target string, perm os.FileMode) (string, error) {
	base := target + ".bak-" + s.clock.Now().UTC().Format(nameTimeLayout)
	backup := base
	for n := 2; ; n++ {
		if _, err := os.Lstat(backup); errors.Is(err, os.ErrNotExist) {
			break
		}
		backup = base + "-" + strconv.Itoa(n)
	}
	if err := fs.CopyFile(target, backup, perm); err != nil {
		return "", fmt.Errorf("backing up target: %w", err)
	}
	return backup, nil
}

func (s *Service) recordRestore(ref string, res *RestoreResult) error {
	store, err := s.opener.OpenStore(res.Target)
	if err != nil {
		return err
	}
	defer store.Close()

	payload, err := json.Marshal(map[string]string{
		"artifact":  ref,
		"db_sha256": res.DBSHA256,
		"backup":    res.Backup,
	})
	if err != nil {
		return err
	}
	return store.RecordAuditEvent(AuditEvent{
		EventType:  "snapshot_restored",
		EntityType: "snapshot",
		EntityID:   filepath.Base(ref),
		Actor:      s.opts.Actor,
		Note:       "restored from " + ref,
		Payload:    string(payload),
		CreatedAt:  s.clock.Now().UTC(),
	})
}

// Summary renders the human-readable verdict line(s).
func (r *RestoreResult) Summary() string {
	if !r.OK {
		if r.Error == ErrTargetExists.Error() {
			return fmt.Sprintf("ERROR: target DB already exists: %s (pass --force to overwrite, --backup to keep a copy)\n", r.Target)
		}
		return fmt.Sprintf("ERROR: restore failed: %s\n", r.Error)
	}
	out := fmt.Sprintf("OK: restored %s into %s\n", r.Artifact, r.Target)
	if r.Backup != "" {
		out += fmt.Sprintf("backup: %s\n", r.Backup)
	}
	if r.AuditEvent != nil && !r.AuditEvent.OK {
		out += fmt.Sprintf("warning: audit event not recorded: %s\n", r.AuditEvent.Error)
	}
	return out
}
