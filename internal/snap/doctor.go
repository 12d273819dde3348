package snap

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"labsnap/internal/fs"
)

// DoctorOptions controls a Doctor run.
type DoctorOptions struct {
	// NoMigrate skips the trial migration of the working copy; pending
	// migrations are still reported.
	NoMigrate bool
}

// DoctorReport is the health diagnosis of one artifact. Pointer fields stay
// null when the corresponding check could not run.
type DoctorReport struct {
	Schema               string             `json:"schema"`
	OK                   bool               `json:"ok"`
	RC                   int                `json:"rc"`
	Artifact             string             `json:"artifact"`
	ResolvedSnapshotDB   string             `json:"resolved_snapshot_db,omitempty"`
	ResolvedSnapshotDir  string             `json:"resolved_snapshot_dir,omitempty"`
	ResolvedTarball      string             `json:"resolved_tarball,omitempty"`
	WorkDBSHA256         string             `json:"work_db_sha256,omitempty"`
	WorkDBSizeBytes      *int64             `json:"work_db_size_bytes"`
	IntegrityOK          *bool              `json:"integrity_ok"`
	IntegrityMessages    []string           `json:"integrity_messages,omitempty"`
	ForeignKeyViolations *int               `json:"foreign_key_violations"`
	Migrate              MigrateReport      `json:"migrate"`
	Counts               map[string]int64   `json:"counts"`
	StatusCounts         []StatusCount      `json:"status_counts"`
	ExclusiveOccupied    *int64             `json:"exclusive_occupied_count"`
	ContainerAudit       ContainerAuditInfo `json:"container_audit"`
	Notes                []string           `json:"notes"`
	Error                string             `json:"error,omitempty"`
}

// MigrateReport records the trial migration of the working copy.
type MigrateReport struct {
	Attempted  bool             `json:"attempted"`
	AppliedNow []string         `json:"applied_now"`
	Status     *MigrationStatus `json:"status"`
	Error      string           `json:"error,omitempty"`
}

// ContainerAuditInfo is the container audit outcome with a bounded excerpt
// of its output.
type ContainerAuditInfo struct {
	RC      *int     `json:"rc"`
	OK      *bool    `json:"ok"`
	Excerpt []string `json:"excerpt"`
}

// Pending returns the pending migration IDs, or nil if status is unknown.
func (r *DoctorReport) Pending() []string {
	if r.Migrate.Status == nil {
		return nil
	}
	return r.Migrate.Status.Pending
}

func newDoctorReport(artifact string, opts DoctorOptions) *DoctorReport {
	return &DoctorReport{
		Schema:       "snapshot_doctor_report",
		RC:           2,
		Artifact:     artifact,
		Migrate:      MigrateReport{Attempted: !opts.NoMigrate, AppliedNow: []string{}},
		Counts:       map[string]int64{},
		StatusCounts: []StatusCount{},
		ContainerAudit: ContainerAuditInfo{
			Excerpt: []string{},
		},
		Notes: []string{},
	}
}

func (r *DoctorReport) note(format string, args ...any) {
	r.Notes = append(r.Notes, fmt.Sprintf(format, args...))
}

// abort finalises a report for a diagnosis that could not get past
// resolution or validation.
func (r *DoctorReport) abort(err error) {
	r.OK = false
	r.Error = Code(err)
	r.RC = verdictRC(err)
	r.note("%s: %v", r.Error, err)
}

// Doctor diagnoses one artifact. The artifact is resolved and its manifest
// validated first; any failure there aborts with a minimal report and a
// non-nil error. Otherwise every check runs against a private working copy,
// failures are captured in the report, and the error is nil: the verdict is
// report.OK.
func (s *Service) Doctor(ref string, opts DoctorOptions) (*DoctorReport, error) {
	rep := newDoctorReport(ref, opts)

	work, cleanup, err := s.workDir("doctor")
	if err != nil {
		rep.abort(err)
		return rep, err
	}
	defer cleanup()

	res, err := s.resolveArtifact(ref, work)
	if err != nil {
		rep.abort(err)
		s.logger.Warn("doctor aborted", "artifact", ref, "error", err)
		return rep, err
	}
	rep.ResolvedSnapshotDB = res.DB
	rep.ResolvedSnapshotDir = res.SnapshotDir
	rep.ResolvedTarball = res.Tarball

	workDB := filepath.Join(work, "doctor.sqlite3")
	if err := fs.CopyFile(res.DB, workDB, 0o600); err != nil {
		err = fmt.Errorf("creating working copy: %w", err)
		rep.abort(err)
		return rep, err
	}

	s.runChecks(rep, workDB, opts)

	rep.OK, rep.Error = doctorVerdict(rep)
	rep.RC = 2
	if rep.OK {
		rep.RC = 0
	}
	s.logger.Info("doctor finished", "artifact", ref, "ok", rep.OK, "work_db_sha256", rep.WorkDBSHA256)
	return rep, nil
}

// runChecks fills rep from the working copy. Every failure is recorded in
// the report; a working copy that cannot be opened fails the integrity check.
func (s *Service) runChecks(rep *DoctorReport, workDB string, opts DoctorOptions) {
	defer s.fingerprint(rep, workDB)

	store, err := s.opener.OpenStore(workDB)
	if err != nil {
		rep.note("sqlite_open_error: %v", err)
		failed := false
		rep.IntegrityOK = &failed
		return
	}

	ok, msgs, err := store.IntegrityCheck()
	if err != nil {
		rep.note("integrity_check_error: %v", err)
		ok = false
	}
	rep.IntegrityOK = &ok
	if !ok {
		rep.IntegrityMessages = msgs
	}

	if violations, err := store.ForeignKeyCheck(); err != nil {
		rep.note("foreign_key_check_error: %v", err)
	} else {
		n := len(violations)
		rep.ForeignKeyViolations = &n
		if n > 0 {
			rep.note("foreign_key_violation_sample: %s", strings.Join(violations[:min(n, 3)], "; "))
		}
	}

	// The applier opens its own connection.
	if err := store.Close(); err != nil {
		s.logger.Warn("failed to close working copy", "error", err)
	}

	if !opts.NoMigrate {
		applied, err := s.migrator.Up(workDB)
		if err != nil {
			rep.Migrate.Error = err.Error()
			rep.note("migrate_up_failed: %v", err)
		}
		if applied != nil {
			rep.Migrate.AppliedNow = applied
		}
	}
	if st, err := s.migrator.Status(workDB); err != nil {
		rep.note("migrate_status_error: %v", err)
	} else {
		if st.Pending == nil {
			st.Pending = []string{}
		}
		if st.Applied == nil {
			st.Applied = []string{}
		}
		rep.Migrate.Status = st
	}

	store, err = s.opener.OpenStore(workDB)
	if err != nil {
		rep.note("sqlite_open_error: %v", err)
		return
	}
	s.collectMetrics(rep, store)
	if err := store.Close(); err != nil {
		s.logger.Warn("failed to close working copy", "error", err)
	}
}

// fingerprint records the size and digest of the final working copy.
func (s *Service) fingerprint(rep *DoctorReport, workDB string) {
	if info, err := os.Stat(workDB); err != nil {
		rep.note("work_db_stat_error: %v", err)
	} else {
		size := info.Size()
		rep.WorkDBSizeBytes = &size
	}
	if sum, err := fs.HashFile(workDB); err != nil {
		rep.note("work_db_hash_error: %v", err)
	} else {
		rep.WorkDBSHA256 = sum
	}
}

func (s *Service) collectMetrics(rep *DoctorReport, store Store) {
	if counts, err := store.Counts(); err != nil {
		rep.note("count_query_error: %v", err)
	} else {
		rep.Counts = counts
	}

	if sc, err := store.StatusCounts(); err != nil {
		rep.note("status_count_query_error: %v", err)
	} else if sc != nil {
		rep.StatusCounts = sc
	}

	if n, err := store.ExclusiveOccupiedCount(); err != nil {
		rep.note("exclusive_occupied_query_error: %v", err)
	} else {
		rep.ExclusiveOccupied = n
	}

	audit, err := store.AuditContainers()
	if err != nil {
		rep.note("container_audit_error: %v", err)
		return
	}
	rc, ok := audit.RC, audit.OK
	rep.ContainerAudit.RC = &rc
	rep.ContainerAudit.OK = &ok
	lines := audit.Lines
	if len(lines) > s.opts.MaxAuditLines {
		lines = lines[:s.opts.MaxAuditLines]
	}
	rep.ContainerAudit.Excerpt = append([]string{}, lines...)
}

// doctorVerdict is the conjunction of the four health checks. A check that
// could not run counts as failed. code names the first failing check.
func doctorVerdict(rep *DoctorReport) (ok bool, code string) {
	switch {
	case rep.IntegrityOK == nil || !*rep.IntegrityOK:
		return false, ErrIntegrityCheckFailed.Error()
	case rep.ForeignKeyViolations == nil || *rep.ForeignKeyViolations != 0:
		return false, ErrForeignKeyViolation.Error()
	case rep.Migrate.Status == nil || len(rep.Migrate.Status.Pending) != 0 || rep.Migrate.Status.Dirty:
		return false, ErrMigrationPending.Error()
	case rep.ContainerAudit.OK == nil || !*rep.ContainerAudit.OK:
		return false, ErrAuditFailed.Error()
	}
	return true, ""
}

// Summary renders the human-readable block printed after the JSON line.
func (r *DoctorReport) Summary() string {
	var b strings.Builder
	fmt.Fprintln(&b, "---- Snapshot Doctor Summary ----")
	fmt.Fprintf(&b, "artifact: %s\n", r.Artifact)
	fmt.Fprintf(&b, "snapshot_db: %s\n", r.ResolvedSnapshotDB)
	fmt.Fprintf(&b, "work_db_sha256: %s\n", r.WorkDBSHA256)
	fmt.Fprintf(&b, "integrity_ok: %s\n", fmtPtr(r.IntegrityOK))
	fmt.Fprintf(&b, "foreign_key_violations: %s\n", fmtPtr(r.ForeignKeyViolations))
	if r.Migrate.Status != nil {
		fmt.Fprintf(&b, "migrations_pending: %v\n", r.Migrate.Status.Pending)
	}
	fmt.Fprintf(&b, "container_audit_rc: %s\n", fmtPtr(r.ContainerAudit.RC))
	fmt.Fprintf(&b, "counts: %s\n", fmtCounts(r.Counts))
	if len(r.StatusCounts) > 0 {
		fmt.Fprintln(&b, "status_counts:")
		for _, sc := range r.StatusCounts {
			fmt.Fprintf(&b, "  - %s: %d\n", sc.Status, sc.Count)
		}
	}
	if r.ExclusiveOccupied != nil {
		fmt.Fprintf(&b, "exclusive_occupied_count: %d\n", *r.ExclusiveOccupied)
	}
	if len(r.Notes) > 0 {
		fmt.Fprintln(&b, "notes:")
		for _, n := range r.Notes[:min(len(r.Notes), 10)] {
			fmt.Fprintf(&b, "  - %s\n", n)
		}
	}
	fmt.Fprintf(&b, "\nRESULT: %s\n", okWord(r.OK))
	return b.String()
}
