package snap

import (
	"fmt"
	"path/filepath"
	"strings"

	"labsnap/internal/fs"
)

// VerifyResult is the outcome of a quick artifact verification: manifest
// validation plus consistency and referential-integrity checks.
type VerifyResult struct {
	Schema               string   `json:"schema"`
	OK                   bool     `json:"ok"`
	RC                   int      `json:"rc"`
	Artifact             string   `json:"artifact"`
	ResolvedSnapshotDB   string   `json:"resolved_snapshot_db,omitempty"`
	IntegrityOK          *bool    `json:"integrity_ok"`
	ForeignKeyViolations *int     `json:"foreign_key_violations"`
	Notes                []string `json:"notes"`
	Error                string   `json:"error,omitempty"`
}

// Verify resolves and validates an artifact, then checks its database on a
// private working copy. As with Doctor, the error is non-nil only when the
// artifact could not be resolved or validated; check failures are reported
// through OK and Error.
func (s *Service) Verify(ref string) (*VerifyResult, error) {
	res := &VerifyResult{Schema: "snapshot_verify_result", RC: 2, Artifact: ref, Notes: []string{}}
	abort := func(err error) (*VerifyResult, error) {
		res.Error = Code(err)
		res.RC = verdictRC(err)
		res.Notes = append(res.Notes, fmt.Sprintf("%s: %v", res.Error, err))
		return res, err
	}

	work, cleanup, err := s.workDir("verify")
	if err != nil {
		return abort(err)
	}
	defer cleanup()

	art, err := s.resolveArtifact(ref, work)
	if err != nil {
		return abort(err)
	}
	res.ResolvedSnapshotDB = art.DB

	workDB := filepath.Join(work, "verify.sqlite3")
	if err := fs.CopyFile(art.DB, workDB, 0o600); err != nil {
		return abort(fmt.Errorf("creating working copy: %w", err))
	}

	integrityOK := false
	res.IntegrityOK = &integrityOK
	store, err := s.opener.OpenStore(workDB)
	if err != nil {
		res.Notes = append(res.Notes, fmt.Sprintf("sqlite_open_error: %v", err))
	} else {
		ok, msgs, err := store.IntegrityCheck()
		switch {
		case err != nil:
			res.Notes = append(res.Notes, fmt.Sprintf("integrity_check_error: %v", err))
		case !ok:
			res.Notes = append(res.Notes, "integrity_check: "+strings.Join(msgs, "; "))
		default:
			integrityOK = true
		}

		if violations, err := store.ForeignKeyCheck(); err != nil {
			res.Notes = append(res.Notes, fmt.Sprintf("foreign_key_check_error: %v", err))
		} else {
			n := len(violations)
			res.ForeignKeyViolations = &n
		}
		if err := store.Close(); err != nil {
			s.logger.Warn("failed to close working copy", "error", err)
		}
	}

	switch {
	case !integrityOK:
		res.Error = ErrIntegrityCheckFailed.Error()
	case res.ForeignKeyViolations == nil || *res.ForeignKeyViolations != 0:
		res.Error = ErrForeignKeyViolation.Error()
	default:
		res.OK = true
		res.RC = 0
	}
	s.logger.Info("verify finished", "artifact", ref, "ok", res.OK)
	return res, nil
}

// Summary renders the human-readable verdict line(s).
func (r *VerifyResult) Summary() string {
	if r.OK {
		return "OK: snapshot verify complete.\n"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "ERROR: snapshot verify failed: %s\n", r.Error)
	for _, n := range r.Notes {
		fmt.Fprintf(&b, "  - %s\n", n)
	}
	return b.String()
}
