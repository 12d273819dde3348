package snap

import (
	"errors"

	"labsnap/internal/fs"
	"labsnap/internal/manifest"
)

// Error taxonomy. Every failure the engine reports wraps exactly one of these,
// so callers can branch with errors.Is and reports can carry a stable code.
var (
	ErrArtifactResolution   = errors.New("artifact_resolution_error")
	ErrUnsafeArchive        = fs.ErrUnsafeArchive
	ErrManifestMismatch     = manifest.ErrMismatch
	ErrManifestIncomplete   = manifest.ErrIncomplete
	ErrDoctorFailed         = errors.New("doctor_failed")
	ErrTargetExists         = errors.New("target_exists")
	ErrIntegrityCheckFailed = errors.New("integrity_check_failed")
	ErrForeignKeyViolation  = errors.New("foreign_key_violation")
	ErrMigrationPending     = errors.New("migration_pending")
	ErrAuditFailed          = errors.New("audit_failed")
	ErrSampleNotFound       = errors.New("sample_not_found")
	ErrInvalidArgument      = errors.New("invalid_argument")
)

var taxonomy = []error{
	ErrArtifactResolution,
	ErrUnsafeArchive,
	ErrManifestMismatch,
	ErrManifestIncomplete,
	ErrDoctorFailed,
	ErrTargetExists,
	ErrIntegrityCheckFailed,
	ErrForeignKeyViolation,
	ErrMigrationPending,
	ErrAuditFailed,
	ErrSampleNotFound,
	ErrInvalidArgument,
}

// Code returns the taxonomy code for err ("unsafe_archive", "target_exists", ...).
// Errors outside the taxonomy map to "error"; nil maps to "".
func Code(err error) string {
	if err == nil {
		return ""
	}
	for _, t := range taxonomy {
		if errors.Is(err, t) {
			return t.Error()
		}
	}
	return "error"
}

// SideEffect is the outcome of a best-effort side-channel write.
// A failed side effect is reported and logged but never fails the primary operation.
type SideEffect struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

func sideEffectOf(err error) SideEffect {
	if err != nil {
		return SideEffect{OK: false, Error: err.Error()}
	}
	return SideEffect{OK: true}
}
