package snap

import (
	"os"
	"path/filepath"
)

// DefaultMaxAuditLines bounds the container audit excerpt in doctor reports.
const DefaultMaxAuditLines = 60

// Options carries the filesystem locations a Service works in.
type Options struct {
	// ExportsDir is the artifact root: snapshot directories and archives live
	// directly underneath it.
	ExportsDir string

	// PinsFile holds the pin set. Defaults to <ExportsDir>/.pins.json.
	PinsFile string

	// TempDir is where private working copies are created. Defaults to os.TempDir().
	TempDir string

	// MaxAuditLines bounds the container audit excerpt. Defaults to DefaultMaxAuditLines.
	MaxAuditLines int

	// Actor is recorded on audit events written by the engine.
	Actor string
}

// Service is the snapshot lifecycle engine. Each exported method runs one
// operation to completion; none of them call each other except Diff, which
// runs Doctor on both sides.
type Service struct {
	store    Store
	opener   StoreOpener
	migrator MigrationApplier
	vault    Vault
	logger   Logger
	clock    Clock
	idgen    IDGenerator
	opts     Options
	pins     *PinRepository
}

// NewService creates a Service with the provided dependencies.
// store is the live store and is only needed by Export. vault may be nil,
// in which case Publish and vault: references fail.
func NewService(store Store, opener StoreOpener, migrator MigrationApplier, vault Vault, logger Logger, clock Clock, idgen IDGenerator, opts Options) *Service {
	if opts.PinsFile == "" {
		opts.PinsFile = filepath.Join(opts.ExportsDir, ".pins.json")
	}
	if opts.TempDir == "" {
		opts.TempDir = os.TempDir()
	}
	if opts.MaxAuditLines == 0 {
		opts.MaxAuditLines = DefaultMaxAuditLines
	}
	if opts.Actor == "" {
		opts.Actor = "labsnap"
	}
	return &Service{
		store:    store,
		opener:   opener,
		migrator: migrator,
		vault:    vault,
		logger:   logger,
		clock:    clock,
		idgen:    idgen,
		opts:     opts,
		pins:     NewPinRepository(opts.PinsFile),
	}
}

// ExportsDir returns the artifact root.
func (s *Service) ExportsDir() string {
	return s.opts.ExportsDir
}

// workDir creates a private temporary directory for one invocation.
// The returned cleanup removes it and everything in it.
func (s *Service) workDir(kind string) (string, func(), error) {
	dir, err := os.MkdirTemp(s.opts.TempDir, "labsnap-"+kind+"-*")
	if err != nil {
		return "", nil, err
	}
	return dir, func() {
		if err := os.RemoveAll(dir); err != nil {
			s.logger.Warn("failed to remove working directory", "dir", dir, "error", err)
		}
	}, nil
}

// verdictRC maps an operation error onto the verdict convention:
// 0 success, 2 rejected by the taxonomy, 1 anything unexpected.
func verdictRC(err error) int {
	switch Code(err) {
	case "":
		return 0
	case "error":
		return 1
	default:
		return 2
	}
}
