package app

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"

	"labsnap/internal/config"
	"labsnap/internal/database"
	"labsnap/internal/snap"
	"labsnap/internal/vault"
)

// Overrides are per-invocation settings that take precedence over the config file.
type Overrides struct {
	DBPath     string // live store path
	ExportsDir string // artifact root
	Vault      string // vault name, defaults to the first configured vault
}

// App is the application layer between the CLI and snap.Service.
// It constructs all dependencies from config, exposes one method per CLI
// operation, and finalizes the operation on Close.
type App struct {
	cfg     *config.Config
	store   *database.SQLiteStore
	vault   snap.Vault
	service *snap.Service
	logger  *slog.Logger
	op      *Operation
	metrics *opMetrics
	lock    *flock.Flock
	logFile *os.File
	closed  bool
}

// NewApp creates a fully wired App from the given config.
// operation identifies the CLI command being run (one of the Op constants).
// The live store is only opened for exports. The caller must call Close when done.
func NewApp(cfg *config.Config, operation string, ov Overrides) (*App, error) {
	if ov.DBPath != "" {
		cfg.Store.Type = "sqlite"
		cfg.Store.Path = ov.DBPath
	}
	if ov.ExportsDir != "" {
		cfg.Exports.Dir = ov.ExportsDir
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	level, err := parseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	op := NewOperation(operation, time.Now())
	logger, logFile, err := newLogger(cfg.LogDir, op.ID, level)
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}

	a := &App{cfg: cfg, logger: logger, op: op, logFile: logFile}
	if cfg.Metrics.TextfileDir != "" {
		a.metrics = newOpMetrics()
	}

	if len(cfg.Vaults) > 0 || ov.Vault != "" {
		vc, err := cfg.Vault(ov.Vault)
		if err != nil {
			a.Close()
			return nil, err
		}
		v, err := vault.NewVaultFromConfig(*vc)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("creating vault: %w", err)
		}
		if rv, ok := v.(*vault.RetryingVault); ok {
			rv.OnRetry(func(n uint, err error) {
				logger.Warn("retrying vault call", "vault", vc.Name, "attempt", n+1, "error", err)
			})
		}
		a.vault = v
	}

	if operation == OpExport {
		store, err := openLiveStore(cfg.Store)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.store = store
		if err := store.CheckMigrations(); err != nil {
			logger.Warn("exporting a live store with pending migrations", "path", store.Path(), "error", err)
		}
	}

	// A nil *SQLiteStore must not reach the service as a non-nil interface.
	var store snap.Store
	if a.store != nil {
		store = a.store
	}
	a.service = snap.NewService(store, database.Opener{}, database.Applier{}, a.vault, &slogAdapter{l: logger}, snap.RealClock{}, snap.UUIDGenerator{}, snap.Options{
		ExportsDir:    cfg.Exports.Dir,
		PinsFile:      cfg.PinsPath(),
		MaxAuditLines: cfg.Doctor.MaxAuditLines,
	})
	return a, nil
}

// openLiveStore opens the configured live store. A sqlite store must already
// exist; it is created by "store init".
func openLiveStore(cfg config.StoreConfig) (*database.SQLiteStore, error) {
	if cfg.Type != "memory" {
		if _, err := os.Stat(cfg.Path); err != nil {
			return nil, fmt.Errorf("live store not found at %s (run store init): %w", cfg.Path, err)
		}
	}
	store, err := database.NewStoreFromConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("opening live store: %w", err)
	}
	return store, nil
}

// Operation returns the invocation being tracked.
func (a *App) Operation() *Operation {
	return a.op
}

// track records err against the operation and passes it through.
func (a *App) track(err error) error {
	if err != nil {
		a.op.Fail()
	}
	return err
}

// Export writes a new snapshot of the live store into the exports dir.
func (a *App) Export(includeSamples []string) (*snap.ExportResult, error) {
	a.op.Set("samples", len(includeSamples))
	if err := a.lockExports(); err != nil {
		return nil, a.track(err)
	}
	res, err := a.service.Export(snap.ExportOptions{IncludeSamples: includeSamples})
	return res, a.track(err)
}

// Verify checks an artifact's manifest and database integrity.
func (a *App) Verify(ref string) (*snap.VerifyResult, error) {
	a.op.Set("artifact", ref)
	res, err := a.service.Verify(ref)
	if err == nil && !res.OK {
		a.op.Fail()
	}
	return res, a.track(err)
}

// Doctor produces a health report for an artifact.
func (a *App) Doctor(ref string, noMigrate bool) (*snap.DoctorReport, error) {
	a.op.Set("artifact", ref)
	a.op.Set("no_migrate", noMigrate)
	rep, err := a.service.Doctor(ref, snap.DoctorOptions{NoMigrate: noMigrate})
	if err == nil && !rep.OK {
		a.op.Fail()
	}
	a.metrics.observeDoctor(rep)
	return rep, a.track(err)
}

// Diff compares the doctor reports of two artifacts.
func (a *App) Diff(refA, refB string, noMigrate bool) (*snap.DiffReport, error) {
	a.op.Set("a", refA)
	a.op.Set("b", refB)
	rep, err := a.service.Diff(refA, refB, snap.DoctorOptions{NoMigrate: noMigrate})
	return rep, a.track(err)
}

// DiffLatest compares the n-th newest archive (side a) against the newest (side b).
func (a *App) DiffLatest(n int, noMigrate bool) (*snap.DiffReport, error) {
	a.op.Set("n", n)
	older, err := a.service.Latest(n)
	if err != nil {
		return nil, a.track(err)
	}
	newest, err := a.service.Latest(1)
	if err != nil {
		return nil, a.track(err)
	}
	return a.Diff(older, newest, noMigrate)
}

// GC removes orphaned artifact halves when apply is set.
func (a *App) GC(apply bool) (*snap.RetentionReport, error) {
	a.op.Set("apply", apply)
	a.op.Mutating = apply
	if apply {
		if err := a.lockExports(); err != nil {
			return nil, a.track(err)
		}
	}
	rep, err := a.service.GC(apply)
	a.metrics.observeRetention(rep)
	return rep, a.track(err)
}

// Prune keeps the keep newest and all pinned artifacts, deleting the rest when apply is set.
func (a *App) Prune(keep int, apply bool) (*snap.RetentionReport, error) {
	a.op.Set("keep", keep)
	a.op.Set("apply", apply)
	a.op.Mutating = apply
	if apply {
		if err := a.lockExports(); err != nil {
			return nil, a.track(err)
		}
	}
	rep, err := a.service.Prune(keep, apply)
	a.metrics.observeRetention(rep)
	return rep, a.track(err)
}

// Pin protects an artifact from retention.
func (a *App) Pin(ref string) (*snap.PinResult, error) {
	a.op.Set("artifact", ref)
	if err := a.lockExports(); err != nil {
		return nil, a.track(err)
	}
	res, err := a.service.Pin(ref)
	return res, a.track(err)
}

// Unpin removes an artifact's retention protection.
func (a *App) Unpin(ref string) (*snap.PinResult, error) {
	a.op.Set("artifact", ref)
	if err := a.lockExports(); err != nil {
		return nil, a.track(err)
	}
	res, err := a.service.Unpin(ref)
	return res, a.track(err)
}

// PinsResult lists the pin set.
type PinsResult struct {
	Schema string   `json:"schema"`
	OK     bool     `json:"ok"`
	Pinned []string `json:"pinned"`
}

// Pins returns the current pin set.
func (a *App) Pins() (*PinsResult, error) {
	names, err := a.service.Pins()
	if err != nil {
		return nil, a.track(err)
	}
	return &PinsResult{Schema: "snapshot_pins", OK: true, Pinned: names}, nil
}

// LatestResult names the n-th newest archive of the exports dir.
type LatestResult struct {
	Schema     string `json:"schema"`
	OK         bool   `json:"ok"`
	ExportsDir string `json:"exports_dir"`
	N          int    `json:"n"`
	Path       string `json:"path"`
}

// Latest returns the path of the n-th newest archive.
func (a *App) Latest(n int) (*LatestResult, error) {
	a.op.Set("n", n)
	p, err := a.service.Latest(n)
	if err != nil {
		return nil, a.track(err)
	}
	return &LatestResult{Schema: "snapshot_latest", OK: true, ExportsDir: a.service.ExportsDir(), N: n, Path: p}, nil
}

// Restore installs an artifact as the live store, or as target when given.
func (a *App) Restore(ref, target string, force, backup bool) (*snap.RestoreResult, error) {
	if target == "" {
		if a.cfg.Store.Type == "memory" {
			return nil, a.track(errors.New("restore needs a target: the live store is in memory"))
		}
		target = a.cfg.Store.Path
	}
	abs, err := filepath.Abs(target)
	if err != nil {
		return nil, a.track(fmt.Errorf("resolving target: %w", err))
	}
	a.op.Set("artifact", ref)
	a.op.Set("target", abs)
	a.op.Set("force", force)
	a.op.Set("backup", backup)
	if err := a.lockExports(); err != nil {
		return nil, a.track(err)
	}

	res, err := a.service.Restore(ref, abs, snap.RestoreOptions{Force: force, Backup: backup})
	if err == nil && res.AuditEvent != nil && !res.AuditEvent.OK {
		a.logger.Warn("restore audit event not recorded", "target", abs, "error", res.AuditEvent.Error)
	}
	return res, a.track(err)
}

// Publish copies a validated archive into the vault.
func (a *App) Publish(ref string) (*snap.PublishResult, error) {
	a.op.Set("artifact", ref)
	res, err := a.service.Publish(ref)
	return res, a.track(err)
}

// Fetch copies a published archive from the vault into the exports dir.
func (a *App) Fetch(name string, force bool) (*snap.FetchResult, error) {
	a.op.Set("name", name)
	a.op.Set("force", force)
	if err := a.lockExports(); err != nil {
		return nil, a.track(err)
	}
	res, err := a.service.Fetch(name, force)
	return res, a.track(err)
}

// PublishedResult lists the archives available in the vault.
type PublishedResult struct {
	Schema    string   `json:"schema"`
	OK        bool     `json:"ok"`
	Published []string `json:"published"`
}

// Published lists the snapshots published to the vault.
func (a *App) Published() (*PublishedResult, error) {
	names, err := a.service.Published()
	if err != nil {
		return nil, a.track(err)
	}
	return &PublishedResult{Schema: "snapshot_published", OK: true, Published: names}, nil
}

// StoreResult describes the migration state of the live store.
type StoreResult struct {
	Schema     string   `json:"schema"`
	OK         bool     `json:"ok"`
	Path       string   `json:"path"`
	AppliedNow []string `json:"applied_now,omitempty"`
	Applied    []string `json:"applied"`
	Pending    []string `json:"pending"`
	Dirty      bool     `json:"dirty,omitempty"`
}

// Summary renders the result for humans.
func (r *StoreResult) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "store: %s\n", r.Path)
	if len(r.AppliedNow) > 0 {
		fmt.Fprintf(&b, "applied now: %s\n", strings.Join(r.AppliedNow, ", "))
	}
	fmt.Fprintf(&b, "applied: %d pending: %d\n", len(r.Applied), len(r.Pending))
	if r.Dirty {
		b.WriteString("WARNING: migration state is dirty\n")
	}
	return b.String()
}

// StoreInit creates the live store if needed and applies pending migrations.
func (a *App) StoreInit() (*StoreResult, error) {
	path, err := a.storePath()
	if err != nil {
		return nil, a.track(err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, a.track(fmt.Errorf("creating store directory: %w", err))
	}

	applier := database.Applier{}
	applied, err := applier.Up(path)
	if err != nil {
		return nil, a.track(err)
	}
	a.logger.Info("store initialized", "path", path, "applied", len(applied))

	res, err := a.storeStatus(path)
	if err != nil {
		return nil, a.track(err)
	}
	res.AppliedNow = applied
	return res, nil
}

// StoreStatus reports applied and pending migrations of the live store.
func (a *App) StoreStatus() (*StoreResult, error) {
	path, err := a.storePath()
	if err != nil {
		return nil, a.track(err)
	}
	res, err := a.storeStatus(path)
	return res, a.track(err)
}

func (a *App) storePath() (string, error) {
	if a.cfg.Store.Type == "memory" {
		return "", errors.New("store commands need a sqlite store")
	}
	return a.cfg.Store.Path, nil
}

func (a *App) storeStatus(path string) (*StoreResult, error) {
	st, err := database.Applier{}.Status(path)
	if err != nil {
		return nil, err
	}
	return &StoreResult{
		Schema:  "store_status",
		OK:      len(st.Pending) == 0 && !st.Dirty,
		Path:    path,
		Applied: st.Applied,
		Pending: st.Pending,
		Dirty:   st.Dirty,
	}, nil
}

// Close finalizes the operation and closes all resources.
// Mutating operations are logged at info level, read-only ones at debug.
func (a *App) Close() error {
	if a.closed {
		return nil
	}
	a.closed = true
	var firstErr error

	if a.store != nil {
		if err := a.store.Close(); err != nil {
			firstErr = fmt.Errorf("closing live store: %w", err)
		}
	}

	if err := a.unlockExports(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("releasing exports lock: %w", err)
	}

	if a.metrics != nil {
		a.metrics.finish(a.op, time.Now())
		if _, err := a.metrics.write(a.cfg.Metrics.TextfileDir, a.op); err != nil {
			a.logger.Warn("metrics not written", "error", err)
		}
	}

	if a.op != nil && a.logger != nil {
		log := a.logger.Debug
		if a.op.Mutating {
			log = a.logger.Info
		}
		log("operation finished",
			"operation", a.op.Name,
			"status", a.op.Status,
			"parameters", a.op.ParameterString(),
			"duration", time.Since(a.op.StartedAt).Truncate(time.Millisecond))
	}

	if a.logFile != nil {
		a.logFile.Close()
	}

	return firstErr
}
