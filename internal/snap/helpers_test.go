package snap_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"labsnap/internal/database"
	"labsnap/internal/snap"
	"labsnap/internal/testutil"
	"labsnap/internal/vault"
)

// fixture is a live store, an exports dir and a service wired to real SQLite
// collaborators and a memory vault.
type fixture struct {
	svc     *snap.Service
	store   *database.SQLiteStore
	clock   *testutil.StubClock
	vault   *vault.MemoryVault
	dir     string
	exports string
	live    string
}

type fixtureOption func(*fixtureConfig)

type fixtureConfig struct {
	samples int
	opener  snap.StoreOpener
	noVault bool
	wrap    func(snap.Store) snap.Store
}

func withOpener(o snap.StoreOpener) fixtureOption {
	return func(c *fixtureConfig) { c.opener = o }
}

func withoutVault() fixtureOption {
	return func(c *fixtureConfig) { c.noVault = true }
}

// withLiveStore substitutes the live store the service sees.
func withLiveStore(wrap func(snap.Store) snap.Store) fixtureOption {
	return func(c *fixtureConfig) { c.wrap = wrap }
}

// newFixture seeds a live store with samples S-1..S-n in container BOX-1.
func newFixture(t *testing.T, samples int, opts ...fixtureOption) *fixture {
	t.Helper()

	cfg := fixtureConfig{samples: samples, opener: database.Opener{}}
	for _, o := range opts {
		o(&cfg)
	}

	dir := t.TempDir()
	live := filepath.Join(dir, "live.sqlite3")
	testutil.SeedStore(t, live, cfg.samples)

	store, err := database.NewSQLiteStore(live)
	if err != nil {
		t.Fatalf("opening live store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	f := &fixture{
		store:   store,
		clock:   testutil.FixedClock(),
		dir:     dir,
		exports: filepath.Join(dir, "exports"),
		live:    live,
	}

	var v snap.Vault
	if !cfg.noVault {
		f.vault = vault.NewMemoryVault("test")
		v = f.vault
	}

	var liveStore snap.Store = store
	if cfg.wrap != nil {
		liveStore = cfg.wrap(store)
	}

	f.svc = snap.NewService(
		liveStore,
		cfg.opener,
		database.Applier{},
		v,
		snap.NewNopLogger(),
		f.clock,
		testutil.NewStubIDGenerator(),
		snap.Options{ExportsDir: f.exports, TempDir: t.TempDir()},
	)
	return f
}

// export takes a snapshot and advances the clock so the next one gets a new name.
func (f *fixture) export(t *testing.T, include ...string) *snap.ExportResult {
	t.Helper()
	res, err := f.svc.Export(snap.ExportOptions{IncludeSamples: include})
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	f.clock.Advance(time.Second)
	return res
}

// addSample inserts one more sample into the live store.
func (f *fixture) addSample(t *testing.T, externalID string) {
	t.Helper()
	db, err := database.OpenConnection(f.live)
	if err != nil {
		t.Fatalf("opening live store: %v", err)
	}
	defer db.Close()
	testutil.AddSample(t, db, externalID, "received", 0)
}

func exists(t *testing.T, path string) bool {
	t.Helper()
	_, err := os.Lstat(path)
	if err == nil {
		return true
	}
	if !os.IsNotExist(err) {
		t.Fatalf("stat %s: %v", path, err)
	}
	return false
}

func readFile(t *testing.T, path string) []byte {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading %s: %v", path, err)
	}
	return data
}

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("creating dir for %s: %v", path, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("writing %s: %v", path, err)
	}
}

// appendByte modifies a file by one trailing byte.
func appendByte(t *testing.T, path string) {
	t.Helper()
	fh, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0)
	if err != nil {
		t.Fatalf("opening %s: %v", path, err)
	}
	defer fh.Close()
	if _, err := fh.Write([]byte{0}); err != nil {
		t.Fatalf("appending to %s: %v", path, err)
	}
}
