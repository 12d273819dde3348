package app

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// LockFileName is the advisory lock taken in the exports dir by operations
// that change it, so two invocations cannot export, prune or pin at once.
const LockFileName = ".labsnap.lock"

// lockExports takes the exports dir lock for the rest of the invocation.
// It fails immediately if another invocation holds it.
func (a *App) lockExports() error {
	if a.lock != nil {
		return nil
	}
	dir := a.service.ExportsDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating exports dir: %w", err)
	}

	lock := flock.New(filepath.Join(dir, LockFileName))
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("another labsnap operation is using %s", dir)
	}
	a.lock = lock
	a.logger.Debug("acquired exports lock", "path", lock.Path())
	return nil
}

func (a *App) unlockExports() error {
	if a.lock == nil {
		return nil
	}
	err := a.lock.Unlock()
	a.lock = nil
	return err
}
