package vault

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrObjectNotFound is returned by GetObject for keys the vault does not hold.
	ErrObjectNotFound = errors.New("object not found")

	// ErrInvalidKey is returned for keys that are not a single flat object name.
	ErrInvalidKey = errors.New("invalid object key")
)

// validateKey rejects keys that could address anything but a single flat object.
func validateKey(key string) error {
	if key == "" || key == "." || key == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	if strings.ContainsAny(key, `/\`) || strings.HasPrefix(key, ".") {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return nil
}
