package snap

import "io"

// Vault is an object store that published snapshot archives are copied into
// and fetched back from. Operations stream so large archives are never held
// in memory.
type Vault interface {
	// PutObject stores the object under key, replacing any previous one.
	// size is the number of bytes that will be read from r.
	PutObject(key string, r io.Reader, size int64) error

	// GetObject retrieves the object stored under key and writes it to w.
	GetObject(key string, w io.Writer) error

	// ListObjects returns every stored key in lexical order.
	ListObjects() ([]string, error)

	// ValidateSetup verifies that the vault is accessible and properly configured.
	ValidateSetup() error
}
