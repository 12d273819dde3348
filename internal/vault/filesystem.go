package vault

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"labsnap/internal/fs"
	"labsnap/internal/snap"
)

// FileSystemVault is a filesystem-based implementation of the Vault interface.
// Objects are stored flat under one directory:
//
//	<root>/
//	  objects/
//	    <key>
type FileSystemVault struct {
	name       string
	root       string
	objectsDir string
}

// NewFileSystemVault creates a new filesystem vault rooted at the given path.
func NewFileSystemVault(name, root string) (*FileSystemVault, error) {
	objectsDir := filepath.Join(root, "objects")

	if err := os.MkdirAll(objectsDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create objects directory: %w", err)
	}

	return &FileSystemVault{
		name:       name,
		root:       root,
		objectsDir: objectsDir,
	}, nil
}

// PutObject stores an object under key using an atomic write.
func (v *FileSystemVault) PutObject(key string, r io.Reader, size int64) error {
	if err := validateKey(key); err != nil {
		return err
	}
	dest := filepath.Join(v.objectsDir, key)
	if err := fs.WriteFileAtomic(dest, &sizedReader{r: r, want: size}, 0o644); err != nil {
		return fmt.Errorf("failed to store object: %w", err)
	}
	return nil
}

// GetObject retrieves the object stored under key and writes it to w.
func (v *FileSystemVault) GetObject(key string, w io.Writer) error {
	if err := validateKey(key); err != nil {
		return err
	}
	f, err := os.Open(filepath.Join(v.objectsDir, key))
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrObjectNotFound, key)
		}
		return fmt.Errorf("failed to open object: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("failed to read object: %w", err)
	}
	return nil
}

// ListObjects returns every stored key in lexical order.
func (v *FileSystemVault) ListObjects() ([]string, error) {
	entries, err := os.ReadDir(v.objectsDir)
	if err != nil {
		return nil, fmt.Errorf("listing objects: %w", err)
	}
	keys := []string{}
	for _, e := range entries {
		// Skip in-flight temp files
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		keys = append(keys, e.Name())
	}
	sort.Strings(keys)
	return keys, nil
}

// ValidateSetup verifies that the vault directories are accessible.
func (v *FileSystemVault) ValidateSetup() error {
	info, err := os.Stat(v.root)
	if err != nil {
		return fmt.Errorf("vault root not accessible: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("vault root is not a directory: %s", v.root)
	}

	info, err = os.Stat(v.objectsDir)
	if err != nil {
		return fmt.Errorf("vault directory not accessible: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("vault path is not a directory: %s", v.objectsDir)
	}
	return nil
}

// sizedReader fails at EOF unless exactly want bytes were read, so a short
// or long body never replaces a stored object.
type sizedReader struct {
	r    io.Reader
	want int64
	n    int64
}

func (s *sizedReader) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	s.n += int64(n)
	if err == io.EOF && s.n != s.want {
		return n, fmt.Errorf("size mismatch: expected %d bytes, got %d", s.want, s.n)
	}
	return n, err
}

// Compile-time check that FileSystemVault implements snap.Vault interface
var _ snap.Vault = (*FileSystemVault)(nil)
