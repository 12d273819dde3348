package fs

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
)

// ErrUnsafeArchive is returned when an archive entry could escape the
// extraction root or is of a type other than regular file or directory.
var ErrUnsafeArchive = errors.New("unsafe_archive")

// Pack writes a gzip-compressed tar of srcDir to archivePath. Entry names are
// relative to srcDir. Only regular files and directories are packed; any other
// file type aborts the pack. archivePath is written atomically.
func Pack(srcDir, archivePath string) error {
	info, err := os.Stat(srcDir)
	if err != nil {
		return fmt.Errorf("stat source directory: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("source is not a directory: %s", srcDir)
	}

	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(writeTarGz(pw, srcDir))
	}()

	err = WriteFileAtomic(archivePath, pr, 0o644)
	pr.CloseWithError(err) // unblock the writer if the file side failed first
	if err != nil {
		return fmt.Errorf("writing archive: %w", err)
	}
	return nil
}

func writeTarGz(w io.Writer, srcDir string) error {
	zw := gzip.NewWriter(w)
	tw := tar.NewWriter(zw)

	err := filepath.WalkDir(srcDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p == srcDir {
			return nil
		}

		rel, err := filepath.Rel(srcDir, p)
		if err != nil {
			return fmt.Errorf("relative path for %s: %w", p, err)
		}
		name := filepath.ToSlash(rel)

		info, err := d.Info()
		if err != nil {
			return fmt.Errorf("stat %s: %w", p, err)
		}
		if !info.IsDir() && !info.Mode().IsRegular() {
			return fmt.Errorf("refusing to pack non-regular file: %s", name)
		}

		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return fmt.Errorf("header for %s: %w", name, err)
		}
		hdr.Name = name
		if info.IsDir() {
			hdr.Name += "/"
		}
		hdr.Uid, hdr.Gid = 0, 0
		hdr.Uname, hdr.Gname = "", ""

		if err := tw.WriteHeader(hdr); err != nil {
			return fmt.Errorf("write header for %s: %w", name, err)
		}
		if info.IsDir() {
			return nil
		}

		f, err := os.Open(p)
		if err != nil {
			return fmt.Errorf("open %s: %w", name, err)
		}
		_, err = io.Copy(tw, f)
		f.Close()
		if err != nil {
			return fmt.Errorf("copy %s: %w", name, err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if err := tw.Close(); err != nil {
		return fmt.Errorf("closing tar stream: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("closing gzip stream: %w", err)
	}
	return nil
}

// Extract unpacks the gzip-compressed tar at archivePath into destDir.
//
// Every entry is checked before anything is written for it: absolute names,
// names with a ".." segment, entries that would land outside destDir, and any
// type other than regular file or directory (symlinks, hard links, devices)
// abort the extraction with ErrUnsafeArchive. Entries already written by then
// are left in place; nothing further is written.
func Extract(archivePath, destDir string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("opening archive: %w", err)
	}
	defer f.Close()

	root, err := filepath.Abs(destDir)
	if err != nil {
		return fmt.Errorf("resolving destination: %w", err)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return fmt.Errorf("creating destination: %w", err)
	}

	zr, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("opening gzip stream: %w", err)
	}
	defer zr.Close()

	tr := tar.NewReader(zr)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading archive: %w", err)
		}

		target, err := entryTarget(root, hdr)
		if err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if target == root {
				continue
			}
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("creating %s: %w", hdr.Name, err)
			}
		case tar.TypeReg:
			if err := extractFile(tr, hdr, target); err != nil {
				return err
			}
		}
	}
}

// entryTarget validates one archive entry and returns its destination path.
func entryTarget(root string, hdr *tar.Header) (string, error) {
	name := hdr.Name
	if name == "" {
		return "", fmt.Errorf("%w: empty entry name", ErrUnsafeArchive)
	}
	if strings.HasPrefix(name, "/") || strings.HasPrefix(name, `\`) ||
		filepath.IsAbs(name) || filepath.VolumeName(name) != "" {
		return "", fmt.Errorf("%w: absolute entry path: %s", ErrUnsafeArchive, name)
	}
	for _, seg := range strings.FieldsFunc(name, func(r rune) bool { return r == '/' || r == '\\' }) {
		if seg == ".." {
			return "", fmt.Errorf("%w: parent segment in entry path: %s", ErrUnsafeArchive, name)
		}
	}
	if hdr.Typeflag != tar.TypeReg && hdr.Typeflag != tar.TypeDir {
		return "", fmt.Errorf("%w: disallowed entry type %q: %s", ErrUnsafeArchive, hdr.Typeflag, name)
	}

	target := filepath.Join(root, filepath.FromSlash(name))
	if !within(root, target) {
		return "", fmt.Errorf("%w: entry escapes destination: %s", ErrUnsafeArchive, name)
	}
	if target == root && hdr.Typeflag != tar.TypeDir {
		return "", fmt.Errorf("%w: file entry resolves to destination root: %s", ErrUnsafeArchive, name)
	}

	// A pre-existing symlink at the target would redirect the write.
	if fi, err := os.Lstat(target); err == nil && fi.Mode()&os.ModeSymlink != 0 {
		return "", fmt.Errorf("%w: destination is a symlink: %s", ErrUnsafeArchive, name)
	}
	return target, nil
}

func extractFile(r io.Reader, hdr *tar.Header, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("creating parent of %s: %w", hdr.Name, err)
	}
	perm := os.FileMode(hdr.Mode).Perm() | 0o600
	out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return fmt.Errorf("creating %s: %w", hdr.Name, err)
	}
	if _, err := io.CopyN(out, r, hdr.Size); err != nil {
		out.Close()
		return fmt.Errorf("writing %s: %w", hdr.Name, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", hdr.Name, err)
	}
	return nil
}

// Within reports whether path resolves to root or a location underneath it.
func Within(root, path string) bool {
	return within(filepath.Clean(root), filepath.Clean(path))
}

func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}
