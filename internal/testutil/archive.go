package testutil

import (
	"archive/tar"
	"os"
	"testing"

	"github.com/klauspost/compress/gzip"
)

// TarEntry is one hand-built archive entry. Typeflag defaults to a regular file.
type TarEntry struct {
	Name     string
	Typeflag byte
	Body     []byte
	Linkname string
}

// WriteTarGz writes entries as a gzip-compressed tar at path. It emits
// exactly what it is given, including names and types a safe packer refuses.
func WriteTarGz(t *testing.T, path string, entries []TarEntry) {
	t.Helper()

	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("creating %s: %v", path, err)
	}
	defer f.Close()

	zw := gzip.NewWriter(f)
	tw := tar.NewWriter(zw)
	for _, e := range entries {
		typ := e.Typeflag
		if typ == 0 {
			typ = tar.TypeReg
		}
		hdr := &tar.Header{Name: e.Name, Typeflag: typ, Mode: 0o644, Linkname: e.Linkname}
		if typ == tar.TypeReg {
			hdr.Size = int64(len(e.Body))
		}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("writing header %s: %v", e.Name, err)
		}
		if typ == tar.TypeReg {
			if _, err := tw.Write(e.Body); err != nil {
				t.Fatalf("writing body %s: %v", e.Name, err)
			}
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("closing tar: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("closing gzip: %v", err)
	}
}
