package acquire

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
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// archiveSuffixes lists the recognised package archive extensions.
var archiveSuffixes = []string{".tar.gz", ".tgz", ".tar.zst", ".tzst", ".tar.lz4", ".tar"}

// isArchive reports whether name has a recognised archive extension.
func isArchive(name string) bool {
	return archiveSuffix(name) != ""
}

func archiveSuffix(name string) string {
	for _, s := range archiveSuffixes {
		if strings.HasSuffix(name, s) {
			return s
		}
	}
	return ""
}

// openArchive returns the decompressed tar stream of the archive at path.
func openArchive(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	switch archiveSuffix(path) {
	case ".tar":
		return f, nil
	case ".tar.gz", ".tgz":
		zr, err := gzip.NewReader(f)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("open gzip stream: %w", err)
		}
		return &stackedReader{Reader: zr, closers: []io.Closer{zr, f}}, nil
	case ".tar.zst", ".tzst":
		zr, err := zstd.NewReader(f)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("open zstd stream: %w", err)
		}
		rc := zr.IOReadCloser()
		return &stackedReader{Reader: rc, closers: []io.Closer{rc, f}}, nil
	case ".tar.lz4":
		return &stackedReader{Reader: lz4.NewReader(f), closers: []io.Closer{f}}, nil
	}
	f.Close()
	return nil, fmt.Errorf("%s: unsupported archive type", path)
}

type stackedReader struct {
	io.Reader
	closers []io.Closer
}

func (s *stackedReader) Close() error {
	var first error
	for _, c := range s.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// extractTar unpacks r under dst. Entries that would land outside dst,
// directly or through a symlink extracted earlier, are rejected. Device
// nodes and fifos are skipped.
func extractTar(r io.Reader, dst string) error {
	dst = filepath.Clean(dst)
	if err := os.MkdirAll(dst, 0755); err != nil {
		return err
	}

	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read tar entry: %w", err)
		}

		name := filepath.Clean(strings.TrimPrefix(hdr.Name, "/"))
		if name == "." || name == "" {
			continue
		}
		if name == ".." || strings.HasPrefix(name, "../") {
			return fmt.Errorf("tar entry %q escapes the destination", hdr.Name)
		}
		target := filepath.Join(dst, name)
		if err := checkParents(dst, name); err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0755); err != nil {
				return fmt.Errorf("create dir %s: %w", name, err)
			}
			if err := os.Chmod(target, fs.FileMode(hdr.Mode).Perm()|0700); err != nil {
				return fmt.Errorf("chmod %s: %w", name, err)
			}
		case tar.TypeReg:
			if err := writeEntry(tr, target, fs.FileMode(hdr.Mode).Perm()); err != nil {
				return fmt.Errorf("write %s: %w", name, err)
			}
		case tar.TypeSymlink:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return err
			}
			os.Remove(target)
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return fmt.Errorf("symlink %s: %w", name, err)
			}
		case tar.TypeLink:
			src := filepath.Clean(strings.TrimPrefix(hdr.Linkname, "/"))
			if src == ".." || strings.HasPrefix(src, "../") {
				return fmt.Errorf("hard link %q escapes the destination", hdr.Linkname)
			}
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return err
			}
			os.Remove(target)
			if err := os.Link(filepath.Join(dst, src), target); err != nil {
				return fmt.Errorf("link %s: %w", name, err)
			}
		default:
			// devices, fifos: the jail gets /dev from the host
		}
	}
}

// checkParents fails if any existing parent of name under dst is a symlink.
func checkParents(dst, name string) error {
	dir := filepath.Dir(name)
	if dir == "." {
		return nil
	}
	cur := dst
	for _, elem := range strings.Split(dir, string(filepath.Separator)) {
		cur = filepath.Join(cur, elem)
		info, err := os.Lstat(cur)
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.Mode()&os.ModeSymlink != 0 {
			return fmt.Errorf("tar entry %q passes through symlink %s", name, cur)
		}
	}
	return nil
}

func writeEntry(r io.Reader, target string, mode fs.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return err
	}
	os.Remove(target)
	f, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
