package acquire

import (
	"archive/tar"
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

type tarEntry struct {
	name     string
	typeflag byte
	body     string
	link     string
}

func buildTar(t *testing.T, entries []tarEntry) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, e := range entries {
		hdr := &tar.Header{Name: e.name, Typeflag: e.typeflag, Linkname: e.link, Mode: 0644}
		switch e.typeflag {
		case tar.TypeDir:
			hdr.Mode = 0755
		case tar.TypeReg:
			hdr.Size = int64(len(e.body))
		}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("write header %s: %v", e.name, err)
		}
		if e.typeflag == tar.TypeReg {
			if _, err := io.WriteString(tw, e.body); err != nil {
				t.Fatalf("write body %s: %v", e.name, err)
			}
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("close tar: %v", err)
	}
	return buf.Bytes()
}

func compress(t *testing.T, suffix string, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	var w io.WriteCloser
	var err error
	switch suffix {
	case ".tar":
		return data
	case ".tar.gz", ".tgz":
		w = gzip.NewWriter(&buf)
	case ".tar.zst", ".tzst":
		w, err = zstd.NewWriter(&buf)
	case ".tar.lz4":
		w = lz4.NewWriter(&buf)
	default:
		t.Fatalf("unknown suffix %s", suffix)
	}
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	if _, err := w.Write(data); err != nil {
		t.Fatalf("compress: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}
	return buf.Bytes()
}

var sampleTree = []tarEntry{
	{name: "bin/", typeflag: tar.TypeDir},
	{name: "bin/hello", typeflag: tar.TypeReg, body: "#!/bin/sh\necho hello\n"},
	{name: "bin/hi", typeflag: tar.TypeSymlink, link: "hello"},
	{name: "etc/motd", typeflag: tar.TypeReg, body: "welcome\n"},
	{name: "etc/motd.bak", typeflag: tar.TypeLink, link: "etc/motd"},
	{name: "dev/null", typeflag: tar.TypeChar},
}

func TestOpenArchiveFormats(t *testing.T) {
	raw := buildTar(t, sampleTree)
	for _, suffix := range archiveSuffixes {
		t.Run(suffix, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "pkg"+suffix)
			if err := os.WriteFile(path, compress(t, suffix, raw), 0644); err != nil {
				t.Fatalf("write archive: %v", err)
			}

			rc, err := openArchive(path)
			if err != nil {
				t.Fatalf("openArchive: %v", err)
			}
			defer rc.Close()

			dst := filepath.Join(t.TempDir(), "out")
			if err := extractTar(rc, dst); err != nil {
				t.Fatalf("extractTar: %v", err)
			}

			data, err := os.ReadFile(filepath.Join(dst, "bin", "hi"))
			if err != nil || string(data) != "#!/bin/sh\necho hello\n" {
				t.Errorf("bin/hi = %q, %v", data, err)
			}
			if data, err := os.ReadFile(filepath.Join(dst, "etc", "motd.bak")); err != nil || string(data) != "welcome\n" {
				t.Errorf("hard link = %q, %v", data, err)
			}
			if _, err := os.Lstat(filepath.Join(dst, "dev", "null")); !os.IsNotExist(err) {
				t.Errorf("device node should be skipped, stat err = %v", err)
			}
		})
	}
}

func TestOpenArchiveUnsupported(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pkg.zip")
	if err := os.WriteFile(path, []byte("PK"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := openArchive(path); err == nil {
		t.Error("openArchive should reject .zip")
	}
}

func TestExtractTarRejectsEscapes(t *testing.T) {
	tests := []struct {
		name    string
		entries []tarEntry
	}{
		{"dot dot", []tarEntry{{name: "../evil", typeflag: tar.TypeReg, body: "x"}}},
		{"nested dot dot", []tarEntry{{name: "a/../../evil", typeflag: tar.TypeReg, body: "x"}}},
		{"hard link out", []tarEntry{{name: "passwd", typeflag: tar.TypeLink, link: "../../etc/passwd"}}},
		{"through symlink", []tarEntry{
			{name: "up", typeflag: tar.TypeSymlink, link: ".."},
			{name: "up/evil", typeflag: tar.TypeReg, body: "x"},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			parent := t.TempDir()
			dst := filepath.Join(parent, "out")
			err := extractTar(bytes.NewReader(buildTar(t, tt.entries)), dst)
			if err == nil {
				t.Fatal("extractTar should have failed")
			}
			if _, err := os.Stat(filepath.Join(parent, "evil")); !os.IsNotExist(err) {
				t.Error("file was written outside the destination")
			}
		})
	}
}

func TestExtractTarAbsoluteNamesStayInside(t *testing.T) {
	dst := t.TempDir()
	raw := buildTar(t, []tarEntry{{name: "/etc/hostname", typeflag: tar.TypeReg, body: "jail\n"}})
	if err := extractTar(bytes.NewReader(raw), dst); err != nil {
		t.Fatalf("extractTar: %v", err)
	}
	if data, err := os.ReadFile(filepath.Join(dst, "etc", "hostname")); err != nil || string(data) != "jail\n" {
		t.Errorf("etc/hostname = %q, %v", data, err)
	}
}
