package inject

import (
	"encoding/hex"
	"fmt"
	"io"
	"jailbridge/internal/fault"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/zeebo/blake3"
	"go.uber.org/zap"
)

// Jail-side locations of injected files.
const (
	LibDir = "/run/host/lib"
	ICDDir = "/run/host/vulkan/icd.d"
	DRIDir = "/run/host/dri"
)

// Mode is how a manifest entry was staged.
type Mode string

const (
	ModeCopy Mode = "copy"
	ModeBind Mode = "bind"
)

// Entry is one staged library, manifest or driver directory.
type Entry struct {
	LibraryName string  `json:"library"`
	HostSource  string  `json:"host_source"`
	JailTarget  string  `json:"jail_target"`
	Target      string  `json:"target"` // host-side path of JailTarget
	Variant     Variant `json:"variant"`
	Mode        Mode    `json:"mode"`
	Digest      string  `json:"digest,omitempty"` // blake3 of copies
}

// Manifest is the result of one injection.
type Manifest struct {
	Variant Variant           `json:"variant"`
	Entries []Entry           `json:"entries"`
	Env     map[string]string `json:"env"`
}

// Copies returns the entries staged by copying.
func (m *Manifest) Copies() []Entry {
	var out []Entry
	for _, e := range m.Entries {
		if e.Mode == ModeCopy {
			out = append(out, e)
		}
	}
	return out
}

// BindFunc mounts hostPath read-only at jailPath through the caller's
// mount path, so the bind is unwound with the rest of the jail.
type BindFunc func(name, hostPath, jailPath string) error

type librarySet struct {
	core     []string
	optional []string
}

var librarySets = map[Variant]librarySet{
	VariantVulkan: {
		core:     []string{"libvulkan.so.1"},
		optional: []string{"libGL.so.1", "libGLX.so.0", "libGLdispatch.so.0", "libEGL.so.1", "libGLESv2.so.2", "libGLU.so.1", "libGLEW.so.2.2"},
	},
	VariantOpenGL: {
		core:     []string{"libGL.so.1", "libEGL.so.1"},
		optional: []string{"libGLX.so.0", "libGLdispatch.so.0", "libGLESv2.so.2", "libGLU.so.1", "libGLEW.so.2.2"},
	},
	VariantSoftware: {
		optional: []string{"libGL.so.1"},
	},
}

// jailLibDirs are checked for libraries the jail already provides.
var jailLibDirs = []string{
	"app/lib",
	"usr/lib",
	"usr/lib64",
	"usr/lib/x86_64-linux-gnu",
	"lib",
	"lib64",
}

// Config holds configuration for an Injector.
type Config struct {
	SearchDirs []string // host directories searched for ICD driver libraries
	Logger     *zap.Logger
}

// Injector stages libraries into jails.
type Injector struct {
	searchDirs []string
	logger     *zap.Logger
}

func New(cfg Config) *Injector {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Injector{
		searchDirs: cfg.SearchDirs,
		logger:     cfg.Logger.Named("inject"),
	}
}

// Inject stages the library set for abi into jailRoot. On error every
// copy made so far is removed; binds already performed are left for the
// caller's rollback.
func (in *Injector) Inject(jailRoot string, abi ABI, bind BindFunc) (m *Manifest, err error) {
	set, ok := librarySets[abi.Variant]
	if !ok {
		return nil, fault.New(fault.InjectionFailure, "", "unknown graphics variant %q", abi.Variant)
	}

	m = &Manifest{Variant: abi.Variant, Env: make(map[string]string)}
	defer func() {
		if err != nil {
			for _, e := range m.Copies() {
				os.Remove(e.Target)
			}
			m = nil
		}
	}()

	libDir := filepath.Join(jailRoot, LibDir)
	if err := os.MkdirAll(libDir, 0755); err != nil {
		return m, fault.Wrap(err, fault.InjectionFailure, "", "create %s", LibDir)
	}

	for _, name := range append(append([]string(nil), set.core...), set.optional...) {
		if providedByJail(jailRoot, name) {
			in.logger.Debug("library provided by jail", zap.String("library", name))
			continue
		}
		src := abi.Libraries[name]
		if src == "" {
			if contains(set.core, name) {
				return m, fault.New(fault.InjectionFailure, name, "no host copy of core %s library", abi.Variant)
			}
			continue
		}
		entry, err := in.copyLibrary(jailRoot, path.Join(LibDir, name), src, abi.Variant)
		if err != nil {
			return m, err
		}
		m.Entries = append(m.Entries, entry)
	}

	if abi.Variant == VariantVulkan {
		var icds []string
		for _, icd := range abi.ICDs {
			entries, err := in.stageICD(jailRoot, icd, abi.Variant)
			m.Entries = append(m.Entries, entries...)
			if err != nil {
				return m, err
			}
			icds = append(icds, entries[len(entries)-1].JailTarget)
		}
		if len(icds) > 0 {
			m.Env["VK_ICD_FILENAMES"] = strings.Join(icds, ":")
		}
	}

	switch abi.Variant {
	case VariantVulkan, VariantOpenGL:
		if abi.DRIDir != "" && bind != nil {
			if err := bind("dri-drivers", abi.DRIDir, DRIDir); err != nil {
				return m, fault.Wrap(err, fault.InjectionFailure, "dri-drivers", "bind %s", abi.DRIDir)
			}
			m.Entries = append(m.Entries, Entry{
				LibraryName: filepath.Base(abi.DRIDir),
				HostSource:  abi.DRIDir,
				JailTarget:  DRIDir,
				Target:      filepath.Join(jailRoot, DRIDir),
				Variant:     abi.Variant,
				Mode:        ModeBind,
			})
			m.Env["LIBGL_DRIVERS_PATH"] = DRIDir
		}
	case VariantSoftware:
		m.Env["LIBGL_ALWAYS_SOFTWARE"] = "1"
	}

	if len(m.Copies()) > 0 {
		m.Env["LD_LIBRARY_PATH"] = LibDir
	}
	return m, nil
}

func (in *Injector) copyLibrary(jailRoot, jailPath, src string, variant Variant) (Entry, error) {
	name := path.Base(jailPath)
	target := filepath.Join(jailRoot, jailPath)
	digest, err := copyFile(src, target)
	if err != nil {
		return Entry{}, fault.Wrap(err, fault.InjectionFailure, name, "copy %s", src)
	}
	in.logger.Debug("injected library",
		zap.String("library", name),
		zap.String("source", src),
		zap.String("digest", digest))
	return Entry{
		LibraryName: name,
		HostSource:  src,
		JailTarget:  jailPath,
		Target:      target,
		Variant:     variant,
		Mode:        ModeCopy,
		Digest:      digest,
	}, nil
}

// RemoveCopy deletes a copied file if its content still matches digest.
// It reports whether the file was removed. A missing file is not an error.
func RemoveCopy(target, digest string) (bool, error) {
	got, err := fileDigest(target)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if digest != "" && got != digest {
		return false, fmt.Errorf("%s changed since injection, leaving it in place", target)
	}
	if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
		return false, err
	}
	return true, nil
}

func providedByJail(jailRoot, name string) bool {
	for _, dir := range jailLibDirs {
		if _, err := os.Stat(filepath.Join(jailRoot, dir, name)); err == nil {
			return true
		}
	}
	return false
}

// copyFile copies the content behind src (following symlinks) to dst and
// returns its blake3 digest.
func copyFile(src, dst string) (string, error) {
	in, err := os.Open(src)
	if err != nil {
		return "", err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return "", err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return "", err
	}

	h := blake3.New()
	if _, err := io.Copy(io.MultiWriter(out, h), in); err != nil {
		out.Close()
		os.Remove(dst)
		return "", err
	}
	if err := out.Close(); err != nil {
		os.Remove(dst)
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func fileDigest(p string) (string, error) {
	f, err := os.Open(p)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
