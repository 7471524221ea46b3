package inject

import (
	"encoding/json"
	"fmt"
	"jailbridge/internal/fault"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// stageICD copies a Vulkan ICD manifest and the driver it names into the
// jail, rewriting library_path to the jail location. The manifest entry is
// always last in the returned slice.
func (in *Injector) stageICD(jailRoot, manifestPath string, variant Variant) ([]Entry, error) {
	name := filepath.Base(manifestPath)

	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, fault.Wrap(err, fault.InjectionFailure, name, "read ICD manifest")
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fault.Wrap(err, fault.InjectionFailure, name, "parse ICD manifest")
	}
	icd, ok := doc["ICD"].(map[string]any)
	if !ok {
		return nil, fault.New(fault.InjectionFailure, name, "manifest has no ICD section")
	}
	libPath, _ := icd["library_path"].(string)
	if libPath == "" {
		return nil, fault.New(fault.InjectionFailure, name, "manifest has no library_path")
	}

	src, err := in.resolveDriver(manifestPath, libPath)
	if err != nil {
		return nil, fault.Wrap(err, fault.InjectionFailure, name, "locate driver %s", libPath)
	}

	// Manifests for other architectures name the same soname, so each
	// driver gets a directory of its own.
	stem := strings.TrimSuffix(name, filepath.Ext(name))
	var entries []Entry
	driver, err := in.copyLibrary(jailRoot, path.Join(LibDir, stem, filepath.Base(src)), src, variant)
	if err != nil {
		return nil, err
	}
	entries = append(entries, driver)

	icd["library_path"] = driver.JailTarget
	out, err := json.MarshalIndent(doc, "", "    ")
	if err != nil {
		return entries, fault.Wrap(err, fault.InjectionFailure, name, "encode ICD manifest")
	}

	jailPath := path.Join(ICDDir, name)
	target := filepath.Join(jailRoot, jailPath)
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return entries, fault.Wrap(err, fault.InjectionFailure, name, "create %s", ICDDir)
	}
	if err := os.WriteFile(target, out, 0644); err != nil {
		return entries, fault.Wrap(err, fault.InjectionFailure, name, "write ICD manifest")
	}
	digest, err := fileDigest(target)
	if err != nil {
		return entries, fault.Wrap(err, fault.InjectionFailure, name, "digest ICD manifest")
	}

	return append(entries, Entry{
		LibraryName: name,
		HostSource:  manifestPath,
		JailTarget:  jailPath,
		Target:      target,
		Variant:     variant,
		Mode:        ModeCopy,
		Digest:      digest,
	}), nil
}

// resolveDriver finds the host file for an ICD library_path, which may be
// absolute, relative to the manifest, or a bare soname.
func (in *Injector) resolveDriver(manifestPath, libPath string) (string, error) {
	switch {
	case filepath.IsAbs(libPath):
		if _, err := os.Stat(libPath); err != nil {
			return "", err
		}
		return libPath, nil
	case filepath.Base(libPath) != libPath:
		p := filepath.Join(filepath.Dir(manifestPath), libPath)
		if _, err := os.Stat(p); err != nil {
			return "", err
		}
		return p, nil
	}
	if p := findLibrary(in.searchDirs, libPath); p != "" {
		return p, nil
	}
	return "", fmt.Errorf("%s not found in library search path", libPath)
}
