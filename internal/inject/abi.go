// Package inject detects the host graphics stack and stages the matching
// userland libraries inside a jail.
package inject

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Variant is the graphics capability class of the host.
type Variant string

const (
	VariantVulkan   Variant = "vulkan"
	VariantOpenGL   Variant = "opengl"
	VariantSoftware Variant = "software"
)

// ABI describes the host graphics stack. It is computed once per launch
// and passed to Inject unchanged.
type ABI struct {
	Variant       Variant           `json:"variant"`
	Vendor        string            `json:"vendor,omitempty"`
	Driver        string            `json:"driver,omitempty"`
	LoaderVersion string            `json:"loader_version,omitempty"`
	ICDs          []string          `json:"icds,omitempty"`
	Libraries     map[string]string `json:"libraries,omitempty"` // soname -> host path
	DRIDir        string            `json:"dri_dir,omitempty"`
}

func (a ABI) String() string {
	s := string(a.Variant)
	if a.Vendor != "" {
		s += " (" + a.Vendor
		if a.Driver != "" {
			s += "/" + a.Driver
		}
		s += ")"
	}
	if a.LoaderVersion != "" {
		s += " loader " + a.LoaderVersion
	}
	return s
}

// knownLibraries are the sonames probed on the host.
var knownLibraries = []string{
	"libvulkan.so.1",
	"libGL.so.1",
	"libGLX.so.0",
	"libGLdispatch.so.0",
	"libEGL.so.1",
	"libGLESv2.so.2",
	"libGLU.so.1",
	"libGLEW.so.2.2",
}

// Detector probes the host. Zero-valued directories disable that probe.
type Detector struct {
	SearchDirs []string
	ICDDirs    []string
	DRIDirs    []string
	SysfsRoot  string // normally /sys
}

// Detect inspects the host and classifies its graphics stack.
func (d *Detector) Detect() ABI {
	abi := ABI{Libraries: make(map[string]string)}

	for _, name := range knownLibraries {
		if p := findLibrary(d.SearchDirs, name); p != "" {
			abi.Libraries[name] = p
		}
	}
	abi.ICDs = findICDs(d.ICDDirs)
	for _, dir := range d.DRIDirs {
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			abi.DRIDir = dir
			break
		}
	}
	if d.SysfsRoot != "" {
		abi.Vendor, abi.Driver = probeGPU(d.SysfsRoot)
	}

	switch {
	case abi.Libraries["libvulkan.so.1"] != "" && len(abi.ICDs) > 0:
		abi.Variant = VariantVulkan
		abi.LoaderVersion = loaderVersion(abi.Libraries["libvulkan.so.1"])
	case abi.Libraries["libGL.so.1"] != "" || abi.Libraries["libEGL.so.1"] != "":
		abi.Variant = VariantOpenGL
	default:
		abi.Variant = VariantSoftware
	}
	return abi
}

func findLibrary(dirs []string, name string) string {
	for _, dir := range dirs {
		p := filepath.Join(dir, name)
		if info, err := os.Stat(p); err == nil && info.Mode().IsRegular() {
			return p
		}
	}
	return ""
}

func findICDs(dirs []string) []string {
	var icds []string
	for _, dir := range dirs {
		matches, _ := filepath.Glob(filepath.Join(dir, "*.json"))
		sort.Strings(matches)
		icds = append(icds, matches...)
	}
	return icds
}

// loaderVersion reads the version from the loader's real file name,
// e.g. libvulkan.so.1 -> libvulkan.so.1.3.275 gives "1.3.275".
func loaderVersion(path string) string {
	real, err := filepath.EvalSymlinks(path)
	if err != nil {
		return ""
	}
	base := filepath.Base(real)
	const prefix = "libvulkan.so."
	if !strings.HasPrefix(base, prefix) {
		return ""
	}
	return strings.TrimPrefix(base, prefix)
}

// probeGPU returns the vendor and kernel driver of the first DRM card.
func probeGPU(sysfsRoot string) (vendor, driver string) {
	entries, err := os.ReadDir(filepath.Join(sysfsRoot, "class", "drm"))
	if err != nil {
		return "", ""
	}
	for _, entry := range entries {
		if !isCardDevice(entry.Name()) {
			continue
		}
		device := filepath.Join(sysfsRoot, "class", "drm", entry.Name(), "device")
		vendor = pciVendor(device)
		if link, err := os.Readlink(filepath.Join(device, "driver")); err == nil {
			driver = filepath.Base(link)
		}
		if vendor != "" || driver != "" {
			return vendor, driver
		}
	}
	return "", ""
}

// isCardDevice matches card0, card1, ... but not connectors or render nodes.
func isCardDevice(name string) bool {
	suffix, ok := strings.CutPrefix(name, "card")
	if !ok || suffix == "" {
		return false
	}
	for _, c := range suffix {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// pciVendor reads PCI_ID=1002:744A from the device uevent.
func pciVendor(devicePath string) string {
	data, err := os.ReadFile(filepath.Join(devicePath, "uevent"))
	if err != nil {
		return ""
	}
	for _, line := range strings.Split(string(data), "\n") {
		value, ok := strings.CutPrefix(line, "PCI_ID=")
		if !ok {
			continue
		}
		id, _, _ := strings.Cut(value, ":")
		switch strings.ToLower(id) {
		case "1002":
			return "AMD"
		case "10de":
			return "NVIDIA"
		case "8086":
			return "Intel"
		case "":
			return ""
		default:
			return fmt.Sprintf("0x%s", strings.ToLower(id))
		}
	}
	return ""
}
