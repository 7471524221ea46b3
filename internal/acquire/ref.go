// Package acquire installs application and runtime packages into the
// local store and resolves them to ApplicationRefs for launching.
package acquire

import (
	"fmt"
	"runtime"
	"strings"
	"time"
)

// Kind distinguishes applications from the runtimes they run on.
type Kind string

const (
	KindApp     Kind = "app"
	KindRuntime Kind = "runtime"
)

// Layout is the shape of an unpacked package.
type Layout string

const (
	// LayoutFlatpak is a metadata file plus a files/ tree. Applications are
	// mounted at /app, runtimes at /usr.
	LayoutFlatpak Layout = "flatpak"
	// LayoutRootfs is a complete root filesystem, e.g. an exported image.
	LayoutRootfs Layout = "rootfs"
)

// DefaultBranch is preferred when an application has several branches.
const DefaultBranch = "stable"

// ApplicationRef describes an installed package. It is never modified
// after installation.
type ApplicationRef struct {
	ID           string    `yaml:"id"` // kind/name/arch/branch
	Name         string    `yaml:"name"`
	Kind         Kind      `yaml:"kind"`
	Arch         string    `yaml:"arch"`
	Branch       string    `yaml:"branch"`
	Root         string    `yaml:"root"`              // unpacked files on the host
	Runtime      string    `yaml:"runtime,omitempty"` // name/arch/branch
	Layout       Layout    `yaml:"layout"`
	Command      []string  `yaml:"command,omitempty"`
	Requirements []string  `yaml:"requirements,omitempty"`
	Source       string    `yaml:"source"`
	InstalledAt  time.Time `yaml:"installed_at"`
}

// RefID builds the canonical id of a package.
func RefID(kind Kind, name, arch, branch string) string {
	return strings.Join([]string{string(kind), name, arch, branch}, "/")
}

// ParseRuntime splits a name/arch/branch runtime reference.
func ParseRuntime(ref string) (name, arch, branch string, err error) {
	parts := strings.Split(ref, "/")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return "", "", "", fmt.Errorf("runtime reference %q is not name/arch/branch", ref)
	}
	return parts[0], parts[1], parts[2], nil
}

// HostArch returns the flatpak architecture name of the running host.
func HostArch() string {
	switch runtime.GOARCH {
	case "amd64":
		return "x86_64"
	case "arm64":
		return "aarch64"
	case "386":
		return "i386"
	default:
		return runtime.GOARCH
	}
}
