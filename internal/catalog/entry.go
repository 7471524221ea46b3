// Package catalog enumerates the host resources that can be bridged into
// a jail (display and audio sockets, GPU device nodes, fonts, host config
// files) together with their mount policy.
package catalog

import (
	"fmt"
	"path"
)

// Kind is the mount style of a resource.
type Kind string

const (
	KindBindDir    Kind = "bind-dir"
	KindBindFile   Kind = "bind-file"
	KindDevice     Kind = "device-node"
	KindSocket     Kind = "socket"
	KindFilesystem Kind = "filesystem" // pseudo or scratch filesystem (tmpfs, proc)
)

// ParseKind validates a kind name from configuration.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case KindBindDir, KindBindFile, KindDevice, KindSocket, KindFilesystem:
		return k, nil
	}
	return "", fmt.Errorf("unknown resource kind %q", s)
}

// Tier orders mounts. Lower tiers are mounted first so that nested mount
// points always find their parent in place.
type Tier int

const (
	TierStructural Tier = iota // jail root, runtime trees, /dev, /proc
	TierDevice                 // device nodes and sockets
	TierFile                   // fonts, host config files
)

func (t Tier) String() string {
	switch t {
	case TierStructural:
		return "structural"
	case TierDevice:
		return "device"
	case TierFile:
		return "file"
	}
	return fmt.Sprintf("tier(%d)", int(t))
}

// DefaultTier returns the tier a kind falls into unless an entry says otherwise.
func DefaultTier(k Kind) Tier {
	switch k {
	case KindFilesystem, KindBindDir:
		return TierStructural
	case KindDevice, KindSocket:
		return TierDevice
	default:
		return TierFile
	}
}

// ResourceEntry describes one bridgeable host resource.
type ResourceEntry struct {
	Name     string `json:"name"`
	HostPath string `json:"host_path"` // source; the fs type name for KindFilesystem
	JailPath string `json:"jail_path"` // absolute path inside the jail
	Kind     Kind   `json:"kind"`
	FSType   string `json:"fs_type,omitempty"`
	Options  string `json:"options,omitempty"` // mount data for KindFilesystem

	Required   bool   `json:"required"`
	ReadOnly   bool   `json:"read_only"`
	Capability string `json:"capability,omitempty"` // empty means always wanted
	Tier       Tier   `json:"tier"`

	// Enabled is false when the entry is optional and either was not
	// requested or its host path is absent.
	Enabled bool `json:"enabled"`
}

// Validate checks that the entry is well formed.
func (e ResourceEntry) Validate() error {
	if e.Name == "" {
		return fmt.Errorf("resource name is required")
	}
	if e.JailPath == "" || !path.IsAbs(e.JailPath) {
		return fmt.Errorf("resource %s: jail path %q must be absolute", e.Name, e.JailPath)
	}
	if e.Kind == KindFilesystem && e.FSType == "" {
		return fmt.Errorf("resource %s: filesystem kind requires an fs type", e.Name)
	}
	if _, err := ParseKind(string(e.Kind)); err != nil {
		return fmt.Errorf("resource %s: %w", e.Name, err)
	}
	return nil
}

// NeedsHostPath reports whether the entry is backed by a host path that must exist.
func (e ResourceEntry) NeedsHostPath() bool {
	return e.Kind != KindFilesystem
}
