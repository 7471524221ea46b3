package catalog

import (
	"fmt"
	"jailbridge/internal/config"
	"jailbridge/internal/fault"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Host describes the invoking user's environment. Host paths are resolved
// against it every time an entry is read.
type Host struct {
	Getenv func(string) string
	Stat   func(string) (os.FileInfo, error)
	UID    string
}

// DefaultHost returns a Host backed by the process environment. When run
// through sudo, the invoking user's uid is used rather than root's.
func DefaultHost() Host {
	uid := os.Getenv("SUDO_UID")
	if uid == "" {
		uid = strconv.Itoa(os.Getuid())
	}
	return Host{Getenv: os.Getenv, Stat: os.Stat, UID: uid}
}

func (h Host) runtimeDir() string {
	if dir := h.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return dir
	}
	return "/run/user/" + h.UID
}

func (h Host) jailRuntimeDir() string {
	return "/run/user/" + h.UID
}

// declaration is a statically known category whose paths depend on the host.
type declaration struct {
	entry    ResourceEntry
	hostPath func(Host) string
	jailPath func(Host) string
}

func fixed(p string) func(Host) string {
	return func(Host) string { return p }
}

// builtins are the categories every host is probed for, in declaration order.
var builtins = []declaration{
	{entry: ResourceEntry{Name: "dev-null", Kind: KindDevice, Required: true}, hostPath: fixed("/dev/null"), jailPath: fixed("/dev/null")},
	{entry: ResourceEntry{Name: "dev-zero", Kind: KindDevice, Required: true}, hostPath: fixed("/dev/zero"), jailPath: fixed("/dev/zero")},
	{entry: ResourceEntry{Name: "dev-full", Kind: KindDevice}, hostPath: fixed("/dev/full"), jailPath: fixed("/dev/full")},
	{entry: ResourceEntry{Name: "dev-random", Kind: KindDevice, Required: true}, hostPath: fixed("/dev/random"), jailPath: fixed("/dev/random")},
	{entry: ResourceEntry{Name: "dev-urandom", Kind: KindDevice, Required: true}, hostPath: fixed("/dev/urandom"), jailPath: fixed("/dev/urandom")},
	{entry: ResourceEntry{Name: "dev-tty", Kind: KindDevice}, hostPath: fixed("/dev/tty"), jailPath: fixed("/dev/tty")},
	{
		entry: ResourceEntry{Name: "x11", Kind: KindSocket, Capability: "x11"},
		hostPath: func(h Host) string {
			if h.Getenv("DISPLAY") == "" {
				return ""
			}
			return "/tmp/.X11-unix"
		},
		jailPath: fixed("/tmp/.X11-unix"),
	},
	{
		entry: ResourceEntry{Name: "wayland", Kind: KindSocket, Capability: "wayland"},
		hostPath: func(h Host) string {
			display := h.Getenv("WAYLAND_DISPLAY")
			if display == "" {
				return ""
			}
			if filepath.IsAbs(display) {
				return display
			}
			return filepath.Join(h.runtimeDir(), display)
		},
		jailPath: func(h Host) string {
			display := h.Getenv("WAYLAND_DISPLAY")
			if display == "" {
				display = "wayland-0"
			}
			return filepath.Join(h.jailRuntimeDir(), filepath.Base(display))
		},
	},
	{
		entry:    ResourceEntry{Name: "pulseaudio", Kind: KindSocket, Capability: "pulseaudio"},
		hostPath: func(h Host) string { return filepath.Join(h.runtimeDir(), "pulse", "native") },
		jailPath: func(h Host) string { return filepath.Join(h.jailRuntimeDir(), "pulse", "native") },
	},
	{
		entry:    ResourceEntry{Name: "pipewire", Kind: KindSocket, Capability: "pipewire"},
		hostPath: func(h Host) string { return filepath.Join(h.runtimeDir(), "pipewire-0") },
		jailPath: func(h Host) string { return filepath.Join(h.jailRuntimeDir(), "pipewire-0") },
	},
	{
		entry:    ResourceEntry{Name: "session-bus", Kind: KindSocket, Capability: "session-bus"},
		hostPath: sessionBusPath,
		jailPath: func(h Host) string { return filepath.Join(h.jailRuntimeDir(), "bus") },
	},
	{entry: ResourceEntry{Name: "system-bus", Kind: KindSocket, Capability: "system-bus"}, hostPath: fixed("/run/dbus"), jailPath: fixed("/run/dbus")},
	{
		entry:    ResourceEntry{Name: "a11y", Kind: KindSocket, Capability: "a11y"},
		hostPath: func(h Host) string { return filepath.Join(h.runtimeDir(), "at-spi") },
		jailPath: func(h Host) string { return filepath.Join(h.jailRuntimeDir(), "at-spi") },
	},
	{entry: ResourceEntry{Name: "dri", Kind: KindDevice, Capability: "dri"}, hostPath: fixed("/dev/dri"), jailPath: fixed("/dev/dri")},
	{entry: ResourceEntry{Name: "sound", Kind: KindDevice, Capability: "sound"}, hostPath: fixed("/dev/snd"), jailPath: fixed("/dev/snd")},
	{entry: ResourceEntry{Name: "fonts", Kind: KindBindDir, ReadOnly: true, Capability: "fonts", Tier: TierFile}, hostPath: fixed("/usr/share/fonts"), jailPath: fixed("/run/host/fonts")},
	{entry: ResourceEntry{Name: "local-fonts", Kind: KindBindDir, ReadOnly: true, Capability: "fonts", Tier: TierFile}, hostPath: fixed("/usr/local/share/fonts"), jailPath: fixed("/run/host/local-fonts")},
	{entry: ResourceEntry{Name: "os-release", Kind: KindBindFile, ReadOnly: true}, hostPath: fixed("/etc/os-release"), jailPath: fixed("/run/host/os-release")},
	{entry: ResourceEntry{Name: "machine-id", Kind: KindBindFile, ReadOnly: true}, hostPath: fixed("/etc/machine-id"), jailPath: fixed("/etc/machine-id")},
	{entry: ResourceEntry{Name: "localtime", Kind: KindBindFile, ReadOnly: true}, hostPath: fixed("/etc/localtime"), jailPath: fixed("/etc/localtime")},
	{entry: ResourceEntry{Name: "resolv-conf", Kind: KindBindFile, ReadOnly: true, Capability: "network"}, hostPath: fixed("/etc/resolv.conf"), jailPath: fixed("/etc/resolv.conf")},
	{entry: ResourceEntry{Name: "hosts", Kind: KindBindFile, ReadOnly: true, Capability: "network"}, hostPath: fixed("/etc/hosts"), jailPath: fixed("/etc/hosts")},
}

func sessionBusPath(h Host) string {
	// DBUS_SESSION_BUS_ADDRESS=unix:path=/run/user/1000/bus[,guid=...]
	if addr := h.Getenv("DBUS_SESSION_BUS_ADDRESS"); strings.HasPrefix(addr, "unix:path=") {
		p := strings.TrimPrefix(addr, "unix:path=")
		if i := strings.IndexByte(p, ','); i >= 0 {
			p = p[:i]
		}
		return p
	}
	return filepath.Join(h.runtimeDir(), "bus")
}

// Options configures a Catalog.
type Options struct {
	Host Host

	// Base entries are declared ahead of the built-ins. The lifecycle
	// manager uses them for the per-instance structural mounts.
	Base []ResourceEntry

	// Capabilities enable optional entries (config defaults plus the
	// application's runtime requirements).
	Capabilities []string

	// Overrides add entries or change built-ins with the same name.
	Overrides []config.ResourceSpec

	// Minimal leaves out the built-in categories.
	Minimal bool
}

// Catalog is the ordered set of bridgeable resources for one launch.
type Catalog struct {
	host         Host
	decls        []declaration
	capabilities map[string]bool
}

// New builds a catalog from the built-in categories, base entries and
// configured overrides.
func New(opts Options) (*Catalog, error) {
	host := opts.Host
	if host.Getenv == nil {
		host.Getenv = os.Getenv
	}
	if host.Stat == nil {
		host.Stat = os.Stat
	}
	if host.UID == "" {
		host.UID = strconv.Itoa(os.Getuid())
	}

	c := &Catalog{
		host:         host,
		capabilities: make(map[string]bool),
	}
	for _, capability := range opts.Capabilities {
		c.capabilities[capability] = true
	}

	for _, e := range opts.Base {
		base := e
		c.decls = append(c.decls, declaration{
			entry:    base,
			hostPath: fixed(base.HostPath),
			jailPath: fixed(base.JailPath),
		})
	}
	if !opts.Minimal {
		c.decls = append(c.decls, builtins...)
	}

	for _, spec := range opts.Overrides {
		if err := c.applyOverride(spec); err != nil {
			return nil, err
		}
	}

	seen := make(map[string]bool, len(c.decls))
	for _, d := range c.decls {
		if seen[d.entry.Name] {
			return nil, fmt.Errorf("duplicate resource name %q", d.entry.Name)
		}
		seen[d.entry.Name] = true
	}
	return c, nil
}

func (c *Catalog) applyOverride(spec config.ResourceSpec) error {
	idx := -1
	for i, d := range c.decls {
		if d.entry.Name == spec.Name {
			idx = i
			break
		}
	}

	var d declaration
	if idx >= 0 {
		d = c.decls[idx]
	} else {
		if spec.HostPath == "" || spec.JailPath == "" || spec.Kind == "" {
			return fmt.Errorf("resource %s: new entries need host_path, jail_path and kind", spec.Name)
		}
		d = declaration{entry: ResourceEntry{Name: spec.Name}}
	}

	if spec.Kind != "" {
		kind, err := ParseKind(spec.Kind)
		if err != nil {
			return fmt.Errorf("resource %s: %w", spec.Name, err)
		}
		if kind == KindFilesystem {
			return fmt.Errorf("resource %s: filesystem entries cannot be configured", spec.Name)
		}
		d.entry.Kind = kind
		d.entry.Tier = 0
	}
	if spec.HostPath != "" {
		d.hostPath = fixed(spec.HostPath)
	}
	if spec.JailPath != "" {
		d.jailPath = fixed(spec.JailPath)
	}
	if spec.Required != nil {
		d.entry.Required = *spec.Required
	}
	if spec.ReadOnly != nil {
		d.entry.ReadOnly = *spec.ReadOnly
	}
	if spec.Capability != "" {
		d.entry.Capability = spec.Capability
	}

	if idx >= 0 {
		c.decls[idx] = d
	} else {
		c.decls = append(c.decls, d)
	}
	return nil
}

// Entries returns every entry in declaration order with host paths
// resolved against the current environment. Entries whose capability
// was not requested come back disabled.
func (c *Catalog) Entries() []ResourceEntry {
	entries := make([]ResourceEntry, 0, len(c.decls))
	for _, d := range c.decls {
		entries = append(entries, c.materialize(d))
	}
	return entries
}

// Resolve returns the named entry after checking its host path. A missing
// host path fails with ResourceUnavailable for required entries and
// yields a disabled entry for optional ones.
func (c *Catalog) Resolve(name string) (ResourceEntry, error) {
	for _, d := range c.decls {
		if d.entry.Name != name {
			continue
		}
		e := c.materialize(d)
		if !e.Enabled || !e.NeedsHostPath() {
			return e, nil
		}
		if e.HostPath == "" {
			return c.unavailable(e, fmt.Errorf("host path not set in this environment"))
		}
		if _, err := c.host.Stat(e.HostPath); err != nil {
			return c.unavailable(e, err)
		}
		return e, nil
	}
	return ResourceEntry{}, fault.New(fault.NotFound, name, "no such resource in catalog")
}

// ResolveAll resolves every entry in declaration order, stopping at the
// first required entry that is unavailable.
func (c *Catalog) ResolveAll() ([]ResourceEntry, error) {
	resolved := make([]ResourceEntry, 0, len(c.decls))
	for _, d := range c.decls {
		e, err := c.Resolve(d.entry.Name)
		if err != nil {
			return nil, err
		}
		resolved = append(resolved, e)
	}
	return resolved, nil
}

func (c *Catalog) unavailable(e ResourceEntry, cause error) (ResourceEntry, error) {
	if e.Required {
		return ResourceEntry{}, fault.Wrap(cause, fault.ResourceUnavailable, e.Name, "required host path %q", e.HostPath)
	}
	e.Enabled = false
	return e, nil
}

func (c *Catalog) materialize(d declaration) ResourceEntry {
	e := d.entry
	e.HostPath = d.hostPath(c.host)
	e.JailPath = d.jailPath(c.host)
	if e.Tier == TierStructural {
		e.Tier = DefaultTier(e.Kind)
	}
	e.Enabled = e.Capability == "" || c.capabilities[e.Capability]
	return e
}
