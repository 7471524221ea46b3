package catalog

import (
	"jailbridge/internal/config"
	"jailbridge/internal/fault"
	"os"
	"testing"
)

// fakeHost reports only the listed paths as present.
func fakeHost(env map[string]string, present ...string) Host {
	exists := make(map[string]bool, len(present))
	for _, p := range present {
		exists[p] = true
	}
	return Host{
		Getenv: func(k string) string { return env[k] },
		Stat: func(p string) (os.FileInfo, error) {
			if exists[p] {
				return nil, nil
			}
			return nil, &os.PathError{Op: "stat", Path: p, Err: os.ErrNotExist}
		},
		UID: "1000",
	}
}

func boolPtr(b bool) *bool { return &b }

func TestResolveUnknown(t *testing.T) {
	c, err := New(Options{Host: fakeHost(nil)})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = c.Resolve("no-such-thing")
	if !fault.Is(err, fault.NotFound) {
		t.Fatalf("Resolve error = %v, want not-found", err)
	}
}

func TestResolveRequiredMissing(t *testing.T) {
	c, err := New(Options{Host: fakeHost(nil, "/dev/zero")})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = c.Resolve("dev-null")
	if !fault.Is(err, fault.ResourceUnavailable) {
		t.Fatalf("Resolve error = %v, want resource-unavailable", err)
	}
	if fault.ExitCode(err) != fault.ExitResourceUnavailable {
		t.Errorf("ExitCode = %d, want %d", fault.ExitCode(err), fault.ExitResourceUnavailable)
	}

	e, err := c.Resolve("dev-zero")
	if err != nil {
		t.Fatalf("Resolve dev-zero: %v", err)
	}
	if !e.Enabled {
		t.Error("dev-zero should be enabled")
	}
}

func TestResolveOptionalMissingIsDisabled(t *testing.T) {
	env := map[string]string{"XDG_RUNTIME_DIR": "/run/user/1000"}
	c, err := New(Options{
		Host:         fakeHost(env),
		Capabilities: []string{"pulseaudio"},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	e, err := c.Resolve("pulseaudio")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if e.Enabled {
		t.Error("pulseaudio should be disabled when its socket is absent")
	}
	if e.HostPath != "/run/user/1000/pulse/native" {
		t.Errorf("HostPath = %q", e.HostPath)
	}
}

func TestCapabilityGating(t *testing.T) {
	env := map[string]string{"DISPLAY": ":0"}
	host := fakeHost(env, "/tmp/.X11-unix")

	tests := []struct {
		name         string
		capabilities []string
		wantEnabled  bool
	}{
		{"not requested", nil, false},
		{"requested", []string{"x11"}, true},
		{"other capability", []string{"wayland"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := New(Options{Host: host, Capabilities: tt.capabilities})
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			e, err := c.Resolve("x11")
			if err != nil {
				t.Fatalf("Resolve: %v", err)
			}
			if e.Enabled != tt.wantEnabled {
				t.Errorf("Enabled = %v, want %v", e.Enabled, tt.wantEnabled)
			}
		})
	}
}

func TestHostPathsFollowEnvironment(t *testing.T) {
	env := map[string]string{}
	c, err := New(Options{Host: fakeHost(env), Capabilities: []string{"session-bus", "wayland"}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	find := func(name string) ResourceEntry {
		for _, e := range c.Entries() {
			if e.Name == name {
				return e
			}
		}
		t.Fatalf("entry %s not found", name)
		return ResourceEntry{}
	}

	if got := find("session-bus").HostPath; got != "/run/user/1000/bus" {
		t.Errorf("session-bus default = %q", got)
	}

	env["DBUS_SESSION_BUS_ADDRESS"] = "unix:path=/tmp/dbus-abc,guid=123"
	env["WAYLAND_DISPLAY"] = "wayland-1"
	env["XDG_RUNTIME_DIR"] = "/run/user/42"

	if got := find("session-bus").HostPath; got != "/tmp/dbus-abc" {
		t.Errorf("session-bus from address = %q", got)
	}
	w := find("wayland")
	if w.HostPath != "/run/user/42/wayland-1" || w.JailPath != "/run/user/1000/wayland-1" {
		t.Errorf("wayland = %q -> %q", w.HostPath, w.JailPath)
	}
	if got := find("x11").HostPath; got != "" {
		t.Errorf("x11 without DISPLAY = %q, want empty", got)
	}
}

func TestOverrides(t *testing.T) {
	c, err := New(Options{
		Host:         fakeHost(nil, "/srv/games"),
		Capabilities: []string{"games"},
		Overrides: []config.ResourceSpec{
			{Name: "pulseaudio", Required: boolPtr(true)},
			{Name: "games", HostPath: "/srv/games", JailPath: "/run/host/games", Kind: "bind-dir", Capability: "games"},
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, err = c.Resolve("pulseaudio")
	if err != nil {
		t.Fatalf("pulseaudio is not requested and should resolve disabled: %v", err)
	}

	games, err := c.Resolve("games")
	if err != nil {
		t.Fatalf("Resolve games: %v", err)
	}
	if !games.Enabled || games.Tier != TierStructural || games.Kind != KindBindDir {
		t.Errorf("games = %+v", games)
	}

	entries := c.Entries()
	if last := entries[len(entries)-1]; last.Name != "games" {
		t.Errorf("new entries should be appended, last = %s", last.Name)
	}
}

func TestNewRejectsBadOverrides(t *testing.T) {
	tests := []struct {
		name string
		spec config.ResourceSpec
	}{
		{"incomplete new entry", config.ResourceSpec{Name: "extra", HostPath: "/x"}},
		{"bad kind", config.ResourceSpec{Name: "fonts", Kind: "pipe"}},
		{"filesystem kind", config.ResourceSpec{Name: "scratch", HostPath: "tmpfs", JailPath: "/scratch", Kind: "filesystem"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(Options{Host: fakeHost(nil), Overrides: []config.ResourceSpec{tt.spec}}); err == nil {
				t.Error("New should have failed")
			}
		})
	}
}

func TestBaseEntriesComeFirst(t *testing.T) {
	base := []ResourceEntry{
		{Name: "root", HostPath: "tmpfs", JailPath: "/", Kind: KindFilesystem, FSType: "tmpfs", Required: true},
		{Name: "runtime", HostPath: "/apps/runtime/files", JailPath: "/usr", Kind: KindBindDir, Required: true, ReadOnly: true},
	}
	c, err := New(Options{Host: fakeHost(nil, "/apps/runtime/files"), Base: base})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	entries := c.Entries()
	if entries[0].Name != "root" || entries[1].Name != "runtime" {
		t.Fatalf("first entries = %s, %s", entries[0].Name, entries[1].Name)
	}
	if _, err := c.Resolve("root"); err != nil {
		t.Errorf("filesystem entries need no host path: %v", err)
	}
}

func TestResolveAllStopsAtRequired(t *testing.T) {
	c, err := New(Options{Host: fakeHost(nil)})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = c.ResolveAll()
	if !fault.Is(err, fault.ResourceUnavailable) {
		t.Fatalf("ResolveAll error = %v, want resource-unavailable", err)
	}
}
