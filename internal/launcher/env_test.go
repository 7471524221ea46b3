package launcher

import (
	"strings"
	"testing"
)

func envMap(env []string) map[string]string {
	m := make(map[string]string, len(env))
	for _, e := range env {
		k, v, _ := strings.Cut(e, "=")
		m[k] = v
	}
	return m
}

func TestScrubEnvironment(t *testing.T) {
	in := []string{
		"DISPLAY=:0",
		"LANG=de_DE.UTF-8",
		"LC_TIME=en_GB.UTF-8",
		"LD_PRELOAD=/tmp/evil.so",
		"LD_LIBRARY_PATH=/opt/lib",
		"AWS_SECRET_ACCESS_KEY=x",
		"SUDO_USER=alice",
	}
	got := envMap(ScrubEnvironment(in))

	for _, key := range []string{"DISPLAY", "LANG", "LC_TIME"} {
		if _, ok := got[key]; !ok {
			t.Errorf("%s should pass through", key)
		}
	}
	for _, key := range []string{"LD_PRELOAD", "LD_LIBRARY_PATH", "AWS_SECRET_ACCESS_KEY", "SUDO_USER"} {
		if _, ok := got[key]; ok {
			t.Errorf("%s should be dropped", key)
		}
	}
}

func TestEnvironment(t *testing.T) {
	host := []string{
		"DISPLAY=:1",
		"WAYLAND_DISPLAY=/run/user/1000/wayland-1",
		"LANG=fr_FR.UTF-8",
		"LD_PRELOAD=/tmp/evil.so",
	}
	req := Request{
		AppID:     "org.gnome.gedit",
		JailRoot:  t.TempDir(),
		Flatpak:   true,
		UID:       1000,
		Resources: []string{"x11", "wayland", "pulseaudio", "session-bus"},
		InjectEnv: map[string]string{"LD_LIBRARY_PATH": "/run/host/lib", "LIBGL_DRIVERS_PATH": "/run/host/dri"},
		Env:       map[string]string{"GTK_DEBUG": "interactive"},
	}
	got := envMap(Environment(req, host))

	want := map[string]string{
		"FLATPAK_ID":               "org.gnome.gedit",
		"container":                "flatpak",
		"HOME":                     "/home/user",
		"XDG_RUNTIME_DIR":          "/run/user/1000",
		"DISPLAY":                  ":1",
		"WAYLAND_DISPLAY":          "wayland-1",
		"LANG":                     "fr_FR.UTF-8",
		"PULSE_SERVER":             "unix:/run/user/1000/pulse/native",
		"DBUS_SESSION_BUS_ADDRESS": "unix:path=/run/user/1000/bus",
		"LIBGL_DRIVERS_PATH":       "/run/host/dri",
		"GTK_DEBUG":                "interactive",
		"LD_LIBRARY_PATH":          "/run/host/lib:" + defaultLibraryPath,
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("%s = %q, want %q", k, got[k], v)
		}
	}
	if _, ok := got["LD_PRELOAD"]; ok {
		t.Error("LD_PRELOAD leaked into the jail")
	}
}

func TestEnvironmentWithoutDisplayResource(t *testing.T) {
	got := envMap(Environment(Request{JailRoot: t.TempDir(), UID: 1000}, []string{"DISPLAY=:0"}))
	if _, ok := got["DISPLAY"]; ok {
		t.Error("DISPLAY set although x11 is not bridged")
	}
	if _, ok := got["FLATPAK_ID"]; ok {
		t.Error("FLATPAK_ID set for a rootfs layout")
	}
}
