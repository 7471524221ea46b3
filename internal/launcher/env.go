package launcher

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// hostAllowlist contains host variables passed through to the application.
var hostAllowlist = map[string]bool{
	"DISPLAY":             true,
	"LANG":                true,
	"LANGUAGE":            true,
	"LC_ALL":              true,
	"TERM":                true,
	"COLORTERM":           true,
	"TZ":                  true,
	"XDG_CURRENT_DESKTOP": true,
	"XDG_SESSION_TYPE":    true,
	"GDK_BACKEND":         true,
	"QT_QPA_PLATFORM":     true,
}

// hostBlocklist contains variables that are never passed through, even
// when they also appear on the allowlist.
var hostBlocklist = map[string]bool{
	"LD_PRELOAD":               true,
	"LD_LIBRARY_PATH":          true,
	"LD_AUDIT":                 true,
	"DBUS_SESSION_BUS_ADDRESS": true,
	"XAUTHORITY":               true,
	"SUDO_COMMAND":             true,
}

const defaultLibraryPath = "/app/lib:/app/lib64:/lib/x86_64-linux-gnu:/usr/lib/x86_64-linux-gnu:/lib64:/lib:/usr/lib64:/usr/lib"

var pixbufCacheCandidates = []string{
	"usr/lib/x86_64-linux-gnu/gdk-pixbuf-2.0/2.10.0/loaders.cache",
	"usr/lib/gdk-pixbuf-2.0/2.10.0/loaders.cache",
	"lib/x86_64-linux-gnu/gdk-pixbuf-2.0/2.10.0/loaders.cache",
	"lib/gdk-pixbuf-2.0/2.10.0/loaders.cache",
}

// ScrubEnvironment keeps the allowlisted host variables and LC_* locale
// settings, dropping anything on the blocklist.
func ScrubEnvironment(env []string) []string {
	scrubbed := make([]string, 0, len(env))
	for _, entry := range env {
		key := envKey(entry)
		if hostBlocklist[key] {
			continue
		}
		if hostAllowlist[key] || strings.HasPrefix(key, "LC_") {
			scrubbed = append(scrubbed, entry)
		}
	}
	return scrubbed
}

// Environment builds the application environment for req. Values are
// layered: jail defaults, scrubbed host variables, per-resource
// variables, the injection environment, then req.Env.
func Environment(req Request, hostEnv []string) []string {
	uid := req.UID
	if uid < 0 {
		uid = 0
	}
	runtimeDir := "/run/user/" + strconv.Itoa(uid)

	vars := map[string]string{
		"HOME":                   "/home/user",
		"USER":                   "user",
		"TERM":                   "xterm-256color",
		"LANG":                   "C.UTF-8",
		"XDG_RUNTIME_DIR":        runtimeDir,
		"PATH":                   "/app/bin:/usr/bin:/bin:/sbin:/usr/sbin",
		"XDG_DATA_DIRS":          "/app/share:/usr/share:/share",
		"XDG_CONFIG_DIRS":        "/app/etc/xdg:/etc/xdg",
		"XDG_CACHE_HOME":         "/home/user/.cache",
		"LD_LIBRARY_PATH":        defaultLibraryPath,
		"GI_TYPELIB_PATH":        "/app/lib/girepository-1.0:/usr/lib/girepository-1.0:/usr/lib/x86_64-linux-gnu/girepository-1.0:/lib/girepository-1.0",
		"GST_PLUGIN_SYSTEM_PATH": "/app/lib/gstreamer-1.0:/usr/lib/extensions/gstreamer-1.0:/usr/lib/x86_64-linux-gnu/gstreamer-1.0",
		"GDK_PIXBUF_MODULE_FILE": pixbufCache(req.JailRoot),
	}
	if req.Flatpak {
		vars["container"] = "flatpak"
		vars["FLATPAK_ID"] = req.AppID
		vars["XDG_CURRENT_DESKTOP"] = "GNOME"
	}

	for _, entry := range ScrubEnvironment(hostEnv) {
		key, value, _ := strings.Cut(entry, "=")
		vars[key] = value
	}

	host := make(map[string]string)
	for _, entry := range hostEnv {
		key, value, _ := strings.Cut(entry, "=")
		host[key] = value
	}
	resources := make(map[string]bool, len(req.Resources))
	for _, name := range req.Resources {
		resources[name] = true
	}
	if !resources["x11"] {
		delete(vars, "DISPLAY")
	}
	if resources["wayland"] && host["WAYLAND_DISPLAY"] != "" {
		vars["WAYLAND_DISPLAY"] = filepath.Base(host["WAYLAND_DISPLAY"])
	}
	if resources["pulseaudio"] {
		vars["PULSE_SERVER"] = "unix:" + runtimeDir + "/pulse/native"
	}
	if resources["session-bus"] {
		vars["DBUS_SESSION_BUS_ADDRESS"] = "unix:path=" + runtimeDir + "/bus"
	}
	if resources["system-bus"] {
		vars["DBUS_SYSTEM_BUS_ADDRESS"] = "unix:path=/run/dbus/system_bus_socket"
	}

	for key, value := range req.InjectEnv {
		if key == "LD_LIBRARY_PATH" {
			vars[key] = value + ":" + vars[key]
			continue
		}
		vars[key] = value
	}
	for key, value := range req.Env {
		vars[key] = value
	}

	env := make([]string, 0, len(vars))
	for key, value := range vars {
		env = append(env, key+"="+value)
	}
	sort.Strings(env)
	return env
}

func pixbufCache(jailRoot string) string {
	for _, cand := range pixbufCacheCandidates {
		if _, err := os.Stat(filepath.Join(jailRoot, cand)); err == nil {
			return "/" + cand
		}
	}
	return "/usr/lib/gdk-pixbuf-2.0/2.10.0/loaders.cache"
}

// envKey extracts the key from a "KEY=VALUE" environment entry.
func envKey(entry string) string {
	if idx := strings.IndexByte(entry, '='); idx >= 0 {
		return entry[:idx]
	}
	return entry
}
