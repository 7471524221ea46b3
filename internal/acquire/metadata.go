package acquire

import (
	"fmt"
	"strings"

	"github.com/go-ini/ini"
	"github.com/google/shlex"
)

// Metadata is the subset of a flatpak metadata file the store uses.
type Metadata struct {
	Kind    Kind
	Name    string
	Runtime string
	Command []string
	Sockets []string
	Devices []string
	Shared  []string
}

// ParseMetadata reads a flatpak metadata file. Lists in the [Context]
// section are ';' separated, so inline comments are not recognised.
func ParseMetadata(source interface{}) (*Metadata, error) {
	f, err := ini.LoadSources(ini.LoadOptions{IgnoreInlineComment: true}, source)
	if err != nil {
		return nil, fmt.Errorf("parse metadata: %w", err)
	}

	md := &Metadata{}
	var sec *ini.Section
	switch {
	case f.HasSection("Application"):
		md.Kind = KindApp
		sec = f.Section("Application")
	case f.HasSection("Runtime"):
		md.Kind = KindRuntime
		sec = f.Section("Runtime")
	default:
		return nil, fmt.Errorf("metadata has neither [Application] nor [Runtime]")
	}

	md.Name = sec.Key("name").String()
	if md.Name == "" {
		return nil, fmt.Errorf("metadata has no name")
	}
	md.Runtime = sec.Key("runtime").String()
	if cmd := sec.Key("command").String(); cmd != "" {
		md.Command, err = shlex.Split(cmd)
		if err != nil {
			return nil, fmt.Errorf("parse command %q: %w", cmd, err)
		}
	}

	if f.HasSection("Context") {
		ctx := f.Section("Context")
		md.Sockets = splitList(ctx.Key("sockets").String())
		md.Devices = splitList(ctx.Key("devices").String())
		md.Shared = splitList(ctx.Key("shared").String())
	}
	return md, nil
}

// Requirements maps the sandbox context onto resource capabilities.
func (md *Metadata) Requirements() []string {
	var caps []string
	add := func(c ...string) {
		for _, v := range c {
			if !contains(caps, v) {
				caps = append(caps, v)
			}
		}
	}

	for _, s := range md.Sockets {
		switch s {
		case "x11", "fallback-x11":
			add("x11")
		case "wayland":
			add("wayland")
		case "pulseaudio":
			add("pulseaudio", "pipewire")
		case "session-bus":
			add("session-bus", "a11y")
		case "system-bus":
			add("system-bus")
		}
	}
	for _, d := range md.Devices {
		switch d {
		case "dri":
			add("dri")
		case "all":
			add("dri", "sound")
		}
	}
	for _, s := range md.Shared {
		if s == "network" {
			add("network")
		}
	}
	return caps
}

// splitList splits "a;b;!c;" dropping empty and negated items.
func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ";") {
		item = strings.TrimSpace(item)
		if item == "" || strings.HasPrefix(item, "!") {
			continue
		}
		out = append(out, item)
	}
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
