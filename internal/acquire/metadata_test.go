package acquire

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

const gameMetadata = `[Application]
name=org.example.Game
runtime=org.example.Platform/x86_64/23.08
command=game-launcher --fullscreen "save dir"

[Context]
shared=network;ipc;
sockets=x11;wayland;pulseaudio;!session-bus;
devices=dri;
`

func TestParseMetadata(t *testing.T) {
	md, err := ParseMetadata([]byte(gameMetadata))
	if err != nil {
		t.Fatalf("ParseMetadata: %v", err)
	}

	want := &Metadata{
		Kind:    KindApp,
		Name:    "org.example.Game",
		Runtime: "org.example.Platform/x86_64/23.08",
		Command: []string{"game-launcher", "--fullscreen", "save dir"},
		Sockets: []string{"x11", "wayland", "pulseaudio"},
		Devices: []string{"dri"},
		Shared:  []string{"network", "ipc"},
	}
	if diff := cmp.Diff(want, md); diff != "" {
		t.Errorf("metadata mismatch (-want +got):\n%s", diff)
	}
}

func TestMetadataRequirements(t *testing.T) {
	tests := []struct {
		name string
		md   Metadata
		want []string
	}{
		{"empty", Metadata{}, nil},
		{
			"display and audio",
			Metadata{Sockets: []string{"fallback-x11", "x11", "pulseaudio"}},
			[]string{"x11", "pulseaudio", "pipewire"},
		},
		{
			"all devices and buses",
			Metadata{Sockets: []string{"session-bus", "system-bus"}, Devices: []string{"all"}, Shared: []string{"network"}},
			[]string{"session-bus", "a11y", "system-bus", "dri", "sound", "network"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if diff := cmp.Diff(tt.want, tt.md.Requirements()); diff != "" {
				t.Errorf("Requirements mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestParseMetadataErrors(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"no section", "[Context]\nsockets=x11;\n"},
		{"no name", "[Application]\nruntime=a/b/c\n"},
		{"runtime without name", "[Runtime]\nruntime=a/b/c\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseMetadata([]byte(tt.data)); err == nil {
				t.Error("ParseMetadata should have failed")
			}
		})
	}
}

func TestParseImageRef(t *testing.T) {
	tests := []struct {
		source                string
		ref, name, branch string
	}{
		{"docker://alpine", "alpine", "alpine", "latest"},
		{"docker://ghcr.io/org/tool:1.2", "ghcr.io/org/tool:1.2", "tool", "1.2"},
		{"docker://localhost:5000/app", "localhost:5000/app", "app", "latest"},
		{"docker://busybox@sha256:0123456789abcdef0123", "busybox@sha256:0123456789abcdef0123", "busybox", "digest-0123456789ab"},
	}
	for _, tt := range tests {
		t.Run(tt.source, func(t *testing.T) {
			ref, name, branch := parseImageRef(tt.source)
			if ref != tt.ref || name != tt.name || branch != tt.branch {
				t.Errorf("parseImageRef = (%q, %q, %q), want (%q, %q, %q)", ref, name, branch, tt.ref, tt.name, tt.branch)
			}
		})
	}
}
