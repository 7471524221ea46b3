package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.StateDir != Default().StateDir {
		t.Errorf("StateDir = %q, want default", cfg.StateDir)
	}
	if cfg.Inject != InjectAuto {
		t.Errorf("Inject = %q, want auto", cfg.Inject)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
state_dir: /tmp/jb-state
jail_base: /tmp/jb-jails
debug: true
mount_retries: 5
mount_retry_delay: 50ms
capabilities: [x11, pulseaudio]
inject: always
resources:
  - name: x11
    required: true
  - name: games
    host_path: /srv/games
    jail_path: /run/host/games
    kind: bind-dir
    capability: games
log:
  level: debug
  format: json
`
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.StateDir != "/tmp/jb-state" || cfg.JailBase != "/tmp/jb-jails" {
		t.Errorf("paths = %q %q", cfg.StateDir, cfg.JailBase)
	}
	if !cfg.Debug {
		t.Error("Debug = false, want true")
	}
	if cfg.MountRetries != 5 {
		t.Errorf("MountRetries = %d, want 5", cfg.MountRetries)
	}
	if cfg.MountRetryDelay != 50*time.Millisecond {
		t.Errorf("MountRetryDelay = %v, want 50ms", cfg.MountRetryDelay)
	}
	if cfg.StopGrace != Default().StopGrace {
		t.Errorf("StopGrace = %v, want default", cfg.StopGrace)
	}
	if len(cfg.Resources) != 2 {
		t.Fatalf("Resources = %d, want 2", len(cfg.Resources))
	}
	if cfg.Resources[0].Required == nil || !*cfg.Resources[0].Required {
		t.Error("x11 override should be required")
	}
	if len(cfg.Libraries.SearchDirs) == 0 {
		t.Error("library defaults lost when libraries section is absent")
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"bad inject", "inject: sometimes\n"},
		{"negative retries", "mount_retries: -1\n"},
		{"unnamed resource", "resources:\n  - host_path: /x\n"},
		{"not yaml", "state_dir: [\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			if err := os.WriteFile(path, []byte(tt.data), 0644); err != nil {
				t.Fatalf("write config: %v", err)
			}
			if _, err := Load(path); err == nil {
				t.Error("Load should have failed")
			}
		})
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"JAILBRIDGE_DEBUG":     "1",
		"JAILBRIDGE_STATE_DIR": "/state",
	}
	cfg := Default()
	if err := cfg.ApplyEnv(func(k string) string { return env[k] }); err != nil {
		t.Fatalf("ApplyEnv: %v", err)
	}
	if !cfg.Debug {
		t.Error("Debug not applied")
	}
	if cfg.StateDir != "/state" {
		t.Errorf("StateDir = %q", cfg.StateDir)
	}

	env["JAILBRIDGE_DEBUG"] = "maybe"
	if err := cfg.ApplyEnv(func(k string) string { return env[k] }); err == nil {
		t.Error("ApplyEnv should reject a non-boolean JAILBRIDGE_DEBUG")
	}
}
