package mount

import (
	"jailbridge/internal/catalog"
	"jailbridge/internal/planner"
	"os"
	"path/filepath"
	"testing"
)

func TestPrepareTarget(t *testing.T) {
	host := t.TempDir()
	jail := t.TempDir()

	srcDir := filepath.Join(host, "fonts")
	if err := os.Mkdir(srcDir, 0755); err != nil {
		t.Fatal(err)
	}
	srcFile := filepath.Join(host, "os-release")
	if err := os.WriteFile(srcFile, []byte("ID=test\n"), 0644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		intent  planner.Intent
		wantDir bool
		wantErr bool
	}{
		{"directory source", planner.Intent{Source: srcDir, Target: filepath.Join(jail, "run/host/fonts"), Kind: catalog.KindBindDir}, true, false},
		{"file source", planner.Intent{Source: srcFile, Target: filepath.Join(jail, "run/host/os-release"), Kind: catalog.KindBindFile}, false, false},
		{"filesystem", planner.Intent{Source: "tmpfs", FSType: "tmpfs", Target: filepath.Join(jail, "dev"), Kind: catalog.KindFilesystem}, true, false},
		{"missing source", planner.Intent{Source: filepath.Join(host, "absent"), Target: filepath.Join(jail, "absent")}, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := PrepareTarget(tt.intent)
			if (err != nil) != tt.wantErr {
				t.Fatalf("PrepareTarget() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			info, err := os.Stat(tt.intent.Target)
			if err != nil {
				t.Fatalf("target not created: %v", err)
			}
			if info.IsDir() != tt.wantDir {
				t.Errorf("IsDir = %v, want %v", info.IsDir(), tt.wantDir)
			}
		})
	}
}

func TestPrepareTargetKeepsExistingFile(t *testing.T) {
	host := t.TempDir()
	src := filepath.Join(host, "hosts")
	if err := os.WriteFile(src, []byte("127.0.0.1 localhost\n"), 0644); err != nil {
		t.Fatal(err)
	}
	target := filepath.Join(t.TempDir(), "etc", "hosts")
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(target, []byte("keep"), 0644); err != nil {
		t.Fatal(err)
	}

	if err := PrepareTarget(planner.Intent{Source: src, Target: target}); err != nil {
		t.Fatalf("PrepareTarget: %v", err)
	}
	data, _ := os.ReadFile(target)
	if string(data) != "keep" {
		t.Errorf("existing target truncated: %q", data)
	}
}
