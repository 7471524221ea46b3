package inject

import (
	"encoding/json"
	"errors"
	"jailbridge/internal/fault"
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, p, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p, []byte(content), 0755); err != nil {
		t.Fatal(err)
	}
}

// fakeHost lays out a host library tree and returns its directories.
func fakeHost(t *testing.T, libs ...string) (libDir, icdDir, driDir, sysfs string) {
	t.Helper()
	root := t.TempDir()
	libDir = filepath.Join(root, "usr/lib")
	icdDir = filepath.Join(root, "usr/share/vulkan/icd.d")
	driDir = filepath.Join(root, "usr/lib/dri")
	sysfs = filepath.Join(root, "sys")
	for _, lib := range libs {
		writeFile(t, filepath.Join(libDir, lib), "ELF "+lib)
	}
	return libDir, icdDir, driDir, sysfs
}

func TestDetect(t *testing.T) {
	t.Run("software", func(t *testing.T) {
		libDir, icdDir, driDir, _ := fakeHost(t)
		d := &Detector{SearchDirs: []string{libDir}, ICDDirs: []string{icdDir}, DRIDirs: []string{driDir}}
		if got := d.Detect().Variant; got != VariantSoftware {
			t.Errorf("Variant = %s, want software", got)
		}
	})

	t.Run("opengl", func(t *testing.T) {
		libDir, icdDir, driDir, _ := fakeHost(t, "libGL.so.1", "libEGL.so.1", "libvulkan.so.1")
		d := &Detector{SearchDirs: []string{libDir}, ICDDirs: []string{icdDir}, DRIDirs: []string{driDir}}
		abi := d.Detect()
		// a loader without any ICD cannot drive a GPU
		if abi.Variant != VariantOpenGL {
			t.Errorf("Variant = %s, want opengl", abi.Variant)
		}
		if abi.Libraries["libGL.so.1"] != filepath.Join(libDir, "libGL.so.1") {
			t.Errorf("libGL path = %q", abi.Libraries["libGL.so.1"])
		}
	})

	t.Run("vulkan", func(t *testing.T) {
		libDir, icdDir, driDir, sysfs := fakeHost(t, "libGL.so.1")
		writeFile(t, filepath.Join(libDir, "libvulkan.so.1.3.275"), "ELF loader")
		if err := os.Symlink("libvulkan.so.1.3.275", filepath.Join(libDir, "libvulkan.so.1")); err != nil {
			t.Fatal(err)
		}
		writeFile(t, filepath.Join(icdDir, "radeon_icd.x86_64.json"), `{"ICD":{"library_path":"libvulkan_radeon.so"}}`)
		if err := os.MkdirAll(driDir, 0755); err != nil {
			t.Fatal(err)
		}
		card := filepath.Join(sysfs, "class/drm/card0/device")
		writeFile(t, filepath.Join(card, "uevent"), "DRIVER=amdgpu\nPCI_ID=1002:744C\n")
		if err := os.Symlink("../../bus/pci/drivers/amdgpu", filepath.Join(card, "driver")); err != nil {
			t.Fatal(err)
		}
		writeFile(t, filepath.Join(sysfs, "class/drm/renderD128/device/uevent"), "PCI_ID=10DE:0000\n")

		d := &Detector{SearchDirs: []string{libDir}, ICDDirs: []string{icdDir}, DRIDirs: []string{driDir}, SysfsRoot: sysfs}
		abi := d.Detect()
		if abi.Variant != VariantVulkan {
			t.Fatalf("Variant = %s, want vulkan", abi.Variant)
		}
		if abi.LoaderVersion != "1.3.275" {
			t.Errorf("LoaderVersion = %q", abi.LoaderVersion)
		}
		if abi.Vendor != "AMD" || abi.Driver != "amdgpu" {
			t.Errorf("GPU = %q/%q", abi.Vendor, abi.Driver)
		}
		if abi.DRIDir != driDir {
			t.Errorf("DRIDir = %q", abi.DRIDir)
		}
		if len(abi.ICDs) != 1 {
			t.Errorf("ICDs = %v", abi.ICDs)
		}
	})
}

type bindCall struct{ name, host, jail string }

func recordBinds(calls *[]bindCall) BindFunc {
	return func(name, host, jail string) error {
		*calls = append(*calls, bindCall{name, host, jail})
		return nil
	}
}

func TestInjectOpenGL(t *testing.T) {
	libDir, _, driDir, _ := fakeHost(t, "libGL.so.1", "libEGL.so.1", "libGLU.so.1")
	if err := os.MkdirAll(driDir, 0755); err != nil {
		t.Fatal(err)
	}
	jail := t.TempDir()
	// the runtime already ships libEGL
	writeFile(t, filepath.Join(jail, "usr/lib/libEGL.so.1"), "runtime egl")

	abi := (&Detector{SearchDirs: []string{libDir}, DRIDirs: []string{driDir}}).Detect()
	var binds []bindCall
	m, err := New(Config{}).Inject(jail, abi, recordBinds(&binds))
	if err != nil {
		t.Fatalf("Inject: %v", err)
	}

	copied := make(map[string]Entry)
	for _, e := range m.Copies() {
		copied[e.LibraryName] = e
	}
	if _, ok := copied["libEGL.so.1"]; ok {
		t.Error("libEGL.so.1 is provided by the jail and must not be copied")
	}
	for _, name := range []string{"libGL.so.1", "libGLU.so.1"} {
		e, ok := copied[name]
		if !ok {
			t.Errorf("%s not injected", name)
			continue
		}
		if e.JailTarget != "/run/host/lib/"+name || e.Digest == "" {
			t.Errorf("%s entry = %+v", name, e)
		}
		data, err := os.ReadFile(filepath.Join(jail, "run/host/lib", name))
		if err != nil || string(data) != "ELF "+name {
			t.Errorf("%s content = %q, %v", name, data, err)
		}
	}

	if len(binds) != 1 || binds[0].host != driDir || binds[0].jail != DRIDir {
		t.Errorf("binds = %+v", binds)
	}
	if m.Env["LD_LIBRARY_PATH"] != LibDir || m.Env["LIBGL_DRIVERS_PATH"] != DRIDir {
		t.Errorf("Env = %v", m.Env)
	}
}

func TestInjectMissingCoreLibrary(t *testing.T) {
	libDir, _, _, _ := fakeHost(t, "libGL.so.1")
	jail := t.TempDir()

	abi := ABI{Variant: VariantOpenGL, Libraries: map[string]string{"libGL.so.1": filepath.Join(libDir, "libGL.so.1")}}
	_, err := New(Config{}).Inject(jail, abi, nil)
	if !fault.Is(err, fault.InjectionFailure) {
		t.Fatalf("err = %v, want injection-failure", err)
	}
	var fe *fault.Error
	if !asFault(err, &fe) || fe.Resource != "libEGL.so.1" {
		t.Errorf("error should name libEGL.so.1: %v", err)
	}
	if _, err := os.Stat(filepath.Join(jail, "run/host/lib/libGL.so.1")); !os.IsNotExist(err) {
		t.Error("partial copies must be removed on failure")
	}
}

func TestInjectVulkanRewritesICD(t *testing.T) {
	libDir, icdDir, _, _ := fakeHost(t, "libvulkan.so.1", "libvulkan_radeon.so")
	icd := filepath.Join(icdDir, "radeon_icd.json")
	writeFile(t, icd, `{"file_format_version":"1.0.0","ICD":{"library_path":"libvulkan_radeon.so","api_version":"1.3.275"}}`)
	jail := t.TempDir()

	abi := (&Detector{SearchDirs: []string{libDir}, ICDDirs: []string{icdDir}}).Detect()
	if abi.Variant != VariantVulkan {
		t.Fatalf("Variant = %s", abi.Variant)
	}
	m, err := New(Config{SearchDirs: []string{libDir}}).Inject(jail, abi, nil)
	if err != nil {
		t.Fatalf("Inject: %v", err)
	}

	if m.Env["VK_ICD_FILENAMES"] != "/run/host/vulkan/icd.d/radeon_icd.json" {
		t.Errorf("VK_ICD_FILENAMES = %q", m.Env["VK_ICD_FILENAMES"])
	}
	data, err := os.ReadFile(filepath.Join(jail, "run/host/vulkan/icd.d/radeon_icd.json"))
	if err != nil {
		t.Fatalf("read staged ICD: %v", err)
	}
	var doc struct {
		Version string `json:"file_format_version"`
		ICD     struct {
			LibraryPath string `json:"library_path"`
			APIVersion  string `json:"api_version"`
		} `json:"ICD"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("parse staged ICD: %v", err)
	}
	if doc.ICD.LibraryPath != "/run/host/lib/radeon_icd/libvulkan_radeon.so" || doc.ICD.APIVersion != "1.3.275" || doc.Version != "1.0.0" {
		t.Errorf("staged ICD = %+v", doc)
	}
	if _, err := os.Stat(filepath.Join(jail, "run/host/lib/radeon_icd/libvulkan_radeon.so")); err != nil {
		t.Errorf("driver not copied: %v", err)
	}
}

func TestInjectKeepsMultiArchDriversApart(t *testing.T) {
	libDir, icdDir, _, _ := fakeHost(t, "libvulkan.so.1")
	lib32 := filepath.Join(libDir, "i386-linux-gnu", "libvulkan_intel.so")
	lib64 := filepath.Join(libDir, "x86_64-linux-gnu", "libvulkan_intel.so")
	writeFile(t, lib32, "ELF32")
	writeFile(t, lib64, "ELF64")
	writeFile(t, filepath.Join(icdDir, "intel_icd.i686.json"), `{"ICD":{"library_path":"`+lib32+`"}}`)
	writeFile(t, filepath.Join(icdDir, "intel_icd.x86_64.json"), `{"ICD":{"library_path":"`+lib64+`"}}`)
	jail := t.TempDir()

	abi := (&Detector{SearchDirs: []string{libDir}, ICDDirs: []string{icdDir}}).Detect()
	if _, err := New(Config{SearchDirs: []string{libDir}}).Inject(jail, abi, nil); err != nil {
		t.Fatalf("Inject: %v", err)
	}

	tests := []struct {
		manifest string
		want     string
	}{
		{"intel_icd.i686.json", "ELF32"},
		{"intel_icd.x86_64.json", "ELF64"},
	}
	seen := make(map[string]bool)
	for _, tt := range tests {
		data, err := os.ReadFile(filepath.Join(jail, "run/host/vulkan/icd.d", tt.manifest))
		if err != nil {
			t.Fatalf("read %s: %v", tt.manifest, err)
		}
		var doc struct {
			ICD struct {
				LibraryPath string `json:"library_path"`
			} `json:"ICD"`
		}
		if err := json.Unmarshal(data, &doc); err != nil {
			t.Fatalf("parse %s: %v", tt.manifest, err)
		}
		if seen[doc.ICD.LibraryPath] {
			t.Errorf("%s shares driver path %s", tt.manifest, doc.ICD.LibraryPath)
		}
		seen[doc.ICD.LibraryPath] = true
		driver, err := os.ReadFile(filepath.Join(jail, doc.ICD.LibraryPath))
		if err != nil {
			t.Fatalf("read driver of %s: %v", tt.manifest, err)
		}
		if string(driver) != tt.want {
			t.Errorf("%s driver = %q, want %q", tt.manifest, driver, tt.want)
		}
	}
}

func TestInjectSoftware(t *testing.T) {
	m, err := New(Config{}).Inject(t.TempDir(), ABI{Variant: VariantSoftware}, nil)
	if err != nil {
		t.Fatalf("Inject: %v", err)
	}
	if m.Env["LIBGL_ALWAYS_SOFTWARE"] != "1" {
		t.Errorf("Env = %v", m.Env)
	}
	if _, ok := m.Env["LD_LIBRARY_PATH"]; ok {
		t.Error("LD_LIBRARY_PATH set with nothing copied")
	}
}

func TestRemoveCopy(t *testing.T) {
	libDir, _, _, _ := fakeHost(t, "libGL.so.1")
	jail := t.TempDir()
	abi := ABI{Variant: VariantSoftware, Libraries: map[string]string{"libGL.so.1": filepath.Join(libDir, "libGL.so.1")}}
	m, err := New(Config{}).Inject(jail, abi, nil)
	if err != nil {
		t.Fatalf("Inject: %v", err)
	}
	e := m.Copies()[0]

	if err := os.WriteFile(e.Target, []byte("modified"), 0644); err != nil {
		t.Fatal(err)
	}
	if removed, err := RemoveCopy(e.Target, e.Digest); removed || err == nil {
		t.Errorf("RemoveCopy of a modified file = %v, %v", removed, err)
	}

	if err := os.WriteFile(e.Target, []byte("ELF libGL.so.1"), 0644); err != nil {
		t.Fatal(err)
	}
	if removed, err := RemoveCopy(e.Target, e.Digest); !removed || err != nil {
		t.Errorf("RemoveCopy = %v, %v", removed, err)
	}
	if removed, err := RemoveCopy(e.Target, e.Digest); removed || err != nil {
		t.Errorf("second RemoveCopy = %v, %v", removed, err)
	}
}

func asFault(err error, target **fault.Error) bool {
	return errors.As(err, target)
}
