package jailhouse

import (
	"fmt"
	"jailbridge/internal/acquire"
	"jailbridge/internal/registry"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-ini/ini"
	"go.uber.org/zap"
)

// fallbackMachineID is used when the host's machine-id is not bridged.
const fallbackMachineID = "5c02456317b34d6983792070381665ea\n"

// usrMergeLinks are recreated at the jail root when the runtime has them.
var usrMergeLinks = []string{"bin", "lib", "lib32", "lib64", "sbin"}

// ids returns the uid and gid the application runs as.
func (m *Manager) ids() (uid, gid int) {
	uid, err := strconv.Atoi(m.host.UID)
	if err != nil {
		uid = os.Getuid()
	}
	gid = os.Getgid()
	if v := m.host.Getenv("SUDO_GID"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			gid = n
		}
	}
	return uid, gid
}

// skeleton fills the writable jail root with the files a desktop
// application expects. Paths under read-only package binds are left alone.
type skeleton struct {
	root    string
	app     *acquire.ApplicationRef
	runtime *acquire.ApplicationRef
	mounts  []registry.MountRecord
	uid     int
	gid     int
	id      string
	bound   map[string]bool // top-level jail dirs covered by a package bind
}

func (m *Manager) populate(s *session) error {
	uid, gid := m.ids()
	sk := &skeleton{
		root:    s.inst.JailRoot,
		app:     s.req.App,
		runtime: s.req.Runtime,
		mounts:  s.inst.Mounts,
		uid:     uid,
		gid:     gid,
		id:      s.inst.ID,
		bound:   make(map[string]bool),
	}
	for _, rec := range sk.mounts {
		if strings.HasPrefix(rec.Resource, "rootfs-") {
			sk.bound[strings.TrimPrefix(rec.JailPath, "/")] = true
		}
	}

	steps := []struct {
		name string
		fn   func() error
	}{
		{"directories", sk.directories},
		{"usr links", sk.usrLinks},
		{"etc", sk.etc},
		{"machine-id", sk.machineID},
		{"flatpak-info", sk.flatpakInfo},
		{"font-dirs", sk.fontDirs},
	}
	for _, step := range steps {
		if err := step.fn(); err != nil {
			return fmt.Errorf("populate %s: %w", step.name, err)
		}
	}
	m.logger.Debug("jail skeleton populated", zap.String("instance", s.inst.ID))
	return nil
}

// path maps a jail-relative path to the host and reports whether it may be
// written.
func (sk *skeleton) path(rel string) (string, bool) {
	top := strings.SplitN(rel, "/", 2)[0]
	return filepath.Join(sk.root, rel), !sk.bound[top]
}

func (sk *skeleton) runtimeDir() string {
	return filepath.Join("run/user", strconv.Itoa(sk.uid))
}

func (sk *skeleton) directories() error {
	dirs := []string{"etc", "home/user", "var/lib/dbus", "var/tmp", "run/host", "run/flatpak", sk.runtimeDir()}
	for _, rel := range dirs {
		p, ok := sk.path(rel)
		if !ok {
			continue
		}
		if err := os.MkdirAll(p, 0755); err != nil {
			return err
		}
	}
	for _, rel := range []string{"home/user", sk.runtimeDir()} {
		p, ok := sk.path(rel)
		if !ok {
			continue
		}
		if rel == sk.runtimeDir() {
			if err := os.Chmod(p, 0700); err != nil {
				return err
			}
		}
		if os.Geteuid() == 0 {
			if err := os.Lchown(p, sk.uid, sk.gid); err != nil {
				return err
			}
		}
	}
	return nil
}

// usrLinks recreates /bin, /lib and friends. Flatpak runtimes carry them
// under /usr; rootfs packages carry them as top-level symlinks.
func (sk *skeleton) usrLinks() error {
	if sk.app.Layout == acquire.LayoutRootfs {
		entries, err := os.ReadDir(sk.app.Root)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if e.Type()&os.ModeSymlink == 0 {
				continue
			}
			target, err := os.Readlink(filepath.Join(sk.app.Root, e.Name()))
			if err != nil {
				return err
			}
			if err := symlinkIfMissing(target, filepath.Join(sk.root, e.Name())); err != nil {
				return err
			}
		}
		return nil
	}

	if sk.runtime == nil {
		return nil
	}
	for _, name := range usrMergeLinks {
		if _, err := os.Stat(filepath.Join(sk.runtime.Root, name)); err != nil {
			continue
		}
		if err := symlinkIfMissing("usr/"+name, filepath.Join(sk.root, name)); err != nil {
			return err
		}
	}
	if _, err := os.Lstat(filepath.Join(sk.root, "lib64")); os.IsNotExist(err) {
		if _, err := os.Lstat(filepath.Join(sk.root, "lib")); err == nil {
			return symlinkIfMissing("lib", filepath.Join(sk.root, "lib64"))
		}
	}
	return nil
}

// etc writes passwd and group for the jail user and links the runtime's
// /usr/etc entries into /etc.
func (sk *skeleton) etc() error {
	if sk.app.Layout != acquire.LayoutFlatpak {
		return nil
	}
	passwd := fmt.Sprintf("root:x:0:0:root:/root:/bin/sh\nuser:x:%d:%d:user:/home/user:/bin/sh\nnobody:x:65534:65534:nobody:/:/sbin/nologin\n", sk.uid, sk.gid)
	group := fmt.Sprintf("root:x:0:\nuser:x:%d:\nnobody:x:65534:\n", sk.gid)
	if err := writeIfMissing(filepath.Join(sk.root, "etc/passwd"), passwd, 0644); err != nil {
		return err
	}
	if err := writeIfMissing(filepath.Join(sk.root, "etc/group"), group, 0644); err != nil {
		return err
	}

	if sk.runtime == nil {
		return nil
	}
	entries, err := os.ReadDir(filepath.Join(sk.runtime.Root, "etc"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, e := range entries {
		if err := symlinkIfMissing("/usr/etc/"+e.Name(), filepath.Join(sk.root, "etc", e.Name())); err != nil {
			return err
		}
	}
	return nil
}

func (sk *skeleton) machineID() error {
	p, ok := sk.path("etc/machine-id")
	if !ok {
		return nil
	}
	if err := writeIfMissing(p, fallbackMachineID, 0444); err != nil {
		return err
	}
	if link, ok := sk.path("var/lib/dbus/machine-id"); ok {
		return symlinkIfMissing("/etc/machine-id", link)
	}
	return nil
}

// flatpakInfo writes /.flatpak-info, which portals and toolkits read to
// detect that they run sandboxed.
func (sk *skeleton) flatpakInfo() error {
	if sk.app.Layout != acquire.LayoutFlatpak {
		return nil
	}
	f := ini.Empty()
	app := f.Section("Application")
	app.Key("name").SetValue(sk.app.Name)
	if sk.app.Runtime != "" {
		app.Key("runtime").SetValue("runtime/" + sk.app.Runtime)
	}
	inst := f.Section("Instance")
	inst.Key("instance-id").SetValue(sk.id)
	inst.Key("app-path").SetValue("/app")
	inst.Key("original-app-path").SetValue("/app")
	inst.Key("runtime-path").SetValue("/usr")
	inst.Key("arch").SetValue(sk.app.Arch)
	inst.Key("branch").SetValue(sk.app.Branch)

	info := filepath.Join(sk.root, ".flatpak-info")
	if err := f.SaveTo(info); err != nil {
		return err
	}
	return symlinkIfMissing("/.flatpak-info", filepath.Join(sk.root, sk.runtimeDir(), "flatpak-info"))
}

// fontDirs tells fontconfig inside the jail where the bridged host fonts are.
func (sk *skeleton) fontDirs() error {
	var b strings.Builder
	for _, rec := range sk.mounts {
		if rec.Resource == "fonts" || rec.Resource == "local-fonts" {
			fmt.Fprintf(&b, "\t<remap-dir as-path=%q>%s</remap-dir>\n", rec.HostPath, rec.JailPath)
		}
	}
	if b.Len() == 0 {
		return nil
	}
	p, ok := sk.path("run/host/font-dirs.xml")
	if !ok {
		return nil
	}
	doc := "<?xml version=\"1.0\"?>\n<!DOCTYPE fontconfig SYSTEM \"urn:fontconfig:fonts.dtd\">\n<fontconfig>\n" + b.String() + "</fontconfig>\n"
	return os.WriteFile(p, []byte(doc), 0644)
}

func writeIfMissing(p, data string, mode os.FileMode) error {
	if _, err := os.Lstat(p); err == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		return err
	}
	return os.WriteFile(p, []byte(data), mode)
}

func symlinkIfMissing(target, link string) error {
	if _, err := os.Lstat(link); err == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(link), 0755); err != nil {
		return err
	}
	return os.Symlink(target, link)
}
