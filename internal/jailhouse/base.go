package jailhouse

import (
	"fmt"
	"jailbridge/internal/acquire"
	"jailbridge/internal/catalog"
	"os"
	"path/filepath"
)

// rootfsSkipped are top-level directories of a rootfs package that are
// provided by the jail itself rather than bound from the package.
var rootfsSkipped = map[string]bool{
	"dev":  true,
	"proc": true,
	"sys":  true,
	"run":  true,
	"tmp":  true,
}

// baseEntries returns the structural mounts of a jail: the tmpfs root, the
// package trees and the pseudo filesystems. They precede the catalog's
// built-in categories.
func baseEntries(app, runtime *acquire.ApplicationRef) ([]catalog.ResourceEntry, error) {
	entries := []catalog.ResourceEntry{
		{Name: "root", HostPath: "tmpfs", JailPath: "/", Kind: catalog.KindFilesystem, FSType: "tmpfs", Options: "mode=0755", Required: true},
	}

	switch app.Layout {
	case acquire.LayoutFlatpak:
		if runtime != nil {
			entries = append(entries, catalog.ResourceEntry{
				Name: "runtime", HostPath: runtime.Root, JailPath: "/usr", Kind: catalog.KindBindDir, Required: true, ReadOnly: true,
			})
		}
		entries = append(entries, catalog.ResourceEntry{
			Name: "app", HostPath: app.Root, JailPath: "/app", Kind: catalog.KindBindDir, Required: true, ReadOnly: true,
		})
	case acquire.LayoutRootfs:
		dirs, err := os.ReadDir(app.Root)
		if err != nil {
			return nil, fmt.Errorf("read rootfs %s: %w", app.Root, err)
		}
		for _, d := range dirs {
			if !d.IsDir() || rootfsSkipped[d.Name()] {
				continue
			}
			entries = append(entries, catalog.ResourceEntry{
				Name:     "rootfs-" + d.Name(),
				HostPath: filepath.Join(app.Root, d.Name()),
				JailPath: "/" + d.Name(),
				Kind:     catalog.KindBindDir,
				Required: true,
				ReadOnly: true,
			})
		}
	default:
		return nil, fmt.Errorf("unknown package layout %q", app.Layout)
	}

	entries = append(entries,
		catalog.ResourceEntry{Name: "dev", HostPath: "tmpfs", JailPath: "/dev", Kind: catalog.KindFilesystem, FSType: "tmpfs", Options: "mode=0755", Required: true},
		catalog.ResourceEntry{Name: "dev-shm", HostPath: "tmpfs", JailPath: "/dev/shm", Kind: catalog.KindFilesystem, FSType: "tmpfs", Options: "mode=1777", Required: true},
		catalog.ResourceEntry{Name: "proc", HostPath: "proc", JailPath: "/proc", Kind: catalog.KindFilesystem, FSType: "proc", Required: true},
		catalog.ResourceEntry{Name: "sys", HostPath: "/sys", JailPath: "/sys", Kind: catalog.KindBindDir, ReadOnly: true},
		catalog.ResourceEntry{Name: "tmp", HostPath: "tmpfs", JailPath: "/tmp", Kind: catalog.KindFilesystem, FSType: "tmpfs", Options: "mode=1777", Required: true},
	)
	return entries, nil
}
