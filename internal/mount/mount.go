// Package mount performs the individual mount and unmount calls that make
// up a jail.
package mount

import (
	"jailbridge/internal/planner"
	"os"
	"path/filepath"
)

// Mounter executes one intent at a time. Implementations return the raw
// OS error so callers can recognise transient conditions such as EBUSY.
type Mounter interface {
	Mount(intent planner.Intent) error
	Unmount(target string) error

	// Mounted reports whether target is currently a mount point.
	Mounted(target string) (bool, error)
}

// PrepareTarget creates the mount point for intent: a directory when the
// source is a directory or a filesystem, otherwise an empty file.
func PrepareTarget(intent planner.Intent) error {
	dir := intent.Source == "" || intent.FSType != ""
	if !dir {
		info, err := os.Stat(intent.Source)
		if err != nil {
			return err
		}
		dir = info.IsDir()
	}

	if dir {
		return os.MkdirAll(intent.Target, 0755)
	}
	if err := os.MkdirAll(filepath.Dir(intent.Target), 0755); err != nil {
		return err
	}
	f, err := os.OpenFile(intent.Target, os.O_CREATE, 0644)
	if err != nil {
		return err
	}
	return f.Close()
}
