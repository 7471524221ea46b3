package mount

import (
	"errors"
	"fmt"
	"jailbridge/internal/catalog"
	"jailbridge/internal/planner"
	"os"
	"sort"

	"github.com/moby/sys/mountinfo"
	"golang.org/x/sys/unix"
)

// Kernel mounts through mount(2).
type Kernel struct{}

// NewKernel returns a Mounter backed by the running kernel.
func NewKernel() *Kernel {
	return &Kernel{}
}

func (k *Kernel) Mount(intent planner.Intent) error {
	if err := PrepareTarget(intent); err != nil {
		return fmt.Errorf("prepare %s: %w", intent.Target, err)
	}

	if intent.Kind == catalog.KindFilesystem {
		var flags uintptr = unix.MS_NOSUID | unix.MS_NODEV
		if intent.FSType == "proc" {
			flags |= unix.MS_NOEXEC
		}
		if intent.ReadOnly {
			flags |= unix.MS_RDONLY
		}
		if err := unix.Mount(intent.FSType, intent.Target, intent.FSType, flags, intent.Options); err != nil {
			return fmt.Errorf("mount %s on %s: %w", intent.FSType, intent.Target, err)
		}
		// jail mounts must not show up in the parent's peers
		if err := unix.Mount("", intent.Target, "", unix.MS_PRIVATE, ""); err != nil {
			_ = unix.Unmount(intent.Target, unix.MNT_DETACH)
			return fmt.Errorf("make %s private: %w", intent.Target, err)
		}
		return nil
	}

	if err := unix.Mount(intent.Source, intent.Target, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
		return fmt.Errorf("bind mount %s on %s: %w", intent.Source, intent.Target, err)
	}
	// host changes still arrive, but unmounting the copies never reaches the host
	if err := unix.Mount("", intent.Target, "", unix.MS_REC|unix.MS_SLAVE, ""); err != nil {
		_ = unix.Unmount(intent.Target, unix.MNT_DETACH)
		return fmt.Errorf("make %s a slave: %w", intent.Target, err)
	}
	if intent.ReadOnly {
		if err := unix.Mount("", intent.Target, "", unix.MS_BIND|unix.MS_REMOUNT|unix.MS_RDONLY, ""); err != nil {
			// undo the writable bind
			_ = unix.Unmount(intent.Target, unix.MNT_DETACH)
			return fmt.Errorf("remount %s read-only: %w", intent.Target, err)
		}
	}
	return nil
}

// Unmount detaches target together with every mount beneath it, deepest
// first. Recursive binds carry the source's submounts, which would keep
// umount(2) of the bind itself busy. A target that is not mounted or no
// longer exists is not an error.
func (k *Kernel) Unmount(target string) error {
	nested, err := mountinfo.GetMounts(mountinfo.PrefixFilter(target))
	if err != nil {
		return fmt.Errorf("read mount table: %w", err)
	}
	for _, mp := range submounts(nested, target) {
		if err := unmountOne(mp); err != nil {
			return err
		}
	}
	return unmountOne(target)
}

// submounts returns the mount points strictly below target, deepest first.
// Mounts stacked on one point come back newest first.
func submounts(mounts []*mountinfo.Info, target string) []string {
	var points []string
	for i := len(mounts) - 1; i >= 0; i-- {
		if mp := mounts[i].Mountpoint; mp != target {
			points = append(points, mp)
		}
	}
	sort.SliceStable(points, func(i, j int) bool {
		return len(points[i]) > len(points[j])
	})
	return points
}

func unmountOne(target string) error {
	err := unix.Unmount(target, 0)
	if err == nil || errors.Is(err, unix.EINVAL) || errors.Is(err, unix.ENOENT) {
		return nil
	}
	return fmt.Errorf("unmount %s: %w", target, err)
}

func (k *Kernel) Mounted(target string) (bool, error) {
	mounted, err := mountinfo.Mounted(target)
	if err != nil {
		if os.IsNotExist(err) || errors.Is(err, unix.ENOENT) {
			return false, nil
		}
		return false, err
	}
	return mounted, nil
}
