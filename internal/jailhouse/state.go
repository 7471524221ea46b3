package jailhouse

import (
	"fmt"
	"jailbridge/internal/fault"
	"jailbridge/internal/registry"
	"os"
	"path/filepath"
	"syscall"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// Cleanup tears down the instance with the given id (or unique id prefix).
// An unknown id is not an error, so cleanup can be repeated. An instance
// whose owner still holds its owner lock is asked to stop instead:
// in-process sessions directly, other processes through SIGTERM. Without
// a held lock the owner is gone, whatever process now has its pid.
func (m *Manager) Cleanup(id string) error {
	inst, err := m.registry.Find(id)
	if err != nil {
		if fault.Is(err, fault.NotFound) {
			m.logger.Debug("nothing to clean up", zap.String("instance", id))
			return nil
		}
		return err
	}

	m.mu.Lock()
	s := m.sessions[inst.ID]
	m.mu.Unlock()
	if s != nil {
		s.requestStop()
		return nil
	}

	alive, err := m.registry.OwnerAlive(inst.ID)
	if err != nil {
		return fault.WithInstance(err, inst.ID)
	}
	if alive {
		if inst.OwnerPID <= 0 || inst.OwnerPID == os.Getpid() {
			return &fault.Error{Category: fault.Internal, Instance: inst.ID, Message: "instance is owned by another manager in this process"}
		}
		m.logger.Info("asking owner to stop instance",
			zap.String("instance", inst.ID),
			zap.Int("owner_pid", inst.OwnerPID))
		if err := unix.Kill(inst.OwnerPID, syscall.SIGTERM); err != nil {
			return fault.Wrap(err, fault.Internal, "", "signal owner %d of %s", inst.OwnerPID, inst.ID)
		}
		m.note(inst, "", fmt.Sprintf("stop requested from pid %d", os.Getpid()), nil)
		return nil
	}

	m.reconcileMounts(inst)
	m.logger.Info("cleaning up instance",
		zap.String("instance", inst.ID),
		zap.String("state", string(inst.State)),
		zap.Int("mounts", len(inst.Mounts)))
	return fault.WithInstance(m.teardown(inst), inst.ID)
}

// reconcileMounts drops records the host mount table no longer has. A
// crash between mount(2) and persisting its record cannot happen the
// other way round, so records are never added here.
func (m *Manager) reconcileMounts(inst *registry.Instance) {
	kept := inst.Mounts[:0]
	for _, rec := range inst.Mounts {
		mounted, err := m.mounter.Mounted(rec.Target)
		if err == nil && !mounted {
			m.logger.Debug("mount already gone",
				zap.String("instance", inst.ID),
				zap.String("resource", rec.Resource),
				zap.String("target", rec.Target))
			continue
		}
		kept = append(kept, rec)
	}
	inst.Mounts = kept
}

// CleanupAll tears down every instance whose owner is gone or which was
// left mounted for debugging, then removes empty orphaned jail roots.
// Instances still owned by a live process are skipped.
func (m *Manager) CleanupAll() error {
	list, err := m.registry.List()
	if err != nil {
		return err
	}

	var errs error
	cleaned := 0
	for _, inst := range list {
		m.mu.Lock()
		_, local := m.sessions[inst.ID]
		m.mu.Unlock()
		alive, err := m.registry.OwnerAlive(inst.ID)
		if err != nil {
			errs = multierr.Append(errs, fault.WithInstance(err, inst.ID))
			continue
		}
		if local || alive {
			m.logger.Debug("skipping live instance", zap.String("instance", inst.ID))
			continue
		}
		if err := m.Cleanup(inst.ID); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		cleaned++
	}
	if cleaned > 0 {
		m.logger.Info("cleaned up instances", zap.Int("count", cleaned))
	}

	if err := m.CleanStaleRoots(); err != nil {
		errs = multierr.Append(errs, err)
	}
	return errs
}

// CleanStaleRoots removes directories under the jail base that no
// registered instance owns. Only empty directories are removed, so a root
// with something still mounted or populated is never touched.
func (m *Manager) CleanStaleRoots() error {
	entries, err := os.ReadDir(m.jailBase)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read jail base: %w", err)
	}
	list, err := m.registry.List()
	if err != nil {
		return err
	}
	owned := make(map[string]bool, len(list))
	for _, inst := range list {
		owned[filepath.Clean(inst.JailRoot)] = true
	}

	removed := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		root := filepath.Join(m.jailBase, entry.Name())
		if owned[root] {
			continue
		}
		if err := os.Remove(root); err != nil {
			m.logger.Warn("orphaned jail root not removed", zap.String("jail_root", root), zap.Error(err))
			continue
		}
		removed++
	}
	if removed > 0 {
		m.logger.Info("removed orphaned jail roots", zap.Int("count", removed))
	}
	return nil
}
