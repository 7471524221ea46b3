package jailhouse

import (
	"errors"
	"fmt"
	"jailbridge/internal/catalog"
	"jailbridge/internal/fault"
	"jailbridge/internal/inject"
	"jailbridge/internal/planner"
	"jailbridge/internal/registry"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// retry runs op until it succeeds, fails with something other than EBUSY,
// or the configured number of retries is spent.
func (m *Manager) retry(op func() error) error {
	policy := backoff.WithMaxRetries(backoff.NewConstantBackOff(m.retryDelay), uint64(m.retries))
	return backoff.Retry(func() error {
		err := op()
		if err != nil && !errors.Is(err, unix.EBUSY) {
			return backoff.Permanent(err)
		}
		return err
	}, policy)
}

// mountAll performs the planned intents in order. Each success is
// persisted before the next call so that a crash leaves an accurate
// record. An optional entry that fails is skipped; a required one aborts.
func (m *Manager) mountAll(s *session) error {
	for _, intent := range s.intents {
		if err := m.mountOne(s, intent); err != nil {
			if intent.Required {
				return err
			}
			m.logger.Warn("optional resource not mounted",
				zap.String("instance", s.inst.ID),
				zap.String("resource", intent.Resource),
				zap.Error(err))
			m.note(s.inst, intent.Resource, "skipped optional resource", err)
		}
	}
	return nil
}

func (m *Manager) mountOne(s *session, intent planner.Intent) error {
	err := m.retry(func() error { return m.mounter.Mount(intent) })
	if err != nil {
		return fault.Wrap(err, fault.MountFailure, intent.Resource, "mount %s", intent.JailPath)
	}

	s.inst.Mounts = append(s.inst.Mounts, registry.MountRecord{
		Resource:  intent.Resource,
		HostPath:  intent.Source,
		JailPath:  intent.JailPath,
		Target:    intent.Target,
		Kind:      intent.Kind,
		MountedAt: time.Now(),
	})
	if err := m.registry.Update(s.inst); err != nil {
		// the mount stays recorded in memory and is unwound by rollback
		return fault.Wrap(err, fault.Internal, intent.Resource, "persist mount record")
	}
	m.logger.Debug("mounted",
		zap.String("instance", s.inst.ID),
		zap.String("resource", intent.Resource),
		zap.String("target", intent.Target))
	return nil
}

// bindFunc lets the injector bind driver directories through the same
// transaction as the planned mounts.
func (m *Manager) bindFunc(s *session) inject.BindFunc {
	return func(name, hostPath, jailPath string) error {
		intent := planner.Intent{
			Resource: name,
			Source:   hostPath,
			Target:   filepath.Join(s.inst.JailRoot, jailPath),
			JailPath: jailPath,
			Kind:     catalog.KindBindDir,
			ReadOnly: true,
			Required: true,
			Tier:     catalog.TierFile,
		}
		return m.mountOne(s, intent)
	}
}

// unwind removes injected copies and unmounts every record in reverse
// order. Every record is attempted; records that could not be unmounted
// remain on inst and the errors are returned together.
func (m *Manager) unwind(inst *registry.Instance) error {
	var errs error

	var keptCopies []registry.InjectionRecord
	for i := len(inst.Injected) - 1; i >= 0; i-- {
		rec := inst.Injected[i]
		if _, err := inject.RemoveCopy(rec.Target, rec.Digest); err != nil {
			errs = multierr.Append(errs, fault.Wrap(err, fault.UnmountFailure, rec.Library, "remove injected copy"))
			keptCopies = append([]registry.InjectionRecord{rec}, keptCopies...)
		}
	}
	inst.Injected = keptCopies

	var residual []registry.MountRecord
	for i := len(inst.Mounts) - 1; i >= 0; i-- {
		rec := inst.Mounts[i]
		err := m.retry(func() error { return m.mounter.Unmount(rec.Target) })
		if err != nil {
			m.logger.Error("unmount failed",
				zap.String("instance", inst.ID),
				zap.String("resource", rec.Resource),
				zap.String("target", rec.Target),
				zap.Error(err))
			errs = multierr.Append(errs, fault.Wrap(err, fault.UnmountFailure, rec.Resource, "unmount %s", rec.JailPath))
			residual = append([]registry.MountRecord{rec}, residual...)
			continue
		}
		m.logger.Debug("unmounted",
			zap.String("instance", inst.ID),
			zap.String("resource", rec.Resource),
			zap.String("target", rec.Target))
	}
	inst.Mounts = residual

	if len(residual) == 0 {
		if err := os.Remove(inst.JailRoot); err != nil && !os.IsNotExist(err) {
			m.logger.Debug("jail root left in place", zap.String("jail_root", inst.JailRoot), zap.Error(err))
		}
	}
	return errs
}

// teardown unwinds inst and drops it from the registry. On unmount
// failure the instance is kept as Failed with its residual records.
func (m *Manager) teardown(inst *registry.Instance) error {
	m.transition(inst, registry.StateUnmounting, nil)
	if err := m.registry.Update(inst); err != nil {
		m.logger.Warn("persist unmounting state", zap.String("instance", inst.ID), zap.Error(err))
	}

	if err := m.unwind(inst); err != nil {
		inst.LastError = err.Error()
		m.transition(inst, registry.StateFailed, err)
		if uerr := m.registry.Update(inst); uerr != nil {
			err = multierr.Append(err, uerr)
		}
		return fmt.Errorf("teardown of %s incomplete: %w", inst.ID, err)
	}

	m.transition(inst, registry.StateDestroyed, nil)
	if err := m.registry.Remove(inst.ID); err != nil {
		return fault.Wrap(err, fault.Internal, "", "remove instance %s", inst.ID)
	}
	return nil
}
