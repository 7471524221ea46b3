// Package fakemount provides an in-memory Mounter that records every call.
package fakemount

import (
	"fmt"
	"jailbridge/internal/mount"
	"jailbridge/internal/planner"
	"sync"

	"golang.org/x/sys/unix"
)

// Call is one recorded Mount or Unmount.
type Call struct {
	Op       string // "mount" or "unmount"
	Target   string
	Resource string // empty for unmounts
}

// Mounter keeps its own mount table. Targets are created on disk when
// PrepareTargets is set so that code writing into the jail keeps working.
type Mounter struct {
	PrepareTargets bool
	// OnMount runs after every successful mount, outside the lock.
	OnMount func(intent planner.Intent)

	mu          sync.Mutex
	calls       []Call
	table       []string
	failMount   map[string]error
	busyMount   map[string]int
	failUnmount map[string]error
	busyUnmount map[string]int
}

var _ mount.Mounter = (*Mounter)(nil)

func New() *Mounter {
	return &Mounter{
		PrepareTargets: true,
		failMount:      make(map[string]error),
		busyMount:      make(map[string]int),
		failUnmount:    make(map[string]error),
		busyUnmount:    make(map[string]int),
	}
}

// FailMount makes every mount of resource fail with err.
func (m *Mounter) FailMount(resource string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failMount[resource] = err
}

// BusyMount makes the next n mounts of resource fail with EBUSY.
func (m *Mounter) BusyMount(resource string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.busyMount[resource] = n
}

// FailUnmount makes every unmount of target fail with err.
func (m *Mounter) FailUnmount(target string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failUnmount[target] = err
}

// BusyUnmount makes the next n unmounts of target fail with EBUSY.
func (m *Mounter) BusyUnmount(target string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.busyUnmount[target] = n
}

// Preload marks targets as mounted without recording calls, simulating
// mounts left behind by another process.
func (m *Mounter) Preload(targets ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.table = append(m.table, targets...)
}

func (m *Mounter) Mount(intent planner.Intent) error {
	if err := m.mount(intent); err != nil {
		return err
	}
	if m.OnMount != nil {
		m.OnMount(intent)
	}
	return nil
}

func (m *Mounter) mount(intent planner.Intent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, Call{Op: "mount", Target: intent.Target, Resource: intent.Resource})

	if n := m.busyMount[intent.Resource]; n > 0 {
		m.busyMount[intent.Resource] = n - 1
		return fmt.Errorf("mount %s: %w", intent.Target, unix.EBUSY)
	}
	if err := m.failMount[intent.Resource]; err != nil {
		return fmt.Errorf("mount %s: %w", intent.Target, err)
	}
	if m.PrepareTargets {
		if err := mount.PrepareTarget(intent); err != nil {
			return fmt.Errorf("prepare %s: %w", intent.Target, err)
		}
	}
	m.table = append(m.table, intent.Target)
	return nil
}

func (m *Mounter) Unmount(target string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, Call{Op: "unmount", Target: target})

	if n := m.busyUnmount[target]; n > 0 {
		m.busyUnmount[target] = n - 1
		return fmt.Errorf("unmount %s: %w", target, unix.EBUSY)
	}
	if err := m.failUnmount[target]; err != nil {
		return fmt.Errorf("unmount %s: %w", target, err)
	}
	// Innermost mount on the target goes first.
	for i := len(m.table) - 1; i >= 0; i-- {
		if m.table[i] == target {
			m.table = append(m.table[:i], m.table[i+1:]...)
			break
		}
	}
	return nil
}

func (m *Mounter) Mounted(target string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.table {
		if t == target {
			return true, nil
		}
	}
	return false, nil
}

// Calls returns every recorded call in order.
func (m *Mounter) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Call(nil), m.calls...)
}

// Count returns the number of recorded calls for op.
func (m *Mounter) Count(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Op == op {
			n++
		}
	}
	return n
}

// Table returns the targets currently mounted, oldest first.
func (m *Mounter) Table() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.table...)
}

// Reset forgets recorded calls but keeps the mount table.
func (m *Mounter) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}
