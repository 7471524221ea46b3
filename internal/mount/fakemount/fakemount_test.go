package fakemount

import (
	"errors"
	"jailbridge/internal/planner"
	"testing"

	"golang.org/x/sys/unix"
)

func TestBusyThenSuccess(t *testing.T) {
	m := New()
	m.PrepareTargets = false
	m.BusyMount("x11", 2)

	intent := planner.Intent{Resource: "x11", Target: "/jail/tmp/.X11-unix"}
	for i := 0; i < 2; i++ {
		if err := m.Mount(intent); !errors.Is(err, unix.EBUSY) {
			t.Fatalf("attempt %d: err = %v, want EBUSY", i, err)
		}
	}
	if err := m.Mount(intent); err != nil {
		t.Fatalf("third attempt: %v", err)
	}
	if mounted, _ := m.Mounted(intent.Target); !mounted {
		t.Error("target should be mounted")
	}
	if got := m.Count("mount"); got != 3 {
		t.Errorf("mount calls = %d, want 3", got)
	}
}

func TestUnmountRemovesFromTable(t *testing.T) {
	m := New()
	m.Preload("/jail", "/jail/usr")

	if err := m.Unmount("/jail/usr"); err != nil {
		t.Fatalf("Unmount: %v", err)
	}
	if got := m.Table(); len(got) != 1 || got[0] != "/jail" {
		t.Errorf("Table = %v", got)
	}
	// Unmounting something that is not mounted is not an error.
	if err := m.Unmount("/jail/usr"); err != nil {
		t.Errorf("second Unmount: %v", err)
	}
}

func TestFailUnmount(t *testing.T) {
	m := New()
	m.Preload("/jail/dev")
	m.FailUnmount("/jail/dev", unix.EPERM)

	if err := m.Unmount("/jail/dev"); !errors.Is(err, unix.EPERM) {
		t.Fatalf("err = %v, want EPERM", err)
	}
	if mounted, _ := m.Mounted("/jail/dev"); !mounted {
		t.Error("failed unmount must leave the target mounted")
	}
}
