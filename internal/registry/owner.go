package registry

import (
	"errors"
	"jailbridge/internal/fault"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// ownerDir holds one lock file per instance. The process driving an
// instance keeps its file flocked until it lets go of the instance, so the
// lock dies with the process no matter how it exits.
const ownerDir = "owners"

func (r *Registry) ownerLock(id string) string {
	return filepath.Join(r.stateDir, ownerDir, id+".lock")
}

// Claim takes the owner lock of instance id. The caller owns the instance
// until release is called or the process exits.
func (r *Registry) Claim(id string) (release func(), err error) {
	if id == "" {
		return nil, fault.New(fault.Internal, "", "cannot claim an instance without id")
	}
	path := r.ownerLock(id)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fault.Wrap(err, fault.Internal, "", "create owner lock directory")
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fault.Wrap(err, fault.Internal, "", "open owner lock")
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, &fault.Error{Category: fault.Internal, Instance: id, Message: "instance is owned by another process"}
		}
		return nil, fault.Wrap(err, fault.Internal, "", "lock owner file")
	}
	return func() {
		os.Remove(path)
		unix.Flock(int(f.Fd()), unix.LOCK_UN)
		f.Close()
	}, nil
}

// OwnerAlive reports whether a process still holds the owner lock of
// instance id. Pids are not consulted: a recorded pid may have been reused
// after a crash or reboot, a held lock cannot outlive its process.
func (r *Registry) OwnerAlive(id string) (bool, error) {
	f, err := os.OpenFile(r.ownerLock(id), os.O_RDWR, 0)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fault.Wrap(err, fault.Internal, "", "open owner lock")
	}
	defer f.Close()

	err = unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	switch {
	case err == nil:
		unix.Flock(int(f.Fd()), unix.LOCK_UN)
		return false, nil
	case errors.Is(err, unix.EWOULDBLOCK):
		return true, nil
	default:
		return false, fault.Wrap(err, fault.Internal, "", "test owner lock")
	}
}
