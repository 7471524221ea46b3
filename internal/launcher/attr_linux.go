package launcher

import (
	"os"
	"syscall"
)

const chrootSupported = true

// sysProcAttr confines the child to the jail root in fresh PID, UTS and
// IPC namespaces, dropping to the invoking user when running as root.
func sysProcAttr(req Request) *syscall.SysProcAttr {
	attr := &syscall.SysProcAttr{
		Chroot:     req.JailRoot,
		Cloneflags: syscall.CLONE_NEWPID | syscall.CLONE_NEWUTS | syscall.CLONE_NEWIPC,
		Pdeathsig:  syscall.SIGKILL,
	}
	if os.Geteuid() == 0 && req.UID > 0 {
		attr.Credential = &syscall.Credential{Uid: uint32(req.UID), Gid: uint32(req.GID)}
	}
	return attr
}
