//go:build !linux

package launcher

import "syscall"

const chrootSupported = false

func sysProcAttr(Request) *syscall.SysProcAttr {
	return nil
}
