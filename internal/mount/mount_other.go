//go:build !linux

package mount

import (
	"errors"
	"jailbridge/internal/planner"
)

var errUnsupported = errors.New("mounting is only supported on linux")

// Kernel is unavailable on this platform.
type Kernel struct{}

func NewKernel() *Kernel {
	return &Kernel{}
}

func (k *Kernel) Mount(planner.Intent) error { return errUnsupported }
func (k *Kernel) Unmount(string) error { return errUnsupported }
func (k *Kernel) Mounted(string) (bool, error) { return false, errUnsupported }
