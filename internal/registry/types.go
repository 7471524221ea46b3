// Package registry keeps the durable record of jail instances so that a
// later process can list them and tear down jails left by a crashed run.
package registry

import (
	"jailbridge/internal/catalog"
	"time"
)

// State is a lifecycle state of an instance.
type State string

const (
	StateCreated    State = "created"
	StateMounting   State = "mounting"
	StateRunning    State = "running"
	StateUnmounting State = "unmounting"
	StateDestroyed  State = "destroyed"
	StateFailed     State = "failed"
)

// MountRecord is one successful mount, in the order it was performed.
type MountRecord struct {
	Resource  string       `json:"resource"`
	HostPath  string       `json:"host_path"`
	JailPath  string       `json:"jail_path"`
	Target    string       `json:"target"` // absolute host-side mount point
	Kind      catalog.Kind `json:"kind"`
	MountedAt time.Time    `json:"mounted_at"`
}

// InjectionRecord is a library copied into the jail.
type InjectionRecord struct {
	Library  string `json:"library"`
	JailPath string `json:"jail_path"`
	Target   string `json:"target"`
	Digest   string `json:"digest"`
}

// ExitStatus is how the application terminated.
type ExitStatus struct {
	Code   int    `json:"code"`
	Signal string `json:"signal,omitempty"`
}

func (e ExitStatus) Success() bool {
	return e.Code == 0 && e.Signal == ""
}

// Instance is one jail and the application running in it.
type Instance struct {
	ID         string            `json:"id"`
	AppID      string            `json:"app_id"`
	JailRoot   string            `json:"jail_root"`
	State      State             `json:"state"`
	CreatedAt  time.Time         `json:"created_at"`
	PackageRef string            `json:"package_ref,omitempty"`
	Seq        uint64            `json:"seq"`
	OwnerPID   int               `json:"owner_pid"`
	Debug      bool              `json:"debug,omitempty"`
	Stopped    bool              `json:"stopped,omitempty"`
	Mounts     []MountRecord     `json:"mounts"`
	Injected   []InjectionRecord `json:"injected,omitempty"`
	Exit       *ExitStatus       `json:"exit,omitempty"`
	LastError  string            `json:"last_error,omitempty"`
}

// Clone returns a deep copy.
func (i *Instance) Clone() *Instance {
	c := *i
	c.Mounts = append([]MountRecord(nil), i.Mounts...)
	c.Injected = append([]InjectionRecord(nil), i.Injected...)
	if i.Exit != nil {
		exit := *i.Exit
		c.Exit = &exit
	}
	return &c
}
