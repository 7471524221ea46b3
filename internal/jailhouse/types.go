// Package jailhouse drives jail instances through their lifecycle: it
// builds the jail root, mounts the bridged host resources, injects graphics
// libraries, launches the application and tears everything down again.
package jailhouse

import (
	"context"
	"io"
	"jailbridge/internal/acquire"
	"jailbridge/internal/catalog"
	"jailbridge/internal/config"
	"jailbridge/internal/inject"
	"jailbridge/internal/journal"
	"jailbridge/internal/launcher"
	"jailbridge/internal/mount"
	"jailbridge/internal/planner"
	"jailbridge/internal/registry"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Launcher runs the application once the jail is ready.
type Launcher interface {
	Launch(ctx context.Context, req launcher.Request) (registry.ExitStatus, error)
}

// Injector stages graphics libraries into a mounted jail.
type Injector interface {
	Inject(jailRoot string, abi inject.ABI, bind inject.BindFunc) (*inject.Manifest, error)
}

// Config holds configuration for creating a new Manager.
type Config struct {
	Registry *registry.Registry
	Mounter  mount.Mounter
	Launcher Launcher
	Injector Injector // nil disables injection
	ABI      inject.ABI
	Journal  *journal.Journal

	JailBase        string // parent of generated jail roots
	MountRetries    int    // extra attempts after EBUSY
	MountRetryDelay time.Duration
	Debug           bool
	Capabilities    []string
	Overrides       []config.ResourceSpec
	InjectMode      config.InjectMode

	// Host is the invoking user's environment. BuiltinsOff leaves the
	// built-in resource categories out of the catalog.
	Host        catalog.Host
	BuiltinsOff bool

	Logger *zap.Logger
}

// Manager owns the mount transaction of every instance it creates.
type Manager struct {
	registry   *registry.Registry
	mounter    mount.Mounter
	launcher   Launcher
	injector   Injector
	abi        inject.ABI
	journal    *journal.Journal
	jailBase   string
	retries    int
	retryDelay time.Duration
	debug      bool
	caps       []string
	overrides  []config.ResourceSpec
	injectMode config.InjectMode
	host       catalog.Host
	builtins   bool
	logger     *zap.Logger

	mu       sync.Mutex
	sessions map[string]*session // instance ID -> in-process session
}

// RunRequest describes one application launch.
type RunRequest struct {
	App     *acquire.ApplicationRef
	Runtime *acquire.ApplicationRef // nil for rootfs packages

	// JailRoot defaults to <JailBase>/<instance id>.
	JailRoot     string
	Args         []string // appended to the entry point
	Capabilities []string // on top of the configured and required ones
	Env          map[string]string

	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

// session is the in-process side of a live instance. Only the goroutine
// running the instance touches inst; stop requests go through stopCh.
type session struct {
	inst     *registry.Instance
	req      RunRequest
	intents  []planner.Intent
	graphics bool // a graphics capability was requested
	manifest *inject.Manifest
	release  func() // drops the owner lock

	stopOnce sync.Once
	stopCh   chan struct{}
}

func (s *session) requestStop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

func (s *session) stopRequested() bool {
	select {
	case <-s.stopCh:
		return true
	default:
		return false
	}
}
