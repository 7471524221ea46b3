// Package launcher starts an application's entry point inside a prepared
// jail and waits for it to exit.
package launcher

import (
	"context"
	"io"
	"jailbridge/internal/fault"
	"jailbridge/internal/registry"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// DefaultStopGrace is the time between SIGTERM and SIGKILL on stop.
const DefaultStopGrace = 10 * time.Second

// Search paths inside the jail for relative entry points.
var (
	flatpakBinDirs = []string{"/app/bin", "/usr/bin", "/bin"}
	rootfsBinDirs  = []string{"/usr/local/bin", "/usr/bin", "/bin", "/usr/local/sbin", "/usr/sbin", "/sbin"}
)

// Request describes one launch.
type Request struct {
	InstanceID string
	AppID      string
	JailRoot   string
	Flatpak    bool     // flatpak layout: /app tree, FLATPAK_ID
	Command    []string // entry point followed by its arguments
	UID        int
	GID        int
	Resources  []string          // names of the resources mounted in the jail
	InjectEnv  map[string]string // from the injection manifest
	Env        map[string]string // caller overrides

	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

// Config holds configuration for a Launcher.
type Config struct {
	Runner    Runner
	HostEnv   func() []string
	StopGrace time.Duration
	Logger    *zap.Logger
}

// Launcher runs applications in jails.
type Launcher struct {
	runner    Runner
	hostEnv   func() []string
	stopGrace time.Duration
	logger    *zap.Logger
}

func New(cfg Config) *Launcher {
	if cfg.Runner == nil {
		cfg.Runner = ExecRunner{}
	}
	if cfg.HostEnv == nil {
		cfg.HostEnv = os.Environ
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = DefaultStopGrace
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Launcher{
		runner:    cfg.Runner,
		hostEnv:   cfg.HostEnv,
		stopGrace: cfg.StopGrace,
		logger:    cfg.Logger.Named("launcher"),
	}
}

// Launch starts the entry point and blocks until it exits. Cancelling ctx
// is a stop request: the process gets SIGTERM, then SIGKILL once the stop
// grace period has passed. The exit status is returned in every case where
// the process was started.
func (l *Launcher) Launch(ctx context.Context, req Request) (registry.ExitStatus, error) {
	if !chrootSupported {
		return registry.ExitStatus{}, fault.New(fault.LaunchFailure, "", "jailed launch is not supported on this platform")
	}
	cmd, err := l.Command(req)
	if err != nil {
		return registry.ExitStatus{}, err
	}
	logger := l.logger.With(zap.String("instance", req.InstanceID))

	if err := l.runner.Start(cmd); err != nil {
		return registry.ExitStatus{}, fault.Wrap(err, fault.LaunchFailure, "", "start %s", cmd.Path)
	}
	logger.Info("application started", zap.String("path", cmd.Path), zap.Strings("args", cmd.Args[1:]))

	type result struct {
		status registry.ExitStatus
		err    error
	}
	done := make(chan result, 1)
	go func() {
		status, err := l.runner.Wait(cmd)
		done <- result{status, err}
	}()

	finish := func(r result) (registry.ExitStatus, error) {
		if r.err != nil {
			return r.status, fault.Wrap(r.err, fault.LaunchFailure, "", "wait for %s", cmd.Path)
		}
		logger.Info("application exited", zap.Int("code", r.status.Code), zap.String("signal", r.status.Signal))
		return r.status, nil
	}

	select {
	case r := <-done:
		return finish(r)
	case <-ctx.Done():
	}

	logger.Info("stopping application", zap.Duration("grace", l.stopGrace))
	if err := l.runner.Signal(cmd, syscall.SIGTERM); err != nil {
		logger.Warn("send SIGTERM", zap.Error(err))
	}
	timer := time.NewTimer(l.stopGrace)
	defer timer.Stop()
	select {
	case r := <-done:
		return finish(r)
	case <-timer.C:
	}

	logger.Warn("application ignored SIGTERM, killing")
	if err := l.runner.Signal(cmd, syscall.SIGKILL); err != nil {
		logger.Warn("send SIGKILL", zap.Error(err))
	}
	return finish(<-done)
}

// Command builds the jailed command for req without starting it.
func (l *Launcher) Command(req Request) (*exec.Cmd, error) {
	if len(req.Command) == 0 {
		return nil, fault.New(fault.LaunchFailure, "", "no entry point for %s", req.AppID)
	}
	dirs := rootfsBinDirs
	if req.Flatpak {
		dirs = flatpakBinDirs
	}
	bin, err := resolveCommand(req.JailRoot, req.Command[0], dirs)
	if err != nil {
		return nil, err
	}

	cmd := &exec.Cmd{
		Path:        bin,
		Args:        append([]string{bin}, req.Command[1:]...),
		Env:         Environment(req, l.hostEnv()),
		Dir:         "/",
		Stdin:       req.Stdin,
		Stdout:      req.Stdout,
		Stderr:      req.Stderr,
		SysProcAttr: sysProcAttr(req),
	}
	if info, err := os.Stat(filepath.Join(req.JailRoot, "home/user")); err == nil && info.IsDir() {
		cmd.Dir = "/home/user"
	}
	return cmd, nil
}

// resolveCommand maps the entry point to a path inside the jail.
func resolveCommand(jailRoot, name string, dirs []string) (string, error) {
	if path.IsAbs(name) {
		if _, err := os.Stat(filepath.Join(jailRoot, name)); err != nil {
			return "", fault.Wrap(err, fault.LaunchFailure, "", "entry point %s", name)
		}
		return path.Clean(name), nil
	}
	for _, dir := range dirs {
		candidate := path.Join(dir, name)
		if info, err := os.Stat(filepath.Join(jailRoot, candidate)); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}
	return "", fault.New(fault.LaunchFailure, "", "entry point %s not found in %v", name, dirs)
}
