package launcher

import (
	"errors"
	"fmt"
	"jailbridge/internal/registry"
	"os"
	"os/exec"
	"syscall"
)

// Runner starts and reaps processes. Tests replace it to avoid forking.
type Runner interface {
	Start(cmd *exec.Cmd) error
	// Wait blocks until the process exits. The error is only set when
	// waiting itself failed; a non-zero exit is reported in the status.
	Wait(cmd *exec.Cmd) (registry.ExitStatus, error)
	Signal(cmd *exec.Cmd, sig os.Signal) error
}

// ExecRunner runs real processes.
type ExecRunner struct{}

// CommandNotRunningError is returned when signalling a command that was never started.
type CommandNotRunningError struct {
	cmd *exec.Cmd
}

func (e CommandNotRunningError) Error() string {
	return fmt.Sprintf("command is not running: %s", e.cmd.Path)
}

func (ExecRunner) Start(cmd *exec.Cmd) error {
	return cmd.Start()
}

func (ExecRunner) Wait(cmd *exec.Cmd) (registry.ExitStatus, error) {
	return statusOf(cmd.Wait())
}

func (ExecRunner) Signal(cmd *exec.Cmd, sig os.Signal) error {
	if cmd.Process == nil {
		return CommandNotRunningError{cmd}
	}
	return cmd.Process.Signal(sig)
}

// statusOf converts the result of Cmd.Wait into an ExitStatus.
func statusOf(err error) (registry.ExitStatus, error) {
	if err == nil {
		return registry.ExitStatus{}, nil
	}
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return registry.ExitStatus{}, err
	}
	if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return registry.ExitStatus{Code: 128 + int(ws.Signal()), Signal: ws.Signal().String()}, nil
	}
	return registry.ExitStatus{Code: exitErr.ExitCode()}, nil
}
