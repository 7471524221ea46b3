// Package fakerunner is a launcher.Runner that never forks.
package fakerunner

import (
	"errors"
	"jailbridge/internal/launcher"
	"jailbridge/internal/registry"
	"os"
	"os/exec"
	"sync"
	"syscall"
)

// Runner records started commands and reports a canned exit status.
type Runner struct {
	StartError error
	Status     registry.ExitStatus
	WaitError  error

	// Block makes Wait return only after Release or a terminating signal.
	Block bool
	// IgnoreTerm makes a blocked process survive SIGTERM.
	IgnoreTerm bool
	// OnStart is called for every successfully started command.
	OnStart func(cmd *exec.Cmd)

	mu       sync.Mutex
	started  []*exec.Cmd
	signals  []os.Signal
	release  chan struct{}
	released bool
}

var _ launcher.Runner = (*Runner)(nil)

func New() *Runner {
	return &Runner{release: make(chan struct{})}
}

func (r *Runner) Start(cmd *exec.Cmd) error {
	if r.StartError != nil {
		return r.StartError
	}
	r.mu.Lock()
	r.started = append(r.started, cmd)
	onStart := r.OnStart
	r.mu.Unlock()

	if onStart != nil {
		onStart(cmd)
	}
	return nil
}

func (r *Runner) Wait(cmd *exec.Cmd) (registry.ExitStatus, error) {
	if r.Block {
		<-r.release
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Status, r.WaitError
}

func (r *Runner) Signal(cmd *exec.Cmd, sig os.Signal) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.started) == 0 {
		return errors.New("no command started")
	}
	r.signals = append(r.signals, sig)

	terminating := sig == syscall.SIGKILL || (sig == syscall.SIGTERM && !r.IgnoreTerm)
	if terminating && !r.released {
		s := sig.(syscall.Signal)
		r.Status = registry.ExitStatus{Code: 128 + int(s), Signal: s.String()}
		r.released = true
		close(r.release)
	}
	return nil
}

// Release lets a blocked Wait return with Status.
func (r *Runner) Release() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.released {
		r.released = true
		close(r.release)
	}
}

// Started returns the commands passed to Start.
func (r *Runner) Started() []*exec.Cmd {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*exec.Cmd(nil), r.started...)
}

// Signals returns the signals sent so far.
func (r *Runner) Signals() []os.Signal {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]os.Signal(nil), r.signals...)
}
