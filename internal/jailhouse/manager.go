package jailhouse

import (
	"context"
	"errors"
	"fmt"
	"jailbridge/internal/acquire"
	"jailbridge/internal/catalog"
	"jailbridge/internal/config"
	"jailbridge/internal/fault"
	"jailbridge/internal/journal"
	"jailbridge/internal/launcher"
	"jailbridge/internal/mount"
	"jailbridge/internal/planner"
	"jailbridge/internal/registry"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// DefaultMountRetryDelay is the pause between EBUSY retries.
const DefaultMountRetryDelay = 200 * time.Millisecond

// Result is the outcome of a completed run.
type Result struct {
	Instance *registry.Instance
	Exit     registry.ExitStatus
	Launched bool // false when a stop arrived before the application started
}

// NewManager creates a new lifecycle manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if cfg.Launcher == nil {
		return nil, fmt.Errorf("launcher is required")
	}
	if cfg.JailBase == "" {
		return nil, fmt.Errorf("jail base directory is required")
	}
	jailBase, err := filepath.Abs(cfg.JailBase)
	if err != nil {
		return nil, fmt.Errorf("jail base: %w", err)
	}
	if cfg.Mounter == nil {
		cfg.Mounter = mount.NewKernel()
	}
	if cfg.Journal == nil {
		cfg.Journal = journal.Discard()
	}
	if cfg.MountRetries < 0 {
		cfg.MountRetries = 0
	}
	if cfg.MountRetryDelay <= 0 {
		cfg.MountRetryDelay = DefaultMountRetryDelay
	}
	if cfg.InjectMode == "" {
		cfg.InjectMode = config.InjectAuto
	}
	host := catalog.DefaultHost()
	if cfg.Host.Getenv != nil {
		host.Getenv = cfg.Host.Getenv
	}
	if cfg.Host.Stat != nil {
		host.Stat = cfg.Host.Stat
	}
	if cfg.Host.UID != "" {
		host.UID = cfg.Host.UID
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return &Manager{
		registry:   cfg.Registry,
		mounter:    cfg.Mounter,
		launcher:   cfg.Launcher,
		injector:   cfg.Injector,
		abi:        cfg.ABI,
		journal:    cfg.Journal,
		jailBase:   jailBase,
		retries:    cfg.MountRetries,
		retryDelay: cfg.MountRetryDelay,
		debug:      cfg.Debug,
		caps:       cfg.Capabilities,
		overrides:  cfg.Overrides,
		injectMode: cfg.InjectMode,
		host:       host,
		builtins:   !cfg.BuiltinsOff,
		logger:     cfg.Logger.Named("jailhouse"),
		sessions:   make(map[string]*session),
	}, nil
}

// Run creates a jail for req, runs the application in it and tears the
// jail down again. Cancelling ctx is a stop request.
func (m *Manager) Run(ctx context.Context, req RunRequest) (*Result, error) {
	inst, err := m.Create(req)
	if err != nil {
		return nil, err
	}
	return m.Start(ctx, inst.ID)
}

// Create resolves the resources for req, plans the mounts, allocates the
// jail root and registers the instance. Nothing is mounted yet. Planning
// errors are returned before any filesystem change.
func (m *Manager) Create(req RunRequest) (*registry.Instance, error) {
	if req.App == nil {
		return nil, fault.New(fault.Internal, "", "run request has no application")
	}
	id := uuid.NewString()
	root := req.JailRoot
	if root == "" {
		root = filepath.Join(m.jailBase, id)
	}
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, fault.Wrap(err, fault.Internal, "", "jail root")
	}

	base, err := baseEntries(req.App, req.Runtime)
	if err != nil {
		return nil, fault.Wrap(err, fault.Internal, "", "structural mounts")
	}
	caps := make([]string, 0, len(m.caps)+len(req.App.Requirements)+len(req.Capabilities))
	caps = append(caps, m.caps...)
	caps = append(caps, req.App.Requirements...)
	caps = append(caps, req.Capabilities...)

	cat, err := catalog.New(catalog.Options{
		Host:         m.host,
		Base:         base,
		Capabilities: caps,
		Overrides:    m.overrides,
		Minimal:      !m.builtins,
	})
	if err != nil {
		return nil, fault.Wrap(err, fault.Internal, "", "build resource catalog")
	}
	entries, err := cat.ResolveAll()
	if err != nil {
		return nil, creationError(err, id, root)
	}
	intents, err := planner.Plan(root, entries)
	if err != nil {
		return nil, creationError(err, id, root)
	}

	if err := os.MkdirAll(filepath.Dir(root), 0755); err != nil {
		return nil, fault.Wrap(err, fault.Internal, "", "create jail base")
	}
	if err := os.Mkdir(root, 0755); err != nil {
		if os.IsExist(err) {
			return nil, fault.WithInstance(fault.Wrap(err, fault.RootCollision, "", "jail root %s already exists", root), id)
		}
		return nil, fault.WithInstance(fault.Wrap(err, fault.Internal, "", "create jail root %s", root), id)
	}
	release, err := m.registry.Claim(id)
	if err != nil {
		os.Remove(root)
		return nil, fault.WithInstance(err, id)
	}

	inst := &registry.Instance{
		ID:         id,
		AppID:      req.App.Name,
		JailRoot:   root,
		State:      registry.StateCreated,
		PackageRef: req.App.ID,
		OwnerPID:   os.Getpid(),
		Debug:      m.debug,
	}
	if err := m.registry.Register(inst); err != nil {
		release()
		os.Remove(root)
		return nil, fault.WithInstance(err, id)
	}
	m.note(inst, "", fmt.Sprintf("created at %s with %d planned mounts", root, len(intents)), nil)

	s := &session{
		inst:     inst,
		req:      req,
		intents:  intents,
		graphics: requested(caps, "dri"),
		release:  release,
		stopCh:   make(chan struct{}),
	}
	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()

	m.logger.Info("instance created",
		zap.String("instance", id),
		zap.String("app", req.App.ID),
		zap.String("jail_root", root),
		zap.Int("mounts", len(intents)))
	return inst.Clone(), nil
}

// creationError names the instance and jail root a resolve or plan error
// was meant for. Nothing exists on disk for them yet.
func creationError(err error, id, root string) error {
	var fe *fault.Error
	if !errors.As(err, &fe) {
		return fault.WithInstance(fault.Wrap(err, fault.Internal, "", "jail %s", root), id)
	}
	if fe.Instance == "" {
		fe.Instance = id
	}
	if fe.Message == "" {
		fe.Message = "jail " + root
	} else {
		fe.Message = "jail " + root + ": " + fe.Message
	}
	return err
}

// Start mounts, populates and launches a created instance, then tears it
// down when the application exits. In debug mode the jail is left mounted.
func (m *Manager) Start(ctx context.Context, id string) (*Result, error) {
	m.mu.Lock()
	s := m.sessions[id]
	m.mu.Unlock()
	if s == nil {
		return nil, &fault.Error{Category: fault.NotFound, Instance: id, Message: "instance is not owned by this process"}
	}
	defer func() {
		m.mu.Lock()
		delete(m.sessions, id)
		m.mu.Unlock()
		s.release()
	}()

	// A cancelled context only stops the instance once it is stable.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			s.requestStop()
		case <-s.stopCh:
		case <-done:
		}
	}()

	inst := s.inst
	m.transition(inst, registry.StateMounting, nil)
	if err := m.registry.Update(inst); err != nil {
		return nil, m.abort(s, fault.Wrap(err, fault.Internal, "", "persist mounting state"))
	}
	if err := m.build(s); err != nil {
		return nil, m.abort(s, err)
	}
	m.transition(inst, registry.StateRunning, nil)
	if err := m.registry.Update(inst); err != nil {
		m.logger.Warn("persist running state", zap.String("instance", id), zap.Error(err))
	}

	if s.stopRequested() {
		m.logger.Info("stop requested while mounting, not launching", zap.String("instance", id))
		inst.Stopped = true
		return m.finish(s, &Result{}, nil)
	}

	status, launchErr := m.launch(s)
	res := &Result{Launched: true}
	if launchErr == nil {
		inst.Exit = &status
		res.Exit = status
	} else {
		inst.LastError = launchErr.Error()
	}
	inst.Stopped = true
	return m.finish(s, res, fault.WithInstance(launchErr, id))
}

// build performs the Mounting -> Running work: mounts, skeleton, injection.
func (m *Manager) build(s *session) error {
	if err := m.mountAll(s); err != nil {
		return err
	}
	if err := m.populate(s); err != nil {
		return fault.Wrap(err, fault.MountFailure, "", "populate jail")
	}
	if !m.wantsInjection(s) {
		return nil
	}

	manifest, err := m.injector.Inject(s.inst.JailRoot, m.abi, m.bindFunc(s))
	if err != nil {
		if fault.CategoryOf(err) == fault.Internal {
			err = fault.Wrap(err, fault.InjectionFailure, "", "inject %s libraries", m.abi.Variant)
		}
		return err
	}
	s.manifest = manifest
	for _, e := range manifest.Copies() {
		s.inst.Injected = append(s.inst.Injected, registry.InjectionRecord{
			Library:  e.LibraryName,
			JailPath: e.JailTarget,
			Target:   e.Target,
			Digest:   e.Digest,
		})
	}
	if err := m.registry.Update(s.inst); err != nil {
		return fault.Wrap(err, fault.Internal, "", "persist injection records")
	}
	m.note(s.inst, "", fmt.Sprintf("injected %d files for %s", len(manifest.Entries), m.abi), nil)
	return nil
}

func (m *Manager) wantsInjection(s *session) bool {
	switch {
	case m.injector == nil || m.injectMode == config.InjectNever:
		return false
	case m.injectMode == config.InjectAlways:
		return true
	}
	return s.graphics
}

// abort handles a failure while mounting: Failed, synchronous rollback,
// then Destroyed. The original error is returned, joined with any
// rollback error.
func (m *Manager) abort(s *session, cause error) error {
	inst := s.inst
	inst.LastError = cause.Error()
	m.transition(inst, registry.StateFailed, cause)
	if err := m.registry.Update(inst); err != nil {
		m.logger.Warn("persist failed state", zap.String("instance", inst.ID), zap.Error(err))
	}
	m.logger.Error("jail creation failed, rolling back",
		zap.String("instance", inst.ID),
		zap.Int("mounts", len(inst.Mounts)),
		zap.Error(cause))

	if err := m.unwind(inst); err != nil {
		inst.LastError = multierr.Append(cause, err).Error()
		if uerr := m.registry.Update(inst); uerr != nil {
			m.logger.Warn("persist residual mounts", zap.String("instance", inst.ID), zap.Error(uerr))
		}
		return fault.WithInstance(multierr.Append(cause, err), inst.ID)
	}
	m.transition(inst, registry.StateDestroyed, nil)
	if err := m.registry.Remove(inst.ID); err != nil {
		m.logger.Warn("remove rolled back instance", zap.String("instance", inst.ID), zap.Error(err))
	}
	return fault.WithInstance(cause, inst.ID)
}

func (m *Manager) launch(s *session) (registry.ExitStatus, error) {
	uid, gid := m.ids()
	resources := make([]string, 0, len(s.inst.Mounts))
	for _, rec := range s.inst.Mounts {
		resources = append(resources, rec.Resource)
	}
	var injectEnv map[string]string
	if s.manifest != nil {
		injectEnv = s.manifest.Env
	}
	command := append(append([]string(nil), s.req.App.Command...), s.req.Args...)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-s.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	return m.launcher.Launch(ctx, launcher.Request{
		InstanceID: s.inst.ID,
		AppID:      s.req.App.Name,
		JailRoot:   s.inst.JailRoot,
		Flatpak:    s.req.App.Layout == acquire.LayoutFlatpak,
		Command:    command,
		UID:        uid,
		GID:        gid,
		Resources:  resources,
		InjectEnv:  injectEnv,
		Env:        s.req.Env,
		Stdin:      s.req.Stdin,
		Stdout:     s.req.Stdout,
		Stderr:     s.req.Stderr,
	})
}

// finish tears the instance down, or in debug mode leaves it Running and
// marked Stopped for a later cleanup.
func (m *Manager) finish(s *session, res *Result, runErr error) (*Result, error) {
	inst := s.inst
	if m.debug {
		if err := m.registry.Update(inst); err != nil {
			runErr = multierr.Append(runErr, err)
		}
		m.note(inst, "", "left mounted for debugging", nil)
		m.logger.Info("debug mode: jail left mounted",
			zap.String("instance", inst.ID),
			zap.String("jail_root", inst.JailRoot))
		res.Instance = inst.Clone()
		return res, runErr
	}

	if err := m.teardown(inst); err != nil {
		runErr = multierr.Append(runErr, fault.WithInstance(err, inst.ID))
	}
	res.Instance = inst.Clone()
	return res, runErr
}

// Stop requests that an instance owned by this process stops. The request
// is honored once the instance reaches a stable state.
func (m *Manager) Stop(id string) error {
	m.mu.Lock()
	s := m.sessions[id]
	m.mu.Unlock()
	if s == nil {
		return &fault.Error{Category: fault.NotFound, Instance: id, Message: "instance is not owned by this process"}
	}
	s.requestStop()
	return nil
}

func (m *Manager) transition(inst *registry.Instance, to registry.State, cause error) {
	entry := journal.Entry{
		Instance: inst.ID,
		AppID:    inst.AppID,
		From:     string(inst.State),
		To:       string(to),
	}
	if cause != nil {
		entry.Error = cause.Error()
		var fe *fault.Error
		if errors.As(cause, &fe) {
			entry.Resource = fe.Resource
		}
	}
	inst.State = to
	if err := m.journal.Record(entry); err != nil {
		m.logger.Warn("journal write failed", zap.Error(err))
	}
	m.logger.Debug("state transition",
		zap.String("instance", inst.ID),
		zap.String("from", entry.From),
		zap.String("state", entry.To))
}

// note journals an event that does not change state.
func (m *Manager) note(inst *registry.Instance, resource, detail string, cause error) {
	entry := journal.Entry{
		Instance: inst.ID,
		AppID:    inst.AppID,
		To:       string(inst.State),
		Resource: resource,
		Detail:   detail,
	}
	if cause != nil {
		entry.Error = cause.Error()
	}
	if err := m.journal.Record(entry); err != nil {
		m.logger.Warn("journal write failed", zap.Error(err))
	}
}

func requested(caps []string, capability string) bool {
	for _, c := range caps {
		if c == capability {
			return true
		}
	}
	return false
}
