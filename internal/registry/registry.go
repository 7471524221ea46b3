package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"jailbridge/internal/fault"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/moby/sys/atomicwriter"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// FileName is the registry file inside the state directory.
const FileName = "instances.json"

const stateVersion = "1"

// persistedState is the JSON structure saved to disk.
type persistedState struct {
	Version   string               `json:"version"`
	Updated   time.Time            `json:"updated"`
	Seq       uint64               `json:"seq"`
	Instances map[string]*Instance `json:"instances"`
}

// Config holds configuration for a Registry.
type Config struct {
	StateDir string
	Logger   *zap.Logger
}

// Registry stores instances in a JSON file. Every operation reloads the
// file under an flock, so several processes can share one state directory.
type Registry struct {
	stateDir string
	path     string
	lockPath string
	mu       sync.Mutex
	logger   *zap.Logger
}

// New opens the registry in cfg.StateDir, creating the directory if needed.
func New(cfg Config) (*Registry, error) {
	if cfg.StateDir == "" {
		return nil, fmt.Errorf("state dir is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if err := os.MkdirAll(cfg.StateDir, 0755); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}
	path := filepath.Join(cfg.StateDir, FileName)
	return &Registry{
		stateDir: cfg.StateDir,
		path:     path,
		lockPath: path + ".lock",
		logger:   cfg.Logger.Named("registry"),
	}, nil
}

// Path returns the registry file path.
func (r *Registry) Path() string {
	return r.path
}

// Register adds inst, assigning an ID, a sequence number and a creation
// time where unset. It fails with RootCollision if another instance in the
// registry holds the same jail root.
func (r *Registry) Register(inst *Instance) error {
	if inst.JailRoot == "" {
		return fault.New(fault.Internal, "", "instance has no jail root")
	}
	if inst.ID == "" {
		inst.ID = uuid.NewString()
	}
	if inst.CreatedAt.IsZero() {
		inst.CreatedAt = time.Now()
	}
	if inst.State == "" {
		inst.State = StateCreated
	}
	root := filepath.Clean(inst.JailRoot)

	return r.mutate(func(st *persistedState) error {
		if _, ok := st.Instances[inst.ID]; ok {
			return fault.New(fault.Internal, "", "instance %s already registered", inst.ID)
		}
		for _, other := range st.Instances {
			if filepath.Clean(other.JailRoot) == root {
				return &fault.Error{
					Category: fault.RootCollision,
					Instance: other.ID,
					Message:  fmt.Sprintf("jail root %s is held by instance %s", root, other.ID),
				}
			}
		}
		st.Seq++
		inst.Seq = st.Seq
		st.Instances[inst.ID] = inst.Clone()
		r.logger.Debug("registered instance", zap.String("instance", inst.ID), zap.String("jail_root", root))
		return nil
	})
}

// Update replaces the stored copy of inst.
func (r *Registry) Update(inst *Instance) error {
	return r.mutate(func(st *persistedState) error {
		if _, ok := st.Instances[inst.ID]; !ok {
			return &fault.Error{Category: fault.NotFound, Instance: inst.ID, Message: "instance not registered"}
		}
		st.Instances[inst.ID] = inst.Clone()
		return nil
	})
}

// Remove deletes the instance and its owner lock file. Removing an
// unknown id is not an error.
func (r *Registry) Remove(id string) error {
	err := r.mutate(func(st *persistedState) error {
		if _, ok := st.Instances[id]; !ok {
			return errUnchanged
		}
		delete(st.Instances, id)
		r.logger.Debug("removed instance", zap.String("instance", id))
		return nil
	})
	if err != nil {
		return err
	}
	if id != "" {
		if err := os.Remove(r.ownerLock(id)); err != nil && !os.IsNotExist(err) {
			r.logger.Warn("remove owner lock", zap.String("instance", id), zap.Error(err))
		}
	}
	return nil
}

// Find returns the instance with the given id. A unique id prefix is
// accepted as well.
func (r *Registry) Find(id string) (*Instance, error) {
	st, err := r.read()
	if err != nil {
		return nil, err
	}
	if inst, ok := st.Instances[id]; ok {
		return inst, nil
	}

	var match *Instance
	if id != "" {
		for key, inst := range st.Instances {
			if !strings.HasPrefix(key, id) {
				continue
			}
			if match != nil {
				return nil, &fault.Error{Category: fault.NotFound, Instance: id, Message: "ambiguous instance id prefix"}
			}
			match = inst
		}
	}
	if match == nil {
		return nil, &fault.Error{Category: fault.NotFound, Instance: id, Message: "no such instance"}
	}
	return match, nil
}

// List returns all instances in creation order.
func (r *Registry) List() ([]*Instance, error) {
	st, err := r.read()
	if err != nil {
		return nil, err
	}
	list := make([]*Instance, 0, len(st.Instances))
	for _, inst := range st.Instances {
		list = append(list, inst)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Seq < list[j].Seq })
	return list, nil
}

var errUnchanged = errors.New("unchanged")

// mutate runs fn on the freshly loaded state under an exclusive lock and
// writes the result back atomically.
func (r *Registry) mutate(fn func(*persistedState) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	unlock, err := r.lock(unix.LOCK_EX)
	if err != nil {
		return err
	}
	defer unlock()

	st, err := r.load()
	if err != nil {
		return err
	}
	if err := fn(st); err != nil {
		if err == errUnchanged {
			return nil
		}
		return err
	}
	return r.save(st)
}

func (r *Registry) read() (*persistedState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	unlock, err := r.lock(unix.LOCK_SH)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return r.load()
}

func (r *Registry) lock(how int) (func(), error) {
	f, err := os.OpenFile(r.lockPath, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fault.Wrap(err, fault.Internal, "", "open registry lock")
	}
	if err := unix.Flock(int(f.Fd()), how); err != nil {
		f.Close()
		return nil, fault.Wrap(err, fault.Internal, "", "lock registry")
	}
	return func() {
		unix.Flock(int(f.Fd()), unix.LOCK_UN)
		f.Close()
	}, nil
}

func (r *Registry) load() (*persistedState, error) {
	st := &persistedState{Version: stateVersion, Instances: make(map[string]*Instance)}

	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return st, nil
		}
		return nil, fault.Wrap(err, fault.Internal, "", "read registry")
	}
	if len(data) == 0 {
		return st, nil
	}
	if err := json.Unmarshal(data, st); err != nil {
		return nil, fault.Wrap(err, fault.Internal, "", "parse registry %s", r.path)
	}
	if st.Instances == nil {
		st.Instances = make(map[string]*Instance)
	}
	return st, nil
}

func (r *Registry) save(st *persistedState) error {
	st.Version = stateVersion
	st.Updated = time.Now()

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fault.Wrap(err, fault.Internal, "", "marshal registry")
	}
	if err := atomicwriter.WriteFile(r.path, data, 0600); err != nil {
		return fault.Wrap(err, fault.Internal, "", "write registry")
	}
	return nil
}
