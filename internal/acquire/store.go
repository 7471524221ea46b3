package acquire

import (
	"context"
	"fmt"
	"jailbridge/internal/fault"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/moby/sys/atomicwriter"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

const (
	refFile    = "ref.yaml"
	activeLink = "active"
	stagingDir = ".staging"
)

// InstallOptions override what the store would otherwise infer.
type InstallOptions struct {
	Name    string
	Branch  string
	Arch    string
	Command []string

	// RuntimeSource is installed as well when the application's runtime
	// is not in the store yet.
	RuntimeSource string
}

// Config holds configuration for a Store.
type Config struct {
	Root   string // normally <state>/apps
	Logger *zap.Logger
}

// Store keeps installed packages at <root>/<kind>/<name>/<arch>/<branch>/.
// Each install is a new deployment directory; the active symlink points at
// the current one.
type Store struct {
	root   string
	logger *zap.Logger

	fetchImage func(ctx context.Context, ref, dst string) ([]string, error)
}

func NewStore(cfg Config) (*Store, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("store root is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if err := os.MkdirAll(cfg.Root, 0755); err != nil {
		return nil, fmt.Errorf("create store: %w", err)
	}
	s := &Store{root: cfg.Root, logger: cfg.Logger.Named("store")}
	s.fetchImage = s.fetchFromDaemon
	return s, nil
}

// Install unpacks source into the store. source is a directory, a tar
// archive or a docker:// image reference.
func (s *Store) Install(ctx context.Context, source string, opts InstallOptions) (*ApplicationRef, error) {
	staging := filepath.Join(s.root, stagingDir)
	if err := os.MkdirAll(staging, 0755); err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}
	stage, err := os.MkdirTemp(staging, "install-")
	if err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}
	defer os.RemoveAll(stage)

	pkg := filepath.Join(stage, "pkg")
	var ref *ApplicationRef
	if strings.HasPrefix(source, DockerScheme) {
		ref, err = s.unpackImage(ctx, source, pkg)
	} else {
		ref, err = s.unpackLocal(source, pkg, opts)
		if ref != nil {
			pkg = ref.Root
		}
	}
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if opts.Name != "" {
		ref.Name = opts.Name
	}
	if opts.Branch != "" {
		ref.Branch = opts.Branch
	}
	if opts.Arch != "" {
		ref.Arch = opts.Arch
	}
	if len(opts.Command) > 0 {
		ref.Command = opts.Command
	}
	if ref.Arch == "" {
		ref.Arch = HostArch()
	}
	if ref.Branch == "" {
		ref.Branch = DefaultBranch
	}
	if strings.ContainsAny(ref.Name, "/\x00") || ref.Name == "" || ref.Name == "." || ref.Name == ".." {
		return nil, fmt.Errorf("invalid package name %q", ref.Name)
	}
	ref.ID = RefID(ref.Kind, ref.Name, ref.Arch, ref.Branch)
	ref.Source = source
	ref.InstalledAt = time.Now().UTC()

	if err := s.ensureRuntime(ctx, ref, opts.RuntimeSource); err != nil {
		return nil, err
	}
	if err := s.deploy(ref, pkg); err != nil {
		return nil, err
	}
	s.logger.Info("installed package",
		zap.String("ref", ref.ID),
		zap.String("layout", string(ref.Layout)),
		zap.String("root", ref.Root))
	return ref, nil
}

// ensureRuntime installs the runtime ref depends on from source unless it
// is already present. The runtime has to be the one ref names.
func (s *Store) ensureRuntime(ctx context.Context, ref *ApplicationRef, source string) error {
	if source == "" || ref.Kind != KindApp || ref.Runtime == "" {
		return nil
	}
	if _, err := s.LookupRuntime(ref.Runtime); err == nil {
		s.logger.Debug("runtime already installed", zap.String("runtime", ref.Runtime))
		return nil
	}
	rt, err := s.Install(ctx, source, InstallOptions{})
	if err != nil {
		return fmt.Errorf("install runtime %s: %w", ref.Runtime, err)
	}
	if _, err := s.LookupRuntime(ref.Runtime); err != nil {
		return fault.Wrap(err, fault.NotFound, ref.Runtime, "%s provides %s, not the runtime %s needs", source, rt.ID, ref.Name)
	}
	return nil
}

func (s *Store) unpackImage(ctx context.Context, source, pkg string) (*ApplicationRef, error) {
	image, name, branch := parseImageRef(source)
	command, err := s.fetchImage(ctx, image, filepath.Join(pkg, "rootfs"))
	if err != nil {
		return nil, err
	}
	if len(command) == 0 {
		command = []string{"/bin/sh"}
	}
	return &ApplicationRef{
		Name:         name,
		Kind:         KindApp,
		Branch:       branch,
		Root:         pkg,
		Layout:       LayoutRootfs,
		Command:      command,
		Requirements: []string{"network"},
	}, nil
}

func (s *Store) fetchFromDaemon(ctx context.Context, image, dst string) ([]string, error) {
	src, err := NewDockerSource(s.logger)
	if err != nil {
		return nil, err
	}
	defer src.Close()
	return src.Fetch(ctx, image, dst)
}

// unpackLocal copies or extracts source and reads its metadata. The
// returned ref's Root is the package directory to deploy.
func (s *Store) unpackLocal(source, pkg string, opts InstallOptions) (*ApplicationRef, error) {
	info, err := os.Stat(source)
	if err != nil {
		return nil, fault.Wrap(err, fault.NotFound, "", "package source %s", source)
	}

	switch {
	case info.IsDir():
		if err := copyTree(source, pkg); err != nil {
			return nil, fmt.Errorf("copy %s: %w", source, err)
		}
	case isArchive(source):
		rc, err := openArchive(source)
		if err != nil {
			return nil, err
		}
		err = extractTar(rc, pkg)
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("extract %s: %w", source, err)
		}
	default:
		return nil, fmt.Errorf("%s is neither a directory nor a supported archive", source)
	}

	pkg = unwrapSingleDir(pkg)
	mdPath := filepath.Join(pkg, "metadata")
	if _, err := os.Stat(mdPath); err != nil {
		name := opts.Name
		if name == "" {
			name = strings.TrimSuffix(filepath.Base(source), archiveSuffix(source))
		}
		command := opts.Command
		if len(command) == 0 {
			command = []string{"/bin/sh"}
		}
		return &ApplicationRef{Name: name, Kind: KindApp, Root: pkg, Layout: LayoutRootfs, Command: command}, nil
	}

	md, err := ParseMetadata(mdPath)
	if err != nil {
		return nil, err
	}
	if info, err := os.Stat(filepath.Join(pkg, "files")); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%s: package has metadata but no files/ directory", source)
	}
	ref := &ApplicationRef{
		Name:         md.Name,
		Kind:         md.Kind,
		Root:         pkg,
		Layout:       LayoutFlatpak,
		Command:      md.Command,
		Requirements: md.Requirements(),
	}
	switch md.Kind {
	case KindApp:
		if md.Runtime != "" {
			if _, _, _, err := ParseRuntime(md.Runtime); err != nil {
				return nil, err
			}
		}
		ref.Runtime = md.Runtime
	case KindRuntime:
		// runtime=org.gnome.Platform/x86_64/46 names the runtime itself
		if name, arch, branch, err := ParseRuntime(md.Runtime); err == nil && name == md.Name {
			ref.Arch, ref.Branch = arch, branch
		}
	}
	return ref, nil
}

// unwrapSingleDir descends into a lone top-level directory that holds the
// package, as produced by "tar czf pkg.tgz pkg/".
func unwrapSingleDir(dir string) string {
	if _, err := os.Stat(filepath.Join(dir, "metadata")); err == nil {
		return dir
	}
	entries, err := os.ReadDir(dir)
	if err != nil || len(entries) != 1 || !entries[0].IsDir() {
		return dir
	}
	inner := filepath.Join(dir, entries[0].Name())
	if _, err := os.Stat(filepath.Join(inner, "metadata")); err == nil {
		return inner
	}
	return dir
}

// deploy moves pkg into a fresh deployment directory, records ref and
// switches the active link.
func (s *Store) deploy(ref *ApplicationRef, pkg string) error {
	base := s.refDir(ref.Kind, ref.Name, ref.Arch, ref.Branch)
	if err := os.MkdirAll(base, 0755); err != nil {
		return fmt.Errorf("create %s: %w", base, err)
	}
	id := strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
	deployment := filepath.Join(base, id)
	if err := os.Rename(pkg, deployment); err != nil {
		return fmt.Errorf("move package into store: %w", err)
	}

	switch ref.Layout {
	case LayoutFlatpak:
		ref.Root = filepath.Join(deployment, "files")
	default:
		ref.Root = filepath.Join(deployment, "rootfs")
		if _, err := os.Stat(ref.Root); os.IsNotExist(err) {
			// local rootfs packages are deployed as-is
			ref.Root = deployment
		}
	}

	data, err := yaml.Marshal(ref)
	if err != nil {
		return fmt.Errorf("encode %s: %w", refFile, err)
	}
	if err := atomicwriter.WriteFile(filepath.Join(deployment, refFile), data, 0644); err != nil {
		return fmt.Errorf("write %s: %w", refFile, err)
	}

	tmp := filepath.Join(base, "."+activeLink+"-"+id)
	if err := os.Symlink(id, tmp); err != nil {
		return fmt.Errorf("link deployment: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(base, activeLink)); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("activate deployment: %w", err)
	}
	return nil
}

func (s *Store) refDir(kind Kind, name, arch, branch string) string {
	return filepath.Join(s.root, string(kind), name, arch, branch)
}

func (s *Store) readRef(dir string) (*ApplicationRef, error) {
	data, err := os.ReadFile(filepath.Join(dir, activeLink, refFile))
	if err != nil {
		return nil, err
	}
	var ref ApplicationRef
	if err := yaml.Unmarshal(data, &ref); err != nil {
		return nil, fmt.Errorf("parse %s: %w", filepath.Join(dir, activeLink, refFile), err)
	}
	return &ref, nil
}

// Lookup returns the installed application. appID is a bare name or
// name/arch/branch. With a bare name the host architecture and the stable
// branch are preferred.
func (s *Store) Lookup(appID string) (*ApplicationRef, error) {
	return s.lookup(KindApp, appID)
}

// LookupRuntime returns the installed runtime for a name/arch/branch reference.
func (s *Store) LookupRuntime(ref string) (*ApplicationRef, error) {
	if _, _, _, err := ParseRuntime(ref); err != nil {
		return nil, fault.Wrap(err, fault.NotFound, ref, "bad runtime reference")
	}
	return s.lookup(KindRuntime, ref)
}

func (s *Store) lookup(kind Kind, id string) (*ApplicationRef, error) {
	if name, arch, branch, err := ParseRuntime(id); err == nil {
		ref, err := s.readRef(s.refDir(kind, name, arch, branch))
		if err != nil {
			return nil, fault.Wrap(err, fault.NotFound, id, "%s not installed", kind)
		}
		return ref, nil
	}

	matches, _ := filepath.Glob(filepath.Join(s.root, string(kind), id, "*", "*", activeLink))
	if len(matches) == 0 {
		return nil, fault.New(fault.NotFound, id, "%s not installed", kind)
	}
	rank := func(p string) int {
		branch := filepath.Base(filepath.Dir(p))
		arch := filepath.Base(filepath.Dir(filepath.Dir(p)))
		r := 0
		if arch == HostArch() {
			r += 2
		}
		if branch == DefaultBranch {
			r++
		}
		return r
	}
	sort.SliceStable(matches, func(i, j int) bool {
		ri, rj := rank(matches[i]), rank(matches[j])
		if ri != rj {
			return ri > rj
		}
		return matches[i] > matches[j]
	})

	ref, err := s.readRef(filepath.Dir(matches[0]))
	if err != nil {
		return nil, fault.Wrap(err, fault.NotFound, id, "read installed %s", kind)
	}
	return ref, nil
}

// Resolve returns the application and, for flatpak applications, the
// runtime it depends on. A missing runtime is reported as NotFound.
func (s *Store) Resolve(appID string) (app, runtime *ApplicationRef, err error) {
	app, err = s.Lookup(appID)
	if err != nil {
		return nil, nil, err
	}
	if app.Layout != LayoutFlatpak || app.Runtime == "" {
		return app, nil, nil
	}
	runtime, err = s.LookupRuntime(app.Runtime)
	if err != nil {
		return nil, nil, fault.Wrap(err, fault.NotFound, app.Runtime, "runtime for %s is not installed", app.Name)
	}
	return app, runtime, nil
}

// List returns every installed package sorted by id.
func (s *Store) List() ([]*ApplicationRef, error) {
	matches, err := filepath.Glob(filepath.Join(s.root, "*", "*", "*", "*", activeLink))
	if err != nil {
		return nil, err
	}
	refs := make([]*ApplicationRef, 0, len(matches))
	for _, m := range matches {
		ref, err := s.readRef(filepath.Dir(m))
		if err != nil {
			s.logger.Warn("skipping unreadable package", zap.String("path", m), zap.Error(err))
			continue
		}
		refs = append(refs, ref)
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].ID < refs[j].ID })
	return refs, nil
}
