// Command jailbridge installs desktop applications and runs them in
// chroot jails that bridge selected host resources in.
package main

import (
	"errors"
	"fmt"
	"jailbridge/internal/acquire"
	"jailbridge/internal/config"
	"jailbridge/internal/fault"
	"jailbridge/internal/inject"
	"jailbridge/internal/jailhouse"
	"jailbridge/internal/journal"
	"jailbridge/internal/launcher"
	"jailbridge/internal/logging"
	"jailbridge/internal/mount"
	"jailbridge/internal/registry"
	"os"
	"path/filepath"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

const version = "0.4.0"

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		var coder interface{ ExitCode() int }
		if errors.As(err, &coder) {
			os.Exit(coder.ExitCode())
		}
		os.Exit(fault.ExitCode(err))
	}
}

// globals are the flags accepted before the subcommand.
type globals struct {
	configPath string
	stateDir   string
	debug      bool
	logLevel   string
	logFormat  string
}

func run(args []string) error {
	var g globals
	flags := pflag.NewFlagSet("jailbridge", pflag.ContinueOnError)
	flags.SetInterspersed(false)
	flags.StringVar(&g.configPath, "config", "", "configuration file (default $JAILBRIDGE_CONFIG or "+config.DefaultPath+")")
	flags.StringVar(&g.stateDir, "state-dir", "", "directory for the registry, journal and installed packages")
	flags.BoolVar(&g.debug, "debug", false, "leave jails mounted after the application exits")
	flags.StringVar(&g.logLevel, "log-level", "", "log level: debug, info, warn, error")
	flags.StringVar(&g.logFormat, "log-format", "", "log format: console or json")
	showVersion := flags.Bool("version", false, "print the version and exit")
	flags.Usage = func() { usage(flags) }

	if err := flags.Parse(args); err != nil {
		return err
	}
	if *showVersion {
		fmt.Printf("jailbridge %s\n", version)
		return nil
	}
	if flags.NArg() < 1 {
		usage(flags)
		return fault.New(fault.Internal, "", "no command given")
	}

	app, err := setup(g, flags)
	if err != nil {
		return err
	}
	defer app.close()

	command, rest := flags.Arg(0), flags.Args()[1:]
	switch command {
	case "install":
		return app.install(rest)
	case "run":
		return app.run(rest)
	case "list":
		return app.list(rest)
	case "cleanup":
		return app.cleanup(rest)
	case "inspect":
		return app.inspect(rest)
	default:
		usage(flags)
		return fault.New(fault.Internal, "", "unknown command: %s", command)
	}
}

func usage(flags *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, "jailbridge v%s - run desktop applications in chroot jails\n\n", version)
	fmt.Fprintf(os.Stderr, "Usage: jailbridge [options] <command>\n\n")
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  install <source>             Install a package directory, archive or docker://image\n")
	fmt.Fprintf(os.Stderr, "    [--runtime <source>]       Also install the runtime it needs from <source>\n")
	fmt.Fprintf(os.Stderr, "  run <app-id> [-- args]       Run an installed application in a new jail\n")
	fmt.Fprintf(os.Stderr, "  list [--watch] [--apps]      List jail instances (or installed packages)\n")
	fmt.Fprintf(os.Stderr, "  cleanup [<instance-id>]      Tear down one instance, or every abandoned one\n")
	fmt.Fprintf(os.Stderr, "  inspect <instance-id>        Show an instance's mounts and history\n\n")
	fmt.Fprintf(os.Stderr, "Options:\n")
	flags.PrintDefaults()
}

// app holds the components shared by every command.
type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	registry *registry.Registry
	journal  *journal.Journal
	store    *acquire.Store
}

func setup(g globals, flags *pflag.FlagSet) (*app, error) {
	path := g.configPath
	if path == "" {
		path = os.Getenv("JAILBRIDGE_CONFIG")
	}
	if path == "" {
		path = config.DefaultPath
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return nil, err
	}
	if flags.Changed("state-dir") {
		cfg.StateDir = g.stateDir
	}
	if flags.Changed("debug") {
		cfg.Debug = g.debug
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = g.logLevel
	}
	if flags.Changed("log-format") {
		cfg.Log.Format = g.logFormat
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	if err != nil {
		return nil, err
	}

	reg, err := registry.New(registry.Config{StateDir: cfg.StateDir, Logger: logger})
	if err != nil {
		return nil, err
	}
	store, err := acquire.NewStore(acquire.Config{Root: filepath.Join(cfg.StateDir, "apps"), Logger: logger})
	if err != nil {
		return nil, err
	}
	j, err := journal.Open(filepath.Join(cfg.StateDir, journal.FileName))
	if err != nil {
		return nil, err
	}

	return &app{cfg: cfg, logger: logger, registry: reg, journal: j, store: store}, nil
}

func (a *app) close() {
	a.journal.Close()
	a.logger.Sync()
}

// manager wires the lifecycle manager. The host graphics stack is only
// probed when detect is set.
func (a *app) manager(detect bool) (*jailhouse.Manager, error) {
	var abi inject.ABI
	if detect && a.cfg.Inject != config.InjectNever {
		detector := &inject.Detector{
			SearchDirs: a.cfg.Libraries.SearchDirs,
			ICDDirs:    a.cfg.Libraries.ICDDirs,
			DRIDirs:    a.cfg.Libraries.DRIDirs,
			SysfsRoot:  "/sys",
		}
		abi = detector.Detect()
		a.logger.Debug("host graphics stack", zap.Stringer("abi", abi))
	}

	return jailhouse.NewManager(jailhouse.Config{
		Registry: a.registry,
		Mounter:  mount.NewKernel(),
		Launcher: launcher.New(launcher.Config{
			StopGrace: a.cfg.StopGrace,
			Logger:    a.logger,
		}),
		Injector: inject.New(inject.Config{
			SearchDirs: a.cfg.Libraries.SearchDirs,
			Logger:     a.logger,
		}),
		ABI:             abi,
		Journal:         a.journal,
		JailBase:        a.cfg.JailBase,
		MountRetries:    a.cfg.MountRetries,
		MountRetryDelay: a.cfg.MountRetryDelay,
		Debug:           a.cfg.Debug,
		Capabilities:    a.cfg.Capabilities,
		Overrides:       a.cfg.Resources,
		InjectMode:      a.cfg.Inject,
		Logger:          a.logger,
	})
}

func requireRoot(command string) error {
	if os.Geteuid() != 0 {
		return fault.New(fault.Internal, "", "%s needs root to mount (try sudo)", command)
	}
	return nil
}
