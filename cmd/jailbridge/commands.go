package main

import (
	"context"
	"fmt"
	"io"
	"jailbridge/internal/acquire"
	"jailbridge/internal/fault"
	"jailbridge/internal/jailhouse"
	"jailbridge/internal/journal"
	"jailbridge/internal/registry"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/google/shlex"
	"github.com/spf13/pflag"
)

// appExitError reports an application that ran but did not succeed.
type appExitError struct {
	status registry.ExitStatus
}

func (e *appExitError) Error() string {
	if e.status.Signal != "" {
		return fmt.Sprintf("application killed by signal %s", e.status.Signal)
	}
	return fmt.Sprintf("application exited with code %d", e.status.Code)
}

func (e *appExitError) ExitCode() int {
	return fault.ExitGeneric
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func (a *app) install(args []string) error {
	fs := pflag.NewFlagSet("install", pflag.ContinueOnError)
	name := fs.String("name", "", "package name (default from metadata or file name)")
	branch := fs.String("branch", "", "branch (default "+acquire.DefaultBranch+")")
	arch := fs.String("arch", "", "architecture (default host architecture)")
	command := fs.String("command", "", "entry point with arguments")
	runtimeSource := fs.String("runtime", "", "source to install the application's runtime from when it is missing")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fault.New(fault.Internal, "", "install requires exactly one source")
	}

	opts := acquire.InstallOptions{Name: *name, Branch: *branch, Arch: *arch, RuntimeSource: *runtimeSource}
	if *command != "" {
		words, err := shlex.Split(*command)
		if err != nil {
			return fmt.Errorf("parse --command: %w", err)
		}
		opts.Command = words
	}

	ctx, stop := signalContext()
	defer stop()
	ref, err := a.store.Install(ctx, fs.Arg(0), opts)
	if err != nil {
		return err
	}
	fmt.Printf("Installed %s\n", ref.ID)
	if ref.Runtime != "" {
		if _, err := a.store.LookupRuntime(ref.Runtime); err != nil {
			fmt.Fprintf(os.Stderr, "warning: runtime %s is not installed yet (install it, or pass --runtime <source>)\n", ref.Runtime)
		}
	}
	return nil
}

func (a *app) run(args []string) error {
	fs := pflag.NewFlagSet("run", pflag.ContinueOnError)
	root := fs.String("root", "", "jail root (default <jail_base>/<instance id>)")
	caps := fs.StringSlice("cap", nil, "extra capability to bridge (repeatable)")
	env := fs.StringToString("env", nil, "environment variable for the application (KEY=VALUE)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		return fault.New(fault.Internal, "", "run requires an application id")
	}
	if err := requireRoot("run"); err != nil {
		return err
	}

	appRef, runtime, err := a.store.Resolve(fs.Arg(0))
	if err != nil {
		return err
	}
	m, err := a.manager(true)
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()
	res, err := m.Run(ctx, jailhouse.RunRequest{
		App:          appRef,
		Runtime:      runtime,
		JailRoot:     *root,
		Args:         fs.Args()[1:],
		Capabilities: *caps,
		Env:          *env,
		Stdin:        os.Stdin,
		Stdout:       os.Stdout,
		Stderr:       os.Stderr,
	})
	if res != nil && res.Instance.State == registry.StateRunning {
		fmt.Fprintf(os.Stderr, "jail %s is STILL MOUNTED at %s for debugging; run 'jailbridge cleanup %s' when done\n",
			shortID(res.Instance.ID), res.Instance.JailRoot, res.Instance.ID)
	}
	if err != nil {
		return err
	}
	if !res.Launched {
		fmt.Fprintln(os.Stderr, "stopped before the application was launched")
		return nil
	}
	if !res.Exit.Success() {
		return &appExitError{status: res.Exit}
	}
	return nil
}

func (a *app) list(args []string) error {
	fs := pflag.NewFlagSet("list", pflag.ContinueOnError)
	watch := fs.Bool("watch", false, "keep printing the list as instances change")
	apps := fs.Bool("apps", false, "list installed packages instead of instances")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *apps {
		refs, err := a.store.List()
		if err != nil {
			return err
		}
		printPackages(os.Stdout, refs)
		return nil
	}

	instances, err := a.registry.List()
	if err != nil {
		return err
	}
	printInstances(os.Stdout, instances)
	if !*watch {
		return nil
	}

	watcher, err := registry.NewWatcher(a.registry, registry.DefaultDebounce)
	if err != nil {
		return err
	}
	watcher.OnChange(func(list []*registry.Instance) {
		fmt.Printf("\n-- %s --\n", time.Now().Format("15:04:05"))
		printInstances(os.Stdout, list)
	})
	ctx, stop := signalContext()
	defer stop()
	if err := watcher.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return watcher.Stop()
}

func (a *app) cleanup(args []string) error {
	fs := pflag.NewFlagSet("cleanup", pflag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() > 1 {
		return fault.New(fault.Internal, "", "cleanup takes at most one instance id")
	}
	if err := requireRoot("cleanup"); err != nil {
		return err
	}
	m, err := a.manager(false)
	if err != nil {
		return err
	}

	if fs.NArg() == 0 {
		if err := m.CleanupAll(); err != nil {
			return err
		}
		fmt.Println("Abandoned instances cleaned up")
		return nil
	}
	if err := m.Cleanup(fs.Arg(0)); err != nil {
		return err
	}
	fmt.Printf("Instance %s cleaned up\n", fs.Arg(0))
	return nil
}

func (a *app) inspect(args []string) error {
	fs := pflag.NewFlagSet("inspect", pflag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fault.New(fault.Internal, "", "inspect requires an instance id")
	}
	id := fs.Arg(0)
	journalPath := filepath.Join(a.cfg.StateDir, journal.FileName)

	inst, err := a.registry.Find(id)
	if err != nil {
		if !fault.Is(err, fault.NotFound) {
			return err
		}
		// a destroyed instance only lives on in the journal
		history, jerr := journal.Read(journalPath, "")
		if jerr != nil {
			return jerr
		}
		var matched []journal.Entry
		for _, e := range history {
			if strings.HasPrefix(e.Instance, id) {
				matched = append(matched, e)
			}
		}
		if len(matched) == 0 {
			return err
		}
		fmt.Printf("Instance %s is no longer registered.\n\n", matched[0].Instance)
		printHistory(os.Stdout, matched)
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "ID:\t%s\n", inst.ID)
	fmt.Fprintf(w, "App:\t%s\n", inst.AppID)
	fmt.Fprintf(w, "Package:\t%s\n", inst.PackageRef)
	fmt.Fprintf(w, "State:\t%s\n", inst.State)
	fmt.Fprintf(w, "Jail root:\t%s\n", inst.JailRoot)
	fmt.Fprintf(w, "Owner PID:\t%d\n", inst.OwnerPID)
	fmt.Fprintf(w, "Created:\t%s\n", inst.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(w, "Debug:\t%v\n", inst.Debug)
	if inst.Exit != nil {
		fmt.Fprintf(w, "Exit:\t%s\n", exitString(*inst.Exit))
	}
	if inst.LastError != "" {
		fmt.Fprintf(w, "Last error:\t%s\n", inst.LastError)
	}
	w.Flush()

	fmt.Printf("\nMounts (%d, unmounted bottom-up):\n", len(inst.Mounts))
	w = tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "#\tRESOURCE\tKIND\tJAIL PATH\tHOST PATH")
	for i, rec := range inst.Mounts {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", i+1, rec.Resource, rec.Kind, rec.JailPath, rec.HostPath)
	}
	w.Flush()

	if len(inst.Injected) > 0 {
		fmt.Printf("\nInjected libraries (%d):\n", len(inst.Injected))
		w = tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "LIBRARY\tJAIL PATH\tDIGEST")
		for _, rec := range inst.Injected {
			fmt.Fprintf(w, "%s\t%s\t%s\n", rec.Library, rec.JailPath, shortDigest(rec.Digest))
		}
		w.Flush()
	}

	history, err := journal.Read(journalPath, inst.ID)
	if err != nil {
		return err
	}
	if len(history) > 0 {
		fmt.Println()
		printHistory(os.Stdout, history)
	}
	return nil
}

func printInstances(out io.Writer, instances []*registry.Instance) {
	if len(instances) == 0 {
		fmt.Fprintln(out, "No instances")
		return
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tAPP\tSTATE\tMOUNTS\tPID\tCREATED\tJAIL ROOT")
	for _, inst := range instances {
		state := string(inst.State)
		if inst.Debug && inst.Stopped {
			state += " (debug)"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\t%s\n",
			shortID(inst.ID), inst.AppID, state, len(inst.Mounts), inst.OwnerPID,
			inst.CreatedAt.Format("2006-01-02 15:04:05"), inst.JailRoot)
	}
	w.Flush()
}

func printPackages(out io.Writer, refs []*acquire.ApplicationRef) {
	if len(refs) == 0 {
		fmt.Fprintln(out, "No packages installed")
		return
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tLAYOUT\tRUNTIME\tINSTALLED")
	for _, ref := range refs {
		runtime := ref.Runtime
		if runtime == "" {
			runtime = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", ref.ID, ref.Layout, runtime, ref.InstalledAt.Format("2006-01-02 15:04"))
	}
	w.Flush()
}

func printHistory(out io.Writer, entries []journal.Entry) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tTRANSITION\tRESOURCE\tDETAIL")
	for _, e := range entries {
		transition := e.To
		if e.From != "" {
			transition = e.From + " -> " + e.To
		}
		detail := e.Detail
		if e.Error != "" {
			if detail != "" {
				detail += ": "
			}
			detail += e.Error
		}
		resource := e.Resource
		if resource == "" {
			resource = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", e.Timestamp, transition, resource, detail)
	}
	w.Flush()
}

func exitString(s registry.ExitStatus) string {
	if s.Signal != "" {
		return "signal " + s.Signal
	}
	return fmt.Sprintf("code %d", s.Code)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func shortDigest(d string) string {
	if len(d) > 16 {
		return d[:16]
	}
	return d
}
