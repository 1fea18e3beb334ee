// Package runtime implements the runtime stub of a packaged executable: it
// mounts the image appended to the executable, launches the entry point in
// an isolated root and releases the mount when the entry point exits.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/distr1/apprun"
	"github.com/distr1/apprun/internal/elfstub"
	"github.com/distr1/apprun/internal/env"
	"github.com/distr1/apprun/internal/launch"
	"github.com/distr1/apprun/internal/layout"
	"github.com/distr1/apprun/internal/mount"
	"github.com/distr1/apprun/internal/squashfs"
	"github.com/distr1/apprun/internal/trace"
	"github.com/google/uuid"
	"github.com/spf13/pflag"
	"golang.org/x/xerrors"
)

// FlagPrefix marks arguments which are consumed by the runtime instead of
// being passed to the entry point.
const FlagPrefix = "--apprun-"

// Config describes one invocation of a packaged executable.
type Config struct {
	// Args is the argument vector, including argv[0].
	Args []string

	// Env is the environment, in os.Environ() format.
	Env []string

	// Self is the path of the packaged executable. Defaults to
	// os.Executable(), which is resolved via /proc/self/exe and hence
	// independent of argv[0].
	Self string

	// Exe is the program which runs stage 2. Defaults to /proc/self/exe.
	Exe string

	// Stdin, Stdout and Stderr default to the corresponding os.File.
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

type options struct {
	binds        []string
	entrypoint   string
	mounter      string
	mountTimeout time.Duration
	offset       bool
	mount        bool
	version      bool
	debug        bool
	help         bool
}

func getenv(environ []string, key string) string {
	for i := len(environ) - 1; i >= 0; i-- {
		if v, ok := strings.CutPrefix(environ[i], key+"="); ok {
			return v
		}
	}
	return ""
}

func newFlagSet(opts *options, environ []string) *pflag.FlagSet {
	fset := pflag.NewFlagSet("apprun", pflag.ContinueOnError)
	fset.SortFlags = false
	mounter := getenv(environ, env.Mounter)
	if mounter == "" {
		mounter = mount.NameFUSE
	}
	fset.StringArrayVar(&opts.binds, "apprun-bind", nil, "host path to make visible to the program (repeatable; replaces the default list)")
	fset.StringVar(&opts.entrypoint, "apprun-entrypoint", "", "path of the program to run inside the image, instead of /"+layout.Entrypoint)
	fset.StringVar(&opts.mounter, "apprun-mounter", mounter, "how to mount the image: "+mount.NameFUSE+" or "+mount.NameSquashfuse)
	fset.DurationVar(&opts.mountTimeout, "apprun-mount-timeout", launch.DefaultProbeTimeout, "give up mounting the image or accessing a host path after this long")
	fset.BoolVar(&opts.offset, "apprun-offset", false, "print the offset of the image and exit")
	fset.BoolVar(&opts.mount, "apprun-mount", false, "mount the image, print the mount point and wait for a signal")
	fset.BoolVar(&opts.version, "apprun-version", false, "print the runtime version and exit")
	fset.BoolVar(&opts.debug, "apprun-debug", getenv(environ, env.Debug) != "", "enable debug logging")
	fset.BoolVar(&opts.help, "apprun-help", false, "print this help and exit")
	return fset
}

// NewFlagSet returns the runtime flags with their default values.
func NewFlagSet() *pflag.FlagSet {
	var opts options
	return newFlagSet(&opts, nil)
}

// SplitArgs separates the runtime flags (beginning with --apprun-) from the
// arguments for the entry point. The order of both is preserved. A runtime
// flag which takes a value consumes the following argument unless the value
// is given as --apprun-flag=value.
func SplitArgs(fset *pflag.FlagSet, args []string) (runtimeArgs, forwarded []string) {
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if !strings.HasPrefix(arg, FlagPrefix) {
			forwarded = append(forwarded, arg)
			continue
		}
		runtimeArgs = append(runtimeArgs, arg)
		name := strings.TrimPrefix(arg, "--")
		if strings.Contains(name, "=") {
			continue
		}
		if f := fset.Lookup(name); f != nil && f.NoOptDefVal == "" && i+1 < len(args) {
			i++
			runtimeArgs = append(runtimeArgs, args[i])
		}
	}
	return runtimeArgs, forwarded
}

// Run runs the packaged executable described by cfg and returns the exit
// code. It returns once the mount is released.
func Run(ctx context.Context, cfg Config) int {
	stdout := cfg.Stdout
	if stdout == nil {
		stdout = os.Stdout
	}
	stderr := cfg.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}

	var opts options
	fset := newFlagSet(&opts, cfg.Env)
	fset.SetOutput(stderr)
	var argv0 string
	var args []string
	if len(cfg.Args) > 0 {
		argv0, args = cfg.Args[0], cfg.Args[1:]
	}
	runtimeArgs, forwarded := SplitArgs(fset, args)
	if err := fset.Parse(runtimeArgs); err != nil {
		ctx = apprun.WithLogger(ctx, stderr, slog.LevelWarn)
		clog.FromContext(ctx).Error(apprun.Errorf(apprun.StageRuntime, "%w", err).Error())
		return apprun.ExitUsage
	}
	if opts.help {
		fmt.Fprintf(stderr, "Runtime flags of %s (all other arguments are passed to the program):\n", argv0)
		fset.PrintDefaults()
		return 0
	}
	if opts.version {
		fmt.Fprintf(stdout, "apprun runtime %s\n", apprun.Version)
		return 0
	}

	level := slog.LevelWarn
	if opts.debug {
		level = slog.LevelDebug
	}
	ctx = apprun.WithLogger(ctx, stderr, level)
	log := clog.FromContext(ctx)

	binds, err := bindsFromEnv(opts.binds, cfg.Env)
	if err != nil {
		log.Error(apprun.Errorf(apprun.StageRuntime, "%w", err).Error())
		return apprun.ExitUsage
	}
	mounter, err := mount.New(opts.mounter)
	if err != nil {
		log.Error(apprun.Errorf(apprun.StageRuntime, "%w", err).Error())
		return apprun.ExitUsage
	}

	r := &run{
		cfg:     cfg,
		opts:    opts,
		argv0:   argv0,
		args:    forwarded,
		binds:   binds,
		mounter: mounter,
		stdout:  stdout,
		stderr:  stderr,
	}
	if path := getenv(cfg.Env, env.Trace); path != "" {
		closeTrace, err := trace.Create(path)
		if err != nil {
			log.Warn("not tracing", "err", err)
		} else {
			r.cleanup.Register(closeTrace)
		}
	}
	code, err := r.run(ctx)
	if err != nil {
		log.Error(err.Error())
		code = apprun.ExitCodeOf(err)
	}
	if err := r.cleanup.Run(); err != nil {
		// The entry point’s exit code takes precedence.
		log.Warn(apprun.Errorf(apprun.StageCleanup, "%w", err).Error())
	}
	return code
}

// bindsFromEnv returns the allow-list configured via flags or environment,
// or nil if neither is set.
func bindsFromEnv(flagBinds, environ []string) ([]string, error) {
	if len(flagBinds) > 0 {
		var binds []string
		for _, b := range flagBinds {
			split, err := layout.SplitBinds(b)
			if err != nil {
				return nil, xerrors.Errorf("--apprun-bind: %w", err)
			}
			binds = append(binds, split...)
		}
		return binds, nil
	}
	if v := getenv(environ, env.Binds); v != "" {
		binds, err := layout.SplitBinds(v)
		if err != nil {
			return nil, xerrors.Errorf("$%s: %w", env.Binds, err)
		}
		return binds, nil
	}
	return nil, nil
}

type run struct {
	cfg     Config
	opts    options
	argv0   string
	args    []string
	binds   []string
	mounter mount.Mounter
	stdout  io.Writer
	stderr  io.Writer

	cleanup apprun.AtExit
	session string
	self    string
	offset  int64
	dir     string
}

func (r *run) run(ctx context.Context) (int, error) {
	if err := r.locate(); err != nil {
		return 0, err
	}
	if r.opts.offset {
		fmt.Fprintln(r.stdout, r.offset)
		return 0, nil
	}

	r.session = uuid.New().String()
	ctx = clog.WithValues(ctx, "session", r.session)
	log := clog.FromContext(ctx)

	if err := interrupted(ctx, "before mounting the image"); err != nil {
		return 0, err
	}
	ev := trace.Event("mount", "runtime").Arg("mounter", r.opts.mounter)
	err := r.mount(ctx)
	ev.Done()
	if err != nil {
		if ierr := interrupted(ctx, "mounting the image"); ierr != nil {
			return 0, ierr
		}
		return 0, err
	}

	if r.opts.mount {
		fmt.Fprintln(r.stdout, r.dir)
		log.Debug("waiting for a signal")
		<-ctx.Done()
		return 0, nil
	}

	entry, err := layout.Validate(r.dir, r.opts.entrypoint)
	if err != nil {
		return 0, validationError(err)
	}
	log.Debug("entry point", "target", entry.Target, "wrapper", entry.Wrapper)

	binds := r.binds
	if binds == nil {
		binds, err = r.bakedBinds()
		if err != nil {
			return 0, apprun.Errorf(apprun.StageRuntime, "%w", err)
		}
	}
	if binds == nil {
		binds = layout.DefaultBinds
	}

	if err := interrupted(ctx, "before launching the entry point"); err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, apprun.Errorf(apprun.StageRuntime, "before launching the entry point: %w", err)
	}

	wd, err := os.Getwd()
	if err != nil {
		wd = "/"
	}
	cmd := &launch.Cmd{
		Spec: launch.Spec{
			MountDir:     r.dir,
			Entrypoint:   entry.Name,
			Target:       entry.Target,
			Wrapper:      entry.Wrapper,
			Binds:        binds,
			ProbeTimeout: r.opts.mountTimeout,
			Dir:          wd,
			Args:         append([]string{r.argv0}, r.args...),
			Env:          r.environ(wd),
			Debug:        r.opts.debug,
		},
		Stdin:  r.cfg.Stdin,
		Stdout: r.cfg.Stdout,
		Stderr: r.cfg.Stderr,
		Exe:    r.cfg.Exe,
	}
	ev = trace.Event("launch", "runtime").Arg("entrypoint", entry.Target)
	code, err := cmd.Run(ctx)
	ev.Arg("code", code).Done()
	if err != nil {
		return 0, err
	}
	log.Debug("entry point exited", "code", code)
	return code, nil
}

// locate finds the image within the executable.
func (r *run) locate() error {
	r.self = r.cfg.Self
	if r.self == "" {
		self, err := os.Executable()
		if err != nil {
			return apprun.Errorf(apprun.StageRuntime, "locating executable: %w", err)
		}
		r.self = self
	}
	f, err := os.Open(r.self)
	if err != nil {
		return apprun.Errorf(apprun.StageRuntime, "%w", err)
	}
	defer f.Close()
	ok, err := elfstub.HasMagic(f)
	if err != nil {
		return apprun.Errorf(apprun.StageMount, "%s: %w", r.self, err)
	}
	if !ok {
		return apprun.Errorf(apprun.StageMount, "%s: not a packaged executable (magic missing)", r.self)
	}
	offset, err := elfstub.Size(f)
	if err != nil {
		return apprun.Errorf(apprun.StageMount, "%s: %w", r.self, err)
	}
	r.offset = offset
	return nil
}

// mount creates the private mount point and mounts the image on it. Both are
// released by r.cleanup.
func (r *run) mount(ctx context.Context) error {
	log := clog.FromContext(ctx)

	r.dir = filepath.Join(env.RuntimeDir(), ".apprun-"+r.session)
	if err := os.Mkdir(r.dir, 0700); err != nil {
		return apprun.Errorf(apprun.StageRuntime, "creating mount point: %w", err)
	}
	dir := r.dir
	r.cleanup.Register(func() error {
		log.Debug("removing mount point", "dir", dir)
		return os.Remove(dir)
	})

	mountCtx, canc := context.WithTimeout(ctx, r.opts.mountTimeout)
	defer canc()
	h, err := r.mounter.Mount(mountCtx, r.self, r.offset, r.dir)
	if err != nil {
		return apprun.Errorf(apprun.StageMount, "%w", err)
	}
	r.cleanup.Register(func() error {
		log.Debug("unmounting", "dir", h.Target)
		defer trace.Event("unmount", "runtime").Done()
		return r.mounter.Unmount(h)
	})
	return nil
}

// bakedBinds returns the allow-list stored in the image, or nil if the image
// has none. It is read from the executable, not through the mount: this
// process serves the FUSE mount and never answers the poll request which
// opening a regular file on it triggers.
func (r *run) bakedBinds() ([]string, error) {
	f, err := os.Open(r.self)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	rd, err := squashfs.NewReader(io.NewSectionReader(f, r.offset, st.Size()-r.offset))
	if err != nil {
		return nil, err
	}
	return layout.ReadBinds(rd)
}

// interrupted returns the error for a run canceled by a termination signal,
// exiting with 128+n for signal n, or nil if ctx was not interrupted.
func interrupted(ctx context.Context, when string) error {
	ie := apprun.Interrupted(ctx)
	if ie == nil {
		return nil
	}
	return &apprun.StageError{
		Stage: apprun.StageRuntime,
		Code:  ie.ExitCode(),
		Err:   xerrors.Errorf("%s: %w", when, ie),
	}
}

// validationError attributes a layout validation failure to a stage.
func validationError(err error) error {
	switch {
	case errors.Is(err, layout.ErrEntrypointNotFound):
		return &apprun.StageError{Stage: apprun.StageExec, Code: apprun.ExitNotFound, Err: err}
	case errors.Is(err, layout.ErrNotExecutable):
		return &apprun.StageError{Stage: apprun.StageExec, Err: err}
	}
	return apprun.Errorf(apprun.StageRuntime, "validating image: %w", err)
}

// environ returns the environment of the entry point: the original
// environment with the runtime’s variables set.
func (r *run) environ(wd string) []string {
	overrides := map[string]string{
		env.AppImage: r.self,
		env.AppDir:   r.dir,
		env.Argv0:    r.argv0,
		env.OWD:      wd,
		env.Session:  r.session,
	}
	var prefix []string
	for _, dir := range []string{"/bin", "/usr/bin"} {
		if fi, err := os.Stat(filepath.Join(r.dir, dir)); err == nil && fi.IsDir() {
			prefix = append(prefix, dir)
		}
	}
	if len(prefix) > 0 {
		path := strings.Join(prefix, ":")
		if old := getenv(r.cfg.Env, "PATH"); old != "" {
			path += ":" + old
		}
		overrides["PATH"] = path
	}
	return mergeEnv(r.cfg.Env, overrides)
}

// mergeEnv returns environ with overrides set, dropping previous values.
func mergeEnv(environ []string, overrides map[string]string) []string {
	result := make([]string, 0, len(environ)+len(overrides))
	for _, kv := range environ {
		key := kv
		if idx := strings.IndexByte(kv, '='); idx > -1 {
			key = kv[:idx]
		}
		if _, ok := overrides[key]; ok {
			continue
		}
		result = append(result, kv)
	}
	keys := make([]string, 0, len(overrides))
	for key := range overrides {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		result = append(result, key+"="+overrides[key])
	}
	return result
}
