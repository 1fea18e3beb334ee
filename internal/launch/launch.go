// Package launch runs the entry point of a mounted image in a new mount
// namespace (and, when unprivileged, user namespace) whose root is built from
// the image.
//
// The calling process (stage 1) re-executes itself as a child in the new
// namespaces. The child (stage 2, see Stage2) sets up the mounts, changes its
// root and replaces itself with the entry point. Stage 1 forwards signals to
// the child and waits for it.
package launch

import (
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/distr1/apprun"
	"github.com/distr1/apprun/internal/env"
	"github.com/distr1/apprun/internal/statusfd"
	"github.com/fxamacker/cbor/v2"
	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"
)

// File descriptors inherited by stage 2. exec.Cmd.ExtraFiles start at 3.
const (
	specFD   = 3
	statusFD = 4
)

// Spec describes one launch. It is passed to stage 2 as a CBOR record.
type Spec struct {
	// MountDir is the host directory at which the image is mounted.
	MountDir string `cbor:"1,keyasint"`

	// Entrypoint is the entry-point reference relative to the image root,
	// e.g. "entrypoint".
	Entrypoint string `cbor:"2,keyasint"`

	// Target is the absolute in-image path Entrypoint resolves to. It is
	// exported to the wrapper in $APPRUN_ENTRYPOINT.
	Target string `cbor:"3,keyasint"`

	// Wrapper is true if /AppRun is executed instead of the entry point.
	Wrapper bool `cbor:"4,keyasint"`

	// Binds is the allow-list of host paths made visible in the new root.
	Binds []string `cbor:"5,keyasint"`

	// ProbeTimeout bounds how long stage 2 waits for a host path to be
	// stat(2)ed, e.g. on a hung network file system.
	ProbeTimeout time.Duration `cbor:"6,keyasint"`

	// Dir is the working directory to restore within the new root.
	Dir string `cbor:"7,keyasint"`

	// Args is the argument vector of the entry point, including argv[0].
	Args []string `cbor:"8,keyasint"`

	// Env is the environment of the entry point.
	Env []string `cbor:"9,keyasint"`

	// Debug enables debug logging in stage 2.
	Debug bool `cbor:"10,keyasint"`
}

// Status is reported by stage 2 when it fails before executing the entry
// point.
type Status struct {
	Stage   apprun.Stage `cbor:"1,keyasint"`
	Code    int          `cbor:"2,keyasint"`
	Message string       `cbor:"3,keyasint"`
}

// Cmd launches a Spec, similar to exec.Cmd.
type Cmd struct {
	Spec Spec

	// Stdin, Stdout and Stderr default to the corresponding os.File.
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer

	// Exe is the program executed as stage 2. It defaults to /proc/self/exe
	// and must call Stage2 when IsStage2 is true.
	Exe string
}

// ForwardedSignals are relayed from stage 1 to the entry point.
var ForwardedSignals = []os.Signal{
	syscall.SIGINT,
	syscall.SIGTERM,
	syscall.SIGHUP,
	syscall.SIGQUIT,
	syscall.SIGUSR1,
	syscall.SIGUSR2,
	syscall.SIGWINCH,
	syscall.SIGCONT,
}

// sysProcAttr returns the namespace configuration for stage 2.
func sysProcAttr() *syscall.SysProcAttr {
	if os.Geteuid() == 0 {
		return &syscall.SysProcAttr{
			Cloneflags: syscall.CLONE_NEWNS,
		}
	}
	return &syscall.SysProcAttr{
		Cloneflags: syscall.CLONE_NEWNS | syscall.CLONE_NEWUSER,
		// Map the current uid and gid to themselves, so that files created
		// by the entry point are owned by the user:
		UidMappings: []syscall.SysProcIDMap{
			{ContainerID: os.Getuid(), HostID: os.Getuid(), Size: 1},
		},
		GidMappings: []syscall.SysProcIDMap{
			{ContainerID: os.Getgid(), HostID: os.Getgid(), Size: 1},
		},
		GidMappingsEnableSetgroups: false,
		// Stage 2 runs as a non-root user within the namespace, so it would
		// lose its capabilities on execve(2) without these:
		AmbientCaps: []uintptr{
			unix.CAP_SYS_ADMIN,
			unix.CAP_SYS_CHROOT,
		},
	}
}

// Run starts stage 2, forwards signals to it and waits for it to exit. It
// returns the exit code of the entry point, or 128+n if the entry point was
// killed by signal n. Failures before the entry point was executed are
// returned as *apprun.StageError.
func (c *Cmd) Run(ctx context.Context) (int, error) {
	log := clog.FromContext(ctx)

	exe := c.Exe
	if exe == "" {
		exe = "/proc/self/exe"
	}
	specR, specW, err := os.Pipe()
	if err != nil {
		return 0, apprun.Errorf(apprun.StageRuntime, "%w", err)
	}
	defer specR.Close()
	defer specW.Close()
	statusR, statusW, err := os.Pipe()
	if err != nil {
		return 0, apprun.Errorf(apprun.StageRuntime, "%w", err)
	}
	defer statusR.Close()
	defer statusW.Close()

	cmd := exec.Command(exe)
	cmd.Args = []string{"apprun-stage2"}
	cmd.Env = []string{env.Stage2 + "=1"}
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if c.Stdin != nil {
		cmd.Stdin = c.Stdin
	}
	if c.Stdout != nil {
		cmd.Stdout = c.Stdout
	}
	if c.Stderr != nil {
		cmd.Stderr = c.Stderr
	}
	cmd.ExtraFiles = []*os.File{specR, statusW} // Go dup2()s ExtraFiles to 3 and onwards
	cmd.SysProcAttr = sysProcAttr()

	// Register before starting the child so that no signal is lost:
	sigc := make(chan os.Signal, 16)
	signal.Notify(sigc, ForwardedSignals...)
	defer signal.Stop(sigc)

	if err := cmd.Start(); err != nil {
		msg := err.Error()
		if hint := usernsHint(); hint != "" {
			msg += "\n" + hint
		}
		return 0, apprun.Errorf(apprun.StageIsolation, "creating namespaces: %s", msg)
	}
	log.Debug("started stage 2", "pid", cmd.Process.Pid)

	// Close the child’s ends of the pipes in the parent process:
	specR.Close()
	statusW.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			select {
			case sig := <-sigc:
				log.Debug("forwarding signal", "signal", sig)
				if err := cmd.Process.Signal(sig); err != nil && !errors.Is(err, os.ErrProcessDone) {
					log.Warn("forwarding signal failed", "signal", sig, "err", err)
				}
			case <-done:
				return
			}
		}
	}()

	b, err := cbor.Marshal(&c.Spec)
	if err != nil {
		cmd.Process.Kill()
		cmd.Wait()
		return 0, apprun.Errorf(apprun.StageRuntime, "encoding launch spec: %w", err)
	}
	if _, err := specW.Write(b); err != nil {
		log.Debug("writing launch spec failed", "err", err)
	}
	specW.Close()

	// The status descriptor is closed on exec, so reading returns once the
	// entry point was executed or stage 2 failed:
	var status Status
	failed, readErr := statusfd.Read(statusR, &status)

	err = cmd.Wait()
	if readErr != nil {
		log.Warn("reading stage 2 status failed", "err", readErr)
	}
	if failed {
		return 0, &apprun.StageError{
			Stage: status.Stage,
			Code:  status.Code,
			Err:   errors.New(status.Message),
		}
	}
	return exitCode(cmd.ProcessState, err)
}

// exitCode maps the termination of the entry point to an exit code.
func exitCode(ps *os.ProcessState, err error) (int, error) {
	if ps == nil {
		return 0, apprun.Errorf(apprun.StageRuntime, "waiting for entry point: %w", err)
	}
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal()), nil
	}
	return ps.ExitCode(), nil
}

// IsStage2 reports whether the current process was started by Cmd.Run.
func IsStage2() bool {
	return os.Getenv(env.Stage2) == "1"
}

// readSpec reads the Spec passed by stage 1.
func readSpec() (*Spec, error) {
	f := os.NewFile(specFD, "spec")
	if f == nil {
		return nil, xerrors.New("spec file descriptor not inherited")
	}
	defer f.Close()
	var spec Spec
	ok, err := statusfd.Read(f, &spec)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, xerrors.New("empty launch spec")
	}
	return &spec, nil
}
