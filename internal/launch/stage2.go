package launch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/distr1/apprun"
	"github.com/distr1/apprun/internal/env"
	"github.com/distr1/apprun/internal/layout"
	"github.com/distr1/apprun/internal/statusfd"
	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"
)

// DefaultProbeTimeout is used when Spec.ProbeTimeout is zero.
const DefaultProbeTimeout = 5 * time.Second

// Stage2 builds the new root described by the Spec inherited from stage 1
// and executes the entry point. It only returns on failure, after reporting
// the failure to stage 1, with the exit code to use.
func Stage2(ctx context.Context) int {
	log := clog.FromContext(ctx)
	// Keep the status descriptor from leaking into the entry point:
	unix.CloseOnExec(statusFD)

	fail := func(err error) int {
		code := apprun.ExitCodeOf(err)
		st := Status{
			Stage:   apprun.StageRuntime,
			Code:    code,
			Message: err.Error(),
		}
		var se *apprun.StageError
		if errors.As(err, &se) {
			st.Stage = se.Stage
			st.Message = se.Err.Error()
		}
		if werr := statusfd.Write(statusFD, &st); werr != nil {
			log.Error("reporting status failed", "err", werr, "status", err)
		}
		return code
	}

	spec, err := readSpec()
	if err != nil {
		return fail(apprun.Errorf(apprun.StageRuntime, "%w", err))
	}
	level := slog.LevelWarn
	if spec.Debug {
		level = slog.LevelDebug
	}
	ctx = apprun.WithLogger(ctx, os.Stderr, level)
	log = clog.FromContext(ctx)
	log.Debug("stage 2", "mount", spec.MountDir, "entrypoint", spec.Entrypoint)
	newRoot, err := setupRoot(ctx, spec)
	if err != nil {
		return fail(apprun.Errorf(apprun.StageIsolation, "%w", err))
	}
	if err := enterRoot(newRoot, spec.Dir); err != nil {
		return fail(apprun.Errorf(apprun.StageIsolation, "%w", err))
	}
	return fail(execEntrypoint(spec))
}

// setupRoot creates the new root on top of the image’s mountroot directory
// and returns its path.
func setupRoot(ctx context.Context, spec *Spec) (string, error) {
	log := clog.FromContext(ctx)

	// Keep our mounts from propagating to the parent namespace:
	if err := unix.Mount("", "/", "", unix.MS_SLAVE|unix.MS_REC, ""); err != nil {
		return "", xerrors.Errorf("making / a slave mount: %w", err)
	}

	newRoot := filepath.Join(spec.MountDir, layout.MountRoot)
	if err := unix.Mount("tmpfs", newRoot, "tmpfs", unix.MS_NOSUID|unix.MS_NODEV, "mode=0755"); err != nil {
		return "", xerrors.Errorf("mounting tmpfs on %s: %w", newRoot, err)
	}

	entries, err := os.ReadDir(spec.MountDir)
	if err != nil {
		return "", err
	}
	for _, e := range entries {
		if e.Name() == layout.MountRoot {
			continue
		}
		src := filepath.Join(spec.MountDir, e.Name())
		dst := filepath.Join(newRoot, e.Name())
		if e.Type()&fs.ModeSymlink != 0 {
			target, err := os.Readlink(src)
			if err != nil {
				return "", err
			}
			if err := os.Symlink(target, dst); err != nil {
				return "", err
			}
			continue
		}
		if err := bind(src, dst, e.IsDir()); err != nil {
			return "", err
		}
	}

	timeout := spec.ProbeTimeout
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	for _, path := range spec.Binds {
		dst := filepath.Join(newRoot, path)
		if _, err := os.Lstat(dst); err == nil {
			log.Debug("not binding host path: provided by the image", "path", path)
			continue
		}
		fi, err := probe(path, timeout)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				log.Debug("not binding host path: does not exist", "path", path)
			} else {
				log.Warn("not binding host path", "path", path, "err", err)
			}
			continue
		}
		if err := bindHost(newRoot, path, dst, fi.IsDir()); err != nil {
			log.Warn("not binding host path", "path", path, "err", err)
			continue
		}
		log.Debug("bound host path", "path", path)
	}
	return newRoot, nil
}

// bind creates the mount point dst and recursively bind-mounts src on it.
func bind(src, dst string, dir bool) error {
	if dir {
		if err := os.Mkdir(dst, 0755); err != nil && !errors.Is(err, fs.ErrExist) {
			return err
		}
	} else {
		f, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return err
		}
		f.Close()
	}
	if err := unix.Mount(src, dst, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
		return xerrors.Errorf("bind-mounting %s on %s: %w", src, dst, err)
	}
	return nil
}

// bindHost binds host path src at dst below newRoot, creating missing parent
// directories on the tmpfs.
func bindHost(newRoot, src, dst string, dir bool) error {
	rel, err := filepath.Rel(newRoot, filepath.Dir(dst))
	if err != nil {
		return err
	}
	if strings.HasPrefix(rel, "..") {
		return xerrors.Errorf("%s is outside of the new root", src)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	return bind(src, dst, dir)
}

// probe stats path, giving up after timeout.
func probe(path string, timeout time.Duration) (os.FileInfo, error) {
	type result struct {
		fi  os.FileInfo
		err error
	}
	// Buffered: the stat may return after the timeout.
	ch := make(chan result, 1)
	go func() {
		fi, err := os.Stat(path)
		ch <- result{fi, err}
	}()
	select {
	case r := <-ch:
		return r.fi, r.err
	case <-time.After(timeout):
		return nil, xerrors.Errorf("stat %s: timed out after %v", path, timeout)
	}
}

// enterRoot changes the root directory to newRoot and restores the working
// directory dir, falling back to /.
func enterRoot(newRoot, dir string) error {
	if err := unix.Chroot(newRoot); err != nil {
		return xerrors.Errorf("chroot(%s): %w", newRoot, err)
	}
	if dir == "" || unix.Chdir(dir) != nil {
		if err := unix.Chdir("/"); err != nil {
			return err
		}
	}
	return nil
}

// execEntrypoint replaces the process with the entry point, or the AppRun
// wrapper if present. It only returns on failure.
func execEntrypoint(spec *Spec) error {
	program := "/" + spec.Entrypoint
	environ := make([]string, 0, len(spec.Env)+1)
	for _, kv := range spec.Env {
		if strings.HasPrefix(kv, env.Stage2+"=") || strings.HasPrefix(kv, env.Entrypoint+"=") {
			continue
		}
		environ = append(environ, kv)
	}
	if spec.Wrapper {
		program = "/" + layout.AppRun
		environ = append(environ, env.Entrypoint+"="+spec.Target)
	}
	args := spec.Args
	if len(args) == 0 {
		args = []string{program}
	}

	// The entry point runs without the capabilities stage 2 needed:
	if err := unix.Prctl(unix.PR_CAP_AMBIENT, unix.PR_CAP_AMBIENT_CLEAR_ALL, 0, 0, 0); err != nil && !errors.Is(err, syscall.EINVAL) {
		return apprun.Errorf(apprun.StageIsolation, "clearing ambient capabilities: %w", err)
	}

	err := syscall.Exec(program, args, environ)
	return &apprun.StageError{
		Stage: apprun.StageExec,
		Err:   fmt.Errorf("%s: %w", program, err),
	}
}
