// Package mount mounts the image embedded in an executable read-only at a
// directory, and unmounts it again.
package mount

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"

	"github.com/distr1/apprun/internal/squashfs"
	"golang.org/x/xerrors"
)

// Error kinds returned (wrapped) by Mount and Unmount.
var (
	// ErrCorrupt means the image is truncated, corrupt or uses an
	// unsupported feature.
	ErrCorrupt = errors.New("corrupt or unsupported image")

	// ErrPermission means the kernel or the FUSE helper denied the mount.
	ErrPermission = errors.New("permission denied")

	// ErrBusy means the target is already a mount point or is still in use.
	ErrBusy = errors.New("target busy")
)

// Handle identifies one mount created by a Mounter.
type Handle struct {
	Target string

	unmount func() error
}

// A Mounter mounts the image stored at offset in file on target. Mount blocks
// until the file system is ready to serve requests.
type Mounter interface {
	Mount(ctx context.Context, file string, offset int64, target string) (*Handle, error)
	Unmount(h *Handle) error
}

// Names of the available mounters, as accepted by New.
const (
	NameFUSE       = "fuse"
	NameSquashfuse = "squashfuse"
)

// New returns the Mounter called name. The empty name selects the in-process
// FUSE server.
func New(name string) (Mounter, error) {
	switch name {
	case "", NameFUSE:
		return &FUSE{}, nil
	case NameSquashfuse:
		return &Squashfuse{}, nil
	}
	return nil, fmt.Errorf("unknown mounter %q (valid: %s, %s)", name, NameFUSE, NameSquashfuse)
}

// openImage opens file and returns the image starting at offset. The
// superblock and the root directory are validated before anything is
// mounted.
func openImage(file string, offset int64) (*os.File, *io.SectionReader, error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, nil, err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	if !st.Mode().IsRegular() {
		f.Close()
		return nil, nil, xerrors.Errorf("%s: not a regular file: %w", file, ErrCorrupt)
	}
	if offset < 0 || offset >= st.Size() {
		f.Close()
		return nil, nil, xerrors.Errorf("%s: no image at offset %d (file size %d): %w", file, offset, st.Size(), ErrCorrupt)
	}
	image := io.NewSectionReader(f, offset, st.Size()-offset)
	rd, err := squashfs.NewReader(image)
	if err != nil {
		f.Close()
		return nil, nil, xerrors.Errorf("%s at offset %d: %v: %w", file, offset, err, ErrCorrupt)
	}
	if _, err := rd.Readdir(rd.RootInode()); err != nil {
		f.Close()
		return nil, nil, xerrors.Errorf("%s at offset %d: root directory: %v: %w", file, offset, err, ErrCorrupt)
	}
	return f, image, nil
}

// checkTarget returns ErrBusy if target is already a mount point.
func checkTarget(target string) error {
	st, err := os.Stat(target)
	if err != nil {
		return err
	}
	if !st.IsDir() {
		return xerrors.Errorf("%s: not a directory", target)
	}
	mounted, err := Mountpoint(target)
	if err != nil {
		return err
	}
	if mounted {
		return xerrors.Errorf("%s: already a mount point: %w", target, ErrBusy)
	}
	return nil
}

// classify wraps err with the matching error kind, if any.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrCorrupt), errors.Is(err, ErrPermission), errors.Is(err, ErrBusy):
		return err
	case errors.Is(err, syscall.EPERM), errors.Is(err, syscall.EACCES):
		return xerrors.Errorf("%v: %w", err, ErrPermission)
	case errors.Is(err, syscall.EBUSY):
		return xerrors.Errorf("%v: %w", err, ErrBusy)
	}
	return err
}

// classifyMessage maps diagnostics printed by FUSE helpers to error kinds.
func classifyMessage(msg string) error {
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "permission denied"),
		strings.Contains(lower, "operation not permitted"):
		return ErrPermission
	case strings.Contains(lower, "busy"),
		strings.Contains(lower, "mountpoint is not empty"):
		return ErrBusy
	case strings.Contains(lower, "squashfs"),
		strings.Contains(lower, "failed to open filesystem"):
		return ErrCorrupt
	}
	return nil
}

// fusermount returns the name of the FUSE unmount helper.
func fusermount() string {
	if _, err := exec.LookPath("fusermount3"); err == nil {
		return "fusermount3"
	}
	return "fusermount"
}

// unmount unmounts target, lazily if lazy is true.
func unmount(target string, lazy bool) error {
	if os.Geteuid() == 0 {
		flags := 0
		if lazy {
			flags = syscall.MNT_DETACH
		}
		if err := syscall.Unmount(target, flags); err != nil {
			return classify(&os.PathError{Op: "umount", Path: target, Err: err})
		}
		return nil
	}
	flag := "-u"
	if lazy {
		flag = "-uz"
	}
	helper := fusermount()
	out, err := exec.Command(helper, flag, target).CombinedOutput()
	if err != nil {
		msg := strings.TrimSpace(string(out))
		if kind := classifyMessage(msg); kind != nil {
			return xerrors.Errorf("%s %s %s: %s: %w", helper, flag, target, msg, kind)
		}
		return xerrors.Errorf("%s %s %s: %v (output: %s)", helper, flag, target, err, msg)
	}
	return nil
}

// unescapeMountinfo decodes the octal escapes (e.g. \040 for space) which
// the kernel uses in /proc/self/mountinfo.
func unescapeMountinfo(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+3 < len(s) {
			if n, err := strconv.ParseUint(s[i+1:i+4], 8, 8); err == nil {
				b.WriteByte(byte(n))
				i += 3
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

// Mountpoint reports whether dir is a mount point in the current mount
// namespace.
func Mountpoint(dir string) (bool, error) {
	f, err := os.Open("/proc/self/mountinfo")
	if err != nil {
		return false, err
	}
	defer f.Close()
	return mountpointIn(f, dir)
}

func mountpointIn(r io.Reader, dir string) (bool, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		parts := strings.Split(scanner.Text(), " ")
		if len(parts) < 5 {
			continue
		}
		if unescapeMountinfo(parts[4]) == dir {
			return true, nil
		}
	}
	return false, scanner.Err()
}
