// Package layout defines the well-known paths at the root of an image and
// validates them against a mounted (or staged) image root.
package layout

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/distr1/apprun/internal/squashfs"

	securejoin "github.com/cyphar/filepath-securejoin"
	"golang.org/x/xerrors"
)

// Well-known names at the image root.
const (
	// Entrypoint is the entry-point reference: a symlink to the program
	// inside the image, or the program itself.
	Entrypoint = "entrypoint"

	// MountRoot is an empty directory on which the launcher mounts the
	// tmpfs that becomes the new root.
	MountRoot = "mountroot"

	// AppRun is an optional wrapper executed instead of the entry point.
	// The resolved entry point is passed in $APPRUN_ENTRYPOINT.
	AppRun = "AppRun"

	// BindsFile optionally lists host paths (one per line) to bind into the
	// new root, replacing DefaultBinds.
	BindsFile = ".apprun-binds"
)

// DefaultBinds are the host paths made visible inside the new root unless
// the image or the user configures a different allow-list.
var DefaultBinds = []string{
	"/dev",
	"/proc",
	"/sys",
	"/tmp",
	"/run",
	"/home",
	"/etc/resolv.conf",
	"/etc/hosts",
	"/etc/passwd",
	"/etc/group",
	"/etc/localtime",
}

var (
	// ErrEntrypointNotFound is returned when the entry-point reference (or
	// another required layout entry) is missing, or a symlink does not
	// resolve inside the image.
	ErrEntrypointNotFound = errors.New("entry point not found")

	// ErrNotExecutable is returned when the entry point or wrapper is not a
	// regular file with execute permission.
	ErrNotExecutable = errors.New("not an executable file")
)

// Entry describes a validated image root.
type Entry struct {
	// Root is the image root on the host, e.g. the mount point.
	Root string

	// Name is the entry-point reference relative to Root, usually
	// Entrypoint.
	Name string

	// Target is the absolute in-image path the reference resolves to.
	Target string

	// HostPath is Target below Root.
	HostPath string

	// Wrapper is true if the image contains an AppRun wrapper.
	Wrapper bool
}

// Validate checks the layout of the image at root and resolves its entry
// point. name overrides Entrypoint when non-empty.
func Validate(root, name string) (*Entry, error) {
	fi, err := os.Lstat(filepath.Join(root, MountRoot))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, xerrors.Errorf("image layout incomplete: %s missing: %w", MountRoot, ErrEntrypointNotFound)
		}
		return nil, err
	}
	if !fi.IsDir() {
		return nil, xerrors.Errorf("image layout incomplete: %s is not a directory: %w", MountRoot, ErrEntrypointNotFound)
	}

	if name == "" {
		name = Entrypoint
	}
	name = strings.TrimPrefix(filepath.Clean("/"+name), "/")
	if name == "" || name == MountRoot {
		return nil, xerrors.Errorf("invalid entry point %q: %w", name, ErrEntrypointNotFound)
	}
	if _, err := os.Lstat(filepath.Join(root, name)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, xerrors.Errorf("/%s: %w", name, ErrEntrypointNotFound)
		}
		return nil, err
	}
	hostPath, target, err := Resolve(root, name)
	if err != nil {
		return nil, err
	}
	if err := CheckExecutable(hostPath); err != nil {
		return nil, xerrors.Errorf("entry point /%s (-> %s): %w", name, target, err)
	}

	e := &Entry{
		Root:     root,
		Name:     name,
		Target:   target,
		HostPath: hostPath,
	}
	if _, err := os.Lstat(filepath.Join(root, AppRun)); err == nil {
		wrapperPath, wrapperTarget, err := Resolve(root, AppRun)
		if err != nil {
			return nil, err
		}
		if err := CheckExecutable(wrapperPath); err != nil {
			return nil, xerrors.Errorf("wrapper /%s (-> %s): %w", AppRun, wrapperTarget, err)
		}
		e.Wrapper = true
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	return e, nil
}

// Resolve resolves the in-image path name below root, following symlinks as
// if root were the file system root. It returns the resulting host path and
// the absolute in-image path.
func Resolve(root, name string) (hostPath, target string, _ error) {
	hostPath, err := securejoin.SecureJoin(root, name)
	if err != nil {
		return "", "", xerrors.Errorf("resolving /%s: %w", name, err)
	}
	rel, err := filepath.Rel(root, hostPath)
	if err != nil {
		return "", "", err
	}
	target = "/" + filepath.ToSlash(rel)
	if rel == "." {
		target = "/"
	}
	if _, err := os.Stat(hostPath); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", "", xerrors.Errorf("/%s -> %s: %w", name, target, ErrEntrypointNotFound)
		}
		return "", "", err
	}
	return hostPath, target, nil
}

// CheckExecutable returns ErrNotExecutable (wrapped) unless hostPath is a
// regular file with at least one execute bit set.
func CheckExecutable(hostPath string) error {
	fi, err := os.Stat(hostPath)
	if err != nil {
		return err
	}
	if !fi.Mode().IsRegular() {
		return xerrors.Errorf("%v: %w", fi.Mode().Type(), ErrNotExecutable)
	}
	if fi.Mode().Perm()&0111 == 0 {
		return xerrors.Errorf("mode %v: %w", fi.Mode().Perm(), ErrNotExecutable)
	}
	return nil
}

// ReadBinds returns the allow-list stored as BindsFile in the image read by
// rd, or nil if the image does not contain BindsFile.
func ReadBinds(rd *squashfs.Reader) ([]string, error) {
	inode, err := rd.LookupPathNoFollow(BindsFile)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	fi, err := rd.Stat(BindsFile, inode)
	if err != nil {
		return nil, err
	}
	if !fi.Mode().IsRegular() {
		return nil, xerrors.Errorf("%s: %v is not a regular file", BindsFile, fi.Mode().Type())
	}
	content, err := rd.FileReader(inode)
	if err != nil {
		return nil, err
	}
	binds, err := ParseBinds(content)
	if err != nil {
		return nil, xerrors.Errorf("%s: %w", BindsFile, err)
	}
	return binds, nil
}

// ParseBinds parses an allow-list: one absolute path per line, blank lines
// and lines starting with # are ignored.
func ParseBinds(r io.Reader) ([]string, error) {
	var binds []string
	scanner := bufio.NewScanner(r)
	for lineno := 1; scanner.Scan(); lineno++ {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if !filepath.IsAbs(line) {
			return nil, fmt.Errorf("line %d: %q is not an absolute path", lineno, line)
		}
		binds = append(binds, filepath.Clean(line))
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return binds, nil
}

// SplitBinds parses a colon-separated allow-list, as used in environment
// variables. Empty elements are skipped.
func SplitBinds(s string) ([]string, error) {
	var binds []string
	for _, p := range filepath.SplitList(s) {
		if p == "" {
			continue
		}
		if !filepath.IsAbs(p) {
			return nil, fmt.Errorf("%q is not an absolute path", p)
		}
		binds = append(binds, filepath.Clean(p))
	}
	return binds, nil
}
