// Package appruntest contains helpers shared by tests which mount images or
// create namespaces.
package appruntest

import (
	"context"
	"encoding/binary"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/distr1/apprun/internal/assemble"
	"github.com/distr1/apprun/internal/elfstub"
	"github.com/distr1/apprun/internal/elfstub/elfstubtest"
	"github.com/orcaman/writerseeker"
)

// RemoveAll wraps os.RemoveAll and fails the test on failure.
func RemoveAll(t testing.TB, path string) {
	if err := os.RemoveAll(path); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
}

// RequireFUSE skips the test unless FUSE file systems can be mounted.
func RequireFUSE(t testing.TB) {
	t.Helper()
	if _, err := os.Stat("/dev/fuse"); err != nil {
		t.Skipf("FUSE not available: %v", err)
	}
	if os.Geteuid() == 0 {
		return
	}
	for _, name := range []string{"fusermount3", "fusermount"} {
		if _, err := exec.LookPath(name); err == nil {
			return
		}
	}
	t.Skip("FUSE not available: fusermount not found in $PATH")
}

// RequireUserns skips the test unless the current user can create user and
// mount namespaces.
func RequireUserns(t testing.TB) {
	t.Helper()
	true, err := exec.LookPath("true")
	if err != nil {
		t.Skip(err)
	}
	cmd := exec.Command(true)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Cloneflags: syscall.CLONE_NEWUSER | syscall.CLONE_NEWNS,
		UidMappings: []syscall.SysProcIDMap{
			{ContainerID: os.Getuid(), HostID: os.Getuid(), Size: 1},
		},
		GidMappings: []syscall.SysProcIDMap{
			{ContainerID: os.Getgid(), HostID: os.Getgid(), Size: 1},
		},
		GidMappingsEnableSetgroups: false,
	}
	if err := cmd.Run(); err != nil {
		t.Skipf("user namespaces not available: %v", err)
	}
}

// File describes one entry of a test image root.
type File struct {
	Contents string
	Mode     os.FileMode // defaults to 0644
	Link     string      // if non-empty, the entry is a symlink to Link
}

// Root creates a directory tree from files, keyed by slash-separated path.
func Root(t testing.TB, files map[string]File) string {
	t.Helper()
	root := t.TempDir()
	for name, f := range files {
		fn := filepath.Join(root, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(fn), 0755); err != nil {
			t.Fatal(err)
		}
		if f.Link != "" {
			if err := os.Symlink(f.Link, fn); err != nil {
				t.Fatal(err)
			}
			continue
		}
		mode := f.Mode
		if mode == 0 {
			mode = 0644
		}
		if err := os.WriteFile(fn, []byte(f.Contents), mode); err != nil {
			t.Fatal(err)
		}
		// WriteFile is subject to the umask.
		if err := os.Chmod(fn, mode); err != nil {
			t.Fatal(err)
		}
	}
	return root
}

// Image returns the SquashFS image of root, including the image layout.
func Image(t testing.TB, root string, opts assemble.ImageOptions) []byte {
	t.Helper()
	if opts.ModTime.IsZero() {
		opts.ModTime = time.Unix(1700000000, 0)
	}
	ws := &writerseeker.WriterSeeker{}
	if _, err := assemble.BuildImage(context.Background(), ws, root, opts); err != nil {
		t.Fatal(err)
	}
	b, err := io.ReadAll(ws.Reader())
	if err != nil {
		t.Fatal(err)
	}
	return b
}

// AppImage assembles root into a single-file executable using a minimal
// runtime stub and returns its path. The stub does not run; tests invoke
// the runtime in-process on the result.
func AppImage(t testing.TB, root string, opts assemble.ImageOptions) string {
	t.Helper()
	dir := t.TempDir()
	stub := filepath.Join(dir, "runtime")
	if err := os.WriteFile(stub, elfstubtest.Build([]byte{0xc3}), 0755); err != nil {
		t.Fatal(err)
	}
	output := filepath.Join(dir, "test.AppImage")
	if err := assemble.Assemble(context.Background(), assemble.Options{
		Stub:   stub,
		Root:   root,
		Output: output,
		Image:  opts,
	}); err != nil {
		t.Fatal(err)
	}
	return output
}

// Superblock fields read by the corruption helpers.
const (
	bytesUsedOff       = 40
	inodeTableStartOff = 64
)

// damage copies the packaged executable at file, lets fn modify the image
// (the bytes following the ELF stub) and returns the path of the copy.
func damage(t testing.TB, file string, fn func(image []byte) []byte) string {
	t.Helper()
	b, err := os.ReadFile(file)
	if err != nil {
		t.Fatal(err)
	}
	offset, err := elfstub.Offset(file)
	if err != nil {
		t.Fatal(err)
	}
	image := fn(append([]byte{}, b[offset:]...))
	out := filepath.Join(t.TempDir(), filepath.Base(file))
	if err := os.WriteFile(out, append(b[:offset:offset], image...), 0755); err != nil {
		t.Fatal(err)
	}
	return out
}

// Truncated returns a copy of the packaged executable at file whose image is
// cut in half.
func Truncated(t testing.TB, file string) string {
	t.Helper()
	return damage(t, file, func(image []byte) []byte {
		used := binary.LittleEndian.Uint64(image[bytesUsedOff:])
		return image[:used/2]
	})
}

// CorruptInodeTable returns a copy of the packaged executable at file whose
// first inode metadata block header claims an impossible length. The
// superblock stays intact.
func CorruptInodeTable(t testing.TB, file string) string {
	t.Helper()
	return damage(t, file, func(image []byte) []byte {
		start := binary.LittleEndian.Uint64(image[inodeTableStartOff:])
		image[start] = 0x5a
		image[start+1] = 0x5a
		return image
	})
}
