// Package assemble builds executable images: a runtime stub followed by a
// SquashFS image of a program's root tree.
package assemble

import (
	"bytes"
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/distr1/apprun"
	"github.com/distr1/apprun/internal/elfstub"
	"github.com/distr1/apprun/internal/layout"
	"github.com/distr1/apprun/internal/squashfs"
	"github.com/distr1/apprun/internal/trace"
	"github.com/google/renameio"
	"golang.org/x/xerrors"
)

// Options configure Assemble.
type Options struct {
	// Stub is the path of the runtime stub (an ELF executable).
	Stub string

	// Root is the directory tree to pack, i.e. the program and its
	// dependency closure.
	Root string

	// Output is the path of the executable image to create. It is replaced
	// atomically.
	Output string

	Image ImageOptions
}

// ImageOptions configure the SquashFS image and the layout entries which are
// added to the root tree while packing.
type ImageOptions struct {
	Compression squashfs.Compression
	BlockSize   int

	// ModTime, if non-zero, is used as the modification time of every file
	// and as the image creation time, making the output independent of the
	// time stamps in Root. If zero, $SOURCE_DATE_EPOCH is used when set.
	ModTime time.Time

	// Entrypoint is the absolute in-image path of the program to run. A
	// layout.Entrypoint symlink pointing to it is added to the image. Leave
	// empty if Root already contains layout.Entrypoint.
	Entrypoint string

	// Wrapper is the host path of a file to add as layout.AppRun.
	Wrapper string

	// Binds, if non-empty, is stored as layout.BindsFile.
	Binds []string
}

func buildErrorf(format string, args ...interface{}) error {
	return apprun.Errorf(apprun.StageBuild, format, args...)
}

// ReadStub reads and checks the runtime stub at path: it must be an ELF file
// whose size according to its headers equals its length, so that the image
// offset measured by the stub at run time is exactly the stub length.
func ReadStub(path string) ([]byte, error) {
	stub, err := os.ReadFile(path)
	if err != nil {
		return nil, buildErrorf("reading stub: %w", err)
	}
	if len(stub) < elfstub.MagicOffset+len(elfstub.Magic) {
		return nil, buildErrorf("stub %s: %d bytes is too short to hold the magic at offset %d", path, len(stub), elfstub.MagicOffset)
	}
	size, err := elfstub.Size(bytes.NewReader(stub))
	if err != nil {
		return nil, buildErrorf("stub %s: %w", path, err)
	}
	if size != int64(len(stub)) {
		return nil, buildErrorf("stub %s: ELF size %d does not match file size %d (trailing data?)", path, size, len(stub))
	}
	return stub, nil
}

// Assemble writes opts.Output as the patched stub followed by an image of
// opts.Root. On error, no output file is left behind.
func Assemble(ctx context.Context, opts Options) error {
	log := clog.FromContext(ctx)

	stub, err := ReadStub(opts.Stub)
	if err != nil {
		return err
	}
	if err := CheckRoot(opts.Root, opts.Image); err != nil {
		return err
	}

	out, err := renameio.TempFile("", opts.Output)
	if err != nil {
		return buildErrorf("creating %s: %w", opts.Output, err)
	}
	defer out.Cleanup()

	if _, err := out.Write(stub); err != nil {
		return buildErrorf("writing stub: %w", err)
	}
	if err := elfstub.Patch(out); err != nil {
		return buildErrorf("patching magic: %w", err)
	}
	log.Debug("stub written", "bytes", len(stub), "offset", len(stub))

	img := io.NewOffsetWriter(out, int64(len(stub)))
	ev := trace.Event("image", "pack").Arg("root", opts.Root)
	size, err := BuildImage(ctx, img, opts.Root, opts.Image)
	ev.Arg("bytes", size).Done()
	if err != nil {
		return err
	}
	log.Debug("image written", "bytes", size)

	if err := out.Chmod(0755); err != nil {
		return buildErrorf("chmod: %w", err)
	}
	if err := out.CloseAtomicallyReplace(); err != nil {
		return buildErrorf("replacing %s: %w", opts.Output, err)
	}
	log.Info("assembled", "output", opts.Output, "offset", len(stub), "size", int64(len(stub))+size)
	return nil
}

// CheckRoot verifies that root, after adding the layout entries described by
// opts, will form a valid image.
func CheckRoot(root string, opts ImageOptions) error {
	fi, err := os.Stat(root)
	if err != nil {
		return buildErrorf("root: %w", err)
	}
	if !fi.IsDir() {
		return buildErrorf("root %s is not a directory", root)
	}
	_, err = os.Lstat(filepath.Join(root, layout.Entrypoint))
	hasEntrypoint := err == nil
	switch {
	case opts.Entrypoint == "" && !hasEntrypoint:
		return buildErrorf("no entry point: %s contains no %s and none was specified", root, layout.Entrypoint)
	case opts.Entrypoint != "" && hasEntrypoint:
		return buildErrorf("entry point %s specified, but %s already contains %s", opts.Entrypoint, root, layout.Entrypoint)
	}
	name := layout.Entrypoint
	if opts.Entrypoint != "" {
		if !filepath.IsAbs(opts.Entrypoint) {
			return buildErrorf("entry point %q must be an absolute in-image path", opts.Entrypoint)
		}
		name = opts.Entrypoint
	}
	hostPath, target, err := layout.Resolve(root, name)
	if err != nil {
		return buildErrorf("entry point: %w", err)
	}
	if err := layout.CheckExecutable(hostPath); err != nil {
		return buildErrorf("entry point %s: %w", target, err)
	}
	if fi, err := os.Lstat(filepath.Join(root, layout.MountRoot)); err == nil {
		if !fi.IsDir() {
			return buildErrorf("%s in %s is not a directory", layout.MountRoot, root)
		}
		if entries, err := os.ReadDir(filepath.Join(root, layout.MountRoot)); err != nil || len(entries) > 0 {
			return buildErrorf("%s in %s must be an empty directory", layout.MountRoot, root)
		}
	}
	if opts.Wrapper != "" {
		if _, err := os.Lstat(filepath.Join(root, layout.AppRun)); err == nil {
			return buildErrorf("wrapper %s specified, but %s already contains %s", opts.Wrapper, root, layout.AppRun)
		}
		if err := layout.CheckExecutable(opts.Wrapper); err != nil {
			return buildErrorf("wrapper: %w", err)
		}
	}
	for _, b := range opts.Binds {
		if !filepath.IsAbs(b) {
			return buildErrorf("bind %q is not an absolute path", b)
		}
	}
	return nil
}

func sourceDateEpoch() (time.Time, bool) {
	v := os.Getenv("SOURCE_DATE_EPOCH")
	if v == "" {
		return time.Time{}, false
	}
	sec, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(sec, 0), true
}

type packer struct {
	modTime time.Time
	files   int
}

func (p *packer) mtime(fi fs.FileInfo) time.Time {
	if !p.modTime.IsZero() {
		return p.modTime
	}
	return fi.ModTime()
}

// BuildImage writes a SquashFS image of root, plus the layout entries of
// opts, to w. It returns the size of the image.
func BuildImage(ctx context.Context, w io.WriteSeeker, root string, opts ImageOptions) (int64, error) {
	log := clog.FromContext(ctx)
	p := &packer{modTime: opts.ModTime}
	if p.modTime.IsZero() {
		if t, ok := sourceDateEpoch(); ok {
			p.modTime = t
		}
	}
	mkfsTime := p.modTime
	if mkfsTime.IsZero() {
		mkfsTime = time.Unix(0, 0)
	}
	sw, err := squashfs.NewWriter(w, mkfsTime, squashfs.Options{
		Compression: opts.Compression,
		BlockSize:   opts.BlockSize,
	})
	if err != nil {
		return 0, buildErrorf("%w", err)
	}
	if err := p.cp(ctx, sw.Root, root); err != nil {
		return 0, buildErrorf("packing %s: %w", root, err)
	}
	if err := p.addLayout(sw.Root, opts); err != nil {
		return 0, buildErrorf("adding layout: %w", err)
	}
	if err := sw.Flush(); err != nil {
		return 0, buildErrorf("writing image: %w", err)
	}
	log.Debug("packed", "files", p.files, "compression", sw.Compression())
	return sw.Size(), nil
}

// cp adds the contents of dir to w, recursively.
func (p *packer) cp(ctx context.Context, w *squashfs.Directory, dir string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		fi, err := entry.Info()
		if err != nil {
			return err
		}
		fn := filepath.Join(dir, fi.Name())
		mode := uint16(fi.Mode().Perm())
		if st, ok := fi.Sys().(*syscall.Stat_t); ok {
			mode = uint16(st.Mode & 07777)
		}
		switch {
		case fi.IsDir():
			subdir, err := w.Directory(fi.Name(), p.mtime(fi))
			if err != nil {
				return err
			}
			subdir.SetMode(mode)
			if err := p.cp(ctx, subdir, fn); err != nil {
				return err
			}

		case fi.Mode().IsRegular():
			if err := p.copyFile(w, fn, fi.Name(), p.mtime(fi), mode); err != nil {
				return err
			}

		case fi.Mode()&os.ModeSymlink != 0:
			dest, err := os.Readlink(fn)
			if err != nil {
				return err
			}
			if err := w.Symlink(dest, fi.Name(), p.mtime(fi), 0777); err != nil {
				return err
			}

		default:
			return xerrors.Errorf("%s: unsupported file type %v", fn, fi.Mode().Type())
		}
		p.files++
	}
	return nil
}

func (p *packer) copyFile(w *squashfs.Directory, src, name string, mtime time.Time, mode uint16) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	f, err := w.File(name, mtime, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, in); err != nil {
		f.Close()
		return xerrors.Errorf("%s: %w", src, err)
	}
	return f.Close()
}

func (p *packer) addLayout(root *squashfs.Directory, opts ImageOptions) error {
	// Layout entries have no source file to take a time stamp from.
	mtime := p.modTime
	if mtime.IsZero() {
		mtime = time.Unix(0, 0)
	}
	if _, err := root.Directory(layout.MountRoot, mtime); err != nil {
		return err
	}
	if opts.Entrypoint != "" {
		if err := root.Symlink(opts.Entrypoint, layout.Entrypoint, mtime, 0777); err != nil {
			return err
		}
	}
	if opts.Wrapper != "" {
		fi, err := os.Stat(opts.Wrapper)
		if err != nil {
			return err
		}
		if err := p.copyFile(root, opts.Wrapper, layout.AppRun, p.mtime(fi), uint16(fi.Mode().Perm())); err != nil {
			return err
		}
	}
	if len(opts.Binds) > 0 {
		f, err := root.File(layout.BindsFile, mtime, 0644)
		if err != nil {
			return err
		}
		if _, err := io.WriteString(f, strings.Join(opts.Binds, "\n")+"\n"); err != nil {
			f.Close()
			return err
		}
		if err := f.Close(); err != nil {
			return err
		}
	}
	return nil
}

// Info describes an executable image.
type Info struct {
	Path       string
	Size       int64
	Offset     int64
	Magic      bool
	Image      squashfs.Info
	Entrypoint string // target of the entry-point reference
	Wrapper    bool
	Binds      []string
	Digest     string // BLAKE3 of the image part
	Entries    []string
}

// ErrNotImage is returned by Inspect for files which do not carry the image
// magic.
var ErrNotImage = errors.New("not an executable image")

// Inspect reads the executable image at path.
func Inspect(path string) (*Info, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	magic, err := elfstub.HasMagic(f)
	if err != nil {
		return nil, err
	}
	if !magic {
		return nil, xerrors.Errorf("%s: %w", path, ErrNotImage)
	}
	offset, err := elfstub.Size(f)
	if err != nil {
		return nil, xerrors.Errorf("%s: %w", path, err)
	}
	section := io.NewSectionReader(f, offset, st.Size()-offset)
	rd, err := squashfs.NewReader(section)
	if err != nil {
		return nil, xerrors.Errorf("%s at offset %d: %w", path, offset, err)
	}
	info := &Info{
		Path:   path,
		Size:   st.Size(),
		Offset: offset,
		Magic:  magic,
		Image:  rd.Info(),
	}

	fis, err := rd.Readdir(rd.RootInode())
	if err != nil {
		return nil, err
	}
	for _, fi := range fis {
		info.Entries = append(info.Entries, fi.Name())
	}
	sort.Strings(info.Entries)

	if inode, err := rd.LookupPathNoFollow(layout.Entrypoint); err == nil {
		if fi, err := rd.Stat(layout.Entrypoint, inode); err == nil && fi.Mode()&os.ModeSymlink != 0 {
			if info.Entrypoint, err = rd.ReadLink(inode); err != nil {
				return nil, err
			}
		} else {
			info.Entrypoint = "/" + layout.Entrypoint
		}
	}
	if _, err := rd.LookupPathNoFollow(layout.AppRun); err == nil {
		info.Wrapper = true
	}
	if info.Binds, err = layout.ReadBinds(rd); err != nil {
		return nil, err
	}

	digest, err := digestOf(io.NewSectionReader(f, offset, st.Size()-offset))
	if err != nil {
		return nil, err
	}
	info.Digest = digest
	return info, nil
}
