// Package fuse serves a SquashFS image as a read-only FUSE file system from
// within the current process.
package fuse

import (
	"context"
	"io"
	"log"
	"os"
	"sync"
	"time"

	"github.com/distr1/apprun/internal/squashfs"
	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"
	"golang.org/x/xerrors"
)

// Options configure Mount.
type Options struct {
	// FSName is shown as the mount source, e.g. in /proc/self/mountinfo.
	FSName string

	// AllowOther permits access by other users. Requires root or
	// user_allow_other in /etc/fuse.conf.
	AllowOther bool

	// ErrorLogger receives errors which cannot be returned to the kernel in
	// detail. May be nil.
	ErrorLogger *log.Logger

	// DebugLogger receives a trace of all FUSE operations. May be nil.
	DebugLogger *log.Logger
}

// Mount mounts the SquashFS image read from image at mountpoint. It returns
// once the kernel is ready to serve requests, or with ctx.Err() if ctx is done
// first. The returned join function blocks until its context is canceled,
// then unmounts the file system.
func Mount(ctx context.Context, image io.ReaderAt, mountpoint string, opts Options) (join func(context.Context) error, _ error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rd, err := squashfs.NewReader(image)
	if err != nil {
		return nil, err
	}
	fs := newFS(rd, opts.ErrorLogger)
	server := fuseutil.NewFileSystemServer(fs)

	fsname := opts.FSName
	if fsname == "" {
		fsname = "apprun"
	}
	mountOpts := map[string]string{
		"nodev": "",
	}
	if opts.AllowOther {
		mountOpts["allow_other"] = "" // allow all users to read files
	}
	type result struct {
		mfs *fuse.MountedFileSystem
		err error
	}
	mounted := make(chan result, 1)
	go func() {
		mfs, err := fuse.Mount(mountpoint, server, &fuse.MountConfig{
			FSName:   fsname,
			ReadOnly: true,
			Options:  mountOpts,
			// Opt into caching resolved symlinks in the kernel page cache:
			EnableSymlinkCaching: true,
			// Opt into returning -ENOSYS on OpenFile and OpenDir:
			EnableNoOpenSupport:    true,
			EnableNoOpendirSupport: true,
			ErrorLogger:            opts.ErrorLogger,
			DebugLogger:            opts.DebugLogger,
		})
		mounted <- result{mfs, err}
	}()
	var mfs *fuse.MountedFileSystem
	select {
	case res := <-mounted:
		if res.err != nil {
			return nil, xerrors.Errorf("fuse.Mount(%s): %w", mountpoint, res.err)
		}
		mfs = res.mfs
	case <-ctx.Done():
		// Release a mount which completes after ctx is done.
		go func() {
			if res := <-mounted; res.err == nil {
				if err := fuse.Unmount(mountpoint); err == nil {
					res.mfs.Join(context.Background())
				}
			}
		}()
		return nil, xerrors.Errorf("fuse.Mount(%s): %w", mountpoint, ctx.Err())
	}

	// The mount outlives ctx; it is torn down by join only.
	joinCtx, canc := context.WithCancel(context.Background())
	joined := make(chan error, 1)
	go func() {
		joined <- mfs.Join(joinCtx)
	}()
	join = func(ctx context.Context) error {
		defer canc()
		select {
		case err := <-joined:
			// Unmounted externally (e.g. fusermount -u).
			return err
		case <-ctx.Done():
		}
		if err := fuse.Unmount(mountpoint); err != nil {
			return xerrors.Errorf("fuse.Unmount(%s): %w", mountpoint, err)
		}
		canc()
		if err := <-joined; err != nil && err != context.Canceled {
			return err
		}
		return nil
	}
	return join, nil
}

// never is used for FUSE expiration timestamps. Since the image is immutable
// and inodes are stable, the kernel can cache all values forever.
//
// The value is named never even though, strictly speaking, it refers to one
// year in the future, because we can take a cache miss once every year and
// there is no sentinel value meaning never in FUSE.
var never = time.Now().Add(365 * 24 * time.Hour)

// imageBit is set in all FUSE inode ids derived from SquashFS inode
// references, as FUSE reserves inode 1 for the root directory and 0 is
// invalid in FUSE (but a valid SquashFS inode reference).
const imageBit = 1 << 48

type fuseFS struct {
	fuseutil.NotImplementedFileSystem

	rd     *squashfs.Reader
	errlog *log.Logger

	fileReadersMu sync.Mutex
	fileReaders   map[fuseops.InodeID]*io.SectionReader

	dircacheMu sync.Mutex
	dircache   map[squashfs.Inode]map[string]fuseops.ChildInodeEntry
}

func newFS(rd *squashfs.Reader, errlog *log.Logger) *fuseFS {
	if errlog == nil {
		errlog = log.New(io.Discard, "", 0)
	}
	return &fuseFS{
		rd:          rd,
		errlog:      errlog,
		fileReaders: make(map[fuseops.InodeID]*io.SectionReader),
		dircache:    make(map[squashfs.Inode]map[string]fuseops.ChildInodeEntry),
	}
}

func (fs *fuseFS) squashfsInode(i fuseops.InodeID) squashfs.Inode {
	// We must support RootInodeID == 1: https://github.com/libfuse/libfuse/issues/267
	if i == fuseops.RootInodeID {
		return fs.rd.RootInode()
	}
	return squashfs.Inode(i &^ imageBit)
}

func (fs *fuseFS) fuseInode(i squashfs.Inode) fuseops.InodeID {
	if i == fs.rd.RootInode() {
		return fuseops.RootInodeID
	}
	return fuseops.InodeID(imageBit | i)
}

func (fs *fuseFS) fuseAttributes(fi os.FileInfo) fuseops.InodeAttributes {
	nlink := uint32(1)
	if sfi, ok := fi.Sys().(*squashfs.FileInfo); ok && sfi.Nlink > 0 {
		nlink = sfi.Nlink
	}
	return fuseops.InodeAttributes{
		Size:  uint64(fi.Size()),
		Nlink: nlink,
		Mode:  fi.Mode(),
		Atime: fi.ModTime(),
		Mtime: fi.ModTime(),
		Ctime: fi.ModTime(),
		// All files are owned by root in the image.
		Uid: 0,
		Gid: 0,
	}
}

func (fs *fuseFS) StatFS(ctx context.Context, op *fuseops.StatFSOp) error {
	info := fs.rd.Info()
	op.BlockSize = 4096
	op.Blocks = uint64(info.BytesUsed+4095) / 4096
	op.BlocksFree = 0
	op.BlocksAvailable = 0
	op.IoSize = info.BlockSize // preferred size of reads
	op.Inodes = uint64(info.Inodes)
	op.InodesFree = 0
	return nil
}

// children returns the directory entries of dir, caching them.
func (fs *fuseFS) children(dir squashfs.Inode) (map[string]fuseops.ChildInodeEntry, error) {
	fs.dircacheMu.Lock()
	fis, ok := fs.dircache[dir]
	fs.dircacheMu.Unlock()
	if ok {
		return fis, nil
	}
	entries, err := fs.rd.Readdir(dir)
	if err != nil {
		return nil, err
	}
	fis = make(map[string]fuseops.ChildInodeEntry, len(entries))
	for _, fi := range entries {
		fis[fi.Name()] = fuseops.ChildInodeEntry{
			Child:                fs.fuseInode(fi.Sys().(*squashfs.FileInfo).Inode),
			Attributes:           fs.fuseAttributes(fi),
			AttributesExpiration: never,
			EntryExpiration:      never,
		}
	}
	// It is okay if another goroutine races us to getting this lock: the
	// contents will be the same, and an extra write doesn’t hurt.
	fs.dircacheMu.Lock()
	fs.dircache[dir] = fis
	fs.dircacheMu.Unlock()
	return fis, nil
}

func (fs *fuseFS) LookUpInode(ctx context.Context, op *fuseops.LookUpInodeOp) error {
	fis, err := fs.children(fs.squashfsInode(op.Parent))
	if err != nil {
		fs.errlog.Printf("LookUpInode(%d, %q): %v", op.Parent, op.Name, err)
		return fuse.EIO
	}
	cie, ok := fis[op.Name]
	if !ok {
		return fuse.ENOENT
	}
	op.Entry = cie
	return nil
}

func (fs *fuseFS) GetInodeAttributes(ctx context.Context, op *fuseops.GetInodeAttributesOp) error {
	fi, err := fs.rd.Stat("", fs.squashfsInode(op.Inode))
	if err != nil {
		fs.errlog.Printf("Stat(%d): %v", op.Inode, err)
		return fuse.EIO
	}
	op.Attributes = fs.fuseAttributes(fi)
	op.AttributesExpiration = never
	return nil
}

func (fs *fuseFS) OpenDir(ctx context.Context, op *fuseops.OpenDirOp) error {
	// Instruct the kernel to not send OpenDir requests for performance:
	// https://github.com/torvalds/linux/commit/7678ac50615d9c7a491d9861e020e4f5f71b594c
	return fuse.ENOSYS
}

func direntType(mode os.FileMode) fuseutil.DirentType {
	switch {
	case mode.IsDir():
		return fuseutil.DT_Directory
	case mode&os.ModeSymlink != 0:
		return fuseutil.DT_Link
	}
	return fuseutil.DT_File
}

func (fs *fuseFS) ReadDir(ctx context.Context, op *fuseops.ReadDirOp) error {
	entries, err := fs.rd.Readdir(fs.squashfsInode(op.Inode))
	if err != nil {
		fs.errlog.Printf("Readdir(%d): %v", op.Inode, err)
		return fuse.EIO
	}

	if op.Offset > fuseops.DirOffset(len(entries)) {
		return fuse.EIO
	}

	for idx, e := range entries[op.Offset:] {
		n := fuseutil.WriteDirent(op.Dst[op.BytesRead:], fuseutil.Dirent{
			Offset: op.Offset + fuseops.DirOffset(idx) + 1, // (opaque) offset of the next entry
			Inode:  fs.fuseInode(e.Sys().(*squashfs.FileInfo).Inode),
			Name:   e.Name(),
			Type:   direntType(e.Mode()),
		})
		if n == 0 {
			break
		}
		op.BytesRead += n
	}
	return nil
}

func (fs *fuseFS) OpenFile(ctx context.Context, op *fuseops.OpenFileOp) error {
	// Instruct the kernel to not send OpenFile requests for performance:
	// https://github.com/torvalds/linux/commit/7678ac50615d9c7a491d9861e020e4f5f71b594c
	return fuse.ENOSYS
}

func (fs *fuseFS) ReadFile(ctx context.Context, op *fuseops.ReadFileOp) error {
	fs.fileReadersMu.Lock()
	r, ok := fs.fileReaders[op.Inode]
	fs.fileReadersMu.Unlock()
	if !ok {
		var err error
		r, err = fs.rd.FileReader(fs.squashfsInode(op.Inode))
		if err != nil {
			fs.errlog.Printf("FileReader(%d): %v", op.Inode, err)
			return fuse.EIO
		}
		fs.fileReadersMu.Lock()
		fs.fileReaders[op.Inode] = r
		fs.fileReadersMu.Unlock()
	}
	var err error
	op.BytesRead, err = r.ReadAt(op.Dst, op.Offset)
	if err == io.EOF {
		err = nil // FUSE does not want io.EOF
	}
	if err != nil {
		fs.errlog.Printf("ReadAt(%d, %d): %v", op.Inode, op.Offset, err)
		return fuse.EIO
	}
	return nil
}

func (fs *fuseFS) ReadSymlink(ctx context.Context, op *fuseops.ReadSymlinkOp) error {
	target, err := fs.rd.ReadLink(fs.squashfsInode(op.Inode))
	if err != nil {
		fs.errlog.Printf("ReadLink(%d): %v", op.Inode, err)
		return fuse.EIO
	}
	op.Target = target
	return nil
}

// GetXattr reports that no extended attributes exist, which saves the
// kernel from asking again (e.g. for security.capability on every write).
func (fs *fuseFS) GetXattr(ctx context.Context, op *fuseops.GetXattrOp) error {
	return fuse.ENOATTR
}

func (fs *fuseFS) ListXattr(ctx context.Context, op *fuseops.ListXattrOp) error {
	return nil // no extended attributes
}
