package squashfs

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/xerrors"
)

// ErrCorrupt is returned (wrapped) for images which are not valid SquashFS
// images or which are truncated.
var ErrCorrupt = errors.New("corrupt SquashFS image")

// maxSymlinkDepth matches the Linux limit (MAXSYMLINKS).
const maxSymlinkDepth = 40

type Reader struct {
	r     io.ReaderAt
	super superblock
	comp  compressor
}

func NewReader(r io.ReaderAt) (*Reader, error) {
	var sb superblock

	if err := binary.Read(io.NewSectionReader(r, 0, int64(binary.Size(sb))), binary.LittleEndian, &sb); err != nil {
		return nil, fmt.Errorf("%w: reading superblock: %v", ErrCorrupt, err)
	}

	if got, want := sb.Magic, uint32(magic); got != want {
		return nil, fmt.Errorf("%w: invalid magic (not a SquashFS image?): got %x, want %x", ErrCorrupt, got, want)
	}
	if sb.Major != 4 {
		return nil, fmt.Errorf("%w: unsupported version %d.%d", ErrCorrupt, sb.Major, sb.Minor)
	}
	if sb.BlockLog < minBlockLog || sb.BlockLog > maxBlockLog || sb.BlockSize != 1<<sb.BlockLog {
		return nil, fmt.Errorf("%w: inconsistent block size %d (log %d)", ErrCorrupt, sb.BlockSize, sb.BlockLog)
	}
	if sb.Fragments != 0 {
		return nil, fmt.Errorf("%w: images with fragments are not supported", ErrCorrupt)
	}
	if !(sb.InodeTableStart < sb.DirectoryTableStart &&
		sb.DirectoryTableStart <= sb.IdTableStart &&
		sb.IdTableStart < sb.BytesUsed) {
		return nil, fmt.Errorf("%w: inconsistent table offsets", ErrCorrupt)
	}
	// Detect truncated images up front instead of failing on first access.
	var last [1]byte
	if _, err := r.ReadAt(last[:], sb.BytesUsed-1); err != nil {
		return nil, fmt.Errorf("%w: image truncated (want %d bytes): %v", ErrCorrupt, sb.BytesUsed, err)
	}
	comp, err := newCompressor(Compression(sb.Compression))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}

	return &Reader{
		r:     r,
		super: sb,
		comp:  comp,
	}, nil
}

// Info returns the image parameters stored in the superblock.
func (r *Reader) Info() Info {
	return Info{
		Compression: Compression(r.super.Compression).String(),
		BlockSize:   r.super.BlockSize,
		Inodes:      r.super.Inodes,
		BytesUsed:   r.super.BytesUsed,
		MkfsTime:    time.Unix(int64(r.super.MkfsTime), 0),
	}
}

func (r *Reader) inode(i Inode) (blockoffset int64, offset int64) {
	return int64(i >> 16), int64(i & 0xFFFF)
}

type blockReader struct {
	r    io.Reader
	comp compressor
	buf  *bytes.Buffer
}

func (br *blockReader) Read(p []byte) (n int, err error) {
	n, err = br.buf.Read(p)
	if err == io.EOF {
		br.buf.Reset()
		var l uint16
		if err := binary.Read(br.r, binary.LittleEndian, &l); err != nil {
			return 0, err
		}
		uncompressed := l&metadataUncompressed != 0
		l &^= metadataUncompressed
		if l > metadataBlockSize {
			return 0, fmt.Errorf("%w: metadata block of %d bytes", ErrCorrupt, l)
		}
		raw := make([]byte, l)
		if _, err := io.ReadFull(br.r, raw); err != nil {
			return 0, err
		}
		if !uncompressed {
			raw, err = br.comp.decompress(raw, metadataBlockSize)
			if err != nil {
				return 0, fmt.Errorf("%w: decompressing metadata block: %v", ErrCorrupt, err)
			}
		}
		br.buf.Write(raw)
		n, err = br.buf.Read(p)
	}
	return n, err
}

func (r *Reader) blockReader(blockoffset, offset int64) (io.Reader, error) {
	br := &blockReader{
		r:    io.NewSectionReader(r.r, blockoffset, math.MaxInt64-blockoffset),
		comp: r.comp,
		buf:  bytes.NewBuffer(make([]byte, 0, metadataBlockSize)),
	}
	if _, err := io.CopyN(io.Discard, br, offset); err != nil {
		return nil, err
	}
	return br, nil
}

// readInode returns the inode header and a reader positioned right after
// it, for reading trailing data (block sizes, symlink targets).
func (r *Reader) readInode(i Inode) (interface{}, io.Reader, error) {
	blockoffset, offset := r.inode(i)
	br, err := r.blockReader(r.super.InodeTableStart+blockoffset, offset)
	if err != nil {
		return nil, nil, err
	}

	// We need the inode type before we know which type to pass to binary.Read,
	// so we need to read it twice:
	var inodeType uint16
	typeBuf := bytes.NewBuffer(make([]byte, 0, binary.Size(inodeType)))
	if err := binary.Read(io.TeeReader(br, typeBuf), binary.LittleEndian, &inodeType); err != nil {
		return nil, nil, err
	}
	hr := io.MultiReader(typeBuf, br)

	var inode interface{}
	switch inodeType {
	case dirType:
		var di dirInodeHeader
		err = binary.Read(hr, binary.LittleEndian, &di)
		inode = di

	case fileType:
		var ri regInodeHeader
		err = binary.Read(hr, binary.LittleEndian, &ri)
		inode = ri

	case symlinkType:
		var si symlinkInodeHeader
		err = binary.Read(hr, binary.LittleEndian, &si)
		inode = si

	case ldirType:
		var di ldirInodeHeader
		err = binary.Read(hr, binary.LittleEndian, &di)
		inode = di

	case lregType:
		var ri lregInodeHeader
		err = binary.Read(hr, binary.LittleEndian, &ri)
		inode = ri

	default:
		// Device nodes, fifos and sockets are never written by this package.
		return nil, nil, fmt.Errorf("%w: unsupported inode type %d", ErrCorrupt, inodeType)
	}
	if err != nil {
		return nil, nil, err
	}
	return inode, br, nil
}

func (r *Reader) RootInode() Inode {
	return r.super.RootInode
}

func fileMode(mode uint16) os.FileMode {
	m := os.FileMode(mode & 0777)
	if mode&syscall.S_ISUID != 0 {
		m |= os.ModeSetuid
	}
	if mode&syscall.S_ISGID != 0 {
		m |= os.ModeSetgid
	}
	if mode&syscall.S_ISVTX != 0 {
		m |= os.ModeSticky
	}
	return m
}

func (r *Reader) Stat(name string, i Inode) (os.FileInfo, error) {
	inode, _, err := r.readInode(i)
	if err != nil {
		return nil, err
	}
	switch x := inode.(type) {
	case dirInodeHeader:
		return &FileInfo{
			name:    name,
			size:    int64(x.FileSize),
			mode:    os.ModeDir | fileMode(x.Mode),
			modTime: time.Unix(int64(x.Mtime), 0),
			Inode:   i,
			Ino:     x.InodeNumber,
			Nlink:   x.Nlink,
		}, nil

	case ldirInodeHeader:
		return &FileInfo{
			name:    name,
			size:    int64(x.FileSize),
			mode:    os.ModeDir | fileMode(x.Mode),
			modTime: time.Unix(int64(x.Mtime), 0),
			Inode:   i,
			Ino:     x.InodeNumber,
			Nlink:   x.Nlink,
		}, nil

	case regInodeHeader:
		return &FileInfo{
			name:    name,
			size:    int64(x.FileSize),
			mode:    fileMode(x.Mode),
			modTime: time.Unix(int64(x.Mtime), 0),
			Inode:   i,
			Ino:     x.InodeNumber,
			Nlink:   1,
		}, nil

	case lregInodeHeader:
		return &FileInfo{
			name:    name,
			size:    int64(x.FileSize),
			mode:    fileMode(x.Mode),
			modTime: time.Unix(int64(x.Mtime), 0),
			Inode:   i,
			Ino:     x.InodeNumber,
			Nlink:   x.Nlink,
		}, nil

	case symlinkInodeHeader:
		return &FileInfo{
			name:    name,
			size:    int64(x.SymlinkSize),
			mode:    os.ModeSymlink | fileMode(x.Mode),
			modTime: time.Unix(int64(x.Mtime), 0),
			Inode:   i,
			Ino:     x.InodeNumber,
			Nlink:   x.Nlink,
		}, nil
	}

	return nil, fmt.Errorf("unknown inode type %T", inode)
}

func (r *Reader) ReadLink(i Inode) (string, error) {
	inode, rest, err := r.readInode(i)
	if err != nil {
		return "", err
	}
	si, ok := inode.(symlinkInodeHeader)
	if !ok {
		return "", fmt.Errorf("invalid inode type: got %T instead of symlink", inode)
	}
	if si.SymlinkSize > 4096 {
		return "", fmt.Errorf("%w: symlink target of %d bytes", ErrCorrupt, si.SymlinkSize)
	}
	buf := make([]byte, si.SymlinkSize)
	if _, err := io.ReadFull(rest, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

// FileReader returns a reader for the contents of the regular file inode.
// The returned reader decompresses blocks on demand and is safe for
// concurrent use.
func (r *Reader) FileReader(inode Inode) (*io.SectionReader, error) {
	i, rest, err := r.readInode(inode)
	if err != nil {
		return nil, err
	}
	var (
		start, size int64
		fragment    uint32
	)
	switch ri := i.(type) {
	case regInodeHeader:
		start, size, fragment = int64(ri.StartBlock), int64(ri.FileSize), ri.Fragment
	case lregInodeHeader:
		start, size, fragment = int64(ri.StartBlock), int64(ri.FileSize), ri.Fragment
	default:
		return nil, fmt.Errorf("BUG: non-file inode type %T", i)
	}
	if fragment != invalidFragment {
		return nil, fmt.Errorf("%w: file uses a fragment", ErrCorrupt)
	}
	blockSize := int64(r.super.BlockSize)
	nblocks := (size + blockSize - 1) / blockSize
	sizes := make([]uint32, nblocks)
	if nblocks > 0 {
		if err := binary.Read(rest, binary.LittleEndian, sizes); err != nil {
			return nil, xerrors.Errorf("reading block list: %w", err)
		}
	}
	offsets := make([]int64, nblocks)
	off := start
	for idx, s := range sizes {
		offsets[idx] = off
		off += int64(s &^ dataUncompressed)
	}
	fd := &fileData{
		r:         r,
		size:      size,
		blockSize: blockSize,
		sizes:     sizes,
		offsets:   offsets,
		cached:    -1,
	}
	return io.NewSectionReader(fd, 0, size), nil
}

// fileData maps file offsets to data blocks. The most recently decompressed
// block is cached, as reads typically arrive in sequential chunks smaller
// than a block.
type fileData struct {
	r         *Reader
	size      int64
	blockSize int64
	sizes     []uint32
	offsets   []int64

	mu     sync.Mutex
	cached int64
	block  []byte
}

func (f *fileData) readBlock(idx int64) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cached == idx {
		return f.block, nil
	}
	want := f.blockSize
	if rem := f.size - idx*f.blockSize; rem < want {
		want = rem
	}
	s := f.sizes[idx]
	var b []byte
	if s == 0 {
		b = make([]byte, want) // sparse
	} else {
		raw := make([]byte, s&^dataUncompressed)
		if _, err := f.r.r.ReadAt(raw, f.offsets[idx]); err != nil {
			return nil, fmt.Errorf("%w: reading data block %d: %v", ErrCorrupt, idx, err)
		}
		b = raw
		if s&dataUncompressed == 0 {
			var err error
			b, err = f.r.comp.decompress(raw, int(f.blockSize))
			if err != nil {
				return nil, fmt.Errorf("%w: decompressing data block %d: %v", ErrCorrupt, idx, err)
			}
		}
	}
	if int64(len(b)) != want {
		return nil, fmt.Errorf("%w: data block %d has %d bytes, want %d", ErrCorrupt, idx, len(b), want)
	}
	f.cached = idx
	f.block = b
	return b, nil
}

func (f *fileData) ReadAt(p []byte, off int64) (n int, err error) {
	if off >= f.size {
		return 0, io.EOF
	}
	for n < len(p) && off < f.size {
		idx := off / f.blockSize
		b, err := f.readBlock(idx)
		if err != nil {
			return n, err
		}
		c := copy(p[n:], b[off-idx*f.blockSize:])
		n += c
		off += int64(c)
	}
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

type FileNotFoundError struct {
	path string
}

func (e *FileNotFoundError) Error() string {
	return fmt.Sprintf("%q not found", e.path)
}

// Is makes FileNotFoundError match os.ErrNotExist.
func (e *FileNotFoundError) Is(target error) bool {
	return target == os.ErrNotExist
}

func (r *Reader) lookupComponent(parent Inode, component string) (Inode, error) {
	rfis, err := r.readdir(parent, false)
	if err != nil {
		return 0, err
	}
	for _, rfi := range rfis {
		if rfi.Name() == component {
			return rfi.Sys().(*FileInfo).Inode, nil
		}
	}
	return 0, &FileNotFoundError{path: component}
}

// LookupPath resolves p (relative to the image root), following symlinks.
// Symlinks cannot escape the image: ".." at the root stays at the root and
// absolute targets are resolved relative to the image root.
func (r *Reader) LookupPath(p string) (Inode, error) {
	return r.lookupPath(p, true, 0)
}

// LookupPathNoFollow is like LookupPath, but does not follow a symlink in the
// final path component.
func (r *Reader) LookupPathNoFollow(p string) (Inode, error) {
	return r.lookupPath(p, false, 0)
}

func (r *Reader) lookupPath(p string, followLast bool, depth int) (Inode, error) {
	if depth > maxSymlinkDepth {
		return 0, xerrors.Errorf("%q: too many levels of symbolic links", p)
	}
	cleaned := strings.TrimPrefix(path.Clean("/"+p), "/")
	inode := r.RootInode()
	if cleaned == "" {
		return inode, nil
	}
	parts := strings.Split(cleaned, "/")
	for idx, part := range parts {
		var err error
		inode, err = r.lookupComponent(inode, part)
		if err != nil {
			if _, ok := err.(*FileNotFoundError); ok {
				return 0, &FileNotFoundError{path: p}
			}
			return 0, err
		}
		last := idx == len(parts)-1
		if last && !followLast {
			break
		}
		fi, err := r.Stat("", inode)
		if err != nil {
			return 0, xerrors.Errorf("Stat(%d): %w", inode, err)
		}
		if fi.Mode()&os.ModeSymlink > 0 {
			target, err := r.ReadLink(inode)
			if err != nil {
				return 0, err
			}
			if !path.IsAbs(target) {
				target = path.Join(append(append([]string{}, parts[:idx]...), target)...)
			}
			if !last {
				target = path.Join(append([]string{target}, parts[idx+1:]...)...)
			}
			return r.lookupPath(target, followLast, depth+1)
		}
		if !last && !fi.IsDir() {
			return 0, xerrors.Errorf("%q: %q is not a directory", p, part)
		}
	}
	return inode, nil
}

func (r *Reader) Readdir(dirInode Inode) ([]os.FileInfo, error) {
	return r.readdir(dirInode, true)
}

func (r *Reader) readdir(dirInode Inode, stat bool) ([]os.FileInfo, error) {
	i, _, err := r.readInode(dirInode)
	if err != nil {
		return nil, err
	}
	var (
		startBlock int64
		fileSize   int64
		offset     int64
	)
	switch x := i.(type) {
	case dirInodeHeader:
		startBlock = int64(x.StartBlock)
		fileSize = int64(x.FileSize)
		offset = int64(x.Offset)

	case ldirInodeHeader:
		startBlock = int64(x.StartBlock)
		fileSize = int64(x.FileSize)
		offset = int64(x.Offset)

	default:
		return nil, syscall.ENOTDIR
	}

	br, err := r.blockReader(r.super.DirectoryTableStart+startBlock, offset)
	if err != nil {
		return nil, err
	}

	// See also https://elixir.bootlin.com/linux/v4.18.9/source/fs/squashfs/dir.c#L63
	limit := fileSize - int64(len(".")) - int64(len(".."))
	br = io.LimitReader(br, limit)

	var fis []os.FileInfo
	for {
		var dh dirHeader
		if err := binary.Read(br, binary.LittleEndian, &dh); err != nil {
			if err == io.EOF {
				return fis, nil
			}
			return nil, err
		}
		dh.Count++ // SquashFS stores count-1
		if dh.Count > 256 {
			return nil, fmt.Errorf("%w: directory header with %d entries", ErrCorrupt, dh.Count)
		}

		for i := 0; i < int(dh.Count); i++ {
			var de dirEntry
			if err := binary.Read(br, binary.LittleEndian, &de); err != nil {
				return nil, err
			}
			de.Size++ // SquashFS stores size-1
			name := make([]byte, de.Size)
			if _, err := io.ReadFull(br, name); err != nil {
				return nil, err
			}

			ref := Inode(int64(dh.StartBlock)<<16 | int64(de.Offset))
			var fi os.FileInfo
			if stat {
				var err error
				fi, err = r.Stat(string(name), ref)
				if err != nil {
					return nil, err
				}
			} else {
				fi = &FileInfo{
					name:  string(name),
					Inode: ref,
					Ino:   uint32(int64(dh.InodeNumber) + int64(de.InodeNumber)),
				}
			}
			fis = append(fis, fi)
		}
	}
}

type FileInfo struct {
	name    string
	size    int64
	mode    os.FileMode
	modTime time.Time
	Inode   Inode
	Ino     uint32 // inode number
	Nlink   uint32
}

func (fi *FileInfo) Name() string       { return fi.name }
func (fi *FileInfo) Size() int64        { return fi.size }
func (fi *FileInfo) Mode() os.FileMode  { return fi.mode }
func (fi *FileInfo) IsDir() bool        { return fi.mode.IsDir() }
func (fi *FileInfo) ModTime() time.Time { return fi.modTime }
func (fi *FileInfo) Sys() interface{}   { return fi }
