package squashfs

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"math/bits"
	"sort"
	"time"

	"golang.org/x/xerrors"
)

// Options configure a Writer.
type Options struct {
	// Compression defaults to Gzip.
	Compression Compression
	// BlockSize must be a power of two between 4 KiB and 1 MiB. Defaults to
	// DefaultBlockSize.
	BlockSize int
}

// node is a directory entry: a file, a symlink or a directory.
type node struct {
	name  string
	typ   uint16 // dirType, fileType or symlinkType
	mode  uint16
	mtime time.Time

	// files
	start      int64
	size       int64
	blockSizes []uint32

	// symlinks
	target string

	// directories
	dir *Directory

	inodeNumber uint32
	ref         Inode
}

// Directory is a directory in the image being written. Its contents are held
// in memory until Writer.Flush.
type Directory struct {
	w        *Writer
	node     *node
	children map[string]*node
}

// Writer writes a SquashFS image to an io.WriteSeeker. File contents are
// written as they are added, the inode and directory tables are written by
// Flush.
type Writer struct {
	// Root is the root directory of the image.
	Root *Directory

	w         io.WriteSeeker
	base      int64 // position of the superblock in w
	off       int64 // bytes written so far, relative to the image start
	mkfsTime  time.Time
	comp      compressor
	compID    Compression
	blockSize int
	blockLog  uint16
	open      *fileWriter
	flushed   bool
}

// NewWriter returns a Writer which writes an image to w, starting at the
// current position of w. Use io.NewOffsetWriter to place an image inside a
// larger file.
func NewWriter(w io.WriteSeeker, mkfsTime time.Time, opts Options) (*Writer, error) {
	if opts.Compression == 0 {
		opts.Compression = Gzip
	}
	if opts.BlockSize == 0 {
		opts.BlockSize = DefaultBlockSize
	}
	blockLog := bits.TrailingZeros(uint(opts.BlockSize))
	if opts.BlockSize != 1<<blockLog || blockLog < minBlockLog || blockLog > maxBlockLog {
		return nil, fmt.Errorf("invalid block size %d: must be a power of two between %d and %d", opts.BlockSize, 1<<minBlockLog, 1<<maxBlockLog)
	}
	comp, err := newCompressor(opts.Compression)
	if err != nil {
		return nil, err
	}
	base, err := w.Seek(0, io.SeekCurrent)
	if err != nil {
		return nil, err
	}
	sw := &Writer{
		w:         w,
		base:      base,
		mkfsTime:  mkfsTime,
		comp:      comp,
		compID:    opts.Compression,
		blockSize: opts.BlockSize,
		blockLog:  uint16(blockLog),
	}
	sw.Root = &Directory{
		w: sw,
		node: &node{
			typ:   dirType,
			mode:  0755,
			mtime: mkfsTime,
		},
		children: make(map[string]*node),
	}
	// The superblock is written by Flush, once all table offsets are known.
	if err := sw.write(make([]byte, binary.Size(superblock{}))); err != nil {
		return nil, err
	}
	if opts := comp.options(); opts != nil {
		var hdr [2]byte
		binary.LittleEndian.PutUint16(hdr[:], uint16(len(opts))|metadataUncompressed)
		if err := sw.write(append(hdr[:], opts...)); err != nil {
			return nil, err
		}
	}
	return sw, nil
}

func (w *Writer) write(b []byte) error {
	n, err := w.w.Write(b)
	w.off += int64(n)
	return err
}

func (d *Directory) add(n *node) error {
	if n.name == "" || n.name == "." || n.name == ".." || bytes.ContainsAny([]byte(n.name), "/\x00") {
		return fmt.Errorf("invalid file name %q", n.name)
	}
	if len(n.name) > 256 {
		return fmt.Errorf("file name %q exceeds 256 bytes", n.name)
	}
	if _, ok := d.children[n.name]; ok {
		return fmt.Errorf("%q already exists", n.name)
	}
	d.children[n.name] = n
	return nil
}

// Directory returns the subdirectory name of d, creating it with mode 0755
// if it does not yet exist.
func (d *Directory) Directory(name string, mtime time.Time) (*Directory, error) {
	if existing, ok := d.children[name]; ok && existing.dir != nil {
		return existing.dir, nil
	}
	sub := &Directory{
		w: d.w,
		node: &node{
			name:  name,
			typ:   dirType,
			mode:  0755,
			mtime: mtime,
		},
		children: make(map[string]*node),
	}
	sub.node.dir = sub
	if err := d.add(sub.node); err != nil {
		return nil, err
	}
	return sub, nil
}

// SetMode sets the permission bits of d.
func (d *Directory) SetMode(mode uint16) {
	d.node.mode = mode & 07777
}

// Symlink adds a symbolic link name pointing to target.
func (d *Directory) Symlink(target, name string, mtime time.Time, mode uint16) error {
	if target == "" {
		return fmt.Errorf("symlink %q: empty target", name)
	}
	return d.add(&node{
		name:   name,
		typ:    symlinkType,
		mode:   mode & 07777,
		mtime:  mtime,
		target: target,
	})
}

// File adds a regular file name to d and returns a writer for its contents.
// Only one file can be open at a time: its data is written directly to the
// underlying writer.
func (d *Directory) File(name string, mtime time.Time, mode uint16) (io.WriteCloser, error) {
	if d.w.open != nil {
		return nil, xerrors.Errorf("BUG: %q still open while adding %q", d.w.open.n.name, name)
	}
	if d.w.flushed {
		return nil, xerrors.New("BUG: File called after Flush")
	}
	n := &node{
		name:  name,
		typ:   fileType,
		mode:  mode & 07777,
		mtime: mtime,
		start: d.w.off,
	}
	if err := d.add(n); err != nil {
		return nil, err
	}
	fw := &fileWriter{
		w:   d.w,
		n:   n,
		buf: make([]byte, 0, d.w.blockSize),
	}
	d.w.open = fw
	return fw, nil
}

type fileWriter struct {
	w   *Writer
	n   *node
	buf []byte
}

func (f *fileWriter) Write(p []byte) (int, error) {
	if f.w.open != f {
		return 0, xerrors.Errorf("write to closed file %q", f.n.name)
	}
	written := 0
	for len(p) > 0 {
		room := f.w.blockSize - len(f.buf)
		chunk := p
		if len(chunk) > room {
			chunk = chunk[:room]
		}
		f.buf = append(f.buf, chunk...)
		p = p[len(chunk):]
		written += len(chunk)
		if len(f.buf) == f.w.blockSize {
			if err := f.flushBlock(); err != nil {
				return written, err
			}
		}
	}
	return written, nil
}

func (f *fileWriter) flushBlock() error {
	if len(f.buf) == 0 {
		return nil
	}
	f.n.size += int64(len(f.buf))
	compressed, err := f.w.comp.compress(f.buf)
	if err != nil {
		return xerrors.Errorf("compressing %q: %w", f.n.name, err)
	}
	size := uint32(len(compressed))
	data := compressed
	if compressed == nil {
		size = uint32(len(f.buf)) | dataUncompressed
		data = f.buf
	}
	if err := f.w.write(data); err != nil {
		return err
	}
	f.n.blockSizes = append(f.n.blockSizes, size)
	f.buf = f.buf[:0]
	return nil
}

func (f *fileWriter) Close() error {
	if f.w.open != f {
		return nil
	}
	err := f.flushBlock()
	f.w.open = nil
	return err
}

// metadataWriter packs records into metadata blocks of metadataBlockSize
// bytes, each compressed independently.
type metadataWriter struct {
	comp    compressor
	pending bytes.Buffer
	out     bytes.Buffer
}

// ref returns the position at which the next record will be written.
func (m *metadataWriter) ref() (block int64, offset int) {
	return int64(m.out.Len()), m.pending.Len()
}

func (m *metadataWriter) Write(p []byte) (int, error) {
	m.pending.Write(p)
	for m.pending.Len() >= metadataBlockSize {
		if err := m.emit(m.pending.Next(metadataBlockSize)); err != nil {
			return 0, err
		}
	}
	if m.pending.Len() == 0 {
		m.pending.Reset()
	}
	return len(p), nil
}

func (m *metadataWriter) emit(b []byte) error {
	compressed, err := m.comp.compress(b)
	if err != nil {
		return err
	}
	var hdr [2]byte
	if compressed == nil {
		binary.LittleEndian.PutUint16(hdr[:], uint16(len(b))|metadataUncompressed)
		m.out.Write(hdr[:])
		m.out.Write(b)
		return nil
	}
	binary.LittleEndian.PutUint16(hdr[:], uint16(len(compressed)))
	m.out.Write(hdr[:])
	m.out.Write(compressed)
	return nil
}

func (m *metadataWriter) flush() error {
	if m.pending.Len() == 0 {
		return nil
	}
	b := append([]byte(nil), m.pending.Bytes()...)
	m.pending.Reset()
	return m.emit(b)
}

func (m *metadataWriter) writeStruct(v interface{}) error {
	return binary.Write(m, binary.LittleEndian, v)
}

func (d *Directory) sorted() []*node {
	nodes := make([]*node, 0, len(d.children))
	for _, n := range d.children {
		nodes = append(nodes, n)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].name < nodes[j].name })
	return nodes
}

// assignInodeNumbers numbers all entries below d (children before their
// parent), then d itself, starting at next.
func (d *Directory) assignInodeNumbers(next uint32) uint32 {
	for _, n := range d.sorted() {
		if n.dir != nil {
			next = n.dir.assignInodeNumbers(next)
			continue
		}
		n.inodeNumber = next
		next++
	}
	d.node.inodeNumber = next
	return next + 1
}

type tableWriter struct {
	inodes metadataWriter
	dirs   metadataWriter
}

func mtime(t time.Time) int32 {
	s := t.Unix()
	if s < 0 {
		return 0
	}
	if s > math.MaxInt32 {
		return math.MaxInt32
	}
	return int32(s)
}

func (tw *tableWriter) header(n *node, typ uint16) inodeHeader {
	return inodeHeader{
		InodeType:   typ,
		Mode:        n.mode,
		Mtime:       mtime(n.mtime),
		InodeNumber: n.inodeNumber,
	}
}

func (tw *tableWriter) setRef(n *node) {
	block, offset := tw.inodes.ref()
	n.ref = Inode(block<<16 | int64(offset))
}

func (tw *tableWriter) writeFile(n *node) error {
	tw.setRef(n)
	if n.start <= math.MaxUint32 && n.size <= math.MaxUint32 {
		if err := tw.inodes.writeStruct(regInodeHeader{
			inodeHeader: tw.header(n, fileType),
			StartBlock:  uint32(n.start),
			Fragment:    invalidFragment,
			Offset:      0,
			FileSize:    uint32(n.size),
		}); err != nil {
			return err
		}
	} else {
		if err := tw.inodes.writeStruct(lregInodeHeader{
			inodeHeader: tw.header(n, lregType),
			StartBlock:  uint64(n.start),
			FileSize:    uint64(n.size),
			Nlink:       1,
			Fragment:    invalidFragment,
			Xattr:       invalidXattr,
		}); err != nil {
			return err
		}
	}
	if len(n.blockSizes) == 0 {
		return nil
	}
	return tw.inodes.writeStruct(n.blockSizes)
}

func (tw *tableWriter) writeSymlink(n *node) error {
	tw.setRef(n)
	if err := tw.inodes.writeStruct(symlinkInodeHeader{
		inodeHeader: tw.header(n, symlinkType),
		Nlink:       1,
		SymlinkSize: uint32(len(n.target)),
	}); err != nil {
		return err
	}
	_, err := tw.inodes.Write([]byte(n.target))
	return err
}

// writeDir writes the inodes of all entries below d, the directory listing
// of d and finally the inode of d itself.
func (tw *tableWriter) writeDir(d *Directory, parentInodeNumber uint32) error {
	children := d.sorted()
	subdirs := 0
	for _, n := range children {
		var err error
		switch n.typ {
		case dirType:
			subdirs++
			err = tw.writeDir(n.dir, d.node.inodeNumber)
		case fileType:
			err = tw.writeFile(n)
		case symlinkType:
			err = tw.writeSymlink(n)
		default:
			err = fmt.Errorf("BUG: unknown node type %d", n.typ)
		}
		if err != nil {
			return err
		}
	}

	dirBlock, dirOffset := tw.dirs.ref()
	listing, err := dirListing(children)
	if err != nil {
		return err
	}
	if _, err := tw.dirs.Write(listing); err != nil {
		return err
	}

	tw.setRef(d.node)
	fileSize := len(listing) + 3 // "." and ".." are implicit
	nlink := uint32(2 + subdirs)
	if fileSize <= math.MaxUint16 && len(children) < math.MaxUint16 {
		return tw.inodes.writeStruct(dirInodeHeader{
			inodeHeader: tw.header(d.node, dirType),
			StartBlock:  uint32(dirBlock),
			Nlink:       nlink,
			FileSize:    uint16(fileSize),
			Offset:      uint16(dirOffset),
			ParentInode: parentInodeNumber,
		})
	}
	return tw.inodes.writeStruct(ldirInodeHeader{
		inodeHeader: tw.header(d.node, ldirType),
		Nlink:       nlink,
		FileSize:    uint32(fileSize),
		StartBlock:  uint32(dirBlock),
		ParentInode: parentInodeNumber,
		Offset:      uint16(dirOffset),
		Xattr:       invalidXattr,
	})
}

// dirListing encodes the directory entries for children, whose inodes must
// already have been written. A new header starts whenever the inodes cross a
// metadata block, the inode number delta leaves the int16 range, or 256
// entries have been written under the current header.
func dirListing(children []*node) ([]byte, error) {
	var (
		buf     bytes.Buffer
		entries []*node
	)
	emit := func() error {
		if len(entries) == 0 {
			return nil
		}
		first := entries[0]
		if err := binary.Write(&buf, binary.LittleEndian, dirHeader{
			Count:       uint32(len(entries) - 1),
			StartBlock:  uint32(first.ref >> 16),
			InodeNumber: first.inodeNumber,
		}); err != nil {
			return err
		}
		for _, n := range entries {
			if err := binary.Write(&buf, binary.LittleEndian, dirEntry{
				Offset:      uint16(n.ref & 0xFFFF),
				InodeNumber: int16(int64(n.inodeNumber) - int64(first.inodeNumber)),
				EntryType:   n.typ,
				Size:        uint16(len(n.name) - 1),
			}); err != nil {
				return err
			}
			buf.WriteString(n.name)
		}
		entries = entries[:0]
		return nil
	}
	for _, n := range children {
		if len(entries) > 0 {
			first := entries[0]
			delta := int64(n.inodeNumber) - int64(first.inodeNumber)
			if len(entries) == 256 ||
				n.ref>>16 != first.ref>>16 ||
				delta < math.MinInt16 || delta > math.MaxInt16 {
				if err := emit(); err != nil {
					return nil, err
				}
			}
		}
		entries = append(entries, n)
	}
	if err := emit(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Flush writes the inode table, directory table, id table and superblock.
// The image is padded to a multiple of 4 KiB. No more files can be added
// after Flush.
func (w *Writer) Flush() error {
	if w.open != nil {
		return xerrors.Errorf("BUG: %q still open during Flush", w.open.n.name)
	}
	if w.flushed {
		return xerrors.New("BUG: Flush called twice")
	}
	w.flushed = true

	inodes := w.Root.assignInodeNumbers(1) - 1
	tw := &tableWriter{
		inodes: metadataWriter{comp: w.comp},
		dirs:   metadataWriter{comp: w.comp},
	}
	if err := tw.writeDir(w.Root, inodes+1); err != nil {
		return xerrors.Errorf("writing tables: %w", err)
	}
	if err := tw.inodes.flush(); err != nil {
		return err
	}
	if err := tw.dirs.flush(); err != nil {
		return err
	}

	inodeTableStart := w.off
	if err := w.write(tw.inodes.out.Bytes()); err != nil {
		return err
	}
	directoryTableStart := w.off
	if err := w.write(tw.dirs.out.Bytes()); err != nil {
		return err
	}

	// A single id: 0, i.e. all files are owned by root.
	ids := metadataWriter{comp: w.comp}
	if err := ids.writeStruct(uint32(0)); err != nil {
		return err
	}
	if err := ids.flush(); err != nil {
		return err
	}
	idBlockStart := w.off
	if err := w.write(ids.out.Bytes()); err != nil {
		return err
	}
	idTableStart := w.off
	var idIndex [8]byte
	binary.LittleEndian.PutUint64(idIndex[:], uint64(idBlockStart))
	if err := w.write(idIndex[:]); err != nil {
		return err
	}
	bytesUsed := w.off

	// Pad to a multiple of 4 KiB, as block devices expect.
	if rem := w.off % 4096; rem != 0 {
		if err := w.write(make([]byte, 4096-rem)); err != nil {
			return err
		}
	}
	end := w.off

	flags := uint16(flagNoFragments | flagNoXattrs)
	if w.comp.options() != nil {
		flags |= flagCompOptions
	}
	sb := superblock{
		Magic:               magic,
		Inodes:              inodes,
		MkfsTime:            mtime(w.mkfsTime),
		BlockSize:           uint32(w.blockSize),
		Fragments:           0,
		Compression:         uint16(w.compID),
		BlockLog:            w.blockLog,
		Flags:               flags,
		NoIds:               1,
		Major:               4,
		Minor:               0,
		RootInode:           w.Root.node.ref,
		BytesUsed:           bytesUsed,
		IdTableStart:        idTableStart,
		XattrIdTableStart:   invalidTable,
		InodeTableStart:     inodeTableStart,
		DirectoryTableStart: directoryTableStart,
		FragmentTableStart:  invalidTable,
		LookupTableStart:    invalidTable,
	}
	if _, err := w.w.Seek(w.base, io.SeekStart); err != nil {
		return err
	}
	if err := binary.Write(w.w, binary.LittleEndian, &sb); err != nil {
		return err
	}
	if _, err := w.w.Seek(w.base+end, io.SeekStart); err != nil {
		return err
	}
	return nil
}

// Size returns the number of bytes written so far, including padding once
// Flush returned.
func (w *Writer) Size() int64 { return w.off }

// Compression returns the compressor used for the image.
func (w *Writer) Compression() Compression { return w.compID }
