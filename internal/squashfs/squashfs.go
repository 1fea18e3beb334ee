// Package squashfs reads and writes SquashFS 4.0 file system images.
//
// The writer produces images without fragments, extended attributes or an
// export table. Every data block is compressed on its own, so that any byte
// range of a file can be served by decompressing only the blocks covering it.
// All files are owned by uid 0 / gid 0 in the resulting image.
//
// The format is documented in
// https://dr-emann.github.io/squashfs/squashfs.html
package squashfs

import "time"

const (
	magic = 0x73717368 // "hsqs"

	metadataBlockSize = 8192

	// metadataUncompressed is set in a metadata block header when the block
	// is stored as-is.
	metadataUncompressed = 1 << 15

	// dataUncompressed is set in a data block size entry when the block is
	// stored as-is.
	dataUncompressed = 1 << 24

	invalidFragment = 0xFFFFFFFF
	invalidXattr    = 0xFFFFFFFF
	invalidTable    = -1 // 0xFFFFFFFFFFFFFFFF when stored as int64

	// DefaultBlockSize is the data block size used unless overridden.
	DefaultBlockSize = 128 * 1024
	minBlockLog      = 12 // 4 KiB
	maxBlockLog      = 20 // 1 MiB
)

// Superblock flags.
const (
	flagNoFragments = 0x0010
	flagNoXattrs    = 0x0200
	flagCompOptions = 0x0400
)

// Inode types, as stored in inode headers and directory entries.
const (
	dirType = 1 + iota
	fileType
	symlinkType
	blkdevType
	chrdevType
	fifoType
	socketType
	ldirType
	lregType
	lsymlinkType
	lblkdevType
	lchrdevType
	lfifoType
	lsocketType
)

// Inode is a reference to an inode: the byte offset of the metadata block
// containing the inode (relative to the start of the inode table) in the upper
// bits, and the offset into the uncompressed block in the lower 16 bits.
type Inode int64

type superblock struct {
	Magic               uint32
	Inodes              uint32
	MkfsTime            int32
	BlockSize           uint32
	Fragments           uint32
	Compression         uint16
	BlockLog            uint16
	Flags               uint16
	NoIds               uint16
	Major               uint16
	Minor               uint16
	RootInode           Inode
	BytesUsed           int64
	IdTableStart        int64
	XattrIdTableStart   int64
	InodeTableStart     int64
	DirectoryTableStart int64
	FragmentTableStart  int64
	LookupTableStart    int64
}

type inodeHeader struct {
	InodeType   uint16
	Mode        uint16
	Uid         uint16
	Gid         uint16
	Mtime       int32
	InodeNumber uint32
}

type dirInodeHeader struct {
	inodeHeader
	StartBlock  uint32
	Nlink       uint32
	FileSize    uint16
	Offset      uint16
	ParentInode uint32
}

type ldirInodeHeader struct {
	inodeHeader
	Nlink       uint32
	FileSize    uint32
	StartBlock  uint32
	ParentInode uint32
	Icount      uint16
	Offset      uint16
	Xattr       uint32
}

// regInodeHeader is followed by one uint32 block size per data block.
type regInodeHeader struct {
	inodeHeader
	StartBlock uint32
	Fragment   uint32
	Offset     uint32
	FileSize   uint32
}

// lregInodeHeader is followed by one uint32 block size per data block.
type lregInodeHeader struct {
	inodeHeader
	StartBlock uint64
	FileSize   uint64
	Sparse     uint64
	Nlink      uint32
	Fragment   uint32
	Offset     uint32
	Xattr      uint32
}

// symlinkInodeHeader is followed by SymlinkSize bytes of link target.
type symlinkInodeHeader struct {
	inodeHeader
	Nlink       uint32
	SymlinkSize uint32
}

type dirHeader struct {
	Count       uint32 // stored as count-1
	StartBlock  uint32
	InodeNumber uint32
}

// dirEntry is followed by Size+1 bytes of name.
type dirEntry struct {
	Offset      uint16
	InodeNumber int16
	EntryType   uint16
	Size        uint16 // stored as size-1
}

// Info describes an image, as read from its superblock.
type Info struct {
	Compression string
	BlockSize   uint32
	Inodes      uint32
	BytesUsed   int64
	MkfsTime    time.Time
}
