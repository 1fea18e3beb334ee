// Package elfstub locates the end of an ELF executable and manages the
// image-type marker stored in its identification padding.
//
// An executable image is an ELF runtime stub immediately followed by a
// SquashFS image. The stub's ELF size (computed from its headers) is the
// offset of the image, so the runtime can find its own payload without any
// extra trailer.
package elfstub

import (
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
)

// Magic marks a file as an executable image. It is stored at MagicOffset,
// inside the ELF identification padding (EI_PAD), which the kernel ignores.
var Magic = [3]byte{'A', 'I', 0x02}

// MagicOffset is the file offset of Magic.
const MagicOffset = 8

// ErrNotELF is returned for files which do not start with an ELF header.
var ErrNotELF = errors.New("not an ELF file")

// ErrMalformed is returned for ELF headers describing offsets or sizes which
// do not fit in a file.
var ErrMalformed = errors.New("malformed ELF headers")

// end returns off+size, rejecting results which overflow an int64.
func end(off, size uint64) (int64, error) {
	if off > math.MaxInt64 || size > math.MaxInt64-off {
		return 0, fmt.Errorf("%w: offset %d + size %d overflows", ErrMalformed, off, size)
	}
	return int64(off + size), nil
}

// Size returns the size of the ELF file in r as described by its headers:
// the end of the furthest section, segment or header table.
func Size(r io.ReaderAt) (int64, error) {
	var ident [elf.EI_NIDENT]byte
	if _, err := r.ReadAt(ident[:], 0); err != nil {
		return 0, fmt.Errorf("%w: reading identification: %v", ErrNotELF, err)
	}
	if string(ident[:4]) != elf.ELFMAG {
		return 0, ErrNotELF
	}
	var bo binary.ByteOrder
	switch elf.Data(ident[elf.EI_DATA]) {
	case elf.ELFDATA2LSB:
		bo = binary.LittleEndian
	case elf.ELFDATA2MSB:
		bo = binary.BigEndian
	default:
		return 0, fmt.Errorf("%w: unknown data encoding %d", ErrNotELF, ident[elf.EI_DATA])
	}
	sr := io.NewSectionReader(r, 0, 1<<63-1)

	var hdr header
	switch elf.Class(ident[elf.EI_CLASS]) {
	case elf.ELFCLASS64:
		var h elf.Header64
		if err := binary.Read(sr, bo, &h); err != nil {
			return 0, err
		}
		if h.Phoff > math.MaxInt64 || h.Shoff > math.MaxInt64 {
			return 0, fmt.Errorf("%w: header table offset out of range", ErrMalformed)
		}
		hdr = header{
			ehsize:    int64(h.Ehsize),
			phoff:     int64(h.Phoff),
			phentsize: int64(h.Phentsize),
			phnum:     int64(h.Phnum),
			shoff:     int64(h.Shoff),
			shentsize: int64(h.Shentsize),
			shnum:     int64(h.Shnum),
		}
	case elf.ELFCLASS32:
		var h elf.Header32
		if err := binary.Read(sr, bo, &h); err != nil {
			return 0, err
		}
		hdr = header{
			ehsize:    int64(h.Ehsize),
			phoff:     int64(h.Phoff),
			phentsize: int64(h.Phentsize),
			phnum:     int64(h.Phnum),
			shoff:     int64(h.Shoff),
			shentsize: int64(h.Shentsize),
			shnum:     int64(h.Shnum),
			is32:      true,
		}
	default:
		return 0, fmt.Errorf("%w: unknown class %d", ErrNotELF, ident[elf.EI_CLASS])
	}

	size := hdr.ehsize
	for i := int64(0); i < hdr.phnum; i++ {
		off, filesz, err := hdr.segment(r, bo, i)
		if err != nil {
			return 0, fmt.Errorf("reading program header %d: %w", i, err)
		}
		e, err := end(off, filesz)
		if err != nil {
			return 0, fmt.Errorf("program header %d: %w", i, err)
		}
		size = max(size, e)
	}
	phend, err := end(uint64(hdr.phoff), uint64(hdr.phentsize*hdr.phnum))
	if err != nil {
		return 0, err
	}
	size = max(size, phend)

	if hdr.shoff != 0 {
		shnum := hdr.shnum
		if shnum == 0 {
			// Extended numbering: the real count is in the size field of
			// section 0.
			_, _, count, err := hdr.section(r, bo, 0)
			if err != nil {
				return 0, fmt.Errorf("reading section header 0: %w", err)
			}
			if count > math.MaxUint32 {
				return 0, fmt.Errorf("%w: %d sections", ErrMalformed, count)
			}
			shnum = int64(count)
		}
		shend, err := end(uint64(hdr.shoff), uint64(hdr.shentsize)*uint64(shnum))
		if err != nil {
			return 0, err
		}
		size = max(size, shend)
		for i := int64(0); i < shnum; i++ {
			typ, off, sz, err := hdr.section(r, bo, i)
			if err != nil {
				return 0, fmt.Errorf("reading section header %d: %w", i, err)
			}
			if typ == elf.SHT_NULL || typ == elf.SHT_NOBITS {
				continue
			}
			e, err := end(off, sz)
			if err != nil {
				return 0, fmt.Errorf("section header %d: %w", i, err)
			}
			size = max(size, e)
		}
	}
	return size, nil
}

type header struct {
	ehsize    int64
	phoff     int64
	phentsize int64
	phnum     int64
	shoff     int64
	shentsize int64
	shnum     int64
	is32      bool
}

func (h header) segment(r io.ReaderAt, bo binary.ByteOrder, i int64) (off, filesz uint64, _ error) {
	sr := io.NewSectionReader(r, h.phoff+i*h.phentsize, h.phentsize)
	if h.is32 {
		var p elf.Prog32
		if err := binary.Read(sr, bo, &p); err != nil {
			return 0, 0, err
		}
		return uint64(p.Off), uint64(p.Filesz), nil
	}
	var p elf.Prog64
	if err := binary.Read(sr, bo, &p); err != nil {
		return 0, 0, err
	}
	return p.Off, p.Filesz, nil
}

func (h header) section(r io.ReaderAt, bo binary.ByteOrder, i int64) (typ elf.SectionType, off, size uint64, _ error) {
	sr := io.NewSectionReader(r, h.shoff+i*h.shentsize, h.shentsize)
	if h.is32 {
		var s elf.Section32
		if err := binary.Read(sr, bo, &s); err != nil {
			return 0, 0, 0, err
		}
		return elf.SectionType(s.Type), uint64(s.Off), uint64(s.Size), nil
	}
	var s elf.Section64
	if err := binary.Read(sr, bo, &s); err != nil {
		return 0, 0, 0, err
	}
	return elf.SectionType(s.Type), s.Off, s.Size, nil
}

// Offset returns the offset of the image appended to the executable at path.
func Offset(path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return Size(f)
}

// HasMagic reports whether r carries the image-type marker.
func HasMagic(r io.ReaderAt) (bool, error) {
	var b [len(Magic)]byte
	if _, err := r.ReadAt(b[:], MagicOffset); err != nil {
		if err == io.EOF {
			return false, nil
		}
		return false, err
	}
	return b == Magic, nil
}

// Patch writes the image-type marker into w, which must hold an ELF header.
func Patch(w io.WriterAt) error {
	_, err := w.WriteAt(Magic[:], MagicOffset)
	return err
}
