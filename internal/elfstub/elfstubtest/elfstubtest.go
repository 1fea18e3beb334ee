// Package elfstubtest builds minimal ELF files for tests which need a stub
// without compiling one.
package elfstubtest

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
)

// Build returns a 64-bit little-endian ELF executable containing text as its
// only loadable content. The section header table is placed at the end of the
// file, followed by nothing, so the ELF size equals the length of the result.
// A NOBITS section pointing past the end of the file is included to verify
// that such sections are not counted.
func Build(text []byte) []byte {
	const (
		ehsize    = 64
		phentsize = 56
		shentsize = 64
		base      = 0x400000
	)
	textOff := uint64(ehsize + phentsize)
	shoff := textOff + uint64(len(text))
	// Align the section header table to 8 bytes.
	pad := (8 - shoff%8) % 8
	shoff += pad

	var buf bytes.Buffer
	hdr := elf.Header64{
		Type:      uint16(elf.ET_EXEC),
		Machine:   uint16(elf.EM_X86_64),
		Version:   uint32(elf.EV_CURRENT),
		Entry:     base + textOff,
		Phoff:     ehsize,
		Shoff:     shoff,
		Ehsize:    ehsize,
		Phentsize: phentsize,
		Phnum:     1,
		Shentsize: shentsize,
		Shnum:     3,
		Shstrndx:  uint16(elf.SHN_UNDEF),
	}
	copy(hdr.Ident[:], elf.ELFMAG)
	hdr.Ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	hdr.Ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	hdr.Ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	binary.Write(&buf, binary.LittleEndian, &hdr)

	binary.Write(&buf, binary.LittleEndian, &elf.Prog64{
		Type:   uint32(elf.PT_LOAD),
		Flags:  uint32(elf.PF_R | elf.PF_X),
		Off:    0,
		Vaddr:  base,
		Paddr:  base,
		Filesz: textOff + uint64(len(text)),
		Memsz:  textOff + uint64(len(text)),
		Align:  0x1000,
	})
	buf.Write(text)
	buf.Write(make([]byte, pad))

	sections := []elf.Section64{
		{}, // SHT_NULL
		{
			Type:      uint32(elf.SHT_PROGBITS),
			Flags:     uint64(elf.SHF_ALLOC | elf.SHF_EXECINSTR),
			Addr:      base + textOff,
			Off:       textOff,
			Size:      uint64(len(text)),
			Addralign: 1,
		},
		{
			Type:      uint32(elf.SHT_NOBITS),
			Flags:     uint64(elf.SHF_ALLOC | elf.SHF_WRITE),
			Addr:      base + 0x100000,
			Off:       shoff + 3*shentsize,
			Size:      0x10000,
			Addralign: 8,
		},
	}
	for _, s := range sections {
		binary.Write(&buf, binary.LittleEndian, &s)
	}
	return buf.Bytes()
}
