// Package elftest writes small synthetic ELF64 images for tests.
package elftest

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
)

// Segment is one PT_LOAD segment. Memsz defaults to len(Data).
type Segment struct {
	Vaddr uint64
	Data  []byte
	Memsz uint64
	Flags elf.ProgFlag
}

// Symbol is an STT_FUNC symbol written to .symtab.
type Symbol struct {
	Name string
	Addr uint64
	Size uint64
}

// Section is an extra section written verbatim. It is not mapped unless a
// Segment also covers Addr.
type Section struct {
	Name    string
	Type    elf.SectionType
	Addr    uint64
	Data    []byte
	Entsize uint64
}

// Image describes the file to build. DynSymbols with a zero Addr are
// written as undefined imports.
type Image struct {
	Machine    elf.Machine
	Type       elf.Type
	Entry      uint64
	Segments   []Segment
	Symbols    []Symbol
	DynSymbols []Symbol
	Sections   []Section
}

const (
	ehdrSize = 64
	phdrSize = 56
	shdrSize = 64
	symSize  = 24
)

func align(buf *bytes.Buffer, n int) {
	for buf.Len()%n != 0 {
		buf.WriteByte(0)
	}
}

// Build returns the little-endian ELF64 encoding of img.
func Build(img Image) []byte {
	le := binary.LittleEndian
	var body bytes.Buffer
	body.Write(make([]byte, ehdrSize+phdrSize*len(img.Segments)))

	progs := make([]elf.Prog64, len(img.Segments))
	for i, s := range img.Segments {
		align(&body, 16)
		memsz := s.Memsz
		if memsz == 0 {
			memsz = uint64(len(s.Data))
		}
		progs[i] = elf.Prog64{
			Type:   uint32(elf.PT_LOAD),
			Flags:  uint32(s.Flags),
			Off:    uint64(body.Len()),
			Vaddr:  s.Vaddr,
			Paddr:  s.Vaddr,
			Filesz: uint64(len(s.Data)),
			Memsz:  memsz,
			Align:  16,
		}
		body.Write(s.Data)
	}

	type section struct {
		hdr  elf.Section64
		data []byte
	}
	var shstrtab bytes.Buffer
	shstrtab.WriteByte(0)
	name := func(b *bytes.Buffer, s string) uint32 {
		off := uint32(b.Len())
		b.WriteString(s)
		b.WriteByte(0)
		return off
	}

	var secs []section
	symbols := func(symName, strName string, typ elf.SectionType, syms []Symbol) {
		var strtab, symtab bytes.Buffer
		strtab.WriteByte(0)
		binary.Write(&symtab, le, elf.Sym64{})
		for _, s := range syms {
			shndx := uint16(elf.SHN_ABS)
			if s.Addr == 0 {
				shndx = uint16(elf.SHN_UNDEF)
			}
			binary.Write(&symtab, le, elf.Sym64{
				Name:  name(&strtab, s.Name),
				Info:  elf.ST_INFO(elf.STB_GLOBAL, elf.STT_FUNC),
				Shndx: shndx,
				Value: s.Addr,
				Size:  s.Size,
			})
		}
		strIndex := uint32(len(secs) + 2) // after the null section and the table
		secs = append(secs,
			section{elf.Section64{Name: name(&shstrtab, symName), Type: uint32(typ), Link: strIndex, Info: 1, Addralign: 8, Entsize: symSize}, symtab.Bytes()},
			section{elf.Section64{Name: name(&shstrtab, strName), Type: uint32(elf.SHT_STRTAB), Addralign: 1}, strtab.Bytes()},
		)
	}
	if len(img.Symbols) > 0 {
		symbols(".symtab", ".strtab", elf.SHT_SYMTAB, img.Symbols)
	}
	if len(img.DynSymbols) > 0 {
		symbols(".dynsym", ".dynstr", elf.SHT_DYNSYM, img.DynSymbols)
	}
	for _, x := range img.Sections {
		secs = append(secs, section{elf.Section64{
			Name:      name(&shstrtab, x.Name),
			Type:      uint32(x.Type),
			Flags:     uint64(elf.SHF_ALLOC),
			Addr:      x.Addr,
			Addralign: 8,
			Entsize:   x.Entsize,
		}, x.Data})
	}

	var sections []elf.Section64
	var shstrndx uint16
	if len(secs) > 0 {
		shstrndx = uint16(len(secs) + 1)
		secs = append(secs, section{elf.Section64{Name: name(&shstrtab, ".shstrtab"), Type: uint32(elf.SHT_STRTAB), Addralign: 1}, shstrtab.Bytes()})
		sections = append(sections, elf.Section64{})
		for _, x := range secs {
			align(&body, 8)
			x.hdr.Off = uint64(body.Len())
			x.hdr.Size = uint64(len(x.data))
			body.Write(x.data)
			sections = append(sections, x.hdr)
		}
	}

	var shoff uint64
	if len(sections) > 0 {
		align(&body, 8)
		shoff = uint64(body.Len())
		for _, s := range sections {
			binary.Write(&body, le, s)
		}
	}

	var hdr bytes.Buffer
	ident := [elf.EI_NIDENT]byte{0x7f, 'E', 'L', 'F', byte(elf.ELFCLASS64), byte(elf.ELFDATA2LSB), byte(elf.EV_CURRENT)}
	binary.Write(&hdr, le, elf.Header64{
		Ident:     ident,
		Type:      uint16(img.Type),
		Machine:   uint16(img.Machine),
		Version:   uint32(elf.EV_CURRENT),
		Entry:     img.Entry,
		Phoff:     ehdrSize,
		Shoff:     shoff,
		Ehsize:    ehdrSize,
		Phentsize: phdrSize,
		Phnum:     uint16(len(progs)),
		Shentsize: shdrSize,
		Shnum:     uint16(len(sections)),
		Shstrndx:  shstrndx,
	})
	for _, p := range progs {
		binary.Write(&hdr, le, p)
	}

	out := body.Bytes()
	copy(out, hdr.Bytes())
	return out
}
