// Package elfx loads 64-bit ELF executables and shared objects into the
// memory image, entry points and symbols the partitioner consumes.
package elfx

import (
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"binpart/internal/disasm"
	"binpart/internal/memmap"
	"binpart/internal/partition"
)

var (
	ErrNotELF      = errors.New("elfx: not an ELF file")
	ErrUnsupported = errors.New("elfx: unsupported machine (want x86-64 or AArch64)")
	ErrNotLoadable = errors.New("elfx: not an executable or shared object")
	ErrNot64Bit    = errors.New("elfx: not 64-bit ELF")
	ErrNoSymbol    = errors.New("elfx: symbol not found")
	ErrNoSegment   = errors.New("elfx: no PT_LOAD segment covers address")
	ErrNoLoadable  = errors.New("elfx: no PT_LOAD segments")
	ErrBadSegment  = errors.New("elfx: PT_LOAD segment extends past end of file")

	ErrSegmentTooLarge = errors.New("elfx: PT_LOAD segment too large")
)

// maxZeroFill bounds the zero-filled tail of a PT_LOAD segment.
const maxZeroFill = 1 << 32

// File wraps a debug/elf.File with the views the partitioner needs.
type File struct {
	ELF    *elf.File
	raw    io.ReaderAt
	size   int64
	closer io.Closer
	eh     *ehResult
}

// Open opens an ELF file and validates it is a 64-bit x86-64 or AArch64
// executable or shared object.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("elfx: open: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("elfx: stat: %w", err)
	}

	ef, err := NewFile(f, info.Size())
	if err != nil {
		f.Close()
		return nil, err
	}
	ef.closer = f
	return ef, nil
}

// NewFile reads an ELF image of the given size from r.
func NewFile(r io.ReaderAt, size int64) (*File, error) {
	ef, err := elf.NewFile(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotELF, err)
	}
	if ef.Class != elf.ELFCLASS64 {
		ef.Close()
		return nil, ErrNot64Bit
	}
	if ef.Machine != elf.EM_X86_64 && ef.Machine != elf.EM_AARCH64 {
		ef.Close()
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, ef.Machine)
	}
	if ef.Type != elf.ET_EXEC && ef.Type != elf.ET_DYN {
		ef.Close()
		return nil, fmt.Errorf("%w: %s", ErrNotLoadable, ef.Type)
	}
	return &File{ELF: ef, raw: r, size: size}, nil
}

// Close releases resources.
func (f *File) Close() error {
	err := f.ELF.Close()
	if f.closer != nil {
		if cerr := f.closer.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// FileSize returns the size of the underlying file.
func (f *File) FileSize() int64 { return f.size }

// Arch returns the instruction set of the file.
func (f *File) Arch() disasm.Arch {
	if f.ELF.Machine == elf.EM_AARCH64 {
		return disasm.ArchARM64
	}
	return disasm.ArchAMD64
}

// Entry returns the ELF entry point, or 0 if none.
func (f *File) Entry() uint64 { return f.ELF.Entry }

// Symbol is a named function extent from the symbol tables.
type Symbol struct {
	Name string `json:"name" msgpack:"name"`
	Addr uint64 `json:"addr" msgpack:"addr"`
	Size uint64 `json:"size" msgpack:"size"`
}

// FunctionSymbols returns the defined STT_FUNC symbols from .symtab and
// .dynsym, deduplicated by address (first name wins) and sorted by address.
// A file without symbol tables yields none.
func (f *File) FunctionSymbols() []Symbol {
	var all []elf.Symbol
	if syms, err := f.ELF.Symbols(); err == nil {
		all = append(all, syms...)
	}
	if syms, err := f.ELF.DynamicSymbols(); err == nil {
		all = append(all, syms...)
	}
	seen := make(map[uint64]bool)
	var out []Symbol
	for _, s := range all {
		if elf.ST_TYPE(s.Info) != elf.STT_FUNC || s.Value == 0 || s.Section == elf.SHN_UNDEF {
			continue
		}
		if seen[s.Value] {
			continue
		}
		seen[s.Value] = true
		out = append(out, Symbol{Name: s.Name, Addr: s.Value, Size: s.Size})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Addr < out[j].Addr })
	return out
}

// Symbol looks up a function symbol by exact name.
// Returns the symbol's virtual address and size.
func (f *File) Symbol(name string) (addr, size uint64, err error) {
	for _, s := range f.FunctionSymbols() {
		if s.Name == name {
			return s.Addr, s.Size, nil
		}
	}
	return 0, 0, fmt.Errorf("%w: %s", ErrNoSymbol, name)
}

// Seeds returns the partitioner seeds for this file: the entry point, the
// .eh_frame FDE starts and, when useSymbols is set, every function symbol
// and PLT import. Only addresses in executable segments are seeded.
func (f *File) Seeds(useSymbols bool) []partition.Seed {
	var seeds []partition.Seed
	if e := f.Entry(); e != 0 && f.isExecutable(e) {
		seeds = append(seeds, partition.Seed{Addr: e, Reason: partition.ReasonEntryPoint})
	}
	starts, _ := f.EHFrameStarts()
	for _, a := range starts {
		if f.isExecutable(a) {
			seeds = append(seeds, partition.Seed{Addr: a, Reason: partition.ReasonErrorHandling})
		}
	}
	if !useSymbols {
		return seeds
	}
	for _, s := range f.FunctionSymbols() {
		if f.isExecutable(s.Addr) {
			seeds = append(seeds, partition.Seed{Addr: s.Addr, Name: s.Name, Reason: partition.ReasonSymbol})
		}
	}
	for _, s := range f.Imports() {
		if f.isExecutable(s.Addr) {
			seeds = append(seeds, partition.Seed{Addr: s.Addr, Name: s.Name, Reason: partition.ReasonImport})
		}
	}
	return seeds
}

// Imports names the PLT trampoline of every .rela.plt entry after the
// dynamic symbol it binds, with an "@plt" suffix. Entries without a symbol
// are skipped but keep their slot.
func (f *File) Imports() []Symbol {
	rela := f.ELF.Section(".rela.plt")
	if rela == nil {
		return nil
	}
	data, err := rela.Data()
	if err != nil {
		return nil
	}
	base, stride, ok := f.pltSlots()
	if !ok {
		return nil
	}
	syms, _ := f.ELF.DynamicSymbols()

	var out []Symbol
	for i := 0; (i+1)*relaSize <= len(data); i++ {
		info := f.ELF.ByteOrder.Uint64(data[i*relaSize+8:])
		if !f.isJumpSlot(elf.R_TYPE64(info)) {
			continue
		}
		sym := elf.R_SYM64(info)
		if sym == 0 || int(sym) > len(syms) || syms[sym-1].Name == "" {
			continue
		}
		out = append(out, Symbol{
			Name: syms[sym-1].Name + "@plt",
			Addr: base + uint64(i)*stride,
			Size: stride,
		})
	}
	return out
}

const relaSize = 24

// pltSlots returns the address of the first PLT slot and the slot size.
// .plt.sec holds the slots directly; .plt starts with a resolver stub.
func (f *File) pltSlots() (base, stride uint64, ok bool) {
	if s := f.ELF.Section(".plt.sec"); s != nil {
		return s.Addr, 16, true
	}
	s := f.ELF.Section(".plt")
	if s == nil {
		return 0, 0, false
	}
	if f.ELF.Machine == elf.EM_AARCH64 {
		return s.Addr + 32, 16, true
	}
	return s.Addr + 16, 16, true
}

func (f *File) isJumpSlot(typ uint32) bool {
	if f.ELF.Machine == elf.EM_AARCH64 {
		return elf.R_AARCH64(typ) == elf.R_AARCH64_JUMP_SLOT
	}
	return elf.R_X86_64(typ) == elf.R_X86_64_JMP_SLOT
}

func (f *File) isExecutable(va uint64) bool {
	for _, s := range f.LoadSegments() {
		if s.Flags&elf.PF_X != 0 && va >= s.Vaddr && va < s.Vaddr+s.Memsz {
			return true
		}
	}
	return false
}

// VAToFileOffset converts a virtual address to a file offset using PT_LOAD segments.
func (f *File) VAToFileOffset(va uint64) (uint64, error) {
	for _, p := range f.ELF.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}
		if va >= p.Vaddr && va < p.Vaddr+p.Filesz {
			offset := va - p.Vaddr + p.Off
			if offset >= uint64(f.size) {
				return 0, fmt.Errorf("elfx: VA 0x%x maps to offset 0x%x beyond file size 0x%x", va, offset, f.size)
			}
			return offset, nil
		}
	}
	return 0, fmt.Errorf("%w: VA 0x%x", ErrNoSegment, va)
}

// ReadBytesAtVA reads n bytes starting at the given virtual address.
func (f *File) ReadBytesAtVA(va uint64, n int) ([]byte, error) {
	off, err := f.VAToFileOffset(va)
	if err != nil {
		return nil, err
	}
	// Clamp to file size.
	avail := f.size - int64(off)
	if int64(n) > avail {
		n = int(avail)
	}
	buf := make([]byte, n)
	_, err = f.raw.ReadAt(buf, int64(off))
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("elfx: read at 0x%x: %w", off, err)
	}
	return buf, nil
}

// SegmentInfo describes a PT_LOAD segment.
type SegmentInfo struct {
	Vaddr  uint64       `json:"vaddr"`
	Memsz  uint64       `json:"memsz"`
	Filesz uint64       `json:"filesz"`
	Offset uint64       `json:"offset"`
	Flags  elf.ProgFlag `json:"flags"`
}

// LoadSegments returns all PT_LOAD segments.
func (f *File) LoadSegments() []SegmentInfo {
	var segs []SegmentInfo
	for _, p := range f.ELF.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}
		segs = append(segs, SegmentInfo{
			Vaddr:  p.Vaddr,
			Memsz:  p.Memsz,
			Filesz: p.Filesz,
			Offset: p.Off,
			Flags:  p.Flags,
		})
	}
	return segs
}

func perm(flags elf.ProgFlag) memmap.Perm {
	var p memmap.Perm
	if flags&elf.PF_R != 0 {
		p |= memmap.PermRead
	}
	if flags&elf.PF_W != 0 {
		p |= memmap.PermWrite
	}
	if flags&elf.PF_X != 0 {
		p |= memmap.PermExec
	}
	return p
}

// MemoryMap builds the memory image from the PT_LOAD segments. File bytes
// are copied; the tail beyond Filesz is zero-filled up to Memsz.
func (f *File) MemoryMap() (*memmap.Map, error) {
	var segs []memmap.Segment
	for i, p := range f.LoadSegments() {
		if p.Memsz == 0 {
			continue
		}
		n := min(p.Filesz, p.Memsz)
		if p.Memsz-n > maxZeroFill {
			return nil, fmt.Errorf("%w: LOAD[%d] memsz 0x%x", ErrSegmentTooLarge, i, p.Memsz)
		}
		if p.Offset > uint64(f.size) || n > uint64(f.size)-p.Offset {
			return nil, fmt.Errorf("%w: LOAD[%d] file range 0x%x+0x%x, file size 0x%x", ErrBadSegment, i, p.Offset, n, f.size)
		}
		data := make([]byte, n)
		if _, err := f.raw.ReadAt(data, int64(p.Offset)); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("elfx: read segment %d: %w", i, err)
		}
		segs = append(segs, memmap.Segment{
			Name: fmt.Sprintf("LOAD[%d]", i),
			Addr: p.Vaddr,
			Data: data,
			Size: p.Memsz,
			Perm: perm(p.Flags),
		})
	}
	if len(segs) == 0 {
		return nil, ErrNoLoadable
	}
	return memmap.New(segs...)
}

// Summary is a short description of a file, for the info command.
type Summary struct {
	Arch     disasm.Arch   `json:"arch"`
	Type     string        `json:"type"`
	Entry    uint64        `json:"entry"`
	Size     int64         `json:"size"`
	Segments []SegmentInfo `json:"segments"`
	Symbols  int           `json:"function_symbols"`
	Imports  int           `json:"imports"`
	FDEs     int           `json:"eh_frame_fdes"`
}

// Summarize returns the file's Summary.
func (f *File) Summarize() Summary {
	starts, _ := f.EHFrameStarts()
	return Summary{
		Arch:     f.Arch(),
		Type:     f.ELF.Type.String(),
		Entry:    f.Entry(),
		Size:     f.size,
		Segments: f.LoadSegments(),
		Symbols:  len(f.FunctionSymbols()),
		Imports:  len(f.Imports()),
		FDEs:     len(starts),
	}
}

// ByteOrder returns the ELF byte order.
func (f *File) ByteOrder() binary.ByteOrder {
	return f.ELF.ByteOrder
}
