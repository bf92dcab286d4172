// Package disasm decodes machine instructions from a memory image and
// renders them as stable text listings.
package disasm

import (
	"errors"
	"fmt"
	"strings"
)

// Arch names a supported instruction set.
type Arch string

const (
	ArchARM64 Arch = "arm64"
	ArchAMD64 Arch = "amd64"
)

var (
	ErrNotMapped     = errors.New("disasm: address not mapped")
	ErrNotExecutable = errors.New("disasm: address not executable")
	ErrMisaligned    = errors.New("disasm: misaligned address")
	ErrTruncated     = errors.New("disasm: instruction truncated")
	ErrInvalid       = errors.New("disasm: invalid instruction")
	ErrUnknownArch   = errors.New("disasm: unknown architecture")
)

// DecodeError reports a failure to decode an instruction at Addr.
type DecodeError struct {
	Addr uint64
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode at 0x%x: %v", e.Addr, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Inst is a decoded instruction with address and raw bytes.
type Inst struct {
	Addr     uint64
	Raw      []byte
	Size     int
	Mnemonic string
	Operands string
	Text     string // full disassembly line
	Native   any    // arm64asm.Inst or x86asm.Inst
}

// End returns the address just past the instruction.
func (i *Inst) End() uint64 { return i.Addr + uint64(i.Size) }

// Word returns the first four raw bytes as a little-endian word.
func (i *Inst) Word() uint32 {
	var w uint32
	for k := 0; k < 4 && k < len(i.Raw); k++ {
		w |= uint32(i.Raw[k]) << (8 * k)
	}
	return w
}

// Memory is the read side of a memory image.
type Memory interface {
	// Read returns up to n bytes at addr, or nil if addr is not mapped.
	Read(addr uint64, n int) []byte
	IsExecutable(addr uint64) bool
}

// Decoder decodes one instruction at a time from memory.
type Decoder interface {
	Arch() Arch
	MaxInstructionSize() int
	Alignment() int
	// DecodeOne decodes the instruction at addr. Errors are *DecodeError.
	DecodeOne(mem Memory, addr uint64) (*Inst, error)
}

// NewDecoder returns the decoder for arch.
func NewDecoder(arch Arch) (Decoder, error) {
	switch arch {
	case ArchARM64:
		return ARM64{}, nil
	case ArchAMD64:
		return AMD64{}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownArch, arch)
}

// fetch performs the memory checks shared by all decoders.
func fetch(mem Memory, addr uint64, align, max int) ([]byte, error) {
	if align > 1 && addr%uint64(align) != 0 {
		return nil, &DecodeError{Addr: addr, Err: ErrMisaligned}
	}
	buf := mem.Read(addr, max)
	if buf == nil {
		return nil, &DecodeError{Addr: addr, Err: ErrNotMapped}
	}
	if !mem.IsExecutable(addr) {
		return nil, &DecodeError{Addr: addr, Err: ErrNotExecutable}
	}
	return buf, nil
}

func splitText(text string) (mnemonic, operands string) {
	parts := strings.SplitN(text, " ", 2)
	mnemonic = parts[0]
	if len(parts) > 1 {
		operands = strings.TrimSpace(parts[1])
	}
	return
}

// Bytes is a flat executable Memory backed by a byte slice at Base.
type Bytes struct {
	Base uint64
	Data []byte
}

func (b Bytes) Read(addr uint64, n int) []byte {
	if addr < b.Base || addr-b.Base >= uint64(len(b.Data)) || n <= 0 {
		return nil
	}
	off := addr - b.Base
	end := off + uint64(n)
	if end > uint64(len(b.Data)) {
		end = uint64(len(b.Data))
	}
	return b.Data[off:end]
}

func (b Bytes) IsExecutable(addr uint64) bool {
	return addr >= b.Base && addr-b.Base < uint64(len(b.Data))
}

// SymbolLookup resolves an address to a symbolic name. Returns ("", false) if unknown.
type SymbolLookup func(addr uint64) (name string, ok bool)

// Annotator returns an optional inline comment for an instruction.
type Annotator func(inst *Inst) string

// Options controls linear disassembly.
type Options struct {
	MaxSteps int          // maximum instructions to decode; 0 = 10M
	Symbols  SymbolLookup // optional symbol resolver
}

const defaultMaxSteps = 10_000_000

func (o Options) effectiveMax() int {
	if o.MaxSteps > 0 {
		return o.MaxSteps
	}
	return defaultMaxSteps
}

// Disassemble linearly decodes instructions in [start, end). Undecodable
// positions are emitted as .byte (or .word for fixed-width sets) pseudo
// instructions and decoding resumes after them.
func Disassemble(mem Memory, dec Decoder, start, end uint64, opts Options) []*Inst {
	maxSteps := opts.effectiveMax()
	var result []*Inst
	for addr := start; addr < end && len(result) < maxSteps; {
		inst, err := dec.DecodeOne(mem, addr)
		if err != nil {
			var de *DecodeError
			if !errors.As(err, &de) || !errors.Is(de.Err, ErrInvalid) {
				break
			}
			inst = rawInst(mem, dec, addr)
			if inst == nil {
				break
			}
		}
		result = append(result, inst)
		addr = inst.End()
	}
	return result
}

func rawInst(mem Memory, dec Decoder, addr uint64) *Inst {
	if a := dec.Alignment(); a == 4 {
		buf := mem.Read(addr, 4)
		if len(buf) < 4 {
			return nil
		}
		in := &Inst{Addr: addr, Raw: buf, Size: 4, Mnemonic: ".word"}
		in.Operands = fmt.Sprintf("0x%08x", in.Word())
		in.Text = ".word " + in.Operands
		return in
	}
	buf := mem.Read(addr, 1)
	if len(buf) < 1 {
		return nil
	}
	ops := fmt.Sprintf("0x%02x", buf[0])
	return &Inst{Addr: addr, Raw: buf, Size: 1, Mnemonic: ".byte", Operands: ops, Text: ".byte " + ops}
}

// Format renders a slice of instructions as stable text output.
// Each line: <addr>  <hex bytes>  <disasm>  ; <comments>
// Annotators are checked in order; first non-empty result is used.
func Format(insts []*Inst, lookup SymbolLookup, annotators ...Annotator) string {
	width := 0
	for _, inst := range insts {
		if n := len(inst.Raw); n > width {
			width = n
		}
	}
	var b strings.Builder
	for _, inst := range insts {
		if lookup != nil && inst.Addr != 0 {
			if name, ok := lookup(inst.Addr); ok {
				fmt.Fprintf(&b, "%s:\n", name)
			}
		}
		fmt.Fprintf(&b, "0x%08x  ", inst.Addr)
		for i := 0; i < width; i++ {
			if i < len(inst.Raw) {
				fmt.Fprintf(&b, "%02x ", inst.Raw[i])
			} else {
				b.WriteString("   ")
			}
		}
		b.WriteByte(' ')
		b.WriteString(inst.Text)
		for _, ann := range annotators {
			if s := ann(inst); s != "" {
				fmt.Fprintf(&b, "  ; %s", s)
				break
			}
		}
		b.WriteByte('\n')
	}
	return b.String()
}

// TargetAnnotator annotates direct branches and calls whose target has a name.
func TargetAnnotator(lookup SymbolLookup) Annotator {
	return func(inst *Inst) string {
		if lookup == nil {
			return ""
		}
		target, ok := DirectTarget(inst)
		if !ok {
			return ""
		}
		if name, ok := lookup(target); ok {
			return "<" + name + ">"
		}
		return ""
	}
}

// PlaceholderLookup returns a SymbolLookup over a fixed set of named addresses.
func PlaceholderLookup(entryPoints map[uint64]string) SymbolLookup {
	return func(addr uint64) (string, bool) {
		if name, ok := entryPoints[addr]; ok {
			return name, true
		}
		return "", false
	}
}
