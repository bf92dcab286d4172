package disasm

import (
	"errors"

	"golang.org/x/arch/x86/x86asm"
)

// AMD64 decodes variable-length x86-64 instructions in 64-bit mode.
type AMD64 struct{}

func (AMD64) Arch() Arch              { return ArchAMD64 }
func (AMD64) MaxInstructionSize() int { return 15 }
func (AMD64) Alignment() int          { return 1 }

func (d AMD64) DecodeOne(mem Memory, addr uint64) (*Inst, error) {
	buf, err := fetch(mem, addr, 1, 15)
	if err != nil {
		return nil, err
	}
	inst, err := x86asm.Decode(buf, 64)
	if err != nil {
		if errors.Is(err, x86asm.ErrTruncated) {
			return nil, &DecodeError{Addr: addr, Err: ErrTruncated}
		}
		return nil, &DecodeError{Addr: addr, Err: ErrInvalid}
	}
	// An instruction that runs off the executable region is rejected.
	if !mem.IsExecutable(addr + uint64(inst.Len) - 1) {
		return nil, &DecodeError{Addr: addr, Err: ErrTruncated}
	}
	text := x86asm.IntelSyntax(inst, addr, nil)
	mnemonic, operands := splitText(text)
	return &Inst{
		Addr:     addr,
		Raw:      buf[:inst.Len],
		Size:     inst.Len,
		Mnemonic: mnemonic,
		Operands: operands,
		Text:     text,
		Native:   inst,
	}, nil
}

// X86 returns the decoded x86asm form of inst, if it has one.
func X86(inst *Inst) (x86asm.Inst, bool) {
	xi, ok := inst.Native.(x86asm.Inst)
	return xi, ok
}
