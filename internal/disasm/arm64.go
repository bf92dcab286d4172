package disasm

import (
	"golang.org/x/arch/arm64/arm64asm"
)

// ARM64 decodes fixed-width little-endian AArch64 instructions.
type ARM64 struct{}

func (ARM64) Arch() Arch              { return ArchARM64 }
func (ARM64) MaxInstructionSize() int { return 4 }
func (ARM64) Alignment() int          { return 4 }

func (d ARM64) DecodeOne(mem Memory, addr uint64) (*Inst, error) {
	buf, err := fetch(mem, addr, 4, 4)
	if err != nil {
		return nil, err
	}
	if len(buf) < 4 {
		return nil, &DecodeError{Addr: addr, Err: ErrTruncated}
	}
	inst, err := arm64asm.Decode(buf)
	if err != nil {
		return nil, &DecodeError{Addr: addr, Err: ErrInvalid}
	}
	text := inst.String()
	mnemonic, operands := splitText(text)
	return &Inst{
		Addr:     addr,
		Raw:      buf[:4],
		Size:     4,
		Mnemonic: mnemonic,
		Operands: operands,
		Text:     text,
		Native:   inst,
	}, nil
}

// DisasmOne decodes a single ARM64 instruction from its raw encoding.
// Returns the disassembly text, or "" if decoding fails.
func DisasmOne(raw uint32) string {
	buf := []byte{byte(raw), byte(raw >> 8), byte(raw >> 16), byte(raw >> 24)}
	inst, err := arm64asm.Decode(buf)
	if err != nil {
		return ""
	}
	return inst.String()
}
