package disasm

import "golang.org/x/arch/x86/x86asm"

// BranchKind classifies an AArch64 control transfer.
type BranchKind uint8

const (
	NotBranch     BranchKind = iota
	BranchJump               // B
	BranchCond               // B.cond, CBZ, CBNZ, TBZ, TBNZ
	BranchCall               // BL
	BranchCallReg            // BLR
	BranchJumpReg            // BR
	BranchReturn             // RET
)

// Branch is a decoded AArch64 control transfer. Target is set for the
// PC-relative kinds, Reg for the register kinds.
type Branch struct {
	Kind   BranchKind
	Target uint64
	Reg    uint32
}

// Conditional reports whether execution may continue at the next instruction
// without the branch being taken.
func (b Branch) Conditional() bool { return b.Kind == BranchCond }

// Terminates reports whether b ends a basic block. Calls return to the next
// instruction and do not.
func (b Branch) Terminates() bool {
	switch b.Kind {
	case BranchJump, BranchCond, BranchJumpReg, BranchReturn:
		return true
	}
	return false
}

type branchForm struct {
	mask, bits uint32
	kind       BranchKind
	immShift   uint
	immBits    int // 0 for register forms
}

var arm64Branches = []branchForm{
	{0xFFFFFC1F, 0xD65F0000, BranchReturn, 0, 0},
	{0xFFFFFC1F, 0xD63F0000, BranchCallReg, 0, 0},
	{0xFFFFFC1F, 0xD61F0000, BranchJumpReg, 0, 0},
	{0xFC000000, 0x14000000, BranchJump, 0, 26},
	{0xFC000000, 0x94000000, BranchCall, 0, 26},
	{0xFF000010, 0x54000000, BranchCond, 5, 19}, // B.cond
	{0x7E000000, 0x34000000, BranchCond, 5, 19}, // CBZ, CBNZ
	{0x7E000000, 0x36000000, BranchCond, 5, 14}, // TBZ, TBNZ
}

// DecodeBranch classifies the AArch64 word raw executed at pc. Kind is
// NotBranch for everything else.
func DecodeBranch(raw uint32, pc uint64) Branch {
	for _, f := range arm64Branches {
		if raw&f.mask != f.bits {
			continue
		}
		b := Branch{Kind: f.kind}
		if f.immBits == 0 {
			b.Reg = (raw >> 5) & 0x1F
		} else {
			imm := (raw >> f.immShift) & (1<<f.immBits - 1)
			b.Target = uint64(int64(pc) + int64(signExtend(imm, f.immBits))*4)
		}
		return b
	}
	return Branch{}
}

// signExtend treats the low bits of v as a two's complement number.
func signExtend(v uint32, bits int) int32 {
	shift := 32 - bits
	return int32(v<<shift) >> shift
}

// DirectTarget returns the absolute target of a PC-relative branch or call.
func DirectTarget(inst *Inst) (uint64, bool) {
	if xi, ok := X86(inst); ok {
		switch xi.Op {
		case x86asm.CALL, x86asm.JMP, x86asm.JA, x86asm.JAE, x86asm.JB, x86asm.JBE,
			x86asm.JCXZ, x86asm.JE, x86asm.JECXZ, x86asm.JG, x86asm.JGE, x86asm.JL,
			x86asm.JLE, x86asm.JNE, x86asm.JNO, x86asm.JNP, x86asm.JNS, x86asm.JO,
			x86asm.JP, x86asm.JRCXZ, x86asm.JS, x86asm.LOOP, x86asm.LOOPE, x86asm.LOOPNE:
			if rel, ok := xi.Args[0].(x86asm.Rel); ok {
				return inst.End() + uint64(int64(rel)), true
			}
		}
		return 0, false
	}
	if len(inst.Raw) != 4 {
		return 0, false
	}
	switch b := DecodeBranch(inst.Word(), inst.Addr); b.Kind {
	case BranchJump, BranchCond, BranchCall:
		return b.Target, true
	}
	return 0, false
}
