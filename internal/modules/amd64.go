package modules

import (
	"encoding/binary"

	"golang.org/x/arch/x86/x86asm"

	"binpart/internal/diag"
	"binpart/internal/disasm"
	"binpart/internal/partition"
	"binpart/internal/semantics"
)

const (
	x86Nop  = 0x90
	x86Int3 = 0xcc

	// maxJumpTableEntries bounds how far a table is read.
	maxJumpTableEntries = 1024
)

var endbr64 = []byte{0xf3, 0x0f, 0x1e, 0xfa}

// decodeX86 decodes the instruction at addr through the CFG's cache.
func decodeX86(c *partition.CFG, addr uint64) (x86asm.Inst, bool) {
	inst, err := c.Decode(addr)
	if err != nil {
		return x86asm.Inst{}, false
	}
	return disasm.X86(inst)
}

// amd64Boundary reports whether a function may plausibly start at addr:
// the start of an executable region, the end of a block that does not fall
// through, or right after a padding byte.
func amd64Boundary(c *partition.CFG, addr uint64) bool {
	if segmentStart(c, addr) || endsWithoutFallthrough(c, addr) {
		return true
	}
	b := c.Memory().Read(addr-1, 1)
	return len(b) == 1 && (b[0] == x86Nop || b[0] == x86Int3)
}

func isReg(a x86asm.Arg, r x86asm.Reg) bool {
	reg, ok := a.(x86asm.Reg)
	return ok && reg == r
}

func isPushRBP(xi x86asm.Inst) bool {
	return xi.Op == x86asm.PUSH && isReg(xi.Args[0], x86asm.RBP)
}

// isFrameSetup matches push rbp; mov rbp, rsp starting at addr.
func isFrameSetup(c *partition.CFG, addr uint64) bool {
	push, ok := decodeX86(c, addr)
	if !ok || !isPushRBP(push) {
		return false
	}
	mov, ok := decodeX86(c, addr+uint64(push.Len))
	return ok && mov.Op == x86asm.MOV && isReg(mov.Args[0], x86asm.RBP) && isReg(mov.Args[1], x86asm.RSP)
}

// isStackAlloc matches sub rsp, imm and lea rsp, [rsp-imm].
func isStackAlloc(xi x86asm.Inst) bool {
	if !isReg(xi.Args[0], x86asm.RSP) {
		return false
	}
	switch xi.Op {
	case x86asm.SUB:
		_, ok := xi.Args[1].(x86asm.Imm)
		return ok
	case x86asm.LEA:
		m, ok := xi.Args[1].(x86asm.Mem)
		return ok && m.Base == x86asm.RSP && m.Index == 0 && m.Disp < 0
	}
	return false
}

func amd64FramePointer(c *partition.CFG, anchor uint64) bool {
	return isFrameSetup(c, anchor)
}

func amd64Endbr(c *partition.CFG, anchor uint64) bool {
	if string(c.Memory().Read(anchor, len(endbr64))) != string(endbr64) {
		return false
	}
	next := anchor + uint64(len(endbr64))
	if isFrameSetup(c, next) {
		return true
	}
	if xi, ok := decodeX86(c, next); ok && (isPushRBP(xi) || isStackAlloc(xi)) {
		return true
	}
	return amd64Boundary(c, anchor)
}

func amd64PushRBP(c *partition.CFG, anchor uint64) bool {
	xi, ok := decodeX86(c, anchor)
	return ok && isPushRBP(xi) && amd64Boundary(c, anchor)
}

func amd64StackAlloc(c *partition.CFG, anchor uint64) bool {
	xi, ok := decodeX86(c, anchor)
	return ok && isStackAlloc(xi) && amd64Boundary(c, anchor)
}

// amd64Padding returns the start of the nop/int3 run ending at entry.
func amd64Padding(c *partition.CFG, entry uint64) (uint64, bool) {
	start := entry
	for start > 0 && !c.IsOwned(start-1) {
		b := c.Memory().Read(start-1, 1)
		if len(b) == 0 || (b[0] != x86Nop && b[0] != x86Int3) {
			break
		}
		start--
	}
	return start, start < entry
}

// jumpTableOperand matches jmp qword ptr [index*8+disp32] and returns the
// table address.
func jumpTableOperand(xi x86asm.Inst) (uint64, bool) {
	if xi.Op != x86asm.JMP {
		return 0, false
	}
	m, ok := xi.Args[0].(x86asm.Mem)
	if !ok || m.Base != 0 || m.Index == 0 || m.Scale != 8 || m.Disp <= 0 || xi.MemBytes != 8 {
		return 0, false
	}
	return uint64(m.Disp), true
}

// amd64JumpTable replaces the unknown successor of an indirect table jump
// with one successor per entry. Entries are read until one is not an
// executable address. The table becomes a data block owned by the block.
func amd64JumpTable(_ bool, args *partition.BlockCallbackArgs) bool {
	c, bb := args.CFG, args.Block
	last := bb.Last()
	if last == nil {
		return true
	}
	xi, ok := disasm.X86(last)
	if !ok {
		return true
	}
	table, ok := jumpTableOperand(xi)
	if !ok {
		return true
	}

	// A table already claimed by another block is shared, not re-read.
	limit, shared := maxJumpTableEntries, false
	if db := c.DataBlockAt(table); db != nil {
		if db.Kind() != partition.DataJumpTable || db.Address() != table {
			return true
		}
		limit, shared = int(db.Size()/8), true
	}

	var targets []uint64
	for i := 0; i < limit; i++ {
		addr := table + uint64(i)*8
		if c.Memory().IsExecutable(addr) || (!shared && c.DataBlockAt(addr) != nil) {
			break
		}
		b := c.Memory().Read(addr, 8)
		if len(b) < 8 {
			break
		}
		to := binary.LittleEndian.Uint64(b)
		if !c.Memory().IsExecutable(to) {
			break
		}
		targets = append(targets, to)
	}
	if len(targets) == 0 {
		return true
	}

	if !shared {
		db := partition.NewDataBlock(table, uint64(len(targets))*8, partition.DataJumpTable)
		if err := bb.InsertDataBlock(db); err != nil {
			c.Diags().AddErr(table, diag.KindDataBlock, err)
			return true
		}
	}
	if err := bb.ClearSuccessors(); err != nil {
		c.Diags().AddErr(bb.Address(), diag.KindBasicBlock, err)
		return true
	}
	for _, to := range targets {
		if err := bb.InsertSuccessor(semantics.Const(to), semantics.EdgeNormal); err != nil {
			c.Diags().AddErr(bb.Address(), diag.KindBasicBlock, err)
			return true
		}
	}
	args.Results.Terminate = partition.TerminateNow
	return true
}
