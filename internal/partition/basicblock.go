package partition

import (
	"fmt"

	"binpart/internal/disasm"
	"binpart/internal/semantics"
)

// BasicBlock is a sequence of instructions with linear control flow. It is
// mutable until frozen; a frozen block never changes again and may be read
// from any number of goroutines.
type BasicBlock struct {
	addr    uint64
	insts   []*disasm.Inst
	eval    semantics.Evaluator
	frozen  bool
	dblocks []*DataBlock // sorted by address

	cache   *semantics.Result // nil when invalid
	undo    *semantics.Result // cache before the last Append
	hasUndo bool
}

// NewBasicBlock returns an empty block at addr whose derived properties are
// computed by eval.
func NewBasicBlock(addr uint64, eval semantics.Evaluator) *BasicBlock {
	return &BasicBlock{addr: addr, eval: eval}
}

func (b *BasicBlock) Address() uint64 { return b.addr }
func (b *BasicBlock) IsEmpty() bool   { return len(b.insts) == 0 }
func (b *BasicBlock) IsFrozen() bool  { return b.frozen }
func (b *BasicBlock) NInsns() int     { return len(b.insts) }

// Instructions returns the block's instructions in order.
func (b *BasicBlock) Instructions() []*disasm.Inst {
	out := make([]*disasm.Inst, len(b.insts))
	copy(out, b.insts)
	return out
}

// Last returns the final instruction, or nil.
func (b *BasicBlock) Last() *disasm.Inst {
	if len(b.insts) == 0 {
		return nil
	}
	return b.insts[len(b.insts)-1]
}

// FallthroughAddress is the address just past the last instruction.
func (b *BasicBlock) FallthroughAddress() uint64 {
	if last := b.Last(); last != nil {
		return last.End()
	}
	return b.addr
}

// InstructionExists reports whether an instruction starting at addr is a
// member of the block.
func (b *BasicBlock) InstructionExists(addr uint64) bool {
	return b.indexOf(addr) >= 0
}

func (b *BasicBlock) indexOf(addr uint64) int {
	for i, in := range b.insts {
		if in.Addr == addr {
			return i
		}
	}
	return -1
}

// Append adds inst to the end of the block.
func (b *BasicBlock) Append(inst *disasm.Inst) error {
	if b.frozen {
		return &BasicBlockError{Addr: b.addr, Err: ErrFrozen}
	}
	if len(b.insts) == 0 && inst.Addr != b.addr {
		return &BasicBlockError{Addr: b.addr, Err: fmt.Errorf("%w: 0x%x", ErrWrongStartAddress, inst.Addr)}
	}
	if b.InstructionExists(inst.Addr) {
		return &BasicBlockError{Addr: b.addr, Err: fmt.Errorf("%w: 0x%x", ErrDuplicateInstruction, inst.Addr)}
	}
	b.undo, b.hasUndo = b.cache, true
	b.insts = append(b.insts, inst)
	b.cache = nil
	return nil
}

// Pop removes the most recently appended instruction. One level of undo is
// exact: the caches return to their state before that Append.
func (b *BasicBlock) Pop() error {
	if b.frozen {
		return &BasicBlockError{Addr: b.addr, Err: ErrFrozen}
	}
	if len(b.insts) == 0 {
		return &BasicBlockError{Addr: b.addr, Err: ErrEmptyBlock}
	}
	b.insts[len(b.insts)-1] = nil
	b.insts = b.insts[:len(b.insts)-1]
	if b.hasUndo {
		b.cache = b.undo
	} else {
		b.cache = nil
	}
	b.undo, b.hasUndo = nil, false
	return nil
}

// Freeze makes the block immutable. All derived properties are computed
// before Freeze returns.
func (b *BasicBlock) Freeze() {
	if b.frozen {
		return
	}
	b.result()
	b.undo, b.hasUndo = nil, false
	b.frozen = true
}

func (b *BasicBlock) result() *semantics.Result {
	if b.cache == nil {
		var r semantics.Result
		if len(b.insts) > 0 {
			r = b.eval.Evaluate(b.insts)
		} else {
			r.StackDelta = semantics.Const(0)
		}
		b.cache = &r
	}
	return b.cache
}

// Successors returns the control-flow successors of the block.
func (b *BasicBlock) Successors() []semantics.Successor {
	r := b.result()
	out := make([]semantics.Successor, len(r.Successors))
	copy(out, r.Successors)
	return out
}

// GhostSuccessors returns the sorted, unique addresses that instructions in
// the block name as branch targets but that the block never reaches.
func (b *BasicBlock) GhostSuccessors() []uint64 {
	r := b.result()
	out := make([]uint64, len(r.Ghosts))
	copy(out, r.Ghosts)
	return out
}

func (b *BasicBlock) IsFunctionCall() bool   { return b.result().IsFunctionCall }
func (b *BasicBlock) IsFunctionReturn() bool { return b.result().IsFunctionReturn }

func (b *BasicBlock) StackDelta() semantics.Expr { return b.result().StackDelta }

// fallsThroughTo reports whether the block can keep growing at addr.
func (b *BasicBlock) fallsThroughTo(addr uint64) bool {
	return b.result().FallsThroughTo(addr)
}

// InsertSuccessor adds a successor unless a structurally equal one exists.
// Inserted successors are discarded by the next Append.
func (b *BasicBlock) InsertSuccessor(target semantics.Expr, typ semantics.EdgeType) error {
	if b.frozen {
		return &BasicBlockError{Addr: b.addr, Err: ErrFrozen}
	}
	r := b.result()
	for _, s := range r.Successors {
		if s.Type == typ && s.Expr.Equal(target) {
			return nil
		}
	}
	// Copy so the undo snapshot stays intact.
	nr := *r
	nr.Successors = append(append([]semantics.Successor(nil), r.Successors...), semantics.Successor{Expr: target, Type: typ})
	b.cache = &nr
	return nil
}

// ClearSuccessors drops all successors, e.g. when a callback replaces an
// unknown indirect target with a resolved set.
func (b *BasicBlock) ClearSuccessors() error {
	if b.frozen {
		return &BasicBlockError{Addr: b.addr, Err: ErrFrozen}
	}
	nr := *b.result()
	nr.Successors = nil
	b.cache = &nr
	return nil
}

// DataBlocks returns the owned data blocks sorted by address.
func (b *BasicBlock) DataBlocks() []*DataBlock {
	out := make([]*DataBlock, len(b.dblocks))
	copy(out, b.dblocks)
	return out
}

// InsertDataBlock takes exclusive ownership of db.
func (b *BasicBlock) InsertDataBlock(db *DataBlock) error {
	if b.frozen {
		return &BasicBlockError{Addr: b.addr, Err: ErrFrozen}
	}
	if db.ownerBlock == b {
		return nil
	}
	if db.IsOwned() {
		return db.err(ErrAlreadyOwned)
	}
	for _, d := range b.dblocks {
		if d.Overlaps(db.addr, db.End()) {
			return db.err(ErrOverlap)
		}
	}
	db.ownerBlock = b
	b.dblocks = insertSorted(b.dblocks, db)
	return nil
}

func (b *BasicBlock) String() string {
	return fmt.Sprintf("bb 0x%x (%d insns)", b.addr, len(b.insts))
}
