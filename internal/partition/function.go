package partition

import (
	"fmt"
	"sort"
	"strings"
)

// Reason records why a function was created. A function may have several.
type Reason uint32

const (
	ReasonEntryPoint Reason = 1 << iota
	ReasonSymbol
	ReasonCallTarget
	ReasonPrologue
	ReasonUserDefined
	ReasonErrorHandling // .eh_frame FDE
	ReasonImport        // PLT trampoline
)

func (r Reason) String() string {
	var parts []string
	for _, f := range []struct {
		bit  Reason
		name string
	}{
		{ReasonEntryPoint, "entry"},
		{ReasonSymbol, "symbol"},
		{ReasonCallTarget, "call"},
		{ReasonPrologue, "prologue"},
		{ReasonUserDefined, "user"},
		{ReasonErrorHandling, "eh-frame"},
		{ReasonImport, "import"},
	} {
		if r&f.bit != 0 {
			parts = append(parts, f.name)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// Function is a collection of basic blocks and data blocks identified by
// its entry address.
type Function struct {
	entry   uint64
	name    string
	reasons Reason

	blocks   map[uint64]struct{}
	deadCode map[uint64]struct{}
	dblocks  []*DataBlock // sorted, non-overlapping
}

func NewFunction(entry uint64, name string, reasons Reason) *Function {
	return &Function{
		entry:    entry,
		name:     name,
		reasons:  reasons,
		blocks:   make(map[uint64]struct{}),
		deadCode: make(map[uint64]struct{}),
	}
}

func (f *Function) Entry() uint64           { return f.entry }
func (f *Function) Name() string            { return f.name }
func (f *Function) SetName(name string)     { f.name = name }
func (f *Function) Reasons() Reason         { return f.reasons }
func (f *Function) HasReason(r Reason) bool { return f.reasons&r != 0 }
func (f *Function) InsertReasons(r Reason)  { f.reasons |= r }

// DisplayName returns the name or a synthesized sub_<entry> form.
func (f *Function) DisplayName() string {
	if f.name != "" {
		return f.name
	}
	return fmt.Sprintf("sub_%x", f.entry)
}

// BlockAddresses returns the owned block addresses in ascending order.
func (f *Function) BlockAddresses() []uint64 {
	out := make([]uint64, 0, len(f.blocks))
	for a := range f.blocks {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (f *Function) OwnsBlock(addr uint64) bool {
	_, ok := f.blocks[addr]
	return ok
}

func (f *Function) NBlocks() int { return len(f.blocks) }

// IsDeadCode reports whether the block at addr was attached from a ghost
// successor rather than by normal reachability.
func (f *Function) IsDeadCode(addr uint64) bool {
	_, ok := f.deadCode[addr]
	return ok
}

func (f *Function) insertBlock(addr uint64, dead bool) {
	f.blocks[addr] = struct{}{}
	if dead {
		f.deadCode[addr] = struct{}{}
	}
}

func (f *Function) eraseBlock(addr uint64) {
	delete(f.blocks, addr)
	delete(f.deadCode, addr)
}

// DataBlocks returns the owned data blocks sorted by address.
func (f *Function) DataBlocks() []*DataBlock {
	out := make([]*DataBlock, len(f.dblocks))
	copy(out, f.dblocks)
	return out
}

// InsertDataBlock takes exclusive ownership of db. Inserting a block this
// function already owns is a no-op; a block owned elsewhere or overlapping
// an owned block is rejected with a *DataBlockError.
func (f *Function) InsertDataBlock(db *DataBlock) error {
	if db.ownerFunc == f {
		return nil
	}
	if db.IsOwned() {
		return db.err(ErrAlreadyOwned)
	}
	for _, d := range f.dblocks {
		if d.Overlaps(db.addr, db.End()) {
			return db.err(fmt.Errorf("%w: %s", ErrOverlap, d))
		}
	}
	db.ownerFunc = f
	f.dblocks = insertSorted(f.dblocks, db)
	return nil
}

// EraseDataBlock releases ownership of db. It reports whether db was owned.
func (f *Function) EraseDataBlock(db *DataBlock) bool {
	var ok bool
	f.dblocks, ok = removeData(f.dblocks, db)
	if ok {
		db.ownerFunc = nil
	}
	return ok
}

func (f *Function) String() string {
	return fmt.Sprintf("%s@0x%x", f.DisplayName(), f.entry)
}
