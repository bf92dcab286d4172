package partition

import (
	"fmt"
	"sort"

	"github.com/google/btree"

	"binpart/internal/diag"
	"binpart/internal/disasm"
	"binpart/internal/memmap"
	"binpart/internal/semantics"
)

// MemoryMap is the read-only memory image being partitioned.
type MemoryMap interface {
	disasm.Memory
	IsMapped(addr uint64) bool
	ExecutableRanges() []memmap.Interval
	Find(addr uint64) *memmap.Segment
}

// Edge is a control-flow edge out of a basic block.
type Edge struct {
	From   uint64
	Target semantics.Expr
	Type   semantics.EdgeType
}

// To returns the concrete target address, if known.
func (e Edge) To() (uint64, bool) { return e.Target.Value() }

// CFG is the combined control-flow graph and address-usage map. It is the
// single source of truth every engine operation queries and mutates.
// A CFG has one writer at a time.
type CFG struct {
	mem  MemoryMap
	dec  disasm.Decoder
	eval semantics.Evaluator

	blocks       map[uint64]*BasicBlock
	undiscovered *btree.BTreeG[uint64]
	failed       map[uint64]*PlaceholderError
	succs        map[uint64][]Edge
	preds        map[uint64]map[uint64]struct{} // target -> source blocks
	usage        *addressUsage
	insnCache    map[uint64]*disasm.Inst

	functions    map[uint64]*Function
	owner        map[uint64]*Function // block address -> function
	pendingOwner map[uint64]*Function // ownership to restore after a split

	steps   int // placeholder visits across all discovery passes
	clamped bool

	diags diag.Diags
}

// NewCFG returns an empty CFG over mem.
func NewCFG(mem MemoryMap, dec disasm.Decoder, eval semantics.Evaluator) *CFG {
	return &CFG{
		mem:          mem,
		dec:          dec,
		eval:         eval,
		blocks:       make(map[uint64]*BasicBlock),
		undiscovered: btree.NewOrderedG[uint64](btreeDegree),
		failed:       make(map[uint64]*PlaceholderError),
		succs:        make(map[uint64][]Edge),
		preds:        make(map[uint64]map[uint64]struct{}),
		usage:        newAddressUsage(),
		insnCache:    make(map[uint64]*disasm.Inst),
		functions:    make(map[uint64]*Function),
		owner:        make(map[uint64]*Function),
		pendingOwner: make(map[uint64]*Function),
	}
}

func (c *CFG) Memory() MemoryMap              { return c.mem }
func (c *CFG) Decoder() disasm.Decoder        { return c.dec }
func (c *CFG) Evaluator() semantics.Evaluator { return c.eval }
func (c *CFG) Diags() *diag.Diags             { return &c.diags }

// NewBlock returns an empty block bound to this CFG's evaluator.
func (c *CFG) NewBlock(addr uint64) *BasicBlock { return NewBasicBlock(addr, c.eval) }

// Decode decodes the instruction at addr, reusing earlier results.
func (c *CFG) Decode(addr uint64) (*disasm.Inst, error) {
	if inst, ok := c.insnCache[addr]; ok {
		return inst, nil
	}
	inst, err := c.dec.DecodeOne(c.mem, addr)
	if err != nil {
		return nil, err
	}
	c.insnCache[addr] = inst
	return inst, nil
}

// BlockAt returns the block starting at addr, or nil.
func (c *CFG) BlockAt(addr uint64) *BasicBlock { return c.blocks[addr] }

// BlockContaining returns a block with an instruction covering addr,
// preferring one whose instruction starts exactly at addr.
func (c *CFG) BlockContaining(addr uint64) *BasicBlock {
	if e, ok := c.usage.insnAt(addr); ok {
		return c.blocks[e.block]
	}
	cov := c.usage.insnsCovering(addr)
	if len(cov) == 0 {
		return nil
	}
	sort.Slice(cov, func(i, j int) bool { return cov[i].block < cov[j].block })
	return c.blocks[cov[0].block]
}

// BlockEndingAt returns the block whose last instruction ends at addr.
func (c *CFG) BlockEndingAt(addr uint64) *BasicBlock {
	e, ok := c.usage.insnEndingAt(addr)
	if !ok {
		return nil
	}
	bb := c.blocks[e.block]
	if bb == nil || bb.FallthroughAddress() != addr {
		return nil
	}
	return bb
}

// InstructionAt returns the discovered instruction starting at addr.
func (c *CFG) InstructionAt(addr uint64) *disasm.Inst {
	e, ok := c.usage.insnAt(addr)
	if !ok {
		return nil
	}
	bb := c.blocks[e.block]
	if bb == nil {
		return nil
	}
	if i := bb.indexOf(addr); i >= 0 {
		return bb.insts[i]
	}
	return nil
}

// Blocks returns all blocks in address order.
func (c *CFG) Blocks() []*BasicBlock {
	out := make([]*BasicBlock, 0, len(c.blocks))
	for _, bb := range c.blocks {
		out = append(out, bb)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].addr < out[j].addr })
	return out
}

func (c *CFG) NBlocks() int { return len(c.blocks) }

// IsOwned reports whether any instruction or data block covers addr.
func (c *CFG) IsOwned(addr uint64) bool { return c.usage.isUsed(addr) }

// Overlaps reports whether [lo,hi) intersects any instruction or data block.
func (c *CFG) Overlaps(lo, hi uint64) bool {
	return c.usage.insnOverlapping(lo, hi) || c.usage.dataOverlapping(lo, hi) != nil
}

// DataBlockAt returns the data block covering addr, or nil.
func (c *CFG) DataBlockAt(addr uint64) *DataBlock { return c.usage.dataContaining(addr) }

// DataBlocks returns all data blocks in the address-usage map.
func (c *CFG) DataBlocks() []*DataBlock {
	var out []*DataBlock
	c.usage.data.Ascend(func(d *DataBlock) bool {
		out = append(out, d)
		return true
	})
	return out
}

// Successors returns the edges out of the block at addr.
func (c *CFG) Successors(addr uint64) []Edge {
	return append([]Edge(nil), c.succs[addr]...)
}

// Predecessors returns the sorted addresses of blocks with a concrete edge
// to addr.
func (c *CFG) Predecessors(addr uint64) []uint64 {
	out := make([]uint64, 0, len(c.preds[addr]))
	for a := range c.preds[addr] {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Edges returns every edge in source-address order.
func (c *CFG) Edges() []Edge {
	var out []Edge
	for _, bb := range c.Blocks() {
		out = append(out, c.succs[bb.addr]...)
	}
	return out
}

// Undiscovered returns the pending placeholder addresses in ascending order.
func (c *CFG) Undiscovered() []uint64 {
	out := make([]uint64, 0, c.undiscovered.Len())
	c.undiscovered.Ascend(func(a uint64) bool {
		out = append(out, a)
		return true
	})
	return out
}

// Failed returns the placeholder errors in address order.
func (c *CFG) Failed() []*PlaceholderError {
	out := make([]*PlaceholderError, 0, len(c.failed))
	for _, e := range c.failed {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Addr < out[j].Addr })
	return out
}

// InsertPlaceholder records addr as a candidate block start. It reports
// whether new work was created.
func (c *CFG) InsertPlaceholder(addr uint64) bool {
	if _, ok := c.blocks[addr]; ok {
		return false
	}
	if _, ok := c.failed[addr]; ok {
		return false
	}
	if d := c.usage.dataContaining(addr); d != nil {
		c.fail(addr, fmt.Errorf("%w: %s", ErrInsideData, d))
		return false
	}
	_, existed := c.undiscovered.ReplaceOrInsert(addr)
	return !existed
}

func (c *CFG) popPlaceholder() (uint64, bool) {
	return c.undiscovered.DeleteMin()
}

func (c *CFG) isPending(addr uint64) bool { return c.undiscovered.Has(addr) }

func (c *CFG) fail(addr uint64, err error) *PlaceholderError {
	pe := &PlaceholderError{Addr: addr, Err: err}
	c.failed[addr] = pe
	c.undiscovered.Delete(addr)
	c.diags.AddErr(addr, diag.KindPlaceholder, pe)
	return pe
}

// insertBlock publishes a frozen block and its edges.
func (c *CFG) insertBlock(bb *BasicBlock) {
	addr := bb.addr
	c.blocks[addr] = bb
	c.undiscovered.Delete(addr)
	for _, inst := range bb.insts {
		c.usage.insertInsn(inst, addr)
	}
	for _, db := range bb.dblocks {
		if err := c.usage.insertData(db); err != nil {
			c.diags.AddErr(db.addr, diag.KindDataBlock, err)
		}
	}
	edges := make([]Edge, 0, len(bb.Successors()))
	for _, s := range bb.Successors() {
		edges = append(edges, Edge{From: addr, Target: s.Expr, Type: s.Type})
		if to, ok := s.Expr.Value(); ok {
			if c.preds[to] == nil {
				c.preds[to] = make(map[uint64]struct{})
			}
			c.preds[to][addr] = struct{}{}
		}
	}
	c.succs[addr] = edges
	if fn := c.pendingOwner[addr]; fn != nil {
		delete(c.pendingOwner, addr)
		c.claim(fn, addr, false)
	}
}

// detachBlock removes a block and everything it contributed, remembering
// its function ownership for whatever block is later inserted at the
// same address.
func (c *CFG) detachBlock(addr uint64) *BasicBlock {
	bb := c.blocks[addr]
	if bb == nil {
		return nil
	}
	delete(c.blocks, addr)
	for _, inst := range bb.insts {
		if e, ok := c.usage.insnAt(inst.Addr); ok && e.block == addr {
			c.usage.eraseInsn(inst.Addr)
		}
	}
	for _, db := range bb.dblocks {
		c.usage.eraseData(db)
	}
	for _, e := range c.succs[addr] {
		if to, ok := e.To(); ok {
			delete(c.preds[to], addr)
			if len(c.preds[to]) == 0 {
				delete(c.preds, to)
			}
		}
	}
	delete(c.succs, addr)
	if fn := c.owner[addr]; fn != nil {
		delete(c.owner, addr)
		fn.eraseBlock(addr)
		c.pendingOwner[addr] = fn
	}
	return bb
}

// Functions returns all functions in entry order.
func (c *CFG) Functions() []*Function {
	out := make([]*Function, 0, len(c.functions))
	for _, fn := range c.functions {
		out = append(out, fn)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].entry < out[j].entry })
	return out
}

func (c *CFG) FunctionAt(entry uint64) *Function { return c.functions[entry] }

// InsertFunction adds fn and a placeholder at its entry. If a function
// already exists at that entry, fn's reasons are merged into it and the
// existing function is returned.
func (c *CFG) InsertFunction(fn *Function) (*Function, bool) {
	if cur := c.functions[fn.entry]; cur != nil {
		cur.InsertReasons(fn.reasons)
		if cur.name == "" {
			cur.name = fn.name
		}
		return cur, false
	}
	c.functions[fn.entry] = fn
	c.InsertPlaceholder(fn.entry)
	return fn, true
}

// OwnerOf returns the function owning the block at addr, or nil.
func (c *CFG) OwnerOf(addr uint64) *Function { return c.owner[addr] }

// FunctionBlocks returns the blocks owned by fn in address order.
func (c *CFG) FunctionBlocks(fn *Function) []*BasicBlock {
	var out []*BasicBlock
	for _, a := range fn.BlockAddresses() {
		if bb := c.blocks[a]; bb != nil {
			out = append(out, bb)
		}
	}
	return out
}

func (c *CFG) claim(fn *Function, addr uint64, dead bool) {
	c.owner[addr] = fn
	fn.insertBlock(addr, dead)
}

// AttachDataBlock gives fn ownership of db and records it in the
// address-usage map. The result is a *DataBlockError when db overlaps
// code or other data, or is owned elsewhere.
func (c *CFG) AttachDataBlock(fn *Function, db *DataBlock) error {
	if db.ownerFunc == fn {
		return nil
	}
	if db.IsOwned() {
		return db.err(ErrAlreadyOwned)
	}
	if c.usage.insnOverlapping(db.addr, db.End()) {
		return db.err(fmt.Errorf("%w: instructions", ErrOverlap))
	}
	if d := c.usage.dataOverlapping(db.addr, db.End()); d != nil {
		return db.err(fmt.Errorf("%w: %s", ErrOverlap, d))
	}
	if err := fn.InsertDataBlock(db); err != nil {
		return err
	}
	return c.usage.insertData(db)
}

// NextUnowned returns the lowest executable address at or after from that
// no instruction or data block covers.
func (c *CFG) NextUnowned(from uint64) (uint64, bool) {
	for _, r := range c.mem.ExecutableRanges() {
		if r.Hi <= from {
			continue
		}
		addr := max(from, r.Lo)
		for addr < r.Hi {
			end := c.usage.coverEnd(addr)
			if end == addr {
				return addr, true
			}
			addr = end
		}
	}
	return 0, false
}

// inOneSegment reports whether [lo,hi) lies inside a single segment.
func (c *CFG) inOneSegment(lo, hi uint64) bool {
	s := c.mem.Find(lo)
	return s != nil && hi <= s.End()
}

