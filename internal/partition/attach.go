package partition

import (
	"fmt"
	"sort"

	"github.com/apex/log"

	"binpart/internal/diag"
	"binpart/internal/semantics"
)

// intraEdge reports whether an edge stays within a function.
func intraEdge(e Edge) bool {
	return e.Type == semantics.EdgeNormal || e.Type == semantics.EdgeCallReturn
}

// AttachBlocksToFunctions claims, for each function in entry order, every
// unowned block reachable from its entry over non-call edges. Edges into
// another function and owned blocks that are no longer reachable are
// reported, not repaired.
func (e *Engine) AttachBlocksToFunctions(c *CFG, emitWarnings bool) []*FunctionError {
	var errs []*FunctionError
	for _, fn := range c.Functions() {
		reached := make(map[uint64]bool)
		var work []uint64
		if c.blocks[fn.entry] != nil {
			work = append(work, fn.entry)
			reached[fn.entry] = true
		}
		for len(work) > 0 {
			addr := work[0]
			work = work[1:]
			if owner := c.owner[addr]; owner == nil {
				c.claim(fn, addr, false)
			}
			for _, edge := range c.succs[addr] {
				to, ok := edge.To()
				if !ok || !intraEdge(edge) || reached[to] || c.blocks[to] == nil {
					continue
				}
				if other := c.crossesInto(fn, to); other != nil {
					errs = append(errs, &FunctionError{Entry: fn.entry, Block: addr,
						Err: fmt.Errorf("%w: %s edge to 0x%x in %s", ErrInterFunctionEdge, edge.Type, to, other)})
					continue
				}
				reached[to] = true
				work = append(work, to)
			}
		}
		for _, a := range fn.BlockAddresses() {
			if !reached[a] && !fn.IsDeadCode(a) {
				errs = append(errs, &FunctionError{Entry: fn.entry, Block: a, Err: ErrUnreachableBlock})
			}
		}
	}
	if emitWarnings {
		for _, fe := range errs {
			e.log.WithFields(log.Fields{"function": hex(fe.Entry), "block": hex(fe.Block)}).Warn(fe.Err.Error())
		}
	}
	return errs
}

// crossesInto returns the other function that a non-call edge from fn into
// the block at to would enter, or nil.
func (c *CFG) crossesInto(fn *Function, to uint64) *Function {
	if other := c.functions[to]; other != nil && other != fn {
		return other
	}
	if owner := c.owner[to]; owner != nil && owner != fn {
		return owner
	}
	return nil
}

// Attention returns the distinct functions named by errs, in entry order.
func Attention(c *CFG, errs []*FunctionError) []*Function {
	seen := make(map[uint64]bool)
	var out []*Function
	for _, fe := range errs {
		if seen[fe.Entry] {
			continue
		}
		seen[fe.Entry] = true
		if fn := c.functions[fe.Entry]; fn != nil {
			out = append(out, fn)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].entry < out[j].entry })
	return out
}

// AttachDeadCodeToFunction discovers code reachable only through fn's
// ghost successors and attaches it to fn. Each iteration turns unowned
// executable ghost targets into placeholders, discovers blocks, and claims
// what is newly reachable from them. Iteration stops after maxIterations,
// when no new ghost target appears, or when the edge policy rejects an
// edge into another function. It returns the ghost addresses used, sorted.
func (e *Engine) AttachDeadCodeToFunction(c *CFG, fn *Function, maxIterations int) ([]uint64, error) {
	seen := make(map[uint64]bool)
	var found []uint64
	for iter := 0; iter < maxIterations; iter++ {
		var ghosts []uint64
		for _, bb := range c.FunctionBlocks(fn) {
			for _, g := range bb.GhostSuccessors() {
				if seen[g] || !c.mem.IsExecutable(g) {
					continue
				}
				if c.blocks[g] == nil && c.usage.isUsed(g) {
					continue
				}
				if c.blocks[g] != nil && c.owner[g] != nil {
					continue
				}
				seen[g] = true
				ghosts = append(ghosts, g)
			}
		}
		if len(ghosts) == 0 {
			break
		}
		sort.Slice(ghosts, func(i, j int) bool { return ghosts[i] < ghosts[j] })
		for _, g := range ghosts {
			c.InsertPlaceholder(g)
			found = append(found, g)
		}
		if err := e.DiscoverBasicBlocks(c); err != nil {
			return nil, err
		}
		if e.claimDeadCode(c, fn, ghosts) {
			e.log.WithField("function", hex(fn.entry)).Debug("dead code stopped at inter-function edge")
			break
		}
	}
	sort.Slice(found, func(i, j int) bool { return found[i] < found[j] })
	return found, nil
}

// claimDeadCode claims blocks reachable from roots for fn and reports
// whether a disqualifying inter-function edge was seen.
func (e *Engine) claimDeadCode(c *CFG, fn *Function, roots []uint64) bool {
	disqualified := false
	reached := make(map[uint64]bool)
	var work []uint64
	for _, r := range roots {
		if c.blocks[r] != nil && c.owner[r] == nil && c.functions[r] == nil {
			reached[r] = true
			work = append(work, r)
		}
	}
	for len(work) > 0 {
		addr := work[0]
		work = work[1:]
		if c.owner[addr] == nil {
			c.claim(fn, addr, true)
		}
		for _, edge := range c.succs[addr] {
			to, ok := edge.To()
			if !ok || !intraEdge(edge) || reached[to] || c.blocks[to] == nil {
				continue
			}
			if other := c.crossesInto(fn, to); other != nil {
				if e.opts.EdgePolicy(c, c.blocks[addr], edge, other) {
					disqualified = true
				}
				continue
			}
			reached[to] = true
			work = append(work, to)
		}
	}
	return disqualified
}

// AttachDeadCodeToFunctions runs AttachDeadCodeToFunction for every
// function and returns the union of discovered addresses.
func (e *Engine) AttachDeadCodeToFunctions(c *CFG, maxIterations int) ([]uint64, error) {
	var out []uint64
	for _, fn := range c.Functions() {
		found, err := e.AttachDeadCodeToFunction(c, fn, maxIterations)
		if err != nil {
			return nil, err
		}
		out = append(out, found...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// AttachPaddingToFunction wraps padding recognized before fn's entry in a
// data block owned by fn. It is idempotent: an existing padding block that
// ends at the entry is returned as is. It returns nil when no padding
// matcher recognizes anything.
func (e *Engine) AttachPaddingToFunction(c *CFG, fn *Function) (*DataBlock, error) {
	for _, db := range fn.dblocks {
		if db.kind == DataPadding && db.End() == fn.entry {
			return db, nil
		}
	}
	for _, m := range e.matchers.Paddings {
		start, ok := m.Match(c, fn.entry)
		if !ok || start >= fn.entry {
			continue
		}
		db := NewDataBlock(start, fn.entry-start, DataPadding)
		if err := c.AttachDataBlock(fn, db); err != nil {
			return nil, err
		}
		return db, nil
	}
	return nil, nil
}

// AttachPaddingToFunctions runs AttachPaddingToFunction for every
// function. Rejected insertions are recorded as diagnostics.
func (e *Engine) AttachPaddingToFunctions(c *CFG) []*DataBlock {
	var out []*DataBlock
	for _, fn := range c.Functions() {
		db, err := e.AttachPaddingToFunction(c, fn)
		if err != nil {
			c.diags.AddErr(fn.entry, diag.KindDataBlock, err)
			continue
		}
		if db != nil {
			out = append(out, db)
		}
	}
	return out
}

// AttachSurroundedDataToFunctions attaches every unused gap that lies in a
// single segment and whose nearest neighbours below and above are
// instructions of the same function as a data block of that function. It is
// a single pass over the address-usage map in address order.
func (e *Engine) AttachSurroundedDataToFunctions(c *CFG) []*DataBlock {
	var out []*DataBlock
	var hi uint64
	var below *Function // owner of the code ending at hi, nil after data
	for i, x := range c.usage.extents() {
		var owner *Function
		if x.data == nil {
			owner = c.owner[x.block]
		}
		if i > 0 && x.lo > hi && owner != nil && below == owner && c.inOneSegment(hi, x.lo) {
			db := NewDataBlock(hi, x.lo-hi, DataSurrounded)
			if err := c.AttachDataBlock(owner, db); err != nil {
				c.diags.AddErr(hi, diag.KindDataBlock, err)
			} else {
				out = append(out, db)
			}
		}
		if i == 0 || x.hi > hi {
			hi = x.hi
			below = owner
		}
	}
	return out
}

// PostPartitionFixups gives every unnamed function a synthesized name.
func (e *Engine) PostPartitionFixups(c *CFG) {
	for _, fn := range c.Functions() {
		if fn.name == "" {
			fn.SetName(fn.DisplayName())
		}
	}
}
