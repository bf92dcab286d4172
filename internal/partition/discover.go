package partition

import (
	"fmt"

	"github.com/apex/log"

	"binpart/internal/diag"
	"binpart/internal/semantics"
)

func hex(v uint64) string { return fmt.Sprintf("0x%x", v) }

// MakeNextBasicBlock discovers the block at the lowest pending placeholder.
// It returns nil when no placeholders remain, and an empty block when the
// placeholder could not be decoded (the failure is recorded in the CFG).
// A placeholder that falls on an instruction boundary inside an existing
// block splits that block. Errors are always *BasicBlockError.
func (e *Engine) MakeNextBasicBlock(c *CFG) (*BasicBlock, error) {
	for {
		addr, ok := c.popPlaceholder()
		if !ok {
			return nil, nil
		}
		if c.blocks[addr] != nil {
			continue
		}
		if ext, ok := c.usage.insnAt(addr); ok && ext.block != addr {
			return e.splitBlock(c, ext.block, addr)
		}
		return e.growBlock(c, addr)
	}
}

// splitBlock detaches the block at blockAddr and regrows it as two blocks,
// the second starting at addr. Instructions come from the decode cache.
func (e *Engine) splitBlock(c *CFG, blockAddr, addr uint64) (*BasicBlock, error) {
	e.log.WithFields(log.Fields{"block": hex(blockAddr), "at": hex(addr)}).Debug("split block")
	if c.detachBlock(blockAddr) == nil {
		return e.growBlock(c, addr)
	}
	c.InsertPlaceholder(blockAddr)
	if fn := c.pendingOwner[blockAddr]; fn != nil {
		c.pendingOwner[addr] = fn
	}
	return e.growBlock(c, addr)
}

// stopsGrowth reports whether a block growing into addr must end before it.
func (c *CFG) stopsGrowth(addr uint64) bool {
	if c.blocks[addr] != nil || c.isPending(addr) {
		return true
	}
	return c.usage.isUsed(addr)
}

func (e *Engine) growBlock(c *CFG, addr uint64) (*BasicBlock, error) {
	bb := c.NewBlock(addr)
	if d := c.usage.dataContaining(addr); d != nil {
		c.fail(addr, fmt.Errorf("%w: %s", ErrInsideData, d))
		return bb, nil
	}

	var stop error
	for va := addr; ; {
		if va != addr && c.stopsGrowth(va) {
			break
		}
		inst, err := c.Decode(va)
		if err != nil {
			stop = err
			break
		}
		if err := bb.Append(inst); err != nil {
			return nil, err
		}
		if d := c.usage.dataOverlapping(inst.Addr, inst.End()); d != nil {
			if err := bb.Pop(); err != nil {
				return nil, err
			}
			stop = fmt.Errorf("%w: %s", ErrInsideData, d)
			break
		}
		switch e.matchers.runCallbacks(c, bb) {
		case TerminatePrior:
			if err := bb.Pop(); err != nil {
				return nil, err
			}
			stop = ErrRejected
		case TerminateNow:
		default:
			if bb.fallsThroughTo(inst.End()) {
				va = inst.End()
				continue
			}
		}
		break
	}

	if bb.IsEmpty() {
		if stop == nil {
			stop = ErrRejected
		}
		pe := c.fail(addr, stop)
		e.log.WithField("addr", hex(addr)).WithError(pe.Err).Debug("placeholder failed")
		return bb, nil
	}

	bb.Freeze()
	c.insertBlock(bb)
	e.log.WithFields(log.Fields{
		"addr":  hex(addr),
		"insns": bb.NInsns(),
		"succs": len(bb.Successors()),
	}).Debug("block")

	for _, s := range bb.Successors() {
		if to, ok := s.Expr.Value(); ok {
			c.InsertPlaceholder(to)
		}
	}
	return bb, nil
}

// DiscoverBasicBlocks drains the placeholder worklist. The step budget is
// shared by every pass over the same CFG.
func (e *Engine) DiscoverBasicBlocks(c *CFG) error {
	maxSteps := e.opts.EffectiveMaxSteps()
	for {
		if c.steps >= maxSteps && c.undiscovered.Len() > 0 {
			if !c.clamped {
				c.clamped = true
				c.diags.Addf(0, diag.KindClamped, "discovery stopped after %d steps, %d placeholders pending",
					c.steps, c.undiscovered.Len())
				e.log.WithField("steps", c.steps).Warn("discovery step limit reached")
			}
			return nil
		}
		bb, err := e.MakeNextBasicBlock(c)
		if err != nil {
			return err
		}
		if bb == nil {
			return nil
		}
		c.steps++
	}
}

// MakeSeedFunctions creates a function for every seed. It returns the
// functions that were new.
func (e *Engine) MakeSeedFunctions(c *CFG, seeds []Seed) []*Function {
	var out []*Function
	for _, s := range seeds {
		reason := s.Reason
		if reason == 0 {
			reason = ReasonUserDefined
		}
		if fn, added := c.InsertFunction(NewFunction(s.Addr, s.Name, reason)); added {
			out = append(out, fn)
		}
	}
	return out
}

// MakeCalledFunctions creates functions at the concrete targets of call
// edges. It returns the number of new functions.
func (e *Engine) MakeCalledFunctions(c *CFG) int {
	n := 0
	for _, bb := range c.Blocks() {
		if !bb.IsFunctionCall() {
			continue
		}
		for _, edge := range c.succs[bb.addr] {
			to, ok := edge.To()
			if !ok || edge.Type != semantics.EdgeFunctionCall || !c.mem.IsExecutable(to) {
				continue
			}
			if _, added := c.InsertFunction(NewFunction(to, "", ReasonCallTarget)); added {
				n++
			}
		}
	}
	return n
}

// MakeNextPrologueFunction scans unowned executable memory upward from
// cursor and returns the first function a prologue matcher recognizes,
// together with the address to resume scanning from.
func (e *Engine) MakeNextPrologueFunction(c *CFG, cursor uint64) (*Function, uint64) {
	align := uint64(max(1, c.dec.Alignment()))
	for {
		addr, ok := c.NextUnowned(cursor)
		if !ok {
			return nil, cursor
		}
		if r := addr % align; r != 0 {
			cursor = addr + align - r
			continue
		}
		if c.functions[addr] == nil {
			if fn := e.matchers.matchPrologue(c, addr); fn != nil {
				return fn, addr + align
			}
		}
		cursor = addr + align
	}
}

// DiscoverFunctions alternates block discovery with function discovery
// until neither finds anything new, then attaches blocks to functions. It
// returns the structural problems found.
func (e *Engine) DiscoverFunctions(c *CFG) ([]*FunctionError, error) {
	var cursor uint64
	for {
		if err := e.DiscoverBasicBlocks(c); err != nil {
			return nil, err
		}
		if e.opts.FindCalledFunctions && e.MakeCalledFunctions(c) > 0 {
			continue
		}
		if !e.opts.FindPrologues || len(e.matchers.Prologues) == 0 {
			break
		}
		fn, next := e.MakeNextPrologueFunction(c, cursor)
		if fn == nil {
			break
		}
		cursor = next
		c.InsertFunction(fn)
		e.log.WithFields(log.Fields{"entry": hex(fn.Entry())}).Debug("prologue function")
	}
	return e.AttachBlocksToFunctions(c, e.opts.EmitWarnings), nil
}
