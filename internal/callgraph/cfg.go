package callgraph

import (
	"github.com/zboralski/lattice"

	"binpart/internal/partition"
	"binpart/internal/semantics"
)

// BuildCFG constructs a lattice.CFGGraph with one FuncCFG per function in c.
func BuildCFG(c *partition.CFG) *lattice.CFGGraph {
	cg := &lattice.CFGGraph{}
	for _, fn := range c.Functions() {
		lcfg, _ := BuildFuncCFG(c, fn)
		cg.Funcs = append(cg.Funcs, lcfg)
	}
	return cg
}

// BuildFuncCFG maps the blocks fn owns to a lattice.FuncCFG. Blocks are
// numbered in address order; Start and End index the concatenation of the
// blocks' instructions. Only edges to blocks fn owns become successors;
// call edges become call sites on the block's last instruction.
// Returns the FuncCFG and the number of basic blocks.
func BuildFuncCFG(c *partition.CFG, fn *partition.Function) (*lattice.FuncCFG, int) {
	blocks := c.FunctionBlocks(fn)
	ids := make(map[uint64]int, len(blocks))
	for i, bb := range blocks {
		ids[bb.Address()] = i
	}

	lcfg := &lattice.FuncCFG{Name: fn.DisplayName()}
	idx := 0
	for i, bb := range blocks {
		lb := &lattice.BasicBlock{
			ID:    i,
			Start: idx,
			End:   idx + bb.NInsns(),
		}
		idx = lb.End

		edges := c.Successors(bb.Address())
		for _, e := range edges {
			if e.Type == semantics.EdgeFunctionCall {
				if callee := CalleeName(c, e); callee != "" {
					lb.Calls = append(lb.Calls, lattice.CallSite{Offset: lb.End - 1, Callee: callee})
				}
				continue
			}
			if e.Type == semantics.EdgeFunctionReturn {
				continue
			}
			to, ok := e.To()
			if !ok {
				continue
			}
			id, ok := ids[to]
			if !ok {
				continue
			}
			lb.Succs = append(lb.Succs, lattice.Successor{BlockID: id, Cond: cond(bb, edges, to)})
		}
		lb.Term = len(lb.Succs) == 0
		lcfg.Blocks = append(lcfg.Blocks, lb)
	}
	return lcfg, len(blocks)
}

// cond labels a two-way branch: "F" for the fall-through, "T" for the taken
// target. Other edges are unlabeled.
func cond(bb *partition.BasicBlock, edges []partition.Edge, to uint64) string {
	normal := 0
	for _, e := range edges {
		if e.Type == semantics.EdgeNormal {
			normal++
		}
	}
	if normal != 2 {
		return ""
	}
	if to == bb.FallthroughAddress() {
		return "F"
	}
	return "T"
}
