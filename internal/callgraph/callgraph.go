// Package callgraph converts a partitioned CFG into lattice call graphs and
// per-function control-flow graphs.
package callgraph

import (
	"fmt"

	"github.com/zboralski/lattice"

	"binpart/internal/partition"
	"binpart/internal/semantics"
)

// CalleeName names the target of a call edge: the function name when the
// target is a function entry, the hex address otherwise. Unresolved
// targets yield "".
func CalleeName(c *partition.CFG, e partition.Edge) string {
	to, ok := e.To()
	if !ok {
		return ""
	}
	if fn := c.FunctionAt(to); fn != nil {
		return fn.DisplayName()
	}
	return fmt.Sprintf("0x%x", to)
}

// BuildCallGraph constructs a lattice.Graph from the functions in c.
// Each function becomes a node. Each resolved call edge out of a block the
// function owns becomes an edge.
func BuildCallGraph(c *partition.CFG) *lattice.Graph {
	g := &lattice.Graph{}
	for _, fn := range c.Functions() {
		name := fn.DisplayName()
		g.Nodes = append(g.Nodes, name)
		for _, bb := range c.FunctionBlocks(fn) {
			for _, e := range c.Successors(bb.Address()) {
				if e.Type != semantics.EdgeFunctionCall {
					continue
				}
				callee := CalleeName(c, e)
				if callee == "" {
					continue
				}
				g.Edges = append(g.Edges, lattice.Edge{Caller: name, Callee: callee})
			}
		}
	}
	g.Dedup()
	return g
}
