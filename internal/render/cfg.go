package render

import (
	"fmt"
	"strings"

	"binpart/internal/callgraph"
	"binpart/internal/partition"
	"binpart/internal/semantics"
)

// CFGDOT renders the basic blocks of fn as DOT.
// Each basic block is a node; edges represent control flow. The entry
// block is highlighted, dead-code blocks are shaded, ghost successors are
// dashed and owned data blocks hang off their owner with a dotted edge.
func CFGDOT(c *partition.CFG, fn *partition.Function, t Theme) string {
	blocks := c.FunctionBlocks(fn)
	if len(blocks) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("digraph cfg {\n")
	b.WriteString("  rankdir=TB;\n")
	b.WriteString("  nodesep=0.3;\n")
	b.WriteString("  ranksep=0.4;\n")
	fmt.Fprintf(&b, "  bgcolor=%q;\n", t.Background)
	fmt.Fprintf(&b, "  node [shape=rect, style=filled, fillcolor=%q, color=%q, penwidth=0.5, fontname=\"Courier,monospace\", fontsize=8, fontcolor=%q, margin=\"0.08,0.04\"];\n",
		t.NodeFill, t.NodeBorder, t.TextColor)
	fmt.Fprintf(&b, "  edge [penwidth=0.7, arrowsize=0.5, arrowhead=vee];\n")
	fmt.Fprintf(&b, "  labelloc=t;\n  labeljust=l;\n")
	fmt.Fprintf(&b, "  label=<<font face=\"Helvetica Neue,Helvetica\" point-size=\"9\" color=\"%s\">%s @ 0x%x</font>>;\n",
		t.TextColor, dotEscape(fn.DisplayName()), fn.Entry())
	b.WriteByte('\n')

	for _, bb := range blocks {
		var lines []string
		for _, inst := range bb.Instructions() {
			lines = append(lines, dotEscape(fmt.Sprintf("0x%x: %s", inst.Addr, inst.Text)))
		}
		// Truncate long blocks.
		if len(lines) > 12 {
			kept := append(lines[:5], fmt.Sprintf("... (%d more)", len(lines)-10))
			lines = append(kept, lines[len(lines)-5:]...)
		}
		label := strings.Join(lines, "<br align=\"left\"/>") + "<br align=\"left\"/>"

		attrs := ""
		if bb.Address() == fn.Entry() {
			attrs = fmt.Sprintf(", penwidth=1.5, color=%q", t.EntryBorder)
		}
		switch {
		case fn.IsDeadCode(bb.Address()):
			attrs += fmt.Sprintf(", fillcolor=%q", t.DeadFill)
		case bb.IsFunctionReturn():
			attrs += fmt.Sprintf(", fillcolor=%q", t.ReturnFill)
		}
		fmt.Fprintf(&b, "  %s [label=<%s>%s];\n", blockID(bb.Address()), label, attrs)
	}

	data := fn.DataBlocks()
	for _, bb := range blocks {
		data = append(data, bb.DataBlocks()...)
	}
	seen := make(map[uint64]bool)
	for _, db := range data {
		if seen[db.Address()] {
			continue
		}
		seen[db.Address()] = true
		fmt.Fprintf(&b, "  %s [shape=note, fillcolor=%q, label=<%s>];\n",
			dataID(db.Address()), t.DataFill, dotEscape(db.String()))
	}
	b.WriteByte('\n')

	external := make(map[string]bool)
	for _, bb := range blocks {
		from := blockID(bb.Address())
		edges := c.Successors(bb.Address())
		for _, e := range edges {
			to, ok := e.To()
			switch {
			case e.Type == semantics.EdgeFunctionCall:
				callee := callgraph.CalleeName(c, e)
				if callee == "" {
					callee = e.Target.String()
				}
				id := dotID(callee)
				if !external[id] {
					external[id] = true
					fmt.Fprintf(&b, "  %s [shape=plaintext, style=\"\", fontcolor=%q, label=%q];\n", id, t.ExternalText, callee)
				}
				fmt.Fprintf(&b, "  %s -> %s [color=%q, style=dotted];\n", from, id, t.ExternalText)
			case e.Type == semantics.EdgeFunctionReturn || !ok || !fn.OwnsBlock(to):
				continue
			default:
				color, label := t.EdgeDirect, ""
				if len(edges) == 2 && e.Type == semantics.EdgeNormal {
					if to == bb.FallthroughAddress() {
						color, label = t.EdgeFallthrough, "F"
					} else {
						color, label = t.EdgeTaken, "T"
					}
				}
				if label == "" {
					fmt.Fprintf(&b, "  %s -> %s [color=%q];\n", from, blockID(to), color)
				} else {
					fmt.Fprintf(&b, "  %s -> %s [color=%q, label=<<font point-size=\"7\" color=\"%s\">%s</font>>];\n",
						from, blockID(to), color, color, label)
				}
			}
		}
		for _, g := range bb.GhostSuccessors() {
			if fn.OwnsBlock(g) {
				fmt.Fprintf(&b, "  %s -> %s [color=%q, style=dashed];\n", from, blockID(g), t.EdgeGhost)
			}
		}
		for _, db := range bb.DataBlocks() {
			fmt.Fprintf(&b, "  %s -> %s [color=%q, style=dotted, arrowhead=none];\n", from, dataID(db.Address()), t.EdgeData)
		}
	}

	b.WriteString("}\n")
	return b.String()
}

func blockID(addr uint64) string { return fmt.Sprintf("bb_%x", addr) }
func dataID(addr uint64) string  { return fmt.Sprintf("db_%x", addr) }
