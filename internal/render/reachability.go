package render

import (
	"fmt"
	"sort"
	"strings"

	"github.com/zboralski/lattice"

	"binpart/internal/partition"
)

// FindEntryPoints returns the reachability roots of res: functions seeded
// from the program entry point or given by the user. Without any, the call
// graph nodes that nothing calls are used, named ones before sub_*.
func FindEntryPoints(res *partition.Result, g *lattice.Graph) []string {
	var roots []string
	for _, fn := range res.Functions {
		if fn.HasReason(partition.ReasonEntryPoint | partition.ReasonUserDefined) {
			roots = append(roots, fn.DisplayName())
		}
	}
	if len(roots) == 0 {
		roots = uncalled(g)
	}
	sort.Strings(roots)
	return roots
}

func uncalled(g *lattice.Graph) []string {
	called := make(map[string]bool, len(g.Edges))
	for _, e := range g.Edges {
		if e.Caller != e.Callee {
			called[e.Callee] = true
		}
	}
	var named, subs []string
	for _, n := range g.Nodes {
		switch {
		case called[n]:
		case strings.HasPrefix(n, "sub_"):
			subs = append(subs, n)
		default:
			named = append(named, n)
		}
	}
	if len(named) == 0 {
		return subs
	}
	return named
}

// ReachableSet returns every node reachable from roots along call edges,
// roots included.
func ReachableSet(roots []string, g *lattice.Graph) map[string]bool {
	callees := make(map[string][]string, len(g.Nodes))
	for _, e := range g.Edges {
		callees[e.Caller] = append(callees[e.Caller], e.Callee)
	}
	seen := make(map[string]bool)
	stack := append([]string(nil), roots...)
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[n] {
			continue
		}
		seen[n] = true
		stack = append(stack, callees[n]...)
	}
	return seen
}

// ReachabilityDOT renders the whole call graph with roots outlined and
// functions outside reachable shaded and dashed. Those are usually found
// only by prologue scanning or symbols.
func ReachabilityDOT(g *lattice.Graph, reachable map[string]bool, roots []string, title string, t Theme) string {
	isRoot := make(map[string]bool, len(roots))
	for _, r := range roots {
		isRoot[r] = true
	}
	nodes := append([]string(nil), g.Nodes...)
	sort.Strings(nodes)

	var b strings.Builder
	b.WriteString("digraph reachable {\n")
	b.WriteString("  rankdir=LR;\n  nodesep=0.4;\n  ranksep=0.6;\n")
	fmt.Fprintf(&b, "  bgcolor=%q;\n", t.Background)
	fmt.Fprintf(&b, "  node [shape=rect, style=filled, fillcolor=%q, color=%q, penwidth=0.5, fontname=\"Helvetica Neue,Helvetica,Arial\", fontsize=9, fontcolor=%q, height=0.3];\n",
		t.NodeFill, t.NodeBorder, t.TextColor)
	fmt.Fprintf(&b, "  edge [penwidth=0.5, arrowsize=0.5, arrowhead=vee, color=%q];\n", t.EdgeDirect)
	if title != "" {
		fmt.Fprintf(&b, "  labelloc=t;\n  labeljust=l;\n  label=<<font point-size=\"8\" color=\"%s\">%s</font>>;\n",
			t.TextColor, dotEscape(title))
	}
	b.WriteByte('\n')

	for _, n := range nodes {
		label := truncLabel(n, 50)
		switch {
		case isRoot[n]:
			fmt.Fprintf(&b, "  %s [label=%q, penwidth=1.5, color=%q];\n", dotID(n), label, t.EntryBorder)
		case reachable[n]:
			fmt.Fprintf(&b, "  %s [label=%q];\n", dotID(n), label)
		default:
			fmt.Fprintf(&b, "  %s [label=%q, style=\"filled,dashed\", fillcolor=%q];\n", dotID(n), label, t.DeadFill)
		}
	}
	b.WriteByte('\n')

	edges := append([]lattice.Edge(nil), g.Edges...)
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].Caller != edges[j].Caller {
			return edges[i].Caller < edges[j].Caller
		}
		return edges[i].Callee < edges[j].Callee
	})
	for _, e := range edges {
		if reachable[e.Caller] {
			fmt.Fprintf(&b, "  %s -> %s;\n", dotID(e.Caller), dotID(e.Callee))
		} else {
			fmt.Fprintf(&b, "  %s -> %s [color=%q, style=dashed];\n", dotID(e.Caller), dotID(e.Callee), t.EdgeGhost)
		}
	}
	b.WriteString("}\n")
	return b.String()
}
