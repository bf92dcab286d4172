package render

import (
	"sort"

	"github.com/zboralski/lattice"

	"binpart/internal/partition"
	"binpart/internal/semantics"
)

// Stats summarizes a partition result.
type Stats struct {
	Functions    int
	Blocks       int
	Instructions int
	Edges        int
	CallEdges    int
	DeadBlocks   int
	Failed       int
	Attention    int
	Diags        int
	DataKinds    map[string]int // data block count by kind
	DataBytes    uint64
	TopCallers   []NameCount // sorted desc
	TopCallees   []NameCount // sorted desc
}

// NameCount pairs a name with a count.
type NameCount struct {
	Name  string
	Count int
}

// ComputeStats computes statistics over res and its call graph.
func ComputeStats(res *partition.Result, g *lattice.Graph) Stats {
	c := res.CFG
	stats := Stats{
		Functions: len(res.Functions),
		Blocks:    c.NBlocks(),
		Failed:    len(c.Failed()),
		Attention: len(res.Attention),
		Diags:     c.Diags().Len(),
		DataKinds: make(map[string]int),
	}

	seen := make(map[*partition.DataBlock]bool)
	addData := func(db *partition.DataBlock) {
		if seen[db] {
			return
		}
		seen[db] = true
		stats.DataKinds[db.Kind().String()]++
		stats.DataBytes += db.Size()
	}
	for _, db := range c.DataBlocks() {
		addData(db)
	}
	for _, bb := range c.Blocks() {
		stats.Instructions += bb.NInsns()
		for _, db := range bb.DataBlocks() {
			addData(db)
		}
		for _, e := range c.Successors(bb.Address()) {
			stats.Edges++
			if e.Type == semantics.EdgeFunctionCall {
				stats.CallEdges++
			}
		}
	}
	for _, fn := range res.Functions {
		for _, a := range fn.BlockAddresses() {
			if fn.IsDeadCode(a) {
				stats.DeadBlocks++
			}
		}
	}

	callerCount := make(map[string]int)
	calleeCount := make(map[string]int)
	for _, e := range g.Edges {
		callerCount[e.Caller]++
		calleeCount[e.Callee]++
	}
	stats.TopCallers = topNMap(callerCount, 20)
	stats.TopCallees = topNMap(calleeCount, 20)
	return stats
}

// topNMap returns the top N entries from a map, sorted descending by count
// then ascending by name.
func topNMap(m map[string]int, n int) []NameCount {
	entries := make([]NameCount, 0, len(m))
	for name, count := range m {
		entries = append(entries, NameCount{name, count})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Count != entries[j].Count {
			return entries[i].Count > entries[j].Count
		}
		return entries[i].Name < entries[j].Name
	})
	if len(entries) > n {
		entries = entries[:n]
	}
	return entries
}
