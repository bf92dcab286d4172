package callgraph

import (
	"testing"

	"github.com/zboralski/lattice"
	"github.com/zboralski/lattice/render"

	"binpart/internal/partition/partitiontest"
)

func succSet(b *lattice.BasicBlock) map[int]string {
	out := make(map[int]string)
	for _, s := range b.Succs {
		out[s.BlockID] = s.Cond
	}
	return out
}

func TestBuildCFG_DOTOutput(t *testing.T) {
	res := partitiontest.Run(t)
	cfg := BuildCFG(res.CFG)

	if len(cfg.Funcs) != 3 {
		t.Fatalf("expected 3 functions, got %d", len(cfg.Funcs))
	}
	main, leaf, opaque := cfg.Funcs[0], cfg.Funcs[1], cfg.Funcs[2]
	if main.Name != "main" || leaf.Name != "sub_1010" || opaque.Name != "opaque" {
		t.Fatalf("names = %q %q %q", main.Name, leaf.Name, opaque.Name)
	}

	// main: call block then the return block it falls back to.
	if len(main.Blocks) != 2 {
		t.Fatalf("main blocks = %d", len(main.Blocks))
	}
	b0 := main.Blocks[0]
	if len(b0.Calls) != 1 || b0.Calls[0].Callee != "sub_1010" || b0.Calls[0].Offset != 0 {
		t.Errorf("main B0 calls = %+v", b0.Calls)
	}
	if got := succSet(b0); len(got) != 1 || got[1] != "" {
		t.Errorf("main B0 succs = %+v", b0.Succs)
	}
	if !main.Blocks[1].Term {
		t.Error("main B1 should be terminal")
	}

	// leaf: entry branches T to the join and F to the nop.
	if len(leaf.Blocks) != 3 {
		t.Fatalf("leaf blocks = %d", len(leaf.Blocks))
	}
	if got := succSet(leaf.Blocks[0]); len(got) != 2 || got[2] != "T" || got[1] != "F" {
		t.Errorf("leaf B0 succs = %+v", leaf.Blocks[0].Succs)
	}
	if got := succSet(leaf.Blocks[1]); len(got) != 1 || got[2] != "" {
		t.Errorf("leaf B1 succs = %+v", leaf.Blocks[1].Succs)
	}
	b2 := leaf.Blocks[2]
	if !b2.Term || b2.Start != 5 || b2.End != 7 {
		t.Errorf("leaf B2 = %+v", b2)
	}

	// opaque: the dead nop is part of the function and flows into ret.
	if len(opaque.Blocks) != 3 {
		t.Fatalf("opaque blocks = %d", len(opaque.Blocks))
	}
	if got := succSet(opaque.Blocks[0]); len(got) != 1 || got[2] != "" {
		t.Errorf("opaque B0 succs = %+v", opaque.Blocks[0].Succs)
	}

	if dot := render.DOTCFG(cfg, "binpart CFG"); dot == "" {
		t.Error("expected non-empty DOT output")
	}
}

func TestBuildFuncCFGCount(t *testing.T) {
	res := partitiontest.Run(t)
	fn := res.CFG.FunctionAt(partitiontest.LeafAddr)
	if fn == nil {
		t.Fatal("no leaf function")
	}
	lcfg, n := BuildFuncCFG(res.CFG, fn)
	if n != 3 || len(lcfg.Blocks) != n {
		t.Errorf("n = %d, blocks = %d", n, len(lcfg.Blocks))
	}
}

func TestBuildCallGraph_DOTOutput(t *testing.T) {
	res := partitiontest.Run(t)
	cg := BuildCallGraph(res.CFG)

	if len(cg.Nodes) != 3 {
		t.Errorf("expected 3 nodes, got %d", len(cg.Nodes))
	}
	if len(cg.Edges) != 1 || cg.Edges[0].Caller != "main" || cg.Edges[0].Callee != "sub_1010" {
		t.Errorf("edges = %+v", cg.Edges)
	}

	if dot := render.DOT(cg, "binpart call graph"); dot == "" {
		t.Error("expected non-empty DOT output")
	}
}
