package output

import (
	"fmt"
	"os"
	"path/filepath"

	lrender "github.com/zboralski/lattice/render"

	"binpart/internal/callgraph"
	"binpart/internal/partition"
	"binpart/internal/render"
)

// WriteDOT writes the graph outputs of res to dir: callgraph.dot,
// reachable.dot, cfgs.dot with every function CFG, one cfg/<name>.dot per
// function and an index.html summary.
func WriteDOT(dir string, res *partition.Result, title string) error {
	c := res.CFG
	g := callgraph.BuildCallGraph(c)

	if err := writeText(filepath.Join(dir, "callgraph.dot"), lrender.DOT(g, title)); err != nil {
		return err
	}
	if err := writeText(filepath.Join(dir, "cfgs.dot"), lrender.DOTCFG(callgraph.BuildCFG(c), title)); err != nil {
		return err
	}

	entries := render.FindEntryPoints(res, g)
	reachable := render.ReachableSet(entries, g)
	if err := writeText(filepath.Join(dir, "reachable.dot"), render.ReachabilityDOT(g, reachable, entries, title, render.NASA)); err != nil {
		return err
	}

	cfgDir := filepath.Join(dir, "cfg")
	if err := os.MkdirAll(cfgDir, 0755); err != nil {
		return fmt.Errorf("output: mkdir cfg: %w", err)
	}
	var cfgs []string
	for _, fn := range c.Functions() {
		dot := render.CFGDOT(c, fn, render.NASA)
		if dot == "" {
			continue
		}
		name := fn.DisplayName()
		if err := writeText(filepath.Join(cfgDir, render.SafeFileName(name)+".dot"), dot); err != nil {
			return err
		}
		cfgs = append(cfgs, name)
	}

	f, err := os.Create(filepath.Join(dir, "index.html"))
	if err != nil {
		return fmt.Errorf("output: create index.html: %w", err)
	}
	defer f.Close()
	render.WriteIndexHTML(f, render.IndexPage{
		Title:          title,
		Stats:          render.ComputeStats(res, g),
		EntryPoints:    entries,
		ReachableCount: len(reachable),
		HasCallgraph:   true,
		HasReachable:   true,
		CFGs:           cfgs,
	})
	return nil
}

func writeText(path, text string) error {
	if err := os.WriteFile(path, []byte(text), 0644); err != nil {
		return fmt.Errorf("output: write %s: %w", path, err)
	}
	return nil
}
