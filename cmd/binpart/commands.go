package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/apex/log"
	"github.com/spf13/cobra"
	lrender "github.com/zboralski/lattice/render"

	"binpart/internal/callgraph"
	"binpart/internal/config"
	"binpart/internal/disasm"
	"binpart/internal/modules"
	"binpart/internal/output"
	"binpart/internal/render"
)

var errSnapshotsDiffer = errors.New("snapshots differ")

func newInfoCmd(a *app) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "info <file>",
		Short: "Print ELF summary",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			im, err := a.openImage(args[0])
			if err != nil {
				return err
			}
			defer im.Close()

			s := im.elf.Summarize()
			w := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(w)
				enc.SetIndent("", "  ")
				return enc.Encode(s)
			}
			fmt.Fprintf(w, "arch:     %s\n", s.Arch)
			fmt.Fprintf(w, "type:     %s\n", s.Type)
			fmt.Fprintf(w, "entry:    0x%x\n", s.Entry)
			fmt.Fprintf(w, "size:     %d\n", s.Size)
			fmt.Fprintf(w, "symbols:  %d\n", s.Symbols)
			fmt.Fprintf(w, "imports:  %d\n", s.Imports)
			fmt.Fprintf(w, "fdes:     %d\n", s.FDEs)
			for i, seg := range s.Segments {
				fmt.Fprintf(w, "LOAD[%d]  0x%x +0x%x (file 0x%x) %s\n", i, seg.Vaddr, seg.Memsz, seg.Filesz, seg.Flags)
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&asJSON, "json", "j", false, "output as JSON")
	return cmd
}

func newPartitionCmd(a *app) *cobra.Command {
	var (
		outDir     string
		formats    []string
		entries    []string
		noSymbols  bool
		strict     bool
		tolerate   bool
		maxSteps   int
		iterations int
		matchers   []string
	)
	cmd := &cobra.Command{
		Use:   "partition <file>",
		Short: "Partition a binary and write results",
		Long: `Partitions the binary into basic blocks and functions and writes the
selected formats (json, jsonl, msgpack, dot, asm) to the output directory.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := cmd.Flags()
			if f.Changed("out") {
				a.cfg.Output.Dir = outDir
			}
			if f.Changed("format") {
				a.cfg.Output.Formats = formats
			}
			a.cfg.Entries = append(a.cfg.Entries, entries...)
			if noSymbols {
				a.cfg.UseSymbols = false
			}
			if strict {
				a.cfg.Partition.Strict = true
			}
			if tolerate {
				a.cfg.Partition.TolerateAdjacentFallthrough = true
			}
			if f.Changed("max-steps") {
				a.cfg.Partition.MaxSteps = maxSteps
			}
			if f.Changed("dead-code-iterations") {
				a.cfg.Partition.DeadCodeIterations = iterations
			}
			if f.Changed("matchers") {
				a.cfg.Matchers = config.MatcherConfig{Prologues: matchers}
			}
			if err := a.cfg.Validate(); err != nil {
				return err
			}
			return a.runPartition(cmd, args[0])
		},
	}
	fl := cmd.Flags()
	fl.StringVarP(&outDir, "out", "o", "", "output directory")
	fl.StringSliceVarP(&formats, "format", "f", nil, "output formats (json, jsonl, msgpack, dot, asm)")
	fl.StringSliceVarP(&entries, "entry", "e", nil, "extra function entry address (hex)")
	fl.BoolVar(&noSymbols, "no-symbols", false, "do not seed functions from symbol tables")
	fl.BoolVar(&strict, "strict", false, "fail when function errors are found")
	fl.BoolVar(&tolerate, "tolerate-adjacent-fallthrough", false, "allow dead code to fall through into the next function")
	fl.IntVar(&maxSteps, "max-steps", 0, "placeholder visits per discovery pass")
	fl.IntVar(&iterations, "dead-code-iterations", 0, "dead-code attachment rounds per function")
	fl.StringSliceVarP(&matchers, "matchers", "m", nil, "matcher modules to install (see 'binpart modules')")
	return cmd
}

func (a *app) runPartition(cmd *cobra.Command, path string) error {
	im, err := a.openImage(path)
	if err != nil {
		return err
	}
	defer im.Close()

	res, perr := a.partition(im)
	if res == nil {
		return perr
	}

	dir := a.cfg.Output.Dir
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}
	snap := output.FromResult(res, im.arch)
	title := filepath.Base(path)
	for _, f := range a.cfg.Output.Formats {
		var err error
		switch f {
		case config.FormatJSON:
			err = output.WriteSnapshotJSON(dir, snap)
		case config.FormatJSONL:
			err = output.WriteJSONL(dir, snap)
		case config.FormatMsgpack:
			err = output.WriteSnapshot(dir, snap)
		case config.FormatDOT:
			err = output.WriteDOT(dir, res, title)
		case config.FormatASM:
			err = output.WriteFunctionASM(dir, res.CFG)
		}
		if err != nil {
			return err
		}
	}

	a.log.WithFields(log.Fields{
		"dir":     dir,
		"formats": strings.Join(a.cfg.Output.Formats, ","),
	}).Info("wrote results")
	fmt.Fprintf(cmd.OutOrStdout(), "functions=%d blocks=%d data=%d failed=%d attention=%d diags=%d\n",
		len(snap.Functions), len(snap.Blocks), len(snap.Data), len(snap.Failed), len(res.Attention), len(snap.Diags))
	return perr
}

func newDisasmCmd(a *app) *cobra.Command {
	var function string
	cmd := &cobra.Command{
		Use:   "disasm <file>",
		Short: "Print per-function listings",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			im, err := a.openImage(args[0])
			if err != nil {
				return err
			}
			defer im.Close()
			res, err := a.partition(im)
			if res == nil {
				return err
			}

			w := cmd.OutOrStdout()
			if function != "" {
				fn, err := findFunction(res, function)
				if err != nil {
					return err
				}
				fmt.Fprint(w, output.FunctionListing(res.CFG, fn))
				return nil
			}
			for i, fn := range res.Functions {
				if i > 0 {
					fmt.Fprintln(w)
				}
				fmt.Fprint(w, output.FunctionListing(res.CFG, fn))
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&function, "function", "F", "", "function name or entry address")
	return cmd
}

func newCFGCmd(a *app) *cobra.Command {
	var function string
	cmd := &cobra.Command{
		Use:   "cfg <file>",
		Short: "Print a function CFG as DOT",
		Long: `Prints the CFG of one function as DOT, or every function CFG in a single
graph when no function is given.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			im, err := a.openImage(args[0])
			if err != nil {
				return err
			}
			defer im.Close()
			res, err := a.partition(im)
			if res == nil {
				return err
			}

			w := cmd.OutOrStdout()
			if function == "" {
				fmt.Fprint(w, lrender.DOTCFG(callgraph.BuildCFG(res.CFG), filepath.Base(args[0])))
				return nil
			}
			fn, err := findFunction(res, function)
			if err != nil {
				return err
			}
			fmt.Fprint(w, render.CFGDOT(res.CFG, fn, render.NASA))
			return nil
		},
	}
	cmd.Flags().StringVarP(&function, "function", "F", "", "function name or entry address")
	return cmd
}

func newCompareCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "compare <old> <new>",
		Short: "Compare two partition snapshots",
		Long: `Compares two msgpack snapshots written by 'partition --format msgpack'.
Each argument may be the snapshot file or its output directory. Exits
non-zero when the snapshots differ.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			old, err := output.ReadSnapshot(args[0])
			if err != nil {
				return err
			}
			cur, err := output.ReadSnapshot(args[1])
			if err != nil {
				return err
			}
			diff := output.Compare(old, cur)
			for _, line := range diff {
				fmt.Fprintln(cmd.OutOrStdout(), line)
			}
			if len(diff) > 0 {
				return fmt.Errorf("%w: %d changes", errSnapshotsDiffer, len(diff))
			}
			a.log.Info("snapshots match")
			return nil
		},
	}
}

func newModulesCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "modules",
		Short: "List matcher modules",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			w := cmd.OutOrStdout()
			for _, arch := range []disasm.Arch{disasm.ArchAMD64, disasm.ArchARM64} {
				fmt.Fprintf(w, "%s: %s\n", arch, strings.Join(modules.Names(arch), ", "))
			}
			return nil
		},
	}
}
