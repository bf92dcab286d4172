// Package output writes partition results to files.
package output

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"binpart/internal/disasm"
	"binpart/internal/partition"
	"binpart/internal/render"
)

// WriteSnapshotJSON writes the whole snapshot to partition.json.
func WriteSnapshotJSON(dir string, s *Snapshot) error {
	return writeJSON(filepath.Join(dir, "partition.json"), s)
}

// WriteJSONL writes one record per line to functions.jsonl, blocks.jsonl,
// data.jsonl and diags.jsonl.
func WriteJSONL(dir string, s *Snapshot) error {
	if err := writeJSONL(filepath.Join(dir, "functions.jsonl"), s.Functions); err != nil {
		return err
	}
	if err := writeJSONL(filepath.Join(dir, "blocks.jsonl"), s.Blocks); err != nil {
		return err
	}
	if err := writeJSONL(filepath.Join(dir, "data.jsonl"), s.Data); err != nil {
		return err
	}
	return writeJSONL(filepath.Join(dir, "diags.jsonl"), s.Diags)
}

// WriteASM writes disassembled instructions to asm/<name>.txt.
// name may contain path separators for directory grouping.
func WriteASM(dir string, name string, insts []*disasm.Inst, lookup disasm.SymbolLookup, annotators ...disasm.Annotator) error {
	path := filepath.Join(dir, "asm", name+".txt")
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("output: mkdir asm: %w", err)
	}

	text := disasm.Format(insts, lookup, annotators...)
	return os.WriteFile(path, []byte(text), 0644)
}

// FunctionLookup names every function entry in c.
func FunctionLookup(c *partition.CFG) disasm.SymbolLookup {
	names := make(map[uint64]string)
	for _, fn := range c.Functions() {
		names[fn.Entry()] = fn.DisplayName()
	}
	return disasm.PlaceholderLookup(names)
}

// FunctionListing renders fn block by block. Dead-code blocks and owned data
// blocks are marked.
func FunctionListing(c *partition.CFG, fn *partition.Function) string {
	lookup := FunctionLookup(c)
	var b strings.Builder
	fmt.Fprintf(&b, "; %s entry=0x%x reasons=%s\n", fn.DisplayName(), fn.Entry(), fn.Reasons())
	for _, bb := range c.FunctionBlocks(fn) {
		tag := ""
		if fn.IsDeadCode(bb.Address()) {
			tag = " dead"
		}
		fmt.Fprintf(&b, "\n; block 0x%x%s stack=%s\n", bb.Address(), tag, bb.StackDelta())
		b.WriteString(disasm.Format(bb.Instructions(), nil, disasm.TargetAnnotator(lookup)))
		for _, db := range bb.DataBlocks() {
			fmt.Fprintf(&b, "; %s\n", db)
		}
	}
	for _, db := range fn.DataBlocks() {
		fmt.Fprintf(&b, "\n; %s\n", db)
	}
	return b.String()
}

// WriteFunctionASM writes one listing per function to asm/<name>.txt.
func WriteFunctionASM(dir string, c *partition.CFG) error {
	if err := os.MkdirAll(filepath.Join(dir, "asm"), 0755); err != nil {
		return fmt.Errorf("output: mkdir asm: %w", err)
	}
	for _, fn := range c.Functions() {
		path := filepath.Join(dir, "asm", render.SafeFileName(fn.DisplayName())+".txt")
		if err := os.WriteFile(path, []byte(FunctionListing(c, fn)), 0644); err != nil {
			return fmt.Errorf("output: write %s: %w", path, err)
		}
	}
	return nil
}

func writeJSON(path string, v any) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("output: create %s: %w", path, err)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("output: encode %s: %w", path, err)
	}
	return nil
}

func writeJSONL[T any](path string, records []T) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("output: create %s: %w", path, err)
	}
	defer f.Close()
	if err := EncodeJSONL(f, records); err != nil {
		return fmt.Errorf("output: encode %s: %w", path, err)
	}
	return nil
}

// EncodeJSONL writes records to w, one JSON object per line.
func EncodeJSONL[T any](w io.Writer, records []T) error {
	enc := json.NewEncoder(w)
	for i := range records {
		if err := enc.Encode(&records[i]); err != nil {
			return err
		}
	}
	return nil
}
