package output

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/vmihailenco/msgpack/v5"

	"binpart/internal/disasm"
	"binpart/internal/partition/partitiontest"
)

func sample(t *testing.T) *Snapshot {
	t.Helper()
	return FromResult(partitiontest.Run(t), disasm.ArchAMD64)
}

func TestFromResult(t *testing.T) {
	s := sample(t)
	if s.Version != SnapshotVersion || s.Arch != disasm.ArchAMD64 {
		t.Fatalf("header = %d %s", s.Version, s.Arch)
	}
	if len(s.Functions) != 3 || len(s.Blocks) != 8 {
		t.Fatalf("functions=%d blocks=%d", len(s.Functions), len(s.Blocks))
	}

	main := s.Functions[0]
	if main.Name != "main" || main.Reasons != "entry" || len(main.Blocks) != 2 {
		t.Errorf("main = %+v", main)
	}
	leaf := s.Functions[1]
	if len(leaf.Data) != 1 || leaf.Data[0] != 0x1006 {
		t.Errorf("leaf data = %v", leaf.Data)
	}
	opaque := s.Functions[2]
	if len(opaque.DeadCode) != 1 || opaque.DeadCode[0] != partitiontest.DeadAddr {
		t.Errorf("opaque dead code = %v", opaque.DeadCode)
	}

	b := s.Blocks[0]
	if b.Addr != 0x1000 || !b.Call || b.Owner != 0x1000 || b.Size != 5 {
		t.Errorf("block 0 = %+v", b)
	}
	if len(b.Succs) != 2 {
		t.Fatalf("block 0 succs = %+v", b.Succs)
	}
	for _, e := range b.Succs {
		if e.Type == "call" && e.To != 0x1010 {
			t.Errorf("call edge = %+v", e)
		}
	}

	if len(s.Data) != 1 || s.Data[0].Kind != "padding" || s.Data[0].OwnerFunc != 0x1010 {
		t.Errorf("data = %+v", s.Data)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	s := sample(t)
	dir := t.TempDir()
	if err := WriteSnapshot(dir, s); err != nil {
		t.Fatal(err)
	}
	got, err := ReadSnapshot(dir)
	if err != nil {
		t.Fatal(err)
	}
	if diff := Compare(s, got); len(diff) != 0 {
		t.Errorf("round trip differs:\n%s", strings.Join(diff, "\n"))
	}
	if len(got.Diags) != len(s.Diags) {
		t.Errorf("diags %d != %d", len(got.Diags), len(s.Diags))
	}
}

func TestDecodeRejectsVersion(t *testing.T) {
	var buf bytes.Buffer
	if err := msgpack.NewEncoder(&buf).Encode(&Snapshot{Version: 99}); err != nil {
		t.Fatal(err)
	}
	if _, err := DecodeSnapshot(&buf); !errors.Is(err, ErrSnapshotVersion) {
		t.Fatalf("err = %v, want ErrSnapshotVersion", err)
	}
}

func TestCompare(t *testing.T) {
	a := sample(t)
	b := sample(t)
	if diff := Compare(a, b); len(diff) != 0 {
		t.Fatalf("identical runs differ: %v", diff)
	}

	b.Functions = b.Functions[:2]
	b.Blocks[0].NInsns = 9
	b.Data = append(b.Data, DataRecord{Addr: 0x3000, Size: 4, Kind: "literal"})
	want := []string{
		"- function 0x2000",
		"~ block 0x1000: size 5/1 != 5/9",
		"+ data 0x3000",
	}
	got := Compare(a, b)
	if strings.Join(got, "\n") != strings.Join(want, "\n") {
		t.Errorf("diff =\n%s\nwant\n%s", strings.Join(got, "\n"), strings.Join(want, "\n"))
	}
}

func TestWriteJSON(t *testing.T) {
	s := sample(t)
	dir := t.TempDir()
	if err := WriteSnapshotJSON(dir, s); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "partition.json"))
	if err != nil {
		t.Fatal(err)
	}
	var got Snapshot
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatal(err)
	}
	if diff := Compare(s, &got); len(diff) != 0 {
		t.Errorf("json differs: %v", diff)
	}

	if err := WriteJSONL(dir, s); err != nil {
		t.Fatal(err)
	}
	f, err := os.Open(filepath.Join(dir, "blocks.jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	lines := 0
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r BlockRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			t.Fatalf("line %d: %v", lines, err)
		}
		lines++
	}
	if lines != len(s.Blocks) {
		t.Errorf("blocks.jsonl has %d lines, want %d", lines, len(s.Blocks))
	}
}

func TestFunctionListing(t *testing.T) {
	res := partitiontest.Run(t)
	text := FunctionListing(res.CFG, res.CFG.FunctionAt(partitiontest.MainAddr))
	for _, want := range []string{"; main entry=0x1000 reasons=entry", "; block 0x1005", "<sub_1010>"} {
		if !strings.Contains(text, want) {
			t.Errorf("listing missing %q:\n%s", want, text)
		}
	}
	opaque := FunctionListing(res.CFG, res.CFG.FunctionAt(partitiontest.OpaqueAddr))
	if !strings.Contains(opaque, "; block 0x2006 dead") {
		t.Errorf("dead block not marked:\n%s", opaque)
	}

	dir := t.TempDir()
	if err := WriteFunctionASM(dir, res.CFG); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dir, "asm", "sub_1010.txt")); err != nil {
		t.Error(err)
	}
}

func TestWriteDOT(t *testing.T) {
	res := partitiontest.Run(t)
	dir := t.TempDir()
	if err := WriteDOT(dir, res, "sample"); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"callgraph.dot", "cfgs.dot", "reachable.dot", "index.html", "cfg/main.dot", "cfg/opaque.dot"} {
		if info, err := os.Stat(filepath.Join(dir, name)); err != nil || info.Size() == 0 {
			t.Errorf("%s: %v", name, err)
		}
	}
}
