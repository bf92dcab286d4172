package main

import (
	"bytes"
	"debug/elf"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"binpart/internal/elfx/elftest"
	"binpart/internal/modules"
	"binpart/internal/partition/partitiontest"
)

// writeSample writes the partitiontest image as an x86-64 executable.
func writeSample(t *testing.T) string {
	t.Helper()
	img := elftest.Image{
		Machine: elf.EM_X86_64,
		Type:    elf.ET_EXEC,
		Entry:   partitiontest.MainAddr,
		Symbols: []elftest.Symbol{
			{Name: "main", Addr: partitiontest.MainAddr, Size: 6},
			{Name: "opaque", Addr: partitiontest.OpaqueAddr, Size: 8},
		},
	}
	for _, s := range partitiontest.Segments() {
		img.Segments = append(img.Segments, elftest.Segment{Vaddr: s.Addr, Data: s.Data, Flags: elf.PF_R | elf.PF_X})
	}
	path := filepath.Join(t.TempDir(), "sample")
	require.NoError(t, os.WriteFile(path, elftest.Build(img), 0755))
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(append([]string{"--log-level=error"}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestInfo(t *testing.T) {
	out, err := run(t, "info", writeSample(t))
	require.NoError(t, err)
	assert.Contains(t, out, "arch:     amd64")
	assert.Contains(t, out, "entry:    0x1000")
	assert.Contains(t, out, "symbols:  2")

	out, err = run(t, "info", "--json", writeSample(t))
	require.NoError(t, err)
	assert.Contains(t, out, `"function_symbols": 2`)
}

func TestInfoRejectsNonELF(t *testing.T) {
	path := filepath.Join(t.TempDir(), "junk")
	require.NoError(t, os.WriteFile(path, []byte("junk"), 0644))
	_, err := run(t, "info", path)
	assert.Error(t, err)
}

func TestPartitionWritesFormats(t *testing.T) {
	dir := t.TempDir()
	out, err := run(t, "partition", "-o", dir, "-f", "json,jsonl,msgpack,dot,asm", writeSample(t))
	require.NoError(t, err)
	assert.Contains(t, out, "functions=3 blocks=8 data=1")

	for _, name := range []string{
		"partition.json", "functions.jsonl", "blocks.jsonl", "partition.msgpack",
		"callgraph.dot", "index.html", "cfg/main.dot", "asm/opaque.txt",
	} {
		_, err := os.Stat(filepath.Join(dir, name))
		assert.NoError(t, err, name)
	}
}

func TestPartitionNoSymbols(t *testing.T) {
	out, err := run(t, "partition", "-o", t.TempDir(), "--no-symbols", writeSample(t))
	require.NoError(t, err)
	assert.Contains(t, out, "functions=2 ")
}

func TestPartitionExtraEntry(t *testing.T) {
	out, err := run(t, "partition", "-o", t.TempDir(), "--no-symbols", "-e", "0x2000", writeSample(t))
	require.NoError(t, err)
	assert.Contains(t, out, "functions=3 ")
}

func TestPartitionUnknownMatcher(t *testing.T) {
	_, err := run(t, "partition", "-o", t.TempDir(), "-m", "nope", writeSample(t))
	assert.True(t, errors.Is(err, modules.ErrUnknownModule), "err = %v", err)
}

func TestPartitionConfigFile(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "binpart.yaml")
	outDir := filepath.Join(dir, "results")
	yaml := "output:\n  dir: " + outDir + "\n  formats: [json]\n"
	require.NoError(t, os.WriteFile(cfgPath, []byte(yaml), 0644))

	_, err := run(t, "--config="+cfgPath, "partition", writeSample(t))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(outDir, "partition.json"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(outDir, "partition.msgpack"))
	assert.True(t, os.IsNotExist(err))
}

func TestCompare(t *testing.T) {
	bin := writeSample(t)
	a, b, c := t.TempDir(), t.TempDir(), t.TempDir()
	for _, dir := range []string{a, b} {
		_, err := run(t, "partition", "-o", dir, "-f", "msgpack", bin)
		require.NoError(t, err)
	}
	_, err := run(t, "partition", "-o", c, "-f", "msgpack", "--no-symbols", bin)
	require.NoError(t, err)

	out, err := run(t, "compare", a, filepath.Join(b, "partition.msgpack"))
	require.NoError(t, err)
	assert.Empty(t, out)

	out, err = run(t, "compare", a, c)
	assert.ErrorIs(t, err, errSnapshotsDiffer)
	assert.Contains(t, out, "- function 0x2000")
}

func TestDisasm(t *testing.T) {
	out, err := run(t, "disasm", "-F", "opaque", writeSample(t))
	require.NoError(t, err)
	assert.Contains(t, out, "; opaque entry=0x2000")
	assert.Contains(t, out, "; block 0x2006 dead")

	out, err = run(t, "disasm", writeSample(t))
	require.NoError(t, err)
	assert.Equal(t, 3, strings.Count(out, " entry=0x"))

	_, err = run(t, "disasm", "-F", "missing", writeSample(t))
	assert.Error(t, err)
}

func TestCFG(t *testing.T) {
	out, err := run(t, "cfg", "-F", "0x1010", writeSample(t))
	require.NoError(t, err)
	assert.Contains(t, out, "digraph cfg {")
	assert.Contains(t, out, "sub_1010 @ 0x1010")

	out, err = run(t, "cfg", writeSample(t))
	require.NoError(t, err)
	assert.Contains(t, out, "digraph")
}

func TestModules(t *testing.T) {
	out, err := run(t, "modules")
	require.NoError(t, err)
	assert.Contains(t, out, "amd64: frame-pointer")
	assert.Contains(t, out, "arm64: frame-record")
}
