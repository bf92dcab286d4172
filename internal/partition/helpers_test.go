package partition

import (
	"fmt"
	"testing"

	"github.com/apex/log"
	"github.com/apex/log/handlers/discard"
	"github.com/stretchr/testify/require"

	"binpart/internal/disasm"
	"binpart/internal/memmap"
	"binpart/internal/semantics"
)

// x86 encodings used throughout the tests.
var (
	nop      = []byte{0x90}
	ret      = []byte{0xc3}
	int3     = []byte{0xcc}
	xorEAX   = []byte{0x31, 0xc0}
	testEAX  = []byte{0x85, 0xc0}
	pushRBP  = []byte{0x55}
	movRBP   = []byte{0x48, 0x89, 0xe5}
	popRBP   = []byte{0x5d}
	prologue = concat(pushRBP, movRBP)
)

func concat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func repeat(b []byte, n int) []byte {
	var out []byte
	for i := 0; i < n; i++ {
		out = append(out, b...)
	}
	return out
}

// jmp32 encodes jmp rel32 at from to target.
func jmp32(from, target uint64) []byte {
	rel := uint32(target - (from + 5))
	return []byte{0xe9, byte(rel), byte(rel >> 8), byte(rel >> 16), byte(rel >> 24)}
}

// je32 encodes je rel32 at from to target.
func je32(from, target uint64) []byte {
	rel := uint32(target - (from + 6))
	return []byte{0x0f, 0x84, byte(rel), byte(rel >> 8), byte(rel >> 16), byte(rel >> 24)}
}

func call32(from, target uint64) []byte {
	rel := uint32(target - (from + 5))
	return []byte{0xe8, byte(rel), byte(rel >> 8), byte(rel >> 16), byte(rel >> 24)}
}

func code(addr uint64, b []byte) memmap.Segment {
	return memmap.Segment{Name: fmt.Sprintf("text_%x", addr), Addr: addr, Data: b, Perm: memmap.PermRead | memmap.PermExec}
}

func newCFG(t *testing.T, segs ...memmap.Segment) *CFG {
	t.Helper()
	m, err := memmap.New(segs...)
	require.NoError(t, err)
	return NewCFG(m, disasm.AMD64{}, semantics.AMD64{})
}

func quietLogger() log.Interface {
	return &log.Logger{Handler: discard.Default, Level: log.ErrorLevel}
}

func testOptions() Options {
	o := DefaultOptions()
	o.Logger = quietLogger()
	return o
}

func newEngine(m Matchers) *Engine { return NewEngine(testOptions(), m) }

// paddingBytes recognizes runs of nop/int3 before an entry.
func paddingBytes(c *CFG, entry uint64) (uint64, bool) {
	start := entry
	for start > 0 {
		b := c.Memory().Read(start-1, 1)
		if len(b) == 0 || (b[0] != 0x90 && b[0] != 0xcc) || c.IsOwned(start-1) {
			break
		}
		start--
	}
	return start, start < entry
}

// framePointer recognizes push rbp; mov rbp, rsp.
func framePointer(c *CFG, anchor uint64) bool {
	b := c.Memory().Read(anchor, len(prologue))
	return string(b) == string(prologue)
}

func decodeAt(t *testing.T, c *CFG, addr uint64) *disasm.Inst {
	t.Helper()
	inst, err := c.Decode(addr)
	require.NoError(t, err)
	return inst
}

// shape summarizes a CFG for comparisons: block -> instruction count, and
// every edge as text.
func shape(c *CFG) (map[uint64]int, []string) {
	blocks := make(map[uint64]int)
	for _, bb := range c.Blocks() {
		blocks[bb.Address()] = bb.NInsns()
	}
	var edges []string
	for _, e := range c.Edges() {
		edges = append(edges, fmt.Sprintf("0x%x->%s", e.From, semantics.Successor{Expr: e.Target, Type: e.Type}))
	}
	return blocks, edges
}
