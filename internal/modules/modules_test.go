package modules

import (
	"encoding/binary"
	"testing"

	"github.com/apex/log"
	"github.com/apex/log/handlers/discard"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"binpart/internal/diag"
	"binpart/internal/disasm"
	"binpart/internal/memmap"
	"binpart/internal/partition"
	"binpart/internal/semantics"
)

func concat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func fill(b byte, n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = b
	}
	return out
}

func words(ws ...uint32) []byte {
	out := make([]byte, 0, 4*len(ws))
	for _, w := range ws {
		out = binary.LittleEndian.AppendUint32(out, w)
	}
	return out
}

func text(addr uint64, b []byte) memmap.Segment {
	return memmap.Segment{Name: ".text", Addr: addr, Data: b, Perm: memmap.PermRead | memmap.PermExec}
}

func rodata(addr uint64, b []byte) memmap.Segment {
	return memmap.Segment{Name: ".rodata", Addr: addr, Data: b, Perm: memmap.PermRead}
}

func newCFG(t *testing.T, arch disasm.Arch, segs ...memmap.Segment) *partition.CFG {
	t.Helper()
	m, err := memmap.New(segs...)
	require.NoError(t, err)
	dec, err := disasm.NewDecoder(arch)
	require.NoError(t, err)
	eval, err := semantics.ForArch(arch)
	require.NoError(t, err)
	return partition.NewCFG(m, dec, eval)
}

func options() partition.Options {
	o := partition.DefaultOptions()
	o.Logger = &log.Logger{Handler: discard.Default, Level: log.ErrorLevel}
	return o
}

var (
	x86Ret      = []byte{0xc3}
	x86PushRBP  = []byte{0x55}
	x86MovRBP   = []byte{0x48, 0x89, 0xe5}
	x86PopRBP   = []byte{0x5d}
	x86SubRSP   = []byte{0x48, 0x83, 0xec, 0x28}
	x86LeaRSP   = []byte{0x48, 0x8d, 0x64, 0x24, 0xf0}
	x86XorEAX   = []byte{0x31, 0xc0}
	x86TableJmp = []byte{0xff, 0x24, 0xc5, 0x00, 0x30, 0x00, 0x00} // jmp [rax*8+0x3000]
)

func TestRegistry(t *testing.T) {
	assert.Equal(t, []string{"frame-pointer", "endbr64", "push-rbp", "stack-alloc", "padding", "jump-table"}, Names(disasm.ArchAMD64))
	assert.Equal(t, []string{"frame-record", "stack-alloc", "padding"}, Names(disasm.ArchARM64))

	m := Default(disasm.ArchAMD64)
	assert.Len(t, m.Prologues, 4)
	assert.Len(t, m.Paddings, 1)
	assert.Len(t, m.Callbacks, 1)

	m = Default(disasm.ArchARM64)
	assert.Len(t, m.Prologues, 2)
	assert.Len(t, m.Paddings, 1)
	assert.Empty(t, m.Callbacks)
}

func TestSelect(t *testing.T) {
	m, err := Select(disasm.ArchAMD64, []string{"padding", "frame-pointer", "padding"})
	require.NoError(t, err)
	assert.Len(t, m.Prologues, 1)
	assert.Len(t, m.Paddings, 1)

	_, err = Select(disasm.ArchARM64, []string{"jump-table"})
	assert.ErrorIs(t, err, ErrUnknownModule)

	m, err = Select(disasm.ArchAMD64, nil)
	require.NoError(t, err)
	assert.Empty(t, m.Prologues)
}

func TestAMD64Prologues(t *testing.T) {
	tests := []struct {
		name  string
		code  []byte
		at    uint64
		match partition.PrologueFunc
		want  bool
	}{
		{"frame pointer", concat(x86XorEAX, x86PushRBP, x86MovRBP), 0x1002, amd64FramePointer, true},
		{"push without mov", concat(x86PushRBP, x86Ret), 0x1000, amd64FramePointer, false},
		{"endbr then frame", concat(x86XorEAX, endbr64, x86PushRBP, x86MovRBP), 0x1002, amd64Endbr, true},
		{"endbr at segment start", concat(endbr64, x86XorEAX), 0x1000, amd64Endbr, true},
		{"endbr mid code", concat(x86XorEAX, endbr64, x86XorEAX), 0x1002, amd64Endbr, false},
		{"push at segment start", concat(x86PushRBP, x86Ret), 0x1000, amd64PushRBP, true},
		{"push after int3", concat(x86Ret, []byte{0xcc}, x86PushRBP), 0x1002, amd64PushRBP, true},
		{"push mid code", concat(x86XorEAX, x86PushRBP), 0x1002, amd64PushRBP, false},
		{"sub rsp after nop", concat(x86Ret, []byte{0x90}, x86SubRSP), 0x1002, amd64StackAlloc, true},
		{"lea rsp after nop", concat(x86Ret, []byte{0x90}, x86LeaRSP), 0x1002, amd64StackAlloc, true},
		{"sub rsp mid code", concat(x86XorEAX, x86SubRSP), 0x1002, amd64StackAlloc, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newCFG(t, disasm.ArchAMD64, text(0x1000, tt.code))
			assert.Equal(t, tt.want, tt.match(c, tt.at))
		})
	}
}

func TestAMD64BoundaryAfterReturnBlock(t *testing.T) {
	c := newCFG(t, disasm.ArchAMD64, text(0x1000, concat(x86XorEAX, x86Ret, x86PushRBP, x86Ret)))
	assert.False(t, amd64PushRBP(c, 0x1003))

	c.InsertPlaceholder(0x1000)
	e := partition.NewEngine(options(), partition.Matchers{})
	require.NoError(t, e.DiscoverBasicBlocks(c))
	assert.True(t, amd64PushRBP(c, 0x1003))
}

func TestAMD64Padding(t *testing.T) {
	c := newCFG(t, disasm.ArchAMD64, text(0x1000, concat(x86Ret, fill(0x90, 3), fill(0xcc, 4), x86Ret)))
	start, ok := amd64Padding(c, 0x1008)
	require.True(t, ok)
	assert.Equal(t, uint64(0x1001), start)

	_, ok = amd64Padding(c, 0x1001)
	assert.False(t, ok)
}

func TestAMD64Partition(t *testing.T) {
	// 0x1000 ret; int3 x15; 0x1010 push rbp; mov rbp, rsp; pop rbp; ret
	img := text(0x1000, concat(x86Ret, fill(0xcc, 15), x86PushRBP, x86MovRBP, x86PopRBP, x86Ret))
	c := newCFG(t, disasm.ArchAMD64, img)
	res, err := partition.NewEngine(options(), Default(disasm.ArchAMD64)).Partition(c, []partition.Seed{{Addr: 0x1000, Name: "start"}})
	require.NoError(t, err)

	require.Len(t, res.Functions, 2)
	fn := res.Functions[1]
	assert.Equal(t, uint64(0x1010), fn.Entry())
	assert.True(t, fn.HasReason(partition.ReasonPrologue))
	require.Len(t, res.Padding, 1)
	assert.Equal(t, uint64(0x1001), res.Padding[0].Address())
	assert.Same(t, fn, res.Padding[0].OwnerFunction())
}

func jumpTable(targets ...uint64) []byte {
	var out []byte
	for _, t := range targets {
		out = binary.LittleEndian.AppendUint64(out, t)
	}
	return binary.LittleEndian.AppendUint64(out, 0)
}

func TestJumpTable(t *testing.T) {
	// 0x1000 jmp [rax*8+0x3000]; int3 pad; 0x1010..0x1012 ret x3
	c := newCFG(t, disasm.ArchAMD64,
		text(0x1000, concat(x86TableJmp, fill(0xcc, 9), x86Ret, x86Ret, x86Ret)),
		rodata(0x3000, jumpTable(0x1010, 0x1011, 0x1012)))
	m, err := Select(disasm.ArchAMD64, []string{"jump-table"})
	require.NoError(t, err)
	res, err := partition.NewEngine(options(), m).Partition(c, []partition.Seed{{Addr: 0x1000, Name: "switch"}})
	require.NoError(t, err)

	bb := c.BlockAt(0x1000)
	require.NotNil(t, bb)
	var targets []uint64
	for _, s := range bb.Successors() {
		to, ok := s.Expr.Value()
		require.True(t, ok)
		assert.Equal(t, semantics.EdgeNormal, s.Type)
		targets = append(targets, to)
	}
	assert.Equal(t, []uint64{0x1010, 0x1011, 0x1012}, targets)

	db := c.DataBlockAt(0x3008)
	require.NotNil(t, db)
	assert.Equal(t, partition.DataJumpTable, db.Kind())
	assert.Equal(t, uint64(0x3000), db.Address())
	assert.Equal(t, uint64(24), db.Size())
	assert.Same(t, bb, db.OwnerBlock())

	fn := c.FunctionAt(0x1000)
	assert.Equal(t, []uint64{0x1000, 0x1010, 0x1011, 0x1012}, fn.BlockAddresses())
	assert.Empty(t, res.Errors)
}

func TestJumpTableShared(t *testing.T) {
	// Two table jumps through the same table.
	c := newCFG(t, disasm.ArchAMD64,
		text(0x1000, concat(x86TableJmp, x86TableJmp, fill(0xcc, 2), x86Ret, x86Ret)),
		rodata(0x3000, jumpTable(0x1010, 0x1011)))
	m, err := Select(disasm.ArchAMD64, []string{"jump-table"})
	require.NoError(t, err)
	e := partition.NewEngine(options(), m)
	c.InsertPlaceholder(0x1000)
	c.InsertPlaceholder(0x1007)
	require.NoError(t, e.DiscoverBasicBlocks(c))

	assert.Len(t, c.BlockAt(0x1000).Successors(), 2)
	assert.Len(t, c.BlockAt(0x1007).Successors(), 2)
	assert.Len(t, c.DataBlocks(), 1)
}

func TestJumpTableRejectedData(t *testing.T) {
	// Another callback claims the start of the table first.
	claim := partition.CallbackFunc(func(_ bool, args *partition.BlockCallbackArgs) bool {
		if last := args.Block.Last(); last != nil && last.Addr == 0x1000 {
			_ = args.Block.InsertDataBlock(partition.NewDataBlock(0x3000, 8, partition.DataLiteral))
		}
		return true
	})
	c := newCFG(t, disasm.ArchAMD64,
		text(0x1000, concat(x86TableJmp, fill(0xcc, 9), x86Ret)),
		rodata(0x3000, jumpTable(0x1010)))
	m, err := Select(disasm.ArchAMD64, []string{"jump-table"})
	require.NoError(t, err)
	m.Callbacks = append([]partition.BasicBlockCallback{claim}, m.Callbacks...)
	c.InsertPlaceholder(0x1000)
	require.NoError(t, partition.NewEngine(options(), m).DiscoverBasicBlocks(c))

	succ := c.BlockAt(0x1000).Successors()
	require.Len(t, succ, 1)
	assert.False(t, succ[0].Expr.IsConcrete())
	assert.Equal(t, partition.DataLiteral, c.DataBlockAt(0x3000).Kind())
	diags := c.Diags().ByKind(diag.KindDataBlock)
	require.Len(t, diags, 1)
	assert.Equal(t, uint64(0x3000), diags[0].Addr)
}

func TestJumpTableIgnoresOtherJumps(t *testing.T) {
	// jmp rax
	c := newCFG(t, disasm.ArchAMD64, text(0x1000, []byte{0xff, 0xe0}))
	m, _ := Select(disasm.ArchAMD64, []string{"jump-table"})
	c.InsertPlaceholder(0x1000)
	require.NoError(t, partition.NewEngine(options(), m).DiscoverBasicBlocks(c))

	succ := c.BlockAt(0x1000).Successors()
	require.Len(t, succ, 1)
	assert.False(t, succ[0].Expr.IsConcrete())
	assert.Empty(t, c.DataBlocks())
}

const (
	armRet      = 0xD65F03C0
	armStpFrame = 0xA9BF7BFD // stp x29, x30, [sp, #-16]!
	armMovFP    = 0x910003FD // mov x29, sp
	armLdpFrame = 0xA8C17BFD // ldp x29, x30, [sp], #16
	armAUTIASP  = 0xD50323BF
	armSubSP    = 0xD10083FF // sub sp, sp, #0x20
	armAddSP    = 0x910083FF // add sp, sp, #0x20
	armMovX0    = 0xD2800020 // mov x0, #1
)

func TestARM64Prologues(t *testing.T) {
	tests := []struct {
		name  string
		code  []byte
		at    uint64
		match partition.PrologueFunc
		want  bool
	}{
		{"frame record", words(armMovX0, armStpFrame), 0x4004, arm64FrameRecord, true},
		{"paciasp frame record", words(armMovX0, armPACIASP, armStpFrame), 0x4004, arm64FrameRecord, true},
		{"bti frame record", words(armBTIC, armStpFrame), 0x4000, arm64FrameRecord, true},
		{"paciasp alone", words(armPACIASP, armMovX0), 0x4000, arm64FrameRecord, false},
		{"sub sp after ret", words(armRet, armSubSP), 0x4004, arm64StackAlloc, true},
		{"sub sp after nop", words(armNop, armSubSP), 0x4004, arm64StackAlloc, true},
		{"sub sp mid code", words(armMovX0, armSubSP), 0x4004, arm64StackAlloc, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newCFG(t, disasm.ArchARM64, text(0x4000, tt.code))
			assert.Equal(t, tt.want, tt.match(c, tt.at))
		})
	}
}

func TestARM64Padding(t *testing.T) {
	c := newCFG(t, disasm.ArchARM64, text(0x4000, words(armRet, armNop, 0, armNop, armRet)))
	start, ok := arm64Padding(c, 0x4010)
	require.True(t, ok)
	assert.Equal(t, uint64(0x4004), start)

	_, ok = arm64Padding(c, 0x4002)
	assert.False(t, ok)
}

func TestARM64Partition(t *testing.T) {
	img := text(0x4000, words(
		armRet, armNop, armNop, armNop,
		armPACIASP, armStpFrame, armMovFP, armLdpFrame, armAUTIASP, armRet,
		armSubSP, armAddSP, armRet,
	))
	c := newCFG(t, disasm.ArchARM64, img)
	res, err := partition.NewEngine(options(), Default(disasm.ArchARM64)).Partition(c, []partition.Seed{{Addr: 0x4000}})
	require.NoError(t, err)

	var entries []uint64
	for _, fn := range res.Functions {
		entries = append(entries, fn.Entry())
	}
	assert.Equal(t, []uint64{0x4000, 0x4010, 0x4028}, entries)
	assert.Equal(t, semantics.Const(0), c.BlockAt(0x4010).StackDelta())

	require.Len(t, res.Padding, 1)
	assert.Equal(t, uint64(0x4004), res.Padding[0].Address())
	assert.Equal(t, uint64(12), res.Padding[0].Size())
}
