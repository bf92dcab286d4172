package partition

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"binpart/internal/diag"
	"binpart/internal/disasm"
	"binpart/internal/memmap"
	"binpart/internal/semantics"
)

func discover(t *testing.T, e *Engine, c *CFG, addrs ...uint64) {
	t.Helper()
	for _, a := range addrs {
		c.InsertPlaceholder(a)
	}
	require.NoError(t, e.DiscoverBasicBlocks(c))
}

func TestStraightLineBlock(t *testing.T) {
	c := newCFG(t, code(0x1000, repeat(nop, 5)))
	discover(t, newEngine(Matchers{}), c, 0x1000)

	require.Equal(t, 1, c.NBlocks())
	bb := c.BlockAt(0x1000)
	require.NotNil(t, bb)
	assert.Equal(t, 5, bb.NInsns())
	assert.True(t, bb.IsFrozen())
	require.Equal(t, []semantics.Successor{{Expr: semantics.Const(0x1005), Type: semantics.EdgeNormal}}, bb.Successors())

	// The fall-through target is unmapped and becomes a failed placeholder.
	failed := c.Failed()
	require.Len(t, failed, 1)
	assert.Equal(t, uint64(0x1005), failed[0].Addr)
	assert.ErrorIs(t, failed[0], disasm.ErrNotMapped)
	assert.Empty(t, c.Undiscovered())
}

func TestUnconditionalJump(t *testing.T) {
	c := newCFG(t, code(0x1000, jmp32(0x1000, 0x2000)), code(0x2000, ret))
	discover(t, newEngine(Matchers{}), c, 0x1000)

	require.Equal(t, 2, c.NBlocks())
	a := c.BlockAt(0x1000)
	require.NotNil(t, a)
	assert.Equal(t, 1, a.NInsns())
	assert.Equal(t, []semantics.Successor{{Expr: semantics.Const(0x2000), Type: semantics.EdgeNormal}}, a.Successors())

	b := c.BlockAt(0x2000)
	require.NotNil(t, b)
	assert.True(t, b.IsFunctionReturn())
	assert.Equal(t, []uint64{0x1000}, c.Predecessors(0x2000))
}

// condImage places ten bytes of prefix then je rel32 at 0x100a, so the
// fall-through is 0x1010.
func condImage(prefix []byte) []memmap.Segment {
	body := concat(prefix, repeat(nop, 10-len(prefix)), je32(0x100a, 0x2000), ret)
	return []memmap.Segment{code(0x1000, body), code(0x2000, ret)}
}

func TestConditionalBranch(t *testing.T) {
	c := newCFG(t, condImage(nil)...)
	discover(t, newEngine(Matchers{}), c, 0x1000)

	bb := c.BlockAt(0x1000)
	require.NotNil(t, bb)
	var targets []uint64
	for _, s := range bb.Successors() {
		to, ok := s.Expr.Value()
		require.True(t, ok)
		assert.Equal(t, semantics.EdgeNormal, s.Type)
		targets = append(targets, to)
	}
	assert.ElementsMatch(t, []uint64{0x2000, 0x1010}, targets)
	assert.Empty(t, bb.GhostSuccessors())
	assert.NotNil(t, c.BlockAt(0x1010))
	assert.NotNil(t, c.BlockAt(0x2000))
}

func TestOpaquePredicateGhost(t *testing.T) {
	c := newCFG(t, condImage(concat(xorEAX, testEAX))...)
	discover(t, newEngine(Matchers{}), c, 0x1000)

	bb := c.BlockAt(0x1000)
	require.NotNil(t, bb)
	assert.Equal(t, []semantics.Successor{{Expr: semantics.Const(0x2000), Type: semantics.EdgeNormal}}, bb.Successors())
	assert.Equal(t, []uint64{0x1010}, bb.GhostSuccessors())
	assert.Nil(t, c.BlockAt(0x1010), "ghost targets are not discovered")
}

func TestSplitOnInteriorTarget(t *testing.T) {
	// 0x1000 nop; 0x1001 nop; 0x1002 nop; 0x1003 jne 0x1002; 0x1005 ret
	img := code(0x1000, concat(repeat(nop, 3), []byte{0x75, 0xfd}, ret))
	e := newEngine(Matchers{})

	a := newCFG(t, img)
	discover(t, e, a, 0x1000)

	b := newCFG(t, img)
	b.InsertPlaceholder(0x1002)
	bb, err := e.MakeNextBasicBlock(b)
	require.NoError(t, err)
	require.NotNil(t, bb)
	discover(t, e, b, 0x1000)

	blocksA, edgesA := shape(a)
	blocksB, edgesB := shape(b)
	assert.Equal(t, map[uint64]int{0x1000: 2, 0x1002: 2, 0x1005: 1}, blocksA)
	assert.Equal(t, blocksA, blocksB)
	assert.Equal(t, edgesA, edgesB)
	assert.Equal(t, []uint64{0x1000, 0x1002}, a.Predecessors(0x1002))
}

func TestSplitKeepsOwnership(t *testing.T) {
	img := code(0x1000, concat(repeat(nop, 3), []byte{0x75, 0xfd}, ret))
	c := newCFG(t, img)
	e := newEngine(Matchers{})
	fn, _ := c.InsertFunction(NewFunction(0x1000, "f", ReasonUserDefined))

	// Grow and claim the unsplit block first.
	_, err := e.MakeNextBasicBlock(c)
	require.NoError(t, err)
	c.claim(fn, 0x1000, false)

	require.NoError(t, e.DiscoverBasicBlocks(c))
	assert.Same(t, fn, c.OwnerOf(0x1000))
	assert.Same(t, fn, c.OwnerOf(0x1002))
}

func TestDiscoveryIsIdempotent(t *testing.T) {
	c := newCFG(t, condImage(nil)...)
	e := newEngine(Matchers{})
	discover(t, e, c, 0x1000)
	blocks, edges := shape(c)

	discover(t, e, c, 0x1000, 0x1010)
	blocks2, edges2 := shape(c)
	assert.Equal(t, blocks, blocks2)
	assert.Equal(t, edges, edges2)
}

func TestStepLimitClamps(t *testing.T) {
	c := newCFG(t, condImage(nil)...)
	o := testOptions()
	o.MaxSteps = 1
	e := NewEngine(o, Matchers{})
	discover(t, e, c, 0x1000)

	assert.Equal(t, 1, c.NBlocks())
	assert.NotEmpty(t, c.Undiscovered())
	assert.Len(t, c.Diags().ByKind(diag.KindClamped), 1)
}

func TestStepBudgetSpansPasses(t *testing.T) {
	c := newCFG(t, code(0x1000, concat(ret, repeat(int3, 15), ret)))
	o := testOptions()
	o.MaxSteps = 1
	e := NewEngine(o, Matchers{})
	discover(t, e, c, 0x1000)
	assert.Empty(t, c.Diags().ByKind(diag.KindClamped))

	discover(t, e, c, 0x1010)
	discover(t, e, c)
	assert.Nil(t, c.BlockAt(0x1010))
	assert.Equal(t, []uint64{0x1010}, c.Undiscovered())
	assert.Len(t, c.Diags().ByKind(diag.KindClamped), 1)
}

func TestGrowthStopsAtExistingBlock(t *testing.T) {
	c := newCFG(t, code(0x1000, concat(repeat(nop, 4), ret)))
	discover(t, newEngine(Matchers{}), c, 0x1002, 0x1000)

	a := c.BlockAt(0x1000)
	require.NotNil(t, a)
	assert.Equal(t, 2, a.NInsns())
	assert.Equal(t, uint64(0x1002), a.FallthroughAddress())
	assert.Equal(t, 3, c.BlockAt(0x1002).NInsns())
	assert.Same(t, a, c.BlockEndingAt(0x1002))
}

func TestInvalidInstructionEndsBlock(t *testing.T) {
	// nop; nop; (bad) at 0x1002, push es is not encodable in 64-bit mode
	c := newCFG(t, code(0x1000, concat(nop, nop, []byte{0x06})))
	discover(t, newEngine(Matchers{}), c, 0x1000)

	bb := c.BlockAt(0x1000)
	require.NotNil(t, bb)
	assert.Equal(t, 2, bb.NInsns())
	assert.True(t, bb.IsFrozen())
	assert.Nil(t, c.BlockAt(0x1002))

	var pe *PlaceholderError
	require.Len(t, c.Failed(), 1)
	require.True(t, errors.As(c.Failed()[0], &pe))
	assert.Equal(t, uint64(0x1002), pe.Addr)
	assert.ErrorIs(t, pe, disasm.ErrInvalid)

	var de *disasm.DecodeError
	require.True(t, errors.As(pe, &de))
	assert.Equal(t, uint64(0x1002), de.Addr)
}

func TestPlaceholderInsideData(t *testing.T) {
	c := newCFG(t, code(0x1000, concat(ret, repeat(int3, 15))))
	fn, _ := c.InsertFunction(NewFunction(0x1000, "f", ReasonUserDefined))
	require.NoError(t, c.AttachDataBlock(fn, NewDataBlock(0x1004, 8, DataLiteral)))

	assert.False(t, c.InsertPlaceholder(0x1006))
	failed := c.Failed()
	require.Len(t, failed, 1)
	assert.ErrorIs(t, failed[0], ErrInsideData)
}

func TestCallbackTermination(t *testing.T) {
	stopAtTrap := CallbackFunc(func(chained bool, args *BlockCallbackArgs) bool {
		if last := args.Block.Last(); last != nil && last.Raw[0] == 0xcc {
			args.Results.Terminate = TerminatePrior
		}
		return true
	})
	var sawChained bool
	observer := CallbackFunc(func(chained bool, args *BlockCallbackArgs) bool {
		sawChained = sawChained || chained
		return true
	})

	c := newCFG(t, code(0x1000, concat(nop, nop, int3, ret)))
	discover(t, newEngine(Matchers{Callbacks: []BasicBlockCallback{stopAtTrap, observer}}), c, 0x1000)

	bb := c.BlockAt(0x1000)
	require.NotNil(t, bb)
	assert.Equal(t, 2, bb.NInsns())
	assert.True(t, sawChained)

	var pe *PlaceholderError
	require.Len(t, c.Failed(), 1)
	require.True(t, errors.As(c.Failed()[0], &pe))
	assert.Equal(t, uint64(0x1002), pe.Addr)
	assert.ErrorIs(t, pe, ErrRejected)
}

func TestCallbackStopsChain(t *testing.T) {
	calls := 0
	first := CallbackFunc(func(bool, *BlockCallbackArgs) bool { return false })
	second := CallbackFunc(func(bool, *BlockCallbackArgs) bool { calls++; return true })

	c := newCFG(t, code(0x1000, concat(nop, ret)))
	discover(t, newEngine(Matchers{Callbacks: []BasicBlockCallback{first, second}}), c, 0x1000)
	assert.Equal(t, 2, c.BlockAt(0x1000).NInsns())
	assert.Zero(t, calls)
}

func TestARM64ZeroRegisterGhost(t *testing.T) {
	// cbz xzr, #8; nop; ret
	words := []uint32{0xb400005f, 0xd503201f, 0xd65f03c0}
	var data []byte
	for _, w := range words {
		data = append(data, byte(w), byte(w>>8), byte(w>>16), byte(w>>24))
	}
	m, err := memmap.New(code(0x4000, data))
	require.NoError(t, err)
	c := NewCFG(m, disasm.ARM64{}, semantics.ARM64{})
	discover(t, newEngine(Matchers{}), c, 0x4000)

	bb := c.BlockAt(0x4000)
	require.NotNil(t, bb)
	assert.Equal(t, []semantics.Successor{{Expr: semantics.Const(0x4008), Type: semantics.EdgeNormal}}, bb.Successors())
	assert.Equal(t, []uint64{0x4004}, bb.GhostSuccessors())
	assert.Nil(t, c.BlockAt(0x4004))
}
