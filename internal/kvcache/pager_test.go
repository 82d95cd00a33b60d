package kvcache

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPagerCeilAllocation(t *testing.T) {
	a := NewArena(64)
	p := NewPager(a, 16, nil)

	require.True(t, p.CreateSequence("r1"))
	require.False(t, p.CreateSequence("r1"), "duplicate create")

	require.True(t, p.AllocateFor("r1", 100))
	require.Equal(t, 7, p.HeldBlocks("r1"), "ceil(100/16)")
	require.Equal(t, 100, p.CachedLength("r1"))
	require.Equal(t, 64-7, a.FreeBlocks())

	require.True(t, p.DeleteSequence("r1"))
	require.Equal(t, 64, a.FreeBlocks(), "delete returns every block")
	require.False(t, p.DeleteSequence("r1"), "second delete is a no-op")
}

func TestPagerAdditiveGrowth(t *testing.T) {
	a := NewArena(8)
	p := NewPager(a, 4, nil)
	p.CreateSequence("r1")

	require.True(t, p.AllocateFor("r1", 4))
	require.Equal(t, 1, p.HeldBlocks("r1"))

	// Growing within the last block allocates nothing new.
	require.True(t, p.AllocateFor("r1", 4))
	require.Equal(t, 1, p.HeldBlocks("r1"))

	// Crossing the boundary allocates exactly one block.
	require.True(t, p.AllocateFor("r1", 5))
	require.Equal(t, 2, p.HeldBlocks("r1"))

	require.Panics(t, func() { p.AllocateFor("r1", 3) }, "shrinking is a defect")
}

func TestPagerAllOrNothingRollback(t *testing.T) {
	a := NewArena(4)
	p := NewPager(a, 16, nil)
	p.CreateSequence("big")
	p.CreateSequence("small")

	require.True(t, p.AllocateFor("small", 32)) // 2 blocks
	// big needs 3 blocks, only 2 remain: nothing may stick.
	require.False(t, p.AllocateFor("big", 48))
	require.Equal(t, 0, p.HeldBlocks("big"))
	require.Equal(t, 2, a.FreeBlocks())

	// Retry after space frees up.
	require.True(t, p.DeleteSequence("small"))
	require.True(t, p.AllocateFor("big", 48))
	require.Equal(t, 3, p.HeldBlocks("big"))
}

func TestPagerUnknownSequence(t *testing.T) {
	p := NewPager(NewArena(4), 16, nil)
	require.False(t, p.AllocateFor("ghost", 10))
	_, ok := p.Sequence("ghost")
	require.False(t, ok)
	require.Equal(t, 0, p.CachedLength("ghost"))
}

func TestPagerRetainAndEvict(t *testing.T) {
	a := NewArena(4)
	p := NewPager(a, 16, NewLRU())

	p.CreateSequence("turn1")
	require.True(t, p.AllocateFor("turn1", 64)) // all 4 blocks
	require.True(t, p.Retain("turn1"))
	require.Equal(t, 4, p.RetainedBlocks())
	require.Equal(t, 0, a.FreeBlocks(), "retained blocks stay resident")

	// A new sequence forces eviction of retained blocks.
	p.CreateSequence("turn2")
	require.True(t, p.AllocateFor("turn2", 40)) // 3 blocks
	require.Equal(t, 3, p.HeldBlocks("turn2"))
	require.Equal(t, 1, p.RetainedBlocks())
}

func TestPagerRetainWithoutPolicyFrees(t *testing.T) {
	a := NewArena(4)
	p := NewPager(a, 16, nil)
	p.CreateSequence("r")
	require.True(t, p.AllocateFor("r", 30))
	require.True(t, p.Retain("r"))
	require.Equal(t, 4, a.FreeBlocks())
	require.Equal(t, 0, p.RetainedBlocks())
}

func TestPagerSequenceView(t *testing.T) {
	a := NewArena(8)
	p := NewPager(a, 4, nil)
	p.CreateSequence("r")
	require.True(t, p.AllocateFor("r", 9))

	table, ok := p.Sequence("r")
	require.True(t, ok)
	require.Len(t, table, 3)

	// The view is a copy; mutating it must not affect the pager.
	table[0] = 99
	again, _ := p.Sequence("r")
	require.NotEqual(t, BlockID(99), again[0])
}

func TestBlocksFor(t *testing.T) {
	cases := []struct {
		tokens, blockSize, want int
	}{
		{0, 16, 0},
		{1, 16, 1},
		{16, 16, 1},
		{17, 16, 2},
		{100, 16, 7},
	}
	for _, c := range cases {
		require.Equal(t, c.want, blocksFor(c.tokens, c.blockSize), "blocksFor(%d,%d)", c.tokens, c.blockSize)
	}
}
