package kvcache

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestArenaExhaustionAndReuse(t *testing.T) {
	const n = 8
	a := NewArena(n)

	seen := make(map[BlockID]bool)
	for i := 0; i < n; i++ {
		id, ok := a.Allocate()
		require.True(t, ok, "allocation %d of %d", i+1, n)
		require.False(t, seen[id], "block %d issued twice", id)
		seen[id] = true
	}

	_, ok := a.Allocate()
	require.False(t, ok, "allocation beyond capacity must fail")
	require.Equal(t, ArenaStats{Total: n, Free: 0, Allocated: n}, a.Stats())

	// Freeing one block makes exactly one allocation succeed again,
	// reusing a previously issued id.
	a.Free(3)
	id, ok := a.Allocate()
	require.True(t, ok)
	require.Equal(t, BlockID(3), id)
	_, ok = a.Allocate()
	require.False(t, ok)
}

func TestArenaStats(t *testing.T) {
	a := NewArena(4)
	require.Equal(t, ArenaStats{Total: 4, Free: 4, Allocated: 0}, a.Stats())
	id, ok := a.Allocate()
	require.True(t, ok)
	require.Equal(t, ArenaStats{Total: 4, Free: 3, Allocated: 1}, a.Stats())
	a.Free(id)
	require.Equal(t, 4, a.FreeBlocks())
}

func TestArenaDoubleFreePanics(t *testing.T) {
	a := NewArena(2)
	id, ok := a.Allocate()
	require.True(t, ok)
	a.Free(id)
	require.Panics(t, func() { a.Free(id) })
	require.Panics(t, func() { a.Free(BlockID(99)) })
}

func TestArenaSizeMustBePositive(t *testing.T) {
	require.Panics(t, func() { NewArena(0) })
}
