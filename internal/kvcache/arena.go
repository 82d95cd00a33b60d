package kvcache

import (
	"fmt"
	"sync"
)

// BlockID identifies one fixed-size KV cache block. IDs are dense,
// in [0, total).
type BlockID int

// ArenaStats is a point-in-time view of pool occupancy.
type ArenaStats struct {
	Total     int
	Free      int
	Allocated int
}

// Arena owns the full pool of KV cache blocks and hands them out by id.
// It knows nothing about sequences or requests; backpressure on exhaustion
// is the caller's problem. Safe for concurrent use; the arena carries its
// own lock so block accounting never requires the scheduler's lock.
type Arena struct {
	mu        sync.Mutex
	total     int
	free      []BlockID // LIFO free list; no ordering guarantee among free ids
	allocated []bool    // indexed by BlockID
}

// NewArena creates an arena of total blocks, all free.
func NewArena(total int) *Arena {
	if total <= 0 {
		panic(fmt.Sprintf("kvcache: arena size must be positive, got %d", total))
	}
	a := &Arena{
		total:     total,
		free:      make([]BlockID, 0, total),
		allocated: make([]bool, total),
	}
	for i := total - 1; i >= 0; i-- {
		a.free = append(a.free, BlockID(i))
	}
	return a
}

// Allocate pops a free block. ok is false when the pool is exhausted;
// Allocate never blocks.
func (a *Arena) Allocate() (id BlockID, ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := len(a.free)
	if n == 0 {
		return 0, false
	}
	id = a.free[n-1]
	a.free = a.free[:n-1]
	a.allocated[id] = true
	return id, true
}

// Free returns a block to the pool. Freeing an id that is not currently
// allocated is a programming defect (callers track ownership) and panics.
func (a *Arena) Free(id BlockID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if id < 0 || int(id) >= a.total {
		panic(fmt.Sprintf("kvcache: free of out-of-range block %d (total %d)", id, a.total))
	}
	if !a.allocated[id] {
		panic(fmt.Sprintf("kvcache: double free of block %d", id))
	}
	a.allocated[id] = false
	a.free = append(a.free, id)
}

// Stats returns pool occupancy.
func (a *Arena) Stats() ArenaStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return ArenaStats{
		Total:     a.total,
		Free:      len(a.free),
		Allocated: a.total - len(a.free),
	}
}

// FreeBlocks returns the current number of free blocks.
func (a *Arena) FreeBlocks() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.free)
}
