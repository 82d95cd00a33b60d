package kvcache

import (
	"fmt"
	"sync"
)

// sequence is the per-request logical view: an ordered page table of
// physical block ids plus the number of tokens materialized so far.
type sequence struct {
	blocks       []BlockID
	cachedLength int
}

// Pager maps per-sequence logical token ranges onto physical arena blocks.
// Allocation is all-or-nothing: if any block in a growth request cannot be
// obtained (even after eviction), every block newly taken by that call is
// rolled back, so the pool never over-commits.
//
// Terminated sequences may be retained instead of deleted: their blocks
// stay resident and become eviction candidates, reclaimed lazily when a
// later allocation would otherwise fail.
type Pager struct {
	mu        sync.Mutex
	arena     *Arena
	blockSize int
	seqs      map[string]*sequence
	retained  map[BlockID]string // evictable block -> former owner
	policy    Policy             // nil disables eviction
}

// NewPager builds a pager over arena with the given tokens-per-block size.
// policy may be nil, in which case arena exhaustion is final.
func NewPager(arena *Arena, blockSize int, policy Policy) *Pager {
	if blockSize <= 0 {
		panic(fmt.Sprintf("kvcache: block size must be positive, got %d", blockSize))
	}
	return &Pager{
		arena:     arena,
		blockSize: blockSize,
		seqs:      make(map[string]*sequence),
		retained:  make(map[BlockID]string),
		policy:    policy,
	}
}

// CreateSequence starts bookkeeping for id. Returns false if id exists.
func (p *Pager) CreateSequence(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.seqs[id]; ok {
		return false
	}
	p.seqs[id] = &sequence{}
	return true
}

// DeleteSequence frees every block owned by id and drops the bookkeeping.
// Deleting an unknown id is a no-op returning false, so terminal-state
// teardown is safe to attempt from more than one path.
func (p *Pager) DeleteSequence(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	seq, ok := p.seqs[id]
	if !ok {
		return false
	}
	for _, b := range seq.blocks {
		p.arena.Free(b)
	}
	delete(p.seqs, id)
	return true
}

// Retain terminates id's bookkeeping but keeps its blocks resident as
// eviction candidates (KV persistence across turns). Without a policy the
// blocks would be unreclaimable, so Retain degrades to DeleteSequence.
func (p *Pager) Retain(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	seq, ok := p.seqs[id]
	if !ok {
		return false
	}
	if p.policy == nil {
		for _, b := range seq.blocks {
			p.arena.Free(b)
		}
		delete(p.seqs, id)
		return true
	}
	for _, b := range seq.blocks {
		p.retained[b] = id
		p.policy.Add(b)
	}
	delete(p.seqs, id)
	return true
}

// AllocateFor grows id's page table to cover totalTokens. It computes
// needed = ceil(totalTokens/blockSize) - held and attempts to allocate
// exactly that many additional blocks. Shrinking is a caller bug.
// Returns false (with full rollback of this call's blocks) when the arena
// is exhausted and eviction cannot cover the shortfall; the sequence is
// left exactly as it was.
func (p *Pager) AllocateFor(id string, totalTokens int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	seq, ok := p.seqs[id]
	if !ok {
		return false
	}
	needed := blocksFor(totalTokens, p.blockSize) - len(seq.blocks)
	if needed < 0 {
		panic(fmt.Sprintf("kvcache: sequence %s shrank from %d to %d tokens", id, seq.cachedLength, totalTokens))
	}
	taken := make([]BlockID, 0, needed)
	for i := 0; i < needed; i++ {
		b, ok := p.arena.Allocate()
		if !ok && p.evictOne() {
			b, ok = p.arena.Allocate()
		}
		if !ok {
			for _, t := range taken {
				p.arena.Free(t)
			}
			return false
		}
		// A reclaimed block may still be registered with the policy.
		if p.policy != nil {
			p.policy.Remove(b)
		}
		delete(p.retained, b)
		taken = append(taken, b)
	}
	seq.blocks = append(seq.blocks, taken...)
	if totalTokens > seq.cachedLength {
		seq.cachedLength = totalTokens
	}
	return true
}

// evictOne reclaims a single retained block back to the arena.
// Caller holds p.mu.
func (p *Pager) evictOne() bool {
	if p.policy == nil {
		return false
	}
	for {
		v, ok := p.policy.Victim()
		if !ok {
			return false
		}
		if _, ok := p.retained[v]; !ok {
			// Stale policy entry; keep looking.
			continue
		}
		delete(p.retained, v)
		p.arena.Free(v)
		return true
	}
}

// Touch bumps the recency of id's retained blocks. Live sequences have no
// policy entries, so touching them is a no-op.
func (p *Pager) Touch(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.policy == nil {
		return
	}
	for b, owner := range p.retained {
		if owner == id {
			p.policy.Touch(b)
		}
	}
}

// Sequence returns a copy of id's page table, or false for an unknown id.
func (p *Pager) Sequence(id string) ([]BlockID, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	seq, ok := p.seqs[id]
	if !ok {
		return nil, false
	}
	out := make([]BlockID, len(seq.blocks))
	copy(out, seq.blocks)
	return out, true
}

// CachedLength returns how many tokens id has materialized.
func (p *Pager) CachedLength(id string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if seq, ok := p.seqs[id]; ok {
		return seq.cachedLength
	}
	return 0
}

// HeldBlocks returns how many blocks id currently owns.
func (p *Pager) HeldBlocks(id string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if seq, ok := p.seqs[id]; ok {
		return len(seq.blocks)
	}
	return 0
}

// RetainedBlocks reports how many terminated-sequence blocks are resident
// awaiting eviction.
func (p *Pager) RetainedBlocks() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.retained)
}

// BlockSize returns the tokens-per-block configuration.
func (p *Pager) BlockSize() int { return p.blockSize }

// blocksFor is the ceil division used everywhere block counts are derived
// from token counts.
func blocksFor(tokens, blockSize int) int {
	if tokens <= 0 {
		return 0
	}
	return (tokens + blockSize - 1) / blockSize
}
