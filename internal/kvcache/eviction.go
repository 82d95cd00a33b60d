package kvcache

import "container/list"

// Policy chooses which retained block to reclaim when the arena runs dry.
// Implementations are consulted only by the Pager, under the Pager's lock,
// and only for blocks whose owning sequence has terminated and been
// retained. Blocks of live sequences are never offered to a policy.
type Policy interface {
	// Add registers a block as evictable.
	Add(id BlockID)
	// Touch refreshes the block's recency.
	Touch(id BlockID)
	// Remove unregisters a block (evicted externally or reclaimed).
	Remove(id BlockID)
	// Victim returns the next block to reclaim, or false when none remain.
	Victim() (BlockID, bool)
}

// LRU is the reference eviction policy: least-recently-used at block
// granularity. Recency is bumped by the Pager whenever the owning
// sequence performs a decode step.
type LRU struct {
	order *list.List // front = most recent, back = victim
	elems map[BlockID]*list.Element
}

// NewLRU returns an empty LRU policy.
func NewLRU() *LRU {
	return &LRU{
		order: list.New(),
		elems: make(map[BlockID]*list.Element),
	}
}

func (l *LRU) Add(id BlockID) {
	if _, ok := l.elems[id]; ok {
		return
	}
	l.elems[id] = l.order.PushFront(id)
}

func (l *LRU) Touch(id BlockID) {
	if e, ok := l.elems[id]; ok {
		l.order.MoveToFront(e)
	}
}

func (l *LRU) Remove(id BlockID) {
	if e, ok := l.elems[id]; ok {
		l.order.Remove(e)
		delete(l.elems, id)
	}
}

func (l *LRU) Victim() (BlockID, bool) {
	back := l.order.Back()
	if back == nil {
		return 0, false
	}
	id := back.Value.(BlockID)
	l.order.Remove(back)
	delete(l.elems, id)
	return id, true
}

// Len reports how many blocks are currently evictable.
func (l *LRU) Len() int { return l.order.Len() }
