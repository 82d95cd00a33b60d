package scheduler

import (
	"sync"

	"github.com/rs/zerolog"

	"mlxrd/internal/kvcache"
	"mlxrd/internal/telemetry"
)

// Stats is a consistent point-in-time snapshot of scheduler state, taken
// under the same lock that guards mutation.
type Stats struct {
	Waiting    int
	Prefilling int
	Decoding   int

	UsedKVBlocks     int
	FreeKVBlocks     int
	RetainedKVBlocks int
	TotalKVBlocks    int
	KVUtilization    float64

	RequestsCompleted uint64
	TokensGenerated   uint64
}

// Options carries the scheduler's collaborators. Zero values get safe
// defaults (disabled logger, fresh metrics instance, no-op publisher).
type Options struct {
	Logger  zerolog.Logger
	Metrics *telemetry.Metrics
	Events  EventPublisher
}

// Scheduler is the admission and continuous-batching core. Client-facing
// goroutines call Submit/Cancel/Stats concurrently; a single worker drains
// batches via NextBatch. One mutex guards all scheduler-owned state; the
// arena and pager carry their own locks so block accounting never pins the
// scheduler lock across slow paths.
type Scheduler struct {
	cfg   Config
	log   zerolog.Logger
	met   *telemetry.Metrics
	pub   EventPublisher
	arena *kvcache.Arena
	pager *kvcache.Pager

	mu        sync.Mutex
	accepting bool
	all       map[string]*Request
	waiting   []*Request // FCFS
	active    []*Request // prefilling + decoding, in admission order

	completed uint64
	tokens    uint64
}

// New validates cfg, applies defaults and builds the scheduler with a
// fresh arena and pager (LRU eviction over retained blocks).
func New(cfg Config, opts Options) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	if opts.Metrics == nil {
		opts.Metrics = telemetry.New("mlxrd")
	}
	if opts.Events == nil {
		opts.Events = noopPublisher{}
	}
	arena := kvcache.NewArena(cfg.TotalKVBlocks)
	s := &Scheduler{
		cfg:       cfg,
		log:       opts.Logger,
		met:       opts.Metrics,
		pub:       opts.Events,
		arena:     arena,
		pager:     kvcache.NewPager(arena, cfg.KVBlockSize, kvcache.NewLRU()),
		accepting: true,
		all:       make(map[string]*Request),
	}
	s.met.KVBlocksFree.Set(float64(cfg.TotalKVBlocks))
	return s, nil
}

// Config returns the immutable scheduling policy.
func (s *Scheduler) Config() Config { return s.cfg }

// Submit enqueues req in WAITING. It rejects (false) only on a full
// waiting queue, a duplicate id, or after Shutdown. It never blocks and
// never allocates cache.
func (s *Scheduler) Submit(req *Request) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.accepting {
		return false
	}
	if _, dup := s.all[req.ID]; dup {
		s.log.Warn().Str("request_id", req.ID).Msg("duplicate request id rejected")
		s.met.RequestsRejected.Inc()
		return false
	}
	if len(s.waiting) >= s.cfg.MaxQueueDepth {
		s.met.RequestsRejected.Inc()
		s.pub.Publish(Event{Name: EventRejected, RequestID: req.ID})
		return false
	}
	s.all[req.ID] = req
	s.waiting = append(s.waiting, req)
	s.met.RequestsSubmitted.Inc()
	s.met.QueueWaiting.Set(float64(len(s.waiting)))
	s.pub.Publish(Event{Name: EventSubmitted, RequestID: req.ID})
	return true
}

// Cancel terminates a pre-terminal request, releasing its blocks and
// removing it from all queues. First call for a live id returns true;
// repeat calls and unknown ids return false.
func (s *Scheduler) Cancel(id string) bool {
	s.mu.Lock()
	req, ok := s.all[id]
	if !ok || req.State().Terminal() {
		s.mu.Unlock()
		return false
	}
	s.waiting = removeReq(s.waiting, id)
	s.active = removeReq(s.active, id)
	s.met.QueueWaiting.Set(float64(len(s.waiting)))
	s.mu.Unlock()

	// Terminal event and block release happen outside the scheduler lock;
	// the request's own lock serializes the race with the worker.
	if req.terminate(StateCancelled, ReasonCancelled, "") {
		s.releaseBlocks(req)
		s.met.RequestsFinished.WithLabelValues(string(ReasonCancelled)).Inc()
		s.pub.Publish(Event{Name: EventCancelled, RequestID: id})
		return true
	}
	return false
}

// Get returns the request handle for id, or nil.
func (s *Scheduler) Get(id string) *Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.all[id]
}

// Release drops a terminal request from the registry. The submitter calls
// this once it has consumed the completion stream; releasing a live or
// unknown id is a no-op returning false.
func (s *Scheduler) Release(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.all[id]
	if !ok || !req.State().Terminal() {
		return false
	}
	delete(s.all, id)
	return true
}

// NextBatch is the continuous-batching decision. Decode continuations are
// selected first so in-flight generations are never starved by new
// admissions; the remaining budget is filled from the waiting queue in
// FCFS order, skipping requests whose prompt alone cannot fit so smaller
// later arrivals still pack into this tick. Block allocation happens here,
// before a request enters the batch; allocation failure leaves it WAITING
// for a later tick rather than failing it.
func (s *Scheduler) NextBatch() Batch {
	s.mu.Lock()
	defer s.mu.Unlock()

	var batch Batch
	tokens := 0

	// Sweep terminal requests out of the active set, then re-select every
	// live decode continuation subject to budget.
	live := s.active[:0]
	for _, req := range s.active {
		if req.State().Terminal() {
			continue
		}
		live = append(live, req)
	}
	s.active = live
	for _, req := range s.active {
		if req.State() != StateDecoding {
			continue
		}
		if tokens+1 > s.cfg.MaxBatchTokens || batch.Size() >= s.cfg.MaxBatchSize {
			break
		}
		batch.Decode = append(batch.Decode, req)
		tokens++
		s.pager.Touch(req.ID)
	}

	// Fill what remains from the waiting queue, FCFS with skip.
	remaining := s.waiting[:0]
	for _, req := range s.waiting {
		if req.State().Terminal() {
			continue // cancelled while queued
		}
		need := req.NumPromptTokens()
		if batch.Size() >= s.cfg.MaxBatchSize || tokens+need > s.cfg.MaxBatchTokens {
			remaining = append(remaining, req)
			continue
		}
		s.pager.CreateSequence(req.ID)
		if !s.pager.AllocateFor(req.ID, need) {
			// Momentary exhaustion: stay WAITING, retry next tick.
			s.log.Debug().Str("request_id", req.ID).Int("prompt_tokens", need).
				Msg("kv allocation failed, request left waiting")
			remaining = append(remaining, req)
			continue
		}
		if !req.markPrefilling() {
			// Lost a cancellation race after allocation.
			s.pager.DeleteSequence(req.ID)
			continue
		}
		if table, ok := s.pager.Sequence(req.ID); ok {
			req.setBlocks(table)
		}
		batch.Prefill = append(batch.Prefill, req)
		tokens += need
		s.active = append(s.active, req)
		s.pub.Publish(Event{Name: EventPrefill, RequestID: req.ID})
	}
	// Zero trailing slots so dropped requests do not pin memory.
	for i := len(remaining); i < len(s.waiting); i++ {
		s.waiting[i] = nil
	}
	s.waiting = remaining

	s.updateGaugesLocked()
	return batch
}

// AllocateKVBlocks grows req's page table to cover every materialized
// token (prompt plus generated). The worker calls this before each decode
// step; failure means exhaustion and the step is simply retried later.
func (s *Scheduler) AllocateKVBlocks(req *Request) bool {
	total := req.NumPromptTokens() + req.NumGenerated()
	if !s.pager.AllocateFor(req.ID, total) {
		return false
	}
	if table, ok := s.pager.Sequence(req.ID); ok {
		req.setBlocks(table)
	}
	return true
}

// FreeKVBlocks releases req's blocks: retained for reuse when RetainKV is
// set and the request finished cleanly, returned to the arena otherwise.
// Safe to call more than once; only the first call does anything.
func (s *Scheduler) FreeKVBlocks(req *Request) {
	s.releaseBlocks(req)
}

func (s *Scheduler) releaseBlocks(req *Request) {
	if s.cfg.RetainKV && req.State() == StateFinished {
		s.pager.Retain(req.ID)
		return
	}
	s.pager.DeleteSequence(req.ID)
}

// noteFinished folds a terminal transition into the counters. Called by
// the worker after it has torn the request down.
func (s *Scheduler) noteFinished(req *Request, generated int) {
	s.mu.Lock()
	s.completed++
	s.tokens += uint64(generated)
	s.mu.Unlock()
	s.met.RequestsFinished.WithLabelValues(string(req.FinishReason())).Inc()
}

// Stats returns a snapshot taken under the scheduler lock.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{
		Waiting:           len(s.waiting),
		RequestsCompleted: s.completed,
		TokensGenerated:   s.tokens,
	}
	for _, req := range s.active {
		switch req.State() {
		case StatePrefilling:
			st.Prefilling++
		case StateDecoding:
			st.Decoding++
		}
	}
	as := s.arena.Stats()
	st.UsedKVBlocks = as.Allocated
	st.FreeKVBlocks = as.Free
	st.TotalKVBlocks = as.Total
	st.RetainedKVBlocks = s.pager.RetainedBlocks()
	if as.Total > 0 {
		st.KVUtilization = float64(as.Allocated) / float64(as.Total)
	}
	return st
}

// Shutdown stops admissions. In-flight requests drain; callers that want
// them gone cancel explicitly.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	s.accepting = false
	s.mu.Unlock()
	s.log.Info().Msg("scheduler shut down, draining in-flight requests")
}

// Accepting reports whether Submit can still succeed.
func (s *Scheduler) Accepting() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepting
}

// updateGaugesLocked refreshes the prometheus gauges. Caller holds s.mu.
func (s *Scheduler) updateGaugesLocked() {
	decoding := 0
	for _, req := range s.active {
		if req.State() == StateDecoding {
			decoding++
		}
	}
	s.met.QueueWaiting.Set(float64(len(s.waiting)))
	s.met.QueueDecoding.Set(float64(decoding))
	as := s.arena.Stats()
	s.met.KVBlocksUsed.Set(float64(as.Allocated))
	s.met.KVBlocksFree.Set(float64(as.Free))
}

func removeReq(queue []*Request, id string) []*Request {
	out := queue[:0]
	for _, r := range queue {
		if r.ID != id {
			out = append(out, r)
		}
	}
	for i := len(out); i < len(queue); i++ {
		queue[i] = nil
	}
	return out
}
