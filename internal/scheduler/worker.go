package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"mlxrd/internal/telemetry"
)

// Engine is the inference capability the worker drives. Implementations
// live outside this package (llama.cpp adapter, test fakes); failures
// surface as errors the worker converts into FAILED transitions.
type Engine interface {
	// NewCache creates the per-request inference cache handle.
	NewCache(params SamplingParams) (EngineCache, error)
	// Prefill processes the whole prompt into cache and returns the first
	// sampled token.
	Prefill(ctx context.Context, promptTokens []int, cache EngineCache) (int, error)
	// Decode runs one generation step against the existing cache.
	Decode(ctx context.Context, cache EngineCache) (int, error)
}

// EngineCache is one request's opaque inference state.
type EngineCache interface {
	Close() error
}

const defaultIdleWait = 2 * time.Millisecond

// Worker is the single execution loop: it pulls batches from the
// scheduler, drives the engine, and reports tokens through each request's
// callback. Cache handles live in their own map under a dedicated lock so
// no scheduler lock is ever held across an engine call.
type Worker struct {
	sched  *Scheduler
	engine Engine
	log    zerolog.Logger
	met    *telemetry.Metrics

	cacheMu sync.Mutex
	caches  map[string]EngineCache

	idleWait time.Duration
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
	started  atomic.Bool
}

// NewWorker wires the worker to its scheduler and engine.
func NewWorker(s *Scheduler, engine Engine, log zerolog.Logger) *Worker {
	return &Worker{
		sched:    s,
		engine:   engine,
		log:      log,
		met:      s.met,
		caches:   make(map[string]EngineCache),
		idleWait: defaultIdleWait,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the loop goroutine. Starting twice is a no-op.
func (w *Worker) Start() {
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	go w.run()
}

// Stop asks the loop to exit after its current batch and waits for it.
// Never interrupts a request mid-step.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
	if w.started.Load() {
		<-w.done
	}
}

func (w *Worker) run() {
	defer close(w.done)
	w.log.Info().Msg("scheduler worker started")
	for {
		select {
		case <-w.stop:
			w.log.Info().Msg("scheduler worker stopped")
			return
		default:
		}

		batch := w.sched.NextBatch()
		if batch.Empty() {
			// Bounded idle wait, woken early on stop.
			select {
			case <-w.stop:
				w.log.Info().Msg("scheduler worker stopped")
				return
			case <-time.After(w.idleWait):
			}
			continue
		}

		start := time.Now()
		w.executeBatch(batch)
		w.met.BatchesExecuted.Inc()
		w.met.BatchDuration.Observe(time.Since(start).Seconds())
		w.sweepCaches()
	}
}

func (w *Worker) executeBatch(batch Batch) {
	for _, req := range batch.Prefill {
		w.executePrefill(req)
	}
	for _, req := range batch.Decode {
		w.executeDecode(req)
	}
}

// executePrefill runs the whole prompt through the engine, binds the
// resulting cache to the request, and emits the first token.
func (w *Worker) executePrefill(req *Request) {
	if req.State() != StatePrefilling {
		return // cancelled between selection and execution
	}

	cache, err := w.engine.NewCache(req.Params)
	if err != nil {
		w.failRequest(req, fmt.Sprintf("cache init: %v", err))
		return
	}
	w.putCache(req.ID, cache)

	tok, err := w.engine.Prefill(context.Background(), req.PromptTokenIDs, cache)
	if err != nil {
		w.failRequest(req, fmt.Sprintf("prefill: %v", err))
		return
	}

	req.markDecoding()
	recorded, finished, reason := req.appendToken(tok)
	if recorded {
		w.met.TokensGenerated.Inc()
	}
	// A token rejected by a terminal request lost a cancellation race; the
	// cancel path already did the terminal accounting.
	if recorded && finished {
		w.finishRequest(req, reason)
	}
}

// executeDecode runs one generation step for a request already holding a
// cache, growing its page table first when the step crosses a block
// boundary. Exhaustion skips the step; the request stays DECODING and is
// retried next tick.
func (w *Worker) executeDecode(req *Request) {
	if req.State() != StateDecoding {
		return // cancelled or failed since selection
	}
	if !w.sched.AllocateKVBlocks(req) {
		w.log.Debug().Str("request_id", req.ID).Msg("kv growth deferred, pool exhausted")
		return
	}
	cache, ok := w.getCache(req.ID)
	if !ok {
		w.failRequest(req, "no inference cache for request")
		return
	}

	tok, err := w.engine.Decode(context.Background(), cache)
	if err != nil {
		w.failRequest(req, fmt.Sprintf("decode: %v", err))
		return
	}

	recorded, finished, reason := req.appendToken(tok)
	if recorded {
		w.met.TokensGenerated.Inc()
	}
	if recorded && finished {
		w.finishRequest(req, reason)
	}
}

// finishRequest tears down a naturally finished request. appendToken has
// already moved it to FINISHED and emitted the terminal token; requests
// cancelled mid-step never reach here.
func (w *Worker) finishRequest(req *Request, reason FinishReason) {
	w.sched.FreeKVBlocks(req)
	w.dropCache(req.ID)
	w.sched.noteFinished(req, req.NumGenerated())
	w.sched.pub.Publish(Event{Name: EventFinished, RequestID: req.ID, Fields: map[string]any{
		"finish_reason": string(reason),
		"tokens":        req.NumGenerated(),
	}})
}

// failRequest converts an engine error into a FAILED transition. One
// request's failure never takes down the loop or leaks its blocks.
func (w *Worker) failRequest(req *Request, msg string) {
	w.log.Error().Str("request_id", req.ID).Str("error", msg).Msg("request failed")
	if req.terminate(StateFailed, ReasonError, msg) {
		w.sched.FreeKVBlocks(req)
		w.sched.noteFinished(req, req.NumGenerated())
		w.sched.pub.Publish(Event{Name: EventFailed, RequestID: req.ID, Fields: map[string]any{"error": msg}})
	}
	w.dropCache(req.ID)
}

// sweepCaches closes handles left behind by requests that reached a
// terminal state outside the worker (cancellation).
func (w *Worker) sweepCaches() {
	w.cacheMu.Lock()
	var stale []string
	for id := range w.caches {
		req := w.sched.Get(id)
		if req == nil || req.State().Terminal() {
			stale = append(stale, id)
		}
	}
	w.cacheMu.Unlock()
	for _, id := range stale {
		w.dropCache(id)
	}
}

func (w *Worker) putCache(id string, c EngineCache) {
	w.cacheMu.Lock()
	w.caches[id] = c
	w.cacheMu.Unlock()
}

func (w *Worker) getCache(id string) (EngineCache, bool) {
	w.cacheMu.Lock()
	defer w.cacheMu.Unlock()
	c, ok := w.caches[id]
	return c, ok
}

func (w *Worker) dropCache(id string) {
	w.cacheMu.Lock()
	c, ok := w.caches[id]
	delete(w.caches, id)
	w.cacheMu.Unlock()
	if ok {
		if err := c.Close(); err != nil {
			w.log.Warn().Str("request_id", id).Err(err).Msg("cache close failed")
		}
	}
}
