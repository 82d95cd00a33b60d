package scheduler

import (
	"sync"
	"time"

	"mlxrd/internal/kvcache"
)

// State is the lifecycle state of a request. Transitions are monotonic:
// WAITING -> PREFILLING -> DECODING -> {FINISHED, FAILED}, with CANCELLED
// reachable from any non-terminal state.
type State string

const (
	StateWaiting    State = "waiting"
	StatePrefilling State = "prefilling"
	StateDecoding   State = "decoding"
	StateFinished   State = "finished"
	StateFailed     State = "failed"
	StateCancelled  State = "cancelled"
)

// Terminal reports whether s is an end state.
func (s State) Terminal() bool {
	return s == StateFinished || s == StateFailed || s == StateCancelled
}

// FinishReason explains why generation ended.
type FinishReason string

const (
	ReasonNone      FinishReason = ""
	ReasonStop      FinishReason = "stop"
	ReasonLength    FinishReason = "length"
	ReasonCancelled FinishReason = "cancelled"
	ReasonError     FinishReason = "error"
)

// SamplingParams carries generation parameters. The scheduler treats them
// as opaque apart from MaxTokens and StopTokenIDs; validation of the
// sampling fields belongs to the engine.
type SamplingParams struct {
	Temperature       float32
	TopP              float32
	TopK              int
	RepetitionPenalty float32
	MaxTokens         int
	StopTokenIDs      []int
	Seed              int
}

// DefaultSamplingParams mirrors the daemon's serving defaults.
func DefaultSamplingParams() SamplingParams {
	return SamplingParams{
		Temperature:       0.7,
		TopP:              0.9,
		TopK:              40,
		RepetitionPenalty: 1.1,
		MaxTokens:         512,
	}
}

// TokenCallback is invoked from the worker goroutine once per generated
// token with finished=false, then exactly once more with finished=true
// (token -1 when the terminal event carries no token, e.g. cancellation).
// Implementations must not block indefinitely.
type TokenCallback func(tokenID int, finished bool)

// TokenEvent is one entry in a request's completion stream.
type TokenEvent struct {
	TokenID      int // -1 when the event carries no token
	Finished     bool
	FinishReason FinishReason
	Err          string
}

// Request is one generation job, shared between the submitter (awaiting
// completion), the scheduler (queues/registry) and the worker (execution).
// Completion is delivered through a request-owned buffered channel rather
// than synchronization primitives captured in the submitter's frame, so a
// submitter that times out and walks away leaves nothing dangling.
type Request struct {
	ID             string
	Prompt         string
	PromptTokenIDs []int
	Params         SamplingParams
	ArrivalTime    time.Time

	mu           sync.Mutex
	state        State
	finishReason FinishReason
	errMsg       string
	generated    []int
	blockIDs     []kvcache.BlockID
	callback     TokenCallback
	events       chan TokenEvent
	done         chan struct{}
	finishTime   time.Time
}

// MaxRequestTokens is the hard ceiling on MaxTokens for a single request.
// The completion channel is sized from MaxTokens, so an unbounded value
// coming off the wire would be an arbitrary allocation.
const MaxRequestTokens = 1 << 16

// NewRequest builds a WAITING request. cb may be nil; the completion
// stream works either way. MaxTokens is defaulted when unset and clamped
// to MaxRequestTokens.
func NewRequest(id, prompt string, promptTokens []int, params SamplingParams, cb TokenCallback) *Request {
	if params.MaxTokens <= 0 {
		params.MaxTokens = DefaultSamplingParams().MaxTokens
	}
	if params.MaxTokens > MaxRequestTokens {
		params.MaxTokens = MaxRequestTokens
	}
	toks := make([]int, len(promptTokens))
	copy(toks, promptTokens)
	return &Request{
		ID:             id,
		Prompt:         prompt,
		PromptTokenIDs: toks,
		Params:         params,
		ArrivalTime:    time.Now(),
		state:          StateWaiting,
		// Sized so the worker can never block on emission: at most
		// MaxTokens token events plus one terminal event.
		events: make(chan TokenEvent, params.MaxTokens+2),
		done:   make(chan struct{}),
	}
}

// SetCallback installs the per-token callback. Must be set before submit.
func (r *Request) SetCallback(cb TokenCallback) {
	r.mu.Lock()
	r.callback = cb
	r.mu.Unlock()
}

// State returns the current lifecycle state.
func (r *Request) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Finished reports whether the request reached a terminal state.
func (r *Request) Finished() bool { return r.State().Terminal() }

// FinishReason is valid once the request is terminal.
func (r *Request) FinishReason() FinishReason {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.finishReason
}

// Err returns the failure message, empty unless state is FAILED.
func (r *Request) Err() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.errMsg
}

// NumPromptTokens returns the prompt length in tokens.
func (r *Request) NumPromptTokens() int { return len(r.PromptTokenIDs) }

// NumGenerated returns how many tokens have been produced so far.
func (r *Request) NumGenerated() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.generated)
}

// Generated returns a copy of the generated token ids.
func (r *Request) Generated() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]int, len(r.generated))
	copy(out, r.generated)
	return out
}

// BlockIDs returns a copy of the KV blocks currently assigned.
func (r *Request) BlockIDs() []kvcache.BlockID {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]kvcache.BlockID, len(r.blockIDs))
	copy(out, r.blockIDs)
	return out
}

// Events is the completion stream: zero or more token events, then one
// terminal event, then the channel is closed.
func (r *Request) Events() <-chan TokenEvent { return r.events }

// Done is closed when the request reaches a terminal state.
func (r *Request) Done() <-chan struct{} { return r.done }

// setBlocks records the page-table view after an allocation.
func (r *Request) setBlocks(ids []kvcache.BlockID) {
	r.mu.Lock()
	r.blockIDs = ids
	r.mu.Unlock()
}

// markPrefilling moves WAITING -> PREFILLING. Returns false if the request
// is no longer WAITING (cancelled while queued).
func (r *Request) markPrefilling() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateWaiting {
		return false
	}
	r.state = StatePrefilling
	return true
}

// markDecoding moves PREFILLING -> DECODING.
func (r *Request) markDecoding() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StatePrefilling {
		return false
	}
	r.state = StateDecoding
	return true
}

// shouldStop evaluates stop conditions against the token just produced.
// Caller holds r.mu.
func (r *Request) shouldStop(tok int) FinishReason {
	for _, s := range r.Params.StopTokenIDs {
		if tok == s {
			return ReasonStop
		}
	}
	if len(r.generated) >= r.Params.MaxTokens {
		return ReasonLength
	}
	return ReasonNone
}

// appendToken records one generated token, emits the token event and the
// callback, and finishes the request in the same critical section when a
// stop condition is hit. On an already-terminal request (cancellation
// race) the token is dropped: recorded=false, finished=true, and the
// caller must not repeat the terminal accounting done by whoever won.
func (r *Request) appendToken(tok int) (recorded, finished bool, reason FinishReason) {
	r.mu.Lock()
	if r.state.Terminal() {
		reason = r.finishReason
		r.mu.Unlock()
		return false, true, reason
	}
	r.generated = append(r.generated, tok)
	reason = r.shouldStop(tok)
	finished = reason != ReasonNone
	cb := r.callback
	if finished {
		r.state = StateFinished
		r.finishReason = reason
		r.finishTime = time.Now()
		r.events <- TokenEvent{TokenID: tok, Finished: true, FinishReason: reason}
		close(r.events)
		close(r.done)
	} else {
		r.events <- TokenEvent{TokenID: tok}
	}
	r.mu.Unlock()

	if cb != nil {
		cb(tok, finished)
	}
	return true, finished, reason
}

// terminate forces a terminal state from outside the token path
// (cancellation, engine failure, shutdown). Exactly one terminal event is
// ever emitted; calling terminate on a terminal request is a no-op
// returning false.
func (r *Request) terminate(state State, reason FinishReason, errMsg string) bool {
	r.mu.Lock()
	if r.state.Terminal() {
		r.mu.Unlock()
		return false
	}
	r.state = state
	r.finishReason = reason
	r.errMsg = errMsg
	r.finishTime = time.Now()
	cb := r.callback
	r.events <- TokenEvent{TokenID: -1, Finished: true, FinishReason: reason, Err: errMsg}
	close(r.events)
	close(r.done)
	r.mu.Unlock()

	if cb != nil {
		cb(-1, true)
	}
	return true
}
