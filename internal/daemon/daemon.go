// Package daemon orchestrates the serving side of mlxrd: it owns the
// scheduler, translates HTTP-level inference requests into scheduled
// requests, and streams token events back to callers.
package daemon

import (
	"time"

	"github.com/rs/zerolog"

	"mlxrd/internal/scheduler"
	"mlxrd/internal/telemetry"
	"mlxrd/pkg/types"
)

const (
	// defaultBufferedTimeout bounds a non-streaming generation.
	defaultBufferedTimeout = 60 * time.Second
	// defaultStreamTimeout bounds a streaming generation end to end.
	defaultStreamTimeout = 120 * time.Second
)

// Tokenizer is the text side of the engine the daemon needs: mapping
// prompts to token ids and generated ids back to text.
type Tokenizer interface {
	Tokenize(text string) ([]int, error)
	Detokenize(ids []int) (string, error)
	EOS() int
}

// Options configures a Daemon. Zero values get safe defaults.
type Options struct {
	Logger  zerolog.Logger
	Metrics *telemetry.Metrics

	// ModelID is the id of the model the engine has loaded.
	ModelID string
	// Models is the registry listing served by GET /models.
	Models []types.Model
	// EngineReady reports whether the inference runtime is usable (false
	// when running the tokenize-only stub build).
	EngineReady bool

	BufferedTimeout time.Duration
	StreamTimeout   time.Duration
}

// Daemon ties the scheduler and the engine's tokenizer together behind
// the operations the HTTP layer exposes.
type Daemon struct {
	sched *scheduler.Scheduler
	tok   Tokenizer
	log   zerolog.Logger
	met   *telemetry.Metrics

	modelID     string
	models      []types.Model
	engineReady bool

	bufferedTimeout time.Duration
	streamTimeout   time.Duration
	start           time.Time
}

// New wires a Daemon. The worker driving the scheduler is started and
// stopped by the caller; the daemon only submits and observes.
func New(sched *scheduler.Scheduler, tok Tokenizer, opts Options) *Daemon {
	if opts.Metrics == nil {
		opts.Metrics = telemetry.New("mlxrd")
	}
	if opts.BufferedTimeout <= 0 {
		opts.BufferedTimeout = defaultBufferedTimeout
	}
	if opts.StreamTimeout <= 0 {
		opts.StreamTimeout = defaultStreamTimeout
	}
	return &Daemon{
		sched:           sched,
		tok:             tok,
		log:             opts.Logger,
		met:             opts.Metrics,
		modelID:         opts.ModelID,
		models:          opts.Models,
		engineReady:     opts.EngineReady,
		bufferedTimeout: opts.BufferedTimeout,
		streamTimeout:   opts.StreamTimeout,
		start:           time.Now(),
	}
}

// Cancel cancels a running or queued request. The bool reports whether
// this call performed the cancellation; an unknown id is an error.
func (d *Daemon) Cancel(id string) (bool, error) {
	req := d.sched.Get(id)
	if req == nil {
		return false, ErrRequestNotFound(id)
	}
	ok := d.sched.Cancel(id)
	if ok {
		d.log.Info().Str("request_id", id).Msg("request cancelled")
	}
	return ok, nil
}

// Ready reports whether the daemon can serve inference right now.
func (d *Daemon) Ready() bool {
	return d.engineReady && d.sched.Accepting()
}

// Models returns the registry listing.
func (d *Daemon) Models() []types.Model {
	out := make([]types.Model, len(d.models))
	copy(out, d.models)
	return out
}

// Status builds the response for GET /status.
func (d *Daemon) Status() types.StatusResponse {
	st := d.sched.Stats()
	now := time.Now()
	return types.StatusResponse{
		Model:             d.modelID,
		EngineReady:       d.engineReady,
		Accepting:         d.sched.Accepting(),
		Waiting:           st.Waiting,
		Prefilling:        st.Prefilling,
		Decoding:          st.Decoding,
		KVBlocksUsed:      st.UsedKVBlocks,
		KVBlocksFree:      st.FreeKVBlocks,
		KVBlocksRetained:  st.RetainedKVBlocks,
		KVBlocksTotal:     st.TotalKVBlocks,
		KVUtilization:     st.KVUtilization,
		RequestsCompleted: st.RequestsCompleted,
		TokensGenerated:   st.TokensGenerated,
		UptimeSeconds:     int64(now.Sub(d.start).Seconds()),
		ServerTimeUnix:    now.Unix(),
	}
}

// Shutdown stops admission; in-flight requests drain through the worker.
func (d *Daemon) Shutdown() {
	d.sched.Shutdown()
}
