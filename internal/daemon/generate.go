package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"

	"mlxrd/internal/engine"
	"mlxrd/internal/scheduler"
	"mlxrd/pkg/types"
)

// Generate runs one inference request to completion, writing either an
// NDJSON token stream or a single buffered JSON object to w depending on
// in.Stream. Errors returned before the first write map cleanly to HTTP
// status codes; once streaming has started the connection is best-effort.
func (d *Daemon) Generate(ctx context.Context, in types.InferRequest, w io.Writer, flusher func()) error {
	if in.Model != "" && in.Model != d.modelID {
		return ErrModelNotFound(in.Model)
	}
	if !d.engineReady {
		return engine.ErrUnavailable("inference runtime not available")
	}
	if strings.TrimSpace(in.Prompt) == "" {
		return fmt.Errorf("prompt is empty")
	}

	promptTokens, err := d.tok.Tokenize(in.Prompt)
	if err != nil {
		return fmt.Errorf("tokenize prompt: %w", err)
	}
	params, textStops := d.samplingParams(in)

	id := uuid.NewString()
	req := scheduler.NewRequest(id, in.Prompt, promptTokens, params, nil)
	if !d.sched.Submit(req) {
		return ErrTooBusy(d.modelID)
	}
	defer d.sched.Release(id)

	timeout := d.bufferedTimeout
	if in.Stream {
		timeout = d.streamTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	d.log.Debug().
		Str("request_id", id).
		Int("prompt_tokens", len(promptTokens)).
		Bool("stream", in.Stream).
		Msg("request submitted")

	g := &generation{
		d:       d,
		req:     req,
		in:      in,
		w:       w,
		flusher: flusher,
		stops:   textStops,
	}
	for {
		select {
		case ev, ok := <-req.Events():
			if !ok {
				return g.finish(req.FinishReason())
			}
			done, err := g.consume(ev)
			if err != nil {
				d.sched.Cancel(id)
				return err
			}
			if done {
				return g.finish(req.FinishReason())
			}
		case <-timer.C:
			d.sched.Cancel(id)
			return ErrTimeout(id)
		case <-ctx.Done():
			d.sched.Cancel(id)
			return ctx.Err()
		}
	}
}

// generation tracks the streaming state of one Generate call.
type generation struct {
	d       *Daemon
	req     *scheduler.Request
	in      types.InferRequest
	w       io.Writer
	flusher func()
	stops   []string

	content   strings.Builder
	generated int
	// overrideReason replaces the scheduler's reason when a text-level
	// stop sequence fired (cancellation from our side).
	overrideReason scheduler.FinishReason
}

// consume handles one token event. It returns done=true when the event is
// terminal, and an error for engine failures or write failures.
func (g *generation) consume(ev scheduler.TokenEvent) (bool, error) {
	if ev.Err != "" {
		return true, fmt.Errorf("generation failed: %s", ev.Err)
	}
	if ev.TokenID >= 0 {
		piece, err := g.d.tok.Detokenize([]int{ev.TokenID})
		if err != nil {
			return true, fmt.Errorf("detokenize: %w", err)
		}
		g.generated++
		if piece != "" {
			g.content.WriteString(piece)
			if reason, ok := g.checkTextStops(); ok {
				g.overrideReason = reason
				g.d.sched.Cancel(g.req.ID)
				return true, nil
			}
			if g.in.Stream {
				if err := g.writeChunk(types.TokenChunk{ID: g.req.ID, Token: piece}); err != nil {
					return true, err
				}
			}
		}
	}
	return ev.Finished, nil
}

// checkTextStops matches multi-token stop sequences against the
// accumulated text; on a hit the content is trimmed at the match.
func (g *generation) checkTextStops() (scheduler.FinishReason, bool) {
	if len(g.stops) == 0 {
		return scheduler.ReasonNone, false
	}
	text := g.content.String()
	for _, stop := range g.stops {
		if idx := strings.Index(text, stop); idx >= 0 {
			g.content.Reset()
			g.content.WriteString(text[:idx])
			return scheduler.ReasonStop, true
		}
	}
	return scheduler.ReasonNone, false
}

// finish writes the terminal line (streaming) or the whole response
// (buffered).
func (g *generation) finish(reason scheduler.FinishReason) error {
	if g.overrideReason != scheduler.ReasonNone {
		reason = g.overrideReason
	}
	usage := types.Usage{
		PromptTokens:     g.req.NumPromptTokens(),
		CompletionTokens: g.generated,
		TotalTokens:      g.req.NumPromptTokens() + g.generated,
	}
	if g.in.Stream {
		return g.writeChunk(types.TokenChunk{
			ID:           g.req.ID,
			Done:         true,
			FinishReason: string(reason),
			Content:      g.content.String(),
			Usage:        &usage,
		})
	}
	resp := types.InferResponse{
		ID:           g.req.ID,
		Model:        g.d.modelID,
		Content:      g.content.String(),
		FinishReason: string(reason),
		Usage:        usage,
	}
	return g.writeJSON(resp)
}

func (g *generation) writeChunk(chunk types.TokenChunk) error {
	return g.writeJSON(chunk)
}

func (g *generation) writeJSON(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := g.w.Write(append(b, '\n')); err != nil {
		return err
	}
	if g.flusher != nil {
		g.flusher()
	}
	return nil
}

// maxGenerateTokens caps max_tokens for one API request. The scheduler
// sizes per-request buffers from MaxTokens, so wire input must be bounded
// before it reaches admission.
const maxGenerateTokens = 4096

// samplingParams maps the API payload onto scheduler params, clamping
// max_tokens to the serving ceiling, filling defaults and splitting stop
// sequences into token-level stops (single piece) and text-level stops
// (multi piece).
func (d *Daemon) samplingParams(in types.InferRequest) (scheduler.SamplingParams, []string) {
	params := scheduler.DefaultSamplingParams()
	if in.MaxTokens > 0 {
		params.MaxTokens = in.MaxTokens
	}
	if params.MaxTokens > maxGenerateTokens {
		params.MaxTokens = maxGenerateTokens
	}
	if in.Temperature > 0 {
		params.Temperature = in.Temperature
	}
	if in.TopP > 0 {
		params.TopP = in.TopP
	}
	if in.TopK > 0 {
		params.TopK = in.TopK
	}
	if in.RepeatPenalty > 0 {
		params.RepetitionPenalty = in.RepeatPenalty
	}
	if in.Seed != 0 {
		params.Seed = in.Seed
	}
	params.StopTokenIDs = []int{d.tok.EOS()}
	var textStops []string
	for _, stop := range in.Stop {
		if stop == "" {
			continue
		}
		ids, err := d.tok.Tokenize(stop)
		if err == nil && len(ids) == 1 {
			params.StopTokenIDs = append(params.StopTokenIDs, ids[0])
			continue
		}
		textStops = append(textStops, stop)
	}
	return params, textStops
}
