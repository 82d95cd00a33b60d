//go:build !llama

package engine

// This file provides a no-CGO stub for the llama engine. It is compiled
// when the 'llama' build tag is NOT set, keeping default builds and CI
// CGO-free. The real engine lives in llama.go (tagged 'llama').

import (
	"context"

	"github.com/rs/zerolog"

	"mlxrd/internal/scheduler"
)

// Built reports that this binary was compiled without llama support.
func Built() bool { return false }

// Engine is a stub that satisfies the scheduler's engine contract but
// refuses to run inference without the 'llama' build tag. Tokenization is
// pure and works either way, so the HTTP layer behaves identically up to
// the point where a forward pass would be needed.
type Engine struct {
	vocab *Vocab
	log   zerolog.Logger
}

// New returns the stub engine. modelPath, ctxSize and threads are
// accepted for signature parity with the real adapter.
func New(modelPath string, ctxSize, threads int, log zerolog.Logger) (*Engine, error) {
	_ = modelPath
	_ = ctxSize
	_ = threads
	return &Engine{vocab: NewVocab(), log: log}, nil
}

// Close releases nothing in the stub.
func (e *Engine) Close() error { return nil }

// Tokenize maps text to adapter-local token ids.
func (e *Engine) Tokenize(text string) ([]int, error) {
	return e.vocab.Encode(text), nil
}

// Detokenize reverses Tokenize.
func (e *Engine) Detokenize(ids []int) (string, error) {
	return e.vocab.Decode(ids), nil
}

// EOS returns the end-of-stream token id.
func (e *Engine) EOS() int { return e.vocab.ID(EOSPiece) }

// NewCache fails fast: llama runtime not available in this build.
func (e *Engine) NewCache(scheduler.SamplingParams) (scheduler.EngineCache, error) {
	return nil, ErrUnavailable("llama support not built (missing 'llama' build tag)")
}

// Prefill should never be reached because NewCache returns an error, but
// answers clearly anyway.
func (e *Engine) Prefill(ctx context.Context, _ []int, _ scheduler.EngineCache) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return 0, ErrUnavailable("llama support not built (missing 'llama' build tag)")
}

// Decode mirrors Prefill.
func (e *Engine) Decode(ctx context.Context, _ scheduler.EngineCache) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return 0, ErrUnavailable("llama support not built (missing 'llama' build tag)")
}
