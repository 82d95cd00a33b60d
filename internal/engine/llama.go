//go:build llama

package engine

import (
	"context"
	"errors"
	"strings"
	"sync"

	llama "github.com/go-skynet/go-llama.cpp"
	"github.com/rs/zerolog"

	"mlxrd/internal/scheduler"
)

// Built reports that this binary carries real llama support.
func Built() bool { return true }

// Engine adapts go-llama.cpp to the scheduler's prefill/decode contract.
// The binding streams whole generations through a model-global token
// callback, so each cache handle owns a streaming Predict goroutine and a
// channel the prefill/decode steps pull from; generations are serialized
// on genMu because the underlying model context is single-stream.
type Engine struct {
	model   *llama.LLama
	vocab   *Vocab
	threads int
	log     zerolog.Logger
	genMu   sync.Mutex
}

// New loads the model at modelPath.
func New(modelPath string, ctxSize, threads int, log zerolog.Logger) (*Engine, error) {
	if strings.TrimSpace(modelPath) == "" {
		return nil, errors.New("model path is empty")
	}
	m, err := llama.New(modelPath, llama.SetContext(ctxSize))
	if err != nil {
		return nil, ErrUnavailable("llama model load failed: " + err.Error())
	}
	return &Engine{model: m, vocab: NewVocab(), threads: threads, log: log}, nil
}

// Close frees the model.
func (e *Engine) Close() error {
	if e.model != nil {
		e.model.Free()
		e.model = nil
	}
	return nil
}

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

// llamaCache is the per-request inference state: the live token stream of
// one Predict call.
type llamaCache struct {
	engine *Engine
	params scheduler.SamplingParams

	ctx    context.Context
	cancel context.CancelFunc
	tokens chan string
	errCh  chan error
	once   sync.Once
}

// NewCache prepares a handle; the stream starts on Prefill.
func (e *Engine) NewCache(params scheduler.SamplingParams) (scheduler.EngineCache, error) {
	ctx, cancel := context.WithCancel(context.Background())
	return &llamaCache{
		engine: e,
		params: params,
		ctx:    ctx,
		cancel: cancel,
		tokens: make(chan string, 64),
		errCh:  make(chan error, 1),
	}, nil
}

// Prefill feeds the whole prompt and returns the first sampled token.
func (e *Engine) Prefill(ctx context.Context, promptTokens []int, cache scheduler.EngineCache) (int, error) {
	c, ok := cache.(*llamaCache)
	if !ok {
		return 0, errors.New("foreign cache handle")
	}
	prompt := e.vocab.Decode(promptTokens)
	c.start(prompt)
	return c.next(ctx)
}

// Decode pulls the next token from the running stream.
func (e *Engine) Decode(ctx context.Context, cache scheduler.EngineCache) (int, error) {
	c, ok := cache.(*llamaCache)
	if !ok {
		return 0, errors.New("foreign cache handle")
	}
	return c.next(ctx)
}

// start launches the Predict goroutine once.
func (c *llamaCache) start(prompt string) {
	c.once.Do(func() {
		go func() {
			defer close(c.tokens)
			c.engine.genMu.Lock()
			defer c.engine.genMu.Unlock()
			c.engine.model.SetTokenCallback(func(tok string) bool {
				select {
				case c.tokens <- tok:
					return true
				case <-c.ctx.Done():
					return false
				}
			})
			po := predictOptions(c.params, c.engine.threads)
			if _, err := c.engine.model.Predict(prompt, po...); err != nil && c.ctx.Err() == nil {
				c.errCh <- err
			}
		}()
	})
}

// next maps the next streamed piece to a token id; a closed stream yields
// the EOS id so the scheduler's stop-token check fires.
func (c *llamaCache) next(ctx context.Context) (int, error) {
	select {
	case piece, ok := <-c.tokens:
		if !ok {
			select {
			case err := <-c.errCh:
				return 0, err
			default:
			}
			return c.engine.EOS(), nil
		}
		return c.engine.vocab.ID(piece), nil
	case err := <-c.errCh:
		return 0, err
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-c.ctx.Done():
		return 0, c.ctx.Err()
	}
}

// Close cancels the stream and releases the goroutine.
func (c *llamaCache) Close() error {
	c.cancel()
	return nil
}

// predictOptions converts sampling params into go-llama.cpp options.
func predictOptions(params scheduler.SamplingParams, threads int) []llama.PredictOption {
	po := []llama.PredictOption{
		llama.SetTokens(maxInt(1, params.MaxTokens)),
		llama.SetThreads(maxInt(1, threads)),
		llama.SetTopP(nzf(params.TopP, llama.DefaultOptions.TopP)),
		llama.SetTopK(nzn(params.TopK, llama.DefaultOptions.TopK)),
		llama.SetTemperature(nzf(params.Temperature, llama.DefaultOptions.Temperature)),
		llama.SetPenalty(nzf(params.RepetitionPenalty, llama.DefaultOptions.Penalty)),
	}
	if params.Seed != 0 {
		po = append(po, llama.SetSeed(params.Seed))
	}
	return po
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func nzn(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

func nzf(v, def float32) float32 {
	if v > 0 {
		return v
	}
	return def
}
