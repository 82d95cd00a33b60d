package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"mlxrd/internal/engine"
	"mlxrd/internal/scheduler"
	"mlxrd/pkg/types"
)

// scriptedEngine emits a fixed reply, one piece per decode step, then the
// EOS id. It doubles as the daemon's tokenizer.
type scriptedEngine struct {
	vocab *engine.Vocab
	reply []string
}

type scriptedCache struct {
	eng *scriptedEngine
	pos int
}

func (c *scriptedCache) Close() error { return nil }

func newScriptedEngine(reply string) *scriptedEngine {
	return &scriptedEngine{vocab: engine.NewVocab(), reply: engine.SplitPieces(reply)}
}

func (e *scriptedEngine) NewCache(scheduler.SamplingParams) (scheduler.EngineCache, error) {
	return &scriptedCache{eng: e}, nil
}

func (e *scriptedEngine) next(c *scriptedCache) int {
	if c.pos >= len(e.reply) {
		return e.vocab.ID(engine.EOSPiece)
	}
	id := e.vocab.ID(e.reply[c.pos])
	c.pos++
	return id
}

func (e *scriptedEngine) Prefill(_ context.Context, _ []int, cache scheduler.EngineCache) (int, error) {
	return e.next(cache.(*scriptedCache)), nil
}

func (e *scriptedEngine) Decode(_ context.Context, cache scheduler.EngineCache) (int, error) {
	return e.next(cache.(*scriptedCache)), nil
}

func (e *scriptedEngine) Tokenize(text string) ([]int, error) {
	return e.vocab.Encode(text), nil
}

func (e *scriptedEngine) Detokenize(ids []int) (string, error) {
	return e.vocab.Decode(ids), nil
}

func (e *scriptedEngine) EOS() int { return e.vocab.ID(engine.EOSPiece) }

func testConfig() scheduler.Config {
	return scheduler.Config{
		MaxBatchTokens: 2048,
		MaxBatchSize:   8,
		KVBlockSize:    16,
		TotalKVBlocks:  256,
		MaxQueueDepth:  32,
	}
}

// newTestDaemon wires a daemon over a running worker.
func newTestDaemon(t *testing.T, cfg scheduler.Config, reply string) (*Daemon, *scheduler.Scheduler) {
	t.Helper()
	eng := newScriptedEngine(reply)
	sched, err := scheduler.New(cfg, scheduler.Options{Logger: zerolog.Nop()})
	require.NoError(t, err)
	worker := scheduler.NewWorker(sched, eng, zerolog.Nop())
	worker.Start()
	t.Cleanup(worker.Stop)
	d := New(sched, eng, Options{
		Logger:      zerolog.Nop(),
		ModelID:     "test-model",
		EngineReady: true,
	})
	return d, sched
}

func TestGenerateBuffered(t *testing.T) {
	d, _ := newTestDaemon(t, testConfig(), "Hello brave new world")

	var buf bytes.Buffer
	err := d.Generate(context.Background(), types.InferRequest{
		Prompt: "greet me",
	}, &buf, nil)
	require.NoError(t, err)

	var resp types.InferResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	require.Equal(t, "Hello brave new world", resp.Content)
	require.Equal(t, "stop", resp.FinishReason)
	require.Equal(t, "test-model", resp.Model)
	require.NotEmpty(t, resp.ID)
	require.Equal(t, 2, resp.Usage.PromptTokens)
	// four reply pieces plus the end-of-stream token
	require.Equal(t, 5, resp.Usage.CompletionTokens)
	require.Equal(t, 7, resp.Usage.TotalTokens)
}

func TestGenerateClampsAbsurdMaxTokens(t *testing.T) {
	d, _ := newTestDaemon(t, testConfig(), "Hello world")

	params, _ := d.samplingParams(types.InferRequest{MaxTokens: 1 << 40})
	require.Equal(t, maxGenerateTokens, params.MaxTokens)

	// The request still runs end to end instead of blowing up admission.
	var buf bytes.Buffer
	err := d.Generate(context.Background(), types.InferRequest{
		Prompt:    "greet me",
		MaxTokens: 1 << 40,
	}, &buf, nil)
	require.NoError(t, err)

	var resp types.InferResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	require.Equal(t, "Hello world", resp.Content)
	require.Equal(t, "stop", resp.FinishReason)
}

func TestGenerateStreaming(t *testing.T) {
	d, _ := newTestDaemon(t, testConfig(), "Hello world")

	var buf bytes.Buffer
	err := d.Generate(context.Background(), types.InferRequest{
		Prompt: "greet me",
		Stream: true,
	}, &buf, nil)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)

	var first, last types.TokenChunk
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	require.NoError(t, json.Unmarshal([]byte(lines[len(lines)-1]), &last))
	require.Equal(t, "Hello", first.Token)
	require.False(t, first.Done)
	require.True(t, last.Done)
	require.Equal(t, "stop", last.FinishReason)
	require.Equal(t, "Hello world", last.Content)
	require.NotNil(t, last.Usage)
}

func TestGenerateMaxTokens(t *testing.T) {
	d, _ := newTestDaemon(t, testConfig(), "Hello brave new world")

	var buf bytes.Buffer
	err := d.Generate(context.Background(), types.InferRequest{
		Prompt:    "greet me",
		MaxTokens: 2,
	}, &buf, nil)
	require.NoError(t, err)

	var resp types.InferResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	require.Equal(t, "length", resp.FinishReason)
	require.Equal(t, "Hello brave", resp.Content)
	require.Equal(t, 2, resp.Usage.CompletionTokens)
}

func TestGenerateTextStopSequence(t *testing.T) {
	d, _ := newTestDaemon(t, testConfig(), "Hello brave new world")

	var buf bytes.Buffer
	err := d.Generate(context.Background(), types.InferRequest{
		Prompt: "greet me",
		// spans two pieces, so it cannot match at the token level
		Stop: []string{"lo brave"},
	}, &buf, nil)
	require.NoError(t, err)

	var resp types.InferResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	require.Equal(t, "stop", resp.FinishReason)
	require.Equal(t, "Hel", resp.Content)
}

func TestGenerateUnknownModel(t *testing.T) {
	d, _ := newTestDaemon(t, testConfig(), "hi")

	var buf bytes.Buffer
	err := d.Generate(context.Background(), types.InferRequest{
		Model:  "other-model",
		Prompt: "greet me",
	}, &buf, nil)
	require.True(t, IsNotFound(err))
	require.Zero(t, buf.Len())
}

func TestGenerateEmptyPrompt(t *testing.T) {
	d, _ := newTestDaemon(t, testConfig(), "hi")

	var buf bytes.Buffer
	err := d.Generate(context.Background(), types.InferRequest{Prompt: "   "}, &buf, nil)
	require.Error(t, err)
	require.False(t, IsNotFound(err))
	require.False(t, IsTooBusy(err))
}

func TestGenerateEngineNotReady(t *testing.T) {
	eng := newScriptedEngine("hi")
	sched, err := scheduler.New(testConfig(), scheduler.Options{Logger: zerolog.Nop()})
	require.NoError(t, err)
	d := New(sched, eng, Options{ModelID: "test-model", EngineReady: false})

	var buf bytes.Buffer
	genErr := d.Generate(context.Background(), types.InferRequest{Prompt: "hello"}, &buf, nil)
	require.True(t, engine.IsUnavailable(genErr))
	require.False(t, d.Ready())
}

func TestGenerateTooBusy(t *testing.T) {
	cfg := testConfig()
	cfg.MaxQueueDepth = 1
	eng := newScriptedEngine("hi")
	sched, err := scheduler.New(cfg, scheduler.Options{Logger: zerolog.Nop()})
	require.NoError(t, err)
	d := New(sched, eng, Options{ModelID: "test-model", EngineReady: true})

	// no worker running, so this filler stays queued
	filler := scheduler.NewRequest("filler", "x", []int{1}, scheduler.SamplingParams{}, nil)
	require.True(t, sched.Submit(filler))

	var buf bytes.Buffer
	genErr := d.Generate(context.Background(), types.InferRequest{Prompt: "hello"}, &buf, nil)
	require.True(t, IsTooBusy(genErr))
}

func TestGenerateTimeout(t *testing.T) {
	eng := newScriptedEngine("hi")
	sched, err := scheduler.New(testConfig(), scheduler.Options{Logger: zerolog.Nop()})
	require.NoError(t, err)
	// no worker: the request never leaves WAITING
	d := New(sched, eng, Options{
		ModelID:         "test-model",
		EngineReady:     true,
		BufferedTimeout: 20 * time.Millisecond,
	})

	var buf bytes.Buffer
	genErr := d.Generate(context.Background(), types.InferRequest{Prompt: "hello"}, &buf, nil)
	require.True(t, IsTimeout(genErr))
}

func TestGenerateClientDisconnect(t *testing.T) {
	eng := newScriptedEngine("hi")
	sched, err := scheduler.New(testConfig(), scheduler.Options{Logger: zerolog.Nop()})
	require.NoError(t, err)
	d := New(sched, eng, Options{ModelID: "test-model", EngineReady: true})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var buf bytes.Buffer
	genErr := d.Generate(ctx, types.InferRequest{Prompt: "hello"}, &buf, nil)
	require.ErrorIs(t, genErr, context.Canceled)
}

func TestCancel(t *testing.T) {
	eng := newScriptedEngine("hi")
	sched, err := scheduler.New(testConfig(), scheduler.Options{Logger: zerolog.Nop()})
	require.NoError(t, err)
	d := New(sched, eng, Options{ModelID: "test-model", EngineReady: true})

	req := scheduler.NewRequest("r1", "x", []int{1}, scheduler.SamplingParams{}, nil)
	require.True(t, sched.Submit(req))

	ok, cancelErr := d.Cancel("r1")
	require.NoError(t, cancelErr)
	require.True(t, ok)
	require.Equal(t, scheduler.StateCancelled, req.State())

	// second cancel of the same request is a clean false
	ok, cancelErr = d.Cancel("r1")
	require.NoError(t, cancelErr)
	require.False(t, ok)

	_, cancelErr = d.Cancel("nope")
	require.True(t, IsNotFound(cancelErr))
}

func TestStatusAndModels(t *testing.T) {
	eng := newScriptedEngine("hi")
	sched, err := scheduler.New(testConfig(), scheduler.Options{Logger: zerolog.Nop()})
	require.NoError(t, err)
	d := New(sched, eng, Options{
		ModelID:     "test-model",
		EngineReady: true,
		Models:      []types.Model{{ID: "test-model", Name: "Test Model"}},
	})

	st := d.Status()
	require.Equal(t, "test-model", st.Model)
	require.True(t, st.EngineReady)
	require.True(t, st.Accepting)
	require.Equal(t, 256, st.KVBlocksTotal)
	require.Equal(t, 256, st.KVBlocksFree)

	models := d.Models()
	require.Len(t, models, 1)
	require.Equal(t, "test-model", models[0].ID)

	require.True(t, d.Ready())
	d.Shutdown()
	require.False(t, d.Ready())
	st = d.Status()
	require.False(t, st.Accepting)
}
