package scheduler

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestScheduler(t *testing.T, cfg Config) *Scheduler {
	t.Helper()
	s, err := New(cfg, Options{})
	require.NoError(t, err)
	return s
}

func promptOfLen(n int) []int {
	p := make([]int, n)
	for i := range p {
		p[i] = i + 1
	}
	return p
}

func TestSubmitLeavesRequestWaiting(t *testing.T) {
	s := newTestScheduler(t, Config{})
	req := NewRequest("r1", "p", promptOfLen(4), SamplingParams{MaxTokens: 2}, nil)
	require.True(t, s.Submit(req))
	require.Equal(t, StateWaiting, req.State())
	require.Equal(t, 1, s.Stats().Waiting)
	require.Same(t, req, s.Get("r1"))
}

func TestSubmitRejectsDuplicateAndOverflow(t *testing.T) {
	s := newTestScheduler(t, Config{MaxQueueDepth: 2})
	require.True(t, s.Submit(NewRequest("a", "p", promptOfLen(1), SamplingParams{MaxTokens: 1}, nil)))
	require.False(t, s.Submit(NewRequest("a", "p", promptOfLen(1), SamplingParams{MaxTokens: 1}, nil)), "duplicate id")
	require.True(t, s.Submit(NewRequest("b", "p", promptOfLen(1), SamplingParams{MaxTokens: 1}, nil)))
	require.False(t, s.Submit(NewRequest("c", "p", promptOfLen(1), SamplingParams{MaxTokens: 1}, nil)), "queue full")
}

func TestSubmitAfterShutdown(t *testing.T) {
	s := newTestScheduler(t, Config{})
	s.Shutdown()
	require.False(t, s.Accepting())
	require.False(t, s.Submit(NewRequest("r", "p", promptOfLen(1), SamplingParams{MaxTokens: 1}, nil)))
}

func TestNextBatchRespectsBudgets(t *testing.T) {
	s := newTestScheduler(t, Config{MaxBatchTokens: 100, MaxBatchSize: 2})
	for i := 0; i < 5; i++ {
		req := NewRequest(fmt.Sprintf("r%d", i), "p", promptOfLen(40), SamplingParams{MaxTokens: 4}, nil)
		require.True(t, s.Submit(req))
	}

	batch := s.NextBatch()
	require.LessOrEqual(t, batch.TotalTokens(), 100)
	require.LessOrEqual(t, batch.Size(), 2)
	require.Len(t, batch.Prefill, 2)
}

func TestNextBatchSkipsOversizedPrompt(t *testing.T) {
	s := newTestScheduler(t, Config{MaxBatchTokens: 50})
	big := NewRequest("big", "p", promptOfLen(80), SamplingParams{MaxTokens: 4}, nil)
	small := NewRequest("small", "p", promptOfLen(10), SamplingParams{MaxTokens: 4}, nil)
	require.True(t, s.Submit(big))
	require.True(t, s.Submit(small))

	batch := s.NextBatch()
	require.Len(t, batch.Prefill, 1)
	require.Equal(t, "small", batch.Prefill[0].ID, "oversized head must not block later arrivals")
	require.Equal(t, StateWaiting, big.State())
	require.Equal(t, 1, s.Stats().Waiting)
}

func TestNextBatchDecodePriority(t *testing.T) {
	s := newTestScheduler(t, Config{MaxBatchTokens: 64, MaxBatchSize: 8})
	dec := NewRequest("dec", "p", promptOfLen(8), SamplingParams{MaxTokens: 16}, nil)
	require.True(t, s.Submit(dec))
	require.Len(t, s.NextBatch().Prefill, 1)
	dec.markDecoding()

	// Now flood the waiting queue; decode must still come first.
	for i := 0; i < 8; i++ {
		require.True(t, s.Submit(NewRequest(fmt.Sprintf("w%d", i), "p", promptOfLen(8), SamplingParams{MaxTokens: 2}, nil)))
	}
	batch := s.NextBatch()
	require.Len(t, batch.Decode, 1)
	require.Equal(t, "dec", batch.Decode[0].ID)
	require.NotEmpty(t, batch.Prefill, "leftover budget is filled from waiting")
	require.LessOrEqual(t, batch.TotalTokens(), 64)
}

func TestNextBatchAllocatesBlocksBeforeAdmission(t *testing.T) {
	s := newTestScheduler(t, Config{KVBlockSize: 16, TotalKVBlocks: 8})
	req := NewRequest("r", "p", promptOfLen(100), SamplingParams{MaxTokens: 4}, nil)
	require.True(t, s.Submit(req))

	batch := s.NextBatch()
	require.Len(t, batch.Prefill, 1)
	require.Len(t, req.BlockIDs(), 7, "ceil(100/16) blocks held after admission")
	require.Equal(t, 7, s.Stats().UsedKVBlocks)
}

func TestNextBatchBackpressureOnExhaustion(t *testing.T) {
	// total_kv_blocks=10, each request needs 4: at most 2 admitted.
	s := newTestScheduler(t, Config{KVBlockSize: 16, TotalKVBlocks: 10, MaxBatchTokens: 4096})
	for i := 0; i < 20; i++ {
		req := NewRequest(fmt.Sprintf("r%d", i), "p", promptOfLen(64), SamplingParams{MaxTokens: 4}, nil)
		require.True(t, s.Submit(req))
	}

	batch := s.NextBatch()
	require.Len(t, batch.Prefill, 2)
	st := s.Stats()
	require.Equal(t, 8, st.UsedKVBlocks)
	require.LessOrEqual(t, st.UsedKVBlocks, 10, "allocation never exceeds the pool")
	require.Equal(t, 18, st.Waiting, "the rest stay WAITING, not FAILED")
	for _, r := range batch.Prefill {
		require.Equal(t, StatePrefilling, r.State())
	}

	// Nothing frees, nothing more is admitted.
	require.Empty(t, s.NextBatch().Prefill)

	// Freeing one request's blocks lets exactly one more in.
	batch.Prefill[0].terminate(StateFailed, ReasonError, "test")
	s.FreeKVBlocks(batch.Prefill[0])
	next := s.NextBatch()
	require.Len(t, next.Prefill, 1)
	require.Equal(t, 8, s.Stats().UsedKVBlocks)
}

func TestCancelIdempotent(t *testing.T) {
	s := newTestScheduler(t, Config{})
	req := NewRequest("r", "p", promptOfLen(4), SamplingParams{MaxTokens: 4}, nil)
	require.True(t, s.Submit(req))

	require.True(t, s.Cancel("r"))
	require.False(t, s.Cancel("r"), "second cancel returns false")
	require.False(t, s.Cancel("ghost"), "unknown id returns false")
	require.Equal(t, StateCancelled, req.State())
	require.Equal(t, 0, s.Stats().Waiting)
}

func TestCancelReleasesBlocks(t *testing.T) {
	s := newTestScheduler(t, Config{KVBlockSize: 16, TotalKVBlocks: 32})
	req := NewRequest("r", "p", promptOfLen(64), SamplingParams{MaxTokens: 4}, nil)
	require.True(t, s.Submit(req))
	require.Len(t, s.NextBatch().Prefill, 1)
	require.Equal(t, 4, s.Stats().UsedKVBlocks)

	require.True(t, s.Cancel("r"))
	require.Equal(t, 0, s.Stats().UsedKVBlocks, "blocks released immediately on cancel")
	require.Empty(t, s.NextBatch().Decode)
}

func TestCancelledWaitingRequestNeverScheduled(t *testing.T) {
	s := newTestScheduler(t, Config{})
	req := NewRequest("r", "p", promptOfLen(4), SamplingParams{MaxTokens: 4}, nil)
	require.True(t, s.Submit(req))
	require.True(t, s.Cancel("r"))
	require.True(t, s.NextBatch().Empty())
}

func TestConcurrentSubmissions(t *testing.T) {
	const (
		threads = 8
		each    = 50
	)
	s := newTestScheduler(t, Config{MaxQueueDepth: threads * each})

	var wg sync.WaitGroup
	accepted := make([]int, threads)
	for i := 0; i < threads; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < each; j++ {
				id := fmt.Sprintf("t%d-r%d", n, j)
				req := NewRequest(id, "p", promptOfLen(2), SamplingParams{MaxTokens: 1}, nil)
				if s.Submit(req) {
					accepted[n]++
				}
			}
		}(i)
	}
	wg.Wait()

	total := 0
	for _, n := range accepted {
		total += n
	}
	require.Equal(t, threads*each, total, "no duplicate or dropped ids")
	require.Equal(t, threads*each, s.Stats().Waiting)
}

func TestReleaseDropsTerminalRequests(t *testing.T) {
	s := newTestScheduler(t, Config{})
	req := NewRequest("r", "p", promptOfLen(2), SamplingParams{MaxTokens: 1}, nil)
	require.True(t, s.Submit(req))

	require.False(t, s.Release("r"), "live requests are not releasable")
	require.True(t, s.Cancel("r"))
	require.True(t, s.Release("r"))
	require.Nil(t, s.Get("r"))
	require.False(t, s.Release("r"))
}

func TestConfigValidation(t *testing.T) {
	_, err := New(Config{MaxBatchTokens: -1}, Options{})
	require.Error(t, err)
}

func TestEventsPublished(t *testing.T) {
	pub := NewMemoryPublisher()
	s, err := New(Config{}, Options{Events: pub})
	require.NoError(t, err)

	req := NewRequest("r", "p", promptOfLen(2), SamplingParams{MaxTokens: 1}, nil)
	require.True(t, s.Submit(req))
	s.NextBatch()
	require.True(t, s.Cancel("r"))

	var names []string
	for _, e := range pub.Events() {
		names = append(names, e.Name)
	}
	require.Equal(t, []string{EventSubmitted, EventPrefill, EventCancelled}, names)
}
