package scheduler

import "fmt"

// Defaults applied when corresponding Config fields are unset.
const (
	defaultMaxBatchTokens = 8192
	defaultMaxBatchSize   = 128
	defaultKVBlockSize    = 16
	defaultTotalKVBlocks  = 1024
	defaultMaxQueueDepth  = 256
)

// Config holds the scheduling policy knobs. All values are fixed at
// construction; the scheduler never re-reads configuration.
type Config struct {
	// MaxBatchTokens caps the summed token work of one batch
	// (prompt tokens for prefill, one token per decode continuation).
	MaxBatchTokens int
	// MaxBatchSize caps the number of requests in one batch.
	MaxBatchSize int
	// KVBlockSize is the tokens-per-block granularity of the KV cache.
	KVBlockSize int
	// TotalKVBlocks is the fixed size of the block pool.
	TotalKVBlocks int
	// MaxQueueDepth caps the waiting queue; admissions beyond it are
	// rejected rather than queued.
	MaxQueueDepth int
	// RetainKV keeps finished requests' blocks resident as eviction
	// candidates instead of freeing them eagerly.
	RetainKV bool
}

// withDefaults fills unset fields.
func (c Config) withDefaults() Config {
	if c.MaxBatchTokens <= 0 {
		c.MaxBatchTokens = defaultMaxBatchTokens
	}
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = defaultMaxBatchSize
	}
	if c.KVBlockSize <= 0 {
		c.KVBlockSize = defaultKVBlockSize
	}
	if c.TotalKVBlocks <= 0 {
		c.TotalKVBlocks = defaultTotalKVBlocks
	}
	if c.MaxQueueDepth <= 0 {
		c.MaxQueueDepth = defaultMaxQueueDepth
	}
	return c
}

// Validate rejects non-positive values on explicitly set fields.
func (c Config) Validate() error {
	check := func(name string, v int) error {
		if v < 0 {
			return fmt.Errorf("scheduler: %s must be positive, got %d", name, v)
		}
		return nil
	}
	for _, f := range []struct {
		name string
		v    int
	}{
		{"max_batch_tokens", c.MaxBatchTokens},
		{"max_batch_size", c.MaxBatchSize},
		{"kv_block_size", c.KVBlockSize},
		{"total_kv_blocks", c.TotalKVBlocks},
		{"max_queue_depth", c.MaxQueueDepth},
	} {
		if err := check(f.name, f.v); err != nil {
			return err
		}
	}
	return nil
}
