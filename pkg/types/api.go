package types

// InferRequest represents an inference request payload.
type InferRequest struct {
	// Optional model identifier. If empty, the server default is used.
	// example: tinyllama-q4
	Model string `json:"model,omitempty" example:"tinyllama-q4"`
	// Required prompt text to generate a completion for.
	// example: Write a haiku about the ocean.
	Prompt string `json:"prompt" example:"Write a haiku about the ocean."`
	// If true, stream tokens as NDJSON as they are produced. When false,
	// the server buffers and returns a single final object.
	// example: true
	Stream bool `json:"stream,omitempty" example:"true"`
	// Maximum number of new tokens to generate.
	// example: 128
	MaxTokens int `json:"max_tokens,omitempty" example:"128"`
	// Sampling temperature (higher = more random).
	// example: 0.7
	Temperature float32 `json:"temperature,omitempty" example:"0.7"`
	// Nucleus sampling probability.
	// example: 0.9
	TopP float32 `json:"top_p,omitempty" example:"0.9"`
	// Top-K sampling: limit candidates to top K tokens.
	// example: 40
	TopK int `json:"top_k,omitempty" example:"40"`
	// Optional stop sequences. Generation stops when any sequence is matched.
	// example: ["\n\n","END"]
	Stop []string `json:"stop,omitempty" example:"[\"\\n\\n\",\"END\"]"`
	// Random seed for reproducibility; 0 or omitted lets the server choose.
	// example: 42
	Seed int `json:"seed,omitempty" example:"42"`
	// Repetition penalty.
	// example: 1.1
	RepeatPenalty float32 `json:"repeat_penalty,omitempty" example:"1.1"`
}

// TokenChunk is one NDJSON line of a streamed response.
type TokenChunk struct {
	// Request id assigned by the server.
	// example: 7f9c0f9a-9f7a-4c9e-8d3b-1c2d3e4f5a6b
	ID string `json:"id,omitempty" example:"7f9c0f9a-9f7a-4c9e-8d3b-1c2d3e4f5a6b"`
	// Decoded token text.
	// example: Hello
	Token string `json:"token,omitempty" example:"Hello"`
	// True on the final line of the stream.
	Done bool `json:"done,omitempty"`
	// Why generation stopped; set only on the final line.
	// example: stop
	FinishReason string `json:"finish_reason,omitempty" example:"stop"`
	// Full generated text; set only on the final line.
	Content string `json:"content,omitempty"`
	// Token accounting; set only on the final line.
	Usage *Usage `json:"usage,omitempty"`
}

// Usage is the token accounting attached to a completed generation.
type Usage struct {
	// example: 12
	PromptTokens int `json:"prompt_tokens" example:"12"`
	// example: 34
	CompletionTokens int `json:"completion_tokens" example:"34"`
	// example: 46
	TotalTokens int `json:"total_tokens" example:"46"`
}

// InferResponse is the buffered (non-streaming) response body.
type InferResponse struct {
	// Request id assigned by the server.
	ID string `json:"id"`
	// Model that served the request.
	// example: tinyllama-q4
	Model string `json:"model" example:"tinyllama-q4"`
	// Full generated text.
	Content string `json:"content"`
	// Why generation stopped.
	// example: length
	FinishReason string `json:"finish_reason" example:"length"`
	// Token accounting.
	Usage Usage `json:"usage"`
}

// CancelResponse is returned by DELETE /requests/{id}.
type CancelResponse struct {
	// The cancelled request id.
	ID string `json:"id"`
	// True when this call performed the cancellation; false when the
	// request had already reached a terminal state.
	Cancelled bool `json:"cancelled"`
}

// ModelsResponse wraps the list of models returned by GET /models.
type ModelsResponse struct {
	// List of available models.
	Models []Model `json:"models"`
}

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	// Error message.
	// example: invalid JSON body
	Error string `json:"error" example:"invalid JSON body"`
	// HTTP status code.
	// example: 400
	Code int `json:"code" example:"400"`
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	// Model currently loaded by the engine.
	// example: tinyllama-q4
	Model string `json:"model" example:"tinyllama-q4"`
	// Whether the inference runtime is compiled in and loaded.
	EngineReady bool `json:"engine_ready"`
	// Whether the scheduler is accepting new requests.
	Accepting bool `json:"accepting"`
	// Requests waiting for admission.
	// example: 3
	Waiting int `json:"waiting" example:"3"`
	// Requests in the prefill phase.
	Prefilling int `json:"prefilling"`
	// Requests actively decoding.
	// example: 2
	Decoding int `json:"decoding" example:"2"`
	// KV cache blocks currently held by live sequences.
	// example: 128
	KVBlocksUsed int `json:"kv_blocks_used" example:"128"`
	// KV cache blocks free for allocation.
	// example: 896
	KVBlocksFree int `json:"kv_blocks_free" example:"896"`
	// KV cache blocks retained for finished sequences.
	KVBlocksRetained int `json:"kv_blocks_retained"`
	// Total KV cache blocks in the pool.
	// example: 1024
	KVBlocksTotal int `json:"kv_blocks_total" example:"1024"`
	// Fraction of the pool in use (0..1).
	// example: 0.125
	KVUtilization float64 `json:"kv_utilization" example:"0.125"`
	// Requests completed since start.
	// example: 42
	RequestsCompleted uint64 `json:"requests_completed" example:"42"`
	// Tokens generated since start.
	// example: 9001
	TokensGenerated uint64 `json:"tokens_generated" example:"9001"`
	// Uptime of the server in seconds.
	// example: 3600
	UptimeSeconds int64 `json:"uptime_seconds" example:"3600"`
	// Server time in unix seconds.
	// example: 1700000000
	ServerTimeUnix int64 `json:"server_time_unix" example:"1700000000"`
}
