package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Config holds runtime parameters for the daemon. Zero values mean
// "unspecified" and are replaced by defaults in Normalize.
type Config struct {
	Addr         string `json:"addr" yaml:"addr" toml:"addr"`
	ModelsDir    string `json:"models_dir" yaml:"models_dir" toml:"models_dir"`
	DefaultModel string `json:"default_model" yaml:"default_model" toml:"default_model"`

	// Scheduler sizing.
	MaxBatchTokens int  `json:"max_batch_tokens" yaml:"max_batch_tokens" toml:"max_batch_tokens"`
	MaxBatchSize   int  `json:"max_batch_size" yaml:"max_batch_size" toml:"max_batch_size"`
	KVBlockSize    int  `json:"kv_block_size" yaml:"kv_block_size" toml:"kv_block_size"`
	TotalKVBlocks  int  `json:"total_kv_blocks" yaml:"total_kv_blocks" toml:"total_kv_blocks"`
	MaxQueueDepth  int  `json:"max_queue_depth" yaml:"max_queue_depth" toml:"max_queue_depth"`
	RetainKV       bool `json:"retain_kv" yaml:"retain_kv" toml:"retain_kv"`

	// Engine runtime.
	LlamaCtx     int `json:"llama_ctx" yaml:"llama_ctx" toml:"llama_ctx"`
	LlamaThreads int `json:"llama_threads" yaml:"llama_threads" toml:"llama_threads"`

	LogLevel string `json:"log_level" yaml:"log_level" toml:"log_level"`
}

// Load reads a configuration file based on its extension.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".json":
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".toml":
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	return cfg, nil
}

// Normalize fills unspecified fields with serving defaults.
func (c *Config) Normalize() {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.ModelsDir == "" {
		c.ModelsDir = "~/models/llm"
	}
	if c.MaxBatchTokens <= 0 {
		c.MaxBatchTokens = 8192
	}
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = 128
	}
	if c.KVBlockSize <= 0 {
		c.KVBlockSize = 16
	}
	if c.TotalKVBlocks <= 0 {
		c.TotalKVBlocks = 1024
	}
	if c.MaxQueueDepth <= 0 {
		c.MaxQueueDepth = 256
	}
	if c.LlamaCtx <= 0 {
		c.LlamaCtx = 4096
	}
	if c.LlamaThreads <= 0 {
		c.LlamaThreads = 4
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}
