package config

import (
	"fmt"
	"strings"
)

// Config describes one synthetic prefill workload plus the runtime knobs
// shared by the bodkin command-line tools. The kernel itself takes its
// geometry from the tensors it is handed; this struct exists so tools and
// benchmarks build those tensors consistently.
type Config struct {
	Heads    int
	KVHeads  int
	HeadDim  int
	DType    string

	BlockSize   int
	CacheBlocks int

	Sequences int
	MinSeqLen int
	MaxSeqLen int
	Seed      int64

	Workers    int
	Iterations int
	Audit      bool

	LogLevel    string
	LogFormat   string
	MetricsAddr string

	CapturePath string
}

var supportedHeadDims = map[int]bool{32: true, 64: true, 128: true, 256: true}
var supportedBlockSizes = map[int]bool{16: true, 32: true, 64: true, 128: true}

func (c *Config) Validate() error {
	if c.Heads <= 0 {
		return fmt.Errorf("invalid heads: %d (must be positive)", c.Heads)
	}
	if c.KVHeads <= 0 {
		return fmt.Errorf("invalid kv_heads: %d (must be positive)", c.KVHeads)
	}
	if c.KVHeads > c.Heads {
		return fmt.Errorf("invalid kv_heads: %d (must be <= heads: %d)", c.KVHeads, c.Heads)
	}
	if c.Heads%c.KVHeads != 0 {
		return fmt.Errorf("heads (%d) must be a multiple of kv_heads (%d)", c.Heads, c.KVHeads)
	}
	if !supportedHeadDims[c.HeadDim] {
		return fmt.Errorf("invalid head_dim: %d (must be one of 32, 64, 128, 256)", c.HeadDim)
	}
	if !supportedBlockSizes[c.BlockSize] {
		return fmt.Errorf("invalid block_size: %d (must be one of 16, 32, 64, 128)", c.BlockSize)
	}
	if c.CacheBlocks < 0 {
		return fmt.Errorf("invalid cache_blocks: %d (must be non-negative)", c.CacheBlocks)
	}
	if c.Sequences <= 0 {
		return fmt.Errorf("invalid sequences: %d (must be positive)", c.Sequences)
	}
	if c.MinSeqLen < 0 {
		return fmt.Errorf("invalid min_seq_len: %d (must be non-negative)", c.MinSeqLen)
	}
	if c.MaxSeqLen < c.MinSeqLen {
		return fmt.Errorf("invalid max_seq_len: %d (must be >= min_seq_len: %d)", c.MaxSeqLen, c.MinSeqLen)
	}
	if c.MaxSeqLen == 0 {
		return fmt.Errorf("invalid max_seq_len: %d (must be positive)", c.MaxSeqLen)
	}
	switch strings.ToLower(c.DType) {
	case "f32", "f16":
	default:
		return fmt.Errorf("invalid dtype: %q (must be f32 or f16)", c.DType)
	}
	if c.Workers < 0 {
		return fmt.Errorf("invalid workers: %d (must be non-negative)", c.Workers)
	}
	if c.Iterations <= 0 {
		return fmt.Errorf("invalid iterations: %d (must be positive)", c.Iterations)
	}
	return nil
}

// GroupSize is the number of query heads sharing one kv-head.
func (c *Config) GroupSize() int {
	return c.Heads / c.KVHeads
}

// BlocksPerSequence is the block-table row capacity needed for MaxSeqLen.
func (c *Config) BlocksPerSequence() int {
	return (c.MaxSeqLen + c.BlockSize - 1) / c.BlockSize
}

// MinCacheBlocks is the smallest cache able to hold a full batch at
// MaxSeqLen; used when CacheBlocks is left at zero.
func (c *Config) MinCacheBlocks() int {
	return c.Sequences * c.BlocksPerSequence()
}

func (c *Config) NormalizedDType() string {
	return strings.ToLower(c.DType)
}

func Default() Config {
	return Config{
		Heads:       8,
		KVHeads:     2,
		HeadDim:     64,
		DType:       "f32",
		BlockSize:   16,
		Sequences:   4,
		MinSeqLen:   16,
		MaxSeqLen:   512,
		Seed:        42,
		Iterations:  10,
		LogLevel:    "INFO",
		LogFormat:   "console",
		MetricsAddr: ":9090",
	}
}
