// Package capture records and replays prefill batches. A batch holds the
// packed Q/K/V, context lengths, block table, and geometry for one prefill
// call, and serializes to Arrow record batches (one row per sequence)
// carried over IPC streams on disk or Arrow Flight, so kernel regressions
// can be reproduced from captured traffic and benchmarks can share fixtures.
package capture

import (
	"fmt"
	"math/rand"

	"github.com/23skdu/longbow-bodkin/internal/config"
	"github.com/23skdu/longbow-bodkin/internal/kvcache"
	"github.com/23skdu/longbow-bodkin/internal/tensor"
)

// Batch is one prefill invocation's inputs. Caches are not part of a batch;
// NewView allocates fresh ones sized by the recorded geometry.
type Batch struct {
	Q *tensor.Packed
	K *tensor.Packed
	V *tensor.Packed

	CtxLens []int32
	Table   *kvcache.BlockTable

	BlockSize   int
	CacheBlocks int
}

// NewView allocates zeroed key/value pools for this batch's geometry and
// bundles them with its block table.
func (b *Batch) NewView() kvcache.View {
	return kvcache.View{
		K:     kvcache.NewPaged(b.CacheBlocks, b.K.Heads, b.K.HeadDim, b.BlockSize, b.K.DType),
		V:     kvcache.NewPaged(b.CacheBlocks, b.K.Heads, b.K.HeadDim, b.BlockSize, b.K.DType),
		Table: b.Table,
	}
}

// Tokens is the packed token total.
func (b *Batch) Tokens() int {
	return b.Q.Tokens
}

// MaxSeqLen is the longest sequence in the batch.
func (b *Batch) MaxSeqLen() int {
	longest := 0
	for _, n := range b.CtxLens {
		if int(n) > longest {
			longest = int(n)
		}
	}
	return longest
}

// Synthetic builds a seeded random batch from a workload description:
// uniform lengths in [MinSeqLen, MaxSeqLen], values in [-1, 1), and a
// shuffled block-table assignment so physical placement never coincides
// with logical order.
func Synthetic(cfg config.Config) (*Batch, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("synthetic batch: %w", err)
	}
	dt, err := tensor.ParseDType(cfg.DType)
	if err != nil {
		return nil, fmt.Errorf("synthetic batch: %w", err)
	}
	rng := rand.New(rand.NewSource(cfg.Seed))

	lens := make([]int32, cfg.Sequences)
	tokens := 0
	for i := range lens {
		n := cfg.MinSeqLen
		if cfg.MaxSeqLen > cfg.MinSeqLen {
			n += rng.Intn(cfg.MaxSeqLen - cfg.MinSeqLen + 1)
		}
		lens[i] = int32(n)
		tokens += n
	}

	fill := func(p *tensor.Packed) {
		for t := 0; t < p.Tokens; t++ {
			for h := 0; h < p.Heads; h++ {
				for d := 0; d < p.HeadDim; d++ {
					p.Set(t, h, d, rng.Float32()*2-1)
				}
			}
		}
	}
	q := tensor.NewPacked(tokens, cfg.Heads, cfg.HeadDim, dt)
	k := tensor.NewPacked(tokens, cfg.KVHeads, cfg.HeadDim, dt)
	v := tensor.NewPacked(tokens, cfg.KVHeads, cfg.HeadDim, dt)
	fill(q)
	fill(k)
	fill(v)

	blocks := cfg.CacheBlocks
	if blocks == 0 {
		blocks = cfg.MinCacheBlocks()
	}
	table := kvcache.NewBlockTable(cfg.Sequences, cfg.BlocksPerSequence())
	perm := rng.Perm(blocks)
	next := 0
	for s, n := range lens {
		need := (int(n) + cfg.BlockSize - 1) / cfg.BlockSize
		if next+need > blocks {
			return nil, fmt.Errorf("synthetic batch: %d cache blocks cannot hold the batch", blocks)
		}
		for i := 0; i < need; i++ {
			table.Set(s, i, int32(perm[next]))
			next++
		}
	}

	return &Batch{
		Q: q, K: k, V: v,
		CtxLens:     lens,
		Table:       table,
		BlockSize:   cfg.BlockSize,
		CacheBlocks: blocks,
	}, nil
}
