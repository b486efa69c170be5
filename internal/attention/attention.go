// Package attention implements the prefill-phase causal self-attention
// kernel over packed variable-length batches, fused with paged KV-cache
// population. One launch computes attention output for every (token, query
// head) pair and writes each sequence's key/value tiles into the physical
// cache blocks its block-table row names, under grouped-query head sharing.
//
// The kernel is a data-parallel grid of independent units, one per
// (sequence, query head, query tile), folded with a numerically stable
// online softmax; the compute tile size along both the query and key axes
// equals the cache block size, so a query-tile index doubles as the
// sequence's logical cache-block index.
package attention

import (
	"fmt"
	"math"
	"time"

	"github.com/23skdu/longbow-bodkin/internal/kvcache"
	"github.com/23skdu/longbow-bodkin/internal/logger"
	"github.com/23skdu/longbow-bodkin/internal/metrics"
	"github.com/23skdu/longbow-bodkin/internal/tensor"
)

// Prefill runs causal prefill attention over a packed batch and populates
// the paged caches through the block table as a side effect.
//
// q is tokens x queryHeads x headDim; k and v are tokens x kvHeads x
// headDim with the same token count and sequence-major order; ctxLens
// partitions the token axis into sequences. The caches in view are mutated
// in place: for sequence s and tile i, the key/value vectors of tokens
// [i*bs, min((i+1)*bs, len(s))) land in physical block Table[s][i], and
// slots past len(s) keep their prior contents.
//
// The returned tensor is freshly allocated with q's shape and dtype. On any
// contract violation nothing is dispatched and nothing is written.
func Prefill(q, k, v *tensor.Packed, cache kvcache.View, ctxLens []int32, opts Options) (*tensor.Packed, error) {
	start := time.Now()
	if err := validateInputs(q, k, v, cache, ctxLens, opts); err != nil {
		return nil, fmt.Errorf("prefill rejected: %w", err)
	}

	out := tensor.NewPacked(q.Tokens, q.Heads, q.HeadDim, q.DType)
	spans, _ := buildSpans(ctxLens)
	maxSeq := opts.MaxSeqLen
	if maxSeq == 0 {
		maxSeq = maxCtxLen(ctxLens)
	}

	bs := cache.BlockSize()
	dims := gridDims{
		seqSlots: nextPowerOfTwo(len(ctxLens)),
		heads:    q.Heads,
		tiles:    (maxSeq + bs - 1) / bs,
	}

	krn := &kernel{
		q: q, k: k, v: v, out: out,
		cache:     cache,
		spans:     spans,
		numSeqs:   len(ctxLens),
		blockSize: bs,
		headDim:   q.HeadDim,
		groups:    q.Heads / k.Heads,
		scale:     float32(1 / math.Sqrt(float64(q.HeadDim))),
	}

	for _, n := range ctxLens {
		metrics.RecordContextLength(int(n))
	}
	logger.Log.Debug("prefill launch",
		"sequences", len(ctxLens),
		"tokens", q.Tokens,
		"heads", q.Heads,
		"kv_heads", k.Heads,
		"head_dim", q.HeadDim,
		"block_size", bs,
		"dtype", q.DType.String(),
		"grid_units", dims.units(),
	)

	kernStart := time.Now()
	active, err := launch(dims, opts.Workers, krn.newScratch, krn.runUnit)
	if err != nil {
		metrics.RecordLaunchFault()
		logger.Log.Error("prefill launch aborted", "error", err)
		return nil, fmt.Errorf("prefill launch: %w", err)
	}
	metrics.RecordKernelDuration("prefill_attention", time.Since(kernStart))
	metrics.RecordGridDispatch(dims.units(), active)
	metrics.RecordCacheWrite(int(krn.statBlocks.Load()), int(krn.statBytes.Load()), int(krn.statMasked.Load()))

	if opts.Audit {
		auditOutput("prefill_output", out)
	}
	metrics.RecordPrefill(len(ctxLens), q.Tokens, time.Since(start))
	return out, nil
}

// auditOutput counts non-finite values in a finished tensor and reports
// them to the instability metrics and the log.
func auditOutput(name string, p *tensor.Packed) {
	st := tensor.ComputeStats(p.Float32())
	if st.NaN > 0 || st.Inf > 0 {
		metrics.RecordNumericalInstability(name, st.NaN, st.Inf)
		logger.Log.Warn("non-finite values in kernel output",
			"tensor", name, "nan", st.NaN, "inf", st.Inf, "min", st.Min, "max", st.Max)
	}
}
