package attention

import (
	"fmt"

	"github.com/23skdu/longbow-bodkin/internal/kvcache"
	"github.com/23skdu/longbow-bodkin/internal/metrics"
	"github.com/23skdu/longbow-bodkin/internal/tensor"
)

// Options tunes one prefill invocation.
type Options struct {
	// MaxSeqLen caps the query-tile axis of the grid. Zero derives it from
	// the longest sequence in the batch; a nonzero hint below that is
	// rejected.
	MaxSeqLen int
	// Workers is the goroutine count for the launch; zero means NumCPU.
	Workers int
	// Audit scans the finished output for NaN/Inf and feeds the
	// numerical-instability metrics. Costs one extra pass over the output.
	Audit bool
}

var supportedHeadDims = map[int]bool{32: true, 64: true, 128: true, 256: true}
var supportedBlockSizes = map[int]bool{16: true, 32: true, 64: true, 128: true}

// validateInputs enforces the launch contract. Any violation rejects the
// whole invocation before a single unit dispatches; each rejection is
// counted under its failing field.
func validateInputs(q, k, v *tensor.Packed, cache kvcache.View, ctxLens []int32, opts Options) error {
	fail := func(field string, err error) error {
		metrics.RecordValidationError("prefill", field)
		return err
	}

	if q == nil || k == nil || v == nil {
		return fail("nil_tensor", fmt.Errorf("nil input tensor: q=%v k=%v v=%v", q != nil, k != nil, v != nil))
	}
	if q.HeadDim != k.HeadDim || q.HeadDim != v.HeadDim {
		return fail("head_dim_mismatch", fmt.Errorf("head dims differ: q=%d k=%d v=%d", q.HeadDim, k.HeadDim, v.HeadDim))
	}
	if !supportedHeadDims[q.HeadDim] {
		return fail("head_dim_unsupported", fmt.Errorf("head dim %d not in {32, 64, 128, 256}", q.HeadDim))
	}
	if q.Tokens != k.Tokens || q.Tokens != v.Tokens {
		return fail("token_count_mismatch", fmt.Errorf("token counts differ: q=%d k=%d v=%d", q.Tokens, k.Tokens, v.Tokens))
	}
	if q.DType != k.DType || q.DType != v.DType {
		return fail("dtype_mismatch", fmt.Errorf("dtypes differ: q=%v k=%v v=%v", q.DType, k.DType, v.DType))
	}
	if k.Heads != v.Heads {
		return fail("kv_head_mismatch", fmt.Errorf("k has %d heads, v has %d", k.Heads, v.Heads))
	}
	if k.Heads <= 0 || q.Heads%k.Heads != 0 {
		return fail("head_grouping", fmt.Errorf("query heads (%d) not a multiple of kv heads (%d)", q.Heads, k.Heads))
	}
	if err := cache.Validate(ctxLens); err != nil {
		return fail("cache_contract", fmt.Errorf("cache contract: %w", err))
	}
	if cache.K.KVHeads != k.Heads {
		return fail("cache_kv_heads", fmt.Errorf("cache holds %d kv heads, k tensor has %d", cache.K.KVHeads, k.Heads))
	}
	if cache.K.HeadDim != q.HeadDim {
		return fail("cache_head_dim", fmt.Errorf("cache head dim %d, tensors have %d", cache.K.HeadDim, q.HeadDim))
	}
	if cache.K.DType != q.DType {
		return fail("dtype_mismatch", fmt.Errorf("cache dtype %v, tensors are %v", cache.K.DType, q.DType))
	}
	if !supportedBlockSizes[cache.BlockSize()] {
		return fail("block_size_unsupported", fmt.Errorf("block size %d not in {16, 32, 64, 128}", cache.BlockSize()))
	}

	total := 0
	for _, n := range ctxLens {
		total += int(n)
	}
	if total != q.Tokens {
		return fail("token_sum_mismatch", fmt.Errorf("context lengths sum to %d, packed tensors hold %d tokens", total, q.Tokens))
	}
	if opts.MaxSeqLen > 0 {
		if longest := maxCtxLen(ctxLens); opts.MaxSeqLen < longest {
			return fail("max_seq_len_hint", fmt.Errorf("max_seq_len hint %d below longest sequence %d", opts.MaxSeqLen, longest))
		}
	}
	if opts.Workers < 0 {
		return fail("workers", fmt.Errorf("negative worker count %d", opts.Workers))
	}
	return nil
}
