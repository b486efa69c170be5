package attention

import (
	"fmt"
	"math"
	"time"

	"github.com/23skdu/longbow-bodkin/internal/kvcache"
	"github.com/23skdu/longbow-bodkin/internal/metrics"
	"github.com/23skdu/longbow-bodkin/internal/tensor"
)

// PrefillDense is the batched masked dense fallback. It honors the same
// contract as Prefill (identical validation, output shape, and cache
// population) but computes per sequence with a materialized score row and
// float64 accumulation. Functionally equivalent to the tiled kernel, not
// performance-equivalent; it doubles as the parity oracle for tests and
// tooling.
func PrefillDense(q, k, v *tensor.Packed, cache kvcache.View, ctxLens []int32, opts Options) (*tensor.Packed, error) {
	start := time.Now()
	if err := validateInputs(q, k, v, cache, ctxLens, opts); err != nil {
		return nil, fmt.Errorf("dense prefill rejected: %w", err)
	}

	out := tensor.NewPacked(q.Tokens, q.Heads, q.HeadDim, q.DType)
	spans, _ := buildSpans(ctxLens)
	hd := q.HeadDim
	bs := cache.BlockSize()
	groups := q.Heads / k.Heads
	scale := 1 / math.Sqrt(float64(hd))

	qRow := make([]float32, hd)
	kRow := make([]float32, hd)
	outRow := make([]float32, hd)
	acc := make([]float64, hd)

	for s, sp := range spans {
		scores := make([]float64, sp.length)
		for h := 0; h < q.Heads; h++ {
			kvHead := h / groups
			for p := 0; p < sp.length; p++ {
				q.CopyRow(qRow, sp.start+p, h)

				rowMax := math.Inf(-1)
				for j := 0; j <= p; j++ {
					k.CopyRow(kRow, sp.start+j, kvHead)
					var dot float64
					for d := 0; d < hd; d++ {
						dot += float64(qRow[d]) * float64(kRow[d])
					}
					scores[j] = dot * scale
					if scores[j] > rowMax {
						rowMax = scores[j]
					}
				}

				var denom float64
				for d := range acc {
					acc[d] = 0
				}
				for j := 0; j <= p; j++ {
					w := math.Exp(scores[j] - rowMax)
					denom += w
					v.CopyRow(kRow, sp.start+j, kvHead)
					for d := 0; d < hd; d++ {
						acc[d] += w * float64(kRow[d])
					}
				}
				for d := 0; d < hd; d++ {
					outRow[d] = float32(acc[d] / denom)
				}
				out.StoreRow(sp.start+p, h, outRow)
			}
		}

		for kvHead := 0; kvHead < k.Heads; kvHead++ {
			for tile := 0; tile*bs < sp.length; tile++ {
				writeTile(k, v, cache, sp, s, kvHead, tile, kRow)
			}
		}
	}

	metrics.RecordKernelDuration("dense_reference", time.Since(start))
	if opts.Audit {
		auditOutput("dense_output", out)
	}
	return out, nil
}
