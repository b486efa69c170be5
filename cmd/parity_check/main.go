package main

import (
	"flag"
	"fmt"
	"math"
	"os"

	"github.com/23skdu/longbow-bodkin/internal/attention"
	"github.com/23skdu/longbow-bodkin/internal/capture"
	"github.com/23skdu/longbow-bodkin/internal/config"
	"github.com/23skdu/longbow-bodkin/internal/kvcache"
	"github.com/23skdu/longbow-bodkin/internal/logger"
	"github.com/23skdu/longbow-bodkin/internal/tensor"
)

var (
	tolerance = flag.Float64("tolerance", 1e-3, "Max relative difference against the dense fallback")
	seeds     = flag.Int("seeds", 3, "Random batches per shape")
	baseSeed  = flag.Int64("seed", 1, "First generator seed")
	workers   = flag.Int("workers", 0, "Worker goroutines (0 = NumCPU)")
	logLevel  = flag.String("log-level", "WARN", "Log level")
	logFormat = flag.String("log-format", "console", "Log format: console or json")
)

type shape struct {
	name      string
	sequences int
	minLen    int
	maxLen    int
	heads     int
	kvHeads   int
	headDim   int
	blockSize int
	dtype     string
}

var shapes = []shape{
	{"default_gqa", 4, 16, 512, 8, 2, 64, 16, "f32"},
	{"short_sequences", 2, 1, 64, 4, 4, 64, 16, "f32"},
	{"wide_group_128d", 8, 16, 128, 8, 1, 128, 32, "f32"},
	{"ragged_32d", 3, 5, 333, 6, 2, 32, 16, "f32"},
	{"big_blocks", 4, 16, 256, 8, 2, 64, 64, "f32"},
	{"single_long", 1, 1024, 1024, 8, 2, 64, 128, "f32"},
	{"half_precision", 4, 16, 200, 4, 2, 64, 16, "f16"},
}

func main() {
	flag.Parse()
	logger.Setup(*logLevel, *logFormat)

	failed := false
	for _, sh := range shapes {
		for s := 0; s < *seeds; s++ {
			seed := *baseSeed + int64(s)
			if err := checkShape(sh, seed); err != nil {
				fmt.Printf("FAIL %-18s seed %-3d %v\n", sh.name, seed, err)
				failed = true
			}
		}
	}
	if failed {
		fmt.Println("parity check FAILED")
		os.Exit(1)
	}
	fmt.Println("parity check passed")
}

func checkShape(sh shape, seed int64) error {
	cfg := config.Default()
	cfg.Sequences = sh.sequences
	cfg.MinSeqLen = sh.minLen
	cfg.MaxSeqLen = sh.maxLen
	cfg.Heads = sh.heads
	cfg.KVHeads = sh.kvHeads
	cfg.HeadDim = sh.headDim
	cfg.BlockSize = sh.blockSize
	cfg.DType = sh.dtype
	cfg.Seed = seed
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("shape invalid: %w", err)
	}

	batch, err := capture.Synthetic(cfg)
	if err != nil {
		return err
	}
	opts := attention.Options{Workers: *workers, Audit: true}

	tiledView := batch.NewView()
	tiled, err := attention.Prefill(batch.Q, batch.K, batch.V, tiledView, batch.CtxLens, opts)
	if err != nil {
		return fmt.Errorf("tiled kernel: %w", err)
	}

	denseView := batch.NewView()
	dense, err := attention.PrefillDense(batch.Q, batch.K, batch.V, denseView, batch.CtxLens, opts)
	if err != nil {
		return fmt.Errorf("dense fallback: %w", err)
	}

	tol := *tolerance
	if sh.dtype == "f16" {
		tol *= 2 // one extra half-precision ulp on the output store
	}
	if diff := maxRelDiff(tiled, dense); diff > tol {
		return fmt.Errorf("output max rel diff %.3g exceeds %.3g", diff, tol)
	}
	if err := compareCaches(batch, tiledView.K, denseView.K); err != nil {
		return fmt.Errorf("key cache: %w", err)
	}
	if err := compareCaches(batch, tiledView.V, denseView.V); err != nil {
		return fmt.Errorf("value cache: %w", err)
	}

	fmt.Printf("PASS %-18s seed %-3d tokens %-6d max rel diff %.3g\n",
		sh.name, seed, batch.Tokens(), maxRelDiff(tiled, dense))
	return nil
}

func maxRelDiff(got, want *tensor.Packed) float64 {
	gv, wv := got.Float32(), want.Float32()
	worst := 0.0
	for i := range gv {
		diff := math.Abs(float64(gv[i]) - float64(wv[i]))
		denom := math.Abs(float64(wv[i]))
		if denom < 1 {
			denom = 1
		}
		if diff/denom > worst {
			worst = diff / denom
		}
	}
	return worst
}

// compareCaches walks every written slot through the shared block table.
// Both kernels copy the same packed vectors, so the pools must agree bit
// for bit.
func compareCaches(batch *capture.Batch, a, b *kvcache.Paged) error {
	bs := batch.BlockSize
	va := make([]float32, a.HeadDim)
	vb := make([]float32, b.HeadDim)
	for s, n := range batch.CtxLens {
		for pos := 0; pos < int(n); pos++ {
			blk := int(batch.Table.Block(s, pos/bs))
			slot := pos % bs
			for kvHead := 0; kvHead < a.KVHeads; kvHead++ {
				a.ReadSlot(va, blk, kvHead, slot)
				b.ReadSlot(vb, blk, kvHead, slot)
				for d := range va {
					if va[d] != vb[d] {
						return fmt.Errorf("seq %d pos %d kv-head %d dim %d: %v vs %v",
							s, pos, kvHead, d, va[d], vb[d])
					}
				}
			}
		}
	}
	return nil
}
