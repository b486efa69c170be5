package integration

import (
	"context"
	"math"
	"path/filepath"
	"testing"

	"github.com/23skdu/longbow-bodkin/internal/attention"
	"github.com/23skdu/longbow-bodkin/internal/capture"
	"github.com/23skdu/longbow-bodkin/internal/config"
	"github.com/23skdu/longbow-bodkin/internal/kvcache"
	"github.com/23skdu/longbow-bodkin/internal/metrics"
	"github.com/23skdu/longbow-bodkin/internal/tensor"
)

// TestE2E_CaptureReplayParity drives the full workflow: generate a batch,
// round-trip it through an Arrow IPC file, replay it on both kernels, and
// check outputs, caches, and lifetime counters.
func TestE2E_CaptureReplayParity(t *testing.T) {
	cfg := config.Default()
	cfg.Sequences = 5
	cfg.MinSeqLen = 1
	cfg.MaxSeqLen = 96
	cfg.Heads = 8
	cfg.KVHeads = 2
	cfg.HeadDim = 64
	cfg.BlockSize = 16
	cfg.Seed = 31

	batch, err := capture.Synthetic(cfg)
	if err != nil {
		t.Fatalf("Failed to generate batch: %v", err)
	}

	path := filepath.Join(t.TempDir(), "batch.arrows")
	if err := capture.WriteFile(path, batch); err != nil {
		t.Fatalf("Failed to write capture: %v", err)
	}
	replayed, err := capture.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read capture: %v", err)
	}
	if replayed.Tokens() != batch.Tokens() {
		t.Fatalf("Capture changed token count: %d vs %d", replayed.Tokens(), batch.Tokens())
	}

	launchesBefore := metrics.TotalLaunches()
	tokensBefore := metrics.TotalTokens()

	opts := attention.Options{Audit: true}
	tiledView := replayed.NewView()
	tiled, err := attention.Prefill(replayed.Q, replayed.K, replayed.V, tiledView, replayed.CtxLens, opts)
	if err != nil {
		t.Fatalf("Tiled kernel failed: %v", err)
	}
	denseView := replayed.NewView()
	dense, err := attention.PrefillDense(replayed.Q, replayed.K, replayed.V, denseView, replayed.CtxLens, opts)
	if err != nil {
		t.Fatalf("Dense fallback failed: %v", err)
	}

	tv, dv := tiled.Float32(), dense.Float32()
	worst := 0.0
	for i := range tv {
		diff := math.Abs(float64(tv[i]) - float64(dv[i]))
		denom := math.Abs(float64(dv[i]))
		if denom < 1 {
			denom = 1
		}
		if diff/denom > worst {
			worst = diff / denom
		}
	}
	if worst > 1e-3 {
		t.Errorf("Kernel disagrees with dense fallback: max rel diff %g", worst)
	}

	checkCache(t, replayed, tiledView)
	checkCache(t, replayed, denseView)

	if got := metrics.TotalLaunches() - launchesBefore; got != 1 {
		t.Errorf("Lifetime launch counter advanced by %d, want 1 (dense path not counted)", got)
	}
	if got := metrics.TotalTokens() - tokensBefore; got != int64(replayed.Tokens()) {
		t.Errorf("Lifetime token counter advanced by %d, want %d", got, replayed.Tokens())
	}
}

// TestE2E_MockStoreRoundtrip exercises the batch store interface end to end
// against the in-memory implementation.
func TestE2E_MockStoreRoundtrip(t *testing.T) {
	ctx := context.Background()
	cfg := config.Default()
	cfg.Sequences = 2
	cfg.MinSeqLen = 8
	cfg.MaxSeqLen = 40
	cfg.Seed = 17

	batch, err := capture.Synthetic(cfg)
	if err != nil {
		t.Fatalf("Failed to generate batch: %v", err)
	}

	var store capture.BatchStore = capture.NewMockStore()
	if err := store.Connect(ctx); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer store.Close()

	if err := store.Push(ctx, "regression-17", batch); err != nil {
		t.Fatalf("Push failed: %v", err)
	}
	back, err := store.Pull(ctx, "regression-17")
	if err != nil {
		t.Fatalf("Pull failed: %v", err)
	}

	view := back.NewView()
	out, err := attention.Prefill(back.Q, back.K, back.V, view, back.CtxLens, attention.Options{})
	if err != nil {
		t.Fatalf("Replay of pulled batch failed: %v", err)
	}
	st := tensor.ComputeStats(out.Float32())
	if st.NaN != 0 || st.Inf != 0 {
		t.Errorf("Pulled batch replay produced %d NaN, %d Inf", st.NaN, st.Inf)
	}
	checkCache(t, back, view)
}

func checkCache(t *testing.T, b *capture.Batch, view kvcache.View) {
	t.Helper()
	bs := view.BlockSize()
	hd := b.K.HeadDim
	want := make([]float32, hd)
	got := make([]float32, hd)
	start := 0
	for s, n := range b.CtxLens {
		for pos := 0; pos < int(n); pos++ {
			blk := int(view.Table.Block(s, pos/bs))
			slot := pos % bs
			for kvHead := 0; kvHead < b.K.Heads; kvHead++ {
				b.K.CopyRow(want, start+pos, kvHead)
				view.K.ReadSlot(got, blk, kvHead, slot)
				for d := 0; d < hd; d++ {
					if got[d] != want[d] {
						t.Fatalf("Key cache mismatch at seq %d pos %d head %d dim %d", s, pos, kvHead, d)
					}
				}
				b.V.CopyRow(want, start+pos, kvHead)
				view.V.ReadSlot(got, blk, kvHead, slot)
				for d := 0; d < hd; d++ {
					if got[d] != want[d] {
						t.Fatalf("Value cache mismatch at seq %d pos %d head %d dim %d", s, pos, kvHead, d)
					}
				}
			}
		}
		start += int(n)
	}
}
