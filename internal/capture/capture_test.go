package capture

import (
	"bytes"
	"context"
	"testing"

	"github.com/23skdu/longbow-bodkin/internal/config"
	"github.com/23skdu/longbow-bodkin/internal/tensor"
)

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Sequences = 3
	cfg.MinSeqLen = 5
	cfg.MaxSeqLen = 40
	cfg.Heads = 4
	cfg.KVHeads = 2
	cfg.HeadDim = 32
	cfg.BlockSize = 16
	return cfg
}

func batchesEqual(t *testing.T, a, b *Batch) {
	t.Helper()
	if len(a.CtxLens) != len(b.CtxLens) {
		t.Fatalf("sequence counts differ: %d vs %d", len(a.CtxLens), len(b.CtxLens))
	}
	for i := range a.CtxLens {
		if a.CtxLens[i] != b.CtxLens[i] {
			t.Fatalf("length[%d] = %d vs %d", i, a.CtxLens[i], b.CtxLens[i])
		}
	}
	if a.BlockSize != b.BlockSize || a.CacheBlocks != b.CacheBlocks {
		t.Fatalf("geometry differs: bs %d/%d blocks %d/%d", a.BlockSize, b.BlockSize, a.CacheBlocks, b.CacheBlocks)
	}
	for name, pair := range map[string][2]*tensor.Packed{
		"q": {a.Q, b.Q}, "k": {a.K, b.K}, "v": {a.V, b.V},
	} {
		if !pair[0].SameShape(pair[1]) {
			t.Fatalf("%s shapes differ", name)
		}
		av, bv := pair[0].Float32(), pair[1].Float32()
		for i := range av {
			if av[i] != bv[i] {
				t.Fatalf("%s element %d = %v vs %v", name, i, av[i], bv[i])
			}
		}
	}
	if a.Table.NumSeqs != b.Table.NumSeqs || a.Table.MaxBlocks != b.Table.MaxBlocks {
		t.Fatalf("table geometry differs")
	}
	ai, bi := a.Table.Ids(), b.Table.Ids()
	for i := range ai {
		if ai[i] != bi[i] {
			t.Fatalf("table entry %d = %d vs %d", i, ai[i], bi[i])
		}
	}
}

func TestSyntheticDeterministic(t *testing.T) {
	a, err := Synthetic(testConfig())
	if err != nil {
		t.Fatal(err)
	}
	b, err := Synthetic(testConfig())
	if err != nil {
		t.Fatal(err)
	}
	batchesEqual(t, a, b)

	total := 0
	for _, n := range a.CtxLens {
		total += int(n)
	}
	if a.Tokens() != total {
		t.Fatalf("tokens = %d, lengths sum to %d", a.Tokens(), total)
	}
	if err := a.NewView().Validate(a.CtxLens); err != nil {
		t.Fatalf("synthetic batch fails its own cache contract: %v", err)
	}
}

func TestIPCRoundtrip(t *testing.T) {
	for _, dtype := range []string{"f32", "f16"} {
		t.Run(dtype, func(t *testing.T) {
			cfg := testConfig()
			cfg.DType = dtype
			b, err := Synthetic(cfg)
			if err != nil {
				t.Fatal(err)
			}

			var buf bytes.Buffer
			if err := WriteBatch(&buf, b); err != nil {
				t.Fatal(err)
			}
			back, err := ReadBatch(&buf)
			if err != nil {
				t.Fatal(err)
			}
			batchesEqual(t, b, back)
		})
	}
}

func TestIPCRoundtripZeroLengthSequence(t *testing.T) {
	cfg := testConfig()
	cfg.MinSeqLen = 0
	cfg.MaxSeqLen = 16
	cfg.Seed = 7
	b, err := Synthetic(cfg)
	if err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if err := WriteBatch(&buf, b); err != nil {
		t.Fatal(err)
	}
	back, err := ReadBatch(&buf)
	if err != nil {
		t.Fatal(err)
	}
	batchesEqual(t, b, back)
}

func TestReadBatchGarbage(t *testing.T) {
	if _, err := ReadBatch(bytes.NewReader([]byte("not an arrow stream"))); err == nil {
		t.Fatal("garbage stream accepted")
	}
}

func TestMockStore(t *testing.T) {
	ctx := context.Background()
	store := NewMockStore()

	b, err := Synthetic(testConfig())
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Push(ctx, "run1", b); err == nil {
		t.Fatal("push before connect accepted")
	}

	if err := store.Connect(ctx); err != nil {
		t.Fatal(err)
	}
	if err := store.Push(ctx, "run1", b); err != nil {
		t.Fatal(err)
	}
	back, err := store.Pull(ctx, "run1")
	if err != nil {
		t.Fatal(err)
	}
	batchesEqual(t, b, back)

	if _, err := store.Pull(ctx, "missing"); err == nil {
		t.Fatal("missing name returned a batch")
	}
	if names := store.Names(); len(names) != 1 || names[0] != "run1" {
		t.Fatalf("names = %v", names)
	}

	store.Reset()
	if len(store.Names()) != 0 {
		t.Fatal("reset left batches behind")
	}

	if err := store.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Pull(ctx, "run1"); err == nil {
		t.Fatal("pull after close accepted")
	}
}
