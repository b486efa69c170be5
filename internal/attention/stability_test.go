package attention

import (
	"math"
	"math/rand"
	"testing"

	"github.com/23skdu/longbow-bodkin/internal/tensor"
)

// TestFoldRowRunningMaxMonotone checks the invariant the rescaling step
// depends on: the running max never decreases across tiles, so every
// exponent handed to exp is non-positive.
func TestFoldRowRunningMaxMonotone(t *testing.T) {
	const (
		hd    = 8
		bs    = 16
		tiles = 32
	)
	rng := rand.New(rand.NewSource(3))
	acc := make([]float32, hd)
	vTile := make([]float32, bs*hd)
	scores := make([]float32, bs)

	m, l := negInf, float32(0)
	for n := 0; n < tiles; n++ {
		for i := range scores {
			scores[i] = (rng.Float32()*2 - 1) * float32(math.Pow(10, float64(rng.Intn(7)-3)))
		}
		for i := range vTile {
			vTile[i] = rng.Float32()*2 - 1
		}
		prev := m
		m, l = foldRow(m, l, acc, scores, bs, vTile, hd)
		if m < prev {
			t.Fatalf("tile %d: running max decreased from %v to %v", n, prev, m)
		}
		if !(l > 0) || math.IsInf(float64(l), 0) || math.IsNaN(float64(l)) {
			t.Fatalf("tile %d: running sum degenerate: %v", n, l)
		}
	}
}

// TestFoldRowSumLaw verifies the closing identity of the online softmax:
// after the last tile the running sum equals the sum of exponentials taken
// against the final max.
func TestFoldRowSumLaw(t *testing.T) {
	const (
		hd    = 4
		bs    = 8
		tiles = 6
	)
	rng := rand.New(rand.NewSource(4))
	acc := make([]float32, hd)
	vTile := make([]float32, bs*hd)

	var all []float32
	m, l := negInf, float32(0)
	for n := 0; n < tiles; n++ {
		scores := make([]float32, bs)
		for i := range scores {
			scores[i] = rng.Float32()*20 - 10
		}
		all = append(all, scores...)
		m, l = foldRow(m, l, acc, scores, bs, vTile, hd)
	}

	var want float64
	for _, s := range all {
		want += math.Exp(float64(s) - float64(m))
	}
	if math.Abs(float64(l)-want)/want > 1e-5 {
		t.Errorf("running sum %v, want sum of exponentials %v", l, want)
	}
}

// TestPrefillExtremeMagnitudes drives the kernel with inputs at 1e4
// magnitude, where a softmax without max subtraction overflows exp. The
// output must stay finite and inside the convex hull of the value rows.
func TestPrefillExtremeMagnitudes(t *testing.T) {
	const limit = 1e4
	lens := []int32{40, 23}
	r := makeRig(lens, 2, 1, 64, 16, tensor.F32, 1010)
	for _, p := range []*tensor.Packed{r.q, r.k, r.v} {
		for tok := 0; tok < p.Tokens; tok++ {
			for h := 0; h < p.Heads; h++ {
				for d := 0; d < p.HeadDim; d++ {
					p.Set(tok, h, d, p.At(tok, h, d)*limit)
				}
			}
		}
	}

	out, err := Prefill(r.q, r.k, r.v, r.view, r.lens, Options{Audit: true})
	if err != nil {
		t.Fatal(err)
	}
	st := tensor.ComputeStats(out.Float32())
	if st.NaN != 0 || st.Inf != 0 {
		t.Fatalf("non-finite outputs at extreme magnitudes: %d NaN, %d Inf", st.NaN, st.Inf)
	}
	if float64(st.Max) > limit*1.0001 || float64(st.Min) < -limit*1.0001 {
		t.Errorf("output escaped the value range: min %v max %v", st.Min, st.Max)
	}
}

// TestPrefillLopsidedScores puts one dominant key in front of a long run
// of strongly negative scores; the row must converge to that key's value
// instead of underflowing to zero.
func TestPrefillLopsidedScores(t *testing.T) {
	const (
		n       = 48
		headDim = 32
		bs      = 16
	)
	q := tensor.NewPacked(n, 1, headDim, tensor.F32)
	k := tensor.NewPacked(n, 1, headDim, tensor.F32)
	v := tensor.NewPacked(n, 1, headDim, tensor.F32)
	for tok := 0; tok < n; tok++ {
		for d := 0; d < headDim; d++ {
			q.Set(tok, 0, d, 10)
			if tok == 0 {
				k.Set(tok, 0, d, 10) // score about +566 after scaling
			} else {
				k.Set(tok, 0, d, -10) // score about -566
			}
			v.Set(tok, 0, d, float32(tok+1))
		}
	}
	r := makeRig([]int32{n}, 1, 1, headDim, bs, tensor.F32, 1)

	out, err := Prefill(q, k, v, r.view, []int32{n}, Options{Audit: true})
	if err != nil {
		t.Fatal(err)
	}
	// every row attends overwhelmingly to token 0, whose value is 1
	for pos := 0; pos < n; pos++ {
		for d := 0; d < headDim; d++ {
			got := float64(out.At(pos, 0, d))
			if math.Abs(got-1) > 1e-5 {
				t.Fatalf("position %d dim %d: got %v, want 1 (dominant key)", pos, d, got)
			}
		}
	}
}
