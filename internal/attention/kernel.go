package attention

import (
	"math"
	"sync/atomic"

	"github.com/23skdu/longbow-bodkin/internal/kvcache"
	"github.com/23skdu/longbow-bodkin/internal/tensor"
)

var negInf = float32(math.Inf(-1))

func exp32(x float32) float32 {
	return float32(math.Exp(float64(x)))
}

// kernel carries the launch-constant state shared read-only by all workers.
type kernel struct {
	q, k, v *tensor.Packed
	out     *tensor.Packed
	cache   kvcache.View

	spans     []span
	numSeqs   int
	blockSize int
	headDim   int
	groups    int // query heads per kv-head
	scale     float32

	// write-back stats, folded into metrics once per launch
	statBlocks atomic.Int64
	statBytes  atomic.Int64
	statMasked atomic.Int64
}

// scratch is one worker goroutine's private tile storage, reused across all
// of its units.
type scratch struct {
	qTile  []float32 // blockSize x headDim
	kTile  []float32 // blockSize x headDim
	vTile  []float32 // blockSize x headDim
	scores []float32 // blockSize x blockSize
	mi     []float32 // running row max
	li     []float32 // running row sum
	acc    []float32 // blockSize x headDim weighted values
	row    []float32 // headDim staging for stores
}

func (k *kernel) newScratch() *scratch {
	bs, hd := k.blockSize, k.headDim
	return &scratch{
		qTile:  make([]float32, bs*hd),
		kTile:  make([]float32, bs*hd),
		vTile:  make([]float32, bs*hd),
		scores: make([]float32, bs*bs),
		mi:     make([]float32, bs),
		li:     make([]float32, bs),
		acc:    make([]float32, bs*hd),
		row:    make([]float32, hd),
	}
}

// loadTile widens up to rows token vectors starting at tok0 into dst.
// Callers bound rows by the sequence end, so positions past it are never
// read; that bound is the masked-load behavior.
func (k *kernel) loadTile(dst []float32, src *tensor.Packed, tok0, rows, head int) {
	hd := k.headDim
	for r := 0; r < rows; r++ {
		src.CopyRow(dst[r*hd:(r+1)*hd], tok0+r, head)
	}
}

// scoreTile is the fixed-size matmul microkernel: dst[r][c] =
// scale * qt[r] . kt[c] for a qRows x kCols tile, dst rows strided by ld.
func scoreTile(dst, qt, kt []float32, qRows, kCols, hd, ld int, scale float32) {
	for r := 0; r < qRows; r++ {
		qr := qt[r*hd : (r+1)*hd]
		for c := 0; c < kCols; c++ {
			kr := kt[c*hd : (c+1)*hd]
			var s float32
			for d := 0; d < hd; d++ {
				s += qr[d] * kr[d]
			}
			dst[r*ld+c] = s * scale
		}
	}
}

// foldRow advances one row's online-softmax state by one key tile: rescales
// the running sum and accumulator to the new max baseline, then adds the
// tile's exponentials and value contributions. Only the first vis scores
// are causally visible. Returns the new running max and sum.
func foldRow(m, l float32, acc, scores []float32, vis int, vTile []float32, hd int) (float32, float32) {
	tileMax := negInf
	for c := 0; c < vis; c++ {
		if scores[c] > tileMax {
			tileMax = scores[c]
		}
	}
	mNew := m
	if tileMax > mNew {
		mNew = tileMax
	}
	alpha := exp32(m - mNew)
	l *= alpha
	for d := 0; d < hd; d++ {
		acc[d] *= alpha
	}
	for c := 0; c < vis; c++ {
		p := exp32(scores[c] - mNew)
		l += p
		vr := vTile[c*hd : (c+1)*hd]
		for d := 0; d < hd; d++ {
			acc[d] += p * vr[d]
		}
	}
	return mNew, l
}

// runUnit executes one grid unit: the online-softmax fold over key tiles
// 0..tile for a query tile, the output store, and, in the group-leader
// head, the cache write for this tile. Reports whether the unit did work.
func (k *kernel) runUnit(sc *scratch, seq, head, tile int) bool {
	if seq >= k.numSeqs {
		return false
	}
	sp := k.spans[seq]
	bs, hd := k.blockSize, k.headDim
	q0 := tile * bs
	if q0 >= sp.length {
		return false
	}
	qRows := min(bs, sp.length-q0)
	kvHead := head / k.groups

	k.loadTile(sc.qTile, k.q, sp.start+q0, qRows, head)
	for r := 0; r < qRows; r++ {
		sc.mi[r] = negInf
		sc.li[r] = 0
	}
	for i := 0; i < qRows*hd; i++ {
		sc.acc[i] = 0
	}

	for n := 0; n <= tile; n++ {
		k0 := n * bs
		kRows := min(bs, sp.length-k0)
		k.loadTile(sc.kTile, k.k, sp.start+k0, kRows, kvHead)
		k.loadTile(sc.vTile, k.v, sp.start+k0, kRows, kvHead)

		scoreTile(sc.scores, sc.qTile, sc.kTile, qRows, kRows, hd, bs, k.scale)

		for r := 0; r < qRows; r++ {
			// full rows below the diagonal tile, triangular on it
			vis := kRows
			if n == tile {
				vis = r + 1
			}
			sc.mi[r], sc.li[r] = foldRow(sc.mi[r], sc.li[r], sc.acc[r*hd:(r+1)*hd], sc.scores[r*bs:(r+1)*bs], vis, sc.vTile, hd)
		}
	}

	for r := 0; r < qRows; r++ {
		inv := 1 / sc.li[r]
		accRow := sc.acc[r*hd : (r+1)*hd]
		for d := 0; d < hd; d++ {
			sc.row[d] = accRow[d] * inv
		}
		k.out.StoreRow(sp.start+q0+r, head, sc.row)
	}

	if head%k.groups == 0 {
		masked := writeTile(k.k, k.v, k.cache, sp, seq, kvHead, tile, sc.row)
		k.statBlocks.Add(1)
		k.statBytes.Add(int64(2 * (bs - masked) * hd * k.cache.K.DType.ElemBytes()))
		k.statMasked.Add(int64(masked))
	}
	return true
}
