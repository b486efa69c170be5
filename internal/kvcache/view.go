package kvcache

import "fmt"

// View bundles the key pool, value pool, and block table handed to one
// prefill launch.
type View struct {
	K     *Paged
	V     *Paged
	Table *BlockTable
}

// BlockSize is the shared physical block size of both pools.
func (v View) BlockSize() int {
	return v.K.BlockSize
}

// Validate checks the cache side of the launch contract against the batch's
// context lengths: identical pool shapes, one table row per sequence, row
// capacity covering ceil(len/blockSize) blocks, every in-use entry inside
// the pool, and no physical block assigned twice. Duplicate assignments
// would alias two workers' write destinations.
func (v View) Validate(ctxLens []int32) error {
	if v.K == nil || v.V == nil || v.Table == nil {
		return fmt.Errorf("cache view incomplete: k=%v v=%v table=%v", v.K != nil, v.V != nil, v.Table != nil)
	}
	if !v.K.SameShape(v.V) {
		return fmt.Errorf("key/value cache shapes differ: k %dx%dx%dx%d %v, v %dx%dx%dx%d %v",
			v.K.Blocks, v.K.KVHeads, v.K.HeadDim, v.K.BlockSize, v.K.DType,
			v.V.Blocks, v.V.KVHeads, v.V.HeadDim, v.V.BlockSize, v.V.DType)
	}
	if v.Table.NumSeqs != len(ctxLens) {
		return fmt.Errorf("block table has %d rows, batch has %d sequences", v.Table.NumSeqs, len(ctxLens))
	}

	bs := v.K.BlockSize
	seen := make(map[int32]int, v.Table.NumSeqs)
	for s, n := range ctxLens {
		if n < 0 {
			return fmt.Errorf("sequence %d: negative context length %d", s, n)
		}
		need := (int(n) + bs - 1) / bs
		if need > v.Table.MaxBlocks {
			return fmt.Errorf("sequence %d: needs %d blocks for %d tokens, table row holds %d", s, need, n, v.Table.MaxBlocks)
		}
		row := v.Table.Row(s)
		for i := 0; i < need; i++ {
			id := row[i]
			if id < 0 || int(id) >= v.K.Blocks {
				return fmt.Errorf("sequence %d block %d: physical id %d outside cache [0,%d)", s, i, id, v.K.Blocks)
			}
			if prev, dup := seen[id]; dup {
				return fmt.Errorf("physical block %d assigned to sequences %d and %d", id, prev, s)
			}
			seen[id] = s
		}
	}
	return nil
}
