// Package kvcache holds the paged key/value cache written by the prefill
// kernel and later consumed, one token at a time, by an external decode
// path. Physical blocks are owned by the caller; nothing here allocates,
// frees, or evicts them.
package kvcache

import (
	"fmt"

	"github.com/23skdu/longbow-bodkin/internal/tensor"
)

// Paged is a fixed pool of physical cache blocks laid out
//
//	[block][kvHead][headDim][blockSize]
//
// so element (b, h, d, s) lives at b*strideBlock + h*strideHead +
// d*BlockSize + s. One block stores up to BlockSize token vectors for every
// kv-head; a token's vector is strided across the dim axis, slot-minor.
type Paged struct {
	Blocks    int
	KVHeads   int
	HeadDim   int
	BlockSize int
	DType     tensor.DType

	strideBlock int
	strideHead  int

	f32 []float32
	f16 []uint16
}

// NewPaged allocates a zeroed cache pool.
func NewPaged(blocks, kvHeads, headDim, blockSize int, dt tensor.DType) *Paged {
	c := &Paged{
		Blocks:      blocks,
		KVHeads:     kvHeads,
		HeadDim:     headDim,
		BlockSize:   blockSize,
		DType:       dt,
		strideBlock: kvHeads * headDim * blockSize,
		strideHead:  headDim * blockSize,
	}
	n := blocks * c.strideBlock
	if dt == tensor.F16 {
		c.f16 = make([]uint16, n)
	} else {
		c.f32 = make([]float32, n)
	}
	return c
}

// SameShape reports whether two pools agree on every axis and dtype.
func (c *Paged) SameShape(o *Paged) bool {
	return c.Blocks == o.Blocks && c.KVHeads == o.KVHeads &&
		c.HeadDim == o.HeadDim && c.BlockSize == o.BlockSize && c.DType == o.DType
}

// SizeBytes is the backing storage footprint.
func (c *Paged) SizeBytes() int {
	return c.Blocks * c.strideBlock * c.DType.ElemBytes()
}

func (c *Paged) index(block, kvHead, d, slot int) int {
	if block < 0 || block >= c.Blocks {
		panic(fmt.Sprintf("kvcache: block %d out of range [0,%d)", block, c.Blocks))
	}
	if kvHead < 0 || kvHead >= c.KVHeads {
		panic(fmt.Sprintf("kvcache: kv head %d out of range [0,%d)", kvHead, c.KVHeads))
	}
	if d < 0 || d >= c.HeadDim {
		panic(fmt.Sprintf("kvcache: dim %d out of range [0,%d)", d, c.HeadDim))
	}
	if slot < 0 || slot >= c.BlockSize {
		panic(fmt.Sprintf("kvcache: slot %d out of range [0,%d)", slot, c.BlockSize))
	}
	return block*c.strideBlock + kvHead*c.strideHead + d*c.BlockSize + slot
}

// At reads one element, widening F16 storage.
func (c *Paged) At(block, kvHead, d, slot int) float32 {
	i := c.index(block, kvHead, d, slot)
	if c.DType == tensor.F16 {
		return tensor.F16ToF32(c.f16[i])
	}
	return c.f32[i]
}

// Set writes one element, narrowing into F16 storage.
func (c *Paged) Set(block, kvHead, d, slot int, v float32) {
	i := c.index(block, kvHead, d, slot)
	if c.DType == tensor.F16 {
		c.f16[i] = tensor.F32ToF16(v)
	} else {
		c.f32[i] = v
	}
}

// StoreSlot writes one token's head vector (length HeadDim) into a block
// slot. The vector lands strided: element d at offset d*BlockSize+slot.
func (c *Paged) StoreSlot(block, kvHead, slot int, vec []float32) {
	base := c.index(block, kvHead, 0, slot)
	if c.DType == tensor.F16 {
		for d := 0; d < c.HeadDim; d++ {
			c.f16[base+d*c.BlockSize] = tensor.F32ToF16(vec[d])
		}
		return
	}
	for d := 0; d < c.HeadDim; d++ {
		c.f32[base+d*c.BlockSize] = vec[d]
	}
}

// ReadSlot copies one token's head vector out of a block slot into dst.
func (c *Paged) ReadSlot(dst []float32, block, kvHead, slot int) {
	base := c.index(block, kvHead, 0, slot)
	if c.DType == tensor.F16 {
		for d := 0; d < c.HeadDim; d++ {
			dst[d] = tensor.F16ToF32(c.f16[base+d*c.BlockSize])
		}
		return
	}
	for d := 0; d < c.HeadDim; d++ {
		dst[d] = c.f32[base+d*c.BlockSize]
	}
}

// FillAll writes v into every element. Tests use this to poison slots and
// prove the writer leaves masked positions untouched.
func (c *Paged) FillAll(v float32) {
	if c.DType == tensor.F16 {
		h := tensor.F32ToF16(v)
		for i := range c.f16 {
			c.f16[i] = h
		}
		return
	}
	for i := range c.f32 {
		c.f32[i] = v
	}
}
