package tensor

import "fmt"

// Packed is a ragged batch of per-token head vectors concatenated along the
// token axis without padding, token-major:
//
//	element (t, h, d) lives at t*strideTok + h*strideHead + d
//
// with strideHead = HeadDim and strideTok = Heads*HeadDim. Tokens belonging
// to one sequence are contiguous, and sequences appear in batch order; the
// split into sequences is carried separately as a context-length array.
type Packed struct {
	Tokens  int
	Heads   int
	HeadDim int
	DType   DType

	strideTok  int
	strideHead int

	f32 []float32
	f16 []uint16
}

// NewPacked allocates a zeroed packed tensor.
func NewPacked(tokens, heads, headDim int, dt DType) *Packed {
	p := &Packed{
		Tokens:     tokens,
		Heads:      heads,
		HeadDim:    headDim,
		DType:      dt,
		strideTok:  heads * headDim,
		strideHead: headDim,
	}
	n := tokens * heads * headDim
	if dt == F16 {
		p.f16 = make([]uint16, n)
	} else {
		p.f32 = make([]float32, n)
	}
	return p
}

// PackedFromFloat32 allocates a packed tensor and fills it from a flat
// token-major float32 slice, narrowing if dt is F16.
func PackedFromFloat32(vals []float32, tokens, heads, headDim int, dt DType) (*Packed, error) {
	if len(vals) != tokens*heads*headDim {
		return nil, fmt.Errorf("packed fill: have %d values, want %d (%d tokens x %d heads x %d dim)",
			len(vals), tokens*heads*headDim, tokens, heads, headDim)
	}
	p := NewPacked(tokens, heads, headDim, dt)
	if dt == F16 {
		F32ToF16Slice(vals, p.f16)
	} else {
		copy(p.f32, vals)
	}
	return p, nil
}

// Elems is the dense element count.
func (p *Packed) Elems() int {
	return p.Tokens * p.strideTok
}

// SizeBytes is the backing storage footprint.
func (p *Packed) SizeBytes() int {
	return p.Elems() * p.DType.ElemBytes()
}

// Strides reports the per-axis strides (token, head, dim).
func (p *Packed) Strides() (int, int, int) {
	return p.strideTok, p.strideHead, 1
}

func (p *Packed) index(tok, head, d int) int {
	if tok < 0 || tok >= p.Tokens {
		panic(fmt.Sprintf("packed: token %d out of range [0,%d)", tok, p.Tokens))
	}
	if head < 0 || head >= p.Heads {
		panic(fmt.Sprintf("packed: head %d out of range [0,%d)", head, p.Heads))
	}
	if d < 0 || d >= p.HeadDim {
		panic(fmt.Sprintf("packed: dim %d out of range [0,%d)", d, p.HeadDim))
	}
	return tok*p.strideTok + head*p.strideHead + d
}

// At reads one element, widening F16 storage.
func (p *Packed) At(tok, head, d int) float32 {
	i := p.index(tok, head, d)
	if p.DType == F16 {
		return F16ToF32(p.f16[i])
	}
	return p.f32[i]
}

// Set writes one element, narrowing into F16 storage.
func (p *Packed) Set(tok, head, d int, v float32) {
	i := p.index(tok, head, d)
	if p.DType == F16 {
		p.f16[i] = F32ToF16(v)
	} else {
		p.f32[i] = v
	}
}

// CopyRow decodes the head vector of one token into dst (length HeadDim).
// This is the masked-load building block: callers zero dst themselves for
// out-of-range rows instead of calling CopyRow.
func (p *Packed) CopyRow(dst []float32, tok, head int) {
	i := p.index(tok, head, 0)
	if p.DType == F16 {
		F16ToF32Slice(p.f16[i:i+p.HeadDim], dst[:p.HeadDim])
		return
	}
	copy(dst[:p.HeadDim], p.f32[i:i+p.HeadDim])
}

// StoreRow encodes src (length HeadDim) into the head vector of one token.
func (p *Packed) StoreRow(tok, head int, src []float32) {
	i := p.index(tok, head, 0)
	if p.DType == F16 {
		F32ToF16Slice(src[:p.HeadDim], p.f16[i:i+p.HeadDim])
		return
	}
	copy(p.f32[i:i+p.HeadDim], src[:p.HeadDim])
}

// Float32 returns a widened flat copy of the whole tensor, token-major.
func (p *Packed) Float32() []float32 {
	out := make([]float32, p.Elems())
	if p.DType == F16 {
		F16ToF32Slice(p.f16, out)
	} else {
		copy(out, p.f32)
	}
	return out
}

// SameShape reports whether two packed tensors agree on every axis and dtype.
func (p *Packed) SameShape(o *Packed) bool {
	return p.Tokens == o.Tokens && p.Heads == o.Heads && p.HeadDim == o.HeadDim && p.DType == o.DType
}
