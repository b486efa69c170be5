package tensor

import (
	"fmt"
	"math"
	"strings"
)

// DType is the storage element type of a packed tensor or paged cache.
// Arithmetic always runs in float32; F16 only affects storage.
type DType int

const (
	F32 DType = iota
	F16
)

func (d DType) String() string {
	switch d {
	case F32:
		return "f32"
	case F16:
		return "f16"
	default:
		return fmt.Sprintf("dtype(%d)", int(d))
	}
}

// ElemBytes is the storage footprint of one element.
func (d DType) ElemBytes() int {
	if d == F16 {
		return 2
	}
	return 4
}

func ParseDType(s string) (DType, error) {
	switch strings.ToLower(s) {
	case "f32", "float32":
		return F32, nil
	case "f16", "float16", "half":
		return F16, nil
	default:
		return F32, fmt.Errorf("unknown dtype %q (want f32 or f16)", s)
	}
}

// F16ToF32 widens one IEEE 754 half-precision value, including subnormals,
// infinities and NaN payloads.
func F16ToF32(h uint16) float32 {
	sign := uint32(h>>15) & 0x1
	exp := uint32(h>>10) & 0x1F
	mant := uint32(h) & 0x3FF
	var f32 uint32
	if exp == 0 {
		if mant == 0 {
			f32 = sign << 31
		} else {
			shift := uint32(0)
			m := mant
			for m < 0x400 {
				m <<= 1
				shift++
			}
			m = (m & 0x3FF) << 13
			e := uint32(127 - 14 - shift)
			f32 = (sign << 31) | (e << 23) | m
		}
	} else if exp == 31 {
		if mant == 0 {
			f32 = (sign << 31) | 0x7F800000
		} else {
			f32 = (sign << 31) | 0x7F800000 | (mant << 13)
		}
	} else {
		newExp := exp - 15 + 127
		f32 = (sign << 31) | (newExp << 23) | (mant << 13)
	}
	return math.Float32frombits(f32)
}

// F32ToF16 narrows to half precision with truncation, saturating to
// infinity and flushing exponents below the subnormal range.
func F32ToF16(f float32) uint16 {
	bits := math.Float32bits(f)
	sign := bits >> 31
	exp := (bits >> 23) & 0xFF
	mant := bits & 0x7FFFFF
	var h uint16
	if exp == 0 {
		h = uint16(sign << 15)
	} else if exp == 255 {
		h = uint16(sign<<15) | 0x7C00 | uint16(mant>>13&0x3FF)
		if mant != 0 && h&0x3FF == 0 {
			h |= 1
		}
	} else {
		newExp := int(exp) - 127 + 15
		if newExp >= 31 {
			h = uint16(sign<<15) | 0x7C00
		} else if newExp <= 0 {
			if newExp < -10 {
				h = uint16(sign << 15)
			} else {
				shift := uint32(1 - newExp)
				m := mant | 0x800000
				h = uint16(sign<<15) | uint16(m>>(13+shift))
			}
		} else {
			h = uint16(sign<<15) | uint16(newExp<<10) | uint16(mant>>13)
		}
	}
	return h
}

// F16ToF32Slice widens src into dst; lengths must match.
func F16ToF32Slice(src []uint16, dst []float32) {
	if len(src) != len(dst) {
		return
	}
	for i, h := range src {
		dst[i] = F16ToF32(h)
	}
}

// F32ToF16Slice narrows src into dst; lengths must match.
func F32ToF16Slice(src []float32, dst []uint16) {
	if len(src) != len(dst) {
		return
	}
	for i, f := range src {
		dst[i] = F32ToF16(f)
	}
}
